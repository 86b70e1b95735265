package db

import (
	"errors"
	"fmt"
	"regexp"
	"testing"

	"github.com/lib/pq"
)

func TestIsUniqueViolation(t *testing.T) {
	dup := &pq.Error{Code: "23505", Constraint: "releases_index_package_id_version_key"}

	tests := []struct {
		name       string
		err        error
		constraint string
		want       bool
	}{
		{"nil error", nil, "", false},
		{"plain error", errors.New("boom"), "", false},
		{"unique violation any constraint", dup, "", true},
		{"unique violation matching constraint", dup, "releases_index_package_id_version_key", true},
		{"unique violation other constraint", dup, "index_packages_name_key", false},
		{"wrapped unique violation", fmt.Errorf("failed to insert: %w", dup), "", true},
		{"foreign key violation", &pq.Error{Code: "23503"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUniqueViolation(tt.err, tt.constraint); got != tt.want {
				t.Errorf("IsUniqueViolation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunMigrations_InvalidDirection(t *testing.T) {
	err := RunMigrations(nil, "sideways")
	if err == nil {
		t.Fatal("RunMigrations() expected error for invalid direction")
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries)%2 != 0 {
		t.Errorf("expected paired up/down migrations, got %d files", len(entries))
	}
	if len(entries) == 0 {
		t.Error("no migrations embedded")
	}
}

func TestReleaseFreeTextColumnsAreUnbounded(t *testing.T) {
	up, err := migrationsFS.ReadFile("migrations/000003_release_text_columns.up.sql")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	for _, col := range []string{
		"author", "author_email", "maintainer", "maintainer_email", "home_page",
		"download_url", "release_url", "platform", "requires_python", "stable_version",
		"metadata_version",
	} {
		re := regexp.MustCompile(`ALTER COLUMN ` + col + `\s+TYPE TEXT`)
		if !re.Match(up) {
			t.Errorf("column %s is not widened to TEXT", col)
		}
	}
}
