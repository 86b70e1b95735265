package repositories

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/packaginator/pypackage/internal/db/models"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var errQuery = errors.New("db error")

var packageCols = []string{"id", "title", "slug", "category_id", "repo_url", "created_at", "updated_at"}

var indexPackageCols = []string{
	"id", "name", "index_api_url", "package_id", "created_at", "last_sync_at",
	"last_sync_status", "last_sync_error", "consecutive_failures", "next_sync_at",
}

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func newPackageRepo(t *testing.T) (*PackageRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	return NewPackageRepository(db), mock
}

func packageRow(id int64, title, slug string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(packageCols).AddRow(id, title, slug, nil, "", now, now)
}

func indexPackageRow(p *models.IndexPackage) *sqlmock.Rows {
	return sqlmock.NewRows(indexPackageCols).AddRow(
		p.ID, p.Name, p.IndexAPIURL, p.PackageID, p.CreatedAt, p.LastSyncAt,
		p.LastSyncStatus, p.LastSyncError, p.ConsecutiveFailures, p.NextSyncAt,
	)
}

// ---------------------------------------------------------------------------
// Lookups
// ---------------------------------------------------------------------------

func TestPackageRepository_GetByID(t *testing.T) {
	repo, mock := newPackageRepo(t)
	mock.ExpectQuery("SELECT .* FROM packages WHERE id").
		WithArgs(int64(3)).
		WillReturnRows(packageRow(3, "Django", "django"))

	pkg, err := repo.GetByID(context.Background(), 3)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if pkg == nil || pkg.Title != "Django" || pkg.Slug != "django" {
		t.Fatalf("unexpected package: %+v", pkg)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPackageRepository_GetByID_NotFound(t *testing.T) {
	repo, mock := newPackageRepo(t)
	mock.ExpectQuery("SELECT .* FROM packages WHERE id").
		WillReturnError(sql.ErrNoRows)

	pkg, err := repo.GetByID(context.Background(), 99)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if pkg != nil {
		t.Fatalf("expected nil package, got %+v", pkg)
	}
}

func TestPackageRepository_GetBySlug_Error(t *testing.T) {
	repo, mock := newPackageRepo(t)
	mock.ExpectQuery("SELECT .* FROM packages WHERE slug").
		WillReturnError(errQuery)

	if _, err := repo.GetBySlug(context.Background(), "django"); err == nil {
		t.Fatal("expected error")
	}
}

func TestPackageRepository_List(t *testing.T) {
	repo, mock := newPackageRepo(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM packages`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	now := time.Now()
	mock.ExpectQuery("SELECT .* FROM packages ORDER BY title").
		WithArgs(20, 0).
		WillReturnRows(sqlmock.NewRows(packageCols).
			AddRow(1, "Django", "django", nil, "", now, now).
			AddRow(2, "south", "south", nil, "", now, now))

	pkgs, total, err := repo.List(context.Background(), 20, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 2 || len(pkgs) != 2 {
		t.Fatalf("total=%d len=%d, want 2/2", total, len(pkgs))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPackageRepository_GetCategoryBySlug_NotFound(t *testing.T) {
	repo, mock := newPackageRepo(t)
	mock.ExpectQuery("SELECT id, title, slug FROM categories").
		WithArgs("apps").
		WillReturnError(sql.ErrNoRows)

	cat, err := repo.GetCategoryBySlug(context.Background(), "apps")
	if err != nil || cat != nil {
		t.Fatalf("expected (nil, nil), got (%+v, %v)", cat, err)
	}
}

// ---------------------------------------------------------------------------
// Register
// ---------------------------------------------------------------------------

func TestPackageRepository_Register_CreatesPackageAndLink(t *testing.T) {
	repo, mock := newPackageRepo(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO packages").
		WithArgs("django-uni-form", "django-uni-form", nil, "").
		WillReturnRows(packageRow(11, "django-uni-form", "django-uni-form"))
	mock.ExpectQuery("INSERT INTO index_packages").
		WithArgs(sqlmock.AnyArg(), "django-uni-form", "https://pypi.python.org/pypi/", int64(11)).
		WillReturnRows(indexPackageRow(&models.IndexPackage{
			ID:          uuid.New(),
			Name:        "django-uni-form",
			IndexAPIURL: "https://pypi.python.org/pypi/",
			PackageID:   11,
			CreatedAt:   now,
			NextSyncAt:  now,
		}))
	mock.ExpectCommit()

	pkg := &models.Package{Title: "django-uni-form", Slug: "django-uni-form"}
	link := &models.IndexPackage{Name: "django-uni-form", IndexAPIURL: "https://pypi.python.org/pypi/"}
	if err := repo.Register(context.Background(), pkg, link); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if pkg.ID != 11 {
		t.Errorf("pkg.ID = %d, want 11", pkg.ID)
	}
	if link.PackageID != 11 {
		t.Errorf("link.PackageID = %d, want 11", link.PackageID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPackageRepository_Register_ReusesExistingPackage(t *testing.T) {
	repo, mock := newPackageRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO packages").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT .* FROM packages WHERE title = \\$1 AND slug = \\$2").
		WithArgs("Django", "django").
		WillReturnRows(packageRow(5, "Django", "django"))
	mock.ExpectCommit()

	pkg := &models.Package{Title: "Django", Slug: "django"}
	if err := repo.Register(context.Background(), pkg, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if pkg.ID != 5 {
		t.Errorf("pkg.ID = %d, want 5", pkg.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPackageRepository_Register_DuplicateNameRollsBack(t *testing.T) {
	repo, mock := newPackageRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO packages").
		WillReturnRows(packageRow(11, "south", "south"))
	mock.ExpectQuery("INSERT INTO index_packages").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "index_packages_name_key"})
	mock.ExpectRollback()

	pkg := &models.Package{Title: "south", Slug: "south"}
	err := repo.Register(context.Background(), pkg, &models.IndexPackage{Name: "south"})
	if !errors.Is(err, ErrIndexNameTaken) {
		t.Fatalf("expected ErrIndexNameTaken, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPackageRepository_Register_PackageAlreadyLinked(t *testing.T) {
	repo, mock := newPackageRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO packages").
		WillReturnRows(packageRow(11, "south", "south"))
	mock.ExpectQuery("INSERT INTO index_packages").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "index_packages_package_id_key"})
	mock.ExpectRollback()

	err := repo.Register(context.Background(), &models.Package{Title: "south", Slug: "south"}, &models.IndexPackage{Name: "South"})
	if !errors.Is(err, ErrPackageAlreadyLinked) {
		t.Fatalf("expected ErrPackageAlreadyLinked, got %v", err)
	}
}

func TestPackageRepository_Register_BeginError(t *testing.T) {
	repo, mock := newPackageRepo(t)
	mock.ExpectBegin().WillReturnError(errQuery)

	if err := repo.Register(context.Background(), &models.Package{Title: "x", Slug: "x"}, nil); err == nil {
		t.Fatal("expected error")
	}
}
