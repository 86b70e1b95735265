// release_repository.go implements ReleaseRepository, providing release
// lookups and the transactional version-plus-release write used by the sync.
package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/packaginator/pypackage/internal/db/models"
)

// ReleaseRepository handles database operations for releases
type ReleaseRepository struct {
	db *sqlx.DB
}

// NewReleaseRepository creates a new release repository
func NewReleaseRepository(db *sqlx.DB) *ReleaseRepository {
	return &ReleaseRepository{db: db}
}

const releaseColumns = `id, index_package_id, version_id, version, created_at, hidden, summary,
	description, downloads, license, author, author_email, maintainer, maintainer_email,
	home_page, download_url, release_url, keywords, platform, requires_python,
	stable_version, metadata_version, classifiers`

// ListVersions returns the version strings already stored for an index package
func (r *ReleaseRepository) ListVersions(ctx context.Context, indexPackageID uuid.UUID) ([]string, error) {
	var versions []string
	err := r.db.SelectContext(ctx, &versions,
		`SELECT version FROM releases WHERE index_package_id = $1`, indexPackageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list release versions: %w", err)
	}
	return versions, nil
}

// ListByIndexPackage returns every release of an index package
func (r *ReleaseRepository) ListByIndexPackage(ctx context.Context, indexPackageID uuid.UUID) ([]models.Release, error) {
	var releases []models.Release
	err := r.db.SelectContext(ctx, &releases,
		`SELECT `+releaseColumns+` FROM releases WHERE index_package_id = $1 ORDER BY created_at, id`, indexPackageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list releases: %w", err)
	}
	return releases, nil
}

// ListVisible returns the non-hidden releases of the given index packages
func (r *ReleaseRepository) ListVisible(ctx context.Context, indexPackageIDs []uuid.UUID) ([]models.Release, error) {
	if len(indexPackageIDs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(indexPackageIDs))
	for i, id := range indexPackageIDs {
		ids[i] = id.String()
	}

	var releases []models.Release
	err := r.db.SelectContext(ctx, &releases, `
		SELECT `+releaseColumns+`
		FROM releases
		WHERE index_package_id = ANY($1::uuid[]) AND hidden = false`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list visible releases: %w", err)
	}
	return releases, nil
}

// TotalDownloads sums downloads across the non-hidden releases of an index package
func (r *ReleaseRepository) TotalDownloads(ctx context.Context, indexPackageID uuid.UUID) (int64, error) {
	var total int64
	err := r.db.GetContext(ctx, &total,
		`SELECT COALESCE(SUM(downloads), 0) FROM releases WHERE index_package_id = $1 AND hidden = false`,
		indexPackageID)
	if err != nil {
		return 0, fmt.Errorf("failed to sum downloads: %w", err)
	}
	return total, nil
}

// Create finds or creates the host version for (pkg, version), writes the
// license onto it and inserts the release linked to it, all in one
// transaction. A release that already exists yields ErrReleaseExists.
func (r *ReleaseRepository) Create(ctx context.Context, pkg *models.IndexPackage, version string, meta models.ReleaseMetadata) (*models.Release, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	v, err := findOrCreateVersion(ctx, tx, pkg.PackageID, version, meta.License)
	if err != nil {
		return nil, err
	}

	rel := models.NewRelease(pkg.ID, v.ID, version, meta)
	rel.ID = uuid.New()
	if err := insertRelease(ctx, tx, rel); err != nil {
		if sentinel := uniqueViolationError(err, map[string]error{
			"releases_index_package_id_version_key": ErrReleaseExists,
			"releases_version_id_key":               ErrReleaseExists,
		}); sentinel != nil {
			return nil, fmt.Errorf("release %s: %w", pkg.ReleaseName(version), sentinel)
		}
		return nil, fmt.Errorf("%w: %w", ErrReleaseWriteFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: failed to commit: %w", ErrReleaseWriteFailed, err)
	}
	return rel, nil
}

func insertRelease(ctx context.Context, q sqlx.ExtContext, rel *models.Release) error {
	row := q.QueryRowxContext(ctx, `
		INSERT INTO releases (
			id, index_package_id, version_id, version, hidden, summary, description, downloads,
			license, author, author_email, maintainer, maintainer_email, home_page, download_url,
			release_url, keywords, platform, requires_python, stable_version, metadata_version, classifiers
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		RETURNING created_at`,
		rel.ID, rel.IndexPackageID, rel.VersionID, rel.Version, rel.Hidden, rel.Summary, rel.Description,
		rel.Downloads, rel.License, rel.Author, rel.AuthorEmail, rel.Maintainer, rel.MaintainerEmail,
		rel.HomePage, rel.DownloadURL, rel.ReleaseURL, rel.Keywords, rel.Platform, rel.RequiresPython,
		rel.StableVersion, rel.MetadataVersion, rel.Classifiers,
	)
	if err := row.Scan(&rel.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("insert returned no row")
		}
		return err
	}
	return nil
}
