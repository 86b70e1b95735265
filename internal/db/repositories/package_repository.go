// package_repository.go implements PackageRepository, covering the host catalog
// tables (categories, packages, versions) that pypackage reads and links to.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/packaginator/pypackage/internal/db"
	"github.com/packaginator/pypackage/internal/db/models"
)

// PackageRepository handles database operations for host catalog packages
type PackageRepository struct {
	db *sqlx.DB
}

// NewPackageRepository creates a new package repository
func NewPackageRepository(db *sqlx.DB) *PackageRepository {
	return &PackageRepository{db: db}
}

const packageColumns = `id, title, slug, category_id, repo_url, created_at, updated_at`

// GetByID retrieves a package by ID
func (r *PackageRepository) GetByID(ctx context.Context, id int64) (*models.Package, error) {
	var pkg models.Package
	err := r.db.GetContext(ctx, &pkg, `SELECT `+packageColumns+` FROM packages WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get package: %w", err)
	}
	return &pkg, nil
}

// GetBySlug retrieves the oldest package with the given slug
func (r *PackageRepository) GetBySlug(ctx context.Context, slug string) (*models.Package, error) {
	var pkg models.Package
	err := r.db.GetContext(ctx, &pkg,
		`SELECT `+packageColumns+` FROM packages WHERE slug = $1 ORDER BY id LIMIT 1`, slug)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get package by slug: %w", err)
	}
	return &pkg, nil
}

// List returns a page of packages ordered by title, plus the total count
func (r *PackageRepository) List(ctx context.Context, limit, offset int) ([]models.Package, int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM packages`); err != nil {
		return nil, 0, fmt.Errorf("failed to count packages: %w", err)
	}

	var pkgs []models.Package
	err := r.db.SelectContext(ctx, &pkgs,
		`SELECT `+packageColumns+` FROM packages ORDER BY title, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list packages: %w", err)
	}
	return pkgs, total, nil
}

// GetCategoryBySlug retrieves a category by slug
func (r *PackageRepository) GetCategoryBySlug(ctx context.Context, slug string) (*models.Category, error) {
	var cat models.Category
	err := r.db.GetContext(ctx, &cat, `SELECT id, title, slug FROM categories WHERE slug = $1`, slug)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get category: %w", err)
	}
	return &cat, nil
}

// Register finds or creates the host package identified by (Title, Slug) and,
// when link is non-nil, creates the index package pointing at it. Both writes
// share one transaction. pkg and link are filled in with their stored values.
func (r *PackageRepository) Register(ctx context.Context, pkg *models.Package, link *models.IndexPackage) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := findOrCreatePackage(ctx, tx, pkg); err != nil {
		return err
	}

	if link != nil {
		link.PackageID = pkg.ID
		if err := insertIndexPackage(ctx, tx, link); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit registration: %w", err)
	}
	return nil
}

// findOrCreatePackage inserts pkg unless a package with the same (title, slug)
// exists, in which case pkg is overwritten with the stored row.
func findOrCreatePackage(ctx context.Context, q sqlx.ExtContext, pkg *models.Package) error {
	err := sqlx.GetContext(ctx, q, pkg, `
		INSERT INTO packages (title, slug, category_id, repo_url)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (title, slug) DO NOTHING
		RETURNING `+packageColumns,
		pkg.Title, pkg.Slug, pkg.CategoryID, pkg.RepoURL,
	)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to create package: %w", err)
	}

	err = sqlx.GetContext(ctx, q, pkg,
		`SELECT `+packageColumns+` FROM packages WHERE title = $1 AND slug = $2`, pkg.Title, pkg.Slug)
	if err != nil {
		return fmt.Errorf("failed to get existing package: %w", err)
	}
	return nil
}

// findOrCreateVersion returns the host version (packageID, number), creating
// it when missing. license is written in both cases; nothing else is touched.
func findOrCreateVersion(ctx context.Context, q sqlx.ExtContext, packageID int64, number, license string) (*models.Version, error) {
	var v models.Version
	err := sqlx.GetContext(ctx, q, &v, `
		INSERT INTO versions (package_id, number, license)
		VALUES ($1, $2, $3)
		ON CONFLICT (package_id, number) DO UPDATE SET license = EXCLUDED.license
		RETURNING id, package_id, number, license, created_at`,
		packageID, number, license,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert version: %w", err)
	}
	return &v, nil
}

// uniqueViolationError maps a unique violation on one of the given
// constraints to its sentinel, or returns nil.
func uniqueViolationError(err error, sentinels map[string]error) error {
	for constraint, sentinel := range sentinels {
		if db.IsUniqueViolation(err, constraint) {
			return sentinel
		}
	}
	return nil
}
