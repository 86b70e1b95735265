// index_package_repository.go implements IndexPackageRepository, providing
// lookups of index packages and persistence of their sync scheduling state.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/packaginator/pypackage/internal/db/models"
)

// IndexPackageRepository handles database operations for index packages
type IndexPackageRepository struct {
	db *sqlx.DB
}

// NewIndexPackageRepository creates a new index package repository
func NewIndexPackageRepository(db *sqlx.DB) *IndexPackageRepository {
	return &IndexPackageRepository{db: db}
}

const indexPackageColumns = `id, name, index_api_url, package_id, created_at, last_sync_at,
	last_sync_status, last_sync_error, consecutive_failures, next_sync_at`

func (r *IndexPackageRepository) getOne(ctx context.Context, where string, arg interface{}) (*models.IndexPackage, error) {
	var p models.IndexPackage
	err := r.db.GetContext(ctx, &p, `SELECT `+indexPackageColumns+` FROM index_packages WHERE `+where, arg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get index package: %w", err)
	}
	return &p, nil
}

// GetByID retrieves an index package by ID
func (r *IndexPackageRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.IndexPackage, error) {
	return r.getOne(ctx, "id = $1", id)
}

// GetByName retrieves an index package by its index name
func (r *IndexPackageRepository) GetByName(ctx context.Context, name string) (*models.IndexPackage, error) {
	return r.getOne(ctx, "name = $1", name)
}

// GetByPackageID retrieves the index package linked to a host package
func (r *IndexPackageRepository) GetByPackageID(ctx context.Context, packageID int64) (*models.IndexPackage, error) {
	return r.getOne(ctx, "package_id = $1", packageID)
}

// ListByPackageIDs returns the index packages linked to any of the given host packages
func (r *IndexPackageRepository) ListByPackageIDs(ctx context.Context, packageIDs []int64) ([]models.IndexPackage, error) {
	if len(packageIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+indexPackageColumns+` FROM index_packages WHERE package_id IN (?)`, packageIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build index package query: %w", err)
	}

	var pkgs []models.IndexPackage
	if err := r.db.SelectContext(ctx, &pkgs, sqlx.Rebind(sqlx.DOLLAR, query), args...); err != nil {
		return nil, fmt.Errorf("failed to list index packages: %w", err)
	}
	return pkgs, nil
}

// ListDue returns up to limit index packages whose next sync time has passed,
// oldest first.
func (r *IndexPackageRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]models.IndexPackage, error) {
	var pkgs []models.IndexPackage
	err := r.db.SelectContext(ctx, &pkgs, `
		SELECT `+indexPackageColumns+`
		FROM index_packages
		WHERE next_sync_at <= $1
		  AND (last_sync_status IS NULL OR last_sync_status <> $2)
		ORDER BY next_sync_at ASC
		LIMIT $3`,
		now, models.SyncStatusInProgress, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list due index packages: %w", err)
	}
	return pkgs, nil
}

// MarkSyncStarted flags an index package as being synced
func (r *IndexPackageRepository) MarkSyncStarted(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE index_packages SET last_sync_status = $2 WHERE id = $1`,
		id, models.SyncStatusInProgress,
	)
	if err != nil {
		return fmt.Errorf("failed to mark sync started: %w", err)
	}
	return nil
}

// ResetInterrupted marks syncs left in progress by a stopped process as failed
// so they become due again. It returns the number of rows reset.
func (r *IndexPackageRepository) ResetInterrupted(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE index_packages
		SET last_sync_status = $1, last_sync_error = $2
		WHERE last_sync_status = $3`,
		models.SyncStatusFailed, "sync interrupted", models.SyncStatusInProgress,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset interrupted syncs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read reset count: %w", err)
	}
	return n, nil
}

// UpdateSyncState records the outcome of a sync attempt
func (r *IndexPackageRepository) UpdateSyncState(ctx context.Context, id uuid.UUID, state models.SyncState) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE index_packages
		SET last_sync_at = $2,
		    last_sync_status = $3,
		    last_sync_error = $4,
		    consecutive_failures = $5,
		    next_sync_at = $6
		WHERE id = $1`,
		id, state.SyncedAt, state.Status, state.Error, state.ConsecutiveFailures, state.NextSyncAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync state: %w", err)
	}
	return nil
}

// insertIndexPackage creates link inside an open transaction
func insertIndexPackage(ctx context.Context, q sqlx.ExtContext, link *models.IndexPackage) error {
	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}
	err := sqlx.GetContext(ctx, q, link, `
		INSERT INTO index_packages (id, name, index_api_url, package_id)
		VALUES ($1, $2, $3, $4)
		RETURNING `+indexPackageColumns,
		link.ID, link.Name, link.IndexAPIURL, link.PackageID,
	)
	if err != nil {
		if sentinel := uniqueViolationError(err, map[string]error{
			"index_packages_name_key":       ErrIndexNameTaken,
			"index_packages_package_id_key": ErrPackageAlreadyLinked,
		}); sentinel != nil {
			return fmt.Errorf("failed to create index package %q: %w", link.Name, sentinel)
		}
		return fmt.Errorf("failed to create index package: %w", err)
	}
	return nil
}
