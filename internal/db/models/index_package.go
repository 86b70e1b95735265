// Package models - index_package.go defines the link between a host package and
// its entry on a package index, together with the scheduling state used by the
// background release sync.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sync status values recorded on an IndexPackage
const (
	SyncStatusSuccess    = "success"
	SyncStatusFailed     = "failed"
	SyncStatusInProgress = "in_progress"
)

// IndexPackage associates a host Package with a name on a package index
type IndexPackage struct {
	ID                  uuid.UUID  `json:"id" db:"id"`
	Name                string     `json:"name" db:"name"` // immutable after creation
	IndexAPIURL         string     `json:"index_api_url" db:"index_api_url"`
	PackageID           int64      `json:"package_id" db:"package_id"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	LastSyncAt          *time.Time `json:"last_sync_at,omitempty" db:"last_sync_at"`
	LastSyncStatus      *string    `json:"last_sync_status,omitempty" db:"last_sync_status"`
	LastSyncError       *string    `json:"last_sync_error,omitempty" db:"last_sync_error"`
	ConsecutiveFailures int        `json:"consecutive_failures" db:"consecutive_failures"`
	NextSyncAt          time.Time  `json:"next_sync_at" db:"next_sync_at"`
}

// ReleaseName returns the conventional "<name>-<version>" label of a release.
func (p *IndexPackage) ReleaseName(version string) string {
	return fmt.Sprintf("%s-%s", p.Name, version)
}

// SyncState is the outcome of one sync attempt written back to an IndexPackage
type SyncState struct {
	Status              string
	Error               *string
	ConsecutiveFailures int
	SyncedAt            time.Time
	NextSyncAt          time.Time
}
