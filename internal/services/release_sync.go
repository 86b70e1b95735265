// Package services implements the logic that coordinates the package index
// client with the catalog repositories: release synchronization, package
// registration and the index-derived listing columns.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/packaginator/pypackage/internal/db/models"
	"github.com/packaginator/pypackage/internal/db/repositories"
	"github.com/packaginator/pypackage/internal/pypi"
	"github.com/packaginator/pypackage/internal/telemetry"
)

// IndexClient is the subset of the package index API the services use.
type IndexClient interface {
	ListReleaseVersions(ctx context.Context, name string, includeHidden bool) ([]string, error)
	FetchReleaseMetadata(ctx context.Context, name, version string) (pypi.RawRelease, error)
	FetchDownloadRecords(ctx context.Context, name, version string) ([]pypi.DownloadRecord, error)
}

// ClientFactory returns an IndexClient for the XML-RPC endpoint indexURL.
type ClientFactory func(indexURL string) (IndexClient, error)

// PyPIClientFactory builds pypi.Client instances sharing opts.
func PyPIClientFactory(opts ...pypi.Option) ClientFactory {
	return func(indexURL string) (IndexClient, error) {
		c, err := pypi.NewClient(indexURL, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// ReleaseStore persists releases.
type ReleaseStore interface {
	ListVersions(ctx context.Context, indexPackageID uuid.UUID) ([]string, error)
	Create(ctx context.Context, pkg *models.IndexPackage, version string, meta models.ReleaseMetadata) (*models.Release, error)
}

// IndexPackageStore looks up index packages.
type IndexPackageStore interface {
	GetByName(ctx context.Context, name string) (*models.IndexPackage, error)
	GetByPackageID(ctx context.Context, packageID int64) (*models.IndexPackage, error)
	ListByPackageIDs(ctx context.Context, packageIDs []int64) ([]models.IndexPackage, error)
}

// MetadataRefresher is called by the host when it wants fresh index metadata
// for one of its packages.
type MetadataRefresher interface {
	OnMetadataRefreshRequested(ctx context.Context, packageID int64) (*SyncResult, error)
}

// SyncResult summarizes one synchronization pass.
type SyncResult struct {
	VersionsSeen    int      `json:"versions_seen"`
	VersionsSkipped int      `json:"versions_skipped"`
	ReleasesCreated int      `json:"releases_created"`
	Created         []string `json:"created"`
}

// ReleaseSynchronizer pulls new releases of index packages from the index.
type ReleaseSynchronizer struct {
	clients       ClientFactory
	releases      ReleaseStore
	indexPackages IndexPackageStore
	includeHidden bool
}

// NewReleaseSynchronizer creates a new release synchronizer. includeHidden is
// used for syncs triggered through OnMetadataRefreshRequested.
func NewReleaseSynchronizer(clients ClientFactory, releases ReleaseStore, indexPackages IndexPackageStore, includeHidden bool) *ReleaseSynchronizer {
	return &ReleaseSynchronizer{
		clients:       clients,
		releases:      releases,
		indexPackages: indexPackages,
		includeHidden: includeHidden,
	}
}

// OnMetadataRefreshRequested syncs the index package linked to the host
// package packageID.
func (s *ReleaseSynchronizer) OnMetadataRefreshRequested(ctx context.Context, packageID int64) (*SyncResult, error) {
	pkg, err := s.indexPackages.GetByPackageID(ctx, packageID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up index package: %w", err)
	}
	if pkg == nil {
		return nil, fmt.Errorf("no index package linked to package %d: %w", packageID, ErrNotFound)
	}
	return s.SyncReleases(ctx, pkg, s.includeHidden)
}

// SyncReleases stores a release for every version the index lists for pkg
// that is not stored yet. Versions are processed in index order and known
// versions are never fetched again. On error the returned result describes
// the work committed before the failure.
func (s *ReleaseSynchronizer) SyncReleases(ctx context.Context, pkg *models.IndexPackage, includeHidden bool) (*SyncResult, error) {
	start := time.Now()
	defer func() {
		telemetry.ReleaseSyncDuration.Observe(time.Since(start).Seconds())
	}()

	client, err := s.clients(pkg.IndexAPIURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create index client for %s: %w", pkg.IndexAPIURL, err)
	}

	versions, err := client.ListReleaseVersions(ctx, pkg.Name, includeHidden)
	if err != nil {
		return nil, fmt.Errorf("failed to list releases of %s: %w", pkg.Name, err)
	}

	stored, err := s.releases.ListVersions(ctx, pkg.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stored releases of %s: %w", pkg.Name, err)
	}
	known := make(map[string]struct{}, len(stored)+len(versions))
	for _, v := range stored {
		known[v] = struct{}{}
	}

	result := &SyncResult{VersionsSeen: len(versions)}
	for _, version := range versions {
		if _, ok := known[version]; ok {
			result.VersionsSkipped++
			continue
		}
		if utf8.RuneCountInString(version) > models.MaxVersionLength {
			slog.Warn("version string too long for the catalog, skipping",
				"package", pkg.Name,
				"version", version)
			result.VersionsSkipped++
			continue
		}

		created, err := s.syncVersion(ctx, client, pkg, version)
		if err != nil {
			return result, err
		}
		known[version] = struct{}{}
		if !created {
			result.VersionsSkipped++
			continue
		}

		result.ReleasesCreated++
		result.Created = append(result.Created, version)
		telemetry.ReleasesCreatedTotal.Inc()
	}

	slog.Info("release sync completed",
		"package", pkg.Name,
		"versions", result.VersionsSeen,
		"created", result.ReleasesCreated,
		"skipped", result.VersionsSkipped,
		"duration", time.Since(start))

	return result, nil
}

// syncVersion fetches, normalizes and stores one release. It reports false
// when a concurrent sync stored the same release first.
func (s *ReleaseSynchronizer) syncVersion(ctx context.Context, client IndexClient, pkg *models.IndexPackage, version string) (bool, error) {
	name := pkg.ReleaseName(version)

	raw, err := client.FetchReleaseMetadata(ctx, pkg.Name, version)
	if err != nil {
		return false, fmt.Errorf("failed to fetch metadata of %s: %w", name, err)
	}
	downloads, err := client.FetchDownloadRecords(ctx, pkg.Name, version)
	if err != nil {
		return false, fmt.Errorf("failed to fetch download records of %s: %w", name, err)
	}

	meta := pypi.Normalize(pkg.Name, raw, downloads)

	if _, err := s.releases.Create(ctx, pkg, version, meta); err != nil {
		switch {
		case errors.Is(err, repositories.ErrReleaseExists):
			slog.Debug("release stored concurrently, skipping", "package", pkg.Name, "version", version)
			return false, nil
		case errors.Is(err, repositories.ErrReleaseWriteFailed):
			return false, fmt.Errorf("%w: %s: %w", ErrDataIntegrityGap, name, err)
		default:
			return false, fmt.Errorf("failed to store release %s: %w", name, err)
		}
	}

	slog.Debug("release created", "package", pkg.Name, "version", version, "hidden", meta.Hidden)
	return true, nil
}
