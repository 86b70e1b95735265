package services

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/packaginator/pypackage/internal/db/models"
	"github.com/packaginator/pypackage/internal/versionorder"
)

// PackageLister reads host packages.
type PackageLister interface {
	List(ctx context.Context, limit, offset int) ([]models.Package, int, error)
	GetBySlug(ctx context.Context, slug string) (*models.Package, error)
}

// ReleaseReader reads stored releases.
type ReleaseReader interface {
	ListByIndexPackage(ctx context.Context, indexPackageID uuid.UUID) ([]models.Release, error)
	ListVisible(ctx context.Context, indexPackageIDs []uuid.UUID) ([]models.Release, error)
	TotalDownloads(ctx context.Context, indexPackageID uuid.UUID) (int64, error)
}

// GridColumn is one attribute shown on comparison grids.
type GridColumn struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

var gridColumns = []GridColumn{
	{Key: "repo_description", Label: "Description"},
	{Key: "category", Label: "Category"},
	{Key: "last_updated", Label: "Last Updated"},
	{Key: "index_latest_downloads", Label: "Downloads"},
	{Key: "index_latest_version", Label: "Version"},
	{Key: "repo", Label: "Repo"},
	{Key: "commits_over_52", Label: "Commits"},
	{Key: "repo_watchers", Label: "Repo watchers"},
	{Key: "repo_forks", Label: "Forks"},
	{Key: "participant_list", Label: "Participants"},
}

// GridColumns returns the grid attributes, index-derived columns included.
func GridColumns() []GridColumn {
	out := make([]GridColumn, len(gridColumns))
	copy(out, gridColumns)
	return out
}

// PackageRow is a host package with its index-derived listing columns.
// The index columns are null when no visible release exists.
type PackageRow struct {
	ID                   int64   `json:"id"`
	Title                string  `json:"title"`
	Slug                 string  `json:"slug"`
	CategoryID           *int64  `json:"category_id,omitempty"`
	RepoURL              string  `json:"repo_url"`
	IndexName            *string `json:"index_name"`
	IndexLatestVersion   *string `json:"index_latest_version"`
	IndexLatestDownloads *int64  `json:"index_latest_downloads"`
}

// PackageDetail is a PackageRow plus its index package and download total.
type PackageDetail struct {
	PackageRow
	IndexPackage   *models.IndexPackage `json:"index_package,omitempty"`
	IndexDownloads int64                `json:"index_downloads"`
}

// ReleaseView is a stored release as listed to users.
type ReleaseView struct {
	models.Release
	Name        string   `json:"name"`
	Classifiers []string `json:"classifiers"`
	Latest      bool     `json:"latest"`
}

// Catalog serves the index-derived listing columns.
type Catalog struct {
	packages      PackageLister
	indexPackages IndexPackageStore
	releases      ReleaseReader
}

// NewCatalog creates a new catalog
func NewCatalog(packages PackageLister, indexPackages IndexPackageStore, releases ReleaseReader) *Catalog {
	return &Catalog{
		packages:      packages,
		indexPackages: indexPackages,
		releases:      releases,
	}
}

// ListPackages returns one page of host packages with their index columns and
// the total number of packages.
func (c *Catalog) ListPackages(ctx context.Context, limit, offset int) ([]PackageRow, int, error) {
	pkgs, total, err := c.packages.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if len(pkgs) == 0 {
		return []PackageRow{}, total, nil
	}

	packageIDs := make([]int64, len(pkgs))
	for i, p := range pkgs {
		packageIDs[i] = p.ID
	}
	links, err := c.indexPackages.ListByPackageIDs(ctx, packageIDs)
	if err != nil {
		return nil, 0, err
	}

	linkByPackage := make(map[int64]models.IndexPackage, len(links))
	linkIDs := make([]uuid.UUID, 0, len(links))
	for _, l := range links {
		linkByPackage[l.PackageID] = l
		linkIDs = append(linkIDs, l.ID)
	}

	visible, err := c.releases.ListVisible(ctx, linkIDs)
	if err != nil {
		return nil, 0, err
	}
	byLink := make(map[uuid.UUID][]models.Release)
	for _, r := range visible {
		byLink[r.IndexPackageID] = append(byLink[r.IndexPackageID], r)
	}

	rows := make([]PackageRow, len(pkgs))
	for i, p := range pkgs {
		rows[i] = newPackageRow(p)
		if l, ok := linkByPackage[p.ID]; ok {
			rows[i].setIndexColumns(&l, byLink[l.ID])
		}
	}
	return rows, total, nil
}

// GetPackage returns the host package with the given slug, or ErrNotFound.
func (c *Catalog) GetPackage(ctx context.Context, slug string) (*PackageDetail, error) {
	pkg, err := c.packages.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if pkg == nil {
		return nil, fmt.Errorf("package %q: %w", slug, ErrNotFound)
	}

	detail := &PackageDetail{PackageRow: newPackageRow(*pkg)}

	link, err := c.indexPackages.GetByPackageID(ctx, pkg.ID)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return detail, nil
	}

	releases, err := c.releases.ListVisible(ctx, []uuid.UUID{link.ID})
	if err != nil {
		return nil, err
	}
	downloads, err := c.releases.TotalDownloads(ctx, link.ID)
	if err != nil {
		return nil, err
	}

	detail.setIndexColumns(link, releases)
	detail.IndexPackage = link
	detail.IndexDownloads = downloads
	return detail, nil
}

// ListReleases returns the releases of the index package linked to the host
// package slug in natural version order.
func (c *Catalog) ListReleases(ctx context.Context, slug string) (*models.IndexPackage, []ReleaseView, error) {
	pkg, err := c.packages.GetBySlug(ctx, slug)
	if err != nil {
		return nil, nil, err
	}
	if pkg == nil {
		return nil, nil, fmt.Errorf("package %q: %w", slug, ErrNotFound)
	}
	link, err := c.indexPackages.GetByPackageID(ctx, pkg.ID)
	if err != nil {
		return nil, nil, err
	}
	if link == nil {
		return nil, nil, fmt.Errorf("package %q has no index package: %w", slug, ErrNotFound)
	}

	views, err := c.releaseViews(ctx, link)
	if err != nil {
		return nil, nil, err
	}
	return link, views, nil
}

// ListReleasesByName is ListReleases keyed by index package name.
func (c *Catalog) ListReleasesByName(ctx context.Context, name string) (*models.IndexPackage, []ReleaseView, error) {
	link, err := c.indexPackages.GetByName(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	if link == nil {
		return nil, nil, fmt.Errorf("index package %q: %w", name, ErrNotFound)
	}

	views, err := c.releaseViews(ctx, link)
	if err != nil {
		return nil, nil, err
	}
	return link, views, nil
}

func (c *Catalog) releaseViews(ctx context.Context, link *models.IndexPackage) ([]ReleaseView, error) {
	releases, err := c.releases.ListByIndexPackage(ctx, link.ID)
	if err != nil {
		return nil, err
	}
	SortReleases(releases)
	latest := LatestRelease(releases)

	views := make([]ReleaseView, len(releases))
	for i, r := range releases {
		views[i] = ReleaseView{
			Release:     r,
			Name:        link.ReleaseName(r.Version),
			Classifiers: r.ClassifierList(),
			Latest:      latest != nil && latest.ID == r.ID,
		}
	}
	return views, nil
}

// LatestRelease returns the non-hidden release with the highest version in
// natural order, or nil when there is none.
func LatestRelease(releases []models.Release) *models.Release {
	var latest *models.Release
	for i := range releases {
		r := &releases[i]
		if r.Hidden {
			continue
		}
		if latest == nil || versionorder.Compare(r.Version, latest.Version) > 0 {
			latest = r
		}
	}
	return latest
}

// SortReleases orders releases from oldest to newest version in place.
func SortReleases(releases []models.Release) {
	sort.SliceStable(releases, func(i, j int) bool {
		return versionorder.Compare(releases[i].Version, releases[j].Version) < 0
	})
}

func newPackageRow(p models.Package) PackageRow {
	return PackageRow{
		ID:         p.ID,
		Title:      p.Title,
		Slug:       p.Slug,
		CategoryID: p.CategoryID,
		RepoURL:    p.RepoURL,
	}
}

func (row *PackageRow) setIndexColumns(link *models.IndexPackage, releases []models.Release) {
	name := link.Name
	row.IndexName = &name

	latest := LatestRelease(releases)
	if latest == nil {
		return
	}
	version := latest.Version
	downloads := latest.Downloads
	row.IndexLatestVersion = &version
	row.IndexLatestDownloads = &downloads
}
