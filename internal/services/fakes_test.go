package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/packaginator/pypackage/internal/db/models"
	"github.com/packaginator/pypackage/internal/db/repositories"
	"github.com/packaginator/pypackage/internal/pypi"
)

// ---------------------------------------------------------------------------
// fakeIndex: in-memory package index
// ---------------------------------------------------------------------------

type fakeIndex struct {
	mu        sync.Mutex
	versions  map[string][]string
	metadata  map[string]pypi.RawRelease
	downloads map[string][]pypi.DownloadRecord

	listErr     error
	metadataErr map[string]error

	listCalls     int
	metadataCalls []string
	hiddenFlags   []bool
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		versions:    map[string][]string{},
		metadata:    map[string]pypi.RawRelease{},
		downloads:   map[string][]pypi.DownloadRecord{},
		metadataErr: map[string]error{},
	}
}

func releaseKey(name, version string) string { return name + "@" + version }

func (f *fakeIndex) ListReleaseVersions(_ context.Context, name string, includeHidden bool) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	f.hiddenFlags = append(f.hiddenFlags, includeHidden)
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]string(nil), f.versions[name]...), nil
}

func (f *fakeIndex) FetchReleaseMetadata(_ context.Context, name, version string) (pypi.RawRelease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadataCalls = append(f.metadataCalls, version)
	if err := f.metadataErr[version]; err != nil {
		return nil, err
	}
	if raw, ok := f.metadata[releaseKey(name, version)]; ok {
		return raw, nil
	}
	return pypi.RawRelease{"name": name, "version": version}, nil
}

func (f *fakeIndex) FetchDownloadRecords(_ context.Context, name, version string) ([]pypi.DownloadRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads[releaseKey(name, version)], nil
}

func (f *fakeIndex) factory() ClientFactory {
	return func(string) (IndexClient, error) { return f, nil }
}

// ---------------------------------------------------------------------------
// fakeReleaseStore: in-memory releases and host versions
// ---------------------------------------------------------------------------

type fakeReleaseStore struct {
	mu            sync.Mutex
	releases      []models.Release
	nextVersionID int64
	createErr     map[string]error
	listErr       error
}

func newFakeReleaseStore() *fakeReleaseStore {
	return &fakeReleaseStore{createErr: map[string]error{}}
}

func (s *fakeReleaseStore) ListVersions(_ context.Context, id uuid.UUID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []string
	for _, r := range s.releases {
		if r.IndexPackageID == id {
			out = append(out, r.Version)
		}
	}
	return out, nil
}

func (s *fakeReleaseStore) Create(_ context.Context, pkg *models.IndexPackage, version string, meta models.ReleaseMetadata) (*models.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.createErr[version]; err != nil {
		return nil, err
	}
	for _, r := range s.releases {
		if r.IndexPackageID == pkg.ID && r.Version == version {
			return nil, fmt.Errorf("%s: %w", pkg.ReleaseName(version), repositories.ErrReleaseExists)
		}
	}
	s.nextVersionID++
	rel := models.NewRelease(pkg.ID, s.nextVersionID, version, meta)
	rel.ID = uuid.New()
	s.releases = append(s.releases, *rel)
	return rel, nil
}

func (s *fakeReleaseStore) ListByIndexPackage(_ context.Context, id uuid.UUID) ([]models.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Release
	for _, r := range s.releases {
		if r.IndexPackageID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeReleaseStore) ListVisible(_ context.Context, ids []uuid.UUID) ([]models.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[uuid.UUID]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []models.Release
	for _, r := range s.releases {
		if want[r.IndexPackageID] && !r.Hidden {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeReleaseStore) TotalDownloads(_ context.Context, id uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, r := range s.releases {
		if r.IndexPackageID == id && !r.Hidden {
			total += r.Downloads
		}
	}
	return total, nil
}

func (s *fakeReleaseStore) add(pkg *models.IndexPackage, version string, hidden bool, downloads int64) models.Release {
	rel, err := s.Create(context.Background(), pkg, version, models.ReleaseMetadata{Hidden: hidden, Downloads: downloads})
	if err != nil {
		panic(err)
	}
	return *rel
}

// ---------------------------------------------------------------------------
// fakeCatalog: host packages, categories and index packages
// ---------------------------------------------------------------------------

type fakeCatalog struct {
	mu            sync.Mutex
	packages      []models.Package
	categories    []models.Category
	indexPackages []models.IndexPackage
	nextPackageID int64

	registerCalls int
	registerErr   error
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{}
}

func (c *fakeCatalog) addPackage(title, slug string) models.Package {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextPackageID++
	p := models.Package{ID: c.nextPackageID, Title: title, Slug: slug}
	c.packages = append(c.packages, p)
	return p
}

func (c *fakeCatalog) link(pkg models.Package, name string) *models.IndexPackage {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := models.IndexPackage{ID: uuid.New(), Name: name, IndexAPIURL: "https://pypi.python.org/pypi/", PackageID: pkg.ID}
	c.indexPackages = append(c.indexPackages, l)
	return &l
}

// PackageRegistry

func (c *fakeCatalog) Register(_ context.Context, pkg *models.Package, link *models.IndexPackage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registerCalls++
	if c.registerErr != nil {
		return c.registerErr
	}

	if link != nil {
		for _, l := range c.indexPackages {
			if l.Name == link.Name {
				return fmt.Errorf("failed to create index package %q: %w", link.Name, repositories.ErrIndexNameTaken)
			}
		}
	}

	found := false
	for _, p := range c.packages {
		if p.Title == pkg.Title && p.Slug == pkg.Slug {
			*pkg = p
			found = true
			break
		}
	}

	if link != nil {
		for _, l := range c.indexPackages {
			if found && l.PackageID == pkg.ID {
				return fmt.Errorf("failed to create index package %q: %w", link.Name, repositories.ErrPackageAlreadyLinked)
			}
		}
	}

	if !found {
		c.nextPackageID++
		pkg.ID = c.nextPackageID
		c.packages = append(c.packages, *pkg)
	}
	if link != nil {
		link.ID = uuid.New()
		link.PackageID = pkg.ID
		c.indexPackages = append(c.indexPackages, *link)
	}
	return nil
}

func (c *fakeCatalog) GetCategoryBySlug(_ context.Context, slug string) (*models.Category, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cat := range c.categories {
		if cat.Slug == slug {
			cat := cat
			return &cat, nil
		}
	}
	return nil, nil
}

// PackageLister

func (c *fakeCatalog) List(_ context.Context, limit, offset int) ([]models.Package, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := len(c.packages)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return append([]models.Package(nil), c.packages[offset:end]...), total, nil
}

func (c *fakeCatalog) GetBySlug(_ context.Context, slug string) (*models.Package, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.packages {
		if p.Slug == slug {
			p := p
			return &p, nil
		}
	}
	return nil, nil
}

// IndexPackageStore

func (c *fakeCatalog) GetByName(_ context.Context, name string) (*models.IndexPackage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.indexPackages {
		if l.Name == name {
			l := l
			return &l, nil
		}
	}
	return nil, nil
}

func (c *fakeCatalog) GetByPackageID(_ context.Context, packageID int64) (*models.IndexPackage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.indexPackages {
		if l.PackageID == packageID {
			l := l
			return &l, nil
		}
	}
	return nil, nil
}

func (c *fakeCatalog) ListByPackageIDs(_ context.Context, ids []int64) ([]models.IndexPackage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	want := map[int64]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []models.IndexPackage
	for _, l := range c.indexPackages {
		if want[l.PackageID] {
			out = append(out, l)
		}
	}
	return out, nil
}
