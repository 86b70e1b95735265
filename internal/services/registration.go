package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/gosimple/slug"

	"github.com/packaginator/pypackage/internal/db/models"
	"github.com/packaginator/pypackage/internal/db/repositories"
)

// MaxIndexNameLength is the longest index package name accepted at registration.
const MaxIndexNameLength = 100

// PackageRegistry finds or creates host packages and links index packages to them.
type PackageRegistry interface {
	Register(ctx context.Context, pkg *models.Package, link *models.IndexPackage) error
	GetCategoryBySlug(ctx context.Context, slug string) (*models.Category, error)
}

// RegistrationForm is the input of the package registration entry point.
type RegistrationForm struct {
	RepoURL   string `json:"repo_url"`
	Title     string `json:"title"`
	Slug      string `json:"slug"`
	IndexSlug string `json:"index_slug"`
	Category  string `json:"category"`
}

// Registration is the outcome of a successful registration.
type Registration struct {
	Package      *models.Package      `json:"package"`
	IndexPackage *models.IndexPackage `json:"index_package,omitempty"`
}

// Registrar registers host packages and their index packages.
type Registrar struct {
	packages      PackageRegistry
	indexPackages IndexPackageStore
	clients       ClientFactory
	indexURL      string
	verify        bool
}

// NewRegistrar creates a registrar that links new index packages to indexURL.
// When verify is true, names the index reports no releases for are rejected.
func NewRegistrar(packages PackageRegistry, indexPackages IndexPackageStore, clients ClientFactory, indexURL string, verify bool) *Registrar {
	return &Registrar{
		packages:      packages,
		indexPackages: indexPackages,
		clients:       clients,
		indexURL:      indexURL,
		verify:        verify,
	}
}

// RegisterIndexPackage makes sure a host package titled name exists and links
// a new index package called name to it. ErrDuplicateName is returned before
// anything is written when the name is taken.
func (r *Registrar) RegisterIndexPackage(ctx context.Context, name string) (*models.IndexPackage, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("index package name is required")
	}

	if err := r.checkName(ctx, name); err != nil {
		return nil, err
	}

	pkg := &models.Package{Title: name, Slug: slug.Make(name)}
	link := r.newLink(name)
	if err := r.packages.Register(ctx, pkg, link); err != nil {
		return nil, registerError(name, err)
	}

	slog.Info("index package registered", "package", name, "package_id", pkg.ID)
	return link, nil
}

// RegisterPackage validates form, finds or creates the host package it
// describes and, when IndexSlug is set, links a new index package to it.
// Every input problem is reported as a *ValidationError before any write.
func (r *Registrar) RegisterPackage(ctx context.Context, form RegistrationForm) (*Registration, error) {
	verr := &ValidationError{}

	title := strings.TrimSpace(form.Title)
	if title == "" {
		verr.add("title", "This field is required.", nil)
	} else if utf8.RuneCountInString(title) > models.MaxTitleLength {
		verr.add("title", maxLengthMessage(models.MaxTitleLength), nil)
	}

	pkgSlug := strings.ToLower(strings.TrimSpace(form.Slug))
	if pkgSlug == "" {
		pkgSlug = slug.Make(title)
	}
	if title != "" && !slug.IsSlug(pkgSlug) {
		verr.add("slug", "Enter a valid slug consisting of letters, numbers, underscores or hyphens.", nil)
	} else if utf8.RuneCountInString(pkgSlug) > models.MaxSlugLength {
		verr.add("slug", maxLengthMessage(models.MaxSlugLength), nil)
	}

	repoURL := strings.TrimSpace(form.RepoURL)
	if repoURL != "" && !validRepoURL(repoURL) {
		verr.add("repo_url", "Enter a valid URL.", nil)
	}

	var categoryID *int64
	if c := strings.TrimSpace(form.Category); c != "" {
		category, err := r.packages.GetCategoryBySlug(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("failed to look up category: %w", err)
		}
		if category == nil {
			verr.add("category", "Select a valid choice.", ErrNotFound)
		} else {
			categoryID = &category.ID
		}
	}

	indexName := strings.TrimSpace(form.IndexSlug)
	if utf8.RuneCountInString(indexName) > MaxIndexNameLength {
		verr.add("index_slug", maxLengthMessage(MaxIndexNameLength), nil)
	} else if indexName != "" {
		if err := r.checkName(ctx, indexName); err != nil {
			if !addFieldError(verr, "index_slug", err) {
				return nil, err
			}
		}
	}

	if !verr.empty() {
		return nil, verr
	}

	pkg := &models.Package{
		Title:      title,
		Slug:       pkgSlug,
		CategoryID: categoryID,
		RepoURL:    repoURL,
	}
	var link *models.IndexPackage
	if indexName != "" {
		link = r.newLink(indexName)
	}

	if err := r.packages.Register(ctx, pkg, link); err != nil {
		err = registerError(indexName, err)
		if addFieldError(verr, "index_slug", err) {
			return nil, verr
		}
		return nil, err
	}

	slog.Info("package registered", "title", pkg.Title, "slug", pkg.Slug, "index_package", indexName)
	return &Registration{Package: pkg, IndexPackage: link}, nil
}

// checkName fails when name is already registered or, with verification on,
// unknown to the index.
func (r *Registrar) checkName(ctx context.Context, name string) error {
	existing, err := r.indexPackages.GetByName(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check index package name: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("%q: %w", name, ErrDuplicateName)
	}

	if !r.verify {
		return nil
	}
	client, err := r.clients(r.indexURL)
	if err != nil {
		return fmt.Errorf("failed to create index client: %w", err)
	}
	versions, err := client.ListReleaseVersions(ctx, name, true)
	if err != nil {
		return fmt.Errorf("failed to verify %q on the index: %w", name, err)
	}
	if len(versions) == 0 {
		return fmt.Errorf("%q: %w", name, ErrUnknownOnIndex)
	}
	return nil
}

func (r *Registrar) newLink(name string) *models.IndexPackage {
	return &models.IndexPackage{Name: name, IndexAPIURL: r.indexURL}
}

// registerError translates repository conflicts into service error kinds.
func registerError(name string, err error) error {
	switch {
	case errors.Is(err, repositories.ErrIndexNameTaken):
		return fmt.Errorf("%q: %w", name, ErrDuplicateName)
	case errors.Is(err, repositories.ErrPackageAlreadyLinked):
		return fmt.Errorf("%q: %w", name, ErrAlreadyLinked)
	default:
		return fmt.Errorf("failed to register package: %w", err)
	}
}

// addFieldError records err on field when it is a user-facing kind and
// reports whether it did.
func addFieldError(v *ValidationError, field string, err error) bool {
	switch {
	case errors.Is(err, ErrDuplicateName):
		v.add(field, "A package with this index name is already registered.", ErrDuplicateName)
	case errors.Is(err, ErrAlreadyLinked):
		v.add(field, "This package is already linked to an index package.", ErrAlreadyLinked)
	case errors.Is(err, ErrUnknownOnIndex):
		v.add(field, "The package index does not know this package.", ErrUnknownOnIndex)
	default:
		return false
	}
	return true
}

func maxLengthMessage(n int) string {
	return fmt.Sprintf("Ensure this value has at most %d characters.", n)
}

func validRepoURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
