// Package models - host.go defines the catalog rows owned by the host
// application: categories, packages and their versions. pypackage reads them
// and creates them on a find-or-create basis only.
package models

import "time"

// Column bounds of the host tables, in characters.
const (
	MaxTitleLength   = 100
	MaxSlugLength    = 100
	MaxVersionLength = 100
	MaxLicenseLength = 128
)

// Category groups catalog packages
type Category struct {
	ID    int64  `json:"id" db:"id"`
	Title string `json:"title" db:"title"`
	Slug  string `json:"slug" db:"slug"`
}

// Package is a cataloged software package. (Title, Slug) is unique.
type Package struct {
	ID         int64     `json:"id" db:"id"`
	Title      string    `json:"title" db:"title"`
	Slug       string    `json:"slug" db:"slug"`
	CategoryID *int64    `json:"category_id,omitempty" db:"category_id"`
	RepoURL    string    `json:"repo_url" db:"repo_url"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Version is a host-side version record. (PackageID, Number) is unique.
type Version struct {
	ID        int64     `json:"id" db:"id"`
	PackageID int64     `json:"package_id" db:"package_id"`
	Number    string    `json:"number" db:"number"`
	License   string    `json:"license" db:"license"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
