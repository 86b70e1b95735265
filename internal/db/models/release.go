// Package models - release.go defines releases mirrored from a package index
// and the canonical metadata record they are built from.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMetadataVersion is stored when the index does not report one.
const DefaultMetadataVersion = "1.0"

// ReleaseMetadata is the canonical, normalized form of one release record as
// reported by the index.
type ReleaseMetadata struct {
	Hidden          bool     `json:"hidden"`
	Summary         string   `json:"summary,omitempty"`
	Description     string   `json:"description,omitempty"`
	Downloads       int64    `json:"downloads"`
	License         string   `json:"license,omitempty"`
	Author          string   `json:"author,omitempty"`
	AuthorEmail     string   `json:"author_email,omitempty"`
	Maintainer      string   `json:"maintainer,omitempty"`
	MaintainerEmail string   `json:"maintainer_email,omitempty"`
	HomePage        string   `json:"home_page,omitempty"`
	DownloadURL     string   `json:"download_url,omitempty"`
	ReleaseURL      string   `json:"release_url,omitempty"`
	Keywords        string   `json:"keywords,omitempty"`
	Platform        string   `json:"platform,omitempty"`
	RequiresPython  string   `json:"requires_python,omitempty"`
	StableVersion   string   `json:"stable_version,omitempty"`
	MetadataVersion string   `json:"metadata_version,omitempty"`
	Classifiers     []string `json:"classifiers,omitempty"`
}

// Release is one version of an IndexPackage. It is created once and never
// updated by the sync.
type Release struct {
	ID              uuid.UUID `json:"id" db:"id"`
	IndexPackageID  uuid.UUID `json:"index_package_id" db:"index_package_id"`
	VersionID       int64     `json:"version_id" db:"version_id"`
	Version         string    `json:"version" db:"version"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	Hidden          bool      `json:"hidden" db:"hidden"`
	Summary         string    `json:"summary" db:"summary"`
	Description     string    `json:"description" db:"description"`
	Downloads       int64     `json:"downloads" db:"downloads"`
	License         string    `json:"license" db:"license"`
	Author          string    `json:"author" db:"author"`
	AuthorEmail     string    `json:"author_email" db:"author_email"`
	Maintainer      string    `json:"maintainer" db:"maintainer"`
	MaintainerEmail string    `json:"maintainer_email" db:"maintainer_email"`
	HomePage        string    `json:"home_page" db:"home_page"`
	DownloadURL     string    `json:"download_url" db:"download_url"`
	ReleaseURL      string    `json:"release_url" db:"release_url"`
	Keywords        string    `json:"keywords" db:"keywords"`
	Platform        string    `json:"platform" db:"platform"`
	RequiresPython  string    `json:"requires_python" db:"requires_python"`
	StableVersion   string    `json:"stable_version" db:"stable_version"`
	MetadataVersion string    `json:"metadata_version" db:"metadata_version"`
	Classifiers     string    `json:"classifiers" db:"classifiers"` // newline-joined
}

// NewRelease builds a Release row for version from normalized metadata.
func NewRelease(indexPackageID uuid.UUID, versionID int64, version string, meta ReleaseMetadata) *Release {
	metadataVersion := meta.MetadataVersion
	if metadataVersion == "" {
		metadataVersion = DefaultMetadataVersion
	}
	return &Release{
		IndexPackageID:  indexPackageID,
		VersionID:       versionID,
		Version:         version,
		Hidden:          meta.Hidden,
		Summary:         meta.Summary,
		Description:     meta.Description,
		Downloads:       meta.Downloads,
		License:         meta.License,
		Author:          meta.Author,
		AuthorEmail:     meta.AuthorEmail,
		Maintainer:      meta.Maintainer,
		MaintainerEmail: meta.MaintainerEmail,
		HomePage:        meta.HomePage,
		DownloadURL:     meta.DownloadURL,
		ReleaseURL:      meta.ReleaseURL,
		Keywords:        meta.Keywords,
		Platform:        meta.Platform,
		RequiresPython:  meta.RequiresPython,
		StableVersion:   meta.StableVersion,
		MetadataVersion: metadataVersion,
		Classifiers:     EncodeClassifiers(meta.Classifiers),
	}
}

// ClassifierList returns the stored classifiers as a list.
func (r *Release) ClassifierList() []string {
	return DecodeClassifiers(r.Classifiers)
}

// EncodeClassifiers joins classifiers into the newline-separated storage form.
func EncodeClassifiers(classifiers []string) string {
	return strings.Join(classifiers, "\n")
}

// DecodeClassifiers splits the storage form back into a list. Blank lines are dropped.
func DecodeClassifiers(blob string) []string {
	if blob == "" {
		return nil
	}
	var out []string
	for _, line := range strings.Split(blob, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
