package pypi

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/packaginator/pypackage/internal/db/models"
)

// MaxLicenseLength is the longest license string kept verbatim. Longer text is
// replaced by a pointer to the package's index page.
const MaxLicenseLength = 100

// LicensePlaceholder returns the text stored instead of an overlong license.
func LicensePlaceholder(packageName string) string {
	return fmt.Sprintf("Other (see http://pypi.python.org/pypi/%s)", packageName)
}

// Normalize turns a raw release_data record and its download records into
// canonical release metadata. It is a pure function of its inputs.
func Normalize(packageName string, raw RawRelease, downloads []DownloadRecord) models.ReleaseMetadata {
	meta := models.ReleaseMetadata{
		Hidden:          boolField(raw, "_pypi_hidden"),
		Summary:         stringField(raw, "summary"),
		Description:     stringField(raw, "description"),
		Author:          stringField(raw, "author"),
		AuthorEmail:     stringField(raw, "author_email"),
		Maintainer:      stringField(raw, "maintainer"),
		MaintainerEmail: stringField(raw, "maintainer_email"),
		HomePage:        stringField(raw, "home_page"),
		DownloadURL:     stringField(raw, "download_url"),
		ReleaseURL:      stringField(raw, "release_url"),
		Keywords:        stringField(raw, "keywords"),
		Platform:        stringField(raw, "platform"),
		RequiresPython:  stringField(raw, "requires_python"),
		StableVersion:   stringField(raw, "stable_version"),
		MetadataVersion: stringField(raw, "metadata_version"),
		Classifiers:     stringList(raw, "classifiers"),
	}

	for _, d := range downloads {
		meta.Downloads += d.Downloads
	}

	meta.License = resolveLicense(stringField(raw, "license"), meta.Classifiers)
	if utf8.RuneCountInString(meta.License) > MaxLicenseLength {
		meta.License = LicensePlaceholder(packageName)
	}
	meta.License = truncateRunes(meta.License, models.MaxLicenseLength)

	return meta
}

// truncateRunes cuts s to at most n characters.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// resolveLicense falls back to the first "License" classifier when the
// declared license is missing or UNKNOWN.
func resolveLicense(declared string, classifiers []string) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && !strings.EqualFold(declared, "UNKNOWN") {
		return declared
	}

	for _, classifier := range classifiers {
		if !strings.HasPrefix(classifier, "License") {
			continue
		}
		license := strings.Replace(classifier, "License ::", "", 1)
		license = strings.Replace(license, "OSI Approved ::", "", 1)
		return strings.TrimSpace(license)
	}
	return ""
}

// stringField reads key from an XML-RPC struct. Missing and nil values yield
// the empty string; scalars of other types are formatted.
func stringField(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if s := fmt.Sprint(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(v)
	}
}

func stringList(m map[string]interface{}, key string) []string {
	switch v := m[key].(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		return models.DecodeClassifiers(v)
	}
	return nil
}

func intField(m map[string]interface{}, key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n
	}
	return 0
}

func boolField(m map[string]interface{}, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case int:
		return v != 0
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}
