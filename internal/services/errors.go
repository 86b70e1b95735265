package services

import (
	"errors"
	"sort"
	"strings"

	"github.com/packaginator/pypackage/internal/pypi"
)

var (
	// ErrNotFound is returned when the requested package or index package does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateName is returned when an index package with the requested name exists.
	ErrDuplicateName = errors.New("an index package with this name is already registered")
	// ErrAlreadyLinked is returned when the host package already has an index package.
	ErrAlreadyLinked = errors.New("package is already linked to an index package")
	// ErrUnknownOnIndex is returned when the index reports no releases for a name.
	ErrUnknownOnIndex = errors.New("package is not known to the index")
	// ErrDataIntegrityGap is returned when a release could not be stored after
	// its host version was written. The per-version transaction is rolled back.
	ErrDataIntegrityGap = errors.New("release could not be stored after its version was written")

	// ErrTransport is the index client's transport failure.
	ErrTransport = pypi.ErrTransport
)

// ValidationError reports registration input problems keyed by form field.
// Unwrap exposes the sentinel behind the first failing field so callers can
// still match kinds such as ErrDuplicateName.
type ValidationError struct {
	Fields map[string]string
	cause  error
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return e.cause
}

// add records msg for field, keeping the first message reported per field.
func (e *ValidationError) add(field, msg string, cause error) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, ok := e.Fields[field]; ok {
		return
	}
	e.Fields[field] = msg
	if e.cause == nil {
		e.cause = cause
	}
}

func (e *ValidationError) empty() bool {
	return len(e.Fields) == 0
}

// fieldError builds a ValidationError with a single field.
func fieldError(field, msg string, cause error) *ValidationError {
	v := &ValidationError{}
	v.add(field, msg, cause)
	return v
}
