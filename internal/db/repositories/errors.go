package repositories

import "errors"

var (
	// ErrIndexNameTaken is returned when an index package with the same name exists.
	ErrIndexNameTaken = errors.New("index package name already registered")
	// ErrPackageAlreadyLinked is returned when the host package already has an index package.
	ErrPackageAlreadyLinked = errors.New("package already linked to an index package")
	// ErrReleaseExists is returned when the (index package, version) pair is already stored.
	ErrReleaseExists = errors.New("release already exists")
	// ErrReleaseWriteFailed marks a failure that happened after the host version
	// was written in the same transaction. The transaction is rolled back.
	ErrReleaseWriteFailed = errors.New("release write failed after version write")
)
