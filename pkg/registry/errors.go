package registry

import (
	"errors"
	"fmt"

	"github.com/bifrost-registry/bifrost/pkg/storage"
)

var (
	// ErrVersionConflict is returned when the package version is already
	// registered. Re-uploads are rejected whatever their content, except an
	// identical archive finishing a publish whose latest update failed.
	ErrVersionConflict = errors.New("version already exists")

	// ErrNotFound is returned when a package, version or archive does not
	// exist.
	ErrNotFound = errors.New("not found")

	// ErrStorageUnavailable marks failures of a backing store. It is the
	// storage package's sentinel, so backend errors match it directly.
	ErrStorageUnavailable = storage.ErrUnavailable
)

// OrphanedBlobError is returned when an archive was written to the blob
// store but its version record was not. The blob at BlobPath is not
// referenced by any metadata. The error always matches
// ErrStorageUnavailable.
type OrphanedBlobError struct {
	BlobPath string
	Err      error
}

func (e *OrphanedBlobError) Error() string {
	return fmt.Sprintf("archive written to %s but version record was not: %v", e.BlobPath, e.Err)
}

func (e *OrphanedBlobError) Unwrap() []error {
	return []error{ErrStorageUnavailable, e.Err}
}

// unavailable makes sure err matches ErrStorageUnavailable.
func unavailable(err error) error {
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}
