package enroll

import (
	"errors"
	"fmt"
)

var (
	// ErrEnrollmentInsufficient is returned when too few enrollment images yield a usable face.
	ErrEnrollmentInsufficient = errors.New("insufficient enrollment images")

	// ErrNoFace is recorded for an enrollment image without a detectable face.
	ErrNoFace = errors.New("no face found")

	// ErrCacheVersion is returned when the cache file was written by an incompatible version.
	ErrCacheVersion = errors.New("unsupported cache version")

	// ErrCacheInvalid is returned when the cache file decodes but its contents are unusable.
	ErrCacheInvalid = errors.New("invalid cache contents")
)

// InsufficientError carries the counts of a failed enrollment
type InsufficientError struct {
	Valid    int
	Required int
	Total    int
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("%s: %d of %d images usable, need at least %d",
		ErrEnrollmentInsufficient, e.Valid, e.Total, e.Required)
}

func (e *InsufficientError) Unwrap() error {
	return ErrEnrollmentInsufficient
}
