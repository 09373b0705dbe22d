package vdc

import "errors"

// Domain errors for the vdc package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, vdc.ErrNotFound) {
//	    // unknown dSUID
//	}
var (
	// ErrNotFound is returned when a container or device dSUID does not exist.
	ErrNotFound = errors.New("vdc: not found")

	// ErrDuplicateID is returned when a new object would reuse a dSUID that
	// already names a container or a device.
	ErrDuplicateID = errors.New("vdc: duplicate dsuid")

	// ErrInvalidSpec is returned when a container or device spec fails validation.
	ErrInvalidSpec = errors.New("vdc: invalid spec")

	// ErrInvalidProperty is returned for empty property keys and for values
	// that are not scalars.
	ErrInvalidProperty = errors.New("vdc: invalid property")

	// ErrPersistence wraps failures of the backing Store. The in-memory
	// registry stays authoritative when it is returned.
	ErrPersistence = errors.New("vdc: persistence failed")
)
