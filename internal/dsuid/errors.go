package dsuid

import "errors"

var (
	// ErrInvalid is returned when a dSUID string cannot be parsed.
	ErrInvalid = errors.New("dsuid: invalid")

	// ErrNoEntropy is returned when no random source is available.
	ErrNoEntropy = errors.New("dsuid: no entropy source")
)
