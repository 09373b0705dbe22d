package host

import "errors"

var (
	// ErrInvalidPort is returned by Start for ports outside 1-65535.
	ErrInvalidPort = errors.New("host: invalid port")

	// ErrAlreadyStarted is returned by a second Start. A Host cannot be
	// restarted; create a new one over the same Store instead.
	ErrAlreadyStarted = errors.New("host: already started")

	// ErrNotStarted is returned by registry mutations before Start.
	ErrNotStarted = errors.New("host: not started")

	// ErrNoStore is returned by New when Options.Store is nil.
	ErrNoStore = errors.New("host: store is required")

	// ErrUnknownStatus is returned when decoding an unrecognised status name.
	ErrUnknownStatus = errors.New("host: unknown status")
)
