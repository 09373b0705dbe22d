package store

import "errors"

var (
	// ErrCorrupt is returned by Load when the stored snapshot cannot be
	// decoded. The snapshot returned alongside it is empty and usable.
	ErrCorrupt = errors.New("store: snapshot corrupt")

	// ErrUnavailable is returned by Check when the backing medium cannot
	// hold snapshots.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrUnknownBackend is returned by Open for an unrecognised backend name.
	ErrUnknownBackend = errors.New("store: unknown backend")
)
