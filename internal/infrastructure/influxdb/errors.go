package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when history recording is
	// switched off in the configuration.
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	// ErrUnreachable is returned when the server does not answer a ping
	// or reports itself unhealthy.
	ErrUnreachable = errors.New("influxdb: server unreachable")

	// ErrClosed is returned for writes after Close.
	ErrClosed = errors.New("influxdb: client closed")

	// ErrRejected wraps batch failures passed to the SetOnError callback.
	ErrRejected = errors.New("influxdb: batch rejected")
)
