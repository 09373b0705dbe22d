package server

import "errors"

var (
	// ErrBind is returned by Start when the listening socket cannot be
	// created, typically because the port is in use.
	ErrBind = errors.New("server: bind failed")

	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("server: already started")

	// ErrServerClosed is returned by Start after Stop.
	ErrServerClosed = errors.New("server: closed")
)
