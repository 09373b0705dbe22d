package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol is the parent of every error caused by a peer violating
	// the protocol. A session that sees one replies with an Error frame and
	// closes.
	ErrProtocol = errors.New("protocol: violation")

	// ErrMalformedFrame is returned for frames that cannot be parsed.
	ErrMalformedFrame = fmt.Errorf("%w: malformed frame", ErrProtocol)

	// ErrFrameTooLarge is returned when a declared frame size exceeds the
	// reader limit.
	ErrFrameTooLarge = fmt.Errorf("%w: frame too large", ErrProtocol)

	// ErrUnknownType is returned for frames with an unassigned type.
	ErrUnknownType = fmt.Errorf("%w: unknown message type", ErrProtocol)

	// ErrUnexpectedType is returned when a known message arrives in a state
	// that does not accept it.
	ErrUnexpectedType = fmt.Errorf("%w: unexpected message type", ErrProtocol)

	// ErrUnsupportedVersion is returned when the peer's Hello names a
	// protocol version this host does not speak.
	ErrUnsupportedVersion = fmt.Errorf("%w: unsupported version", ErrProtocol)

	// ErrRemote is returned by Client calls answered with an Error frame.
	ErrRemote = errors.New("protocol: remote error")
)

// RemoteError is an Error frame received by a Client.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("protocol: remote error %s: %s", e.Code, e.Message)
}

// Unwrap lets errors.Is(err, ErrRemote) match.
func (e *RemoteError) Unwrap() error {
	return ErrRemote
}
