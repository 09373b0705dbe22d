package mqtt

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned while the broker connection is down.
	ErrNotConnected = errors.New("mqtt: not connected")

	// ErrConnectionFailed is returned by Connect when the first session
	// cannot be established.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrInvalidTopic is returned for an empty topic.
	ErrInvalidTopic = errors.New("mqtt: empty topic")

	// ErrInvalidQoS is returned for QoS levels above 2.
	ErrInvalidQoS = errors.New("mqtt: qos must be 0, 1 or 2")

	// ErrPayloadTooLarge is returned by Publish for payloads above 1 MiB.
	ErrPayloadTooLarge = errors.New("mqtt: payload too large")

	// ErrNoHandler is returned by Subscribe for a nil handler.
	ErrNoHandler = errors.New("mqtt: nil handler")

	// ErrTimeout is wrapped in an OpError when the broker does not
	// acknowledge in time.
	ErrTimeout = errors.New("mqtt: broker did not acknowledge")
)

// OpError records the broker operation and topic that failed.
//
// Use errors.Is on it for the underlying cause:
//
//	var opErr *mqtt.OpError
//	if errors.As(err, &opErr) && errors.Is(err, mqtt.ErrTimeout) {
//	    log.Warn("broker slow", "op", opErr.Op, "topic", opErr.Topic)
//	}
type OpError struct {
	Op    string // "publish", "subscribe" or "unsubscribe"
	Topic string
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("mqtt: %s %s: %v", e.Op, e.Topic, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
