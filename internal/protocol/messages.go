package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/dsuid"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/vdc"
)

// Version is the protocol version this host speaks.
const Version = 1

// MessageType identifies the payload of a frame.
type MessageType uint16

// Message types. A reply uses the type following its request.
const (
	TypeHello    MessageType = 0x0001
	TypeHelloAck MessageType = 0x0002

	TypeQueryContainers MessageType = 0x0010
	TypeContainers      MessageType = 0x0011
	TypeQueryDevices    MessageType = 0x0012
	TypeDevices         MessageType = 0x0013

	TypeSetProperty MessageType = 0x0020
	TypePropertySet MessageType = 0x0021

	TypeSubscribe       MessageType = 0x0030
	TypeSubscribed      MessageType = 0x0031
	TypePropertyChanged MessageType = 0x0032

	TypePing MessageType = 0x0040
	TypePong MessageType = 0x0041

	TypeError MessageType = 0x00F0
	TypeBye   MessageType = 0x00FF
)

var typeNames = map[MessageType]string{
	TypeHello:           "hello",
	TypeHelloAck:        "hello_ack",
	TypeQueryContainers: "query_containers",
	TypeContainers:      "containers",
	TypeQueryDevices:    "query_devices",
	TypeDevices:         "devices",
	TypeSetProperty:     "set_property",
	TypePropertySet:     "property_set",
	TypeSubscribe:       "subscribe",
	TypeSubscribed:      "subscribed",
	TypePropertyChanged: "property_changed",
	TypePing:            "ping",
	TypePong:            "pong",
	TypeError:           "error",
	TypeBye:             "bye",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%04x)", uint16(t))
}

// Known reports whether t is an assigned message type.
func (t MessageType) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// Error codes carried in Error frames.
const (
	CodeProtocolError  = "protocol_error"
	CodeNotFound       = "not_found"
	CodeDuplicateID    = "duplicate_id"
	CodeInvalidRequest = "invalid_request"
	CodeInternal       = "internal_error"
	CodeShuttingDown   = "shutting_down"
)

// Hello opens a session. It must be the first frame from the peer.
type Hello struct {
	ProtocolVersion int         `json:"protocol_version"`
	Name            string      `json:"name,omitempty"`
	Dsuid           dsuid.DSUID `json:"dsuid,omitzero"`
}

// HelloAck accepts a Hello and identifies the host.
type HelloAck struct {
	ProtocolVersion int         `json:"protocol_version"`
	HostDsuid       dsuid.DSUID `json:"host_dsuid"`
	Name            string      `json:"name,omitempty"`
	Vendor          string      `json:"vendor,omitempty"`
}

// QueryContainers asks for every vDC.
type QueryContainers struct {
	ID uint64 `json:"id"`
}

// Containers answers QueryContainers, in creation order. A listing that
// does not fit one frame is split over several Containers frames; every
// frame but the last has More set.
type Containers struct {
	ID         uint64          `json:"id"`
	Containers []vdc.Container `json:"containers"`
	More       bool            `json:"more,omitempty"`
}

// QueryDevices asks for the devices of one vDC, or of all when Container
// is omitted.
type QueryDevices struct {
	ID        uint64      `json:"id"`
	Container dsuid.DSUID `json:"container,omitzero"`
}

// Devices answers QueryDevices, split like Containers.
type Devices struct {
	ID      uint64       `json:"id"`
	Devices []vdc.Device `json:"devices"`
	More    bool         `json:"more,omitempty"`
}

// SetProperty changes one device property.
type SetProperty struct {
	ID     uint64      `json:"id"`
	Device dsuid.DSUID `json:"device"`
	Key    string      `json:"key"`
	Value  any         `json:"value"`
}

// PropertySet confirms a SetProperty.
type PropertySet struct {
	ID     uint64             `json:"id"`
	Change vdc.PropertyChange `json:"change"`
}

// Subscribe asks for PropertyChanged notifications on this session.
type Subscribe struct {
	ID uint64 `json:"id"`
}

// Subscribed confirms a Subscribe.
type Subscribed struct {
	ID uint64 `json:"id"`
}

// PropertyChanged notifies a subscribed peer of a change.
type PropertyChanged struct {
	Change vdc.PropertyChange `json:"change"`
}

// Ping checks liveness.
type Ping struct {
	ID uint64 `json:"id"`
}

// Pong answers Ping.
type Pong struct {
	ID uint64 `json:"id"`
}

// Error reports a failed request. ID is zero for errors not tied to one.
type Error struct {
	ID      uint64 `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Bye announces a graceful close.
type Bye struct {
	Reason string `json:"reason,omitempty"`
}

// Marshal encodes v as the payload of a frame of type t.
func Marshal(t MessageType, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", t, err)
	}
	return EncodeFrame(t, payload)
}

// Unmarshal decodes the payload of f into v. Unknown fields and trailing
// data are rejected. An empty payload decodes as an empty object.
func Unmarshal(f Frame, v any) error {
	payload := f.Payload
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = []byte("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %s payload: %w", ErrMalformedFrame, f.Type, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: %s payload has trailing data", ErrMalformedFrame, f.Type)
	}
	return nil
}

// listEnvelope is room left for the reply fields around a chunked list:
// {"id":<uint64>,"containers":[...],"more":true}.
const listEnvelope = 64

// Chunk splits items into runs whose encoding fits one frame payload
// together with the reply envelope. It always returns at least one run.
// An item too large for a frame on its own is an ErrFrameTooLarge.
func Chunk[T any](items []T) ([][]T, error) {
	budget := MaxPayload - listEnvelope

	var chunks [][]T
	start, size := 0, 0
	for i := range items {
		data, err := json.Marshal(items[i])
		if err != nil {
			return nil, fmt.Errorf("encoding list item %d: %w", i, err)
		}
		n := len(data) + 1 // separator
		if n > budget {
			return nil, fmt.Errorf("%w: list item %d encodes to %d bytes", ErrFrameTooLarge, i, len(data))
		}
		if size+n > budget {
			chunks = append(chunks, items[start:i])
			start, size = i, 0
		}
		size += n
	}
	return append(chunks, items[start:]), nil
}
