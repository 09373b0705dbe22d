package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame layout, big-endian:
//
//	+------+------+---------------+
//	| size | type | payload ...   |
//	+------+------+---------------+
//	  2 B    2 B    size-2 bytes
//
// size counts the type field and the payload but not itself, so the
// smallest valid size is 2.
const (
	sizeFieldLen = 2
	typeFieldLen = 2

	// HeaderSize is the number of bytes before the payload.
	HeaderSize = sizeFieldLen + typeFieldLen

	// MaxPayload is the largest payload a frame can carry.
	MaxPayload = 0xFFFF - typeFieldLen
)

// Frame is one decoded protocol unit.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// EncodeFrame builds the wire form of a frame.
func EncodeFrame(t MessageType, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrFrameTooLarge, len(payload), MaxPayload)
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(typeFieldLen+len(payload))) //nolint:gosec // bounded above
	binary.BigEndian.PutUint16(buf[2:4], uint16(t))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// ParseFrame decodes exactly one frame from data.
func ParseFrame(data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformedFrame, len(data))
	}

	declared := binary.BigEndian.Uint16(data[0:2])
	if int(declared) != len(data)-sizeFieldLen {
		return Frame{}, fmt.Errorf("%w: size mismatch (declared %d, have %d)",
			ErrMalformedFrame, declared, len(data)-sizeFieldLen)
	}

	f := Frame{Type: MessageType(binary.BigEndian.Uint16(data[2:4]))}
	if len(data) > HeaderSize {
		f.Payload = data[HeaderSize:]
	}
	return f, nil
}

// Reader reads frames from a byte stream. Frames split across reads are
// reassembled; one Read never has to return one frame.
type Reader struct {
	r       io.Reader
	maxSize int
	size    [sizeFieldLen]byte
}

// NewReader returns a Reader that rejects frames whose size field exceeds
// maxSize. Zero or negative maxSize allows the full 16-bit range.
func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 || maxSize > 0xFFFF {
		maxSize = 0xFFFF
	}
	return &Reader{r: r, maxSize: maxSize}
}

// ReadFrame blocks until a whole frame is available.
//
// io.EOF is returned only when the stream ends cleanly between frames. A
// stream that ends inside a frame yields io.ErrUnexpectedEOF. Size errors
// wrap ErrMalformedFrame or ErrFrameTooLarge; after one of those the
// stream position is undefined and the connection must be dropped.
func (fr *Reader) ReadFrame() (Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.size[:]); err != nil {
		return Frame{}, err
	}

	size := int(binary.BigEndian.Uint16(fr.size[:]))
	if size < typeFieldLen {
		return Frame{}, fmt.Errorf("%w: size %d is below minimum %d", ErrMalformedFrame, size, typeFieldLen)
	}
	if size > fr.maxSize {
		return Frame{}, fmt.Errorf("%w: size %d exceeds limit %d", ErrFrameTooLarge, size, fr.maxSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}

	f := Frame{Type: MessageType(binary.BigEndian.Uint16(body[:typeFieldLen]))}
	if size > typeFieldLen {
		f.Payload = body[typeFieldLen:]
	}
	return f, nil
}
