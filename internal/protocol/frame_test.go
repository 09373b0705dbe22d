package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"
)

func TestEncodeFrame(t *testing.T) {
	got, err := EncodeFrame(TypePing, []byte(`{}`))
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}
	want := []byte{0x00, 0x04, 0x00, 0x40, '{', '}'}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeFrame() = % x, want % x", got, want)
	}

	empty, err := EncodeFrame(TypeBye, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(empty, []byte{0x00, 0x02, 0x00, 0xFF}) {
		t.Errorf("empty frame = % x", empty)
	}

	if _, err := EncodeFrame(TypePing, make([]byte, MaxPayload+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("oversized EncodeFrame() error = %v, want ErrFrameTooLarge", err)
	}
	if _, err := EncodeFrame(TypePing, make([]byte, MaxPayload)); err != nil {
		t.Errorf("max payload EncodeFrame() error = %v", err)
	}
}

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    Frame
		wantErr error
	}{
		{name: "with payload", data: []byte{0x00, 0x04, 0x00, 0x40, '{', '}'}, want: Frame{Type: TypePing, Payload: []byte("{}")}},
		{name: "no payload", data: []byte{0x00, 0x02, 0x00, 0xFF}, want: Frame{Type: TypeBye}},
		{name: "too short", data: []byte{0x00, 0x02, 0x00}, wantErr: ErrMalformedFrame},
		{name: "size mismatch", data: []byte{0x00, 0x05, 0x00, 0x40, '{', '}'}, wantErr: ErrMalformedFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFrame(tt.data)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("ParseFrame() error = %v, want %v", err, tt.wantErr)
				}
				if !errors.Is(err, ErrProtocol) {
					t.Error("frame errors must be protocol errors")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFrame() error = %v", err)
			}
			if got.Type != tt.want.Type || !bytes.Equal(got.Payload, tt.want.Payload) {
				t.Errorf("ParseFrame() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestReader_Reassembly(t *testing.T) {
	var stream bytes.Buffer
	payloads := [][]byte{[]byte(`{"id":1}`), nil, bytes.Repeat([]byte("x"), 1000)}
	types := []MessageType{TypePing, TypeBye, TypeSetProperty}
	for i := range payloads {
		f, err := EncodeFrame(types[i], payloads[i])
		if err != nil {
			t.Fatal(err)
		}
		stream.Write(f)
	}

	// One byte per Read: every frame is split across many reads.
	r := NewReader(iotest.OneByteReader(&stream), 0)
	for i := range payloads {
		f, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("frame %d: ReadFrame() error = %v", i, err)
		}
		if f.Type != types[i] || !bytes.Equal(f.Payload, payloads[i]) {
			t.Errorf("frame %d = %s/%d bytes, want %s/%d bytes", i, f.Type, len(f.Payload), types[i], len(payloads[i]))
		}
	}

	if _, err := r.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Errorf("ReadFrame() at end error = %v, want io.EOF", err)
	}
}

func TestReader_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		max     int
		wantErr error
	}{
		{name: "size below minimum", data: []byte{0x00, 0x01, 0x00}, wantErr: ErrMalformedFrame},
		{name: "zero size", data: []byte{0x00, 0x00}, wantErr: ErrMalformedFrame},
		{name: "over limit", data: []byte{0x01, 0x00, 0x00, 0x40}, max: 64, wantErr: ErrFrameTooLarge},
		{name: "truncated body", data: []byte{0x00, 0x06, 0x00, 0x40, '{'}, wantErr: io.ErrUnexpectedEOF},
		{name: "truncated size", data: []byte{0x00}, wantErr: io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(bytes.NewReader(tt.data), tt.max).ReadFrame()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ReadFrame() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
