package protocol

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/dsuid"
)

func TestMessageType_String(t *testing.T) {
	if TypeQueryContainers.String() != "query_containers" {
		t.Errorf("String() = %q", TypeQueryContainers.String())
	}
	if got := MessageType(0x1234).String(); got != "unknown(0x1234)" {
		t.Errorf("String() = %q", got)
	}
	if MessageType(0x1234).Known() || !TypeBye.Known() {
		t.Error("Known() mismatch")
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	id := dsuid.FromName(uuid.NameSpaceDNS, "device", 0)
	data, err := Marshal(TypeSetProperty, SetProperty{ID: 7, Device: id, Key: "on", Value: true})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	f, err := ParseFrame(data)
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != TypeSetProperty {
		t.Errorf("Type = %s", f.Type)
	}

	var got SetProperty
	if err := Unmarshal(f, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.ID != 7 || got.Device != id || got.Key != "on" || got.Value != true {
		t.Errorf("Unmarshal() = %+v", got)
	}
}

func TestHello_OmitsZeroDsuid(t *testing.T) {
	data, err := Marshal(TypeHello, Hello{ProtocolVersion: Version})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "dsuid") {
		t.Errorf("Hello without dSUID encoded as %s", data[HeaderSize:])
	}
}

func TestUnmarshal_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "unknown field", payload: `{"id":1,"extra":true}`},
		{name: "wrong type", payload: `{"id":"one"}`},
		{name: "not json", payload: `{id:1`},
		{name: "trailing data", payload: `{"id":1}{"id":2}`},
		{name: "bad dsuid", payload: `{"id":1,"container":"XYZ"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var q QueryDevices
			err := Unmarshal(Frame{Type: TypeQueryDevices, Payload: []byte(tt.payload)}, &q)
			if !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("Unmarshal() error = %v, want ErrMalformedFrame", err)
			}
		})
	}
}

func TestUnmarshal_EmptyPayload(t *testing.T) {
	var b Bye
	if err := Unmarshal(Frame{Type: TypeBye}, &b); err != nil {
		t.Errorf("Unmarshal() of empty payload error = %v", err)
	}
}

func TestRemoteError(t *testing.T) {
	err := error(&RemoteError{Code: CodeNotFound, Message: "vdc: not found"})

	if !errors.Is(err, ErrRemote) {
		t.Error("RemoteError should match ErrRemote")
	}
	if !IsCode(err, CodeNotFound) || IsCode(err, CodeDuplicateID) {
		t.Error("IsCode() mismatch")
	}
	if IsCode(errors.New("plain"), CodeNotFound) {
		t.Error("IsCode() matched a plain error")
	}
}

func TestChunk(t *testing.T) {
	items := make([]string, 300)
	for i := range items {
		items[i] = strings.Repeat("x", 1000)
	}

	chunks, err := Chunk(items)
	if err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("Chunk() = %d runs, want the list split", len(chunks))
	}

	total := 0
	for i, c := range chunks {
		total += len(c)
		frame, err := Marshal(TypeContainers, struct {
			ID    uint64   `json:"id"`
			Items []string `json:"containers"`
			More  bool     `json:"more,omitempty"`
		}{ID: ^uint64(0), Items: c, More: i < len(chunks)-1})
		if err != nil {
			t.Errorf("run %d does not fit a frame: %v", i, err)
		}
		if len(frame) > HeaderSize+MaxPayload {
			t.Errorf("run %d frame is %d bytes", i, len(frame))
		}
	}
	if total != len(items) {
		t.Errorf("runs hold %d items, want %d", total, len(items))
	}
}

func TestChunk_Edges(t *testing.T) {
	chunks, err := Chunk([]string{})
	if err != nil || len(chunks) != 1 || len(chunks[0]) != 0 {
		t.Errorf("Chunk(empty) = %v, %v; want one empty run", chunks, err)
	}

	_, err = Chunk([]string{strings.Repeat("x", MaxPayload)})
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Chunk(oversized) error = %v, want ErrFrameTooLarge", err)
	}
}
