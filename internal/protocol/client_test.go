package protocol

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/dsuid"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/vdc"
)

// fakeHost answers a scripted sequence of frames on the far end of a pipe.
type fakeHost struct {
	t      *testing.T
	conn   net.Conn
	reader *Reader
}

func newPipe(t *testing.T) (net.Conn, *fakeHost) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close() //nolint:errcheck // Test cleanup
		server.Close() //nolint:errcheck // Test cleanup
	})
	return client, &fakeHost{t: t, conn: server, reader: NewReader(server, 0)}
}

func (h *fakeHost) expect(want MessageType, v any) {
	h.t.Helper()
	f, err := h.reader.ReadFrame()
	if err != nil {
		h.t.Errorf("host read: %v", err)
		return
	}
	if f.Type != want {
		h.t.Errorf("host got %s, want %s", f.Type, want)
		return
	}
	if v != nil {
		if err := Unmarshal(f, v); err != nil {
			h.t.Errorf("host decode: %v", err)
		}
	}
}

func (h *fakeHost) send(t MessageType, v any) {
	h.t.Helper()
	data, err := Marshal(t, v)
	if err != nil {
		h.t.Errorf("host marshal: %v", err)
		return
	}
	if _, err := h.conn.Write(data); err != nil {
		h.t.Errorf("host write: %v", err)
	}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClient_HandshakeAndCalls(t *testing.T) {
	conn, host := newPipe(t)
	hostID := dsuid.FromName(uuid.NameSpaceDNS, "host", 0)
	device := dsuid.FromName(uuid.NameSpaceDNS, "device", 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var hello Hello
		host.expect(TypeHello, &hello)
		if hello.ProtocolVersion != Version || hello.Name != "cli" {
			t.Errorf("hello = %+v", hello)
		}
		host.send(TypeHelloAck, HelloAck{ProtocolVersion: Version, HostDsuid: hostID, Name: "host"})

		var q QueryContainers
		host.expect(TypeQueryContainers, &q)
		// A notification sneaks in before the reply.
		host.send(TypePropertyChanged, PropertyChanged{Change: vdc.PropertyChange{Device: device, Key: "on", Value: true}})
		host.send(TypeContainers, Containers{ID: q.ID, Containers: []vdc.Container{{Dsuid: hostID, Name: "c"}}})

		var sp SetProperty
		host.expect(TypeSetProperty, &sp)
		host.send(TypeError, Error{ID: sp.ID, Code: CodeNotFound, Message: "vdc: not found"})

		host.expect(TypeBye, nil)
	}()

	ctx := testCtx(t)
	c, err := NewClient(ctx, conn, "cli")
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if c.HostDsuid() != hostID || c.Host().Name != "host" {
		t.Errorf("Host() = %+v", c.Host())
	}

	containers, err := c.Containers(ctx)
	if err != nil {
		t.Fatalf("Containers() error = %v", err)
	}
	if len(containers) != 1 || containers[0].Name != "c" {
		t.Errorf("Containers() = %+v", containers)
	}

	select {
	case n := <-c.Notifications():
		if n.Device != device || n.Value != true {
			t.Errorf("notification = %+v", n)
		}
	default:
		t.Error("notification received during call was not queued")
	}

	_, err = c.SetProperty(ctx, device, "on", false)
	if !IsCode(err, CodeNotFound) {
		t.Errorf("SetProperty() error = %v, want not_found", err)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	<-done
}

func TestClient_HandshakeRejected(t *testing.T) {
	conn, host := newPipe(t)

	go func() {
		host.expect(TypeHello, nil)
		host.send(TypeError, Error{Code: CodeProtocolError, Message: "unsupported version"})
	}()

	_, err := NewClient(testCtx(t), conn, "cli")
	if !IsCode(err, CodeProtocolError) {
		t.Errorf("NewClient() error = %v, want protocol_error", err)
	}
}

func TestClient_ContextCancelUnblocksRead(t *testing.T) {
	conn, host := newPipe(t)

	go func() {
		host.expect(TypeHello, nil)
		// Never answer.
	}()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := NewClient(ctx, conn, "cli")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("NewClient() error = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation did not interrupt the read")
	}
}

func TestClient_SplitListings(t *testing.T) {
	conn, host := newPipe(t)
	hostID := dsuid.FromName(uuid.NameSpaceDNS, "host", 0)
	first := dsuid.FromName(uuid.NameSpaceDNS, "first", 0)
	second := dsuid.FromName(uuid.NameSpaceDNS, "second", 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		host.expect(TypeHello, nil)
		host.send(TypeHelloAck, HelloAck{ProtocolVersion: Version, HostDsuid: hostID})

		var q QueryContainers
		host.expect(TypeQueryContainers, &q)
		host.send(TypeContainers, Containers{ID: q.ID, Containers: []vdc.Container{{Dsuid: first, Name: "a"}}, More: true})
		host.send(TypeContainers, Containers{ID: q.ID, Containers: []vdc.Container{{Dsuid: second, Name: "b"}}})

		var qd QueryDevices
		host.expect(TypeQueryDevices, &qd)
		host.send(TypeDevices, Devices{ID: qd.ID, Devices: []vdc.Device{{Dsuid: first, Container: hostID}}, More: true})
		host.send(TypeDevices, Devices{ID: qd.ID, Devices: []vdc.Device{}, More: true})
		host.send(TypeDevices, Devices{ID: qd.ID, Devices: []vdc.Device{{Dsuid: second, Container: hostID}}})

		host.expect(TypeBye, nil)
	}()

	ctx := testCtx(t)
	c, err := NewClient(ctx, conn, "cli")
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	containers, err := c.Containers(ctx)
	if err != nil {
		t.Fatalf("Containers() error = %v", err)
	}
	if len(containers) != 2 || containers[0].Dsuid != first || containers[1].Dsuid != second {
		t.Errorf("Containers() = %+v", containers)
	}

	devices, err := c.Devices(ctx, dsuid.Zero)
	if err != nil {
		t.Fatalf("Devices() error = %v", err)
	}
	if len(devices) != 2 || devices[0].Dsuid != first || devices[1].Dsuid != second {
		t.Errorf("Devices() = %+v", devices)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	<-done
}
