package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/dsuid"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/vdc"
)

// notificationQueueSize bounds PropertyChanged frames buffered by a Client.
const notificationQueueSize = 64

// Client is a protocol peer. It is used by the vdchost CLI to inspect a
// running host and by tests to drive the server.
//
// Calls are serialised; PropertyChanged notifications that arrive while a
// call waits for its reply are queued on Notifications.
type Client struct {
	conn   net.Conn
	reader *Reader
	ack    HelloAck

	mu      sync.Mutex
	nextID  atomic.Uint64
	notify  chan vdc.PropertyChange
	dropped atomic.Uint64
}

// Dial connects to addr and completes the handshake.
func Dial(ctx context.Context, addr, name string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	c, err := NewClient(ctx, conn, name)
	if err != nil {
		conn.Close() //nolint:errcheck // Already failing
		return nil, err
	}
	return c, nil
}

// NewClient performs the handshake on an established connection.
func NewClient(ctx context.Context, conn net.Conn, name string) (*Client, error) {
	c := &Client{
		conn:   conn,
		reader: NewReader(conn, 0),
		notify: make(chan vdc.PropertyChange, notificationQueueSize),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(ctx, TypeHello, Hello{ProtocolVersion: Version, Name: name}); err != nil {
		return nil, err
	}
	f, err := c.read(ctx)
	if err != nil {
		return nil, err
	}
	switch f.Type {
	case TypeHelloAck:
		if err := Unmarshal(f, &c.ack); err != nil {
			return nil, err
		}
		return c, nil
	case TypeError:
		return nil, decodeRemoteError(f)
	default:
		return nil, fmt.Errorf("%w: %s during handshake", ErrUnexpectedType, f.Type)
	}
}

// Host returns the HelloAck received during the handshake.
func (c *Client) Host() HelloAck {
	return c.ack
}

// HostDsuid returns the dSUID of the connected host.
func (c *Client) HostDsuid() dsuid.DSUID {
	return c.ack.HostDsuid
}

// Notifications delivers PropertyChanged notifications after Subscribe.
// Notifications are only read from the connection during calls or Wait.
func (c *Client) Notifications() <-chan vdc.PropertyChange {
	return c.notify
}

// Dropped returns the number of notifications lost to a full queue.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

// Containers lists the host's vDCs.
func (c *Client) Containers(ctx context.Context) ([]vdc.Container, error) {
	out := make([]vdc.Container, 0)
	id := c.nextID.Add(1)
	err := c.collect(ctx, TypeQueryContainers, QueryContainers{ID: id}, TypeContainers, func(f Frame) (bool, error) {
		var resp Containers
		if err := Unmarshal(f, &resp); err != nil {
			return false, err
		}
		out = append(out, resp.Containers...)
		return resp.More, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Devices lists the devices of container, or of every vDC for the zero dSUID.
func (c *Client) Devices(ctx context.Context, container dsuid.DSUID) ([]vdc.Device, error) {
	out := make([]vdc.Device, 0)
	id := c.nextID.Add(1)
	req := QueryDevices{ID: id, Container: container}
	err := c.collect(ctx, TypeQueryDevices, req, TypeDevices, func(f Frame) (bool, error) {
		var resp Devices
		if err := Unmarshal(f, &resp); err != nil {
			return false, err
		}
		out = append(out, resp.Devices...)
		return resp.More, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetProperty changes a device property.
func (c *Client) SetProperty(ctx context.Context, device dsuid.DSUID, key string, value any) (vdc.PropertyChange, error) {
	var resp PropertySet
	id := c.nextID.Add(1)
	req := SetProperty{ID: id, Device: device, Key: key, Value: value}
	if err := c.call(ctx, TypeSetProperty, req, TypePropertySet, &resp); err != nil {
		return vdc.PropertyChange{}, err
	}
	return resp.Change, nil
}

// Subscribe enables change notifications for this session.
func (c *Client) Subscribe(ctx context.Context) error {
	var resp Subscribed
	id := c.nextID.Add(1)
	return c.call(ctx, TypeSubscribe, Subscribe{ID: id}, TypeSubscribed, &resp)
}

// Ping round-trips a Ping frame.
func (c *Client) Ping(ctx context.Context) error {
	var resp Pong
	id := c.nextID.Add(1)
	return c.call(ctx, TypePing, Ping{ID: id}, TypePong, &resp)
}

// Wait reads from the connection until a notification is queued or ctx
// is done.
func (c *Client) Wait(ctx context.Context) (vdc.PropertyChange, error) {
	select {
	case ch := <-c.notify:
		return ch, nil
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		f, err := c.read(ctx)
		if err != nil {
			return vdc.PropertyChange{}, err
		}
		if f.Type == TypePropertyChanged {
			var n PropertyChanged
			if err := Unmarshal(f, &n); err != nil {
				return vdc.PropertyChange{}, err
			}
			return n.Change, nil
		}
		if f.Type == TypeBye || f.Type == TypeError {
			return vdc.PropertyChange{}, fmt.Errorf("%w: %s while waiting", ErrUnexpectedType, f.Type)
		}
	}
}

// Close sends Bye and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = c.send(ctx, TypeBye, Bye{Reason: "client closing"}) //nolint:errcheck // Best effort
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, reqType MessageType, req any, respType MessageType, resp any) error {
	return c.collect(ctx, reqType, req, respType, func(f Frame) (bool, error) {
		return false, Unmarshal(f, resp)
	})
}

// collect sends req and hands every respType frame to each until each
// reports that no further frames follow.
func (c *Client) collect(ctx context.Context, reqType MessageType, req any, respType MessageType, each func(Frame) (more bool, err error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(ctx, reqType, req); err != nil {
		return err
	}
	for {
		f, err := c.read(ctx)
		if err != nil {
			return err
		}
		switch f.Type {
		case respType:
			more, err := each(f)
			if err != nil || !more {
				return err
			}
		case TypePropertyChanged:
			c.queueNotification(f)
		case TypeError:
			return decodeRemoteError(f)
		case TypeBye:
			return fmt.Errorf("%w: host closed the session", ErrRemote)
		default:
			return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedType, f.Type, respType)
		}
	}
}

func (c *Client) queueNotification(f Frame) {
	var n PropertyChanged
	if err := Unmarshal(f, &n); err != nil {
		return
	}
	select {
	case c.notify <- n.Change:
	default:
		c.dropped.Add(1)
	}
}

func (c *Client) send(ctx context.Context, t MessageType, v any) error {
	frame, err := Marshal(t, v)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline) //nolint:errcheck // Surfaces on Write
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{}) //nolint:errcheck // Surfaces on Write
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("writing %s: %w", t, err)
	}
	return nil
}

func (c *Client) read(ctx context.Context) (Frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline) //nolint:errcheck // Surfaces on Read
	} else {
		_ = c.conn.SetReadDeadline(time.Time{}) //nolint:errcheck // Surfaces on Read
	}

	// Unblock the read when ctx is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now()) //nolint:errcheck // Best effort
	})
	defer stop()

	f, err := c.reader.ReadFrame()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Frame{}, ctxErr
		}
		return Frame{}, fmt.Errorf("reading frame: %w", err)
	}
	return f, nil
}

func decodeRemoteError(f Frame) error {
	var e Error
	if err := Unmarshal(f, &e); err != nil {
		return err
	}
	return &RemoteError{Code: e.Code, Message: e.Message}
}

// IsCode reports whether err is a RemoteError with the given code.
func IsCode(err error, code string) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == code
}
