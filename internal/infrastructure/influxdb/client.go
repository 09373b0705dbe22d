package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	fallbackBatchSize     = 100
	fallbackFlushInterval = 10 * time.Second
)

// Client records device property history in an InfluxDB v2 bucket.
//
// Points are batched by the influxdb-client-go write API and sent in the
// background. Rejected batches are counted and reported through the
// SetOnError callback; they never block the caller.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	influx influxdb2.Client
	writer api.WriteAPI

	closed  atomic.Bool
	queued  atomic.Uint64
	dropped atomic.Uint64

	mu      sync.Mutex
	onError func(err error)
	lastErr error
}

// Health is a snapshot of the history writer.
type Health struct {
	// Reachable reports whether the server answered a ping.
	Reachable bool

	// PingError is why the ping failed, if it did.
	PingError error

	// Queued counts points handed to the writer since Connect.
	Queued uint64

	// Rejected counts batches the server refused.
	Rejected uint64

	// LastRejection is the most recent refusal.
	LastRejection error
}

// Connect verifies the server answers a ping and opens a batching writer
// on cfg.Org and cfg.Bucket.
//
// Parameters:
//   - ctx: bounds the initial ping, capped at 10 seconds
//   - cfg: server URL, token, org, bucket and batching
//
// Returns:
//   - *Client: a writer ready for WritePropertyChange
//   - error: ErrDisabled if cfg.Enabled is false; ErrUnreachable
//     (wrapped) if the ping fails or the server reports itself unhealthy
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	influx := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, writeOptions(cfg))

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := ping(pingCtx, influx); err != nil {
		influx.Close()
		return nil, err
	}

	c := &Client{
		influx: influx,
		writer: influx.WriteAPI(cfg.Org, cfg.Bucket),
	}
	go c.collectRejections(c.writer.Errors())
	return c, nil
}

// writeOptions maps the batching config onto client options. Values
// that are not positive fall back to 100 points and 10 seconds.
func writeOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := uint(fallbackBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize) //nolint:gosec // Positive checked above
	}
	flush := fallbackFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}
	return influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(uint(flush.Milliseconds())) //nolint:gosec // Positive by construction
}

func ping(ctx context.Context, influx influxdb2.Client) error {
	healthy, err := influx.Ping(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	if !healthy {
		return fmt.Errorf("%w: server reports unhealthy", ErrUnreachable)
	}
	return nil
}

// collectRejections drains the writer's error channel until Close.
func (c *Client) collectRejections(rejections <-chan error) {
	for err := range rejections {
		c.dropped.Add(1)
		err = fmt.Errorf("%w: %w", ErrRejected, err)

		c.mu.Lock()
		c.lastErr = err
		callback := c.onError
		c.mu.Unlock()

		if callback != nil {
			callback(err)
		}
	}
}

// Close sends buffered points and releases the client. Later writes are
// discarded.
func (c *Client) Close() error {
	if c.influx == nil || !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writer.Flush()
	c.influx.Close()
	return nil
}

// IsConnected reports whether Close has not been called yet.
func (c *Client) IsConnected() bool {
	return c.influx != nil && !c.closed.Load()
}

// Health pings the server and returns the writer counters.
//
// Parameters:
//   - ctx: bounds the ping, capped at 5 seconds
//
// Returns:
//   - Health: reachability plus queued and rejected counts; a closed
//     client reports ErrClosed as its PingError
func (c *Client) Health(ctx context.Context) Health {
	h := Health{
		Queued:   c.queued.Load(),
		Rejected: c.dropped.Load(),
	}
	c.mu.Lock()
	h.LastRejection = c.lastErr
	c.mu.Unlock()

	if !c.IsConnected() {
		h.PingError = ErrClosed
		return h
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	h.PingError = ping(pingCtx, c.influx)
	h.Reachable = h.PingError == nil
	return h
}

// SetOnError sets a callback for batches the server rejects. The error
// wraps ErrRejected.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	c.onError = callback
	c.mu.Unlock()
}

// Flush blocks until buffered points are sent. It is a no-op after Close.
func (c *Client) Flush() {
	if !c.IsConnected() {
		return
	}
	c.writer.Flush()
}
