package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/dsuid"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/metrics"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/vdc"
)

// Logger defines the logging interface used by the server.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry is the part of *vdc.Registry a session needs.
type Registry interface {
	ListContainers() []vdc.Container
	ListDevices(container dsuid.DSUID) ([]vdc.Device, error)
	UpdateDeviceProperty(id dsuid.DSUID, key string, value any) (vdc.PropertyChange, error)
	Watch(buffer int) *vdc.Watcher
}

// Defaults applied by New for zero Config fields.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultCloseGrace       = 2 * time.Second
	DefaultShutdownGrace    = 5 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultQueueSize        = 64

	// acceptBackoffMax caps the pause after a temporary Accept error.
	acceptBackoffMax = time.Second
)

// Config holds the host identity announced in HelloAck and the session
// timing limits.
type Config struct {
	HostDsuid dsuid.DSUID
	Name      string
	Vendor    string

	// HandshakeTimeout bounds the wait for the peer's Hello.
	HandshakeTimeout time.Duration
	// IdleTimeout closes Active sessions that send nothing. Zero disables it.
	IdleTimeout time.Duration
	// CloseGrace bounds how long a closing session may spend flushing.
	CloseGrace time.Duration
	// ShutdownGrace bounds how long Stop waits before force-closing.
	ShutdownGrace time.Duration
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// QueueSize is the outbound frame queue length per session.
	QueueSize int
	// MaxFrameSize limits inbound frames. Zero allows the protocol maximum.
	MaxFrameSize int
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = DefaultCloseGrace
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
}

// SessionInfo describes a live session.
type SessionInfo struct {
	ID         uint64       `json:"id"`
	Remote     string       `json:"remote"`
	Peer       string       `json:"peer,omitempty"`
	State      SessionState `json:"state"`
	Subscribed bool         `json:"subscribed"`
	Since      time.Time    `json:"since"`
}

// Server owns the listening socket and the live sessions.
type Server struct {
	cfg    Config
	reg    Registry
	logger Logger

	mu       sync.Mutex
	listener net.Listener
	sessions map[*session]struct{}
	started  bool
	stopped  bool

	wg     sync.WaitGroup // accept loop and sessions
	nextID atomic.Uint64
}

// New creates a server for reg. Call Start to begin accepting.
func New(reg Registry, cfg Config) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:      cfg,
		reg:      reg,
		logger:   noopLogger{},
		sessions: make(map[*session]struct{}),
	}
}

// SetLogger sets the logger. Call before Start.
func (s *Server) SetLogger(logger Logger) {
	s.logger = logger
}

// Start binds addr and starts accepting connections in the background.
// A bind failure is returned wrapped in ErrBind.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrServerClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBind, addr, err)
	}

	s.listener = ln
	s.started = true
	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.logger.Info("vdc host listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SessionCount returns the number of sessions not yet Closed.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sessions describes the live sessions.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SessionInfo, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess.info())
	}
	return out
}

// Stop closes the listener and every session.
//
// Sessions are asked to close and given cfg.ShutdownGrace (or until ctx is
// done, if sooner) to flush; the rest are force-closed. Stop returns once
// no session is left. It is safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	ln := s.listener
	live := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("closing listener", "error", err)
		}
	}

	for _, sess := range live {
		sess.shutdown()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-done:
		s.logger.Info("vdc host stopped", "sessions", len(live))
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	s.mu.Lock()
	stragglers := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		stragglers = append(stragglers, sess)
	}
	s.mu.Unlock()

	s.logger.Warn("shutdown grace elapsed, force-closing sessions", "sessions", len(stragglers))
	for _, sess := range stragglers {
		sess.forceClose()
	}
	<-done
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			backoff = nextBackoff(backoff)
			s.logger.Warn("accept failed", "error", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			conn.Close() //nolint:errcheck // Refusing connection during shutdown
			continue
		}
		sess := newSession(s, s.nextID.Add(1), conn)
		s.sessions[sess] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		metrics.SessionsTotal.Inc()
		metrics.SessionsActive.Inc()
		go sess.run()
	}
}

func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()

	metrics.SessionsActive.Dec()
	s.wg.Done()
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > acceptBackoffMax {
		d = acceptBackoffMax
	}
	return d
}
