package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/metrics"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/protocol"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/vdc"
)

// SessionState is the lifecycle position of a session.
type SessionState int32

const (
	StateConnected SessionState = iota
	StateHandshaking
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	errStopping = errors.New("host stopping")
	errPeerBye  = errors.New("peer said bye")
	errPanic    = errors.New("request handler panicked")
)

// session serves one connection. run is the reader; a writer goroutine
// owns conn writes and a notifier goroutine feeds subscriptions.
type session struct {
	id     uint64
	srv    *Server
	conn   net.Conn
	reader *protocol.Reader
	since  time.Time
	remote string

	state atomic.Int32
	peer  atomic.Pointer[string]

	out        chan []byte
	drain      chan struct{}
	writerDone chan struct{}
	dropped    atomic.Uint64

	readMu   sync.Mutex // orders read deadlines against shutdown
	stopping bool

	subMu    sync.Mutex
	watcher  *vdc.Watcher
	notifyWG sync.WaitGroup
}

func newSession(srv *Server, id uint64, conn net.Conn) *session {
	return &session{
		id:         id,
		srv:        srv,
		conn:       conn,
		reader:     protocol.NewReader(conn, srv.cfg.MaxFrameSize),
		since:      time.Now(),
		remote:     conn.RemoteAddr().String(),
		out:        make(chan []byte, srv.cfg.QueueSize),
		drain:      make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (s *session) getState() SessionState {
	return SessionState(s.state.Load())
}

func (s *session) setState(st SessionState) {
	s.state.Store(int32(st))
}

func (s *session) info() SessionInfo {
	info := SessionInfo{
		ID:     s.id,
		Remote: s.remote,
		State:  s.getState(),
		Since:  s.since,
	}
	if p := s.peer.Load(); p != nil {
		info.Peer = *p
	}
	s.subMu.Lock()
	info.Subscribed = s.watcher != nil
	s.subMu.Unlock()
	return info
}

func (s *session) run() {
	defer s.srv.removeSession(s)

	log := s.srv.logger
	go s.writeLoop()

	reason := s.serve()
	switch {
	case errors.Is(reason, errStopping), errors.Is(reason, errPeerBye), errors.Is(reason, io.EOF):
		log.Debug("session ending", "session", s.id, "reason", reason)
	case errors.Is(reason, net.ErrClosed):
		log.Debug("session connection closed", "session", s.id)
	default:
		log.Info("session ending", "session", s.id, "remote", s.remote, "reason", reason)
	}

	s.close()
}

// serve runs the handshake and then the request loop. The returned error
// explains why the session is ending.
func (s *session) serve() error {
	s.setState(StateHandshaking)
	if err := s.handshake(); err != nil {
		return err
	}
	s.setState(StateActive)

	for {
		f, err := s.readFrame(s.srv.cfg.IdleTimeout)
		if err != nil {
			return s.readFailed(err)
		}
		metrics.FramesTotal.WithLabelValues("in", typeLabel(f.Type)).Inc()

		if err := s.dispatch(f); err != nil {
			if errors.Is(err, protocol.ErrProtocol) {
				s.sendError(0, protocol.CodeProtocolError, err.Error())
			}
			return err
		}
	}
}

func (s *session) handshake() error {
	f, err := s.readFrame(s.srv.cfg.HandshakeTimeout)
	if err != nil {
		return s.readFailed(err)
	}
	metrics.FramesTotal.WithLabelValues("in", typeLabel(f.Type)).Inc()

	if f.Type != protocol.TypeHello {
		err := fmt.Errorf("%w: got %s before hello", protocol.ErrUnexpectedType, f.Type)
		s.sendError(0, protocol.CodeProtocolError, err.Error())
		return err
	}

	var hello protocol.Hello
	if err := protocol.Unmarshal(f, &hello); err != nil {
		s.sendError(0, protocol.CodeProtocolError, err.Error())
		return err
	}
	if hello.ProtocolVersion != protocol.Version {
		err := fmt.Errorf("%w: %d", protocol.ErrUnsupportedVersion, hello.ProtocolVersion)
		s.sendError(0, protocol.CodeProtocolError, err.Error())
		return err
	}

	name := hello.Name
	s.peer.Store(&name)

	cfg := s.srv.cfg
	s.reply(protocol.TypeHelloAck, protocol.HelloAck{
		ProtocolVersion: protocol.Version,
		HostDsuid:       cfg.HostDsuid,
		Name:            cfg.Name,
		Vendor:          cfg.Vendor,
	})
	s.srv.logger.Info("session established", "session", s.id, "remote", s.remote, "peer", name)
	return nil
}

// readFailed classifies a read error. Protocol violations are answered
// with an Error frame before the session closes.
func (s *session) readFailed(err error) error {
	if s.isStopping() {
		return errStopping
	}
	if errors.Is(err, protocol.ErrProtocol) {
		s.sendError(0, protocol.CodeProtocolError, err.Error())
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%s timeout: %w", s.getState(), err)
	}
	return err
}

func (s *session) readFrame(timeout time.Duration) (protocol.Frame, error) {
	s.readMu.Lock()
	if s.stopping {
		s.readMu.Unlock()
		return protocol.Frame{}, errStopping
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	_ = s.conn.SetReadDeadline(deadline) //nolint:errcheck // Surfaces on Read
	s.readMu.Unlock()

	return s.reader.ReadFrame()
}

func (s *session) isStopping() bool {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	return s.stopping
}

// shutdown asks the session to close: a Bye is queued and the pending read
// is interrupted.
func (s *session) shutdown() {
	s.readMu.Lock()
	if s.stopping {
		s.readMu.Unlock()
		return
	}
	s.stopping = true
	_ = s.conn.SetReadDeadline(time.Now()) //nolint:errcheck // Best effort
	s.readMu.Unlock()

	if frame, err := protocol.Marshal(protocol.TypeBye, protocol.Bye{Reason: "host stopping"}); err == nil {
		select {
		case s.out <- frame:
		default:
		}
	}
}

func (s *session) forceClose() {
	s.conn.Close() //nolint:errcheck // Forced close
}

// close moves the session through Closing to Closed. Queued frames are
// flushed for at most CloseGrace.
func (s *session) close() {
	s.setState(StateClosing)
	s.unsubscribe()

	close(s.drain)
	grace := time.NewTimer(s.srv.cfg.CloseGrace)
	select {
	case <-s.writerDone:
	case <-grace.C:
		s.srv.logger.Warn("close grace elapsed with frames queued", "session", s.id)
	}
	grace.Stop()

	s.conn.Close() //nolint:errcheck // Session is ending
	<-s.writerDone

	if n := s.dropped.Load(); n > 0 {
		s.srv.logger.Warn("session dropped notifications", "session", s.id, "dropped", n)
	}
	s.setState(StateClosed)
}

func (s *session) writeLoop() {
	defer close(s.writerDone)

	for {
		select {
		case frame := <-s.out:
			if err := s.write(frame); err != nil {
				s.srv.logger.Debug("session write failed", "session", s.id, "error", err)
				return
			}
		case <-s.drain:
			for {
				select {
				case frame := <-s.out:
					if err := s.write(frame); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *session) write(frame []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteTimeout)) //nolint:errcheck // Surfaces on Write
	if _, err := s.conn.Write(frame); err != nil {
		return err
	}
	if len(frame) >= protocol.HeaderSize {
		t := protocol.MessageType(binary.BigEndian.Uint16(frame[2:4]))
		metrics.FramesTotal.WithLabelValues("out", typeLabel(t)).Inc()
	}
	return nil
}

// typeLabel keeps peer-chosen type codes out of metric labels.
func typeLabel(t protocol.MessageType) string {
	if !t.Known() {
		return "unknown"
	}
	return t.String()
}

// enqueue blocks until the writer takes the frame or has exited.
func (s *session) enqueue(frame []byte) bool {
	select {
	case s.out <- frame:
		return true
	case <-s.writerDone:
		return false
	}
}

func (s *session) reply(t protocol.MessageType, v any) {
	frame, err := protocol.Marshal(t, v)
	if err != nil {
		s.srv.logger.Error("encoding reply", "session", s.id, "type", t.String(), "error", err)
		s.sendError(0, protocol.CodeInternal, "encoding reply failed")
		return
	}
	s.enqueue(frame)
}

func (s *session) sendError(id uint64, code, message string) {
	metrics.ErrorsTotal.WithLabelValues(code).Inc()
	frame, err := protocol.Marshal(protocol.TypeError, protocol.Error{ID: id, Code: code, Message: message})
	if err != nil {
		return
	}
	s.enqueue(frame)
}

func (s *session) subscribe() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.watcher != nil {
		return
	}

	w := s.srv.reg.Watch(s.srv.cfg.QueueSize)
	s.watcher = w
	s.notifyWG.Add(1)
	go s.notifyLoop(w)
}

func (s *session) unsubscribe() {
	s.subMu.Lock()
	w := s.watcher
	s.subMu.Unlock()
	if w == nil {
		return
	}

	w.Close()
	s.notifyWG.Wait()
	if n := w.Dropped(); n > 0 {
		s.dropped.Add(n)
		metrics.NotificationsDropped.Add(float64(n))
	}
}

// notifyLoop forwards changes without blocking. A subscriber that cannot
// keep up loses notifications; requests are never delayed by it.
func (s *session) notifyLoop(w *vdc.Watcher) {
	defer s.notifyWG.Done()

	for change := range w.C() {
		frame, err := protocol.Marshal(protocol.TypePropertyChanged, protocol.PropertyChanged{Change: change})
		if err != nil {
			s.srv.logger.Error("encoding notification", "session", s.id, "error", err)
			continue
		}
		select {
		case s.out <- frame:
		default:
			s.dropped.Add(1)
			metrics.NotificationsDropped.Inc()
		}
	}
}
