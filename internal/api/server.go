package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/dsuid"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/host"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/infrastructure/config"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/infrastructure/logging"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/server"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/vdc"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Host is the part of *host.Host the API serves.
type Host interface {
	GetAllContainers() []vdc.Container
	GetContainer(id dsuid.DSUID) (vdc.Container, error)
	CreateContainer(spec vdc.ContainerSpec) (vdc.Container, error)
	RemoveContainer(id dsuid.DSUID) error
	AddDevice(container dsuid.DSUID, spec vdc.DeviceSpec) (vdc.Device, error)
	GetDevice(id dsuid.DSUID) (vdc.Device, error)
	RemoveDevice(id dsuid.DSUID) error
	ListDevices(container dsuid.DSUID) ([]vdc.Device, error)
	UpdateDeviceProperty(id dsuid.DSUID, key string, value any) (vdc.PropertyChange, error)
	HostDsuid() dsuid.DSUID
	Status() (host.Status, error)
	SessionCount() int
	Sessions() []server.SessionInfo
	Integrations(ctx context.Context) []host.Integration
	Persistence() host.PersistenceStats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	Logger  *logging.Logger
	Host    Host
	Version string
}

// Server is the admin HTTP server.
//
// It is created with New, started with Start and stopped with Close.
type Server struct {
	cfg     config.APIConfig
	logger  *logging.Logger
	host    Host
	version string
	started time.Time
	router  http.Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Host == nil {
		return nil, fmt.Errorf("host is required")
	}

	s := &Server{
		cfg:     deps.Config,
		logger:  deps.Logger,
		host:    deps.Host,
		version: deps.Version,
		started: time.Now(),
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the configured address and serves in a background
// goroutine. Bind errors are returned; later serve errors are logged.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("api listen on %s: %w", addr, err)
	}

	s.listener = ln
	s.done = make(chan struct{})
	s.server = &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.cfg.Timeouts.ReadDuration(),
		ReadHeaderTimeout: s.cfg.Timeouts.ReadDuration(),
		WriteTimeout:      s.cfg.Timeouts.WriteDuration(),
		IdleTimeout:       s.cfg.Timeouts.IdleDuration(),
	}

	srv, done := s.server, s.done
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server listening", "address", ln.Addr().String())
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

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.mu.Lock()
	srv, done := s.server, s.done
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	err := srv.Shutdown(ctx)
	<-done
	if err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
