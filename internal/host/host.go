package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/announce"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/dsuid"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/infrastructure/config"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/infrastructure/influxdb"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/infrastructure/logging"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/infrastructure/mqtt"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/metrics"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/protocol"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/server"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/vdc"
)

const (
	// watchBuffer is the change queue between the registry and the sinks.
	watchBuffer = 256

	// sinkTimeout bounds one sink delivery.
	sinkTimeout = 5 * time.Second

	// saveTimeout bounds one background snapshot save.
	saveTimeout = 30 * time.Second

	// finalSaveTimeout is the budget of the save made by Stop. It does not
	// come out of the caller's deadline.
	finalSaveTimeout = 5 * time.Second

	// fanoutGrace is how long Stop waits for an in-flight sink delivery
	// after cancelling it.
	fanoutGrace = time.Second

	// Sink names used in logs and metrics.
	sinkMQTT     = "mqtt"
	sinkInfluxDB = "influxdb"
)

// Status is the coarse health of a Host.
type Status int

const (
	// StatusStopped is reported before Start and after Stop.
	StatusStopped Status = iota
	// StatusRunning means the listener accepts connections.
	StatusRunning
	// StatusDegraded means the listener could not bind. The registry,
	// persistence and integrations keep working.
	StatusDegraded
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusRunning:
		return "running"
	case StatusDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name written by MarshalText.
func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "stopped":
		*s = StatusStopped
	case "running":
		*s = StatusRunning
	case "degraded":
		*s = StatusDegraded
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStatus, text)
	}
	return nil
}

// Sink receives every applied property change.
type Sink interface {
	PropertyChanged(ctx context.Context, change vdc.PropertyChange) error
}

// Options configures a Host.
type Options struct {
	// Config is the host configuration. Nil means config.Default().
	Config *config.Config

	// Store persists the registry. Required.
	Store vdc.Store

	// Logger receives all host logs. Nil discards them.
	Logger *logging.Logger

	// Identity customises host identity discovery.
	Identity []dsuid.Option

	// Sinks receive property changes in addition to the configured
	// integrations, keyed by a name used in logs and metrics.
	Sinks map[string]Sink

	// Publisher replaces the MQTT connection built from Config.MQTT.
	Publisher announce.Publisher
}

type namedSink struct {
	name string
	sink Sink
}

// Host is the facade of the vDC host.
//
// A Host is single-use: Start once, Stop once. Registry reads work at any
// time; mutations require a started host.
type Host struct {
	cfg          *config.Config
	store        vdc.Store
	logger       *logging.Logger
	identityOpts []dsuid.Option
	publisher    announce.Publisher

	reg       *vdc.Registry
	persister *vdc.Persister
	srv       *server.Server

	// lifecycle serialises Start and Stop.
	lifecycle sync.Mutex

	mu        sync.Mutex
	started   bool
	stopped   bool
	status    Status
	statusErr error
	identity  dsuid.HostIdentity
	port      int
	address   string
	announcer *announce.Announcer
	mqtt      *mqtt.Client
	mqttErr   error
	influx    *influxdb.Client
	influxErr error

	sinkMu sync.RWMutex
	sinks  []namedSink

	watcher      *vdc.Watcher
	fanoutDone   chan struct{}
	cancelFanout context.CancelFunc

	cancelIntegrations context.CancelFunc
	integrations       sync.WaitGroup
}

// New creates a stopped Host.
func New(opts Options) (*Host, error) {
	if opts.Store == nil {
		return nil, ErrNoStore
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	reg := vdc.NewRegistry()
	reg.SetLogger(logger.With("component", "registry"))

	h := &Host{
		cfg:          cfg,
		store:        opts.Store,
		logger:       logger,
		identityOpts: opts.Identity,
		publisher:    opts.Publisher,
		reg:          reg,
	}

	names := make([]string, 0, len(opts.Sinks))
	for name := range opts.Sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h.sinks = append(h.sinks, namedSink{name: name, sink: opts.Sinks[name]})
	}

	return h, nil
}

// Start brings the host up on address:port.
//
// The persisted registry is restored first; a load failure is logged and
// the host starts empty. The configured vDCs are created if missing. A
// bind failure is logged and reported through Status, not returned.
func (h *Host) Start(ctx context.Context, address string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}

	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return ErrAlreadyStarted
	}
	h.started = true
	h.address, h.port = address, port
	h.mu.Unlock()

	snap, err := h.store.Load(ctx)
	if err != nil {
		h.logger.Error("loading persisted registry, starting empty", "error", err)
		snap = vdc.Snapshot{}
	}

	identity := h.resolveIdentity(snap.Host)
	h.mu.Lock()
	h.identity = identity
	h.mu.Unlock()

	h.reg.SetHost(identity)
	stats := h.reg.Restore(snap)
	if !snap.Host.Dsuid.IsZero() && snap.Host.Dsuid != identity.Dsuid() {
		h.logger.Warn("host dsuid changed since last start",
			"previous", snap.Host.Dsuid,
			"current", identity.Dsuid(),
		)
	}

	persister := vdc.NewPersister(h.reg, h.store, vdc.PersisterOptions{
		RetryInterval: time.Duration(h.cfg.Persistence.RetryInterval) * time.Second,
		SaveTimeout:   saveTimeout,
		OnSave:        metrics.ObserveSave,
		Logger:        h.logger.With("component", "persister"),
	})
	h.mu.Lock()
	h.persister = persister
	h.mu.Unlock()
	h.reg.SetOnChange(h.registryChanged)
	h.persister.Start()
	if snap.Host != h.reg.Host() {
		h.persister.Kick()
	}

	h.ensureVDCs()
	metrics.SetRegistryObjects(h.reg.Counts())

	h.startFanout()

	srv := server.New(h.reg, server.Config{
		HostDsuid:        identity.Dsuid(),
		Name:             h.cfg.Host.Name,
		Vendor:           h.cfg.Host.VendorID,
		HandshakeTimeout: h.cfg.Protocol.HandshakeTimeoutDuration(),
		IdleTimeout:      h.cfg.Protocol.IdleTimeoutDuration(),
		CloseGrace:       h.cfg.Protocol.CloseGraceDuration(),
		ShutdownGrace:    h.cfg.Protocol.ShutdownGraceDuration(),
		QueueSize:        h.cfg.Protocol.QueueSize,
	})
	srv.SetLogger(h.logger.With("component", "server"))
	h.mu.Lock()
	h.srv = srv
	h.mu.Unlock()

	addr := net.JoinHostPort(address, strconv.Itoa(port))
	if err := srv.Start(ctx, addr); err != nil {
		h.logger.Error("listener unavailable, host degraded", "address", addr, "error", err)
		h.setStatus(StatusDegraded, err)
	} else {
		h.setStatus(StatusRunning, nil)
	}

	h.startIntegrations()

	h.logger.Info("vdc host started",
		"dsuid", identity.Dsuid(),
		"identity_source", identity.Source.String(),
		"vdcs", len(h.reg.ListContainers()),
		"restored_devices", stats.Devices,
		"status", h.currentStatus().String(),
	)
	return nil
}

// Stop closes the listener and the integrations, then saves the registry
// one last time. It is safe to call more than once and before Start.
//
// Sink deliveries still queued when ctx is done are dropped. The final
// save runs with its own finalSaveTimeout budget, so it happens even when
// ctx has already expired.
func (h *Host) Stop(ctx context.Context) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.mu.Lock()
	if !h.started || h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	var errs []error

	if err := h.srv.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping listener: %w", err))
	}

	h.stopFanout(ctx)

	h.cancelIntegrations()
	if !waitContext(ctx, &h.integrations) {
		h.logger.Warn("integrations still connecting at shutdown")
	}

	h.mu.Lock()
	a, mq, influx := h.announcer, h.mqtt, h.influx
	h.mu.Unlock()

	if a != nil {
		if err := a.Withdraw(); err != nil {
			h.logger.Warn("withdrawing announcement", "error", err)
		}
	}
	if mq != nil {
		if err := mq.Close(); err != nil {
			h.logger.Warn("closing mqtt", "error", err)
		}
	}
	if influx != nil {
		if err := influx.Close(); err != nil {
			h.logger.Warn("closing influxdb", "error", err)
		}
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalSaveTimeout)
	defer cancel()
	if err := h.persister.Stop(saveCtx); err != nil {
		errs = append(errs, fmt.Errorf("final save: %w", err))
	}

	h.setStatus(StatusStopped, nil)
	h.logger.Info("vdc host stopped")
	return errors.Join(errs...)
}

// CreateContainer creates a vDC.
func (h *Host) CreateContainer(spec vdc.ContainerSpec) (vdc.Container, error) {
	if err := h.checkRunning(); err != nil {
		return vdc.Container{}, err
	}
	c, err := h.reg.CreateContainer(spec)
	if err != nil {
		return vdc.Container{}, err
	}
	h.reannounce()
	return c, nil
}

// RemoveContainer removes a vDC and its devices.
func (h *Host) RemoveContainer(id dsuid.DSUID) error {
	if err := h.checkRunning(); err != nil {
		return err
	}
	if err := h.reg.RemoveContainer(id); err != nil {
		return err
	}
	h.reannounce()
	return nil
}

// GetAllContainers returns every vDC in creation order.
func (h *Host) GetAllContainers() []vdc.Container {
	return h.reg.ListContainers()
}

// GetContainer returns one vDC.
func (h *Host) GetContainer(id dsuid.DSUID) (vdc.Container, error) {
	return h.reg.GetContainer(id)
}

// AddDevice adds a device to a vDC.
func (h *Host) AddDevice(container dsuid.DSUID, spec vdc.DeviceSpec) (vdc.Device, error) {
	if err := h.checkRunning(); err != nil {
		return vdc.Device{}, err
	}
	return h.reg.AddDevice(container, spec)
}

// GetDevice returns one device.
func (h *Host) GetDevice(id dsuid.DSUID) (vdc.Device, error) {
	return h.reg.GetDevice(id)
}

// RemoveDevice removes one device.
func (h *Host) RemoveDevice(id dsuid.DSUID) error {
	if err := h.checkRunning(); err != nil {
		return err
	}
	return h.reg.RemoveDevice(id)
}

// ListDevices returns the devices of container, or all devices for the
// zero dSUID.
func (h *Host) ListDevices(container dsuid.DSUID) ([]vdc.Device, error) {
	return h.reg.ListDevices(container)
}

// UpdateDeviceProperty sets one device property and notifies the sinks.
func (h *Host) UpdateDeviceProperty(id dsuid.DSUID, key string, value any) (vdc.PropertyChange, error) {
	if err := h.checkRunning(); err != nil {
		return vdc.PropertyChange{}, err
	}
	return h.reg.UpdateDeviceProperty(id, key, value)
}

// HostDsuid returns the host dSUID, or the zero dSUID before Start.
func (h *Host) HostDsuid() dsuid.DSUID {
	return h.reg.Host().Dsuid
}

// Identity returns the identity resolved by Start.
func (h *Host) Identity() dsuid.HostIdentity {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.identity
}

// Status returns the host status and, when degraded, the cause.
func (h *Host) Status() (Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.statusErr
}

// SessionCount returns the number of live protocol sessions.
func (h *Host) SessionCount() int {
	srv := h.listener()
	if srv == nil {
		return 0
	}
	return srv.SessionCount()
}

// Sessions describes the live protocol sessions.
func (h *Host) Sessions() []server.SessionInfo {
	srv := h.listener()
	if srv == nil {
		return []server.SessionInfo{}
	}
	return srv.Sessions()
}

// Addr returns the bound listener address, or nil when not listening.
func (h *Host) Addr() net.Addr {
	srv := h.listener()
	if srv == nil {
		return nil
	}
	return srv.Addr()
}

func (h *Host) listener() *server.Server {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.srv
}

func (h *Host) checkRunning() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started || h.stopped {
		return ErrNotStarted
	}
	return nil
}

func (h *Host) setStatus(s Status, err error) {
	h.mu.Lock()
	h.status, h.statusErr = s, err
	h.mu.Unlock()
}

func (h *Host) currentStatus() Status {
	s, _ := h.Status()
	return s
}

// resolveIdentity derives the host identity. A configured MAC wins; an
// identity that would not survive a restart falls back to the address
// stored with the snapshot.
func (h *Host) resolveIdentity(persisted vdc.HostRecord) dsuid.HostIdentity {
	opts := append([]dsuid.Option(nil), h.identityOpts...)
	if h.cfg.Host.MAC != "" {
		mac, err := net.ParseMAC(h.cfg.Host.MAC)
		if err != nil {
			h.logger.Warn("ignoring configured mac", "mac", h.cfg.Host.MAC, "error", err)
		} else {
			opts = append(opts, dsuid.WithConfiguredMAC(mac))
		}
	}

	id := dsuid.DeriveHostIdentity(h.cfg.Host.VendorID, opts...)
	if id.Ephemeral() && persisted.VendorID == id.VendorID {
		if mac := persisted.ParseMAC(); mac != nil {
			id = id.WithMAC(mac, dsuid.SourcePersisted)
		}
	}
	if id.Ephemeral() {
		h.logger.Warn("no stable hardware address, host dsuid will change on restart",
			"source", id.Source.String(),
			"mac", id.MAC.String(),
		)
	}
	return id
}

// ensureVDCs creates the configured vDCs that do not exist yet.
func (h *Host) ensureVDCs() {
	existing := h.reg.ListContainers()
	for _, v := range h.cfg.VDCs {
		spec := vdc.ContainerSpec{
			Name:             v.Name,
			Model:            v.Model,
			ModelUID:         v.ModelUID,
			ModelVersion:     v.ModelVersion,
			ImplementationID: v.ImplementationID,
		}
		// Without a model UID the dSUID is random, so match by name.
		if spec.ModelUID == "" && containsSpec(existing, spec) {
			continue
		}

		c, err := h.reg.CreateContainer(spec)
		switch {
		case err == nil:
			h.logger.Info("configured vdc created", "dsuid", c.Dsuid, "name", c.Name)
		case errors.Is(err, vdc.ErrDuplicateID):
			h.logger.Debug("configured vdc present", "name", spec.Name, "model_uid", spec.ModelUID)
		default:
			h.logger.Warn("creating configured vdc", "name", spec.Name, "error", err)
		}
	}
}

func containsSpec(containers []vdc.Container, spec vdc.ContainerSpec) bool {
	for _, c := range containers {
		if c.Name == spec.Name && c.Model == spec.Model {
			return true
		}
	}
	return false
}

func (h *Host) registryChanged() {
	h.persister.Kick()
	metrics.SetRegistryObjects(h.reg.Counts())
}

func (h *Host) addSink(name string, sink Sink) {
	h.sinkMu.Lock()
	defer h.sinkMu.Unlock()
	h.sinks = append(h.sinks, namedSink{name: name, sink: sink})
}

func (h *Host) currentSinks() []namedSink {
	h.sinkMu.RLock()
	defer h.sinkMu.RUnlock()
	return append([]namedSink(nil), h.sinks...)
}

// startFanout forwards registry changes to the sinks in order.
func (h *Host) startFanout() {
	h.watcher = h.reg.Watch(watchBuffer)
	h.fanoutDone = make(chan struct{})
	fanoutCtx, cancelFanout := context.WithCancel(context.Background())
	h.cancelFanout = cancelFanout

	go func() {
		defer close(h.fanoutDone)
		var skipped int
		for change := range h.watcher.C() {
			if fanoutCtx.Err() != nil {
				skipped++
				continue
			}
			for _, s := range h.currentSinks() {
				ctx, cancel := context.WithTimeout(fanoutCtx, sinkTimeout)
				err := s.sink.PropertyChanged(ctx, change)
				cancel()
				metrics.ObserveSink(s.name, err)
				if err != nil {
					h.logger.Warn("sink rejected property change",
						"sink", s.name,
						"device", change.Device,
						"key", change.Key,
						"error", err,
					)
				}
			}
		}
		if dropped := h.watcher.Dropped(); dropped > 0 || skipped > 0 {
			h.logger.Warn("property changes dropped before reaching sinks",
				"dropped", dropped,
				"skipped_at_shutdown", skipped,
			)
		}
	}()
}

// stopFanout closes the change queue and waits for the sinks to drain it.
// When ctx is done first, pending deliveries are cancelled and the rest of
// the queue is skipped.
func (h *Host) stopFanout(ctx context.Context) {
	h.watcher.Close()
	defer h.cancelFanout()

	select {
	case <-h.fanoutDone:
		return
	case <-ctx.Done():
	}

	h.cancelFanout()
	timer := time.NewTimer(fanoutGrace)
	defer timer.Stop()
	select {
	case <-h.fanoutDone:
	case <-timer.C:
		h.logger.Warn("sink ignored cancellation, leaving it behind")
	}
}

// startIntegrations attaches the MQTT announcer and the InfluxDB history
// sink. Broker connections are made in the background so a missing broker
// never delays Start.
func (h *Host) startIntegrations() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancelIntegrations = cancel

	if h.cfg.InfluxDB.Enabled {
		h.integrations.Add(1)
		go func() {
			defer h.integrations.Done()
			h.connectInfluxDB(ctx)
		}()
	}

	switch {
	case h.publisher != nil:
		h.attachAnnouncer(h.publisher)
	case h.cfg.MQTT.Enabled:
		h.integrations.Add(1)
		go func() {
			defer h.integrations.Done()
			h.connectMQTT(ctx)
		}()
	}
}

func (h *Host) topics() mqtt.Topics {
	return mqtt.NewTopics(h.cfg.MQTT.TopicPrefix, h.HostDsuid().String())
}

// connectMQTT retries with exponential backoff until connected or ctx is
// cancelled.
func (h *Host) connectMQTT(ctx context.Context) {
	delay := time.Duration(h.cfg.MQTT.Reconnect.InitialDelay) * time.Second
	if delay <= 0 {
		delay = time.Second
	}
	maxDelay := time.Duration(h.cfg.MQTT.Reconnect.MaxDelay) * time.Second
	if maxDelay < delay {
		maxDelay = delay
	}

	for {
		client, err := mqtt.Connect(h.cfg.MQTT, h.topics())
		if err == nil {
			client.SetLogger(h.logger.With("component", "mqtt"))
			client.SetOnConnect(h.reannounce)

			// Stop reads h.mqtt after marking the host stopped, so a client
			// stored here is always closed by Stop.
			h.mu.Lock()
			if h.stopped || ctx.Err() != nil {
				h.mu.Unlock()
				client.Close() //nolint:errcheck // Shutting down
				return
			}
			h.mqtt = client
			h.mu.Unlock()
			h.attachAnnouncer(client)
			return
		}

		h.mu.Lock()
		h.mqttErr = err
		h.mu.Unlock()
		h.logger.Warn("mqtt unavailable, retrying",
			"broker", h.cfg.MQTT.Broker.Host,
			"retry_in", delay,
			"error", err,
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay = min(delay*2, maxDelay)
	}
}

// attachAnnouncer announces the host on pub and starts serving commands.
// When Stop ran while the announcement was being published, the
// announcement is withdrawn again and false is returned.
func (h *Host) attachAnnouncer(pub announce.Publisher) bool {
	if h.isStopped() {
		return false
	}

	a := announce.New(pub, h.topics(), byte(h.cfg.MQTT.QoS)) //nolint:gosec // QoS validated to 0-2
	a.SetLogger(h.logger.With("component", "announce"))

	if err := a.Announce(h.hostInfo(), h.reg.ListContainers()); err != nil {
		h.logger.Warn("announcing host", "error", err)
	}
	if err := a.HandleCommands(h.reg.UpdateDeviceProperty); err != nil {
		h.logger.Warn("subscribing to property commands", "error", err)
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		if err := a.Withdraw(); err != nil {
			h.logger.Warn("withdrawing late announcement", "error", err)
		}
		return false
	}
	h.announcer = a
	h.mu.Unlock()
	h.addSink(sinkMQTT, a)
	return true
}

func (h *Host) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

func (h *Host) connectInfluxDB(ctx context.Context) {
	client, err := influxdb.Connect(ctx, h.cfg.InfluxDB)
	if err != nil {
		h.mu.Lock()
		h.influxErr = err
		h.mu.Unlock()
		h.logger.Warn("influxdb unavailable, property history disabled", "error", err)
		return
	}
	if ctx.Err() != nil {
		client.Close() //nolint:errcheck // Shutting down
		return
	}
	client.SetOnError(func(err error) {
		metrics.ObserveSink(sinkInfluxDB, err)
		h.logger.Warn("influxdb write failed", "error", err)
	})

	h.mu.Lock()
	h.influx = client
	h.mu.Unlock()
	h.addSink(sinkInfluxDB, client)
}

// reannounce republishes the host and vDC list if an announcer is active.
func (h *Host) reannounce() {
	h.mu.Lock()
	a := h.announcer
	stopped := h.stopped
	h.mu.Unlock()
	if a == nil || stopped {
		return
	}
	if err := a.Announce(h.hostInfo(), h.reg.ListContainers()); err != nil {
		h.logger.Warn("announcing host", "error", err)
	}
}

func (h *Host) hostInfo() announce.HostInfo {
	h.mu.Lock()
	status, address, port := h.status, h.address, h.port
	h.mu.Unlock()

	if addr, ok := h.Addr().(*net.TCPAddr); ok && addr != nil {
		port = addr.Port
	}
	return announce.HostInfo{
		Dsuid:           h.HostDsuid(),
		Name:            h.cfg.Host.Name,
		Vendor:          h.cfg.Host.VendorID,
		Address:         address,
		Port:            port,
		ProtocolVersion: protocol.Version,
		Status:          status.String(),
		Time:            time.Now().UTC(),
	}
}

// waitContext waits for wg or ctx, whichever comes first. It reports
// whether wg finished.
func waitContext(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
