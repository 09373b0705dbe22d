package vdc

import (
	"fmt"
	"sync"
	"time"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/dsuid"
)

// Logger defines the logging interface used by the Registry and Persister.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry is the authoritative in-memory map of containers and devices.
//
// All public methods are thread-safe. Mutations take the write lock, are
// applied entirely in memory and never block on I/O. Returned values are
// copies; callers can modify them freely.
type Registry struct {
	mu sync.RWMutex

	host HostRecord

	containers     map[dsuid.DSUID]*Container
	containerOrder []dsuid.DSUID
	devices        map[dsuid.DSUID]*Device
	deviceOrder    map[dsuid.DSUID][]dsuid.DSUID // container -> devices in creation order

	watchers map[*Watcher]struct{}
	onChange func()

	logger Logger
	now    func() time.Time
	random func() (dsuid.DSUID, error)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		containers:  make(map[dsuid.DSUID]*Container),
		devices:     make(map[dsuid.DSUID]*Device),
		deviceOrder: make(map[dsuid.DSUID][]dsuid.DSUID),
		watchers:    make(map[*Watcher]struct{}),
		logger:      noopLogger{},
		now:         time.Now,
		random:      dsuid.Random,
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// SetOnChange registers fn to be called after every successful mutation.
// fn runs after the registry lock is released and must not block.
func (r *Registry) SetOnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// SetHost records the host identity. Container dSUIDs are derived from
// id.Dsuid() from now on, and snapshots carry the identity.
func (r *Registry) SetHost(id dsuid.HostIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.host = HostRecord{
		Dsuid:    id.Dsuid(),
		MAC:      id.MAC.String(),
		VendorID: id.VendorID,
	}
}

// Host returns the identity recorded by SetHost.
func (r *Registry) Host() HostRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.host
}

// CreateContainer creates a vDC from spec.
//
// The dSUID is derived from the host dSUID and spec.ModelUID, so creating
// the same model twice fails with ErrDuplicateID. Without a ModelUID the
// dSUID is random.
func (r *Registry) CreateContainer(spec ContainerSpec) (Container, error) {
	if err := spec.Validate(); err != nil {
		return Container{}, err
	}

	r.mu.Lock()
	id, ok := ContainerID(r.host.Dsuid, spec)
	if !ok {
		var err error
		if id, err = r.random(); err != nil {
			r.mu.Unlock()
			return Container{}, err
		}
	}
	if r.existsLocked(id) {
		r.mu.Unlock()
		return Container{}, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	c := &Container{
		Dsuid:            id,
		Name:             spec.Name,
		Model:            spec.Model,
		ModelUID:         spec.ModelUID,
		ModelVersion:     spec.ModelVersion,
		ImplementationID: spec.ImplementationID,
		CreatedAt:        r.now().UTC(),
	}
	r.containers[id] = c
	r.containerOrder = append(r.containerOrder, id)
	out := *c
	logger, notify := r.logger, r.onChange
	r.mu.Unlock()

	logger.Info("vdc created", "dsuid", id, "name", c.Name, "model_uid", c.ModelUID)
	r.changed(notify)
	return out, nil
}

// RemoveContainer removes the container and every device it owns.
func (r *Registry) RemoveContainer(id dsuid.DSUID) error {
	r.mu.Lock()
	if _, ok := r.containers[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: container %s", ErrNotFound, id)
	}

	removed := len(r.deviceOrder[id])
	for _, dev := range r.deviceOrder[id] {
		delete(r.devices, dev)
	}
	delete(r.deviceOrder, id)
	delete(r.containers, id)
	r.containerOrder = removeID(r.containerOrder, id)
	logger, notify := r.logger, r.onChange
	r.mu.Unlock()

	logger.Info("vdc removed", "dsuid", id, "devices", removed)
	r.changed(notify)
	return nil
}

// GetContainer returns the container with the given dSUID.
func (r *Registry) GetContainer(id dsuid.DSUID) (Container, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.containers[id]
	if !ok {
		return Container{}, fmt.Errorf("%w: container %s", ErrNotFound, id)
	}
	return *c, nil
}

// ListContainers returns all containers in creation order.
func (r *Registry) ListContainers() []Container {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Container, 0, len(r.containerOrder))
	for _, id := range r.containerOrder {
		out = append(out, *r.containers[id])
	}
	return out
}

// AddDevice creates a device inside the container.
func (r *Registry) AddDevice(container dsuid.DSUID, spec DeviceSpec) (Device, error) {
	spec.Properties = copyProperties(spec.Properties)
	if err := spec.Validate(); err != nil {
		return Device{}, err
	}

	r.mu.Lock()
	if _, ok := r.containers[container]; !ok {
		r.mu.Unlock()
		return Device{}, fmt.Errorf("%w: container %s", ErrNotFound, container)
	}
	id, ok := DeviceID(container, spec)
	if !ok {
		var err error
		if id, err = r.random(); err != nil {
			r.mu.Unlock()
			return Device{}, err
		}
	}
	if r.existsLocked(id) {
		r.mu.Unlock()
		return Device{}, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	d := &Device{
		Dsuid:          id,
		Name:           spec.Name,
		Container:      container,
		UniqueID:       spec.UniqueID,
		SubDeviceIndex: spec.SubDeviceIndex,
		Properties:     spec.Properties,
		CreatedAt:      r.now().UTC(),
	}
	if err := checkDeviceSize(d); err != nil {
		r.mu.Unlock()
		return Device{}, err
	}
	r.devices[id] = d
	r.deviceOrder[container] = append(r.deviceOrder[container], id)
	out := d.DeepCopy()
	logger, notify := r.logger, r.onChange
	r.mu.Unlock()

	logger.Info("device added", "dsuid", id, "container", container, "name", d.Name)
	r.changed(notify)
	return *out, nil
}

// RemoveDevice removes a single device.
func (r *Registry) RemoveDevice(id dsuid.DSUID) error {
	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: device %s", ErrNotFound, id)
	}
	delete(r.devices, id)
	r.deviceOrder[d.Container] = removeID(r.deviceOrder[d.Container], id)
	logger, notify := r.logger, r.onChange
	r.mu.Unlock()

	logger.Info("device removed", "dsuid", id, "container", d.Container)
	r.changed(notify)
	return nil
}

// GetDevice returns the device with the given dSUID.
func (r *Registry) GetDevice(id dsuid.DSUID) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return Device{}, fmt.Errorf("%w: device %s", ErrNotFound, id)
	}
	return *d.DeepCopy(), nil
}

// ListDevices returns the devices of one container in creation order. The
// zero dSUID lists the devices of every container, grouped by container in
// container creation order.
func (r *Registry) ListDevices(container dsuid.DSUID) ([]Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if container.IsZero() {
		out := make([]Device, 0, len(r.devices))
		for _, c := range r.containerOrder {
			out = r.appendDevicesLocked(out, c)
		}
		return out, nil
	}

	if _, ok := r.containers[container]; !ok {
		return nil, fmt.Errorf("%w: container %s", ErrNotFound, container)
	}
	return r.appendDevicesLocked(make([]Device, 0, len(r.deviceOrder[container])), container), nil
}

func (r *Registry) appendDevicesLocked(out []Device, container dsuid.DSUID) []Device {
	for _, id := range r.deviceOrder[container] {
		out = append(out, *r.devices[id].DeepCopy())
	}
	return out
}

// UpdateDeviceProperty sets one property of a device and queues the
// resulting PropertyChange to every Watcher.
func (r *Registry) UpdateDeviceProperty(id dsuid.DSUID, key string, value any) (PropertyChange, error) {
	value, err := NormalizeProperty(key, value)
	if err != nil {
		return PropertyChange{}, err
	}

	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return PropertyChange{}, fmt.Errorf("%w: device %s", ErrNotFound, id)
	}
	if d.Properties == nil {
		d.Properties = make(map[string]any)
	}
	if _, exists := d.Properties[key]; !exists && len(d.Properties) >= maxPropertyKeys {
		r.mu.Unlock()
		return PropertyChange{}, fmt.Errorf("%w: device %s has %d properties", ErrInvalidProperty, id, maxPropertyKeys)
	}

	previous, had := d.Properties[key]
	d.Properties[key] = value
	if err := checkDeviceSize(d); err != nil {
		if had {
			d.Properties[key] = previous
		} else {
			delete(d.Properties, key)
		}
		r.mu.Unlock()
		return PropertyChange{}, err
	}

	change := PropertyChange{
		Device:    id,
		Container: d.Container,
		Key:       key,
		Value:     value,
		Previous:  previous,
		Time:      r.now().UTC(),
	}

	// Delivery happens under the lock so every watcher sees changes in
	// the order they were applied.
	for w := range r.watchers {
		w.deliver(change)
	}
	logger, notify := r.logger, r.onChange
	r.mu.Unlock()

	logger.Debug("device property updated", "dsuid", id, "key", key)
	r.changed(notify)
	return change, nil
}

// Watch registers a Watcher with a queue of the given size.
func (r *Registry) Watch(buffer int) *Watcher {
	if buffer <= 0 {
		buffer = DefaultWatchBuffer
	}
	w := &Watcher{ch: make(chan PropertyChange, buffer), reg: r}

	r.mu.Lock()
	r.watchers[w] = struct{}{}
	r.mu.Unlock()
	return w
}

// Counts returns the number of containers and devices.
func (r *Registry) Counts() (containers, devices int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.containers), len(r.devices)
}

// Snapshot returns a consistent copy of the whole registry.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Version:    SnapshotVersion,
		Host:       r.host,
		Containers: make([]Container, 0, len(r.containers)),
		Devices:    make([]Device, 0, len(r.devices)),
	}
	for _, id := range r.containerOrder {
		snap.Containers = append(snap.Containers, *r.containers[id])
		snap.Devices = r.appendDevicesLocked(snap.Devices, id)
	}
	return snap
}

// Restore replaces the registry contents with snap. Records with a zero or
// duplicate dSUID, devices whose container is unknown and devices with
// invalid properties are skipped and logged. The host record of snap is
// ignored; see SetHost. Restore does not trigger OnChange.
func (r *Registry) Restore(snap Snapshot) RestoreStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.containers = make(map[dsuid.DSUID]*Container, len(snap.Containers))
	r.containerOrder = make([]dsuid.DSUID, 0, len(snap.Containers))
	r.devices = make(map[dsuid.DSUID]*Device, len(snap.Devices))
	r.deviceOrder = make(map[dsuid.DSUID][]dsuid.DSUID)

	var stats RestoreStats
	for i := range snap.Containers {
		c := snap.Containers[i]
		if c.Dsuid.IsZero() || r.existsLocked(c.Dsuid) {
			r.logger.Warn("skipping persisted vdc", "dsuid", c.Dsuid, "reason", "zero or duplicate dsuid")
			stats.Skipped++
			continue
		}
		r.containers[c.Dsuid] = &c
		r.containerOrder = append(r.containerOrder, c.Dsuid)
		stats.Containers++
	}

	for i := range snap.Devices {
		d := snap.Devices[i].DeepCopy()
		if d.Dsuid.IsZero() || r.existsLocked(d.Dsuid) {
			r.logger.Warn("skipping persisted device", "dsuid", d.Dsuid, "reason", "zero or duplicate dsuid")
			stats.Skipped++
			continue
		}
		if _, ok := r.containers[d.Container]; !ok {
			r.logger.Warn("skipping persisted device", "dsuid", d.Dsuid, "container", d.Container, "reason", "unknown container")
			stats.Skipped++
			continue
		}
		if err := normalizeAll(d.Properties); err != nil {
			r.logger.Warn("skipping persisted device", "dsuid", d.Dsuid, "error", err)
			stats.Skipped++
			continue
		}
		if err := checkDeviceSize(d); err != nil {
			r.logger.Warn("skipping persisted device", "dsuid", d.Dsuid, "error", err)
			stats.Skipped++
			continue
		}
		r.devices[d.Dsuid] = d
		r.deviceOrder[d.Container] = append(r.deviceOrder[d.Container], d.Dsuid)
		stats.Devices++
	}

	r.logger.Info("registry restored",
		"vdcs", stats.Containers,
		"devices", stats.Devices,
		"skipped", stats.Skipped,
	)
	return stats
}

// existsLocked reports whether id names a container or a device.
func (r *Registry) existsLocked(id dsuid.DSUID) bool {
	if _, ok := r.containers[id]; ok {
		return true
	}
	_, ok := r.devices[id]
	return ok
}

func (r *Registry) changed(notify func()) {
	if notify != nil {
		notify()
	}
}

func normalizeAll(props map[string]any) error {
	for k, v := range props {
		nv, err := NormalizeProperty(k, v)
		if err != nil {
			return err
		}
		props[k] = nv
	}
	return nil
}

func removeID(ids []dsuid.DSUID, id dsuid.DSUID) []dsuid.DSUID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}
