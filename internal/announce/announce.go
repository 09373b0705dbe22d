package announce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/dsuid"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/infrastructure/mqtt"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/vdc"
)

// ErrInvalidCommand is returned for set messages that do not name a known
// device or do not carry a JSON value.
var ErrInvalidCommand = errors.New("announce: invalid command")

// Publisher is the part of *mqtt.Client the announcer uses.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Logger defines the logging interface used by the announcer.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// ApplyFunc applies a property command, normally
// (*vdc.Registry).UpdateDeviceProperty.
type ApplyFunc func(device dsuid.DSUID, key string, value any) (vdc.PropertyChange, error)

// HostInfo is published on the announce topic.
type HostInfo struct {
	Dsuid           dsuid.DSUID `json:"dsuid"`
	Name            string      `json:"name"`
	Vendor          string      `json:"vendor,omitempty"`
	Address         string      `json:"address,omitempty"`
	Port            int         `json:"port"`
	ProtocolVersion int         `json:"protocol_version"`
	Status          string      `json:"status"`
	Time            time.Time   `json:"time"`
}

// stateMessage is the retained body of a device state topic.
type stateMessage struct {
	Value    any         `json:"value"`
	Previous any         `json:"previous,omitempty"`
	VDC      dsuid.DSUID `json:"vdc"`
	Time     time.Time   `json:"time"`
}

// Announcer publishes host state under one topic tree.
type Announcer struct {
	pub    Publisher
	topics mqtt.Topics
	qos    byte
	logger Logger

	mu        sync.Mutex
	announced map[dsuid.DSUID]struct{}
	commands  bool
}

// New returns an announcer publishing through pub with the given QoS.
func New(pub Publisher, topics mqtt.Topics, qos byte) *Announcer {
	return &Announcer{
		pub:       pub,
		topics:    topics,
		qos:       qos,
		logger:    noopLogger{},
		announced: make(map[dsuid.DSUID]struct{}),
	}
}

// SetLogger sets the logger.
func (a *Announcer) SetLogger(logger Logger) {
	a.logger = logger
}

// Topics returns the topic tree.
func (a *Announcer) Topics() mqtt.Topics {
	return a.topics
}

// Announce publishes the host description and one retained message per
// vDC. vDCs announced earlier but missing from containers are cleared.
func (a *Announcer) Announce(info HostInfo, containers []vdc.Container) error {
	if info.Status == "" {
		info.Status = "online"
	}
	if info.Time.IsZero() {
		info.Time = time.Now().UTC()
	}
	if err := a.publishJSON(a.topics.Announce(), info); err != nil {
		return fmt.Errorf("announcing host: %w", err)
	}

	current := make(map[dsuid.DSUID]struct{}, len(containers))
	var errs []error
	for _, c := range containers {
		current[c.Dsuid] = struct{}{}
		if err := a.publishJSON(a.topics.Container(c.Dsuid.String()), c); err != nil {
			errs = append(errs, fmt.Errorf("announcing vdc %s: %w", c.Dsuid, err))
		}
	}

	a.mu.Lock()
	stale := make([]dsuid.DSUID, 0)
	for id := range a.announced {
		if _, ok := current[id]; !ok {
			stale = append(stale, id)
		}
	}
	a.announced = current
	a.mu.Unlock()

	for _, id := range stale {
		if err := a.clear(a.topics.Container(id.String())); err != nil {
			errs = append(errs, err)
		}
	}

	a.logger.Debug("host announced", "vdcs", len(containers), "withdrawn", len(stale))
	return errors.Join(errs...)
}

// Withdraw clears the retained host and vDC announcements and stops
// accepting commands.
func (a *Announcer) Withdraw() error {
	a.mu.Lock()
	ids := make([]dsuid.DSUID, 0, len(a.announced))
	for id := range a.announced {
		ids = append(ids, id)
	}
	a.announced = make(map[dsuid.DSUID]struct{})
	commands := a.commands
	a.commands = false
	a.mu.Unlock()

	var errs []error
	if commands {
		if err := a.pub.Unsubscribe(a.topics.AllDeviceSets()); err != nil {
			errs = append(errs, err)
		}
	}
	for _, id := range ids {
		if err := a.clear(a.topics.Container(id.String())); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.clear(a.topics.Announce()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// PropertyChanged publishes change on the device's retained state topic.
func (a *Announcer) PropertyChanged(_ context.Context, change vdc.PropertyChange) error {
	topic := a.topics.DeviceState(change.Device.String(), change.Key)
	if change.Value == nil {
		return a.clear(topic)
	}
	return a.publishJSON(topic, stateMessage{
		Value:    change.Value,
		Previous: change.Previous,
		VDC:      change.Container,
		Time:     change.Time,
	})
}

// HandleCommands subscribes to the set topics of this host and applies
// each message through apply. The payload is the JSON value to set.
func (a *Announcer) HandleCommands(apply ApplyFunc) error {
	handler := func(topic string, payload []byte) error {
		device, key, value, err := a.parseCommand(topic, payload)
		if err != nil {
			return err
		}
		if _, err := apply(device, key, value); err != nil {
			return fmt.Errorf("applying %s on %s: %w", key, device, err)
		}
		a.logger.Debug("property command applied", "device", device, "key", key)
		return nil
	}

	if err := a.pub.Subscribe(a.topics.AllDeviceSets(), a.qos, handler); err != nil {
		return err
	}
	a.mu.Lock()
	a.commands = true
	a.mu.Unlock()
	return nil
}

func (a *Announcer) parseCommand(topic string, payload []byte) (dsuid.DSUID, string, any, error) {
	device, key, ok := a.topics.ParseDeviceSet(topic)
	if !ok {
		return dsuid.Zero, "", nil, fmt.Errorf("%w: topic %s", ErrInvalidCommand, topic)
	}
	id, err := dsuid.Parse(device)
	if err != nil {
		return dsuid.Zero, "", nil, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return dsuid.Zero, "", nil, fmt.Errorf("%w: payload: %w", ErrInvalidCommand, err)
	}
	return id, key, value, nil
}

func (a *Announcer) publishJSON(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", topic, err)
	}
	return a.pub.Publish(topic, payload, a.qos, true)
}

// clear removes a retained message; MQTT treats an empty retained payload
// as deletion.
func (a *Announcer) clear(topic string) error {
	return a.pub.Publish(topic, nil, a.qos, true)
}
