package announce

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/dsuid"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/infrastructure/mqtt"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/vdc"
)

type message struct {
	topic    string
	payload  []byte
	retained bool
}

type fakePublisher struct {
	mu           sync.Mutex
	messages     []message
	handlers     map[string]mqtt.MessageHandler
	unsubscribed []string
	failTopic    string
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{handlers: make(map[string]mqtt.MessageHandler)}
}

func (p *fakePublisher) Publish(topic string, payload []byte, _ byte, retained bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if topic == p.failTopic {
		return mqtt.ErrNotConnected
	}
	p.messages = append(p.messages, message{topic: topic, payload: payload, retained: retained})
	return nil
}

func (p *fakePublisher) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[topic] = handler
	return nil
}

func (p *fakePublisher) Unsubscribe(topic string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, topic)
	p.unsubscribed = append(p.unsubscribed, topic)
	return nil
}

// last returns the most recent message on topic.
func (p *fakePublisher) last(t *testing.T, topic string) message {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.messages) - 1; i >= 0; i-- {
		if p.messages[i].topic == topic {
			return p.messages[i]
		}
	}
	t.Fatalf("nothing published on %s", topic)
	return message{}
}

func (p *fakePublisher) handler(topic string) mqtt.MessageHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers[topic]
}

var (
	hostID = dsuid.FromName(uuid.NameSpaceOID, "host", 0)
	vdcA   = vdc.Container{Dsuid: dsuid.FromName(hostID.UUID(), "vdc:a", 0), Name: "A", ModelUID: "a"}
	vdcB   = vdc.Container{Dsuid: dsuid.FromName(hostID.UUID(), "vdc:b", 0), Name: "B", ModelUID: "b"}
)

func newTestAnnouncer() (*Announcer, *fakePublisher) {
	pub := newFakePublisher()
	return New(pub, mqtt.NewTopics("vdchost", hostID.String()), 1), pub
}

func TestAnnounce(t *testing.T) {
	a, pub := newTestAnnouncer()
	info := HostInfo{Dsuid: hostID, Name: "host", Port: 8440, ProtocolVersion: 1}

	if err := a.Announce(info, []vdc.Container{vdcA, vdcB}); err != nil {
		t.Fatalf("Announce() error = %v", err)
	}

	host := pub.last(t, a.Topics().Announce())
	if !host.retained {
		t.Error("host announcement not retained")
	}
	var got HostInfo
	if err := json.Unmarshal(host.payload, &got); err != nil {
		t.Fatalf("host payload: %v", err)
	}
	if got.Dsuid != hostID || got.Status != "online" || got.Port != 8440 || got.Time.IsZero() {
		t.Errorf("host payload = %+v", got)
	}

	var c vdc.Container
	if err := json.Unmarshal(pub.last(t, a.Topics().Container(vdcB.Dsuid.String())).payload, &c); err != nil {
		t.Fatalf("vdc payload: %v", err)
	}
	if c.Dsuid != vdcB.Dsuid || c.Name != "B" {
		t.Errorf("vdc payload = %+v", c)
	}

	// Re-announcing without B clears its retained topic.
	if err := a.Announce(info, []vdc.Container{vdcA}); err != nil {
		t.Fatalf("second Announce() error = %v", err)
	}
	if m := pub.last(t, a.Topics().Container(vdcB.Dsuid.String())); len(m.payload) != 0 || !m.retained {
		t.Errorf("stale vdc not cleared: %+v", m)
	}
}

func TestAnnounce_PublishError(t *testing.T) {
	a, pub := newTestAnnouncer()
	pub.failTopic = a.Topics().Container(vdcA.Dsuid.String())

	err := a.Announce(HostInfo{Dsuid: hostID}, []vdc.Container{vdcA, vdcB})
	if !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("Announce() error = %v, want ErrNotConnected", err)
	}
	// B is still announced.
	pub.last(t, a.Topics().Container(vdcB.Dsuid.String()))
}

func TestPropertyChanged(t *testing.T) {
	a, pub := newTestAnnouncer()
	device := dsuid.FromName(vdcA.Dsuid.UUID(), "vdsd:plug", 0)
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	err := a.PropertyChanged(context.Background(), vdc.PropertyChange{
		Device: device, Container: vdcA.Dsuid, Key: "on", Value: true, Previous: false, Time: now,
	})
	if err != nil {
		t.Fatalf("PropertyChanged() error = %v", err)
	}

	m := pub.last(t, a.Topics().DeviceState(device.String(), "on"))
	var got stateMessage
	if err := json.Unmarshal(m.payload, &got); err != nil {
		t.Fatalf("state payload: %v", err)
	}
	if got.Value != true || got.VDC != vdcA.Dsuid || !got.Time.Equal(now) || !m.retained {
		t.Errorf("state = %+v (retained %v)", got, m.retained)
	}

	// Clearing a property clears the retained state.
	if err := a.PropertyChanged(context.Background(), vdc.PropertyChange{Device: device, Key: "on"}); err != nil {
		t.Fatalf("PropertyChanged(nil) error = %v", err)
	}
	if m := pub.last(t, a.Topics().DeviceState(device.String(), "on")); len(m.payload) != 0 {
		t.Errorf("cleared state payload = %q", m.payload)
	}
}

func TestHandleCommands(t *testing.T) {
	a, pub := newTestAnnouncer()
	device := dsuid.FromName(vdcA.Dsuid.UUID(), "vdsd:plug", 0)

	type call struct {
		device dsuid.DSUID
		key    string
		value  any
	}
	var calls []call
	apply := func(d dsuid.DSUID, key string, value any) (vdc.PropertyChange, error) {
		if key == "locked" {
			return vdc.PropertyChange{}, vdc.ErrInvalidProperty
		}
		calls = append(calls, call{d, key, value})
		return vdc.PropertyChange{Device: d, Key: key, Value: value}, nil
	}

	if err := a.HandleCommands(apply); err != nil {
		t.Fatalf("HandleCommands() error = %v", err)
	}
	handler := pub.handler(a.Topics().AllDeviceSets())
	if handler == nil {
		t.Fatal("no subscription on the set topics")
	}

	tests := []struct {
		name    string
		topic   string
		payload string
		wantErr error
	}{
		{"bool", a.Topics().DeviceSet(device.String(), "on"), "true", nil},
		{"number", a.Topics().DeviceSet(device.String(), "level"), "42.5", nil},
		{"bad json", a.Topics().DeviceSet(device.String(), "on"), "tru", ErrInvalidCommand},
		{"bad device", a.Topics().DeviceSet("XYZ", "on"), "true", ErrInvalidCommand},
		{"state topic", a.Topics().DeviceState(device.String(), "on"), "true", ErrInvalidCommand},
		{"rejected", a.Topics().DeviceSet(device.String(), "locked"), "true", vdc.ErrInvalidProperty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := handler(tt.topic, []byte(tt.payload))
			if tt.wantErr == nil && err != nil {
				t.Errorf("handler error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("handler error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if len(calls) != 2 {
		t.Fatalf("apply calls = %+v, want 2", calls)
	}
	if calls[0].device != device || calls[0].key != "on" || calls[0].value != true {
		t.Errorf("first call = %+v", calls[0])
	}
	if calls[1].value != 42.5 {
		t.Errorf("second call value = %v", calls[1].value)
	}
}

func TestWithdraw(t *testing.T) {
	a, pub := newTestAnnouncer()
	if err := a.Announce(HostInfo{Dsuid: hostID}, []vdc.Container{vdcA}); err != nil {
		t.Fatal(err)
	}
	noop := func(dsuid.DSUID, string, any) (vdc.PropertyChange, error) { return vdc.PropertyChange{}, nil }
	if err := a.HandleCommands(noop); err != nil {
		t.Fatal(err)
	}

	if err := a.Withdraw(); err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}

	if m := pub.last(t, a.Topics().Announce()); len(m.payload) != 0 {
		t.Errorf("announce topic not cleared: %q", m.payload)
	}
	if m := pub.last(t, a.Topics().Container(vdcA.Dsuid.String())); len(m.payload) != 0 {
		t.Errorf("vdc topic not cleared: %q", m.payload)
	}
	if len(pub.unsubscribed) != 1 || pub.unsubscribed[0] != a.Topics().AllDeviceSets() {
		t.Errorf("unsubscribed = %v", pub.unsubscribed)
	}

	// A second withdraw has nothing to unsubscribe.
	if err := a.Withdraw(); err != nil {
		t.Errorf("second Withdraw() error = %v", err)
	}
	if len(pub.unsubscribed) != 1 {
		t.Errorf("unsubscribed twice: %v", pub.unsubscribed)
	}
}
