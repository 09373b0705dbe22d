package host

import (
	"context"
	"fmt"
)

// Integration states reported by Integrations.
const (
	IntegrationOK         = "ok"
	IntegrationDown       = "down"
	IntegrationConnecting = "connecting"
	IntegrationDisabled   = "disabled"
	IntegrationStopped    = "stopped"
)

// Integration is the health of one service the host depends on.
type Integration struct {
	Name   string `json:"name"`
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// Checker is implemented by stores that can verify their backing medium.
type Checker interface {
	Check(ctx context.Context) error
}

// PersistenceStats summarises snapshot saving since Start.
type PersistenceStats struct {
	Saves    uint64 `json:"saves"`
	Failures uint64 `json:"failures"`
	Dirty    bool   `json:"dirty"`
}

// Integrations reports the store, the MQTT broker and the InfluxDB
// history writer, in that order. The store is checked even while the host
// is stopped; the other two report "stopped" then.
func (h *Host) Integrations(ctx context.Context) []Integration {
	return []Integration{
		h.storeHealth(ctx),
		h.mqttHealth(),
		h.influxHealth(ctx),
	}
}

// Persistence returns the persister counters. It is zero before Start.
func (h *Host) Persistence() PersistenceStats {
	h.mu.Lock()
	p := h.persister
	h.mu.Unlock()
	if p == nil {
		return PersistenceStats{}
	}
	saves, failures := p.Stats()
	return PersistenceStats{Saves: saves, Failures: failures, Dirty: p.Dirty()}
}

func (h *Host) storeHealth(ctx context.Context) Integration {
	it := Integration{Name: "store", State: IntegrationOK}
	checker, ok := h.store.(Checker)
	if !ok {
		return it
	}
	if err := checker.Check(ctx); err != nil {
		it.State = IntegrationDown
		it.Detail = err.Error()
	}
	return it
}

func (h *Host) mqttHealth() Integration {
	it := Integration{Name: sinkMQTT}

	h.mu.Lock()
	active := h.started && !h.stopped
	client, announcer, lastErr := h.mqtt, h.announcer, h.mqttErr
	h.mu.Unlock()

	switch {
	case h.publisher == nil && !h.cfg.MQTT.Enabled:
		it.State = IntegrationDisabled
	case !active:
		it.State = IntegrationStopped
	case client != nil:
		health := client.Health()
		if !health.Connected {
			it.State = IntegrationDown
			if health.LastLoss != nil {
				it.Detail = health.LastLoss.Error()
			}
			break
		}
		it.State = IntegrationOK
		it.Detail = fmt.Sprintf("%d subscriptions, %d sessions, %d messages",
			len(health.Subscriptions), health.Sessions, health.Delivered)
	case announcer != nil:
		it.State = IntegrationOK
	default:
		it.State = IntegrationConnecting
		if lastErr != nil {
			it.Detail = lastErr.Error()
		}
	}
	return it
}

func (h *Host) influxHealth(ctx context.Context) Integration {
	it := Integration{Name: sinkInfluxDB}

	h.mu.Lock()
	active := h.started && !h.stopped
	client, lastErr := h.influx, h.influxErr
	h.mu.Unlock()

	switch {
	case !h.cfg.InfluxDB.Enabled:
		it.State = IntegrationDisabled
	case !active:
		it.State = IntegrationStopped
	case client != nil:
		health := client.Health(ctx)
		if !health.Reachable {
			it.State = IntegrationDown
			it.Detail = health.PingError.Error()
			break
		}
		it.State = IntegrationOK
		it.Detail = fmt.Sprintf("%d points queued, %d batches rejected", health.Queued, health.Rejected)
		if health.LastRejection != nil {
			it.Detail += ": " + health.LastRejection.Error()
		}
	case lastErr != nil:
		it.State = IntegrationDown
		it.Detail = lastErr.Error()
	default:
		it.State = IntegrationConnecting
	}
	return it
}
