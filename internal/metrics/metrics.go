// Package metrics defines the Prometheus collectors of the vDC host.
//
// Collectors are registered with the default registry on import and are
// served by the admin API at /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vdchost"

var (
	// SessionsActive is the number of protocol sessions not yet closed.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "sessions_active",
			Help:      "Protocol sessions currently open",
		},
	)

	// SessionsTotal counts accepted connections.
	SessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "sessions_total",
			Help:      "Protocol connections accepted",
		},
	)

	// FramesTotal counts frames by direction (in, out) and message type.
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "frames_total",
			Help:      "Protocol frames read and written",
		},
		[]string{"direction", "type"},
	)

	// ErrorsTotal counts Error frames sent, by error code.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "errors_total",
			Help:      "Error frames sent to peers",
		},
		[]string{"code"},
	)

	// NotificationsDropped counts property changes a slow subscriber lost.
	NotificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "notifications_dropped_total",
			Help:      "Property change notifications dropped for slow subscribers",
		},
	)

	// RegistryObjects is the number of registered vDCs and devices.
	RegistryObjects = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "objects",
			Help:      "Registered objects by kind (vdc, device)",
		},
		[]string{"kind"},
	)

	// SaveDuration tracks snapshot saves, labelled by result (ok, error).
	SaveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "save_duration_seconds",
			Help:      "Time spent saving registry snapshots",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	// SinkEventsTotal counts property changes handed to the announcement
	// and history sinks, by sink and result.
	SinkEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sinks",
			Name:      "events_total",
			Help:      "Property changes forwarded to sinks",
		},
		[]string{"sink", "result"},
	)

	// APIRequestDuration tracks admin API requests by route pattern,
	// method and status code.
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Admin API request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method", "code"},
	)
)

// ObserveSave records one persistence attempt.
func ObserveSave(err error, took time.Duration) {
	SaveDuration.WithLabelValues(result(err)).Observe(took.Seconds())
}

// SetRegistryObjects records the registry size.
func SetRegistryObjects(vdcs, devices int) {
	RegistryObjects.WithLabelValues("vdc").Set(float64(vdcs))
	RegistryObjects.WithLabelValues("device").Set(float64(devices))
}

// ObserveSink records one sink delivery.
func ObserveSink(sink string, err error) {
	SinkEventsTotal.WithLabelValues(sink, result(err)).Inc()
}

// ObserveAPIRequest records one admin API request. route is the router
// pattern, not the raw path, so dSUIDs do not multiply the series.
func ObserveAPIRequest(route, method string, status int, took time.Duration) {
	APIRequestDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(took.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
