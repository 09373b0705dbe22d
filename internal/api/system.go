package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/dsuid"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/host"
)

// HealthResponse is returned by the health endpoints.
type HealthResponse struct {
	Status    host.Status `json:"status"`
	HostDsuid dsuid.DSUID `json:"host_dsuid,omitzero"`
	Sessions  int         `json:"sessions"`
	Version   string      `json:"version"`
	Error     string      `json:"error,omitempty"`

	// Integrations maps each integration name to its state.
	Integrations map[string]string `json:"integrations,omitempty"`
}

// StatusResponse is the system status snapshot.
type StatusResponse struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Host          HealthResponse `json:"host"`
	Registry      RegistryStatus `json:"registry"`
	Runtime       RuntimeStatus  `json:"runtime"`

	Integrations []host.Integration     `json:"integrations"`
	Persistence  host.PersistenceStats `json:"persistence"`
}

// RegistryStatus counts registered objects.
type RegistryStatus struct {
	VDCs    int `json:"vdcs"`
	Devices int `json:"devices"`
}

// RuntimeStatus contains Go runtime statistics.
type RuntimeStatus struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	NumGC         uint32  `json:"num_gc"`
}

const (
	// bytesPerMB converts byte counts for RuntimeStatus.
	bytesPerMB = 1024 * 1024

	// integrationCheckTimeout bounds the store check and the InfluxDB ping
	// made for one request.
	integrationCheckTimeout = 3 * time.Second
)

func (s *Server) integrations(ctx context.Context) []host.Integration {
	ctx, cancel := context.WithTimeout(ctx, integrationCheckTimeout)
	defer cancel()
	return s.host.Integrations(ctx)
}

func (s *Server) health(integrations []host.Integration) HealthResponse {
	status, cause := s.host.Status()
	resp := HealthResponse{
		Status:    status,
		HostDsuid: s.host.HostDsuid(),
		Sessions:  s.host.SessionCount(),
		Version:   s.version,
	}
	if cause != nil {
		resp.Error = cause.Error()
	}
	if len(integrations) > 0 {
		resp.Integrations = make(map[string]string, len(integrations))
		for _, it := range integrations {
			resp.Integrations[it.Name] = it.State
		}
	}
	return resp
}

// handleHealth reports the host status and the state of each integration.
// A degraded host or a failing integration still answers 200 because the
// registry is usable; a stopped host answers 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := s.health(s.integrations(r.Context()))
	code := http.StatusOK
	if resp.Status == host.StatusStopped {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// handleStatus returns host, registry, integration, persistence and
// runtime figures.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	devices, err := s.host.ListDevices(dsuid.Zero)
	if err != nil {
		writeHostError(w, err)
		return
	}

	integrations := s.integrations(r.Context())
	writeJSON(w, http.StatusOK, StatusResponse{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Host:          s.health(integrations),
		Registry: RegistryStatus{
			VDCs:    len(s.host.GetAllContainers()),
			Devices: len(devices),
		},
		Runtime: RuntimeStatus{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(mem.Alloc) / bytesPerMB,
			NumGC:         mem.NumGC,
		},
		Integrations: integrations,
		Persistence:  s.host.Persistence(),
	})
}

// handleSessions lists the live protocol sessions.
func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.host.Sessions()
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}
