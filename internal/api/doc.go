// Package api implements the admin HTTP API of the vDC host.
//
// This package provides:
//   - REST endpoints to list, create and remove vDCs and their devices
//   - Device property updates, applied through the host facade
//   - Health and status endpoints that include the store, MQTT and
//     InfluxDB integrations, plus live session listing
//   - Prometheus metrics at /metrics, including per-route request latency
//   - Request IDs, access logging, panic recovery and a body size cap
//
// # Routes
//
//	GET    /health
//	GET    /metrics
//	GET    /api/v1/status
//	GET    /api/v1/sessions
//	GET    /api/v1/vdcs
//	POST   /api/v1/vdcs
//	GET    /api/v1/vdcs/{dsuid}
//	DELETE /api/v1/vdcs/{dsuid}
//	GET    /api/v1/vdcs/{dsuid}/devices
//	POST   /api/v1/vdcs/{dsuid}/devices
//	GET    /api/v1/devices
//	GET    /api/v1/devices/{dsuid}
//	DELETE /api/v1/devices/{dsuid}
//	PUT    /api/v1/devices/{dsuid}/properties/{key}
//
// Request bodies are strict JSON: unknown fields are rejected. Bodies
// above twice the registry's device size limit are answered with 413.
//
// The API is meant for a trusted network and has no authentication.
package api
