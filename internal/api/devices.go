package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/dsuid"
)

// SetPropertyRequest is the body of a property update.
type SetPropertyRequest struct {
	// Value is a JSON scalar; null clears the property.
	Value any `json:"value"`
}

// handleListDevices returns the devices of every vDC.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices, err := s.host.ListDevices(dsuid.Zero)
	if err != nil {
		writeHostError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns one device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDsuid(w, chi.URLParam(r, "dsuid"))
	if !ok {
		return
	}
	d, err := s.host.GetDevice(id)
	if err != nil {
		writeHostError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleRemoveDevice removes one device.
func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDsuid(w, chi.URLParam(r, "dsuid"))
	if !ok {
		return
	}
	if err := s.host.RemoveDevice(id); err != nil {
		writeHostError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSetProperty sets one device property and returns the applied change.
func (s *Server) handleSetProperty(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDsuid(w, chi.URLParam(r, "dsuid"))
	if !ok {
		return
	}

	var req SetPropertyRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	change, err := s.host.UpdateDeviceProperty(id, chi.URLParam(r, "key"), req.Value)
	if err != nil {
		writeHostError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}
