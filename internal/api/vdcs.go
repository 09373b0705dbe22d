package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/vdc"
)

// handleListContainers returns every vDC in creation order.
func (s *Server) handleListContainers(w http.ResponseWriter, _ *http.Request) {
	containers := s.host.GetAllContainers()
	writeJSON(w, http.StatusOK, map[string]any{"vdcs": containers, "count": len(containers)})
}

// handleCreateContainer creates a vDC from a vdc.ContainerSpec body.
func (s *Server) handleCreateContainer(w http.ResponseWriter, r *http.Request) {
	var spec vdc.ContainerSpec
	if err := decodeJSON(r.Body, &spec); err != nil {
		writeDecodeError(w, err)
		return
	}

	c, err := s.host.CreateContainer(spec)
	if err != nil {
		writeHostError(w, err)
		return
	}
	s.logger.Info("vdc created via API", "dsuid", c.Dsuid, "name", c.Name)
	writeJSON(w, http.StatusCreated, c)
}

// handleGetContainer returns one vDC.
func (s *Server) handleGetContainer(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDsuid(w, chi.URLParam(r, "dsuid"))
	if !ok {
		return
	}
	c, err := s.host.GetContainer(id)
	if err != nil {
		writeHostError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleRemoveContainer removes a vDC and its devices.
func (s *Server) handleRemoveContainer(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDsuid(w, chi.URLParam(r, "dsuid"))
	if !ok {
		return
	}
	if err := s.host.RemoveContainer(id); err != nil {
		writeHostError(w, err)
		return
	}
	s.logger.Info("vdc removed via API", "dsuid", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleListContainerDevices returns the devices of one vDC.
func (s *Server) handleListContainerDevices(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDsuid(w, chi.URLParam(r, "dsuid"))
	if !ok {
		return
	}
	devices, err := s.host.ListDevices(id)
	if err != nil {
		writeHostError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleAddDevice adds a device from a vdc.DeviceSpec body.
func (s *Server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDsuid(w, chi.URLParam(r, "dsuid"))
	if !ok {
		return
	}

	var spec vdc.DeviceSpec
	if err := decodeJSON(r.Body, &spec); err != nil {
		writeDecodeError(w, err)
		return
	}

	d, err := s.host.AddDevice(id, spec)
	if err != nil {
		writeHostError(w, err)
		return
	}
	s.logger.Info("device added via API", "dsuid", d.Dsuid, "vdc", id, "name", d.Name)
	writeJSON(w, http.StatusCreated, d)
}
