package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/dsuid"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/host"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/vdc"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeConflict    = "conflict"
	ErrCodeInternal    = "internal_error"
	ErrCodeValidation  = "validation_error"
	ErrCodeUnavailable = "unavailable"
	ErrCodeTooLarge    = "too_large"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeHostError maps a host or registry error onto an HTTP response.
func writeHostError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vdc.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, vdc.ErrDuplicateID):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, vdc.ErrInvalidSpec), errors.Is(err, vdc.ErrInvalidProperty):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, host.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	default:
		writeInternalError(w, "internal server error")
	}
}

// decodeJSON decodes exactly one JSON value from r into v, rejecting
// unknown fields.
func decodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid JSON body: trailing data")
	}
	return nil
}

// writeDecodeError answers a body decodeJSON rejected: 413 when the body
// hit the size cap, 400 otherwise.
func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge,
			fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	writeBadRequest(w, err.Error())
}

// parseDsuid reads a dSUID path parameter.
func parseDsuid(w http.ResponseWriter, raw string) (dsuid.DSUID, bool) {
	id, err := dsuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		writeBadRequest(w, err.Error())
		return dsuid.Zero, false
	}
	return id, true
}
