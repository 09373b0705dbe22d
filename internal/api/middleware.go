package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/metrics"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/vdc"
)

const (
	requestIDHeader = "X-Request-ID"

	// maxRequestIDLength caps client-supplied request IDs before they
	// reach the logs.
	maxRequestIDLength = 128

	// maxRequestBodySize leaves room for a device spec at the registry's
	// size limit plus JSON framing.
	maxRequestBodySize = 2 * vdc.MaxDeviceSize

	// unmatchedRoute labels requests no route matched.
	unmatchedRoute = "unmatched"
)

type requestIDKey struct{}

// requestID returns the ID observe assigned to the request.
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// observe tags each request with an ID, caps its body, and after the
// handler returns logs it and records it in the request metrics under its
// route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		}

		rw := &responseRecorder{ResponseWriter: w}
		start := time.Now()
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))
		next.ServeHTTP(rw, r)
		took := time.Since(start)

		route := routePattern(r)
		metrics.ObserveAPIRequest(route, r.Method, rw.code(), took)
		s.logger.Debug("http request",
			"method", r.Method,
			"route", route,
			"path", r.URL.Path,
			"status", rw.code(),
			"duration_ms", took.Milliseconds(),
			"request_id", id,
		)
	})
}

// routePattern is filled in by chi while the request is routed.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil || rctx.RoutePattern() == "" {
		return unmatchedRoute
	}
	return rctx.RoutePattern()
}

// recoverPanics answers 500 for a handler that panicked, unless the
// handler had already started the response.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if p == http.ErrAbortHandler { //nolint:errorlint // Sentinel panic value
				panic(p)
			}
			s.logger.Error("panic in admin handler",
				"panic", fmt.Sprint(p),
				"method", r.Method,
				"route", routePattern(r),
				"request_id", requestID(r.Context()),
			)
			if rw, ok := w.(*responseRecorder); ok && rw.status != 0 {
				return
			}
			writeInternalError(w, "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

// responseRecorder remembers the status a handler wrote.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (w *responseRecorder) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *responseRecorder) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}
