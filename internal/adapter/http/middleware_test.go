package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestCORSSetsHeaders verifies the allow headers on a normal request.
func TestCORSSetsHeaders(t *testing.T) {
	t.Parallel()

	handler := CORS("http://localhost:5173")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("allow origin = %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

// TestCORSShortCircuitsPreflight verifies OPTIONS never reaches the handler.
func TestCORSShortCircuitsPreflight(t *testing.T) {
	t.Parallel()

	reached := false
	handler := CORS("*")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/sessions", nil))

	if reached {
		t.Error("preflight reached the inner handler")
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}

// TestLoggerPreservesStatus verifies the wrapped writer records the handler
// status without altering the response.
func TestLoggerPreservesStatus(t *testing.T) {
	t.Parallel()

	handler := Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rec.Code)
	}
}

// TestResponseWriterFlushPassthrough verifies Flush on a non-flushing
// upstream does not panic.
func TestResponseWriterFlushPassthrough(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	rw.Flush()

	if _, _, err := rw.Hijack(); err == nil {
		t.Error("expected Hijack error on a recorder")
	}
}
