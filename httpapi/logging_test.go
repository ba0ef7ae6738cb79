package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestLoggingKeepsClientRequestID(t *testing.T) {
	h := withRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/turns", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get(requestIDHeader); got != "abc-123" {
		t.Fatalf("expected client request id, got %q", got)
	}
	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected status to pass through, got %d", rec.Code)
	}
}

func TestRequestLoggingReplacesOversizedRequestID(t *testing.T) {
	h := withRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, strings.Repeat("x", maxRequestIDLen+1))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	got := rec.Header().Get(requestIDHeader)
	if got == "" || len(got) > maxRequestIDLen {
		t.Fatalf("expected generated request id, got %q", got)
	}
}

func TestStatusWriterForwardsFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}
	if _, err := sw.Write([]byte("data: x\n\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	sw.Flush()
	if !rec.Flushed {
		t.Fatalf("expected flush to reach the underlying writer")
	}
	if sw.status != http.StatusOK || sw.bytes != 9 {
		t.Fatalf("unexpected status/bytes: %d/%d", sw.status, sw.bytes)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:4242"
	if got := clientIP(req); got != "10.0.0.5" {
		t.Fatalf("expected host without port, got %q", got)
	}
	req.Header.Set("X-Forwarded-For", "192.0.2.1, 10.0.0.5")
	if got := clientIP(req); got != "192.0.2.1" {
		t.Fatalf("expected first forwarded address, got %q", got)
	}
}
