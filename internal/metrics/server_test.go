package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestServerHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New()
	m.IntentsEnqueuedTotal.Inc()

	s := NewServer(m, "", "", []string{"192.168.1.0/24"}, logger)
	h := s.Handler()

	tests := []struct {
		name       string
		path       string
		remoteAddr string
		wantStatus int
	}{
		{name: "allowed client", path: "/metrics", remoteAddr: "192.168.1.10:1234", wantStatus: http.StatusOK},
		{name: "denied client", path: "/metrics", remoteAddr: "10.0.0.1:1234", wantStatus: http.StatusForbidden},
		{name: "health is not filtered", path: "/health", remoteAddr: "10.0.0.1:1234", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			req.RemoteAddr = tt.remoteAddr
			rec := httptest.NewRecorder()

			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.RemoteAddr = "192.168.1.10:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), "listsync_intents_enqueued_total 1") {
		t.Error("expected enqueued counter in metrics output")
	}
}

func TestServerDefaults(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(New(), "", "", nil, logger)
	if s.addr != ":9090" || s.path != "/metrics" {
		t.Errorf("unexpected defaults: addr=%s path=%s", s.addr, s.path)
	}
	if s.filter.Enabled() {
		t.Error("filter should be disabled without allowed IPs")
	}
}
