package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"vodforge/internal/api"
	"vodforge/internal/assetstore"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewStorage(filepath.Join(dir, "store.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	files, err := assetstore.NewFileStore(filepath.Join(dir, "media"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	handler := api.NewHandler(store, files)
	srv, err := New(handler, Config{Addr: "127.0.0.1:0", Metrics: metrics.New()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("health payload = %v", payload)
	}
}

func TestMetricsEndpointExposesCollectors(t *testing.T) {
	srv := newTestServer(t)

	// Drive one request through the chain so counters have samples.
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/assets", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("assets status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "vodforge_http_requests_total") {
		t.Fatalf("metrics output missing request counter:\n%s", rr.Body.String())
	}
}

func TestRequestIDHeaderIsEchoedAndGenerated(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-supplied")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Request-Id"); got != "req-supplied" {
		t.Fatalf("request id = %q, want req-supplied", got)
	}

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Header().Get("X-Request-Id") == "" {
		t.Fatalf("generated request id missing")
	}
}

func TestSecurityHeaders(t *testing.T) {
	srv := newTestServer(t)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if got := rr.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q", got)
	}
	if got := rr.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options = %q", got)
	}
}

func TestAssetIDFromPath(t *testing.T) {
	cases := map[string]string{
		"/api/assets/abc123":       "abc123",
		"/api/assets/abc123/retry": "abc123",
		"/api/assets/":             "",
		"/api/queue/abc123":        "",
		"/healthz":                 "",
	}
	for path, want := range cases {
		if got := assetIDFromPath(path); got != want {
			t.Fatalf("assetIDFromPath(%s) = %q, want %q", path, got, want)
		}
	}
}
