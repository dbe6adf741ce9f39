package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wheelsort/wheelsort/config"
	"github.com/wheelsort/wheelsort/pkg/api/handlers"
	"github.com/wheelsort/wheelsort/pkg/api/middleware"
	"github.com/wheelsort/wheelsort/pkg/api/response"
	"github.com/wheelsort/wheelsort/pkg/logger"
	"github.com/wheelsort/wheelsort/pkg/topology/memory"
)

func testHandlers() *Handlers {
	return &Handlers{
		Health: handlers.NewHealthHandler(),
		Routes: handlers.NewRouteHandler(memory.New(), nil),
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics\n"))
		}),
	}
}

func TestNewRouter_Routes(t *testing.T) {
	cfg := config.DefaultConfig()
	r := NewRouter(cfg, logger.NewNop(), testHandlers())

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/ready", http.StatusOK},
		{http.MethodGet, "/status", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/api/v1/routes", http.StatusOK},
		{http.MethodGet, "/api/v1/routes/C1", http.StatusNotFound},
		{http.MethodPost, "/health", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/parcels", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			if w.Header().Get(middleware.RequestIDHeader) == "" {
				t.Error("missing request id header")
			}
		})
	}
}

func TestNewRouter_JSONErrors(t *testing.T) {
	r := NewRouter(config.DefaultConfig(), nil, testHandlers())
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	req.Header.Set(middleware.RequestIDHeader, "abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp response.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("expected JSON body: %v", err)
	}
	if resp.Error.Code != response.ErrCodeNotFound || resp.Error.RequestID != "abc" {
		t.Errorf("unexpected error body %+v", resp)
	}
}

func TestNewRouter_CustomMetricsPath(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Metrics.Path = "/internal/metrics"
	r := NewRouter(cfg, nil, testHandlers())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/internal/metrics", nil))
	if w.Code != http.StatusOK || !strings.HasPrefix(w.Body.String(), "# metrics") {
		t.Errorf("unexpected scrape response %d %q", w.Code, w.Body.String())
	}
}

func TestHTTPServer_ServeAndShutdown(t *testing.T) {
	cfg := config.DefaultConfig()
	srv := NewHTTPServer(cfg, nil, testHandlers())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if srv.Addr() == nil || srv.Addr().String() != l.Addr().String() {
		t.Errorf("unexpected Addr %v", srv.Addr())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
