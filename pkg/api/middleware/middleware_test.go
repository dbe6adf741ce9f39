package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/wheelsort/wheelsort/config"
	"github.com/wheelsort/wheelsort/pkg/api/response"
	"github.com/wheelsort/wheelsort/pkg/logger"
)

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	t.Run("generates", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if len(seen) != 36 {
			t.Errorf("expected uuid request id, got %q", seen)
		}
		if w.Header().Get(RequestIDHeader) != seen {
			t.Errorf("expected header %q, got %q", seen, w.Header().Get(RequestIDHeader))
		}
	})

	t.Run("propagates", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "plc-42")
		handler.ServeHTTP(httptest.NewRecorder(), req)
		if seen != "plc-42" {
			t.Errorf("expected plc-42, got %q", seen)
		}
	})

	t.Run("replaces oversized", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, strings.Repeat("x", 200))
		handler.ServeHTTP(httptest.NewRecorder(), req)
		if len(seen) != 36 {
			t.Errorf("expected a generated id, got %d chars", len(seen))
		}
	})

	if GetRequestID(context.Background()) != "" {
		t.Error("expected empty id without middleware")
	}
}

func TestRecovery(t *testing.T) {
	handler := RequestID()(Recovery(logger.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("diverter table corrupted")
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-9")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", w.Code)
	}
	var resp response.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.Error.RequestID != "req-9" {
		t.Errorf("expected request id req-9, got %q", resp.Error.RequestID)
	}
	if strings.Contains(resp.Error.Message, "corrupted") {
		t.Error("panic value leaked to the client")
	}
}

func TestRecovery_AbortHandlerRepanics(t *testing.T) {
	handler := Recovery(logger.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if recover() != http.ErrAbortHandler {
			t.Error("expected ErrAbortHandler to propagate")
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestLogger_PassesThrough(t *testing.T) {
	handler := Logger(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusTeapot {
		t.Errorf("expected 418, got %d", w.Code)
	}
}

func TestTimeout(t *testing.T) {
	t.Run("handler honours deadline", func(t *testing.T) {
		handler := Timeout(20 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Code != http.StatusGatewayTimeout {
			t.Errorf("expected 504, got %d", w.Code)
		}
	})

	t.Run("written response is kept", func(t *testing.T) {
		handler := Timeout(20 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", w.Code)
		}
	})

	t.Run("fast handler", func(t *testing.T) {
		w := httptest.NewRecorder()
		Timeout(time.Second)(http.HandlerFunc(okHandler)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Code != http.StatusOK || w.Body.String() != "OK" {
			t.Errorf("unexpected response %d %q", w.Code, w.Body.String())
		}
	})

	t.Run("disabled", func(t *testing.T) {
		var hasDeadline bool
		Timeout(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, hasDeadline = r.Context().Deadline()
		})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		if hasDeadline {
			t.Error("expected no deadline with a zero timeout")
		}
	})
}

func TestCORS(t *testing.T) {
	cfg := &config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://hmi.plant.local"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         600,
	}
	handler := CORS(cfg)(http.HandlerFunc(okHandler))

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/queues", nil)
		req.Header.Set("Origin", "https://hmi.plant.local")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Header().Get("Access-Control-Allow-Origin") != "https://hmi.plant.local" {
			t.Errorf("missing allow origin header")
		}
		if w.Header().Get("Access-Control-Max-Age") != "600" {
			t.Errorf("expected max age 600, got %q", w.Header().Get("Access-Control-Max-Age"))
		}
	})

	t.Run("foreign origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.example")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Error("foreign origin must not be allowed")
		}
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		req.Header.Set("Origin", "https://hmi.plant.local")
		req.Header.Set("Access-Control-Request-Method", "POST")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusNoContent {
			t.Errorf("expected 204, got %d", w.Code)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://hmi.plant.local")
		w := httptest.NewRecorder()
		CORS(&config.CORSConfig{})(http.HandlerFunc(okHandler)).ServeHTTP(w, req)
		if w.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Error("disabled CORS must not set headers")
		}
	})
}

type recordedRequest struct {
	method, path, status string
	traced               bool
}

type mockMetricsRecorder struct {
	mu       sync.Mutex
	requests []recordedRequest
	active   int
}

func (m *mockMetricsRecorder) RecordHTTPRequest(method, path, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, recordedRequest{method: method, path: path, status: status})
}

func (m *mockMetricsRecorder) IncActiveConnections() { m.mu.Lock(); m.active++; m.mu.Unlock() }
func (m *mockMetricsRecorder) DecActiveConnections() { m.mu.Lock(); m.active--; m.mu.Unlock() }

type contextMockRecorder struct {
	mockMetricsRecorder
}

func (m *contextMockRecorder) RecordHTTPRequestWithContext(ctx context.Context, method, path, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, recordedRequest{
		method: method, path: path, status: status,
		traced: trace.SpanContextFromContext(ctx).IsValid(),
	})
}

func TestMetrics_UsesRoutePattern(t *testing.T) {
	rec := &mockMetricsRecorder{}
	r := chi.NewRouter()
	r.Use(Metrics(rec))
	r.Delete("/api/v1/parcels/{id}", okHandler)
	r.Get("/metrics", okHandler)

	for _, target := range []string{"/api/v1/parcels/17", "/api/v1/parcels/18", "/metrics"} {
		method := http.MethodDelete
		if target == "/metrics" {
			method = http.MethodGet
		}
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(method, target, nil))
	}

	if len(rec.requests) != 2 {
		t.Fatalf("expected 2 recorded requests, got %d", len(rec.requests))
	}
	for _, got := range rec.requests {
		if got.path != "/api/v1/parcels/{id}" || got.status != "200" {
			t.Errorf("unexpected record %+v", got)
		}
	}
	if rec.active != 0 {
		t.Errorf("expected no active connections, got %d", rec.active)
	}
}

func TestMetrics_RecordsPanics(t *testing.T) {
	rec := &mockMetricsRecorder{}
	handler := Recovery(logger.NewNop())(Metrics(rec)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/parcels", nil))

	if len(rec.requests) != 1 || rec.requests[0].status != "500" {
		t.Fatalf("expected a 500 record, got %+v", rec.requests)
	}
}

func TestMetrics_PrefersContextRecorder(t *testing.T) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(tracetest.NewInMemoryExporter())))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	rec := &contextMockRecorder{}
	handler := Tracing(TracingOptions{})(Metrics(rec)(http.HandlerFunc(okHandler)))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/queues", nil))

	if len(rec.requests) != 1 || !rec.requests[0].traced {
		t.Fatalf("expected one traced record, got %+v", rec.requests)
	}
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/api/v1/parcels/123/lost":                             "/api/v1/parcels/:id/lost",
		"/api/v1/emc/4/reset":                                  "/api/v1/emc/:id/reset",
		"/api/v1/x/550e8400-e29b-41d4-a716-446655440000":       "/api/v1/x/:id",
		"/api/v1/routes/C12":                                   "/api/v1/routes/C12",
	}
	for in, want := range tests {
		if got := normalizePath(in); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTracing(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	r := chi.NewRouter()
	r.Use(RequestID())
	r.Use(Tracing(DefaultTracingOptions()))
	r.Get("/health", okHandler)
	r.Post("/api/v1/emc/{card}/reset", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/emc/3/reset", nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "HTTP POST /api/v1/emc/{card}/reset" {
		t.Errorf("unexpected span name %q", span.Name)
	}
	if span.Status.Code != otelcodes.Error {
		t.Errorf("expected error status, got %v", span.Status.Code)
	}
}

func TestStatusWriter_AllowsWebSocketUpgrade(t *testing.T) {
	upgrader := websocket.Upgrader{}
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte("hello"))
		_ = conn.Close()
	})
	outer := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Logger(logger.NewNop())(Metrics(&mockMetricsRecorder{})(inner)).ServeHTTP(w, r)
	})

	srv := httptest.NewServer(outer)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	_, msg, err := conn.ReadMessage()
	if err != nil || string(msg) != "hello" {
		t.Fatalf("unexpected read %q %v", msg, err)
	}
}
