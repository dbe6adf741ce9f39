package grpc

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	ggrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

const healthCheckMethod = "/grpc.health.v1.Health/Check"

func TestServer_TracingFollowsConfig(t *testing.T) {
	tests := []struct {
		name      string
		tracing   bool
		wantSpans int
		wait      time.Duration
	}{
		{name: "enabled", tracing: true, wantSpans: 1, wait: 2 * time.Second},
		{name: "disabled", tracing: false, wantSpans: 0, wait: 200 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := installRecorder(t)

			cfg := DefaultConfig()
			cfg.Address = "127.0.0.1:0"
			cfg.EnableTracing = tt.tracing
			srv, err := New(cfg, nil)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if err := srv.Start(); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			t.Cleanup(func() {
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				_ = srv.Stop(ctx)
			})

			checkHealth(t, srv.Address())

			spans := endedSpans(recorder, 1, tt.wait)
			if tt.wantSpans == 0 {
				if len(spans) != 0 {
					t.Fatalf("expected no spans, got %d", len(spans))
				}
				return
			}

			var check sdktrace.ReadOnlySpan
			for _, s := range spans {
				if s.Name() == healthCheckMethod {
					check = s
				}
			}
			if check == nil {
				t.Fatalf("no %s span among %d spans", healthCheckMethod, len(spans))
			}
			attrs := attribute.NewSet(check.Attributes()...)
			if v, _ := attrs.Value("rpc.service"); v.AsString() != "grpc.health.v1.Health" {
				t.Errorf("rpc.service = %q", v.AsString())
			}
			if v, _ := attrs.Value("rpc.method"); v.AsString() != "Check" {
				t.Errorf("rpc.method = %q", v.AsString())
			}
		})
	}
}

func checkHealth(t *testing.T, addr string) {
	t.Helper()
	conn, err := ggrpc.NewClient(addr, ggrpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{}); err != nil {
		t.Fatalf("health check error = %v", err)
	}
}

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	prevProvider, prevPropagator := otel.GetTracerProvider(), otel.GetTextMapPropagator()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})
	return recorder
}

func endedSpans(recorder *tracetest.SpanRecorder, want int, timeout time.Duration) []sdktrace.ReadOnlySpan {
	deadline := time.Now().Add(timeout)
	for {
		spans := recorder.Ended()
		if len(spans) >= want || time.Now().After(deadline) {
			return spans
		}
		time.Sleep(10 * time.Millisecond)
	}
}
