package metrics

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"
)

func sampledSpan() trace.SpanContext {
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0xa1, 0xb2, 0xc3, 0xd4, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x01},
		SpanID:     trace.SpanID{0, 0, 0, 0, 0, 0, 0, 0x2a},
		TraceFlags: trace.FlagsSampled,
	})
}

func TestTraceExemplarLabels(t *testing.T) {
	sc := sampledSpan()
	tests := []struct {
		name string
		ctx  context.Context
		want map[string]string
	}{
		{"no span", context.Background(), nil},
		{"zero ids", trace.ContextWithSpanContext(context.Background(), trace.SpanContext{}), nil},
		{
			"sampled span",
			trace.ContextWithSpanContext(context.Background(), sc),
			map[string]string{"trace_id": sc.TraceID().String(), "span_id": sc.SpanID().String()},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			labels, ok := traceExemplarLabels(tt.ctx)
			if ok != (tt.want != nil) {
				t.Fatalf("ok = %v, labels = %v", ok, labels)
			}
			for k, v := range tt.want {
				if labels[k] != v {
					t.Errorf("%s = %q, want %q", k, labels[k], v)
				}
			}
		})
	}
}

// routeExemplar returns the trace id attached to the route endpoint's
// duration histogram, or "" when no bucket carries one.
func routeExemplar(t *testing.T, m *Manager) string {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "http_request_duration_seconds" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, bucket := range metric.GetHistogram().GetBucket() {
				for _, lp := range bucket.GetExemplar().GetLabel() {
					if lp.GetName() == "trace_id" {
						return lp.GetValue()
					}
				}
			}
		}
	}
	return ""
}

func TestRecordHTTPRequestWithContext_RouteExemplar(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.RecordHTTPRequestWithContext(context.Background(), "POST", "/api/v1/parcels", "200", 2*time.Millisecond)
	if got := routeExemplar(t, m); got != "" {
		t.Fatalf("untraced request left exemplar %q", got)
	}

	sc := sampledSpan()
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	m.RecordHTTPRequestWithContext(ctx, "POST", "/api/v1/parcels", "200", 3*time.Millisecond)
	if got := routeExemplar(t, m); got != sc.TraceID().String() {
		t.Fatalf("exemplar trace_id = %q, want %q", got, sc.TraceID().String())
	}
}
