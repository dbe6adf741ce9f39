package grpc

import (
	"context"
	"reflect"
	"testing"

	"google.golang.org/grpc/health/grpc_health_v1"
)

func healthStatus(t *testing.T, h *HealthServer, service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := h.GetServer().Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q) error = %v", service, err)
	}
	return resp.GetStatus()
}

func TestHealthServer_OverallFollowsServices(t *testing.T) {
	const (
		hub    = "wheelsort.emc.v1.EventHub"
		router = "wheelsort.v1.Router"
	)
	serving := grpc_health_v1.HealthCheckResponse_SERVING
	notServing := grpc_health_v1.HealthCheckResponse_NOT_SERVING

	h := NewHealthServer(hub, router)
	if got := healthStatus(t, h, ""); got != notServing {
		t.Fatalf("overall before start = %v, want NOT_SERVING", got)
	}

	h.SetServingStatusAll(serving)
	for _, service := range []string{"", hub, router} {
		if got := healthStatus(t, h, service); got != serving {
			t.Fatalf("%q = %v, want SERVING", service, got)
		}
	}

	h.SetServingStatus(hub, notServing)
	if got := healthStatus(t, h, ""); got != notServing {
		t.Fatalf("overall with hub down = %v, want NOT_SERVING", got)
	}
	if got := healthStatus(t, h, router); got != serving {
		t.Fatalf("router = %v, want SERVING", got)
	}
	if got := h.Degraded(); !reflect.DeepEqual(got, []string{hub}) {
		t.Fatalf("Degraded() = %v", got)
	}

	h.SetServingStatus(hub, serving)
	if got := healthStatus(t, h, ""); got != serving {
		t.Fatalf("overall after recovery = %v, want SERVING", got)
	}
	if got := h.Degraded(); len(got) != 0 {
		t.Fatalf("Degraded() = %v, want none", got)
	}
}

func TestHealthServer_ShutdownAndResume(t *testing.T) {
	const hub = "wheelsort.emc.v1.EventHub"
	h := NewHealthServer(hub)
	h.SetServingStatusAll(grpc_health_v1.HealthCheckResponse_SERVING)
	h.SetServingStatus(hub, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	h.Shutdown()
	h.SetServingStatus(hub, grpc_health_v1.HealthCheckResponse_SERVING)
	if got := healthStatus(t, h, hub); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("after Shutdown = %v, want NOT_SERVING", got)
	}

	h.Resume()
	if got := healthStatus(t, h, hub); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("after Resume = %v, want last recorded SERVING", got)
	}
	if got := healthStatus(t, h, ""); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("overall after Resume = %v, want SERVING", got)
	}
}
