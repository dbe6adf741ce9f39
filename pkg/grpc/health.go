package grpc

import (
	"sort"
	"sync"

	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer publishes grpc.health.v1 status for each registered service
// and for the server as a whole (the empty service name). The overall
// status is SERVING only while every tracked service is SERVING.
type HealthServer struct {
	mu       sync.Mutex
	server   *health.Server
	services map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
	overall  grpc_health_v1.HealthCheckResponse_ServingStatus
}

// NewHealthServer tracks services, each starting NOT_SERVING.
func NewHealthServer(services ...string) *HealthServer {
	h := &HealthServer{
		server:   health.NewServer(),
		services: make(map[string]grpc_health_v1.HealthCheckResponse_ServingStatus, len(services)),
		overall:  grpc_health_v1.HealthCheckResponse_NOT_SERVING,
	}
	for _, name := range services {
		h.services[name] = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	h.publishLocked()
	return h
}

// SetServingStatus updates one service. Unknown names start being tracked.
func (h *HealthServer) SetServingStatus(service string, status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if service == "" {
		h.overall = status
	} else {
		h.services[service] = status
	}
	h.publishLocked()
}

// SetServingStatusAll sets every tracked service and the server itself.
func (h *HealthServer) SetServingStatusAll(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.overall = status
	for name := range h.services {
		h.services[name] = status
	}
	h.publishLocked()
}

func (h *HealthServer) publishLocked() {
	overall := h.overall
	for name, status := range h.services {
		h.server.SetServingStatus(name, status)
		if status != grpc_health_v1.HealthCheckResponse_SERVING {
			overall = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
	}
	h.server.SetServingStatus("", overall)
}

// Degraded lists the tracked services that are not SERVING, sorted.
func (h *HealthServer) Degraded() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for name, status := range h.services {
		if status != grpc_health_v1.HealthCheckResponse_SERVING {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Shutdown marks everything NOT_SERVING and ignores later updates until
// Resume.
func (h *HealthServer) Shutdown() {
	h.server.Shutdown()
}

// Resume republishes the last recorded statuses.
func (h *HealthServer) Resume() {
	h.server.Resume()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publishLocked()
}

func (h *HealthServer) GetServer() *health.Server {
	return h.server
}
