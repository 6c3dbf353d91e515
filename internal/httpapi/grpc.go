package httpapi

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"dexhub.org/internal/obs"
)

// NewGRPCServer builds a gRPC server exposing the standard health service.
// Orchestrators probe it; the HTTP surface stays the only functional API.
func NewGRPCServer() (*grpc.Server, *health.Server) {
	srv := grpc.NewServer()
	h := health.NewServer()
	healthpb.RegisterHealthServer(srv, h)
	h.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return srv, h
}

// SetServing flips both the gRPC health status and the readiness gauge.
func SetServing(h *health.Server, ready bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.SetServingStatus("", status)
	obs.SetReady(ready)
}
