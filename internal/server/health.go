package server

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// WorldsHealthService is the health service name reported alongside the
// server-wide "" entry.
const WorldsHealthService = "worlds.Lifecycle"

// HealthServer serves the standard gRPC health protocol. It reports
// NOT_SERVING until SetServing(true).
type HealthServer struct {
	addr   string
	logger *zap.Logger
	grpc   *grpc.Server
	health *health.Server
}

// NewHealthServer creates a HealthServer for addr.
func NewHealthServer(addr string, logger *zap.Logger) *HealthServer {
	h := &HealthServer{
		addr:   addr,
		logger: logger,
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(h.grpc, h.health)
	h.SetServing(false)
	return h
}

// SetServing flips both health entries.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(WorldsHealthService, status)
}

// Start implements Service.
func (h *HealthServer) Start(_ context.Context) error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}
	return h.Serve(lis)
}

// Serve serves on an existing listener.
func (h *HealthServer) Serve(lis net.Listener) error {
	h.logger.Info("health server listening", zap.String("addr", lis.Addr().String()))
	return h.grpc.Serve(lis)
}

// Stop implements Service. Watchers see NOT_SERVING before the server goes away.
func (h *HealthServer) Stop(ctx context.Context) error {
	h.health.Shutdown()
	done := make(chan struct{})
	go func() {
		h.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		h.grpc.Stop()
		return ctx.Err()
	}
}
