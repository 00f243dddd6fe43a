package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tally.org/internal/obs"
)

// GRPCServer exposes the standard gRPC health service, with serving status
// driven by the same readiness checks as /readyz.
type GRPCServer struct {
	health    *health.Server
	readiness readinessChecker
	version   string
}

// NewGRPCServer creates the gRPC health wrapper. Status starts as NOT_SERVING
// until the first Refresh.
func NewGRPCServer(r readinessChecker, version string) *GRPCServer {
	h := health.NewServer()
	h.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	h.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &GRPCServer{health: h, readiness: r, version: version}
}

// Register attaches the health service to s.
func (s *GRPCServer) Register(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, s.health)
}

// Refresh evaluates readiness once and publishes the result.
func (s *GRPCServer) Refresh(ctx context.Context) error {
	st := healthpb.HealthCheckResponse_SERVING
	err := s.readiness.Check(ctx)
	if err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	obs.SetReady(err == nil)
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
	return err
}

// Run refreshes readiness every interval until ctx ends, then marks the
// service as shutting down.
func (s *GRPCServer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
			obs.Logger().Warn("grpc readiness check failed", zap.String("version", s.version), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-t.C:
		}
	}
}
