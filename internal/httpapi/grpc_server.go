package httpapi

import (
	"context"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"llacademy.ng/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCServer exposes the standard gRPC health service for orchestrators.
// The overall status ("") and the named service follow the readiness probe.
type GRPCServer struct {
	server    *grpc.Server
	health    *health.Server
	readiness readinessChecker
	serving   atomic.Bool
}

// NewGRPCServer registers health and reflection on a fresh grpc.Server.
// The status starts NOT_SERVING until the first Refresh.
func NewGRPCServer(r readinessChecker, opts ...grpc.ServerOption) *GRPCServer {
	s := &GRPCServer{
		server:    grpc.NewServer(opts...),
		health:    health.NewServer(),
		readiness: r,
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

func (s *GRPCServer) Server() *grpc.Server { return s.server }

// Refresh runs the readiness probe once and publishes the result.
func (s *GRPCServer) Refresh(ctx context.Context) error {
	var err error
	if s.readiness != nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err = s.readiness.Check(ctx)
		cancel()
	}
	if err != nil {
		if s.serving.Swap(false) {
			obs.Warn("grpc health: not serving", map[string]any{"error": err.Error()})
		}
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	s.serving.Store(true)
	s.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Watch refreshes the status every interval until ctx ends.
func (s *GRPCServer) Watch(ctx context.Context, every time.Duration) {
	_ = s.Refresh(ctx)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = s.Refresh(ctx)
		}
	}
}

// Shutdown flips every service to NOT_SERVING and stops gracefully.
func (s *GRPCServer) Shutdown() {
	s.serving.Store(false)
	s.health.Shutdown()
	s.server.GracefulStop()
}

func (s *GRPCServer) set(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
}
