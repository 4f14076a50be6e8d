package httpapi

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

func startBufGRPC(t *testing.T, srv *GRPCServer) healthpb.HealthClient {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	go func() {
		if err := srv.Server().Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		srv.Server().Stop()
		_ = listener.Close()
	})
	return healthpb.NewHealthClient(conn)
}

type toggleReadiness struct{ fail atomic.Bool }

func (r *toggleReadiness) Check(context.Context) error {
	if r.fail.Load() {
		return errors.New("db down")
	}
	return nil
}

func checkStatus(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q): %v", service, err)
	}
	return resp.GetStatus()
}

func TestGRPCHealthFollowsReadiness(t *testing.T) {
	ready := &toggleReadiness{}
	srv := NewGRPCServer(ready)
	client := startBufGRPC(t, srv)

	if got := checkStatus(t, client, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("before first refresh: %v", got)
	}
	if err := srv.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := checkStatus(t, client, serviceName); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("after refresh: %v", got)
	}

	ready.fail.Store(true)
	if err := srv.Refresh(context.Background()); err == nil {
		t.Fatalf("expected readiness error")
	}
	if got := checkStatus(t, client, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("after failure: %v", got)
	}
}

func TestGRPCHealthShutdown(t *testing.T) {
	srv := NewGRPCServer(ReadyProbe{})
	client := startBufGRPC(t, srv)
	if err := srv.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := checkStatus(t, client, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", got)
	}

	// health.Shutdown flips status before the server drains
	srv.health.Shutdown()
	if got := checkStatus(t, client, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING after shutdown, got %v", got)
	}
}
