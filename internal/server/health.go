package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported next to the overall "".
const ServiceName = "grader.v1.Pipeline"

// Checker is anything that can report whether a dependency is reachable.
type Checker interface {
	HealthCheck(ctx context.Context, timeout time.Duration) error
}

type CheckerFunc func(ctx context.Context, timeout time.Duration) error

func (f CheckerFunc) HealthCheck(ctx context.Context, timeout time.Duration) error {
	return f(ctx, timeout)
}

// HealthServer serves grpc.health.v1 and flips between SERVING and
// NOT_SERVING as its checks pass or fail.
type HealthServer struct {
	grpc     *grpc.Server
	health   *health.Server
	checks   map[string]Checker
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

func NewHealthServer(checks map[string]Checker, interval, timeout time.Duration, logger *slog.Logger) *HealthServer {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{grpc: gs, health: hs, checks: checks, interval: interval, timeout: timeout, logger: logger}
}

// Check runs every check once and publishes the result.
func (s *HealthServer) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	for name, c := range s.checks {
		if err := c.HealthCheck(ctx, s.timeout); err != nil {
			s.logger.Warn("health.check_failed", "check", name, "error", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

// Serve listens on addr, re-checks on every interval and stops gracefully
// when ctx is done.
func (s *HealthServer) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, lis)
}

func (s *HealthServer) serve(ctx context.Context, lis net.Listener) error {
	s.Check(ctx)
	s.logger.Info("health.grpc.serving", "addr", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(lis) }()

	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpc.GracefulStop()
			if err := <-errCh; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		case err := <-errCh:
			return err
		case <-t.C:
			s.Check(ctx)
		}
	}
}
