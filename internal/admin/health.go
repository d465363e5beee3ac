// Package admin implements A3, the loopback gRPC health surface: the
// standard grpc_health_v1 health-checking protocol, one service name per
// control loop, so a process supervisor can probe readiness component by
// component rather than one opaque liveness bit.
package admin

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service names this sidecar reports health for. "" is the overall
// liveness bit grpc_health_v1 defines for a Check with no service name.
const (
	ServiceOverall        = ""
	ServiceScaling        = "scaling"
	ServiceProfiling      = "profiling"
	ServiceControlChannel = "control-channel"
)

// Server is the admin gRPC surface. It wraps grpc-go's health.Server,
// which already implements grpc_health_v1.Health and its Watch streaming
// — no custom .proto is authored here.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server

	mu   sync.Mutex
	addr string
	log  *zap.Logger
}

// New builds a Server bound to addr (default 127.0.0.1:9191).
func New(addr string, log *zap.Logger) *Server {
	h := health.NewServer()
	h.SetServingStatus(ServiceOverall, healthpb.HealthCheckResponse_SERVING)
	for _, svc := range []string{ServiceScaling, ServiceProfiling, ServiceControlChannel} {
		h.SetServingStatus(svc, healthpb.HealthCheckResponse_NOT_SERVING)
	}

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, h)

	return &Server{grpcServer: grpcServer, health: h, addr: addr, log: log}
}

// SetServing reports a control loop as healthy.
func (s *Server) SetServing(service string) {
	s.health.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)
}

// SetNotServing reports a control loop as unhealthy.
func (s *Server) SetNotServing(service string) {
	s.health.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Run binds the loopback listener and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin: listen on %s: %w", s.addr, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.grpcServer.Serve(lis) }()

	select {
	case <-ctx.Done():
		s.grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("admin: serve: %w", err)
		}
		return nil
	}
}
