package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/observability"
)

// Server hosts the Control service and the standard health service, and
// shuts both down gracefully.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     observability.Logger
	address    string

	shutdownMu sync.Mutex
	isShutdown bool
}

// NewServer builds a Server for d. Without extra options the standard
// interceptor chain is installed; RPCs are always traced with otelgrpc.
func NewServer(d Dispatcher, address string, logger observability.Logger, opts ...grpc.ServerOption) *Server {
	logger = observability.OrNop(logger)
	if len(opts) == 0 {
		opts = ServerOptions(logger)
	}
	opts = append(opts, grpc.StatsHandler(otelgrpc.NewServerHandler()))

	gs := grpc.NewServer(opts...)
	RegisterControlServer(gs, NewControlServer(d, logger))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return &Server{
		grpcServer: gs,
		health:     hs,
		logger:     logger,
		address:    address,
	}
}

// Serve serves on lis until the server stops.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("grpc_server_started", "address", lis.Addr().String())
	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Start listens on the configured address and blocks until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(lis)
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("grpc_graceful_shutdown_initiated", "reason", ctx.Err().Error())
		s.GracefulStop()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// GracefulStop marks the services NOT_SERVING, stops accepting new
// connections and waits for in-flight RPCs.
func (s *Server) GracefulStop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.logger.Info("grpc_graceful_stop_started")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	s.logger.Info("grpc_graceful_stop_completed")
}

// ShutdownWithTimeout stops gracefully, forcing an immediate stop when the
// timeout passes first.
func (s *Server) ShutdownWithTimeout(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("grpc_graceful_shutdown_timeout", "timeout_ms", timeout.Milliseconds())
		s.grpcServer.Stop()
	}
}

// GRPCServer returns the underlying grpc.Server.
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpcServer
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.address
}
