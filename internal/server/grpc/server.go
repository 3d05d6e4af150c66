// Package grpc serves the standard gRPC health protocol so orchestrators can
// check the relay without speaking websocket.
package grpc

import (
	"context"
	"net"
	"time"

	"github.com/dmitrijs2005/cipherrelay/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported next to the overall "" entry.
const ServiceName = "cipherrelay.gateway"

const defaultCheckInterval = 10 * time.Second

// Check returns nil while a dependency is usable.
type Check func(ctx context.Context) error

type GRPCServer struct {
	address       string
	logger        logging.Logger
	checks        map[string]Check
	checkInterval time.Duration
	health        *health.Server
}

func NewGRPCServer(address string, checks map[string]Check, l logging.Logger) *GRPCServer {
	return &GRPCServer{
		address:       address,
		logger:        l.With("module", "grpc_server"),
		checks:        checks,
		checkInterval: defaultCheckInterval,
		health:        health.NewServer(),
	}
}

func (s *GRPCServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	return s.Serve(ctx, listen)
}

// Serve accepts connections on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.recoveryInterceptor, s.loggingInterceptor),
		grpc.ChainStreamInterceptor(s.streamLoggingInterceptor),
	)
	healthpb.RegisterHealthServer(srv, s.health)

	s.runChecks(ctx)
	go s.checkLoop(ctx)

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		s.health.Shutdown()
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", lis.Addr().String())

	if err := srv.Serve(lis); err != nil {
		return err
	}

	return nil
}

func (s *GRPCServer) checkLoop(ctx context.Context) {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runChecks(ctx)
		}
	}
}

// runChecks runs every check once and publishes the combined status.
func (s *GRPCServer) runChecks(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	for name, p := range s.checks {
		pctx, cancel := context.WithTimeout(ctx, s.checkInterval/2)
		err := p(pctx)
		cancel()
		if err != nil {
			s.logger.Warn(ctx, "health check failed", "component", name, "error", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}

	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
