// Package health serves the standard gRPC health service for worker
// processes, so orchestrators can probe a worker that has no HTTP surface.
package health

import (
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the name workers report under, next to the overall "" status.
const Service = "huddle.worker"

type Server struct {
	grpc   *grpc.Server
	health *grpchealth.Server
	ln     net.Listener
	logger *slog.Logger
}

// Listen binds addr. The server reports NOT_SERVING until SetServing(true).
func Listen(addr string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("health listen: %w", err)
	}
	s := &Server{
		grpc:   grpc.NewServer(),
		health: grpchealth.NewServer(),
		ln:     ln,
		logger: logger,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SetServing(false)
	return s, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve blocks until Stop.
func (s *Server) Serve() error {
	s.logger.Info("health endpoint listening", "addr", s.Addr())
	return s.grpc.Serve(s.ln)
}

func (s *Server) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(Service, status)
}

// Stop marks the worker as going away and stops the server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
