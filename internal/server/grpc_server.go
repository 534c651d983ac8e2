package server

import (
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/oggyb/battle-engine/internal/auth"
	"github.com/oggyb/battle-engine/internal/config"
)

// GRPCServer is a gRPC server with the standard health service attached.
type GRPCServer struct {
	*grpc.Server
	Health *health.Server
}

// NewGRPCServer builds a gRPC server with the auth/logging interceptors and
// registers all provided services.
func NewGRPCServer(tokens *auth.Tokens, log *slog.Logger, registrars ...Registrar) *GRPCServer {
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryInterceptor(tokens, log)),
		grpc.ChainStreamInterceptor(StreamInterceptor(tokens, log)),
	)

	// register all services
	for _, r := range registrars {
		r.Register(grpcServer)
	}

	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// enable reflection for easier debugging with grpcurl
	reflection.Register(grpcServer)

	return &GRPCServer{Server: grpcServer, Health: hs}
}

// Listen opens the configured gRPC address.
func Listen(cfg *config.Config) (net.Listener, error) {
	addr := fmt.Sprintf("%s:%s", cfg.GRPC.Host, cfg.GRPC.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return lis, nil
}

// Stop flips health to NOT_SERVING and drains in-flight calls.
func (s *GRPCServer) Stop() {
	s.Health.Shutdown()
	s.Server.GracefulStop()
}
