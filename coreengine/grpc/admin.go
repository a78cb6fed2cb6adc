// Package grpc is the admin listener: the standard gRPC health service, reporting
// whether the assistant has finished starting, plus server reflection.
package grpc

import (
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service entry for the assistant itself. The empty
// name reports the whole server.
const ServiceName = "sahayak.Assistant"

// Config configures the admin listener. An empty Addr disables it.
type Config struct {
	Addr       string `mapstructure:"addr"`
	Reflection bool   `mapstructure:"reflection"`
}

// DefaultConfig listens on :9090 with reflection on.
func DefaultConfig() Config {
	return Config{Addr: ":9090", Reflection: true}
}

// AdminServer serves grpc.health.v1.Health. It reports NOT_SERVING until SetServing
// is called. Safe for concurrent use.
type AdminServer struct {
	server *grpc.Server
	health *health.Server
	logger Logger
}

// NewAdminServer builds the server with the standard interceptors and tracing.
func NewAdminServer(cfg Config, logger Logger, opts ...grpc.ServerOption) *AdminServer {
	opts = append(append(ServerOptions(logger), grpc.StatsHandler(otelgrpc.NewServerHandler())), opts...)
	s := &AdminServer{
		server: grpc.NewServer(opts...),
		health: health.NewServer(),
		logger: logger,
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	if cfg.Reflection {
		reflection.Register(s.server)
	}
	s.SetServing(false)
	return s
}

// SetServing sets the status of the server and of ServiceName.
func (s *AdminServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	s.logger.Debug("health_status_changed", "status", st.String())
}

// Serve accepts connections on lis until Stop is called.
func (s *AdminServer) Serve(lis net.Listener) error {
	s.logger.Debug("admin_server_listening", "addr", lis.Addr().String())
	return s.server.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains in-flight calls.
func (s *AdminServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
