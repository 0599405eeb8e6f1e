// ABOUTME: gRPC server exposing the standard health service
// ABOUTME: Reports SERVING while the gateway runs and NOT_SERVING once shutdown begins

package gateway

import (
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health-checked service name alongside the overall "" entry.
const ServiceName = "chat.gateway.v1.ChatGateway"

// createGRPCServer creates a gRPC server with keepalive settings and the
// health service registered. Health starts as NOT_SERVING.
func createGRPCServer(logger *slog.Logger) (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	reflection.Register(server)

	logger.Debug("gRPC health service registered", "service", ServiceName)
	return server, hs
}

// setServing flips every health entry between SERVING and NOT_SERVING.
func (g *Gateway) setServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(ServiceName, status)
}
