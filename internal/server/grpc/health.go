// Package grpcserver runs the relay's gRPC side listener. It serves only the
// standard grpc.health.v1 service so orchestrators can probe the relay
// without device credentials.
package grpcserver

import (
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported for the relay.
const ServiceName = "ea.relay.v1"

// Health bundles the gRPC server and its health registry.
type Health struct {
	Server *grpc.Server
	status *health.Server
}

// NewHealth builds a gRPC server with logging and recovery interceptors and a
// health service reporting SERVING for both the overall server and ServiceName.
// opts are appended to the interceptor chain, e.g. grpc.Creds for TLS.
func NewHealth(log *zap.Logger, opts ...grpc.ServerOption) *Health {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(RecoverUnary(log), LoggingUnary(log)),
		grpc.ChainStreamInterceptor(RecoverStream(log), LoggingStream(log)),
	}, opts...)
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return &Health{Server: srv, status: hs}
}

// SetNotServing flips every service to NOT_SERVING, used when draining.
func (h *Health) SetNotServing() {
	h.status.Shutdown()
}
