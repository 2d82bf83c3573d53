package handler

import (
	"context"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
)

// ServiceName is the name reported by the gRPC health service.
const ServiceName = "pesio.ops.approvals.v1.ApprovalsService"

// GRPCHandler owns the gRPC health service and mirrors storage health into
// it, so orchestrators can probe the process over gRPC.
type GRPCHandler struct {
	health   *health.Server
	store    Pinger
	interval time.Duration
	log      *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(store Pinger, interval time.Duration, log *logger.Logger) *GRPCHandler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	h := &GRPCHandler{
		health:   health.NewServer(),
		store:    store,
		interval: interval,
		log:      log.Component("grpc_handler"),
	}
	h.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// NewServer builds a gRPC server with the health service, reflection and
// the logging interceptor registered.
func (h *GRPCHandler) NewServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(UnaryLogging(h.log)))
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, h.health)
	reflection.Register(srv)
	return srv
}

// Check pings storage once and publishes the result.
func (h *GRPCHandler) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	if err := h.store.Ping(ctx); err != nil {
		h.log.Warn().Err(err).Msg("Storage health check failed")
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus(ServiceName, st)
	h.health.SetServingStatus("", st)
	return st
}

// Run checks health every interval until ctx is done, then reports
// NOT_SERVING for good.
func (h *GRPCHandler) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		checkCtx, cancel := context.WithTimeout(ctx, h.interval)
		h.Check(checkCtx)
		cancel()
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			return nil
		case <-ticker.C:
		}
	}
}

// UnaryLogging logs every unary call and converts panics and plain errors
// into gRPC statuses.
func UnaryLogging(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		start := time.Now()
		defer func() {
			if p := recover(); p != nil {
				log.Error().
					Interface("panic", p).
					Str("method", info.FullMethod).
					Bytes("stack", debug.Stack()).
					Msg("gRPC panic recovered")
				err = status.Error(codes.Internal, "internal error")
			}
			evt := log.Debug()
			if err != nil {
				evt = log.Warn().Err(err)
			}
			evt.Str("method", info.FullMethod).
				Str("code", status.Code(err).String()).
				Dur("duration", time.Since(start)).
				Msg("grpc request")
		}()

		resp, err = handler(ctx, req)
		return resp, mapErrorToGRPC(err)
	}
}

// mapErrorToGRPC passes gRPC statuses through. Only health and reflection
// are served here, so anything else is an internal failure.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}
