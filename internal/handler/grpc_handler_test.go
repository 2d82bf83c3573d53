package handler

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
)

type togglePinger struct{ down atomic.Bool }

func (p *togglePinger) Ping(context.Context) error {
	if p.down.Load() {
		return errors.Unavailable(nil, "down")
	}
	return nil
}

func TestGRPCHandler_Health(t *testing.T) {
	pinger := &togglePinger{}
	h := NewGRPCHandler(pinger, time.Hour, logger.Nop())
	srv := h.NewServer()

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()
	hc := healthpb.NewHealthClient(conn)
	ctx := context.Background()

	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status, "not serving before the first check")

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, h.Check(ctx))
	resp, err = hc.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	pinger.down.Store(true)
	h.Check(ctx)
	resp, err = hc.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func TestGRPCHandler_RunStopsWithContext(t *testing.T) {
	h := NewGRPCHandler(&togglePinger{}, 10*time.Millisecond, logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestUnaryLogging(t *testing.T) {
	interceptor := UnaryLogging(logger.Nop())
	info := &grpc.UnaryServerInfo{FullMethod: "/test.Service/Call"}

	tests := []struct {
		name    string
		handler grpc.UnaryHandler
		want    codes.Code
	}{
		{"ok", func(context.Context, any) (any, error) { return "done", nil }, codes.OK},
		{"coded error", func(context.Context, any) (any, error) { return nil, errors.NotFound("workflow_instance", "x") }, codes.Internal},
		{"plain error", func(context.Context, any) (any, error) { return nil, fmt.Errorf("boom") }, codes.Internal},
		{"status passthrough", func(context.Context, any) (any, error) {
			return nil, status.Error(codes.Aborted, "aborted")
		}, codes.Aborted},
		{"panic", func(context.Context, any) (any, error) { panic("boom") }, codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := interceptor(context.Background(), nil, info, tt.handler)
			assert.Equal(t, tt.want, status.Code(err))
		})
	}
}
