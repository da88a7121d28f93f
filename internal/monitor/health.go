package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/scanrgbd/internal/session"
	"github.com/banshee-data/scanrgbd/internal/timeutil"
)

// ServiceName is the gRPC health service name for the scan session.
const ServiceName = "scanrgbd.Session"

const (
	serving    = healthpb.HealthCheckResponse_SERVING
	notServing = healthpb.HealthCheckResponse_NOT_SERVING
)

// servingStatus is SERVING while the frame loop runs without a fatal error.
func servingStatus(s *session.Session) healthpb.HealthCheckResponse_ServingStatus {
	if s.Running() && s.Err() == nil {
		return serving
	}
	return notServing
}

// Health mirrors session state into a gRPC health server.
type Health struct {
	session *session.Session
	server  *health.Server
	clock   timeutil.Clock
}

// NewHealth creates a health reporter. Both the overall ("") and
// ServiceName statuses start as NOT_SERVING.
func NewHealth(s *session.Session, clock timeutil.Clock) *Health {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	h := &Health{session: s, server: health.NewServer(), clock: clock}
	h.set(notServing)
	return h
}

// Server returns the underlying health server.
func (h *Health) Server() *health.Server { return h.server }

// Register adds the health service to g.
func (h *Health) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, h.server)
}

// Update recomputes the status from the session and returns it.
func (h *Health) Update() healthpb.HealthCheckResponse_ServingStatus {
	st := servingStatus(h.session)
	h.set(st)
	return st
}

func (h *Health) set(st healthpb.HealthCheckResponse_ServingStatus) {
	h.server.SetServingStatus("", st)
	h.server.SetServingStatus(ServiceName, st)
}

// Watch updates the status every interval until ctx is done, then marks
// every service NOT_SERVING.
func (h *Health) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	last := h.Update()
	ticker := h.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C():
			if st := h.Update(); st != last {
				logf("health %s -> %s", last, st)
				last = st
			}
		}
	}
}

// ServeGRPC serves the health service on addr until ctx is cancelled.
func ServeGRPC(ctx context.Context, addr string, h *Health) error {
	logf("Attempting to bind gRPC to %s...", addr)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return serveGRPC(ctx, lis, h)
}

func serveGRPC(ctx context.Context, lis net.Listener, h *Health) error {
	g := grpc.NewServer()
	h.Register(g)

	errCh := make(chan error, 1)
	go func() {
		logf("gRPC health server listening on %s", lis.Addr())
		errCh <- g.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	h.server.Shutdown()
	g.GracefulStop()
	<-errCh
	logf("gRPC health server stopped")
	return nil
}
