package observability

import (
	"context"
	"sync"
	"time"

	"github.com/signalsfoundry/link-emulator/internal/control"
	"github.com/signalsfoundry/link-emulator/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// LinkHealth reports a link as SERVING while its control signal is readable,
// enabled and non-zero. The empty service name mirrors the link's status.
type LinkHealth struct {
	server  *health.Server
	service string
	src     control.Source
	log     logging.Logger

	mu   sync.Mutex
	last healthpb.HealthCheckResponse_ServingStatus
}

// NewLinkHealth returns a health reporter for the link registered as service.
// Both the service and the server-wide entry start NOT_SERVING until Refresh
// runs.
func NewLinkHealth(service string, src control.Source, log logging.Logger) *LinkHealth {
	if log == nil {
		log = logging.Noop()
	}
	h := &LinkHealth{
		server:  health.NewServer(),
		service: service,
		src:     src,
		log:     log,
		last:    healthpb.HealthCheckResponse_NOT_SERVING,
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Server exposes the underlying grpc health server.
func (h *LinkHealth) Server() *health.Server { return h.server }

// Register installs the health service on s.
func (h *LinkHealth) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Refresh reads the control signal once and updates the serving status.
func (h *LinkHealth) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	sig, err := h.src.Read()
	switch {
	case err != nil:
		status = healthpb.HealthCheckResponse_NOT_SERVING
	case !sig.Enabled || sig.Value == 0:
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}

	h.mu.Lock()
	changed := status != h.last
	h.last = status
	h.mu.Unlock()

	if changed {
		fields := []logging.Field{
			logging.String("service", h.service),
			logging.String("status", status.String()),
		}
		if err != nil {
			fields = append(fields, logging.Err(err))
		}
		h.log.Info(ctx, "link health changed", fields...)
	}
	h.set(status)
	return status
}

// Watch refreshes the status every interval until ctx is done, then marks the
// server as shut down.
func (h *LinkHealth) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
			h.Refresh(ctx)
		}
	}
}

func (h *LinkHealth) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(h.service, status)
}
