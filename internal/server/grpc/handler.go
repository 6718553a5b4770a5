package grpc

import (
	"context"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// probeTimeout bounds a single dependency check.
const probeTimeout = 3 * time.Second

// Probe reports whether a dependency is usable.
type Probe func(ctx context.Context) error

func (s *GRPCServer) probeLoop(ctx context.Context) {
	s.check(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

// check runs every probe and publishes per-service statuses. The overall
// ("") status is SERVING only when every probe passes.
func (s *GRPCServer) check(ctx context.Context) {
	overall := healthpb.HealthCheckResponse_SERVING

	for name, probe := range s.probes {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := probe(pctx)
		cancel()

		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = healthpb.HealthCheckResponse_NOT_SERVING
			s.logger.Warn(ctx, "health probe failed", "service", name, "error", err)
		}
		s.health.SetServingStatus(name, status)
	}

	s.health.SetServingStatus("", overall)
}
