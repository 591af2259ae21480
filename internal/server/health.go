package server

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/repository"
)

// ServiceName is the health service name reported next to the overall "".
const ServiceName = "receipts.pipeline"

// NewGRPCServer returns a gRPC server carrying only health and reflection.
// Both start NOT_SERVING until WatchDatabase reports a healthy ping.
func NewGRPCServer() (*grpc.Server, *health.Server) {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	setServing(hs, healthpb.HealthCheckResponse_NOT_SERVING)
	return srv, hs
}

// WatchDatabase pings the database every interval and mirrors the result
// into hs until ctx is done. On return everything is marked NOT_SERVING.
func WatchDatabase(ctx context.Context, db *repository.DB, hs *health.Server, interval, timeout time.Duration, logger *slog.Logger) {
	logger = common.OrDefault(logger)
	if interval <= 0 {
		interval = 10 * time.Second
	}
	check := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if err := repository.HealthCheck(ctx, db, timeout, logger); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			logger.Warn("health.database.down", "error", err)
		}
		setServing(hs, status)
	}

	check()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-t.C:
			check()
		}
	}
}

func setServing(hs *health.Server, status healthpb.HealthCheckResponse_ServingStatus) {
	hs.SetServingStatus("", status)
	hs.SetServingStatus(ServiceName, status)
}
