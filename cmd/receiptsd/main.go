package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/pipeline"
	"github.com/joseph-ayodele/receipts-pipeline/internal/server"
)

const shutdownGrace = 30 * time.Second

func main() {
	fs := ff.NewFlagSet("receiptsd")
	var (
		envFile  = fs.StringLong("env-file", ".env", "dotenv file loaded before reading configuration")
		httpAddr = fs.StringLong("http-addr", "", "HTTP listen address (overrides HTTP_ADDR)")
		grpcAddr = fs.StringLong("grpc-addr", "", "gRPC health listen address (overrides GRPC_ADDR, empty disables)")
		workers  = fs.IntLong("workers", 0, "worker count (overrides WORKER_COUNT)")
		noWork   = fs.BoolLong("no-workers", "serve the API only, without processing jobs")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("RECEIPTSD")); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	if err := common.LoadEnvFiles(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	cfg := common.LoadConfig()
	if *httpAddr != "" {
		cfg.Server.HTTPAddr = *httpAddr
	}
	if *grpcAddr != "" {
		cfg.Server.GRPCAddr = *grpcAddr
	}
	if *workers > 0 {
		cfg.Worker.Count = *workers
	}

	logger := common.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, !*noWork, logger); err != nil {
		logger.Error("receiptsd.failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *common.Config, withWorkers bool, logger *slog.Logger) error {
	opts := []pipeline.Option{pipeline.WithStore()}
	if withWorkers {
		opts = append(opts, pipeline.WithExtraction())
	}
	p, err := pipeline.Build(ctx, cfg, logger, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.Warn("receiptsd.close", "error", err)
		}
	}()

	var bg sync.WaitGroup
	errc := make(chan error, 2)

	router := server.NewRouter(server.Deps{
		Ingest:   p.Ingest,
		Receipts: p.Receipts,
		Export:   p.Export,
	}, cfg.Server, cfg.Upload.MaxBytes, logger)
	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("receiptsd.http.listening", "addr", cfg.Server.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http serve: %w", err)
		}
	}()

	if cfg.Server.GRPCAddr != "" {
		grpcSrv, hs := server.NewGRPCServer()
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		bg.Add(1)
		go func() {
			defer bg.Done()
			server.WatchDatabase(ctx, p.DB, hs, 10*time.Second, cfg.Database.DialTimeout, logger)
		}()
		go func() {
			logger.Info("receiptsd.grpc.listening", "addr", cfg.Server.GRPCAddr)
			if err := grpcSrv.Serve(lis); err != nil {
				errc <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
		defer grpcSrv.GracefulStop()
	}

	if withWorkers {
		pool := p.Pool()
		pool.Start(ctx)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			pool.Shutdown(sctx)
		}()
	}

	bg.Add(1)
	go func() {
		defer bg.Done()
		p.Ingest.RunSweeper(ctx, cfg.Sweep.Interval, cfg.Sweep.PendingAge)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("receiptsd.shutdown")
	case runErr = <-errc:
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		logger.Warn("receiptsd.http.shutdown", "error", err)
	}
	if runErr == nil {
		bg.Wait()
	}
	return runErr
}
