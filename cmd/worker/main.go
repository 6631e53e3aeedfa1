package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/user/listing-ingest/internal/adapter/redis"
	"github.com/user/listing-ingest/internal/bootstrap"
	"github.com/user/listing-ingest/internal/worker"
	"github.com/user/listing-ingest/pkg/config"
	"github.com/user/listing-ingest/pkg/logger"
	"github.com/user/listing-ingest/pkg/metrics"
)

// worker consumes chunk tasks from the shared Redis queue. Several may run
// against the same queue.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("could not load config", zap.Error(err))
	}
	cfg.DispatchMode = "redis"

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		zap.NewExample().Fatal("could not build logger", zap.Error(err))
	}
	defer func() { _ = log.Sync() }()

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := bootstrap.SetupStorage(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to set up storage", zap.Error(err))
	}
	defer store.Close()

	rdb, err := bootstrap.SetupRedis(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to set up redis", zap.Error(err))
	}
	defer rdb.Close()

	svc, err := bootstrap.SetupServices(cfg, store, rdb, log)
	if err != nil {
		log.Fatal("failed to set up services", zap.Error(err))
	}
	defer svc.Close()

	// Metrics only; the API process serves everything else.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: ":" + cfg.ServerPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()

	consumer := worker.NewQueueConsumer(
		redis.NewChunkQueueRepo(rdb), svc.Runner, cfg.WorkerPoolSize, cfg.QueuePopTimeout, log.Named("consumer"),
	)
	consumer.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	log.Info("worker exiting")
}
