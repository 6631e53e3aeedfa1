package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/user/listing-ingest/internal/adapter/redis"
	"github.com/user/listing-ingest/internal/bootstrap"
	"github.com/user/listing-ingest/internal/delivery/http/handler"
	"github.com/user/listing-ingest/internal/delivery/http/router"
	"github.com/user/listing-ingest/internal/usecase"
	"github.com/user/listing-ingest/internal/worker"
	"github.com/user/listing-ingest/pkg/config"
	"github.com/user/listing-ingest/pkg/logger"
	"github.com/user/listing-ingest/pkg/metrics"
)

func main() {
	// --- Configuration ---
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("could not load config", zap.Error(err))
	}

	// --- Logger ---
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		zap.NewExample().Fatal("could not build logger", zap.Error(err))
	}
	defer func() { _ = log.Sync() }()

	// --- Metrics ---
	metrics.Init()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Storage ---
	store, err := bootstrap.SetupStorage(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to set up storage", zap.Error(err))
	}
	defer store.Close()

	rdb, err := bootstrap.SetupRedis(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to set up redis", zap.Error(err))
	}
	health := map[string]handler.Pinger{"database": store.Ping}
	if rdb != nil {
		defer rdb.Close()
		health["redis"] = bootstrap.RedisPing(rdb)
	}

	// --- Use Cases ---
	svc, err := bootstrap.SetupServices(cfg, store, rdb, log)
	if err != nil {
		log.Fatal("failed to set up services", zap.Error(err))
	}
	defer svc.Close()

	var dispatcher usecase.ChunkDispatcher
	var pool *worker.Pool
	if strings.EqualFold(cfg.DispatchMode, "redis") {
		dispatcher = usecase.NewQueueDispatcher(redis.NewChunkQueueRepo(rdb))
		log.Info("dispatching chunks to shared queue")
	} else {
		pool = worker.NewPool(svc.Runner, cfg.WorkerPoolSize, 0, log.Named("pool"))
		pool.Start()
		dispatcher = pool
		log.Info("dispatching chunks to in-process pool", zap.Int("workers", cfg.WorkerPoolSize))
	}

	orchestrator := usecase.NewImportOrchestrator(
		bootstrap.OrchestratorConfig(cfg), store.Jobs, svc.Crawler, dispatcher, svc.Schedules, log.Named("orchestrator"),
	)

	// --- Background ---
	var driverDone chan struct{}
	var scheduler *worker.CronScheduler
	if cfg.EnableBackground {
		driver := worker.NewDriver(orchestrator, svc.Schedules, cfg.DriverInterval, log.Named("driver"))
		driverDone = make(chan struct{})
		go func() {
			defer close(driverDone)
			driver.Run(ctx)
		}()

		scheduler = worker.NewCronScheduler(svc.Schedules, time.Minute, log.Named("cron"))
		if err := scheduler.Start(ctx); err != nil {
			log.Error("cron scheduler not started", zap.Error(err))
			scheduler = nil
		}
	}

	// --- HTTP Server ---
	apiHandler := handler.NewHandler(orchestrator, svc.Schedules, health, log.Named("http"))
	server := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     router.New(apiHandler, log),
		ReadTimeout: 5 * time.Second,
		// An advance call may plan a whole import.
		WriteTimeout: cfg.PlanningLease + time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("could not start server", zap.Error(err))
		}
	}()
	log.Info("server started", zap.String("port", cfg.ServerPort))

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	stop()
	if scheduler != nil {
		scheduler.Stop()
	}
	if driverDone != nil {
		<-driverDone
	}
	if pool != nil {
		pool.Stop()
	}

	log.Info("server exiting")
}
