// Package bootstrap wires configuration, storage and services for the binaries.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/user/listing-ingest/internal/adapter/gormstore"
	"github.com/user/listing-ingest/internal/adapter/postgres"
	"github.com/user/listing-ingest/internal/repository"
	"github.com/user/listing-ingest/pkg/config"
)

// PingFunc adapts a health probe to handler.Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Storage bundles the repositories of the selected backend.
type Storage struct {
	Jobs      repository.ImportJobRepository
	Schedules repository.ScheduleRepository
	Records   repository.DetailRecordRepository
	Ping      PingFunc
	Close     func()
}

// SetupStorage connects to the configured backend and applies migrations.
func SetupStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Storage, error) {
	switch strings.ToLower(cfg.StorageDriver) {
	case "sqlite":
		db, err := gormstore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		if err := gormstore.Migrate(ctx, db); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		log.Info("SQLite database ready", zap.String("path", cfg.SQLitePath))
		return &Storage{
			Jobs:      gormstore.NewImportJobRepository(db),
			Schedules: gormstore.NewScheduleRepository(db),
			Records:   gormstore.NewDetailRecordRepository(db),
			Ping:      sqlDB.PingContext,
			Close: func() {
				if err := sqlDB.Close(); err != nil {
					log.Error("Failed to close sqlite", zap.Error(err))
				}
			},
		}, nil

	default:
		if err := postgres.Migrate(cfg.PostgresURL); err != nil {
			return nil, err
		}
		pool, err := postgres.NewPool(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		log.Info("PostgreSQL connection pool established")
		return &Storage{
			Jobs:      postgres.NewImportJobRepo(pool),
			Schedules: postgres.NewScheduleRepo(pool),
			Records:   postgres.NewDetailRecordRepo(pool),
			Ping:      pool.Ping,
			Close:     pool.Close,
		}, nil
	}
}
