package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/user/listing-ingest/pkg/config"
)

// SetupRedis connects to Redis. The shared queue needs it, so a failed ping is
// fatal in redis dispatch mode. Otherwise the probe cache is skipped and nil
// is returned.
func SetupRedis(ctx context.Context, cfg *config.Config, log *zap.Logger) (*redis.Client, error) {
	required := strings.EqualFold(cfg.DispatchMode, "redis")
	if cfg.RedisAddr == "" {
		if required {
			return nil, fmt.Errorf("REDIS_ADDR is required with DISPATCH_MODE=redis")
		}
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		if required {
			return nil, fmt.Errorf("unable to connect to redis: %w", err)
		}
		log.Warn("Redis not available, probe cache disabled", zap.Error(err))
		return nil, nil
	}
	log.Info("Redis connection established", zap.String("addr", cfg.RedisAddr))
	return rdb, nil
}

// RedisPing adapts a client to the health check.
func RedisPing(rdb *redis.Client) PingFunc {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}
