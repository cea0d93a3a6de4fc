package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/songzhibin97/gkit/generator"
	"github.com/spf13/viper"

	"github.com/kapstong/integ-capstone-sub005/internal/config"
	"github.com/kapstong/integ-capstone-sub005/internal/telemetry"
	"github.com/kapstong/integ-capstone-sub005/storage"
	"github.com/kapstong/integ-capstone-sub005/workflow"
)

// snowflakeEpoch anchors generated ids.
var snowflakeEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const sweeperLockKey = "portal:sweeper:leader"

// backend is the storage stack shared by every command.
type backend struct {
	store  storage.Storage
	pool   *pgxpool.Pool
	locker workflow.Locker
	ready  telemetry.ReadyFunc
	close  func()
}

// openBackend connects the configured store. With redis_addr set, active
// definitions are cached in Redis and the sweeper is elected through a
// Redis lock.
func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backend, error) {
	b := &backend{close: func() {}}
	var closers []func()
	b.close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.Storage {
	case config.StorageMemory:
		logger.Warn("using in-memory storage; data is lost on exit")
		b.store = storage.NewMemoryStorage()
	default:
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := storage.NewPool(initCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		closers = append(closers, pool.Close)
		b.pool = pool
		b.store = storage.NewPostgresStorage(pool)
		b.ready = func(ctx context.Context) error { return pool.Ping(ctx) }
	}

	if cfg.RedisAddr != "" {
		client, err := storage.NewRedisClient(storage.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			b.close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })
		b.store = storage.NewRedisDefinitionCache(b.store, client, cfg.DefinitionCacheTTL, logger)
		b.locker = storage.NewRedisLocker(client, sweeperLockKey, lockOwner(), 2*time.Minute)
	}
	return b, nil
}

func newGenerator(cfg config.Config) generator.Generator {
	return generator.NewSnowflake(snowflakeEpoch, uint16(cfg.NodeID))
}

func newEngine(cfg config.Config, b *backend, logger *slog.Logger, opts ...workflow.Option) (*workflow.Engine, error) {
	opts = append([]workflow.Option{workflow.WithLogger(logger)}, opts...)
	return workflow.NewEngine(newGenerator(cfg), b.store, nil, opts...)
}

func lockOwner() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func loadConfig() (config.Config, error) {
	cfg := config.Load(viper.GetViper())
	return cfg, cfg.Validate()
}
