package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kapstong/integ-capstone-sub005/types"
)

const (
	triggerPrefix = "workflow:trigger:"
	// generationKey is bumped on every definition write. Cached entries
	// live under the generation that was current when they were loaded.
	generationKey = "workflow:definitions:generation"
)

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisClient creates a client with configurable options and verifies connectivity.
func NewRedisClient(opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisDefinitionCache caches the active definitions of each trigger in
// Redis. Every other call goes to the wrapped Storage, and definition
// writes move the cache to a new generation.
type RedisDefinitionCache struct {
	Storage
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisDefinitionCache wraps store with a trigger cache held for ttl.
func NewRedisDefinitionCache(store Storage, client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisDefinitionCache {
	return &RedisDefinitionCache{Storage: store, client: client, ttl: ttl, logger: logger}
}

// saveToRedis saves a value to Redis under key.
func (c *RedisDefinitionCache) saveToRedis(ctx context.Context, key string, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", key, err)
		}
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		return nil
	})
}

// getFromRedis retrieves and unmarshals a value from Redis.
func getFromRedis[T any](ctx context.Context, client *redis.Client, key string) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", ErrNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

func (c *RedisDefinitionCache) generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// ListActiveDefinitions serves from the cache and fills it on a miss.
// A Redis failure falls through to the wrapped store. A fill that races a
// definition write lands in a generation nobody reads any more.
func (c *RedisDefinitionCache) ListActiveDefinitions(ctx context.Context, trigger string) ([]types.WorkflowDefinition, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		c.logger.Warn("definition cache generation read failed", slog.String("error", err.Error()))
		return c.Storage.ListActiveDefinitions(ctx, trigger)
	}

	key := fmt.Sprintf("%s%d:%s", triggerPrefix, gen, trigger)
	cached, err := getFromRedis[[]types.WorkflowDefinition](ctx, c.client, key)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, ErrNotFound) {
		c.logger.Warn("definition cache read failed", slog.String("key", key), slog.String("error", err.Error()))
	}

	defs, err := c.Storage.ListActiveDefinitions(ctx, trigger)
	if err != nil {
		return nil, err
	}
	if err := c.saveToRedis(ctx, key, defs); err != nil {
		c.logger.Warn("definition cache write failed", slog.String("key", key), slog.String("error", err.Error()))
	}
	return defs, nil
}

// SaveDefinition writes through and invalidates the cache.
func (c *RedisDefinitionCache) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	if err := c.Storage.SaveDefinition(ctx, def); err != nil {
		return err
	}
	c.invalidateAfterWrite(ctx, def.ID)
	return nil
}

// SetDefinitionActive writes through and invalidates the cache.
func (c *RedisDefinitionCache) SetDefinitionActive(ctx context.Context, id uint64, active bool) error {
	if err := c.Storage.SetDefinitionActive(ctx, id, active); err != nil {
		return err
	}
	c.invalidateAfterWrite(ctx, id)
	return nil
}

// invalidateAfterWrite logs instead of failing: the write has committed and
// stale entries expire after the TTL.
func (c *RedisDefinitionCache) invalidateAfterWrite(ctx context.Context, id uint64) {
	if err := c.Invalidate(ctx); err != nil {
		c.logger.Error("definition cache invalidation failed",
			slog.Uint64("workflow_id", id),
			slog.Duration("stale_for", c.ttl),
			slog.String("error", err.Error()),
		)
	}
}

// Invalidate retires every cached trigger entry by starting a new
// generation. A replaced definition may have moved to another trigger, so
// all entries go.
func (c *RedisDefinitionCache) Invalidate(ctx context.Context) error {
	return withContextError(ctx, func() error {
		if err := c.client.Incr(ctx, generationKey).Err(); err != nil {
			return fmt.Errorf("failed to bump %s: %w", generationKey, err)
		}
		return nil
	})
}

var (
	renewScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
)

// RedisLocker is a lease held by one owner across portal replicas.
type RedisLocker struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
}

// NewRedisLocker creates a lock on key identified by owner.
func NewRedisLocker(client *redis.Client, key, owner string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, key: key, owner: owner, ttl: ttl}
}

// Acquire takes the lease or renews it if this owner already holds it.
func (l *RedisLocker) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}

	result, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("renew lock %s: %w", l.key, err)
	}
	return result == 1, nil
}

// Release drops the lease if this owner holds it.
func (l *RedisLocker) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}
