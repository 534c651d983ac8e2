package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oggyb/battle-engine/internal/config"
	"github.com/oggyb/battle-engine/internal/tally"
)

type RedisCache struct {
	Client *redis.Client
}

// NewRedisCache initializes Redis client from config.
// Only Addr is mandatory, Password/DB are optional.
func NewRedisCache(cfg *config.Config) *RedisCache {
	opts := &redis.Options{
		Addr: cfg.Redis.Addr,
	}
	if cfg.Redis.Password != "" {
		opts.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opts.DB = cfg.Redis.DB
	}
	return &RedisCache{Client: redis.NewClient(opts)}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.Client.Set(ctx, key, value, ttl).Err()
}

// KeyForTally generates Redis key for a battle's cached tally
func (c *RedisCache) KeyForTally(battleID string) string {
	return fmt.Sprintf("battle:tally:%s", battleID)
}

// SetTally stores a computed tally. The cache is advisory: readers may see a
// slightly stale copy until the TTL runs out or a vote invalidates it.
func (c *RedisCache) SetTally(ctx context.Context, battleID string, t tally.Result, ttl time.Duration) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal tally: %w", err)
	}
	return c.Client.Set(ctx, c.KeyForTally(battleID), b, ttl).Err()
}

// GetTally returns a cached tally. ok is false on a miss.
func (c *RedisCache) GetTally(ctx context.Context, battleID string) (t tally.Result, ok bool, err error) {
	val, err := c.Client.Get(ctx, c.KeyForTally(battleID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return tally.Result{}, false, nil // cache miss
	} else if err != nil {
		return tally.Result{}, false, err
	}
	if err := json.Unmarshal(val, &t); err != nil {
		return tally.Result{}, false, fmt.Errorf("corrupt tally cache entry: %w", err)
	}
	return t, true, nil
}

// InvalidateTally drops a battle's cached tally.
func (c *RedisCache) InvalidateTally(ctx context.Context, battleID string) error {
	return c.Client.Del(ctx, c.KeyForTally(battleID)).Err()
}
