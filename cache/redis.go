package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"example.com/orderhub/config"
)

// ErrCacheMiss means the key was absent or caching is disabled.
var ErrCacheMiss = errors.New("cache miss")

// SnapshotCache is a read-through cache for projection snapshots, keyed by
// projection name and aggregate id. Disabled instances report every lookup
// as a miss, so callers need no enabled check.
type SnapshotCache struct {
	client  *redis.Client
	ttl     time.Duration
	enabled bool
}

// NewSnapshotCache creates a Redis-backed snapshot cache.
func NewSnapshotCache(cfg config.RedisConfig) (*SnapshotCache, error) {
	if !cfg.Enabled {
		return &SnapshotCache{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &SnapshotCache{
		client:  client,
		ttl:     cfg.TTL,
		enabled: true,
	}, nil
}

// Get retrieves a cached snapshot into value. Returns ErrCacheMiss when the
// key is absent.
func (c *SnapshotCache) Get(ctx context.Context, projectionName, aggregateID string, value interface{}) error {
	if !c.enabled {
		return ErrCacheMiss
	}

	data, err := c.client.Get(ctx, snapshotKey(projectionName, aggregateID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return ErrCacheMiss
		}
		return errors.Wrap(err, "failed to get value from Redis")
	}

	if err := json.Unmarshal(data, value); err != nil {
		return errors.Wrap(err, "failed to unmarshal cached snapshot")
	}
	return nil
}

// Set stores a snapshot with the configured TTL.
func (c *SnapshotCache) Set(ctx context.Context, projectionName, aggregateID string, value interface{}) error {
	if !c.enabled {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "failed to marshal snapshot for caching")
	}

	if err := c.client.Set(ctx, snapshotKey(projectionName, aggregateID), data, c.ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to set value in Redis")
	}
	return nil
}

// Invalidate drops a cached snapshot after an update.
func (c *SnapshotCache) Invalidate(ctx context.Context, projectionName, aggregateID string) error {
	if !c.enabled {
		return nil
	}

	if err := c.client.Del(ctx, snapshotKey(projectionName, aggregateID)).Err(); err != nil {
		return errors.Wrap(err, "failed to delete value from Redis")
	}
	return nil
}

func snapshotKey(projectionName, aggregateID string) string {
	return fmt.Sprintf("snapshot:%s:%s", projectionName, aggregateID)
}
