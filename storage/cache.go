package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrCacheMiss is returned when a key is absent from the cache.
var ErrCacheMiss = errors.New("cache miss")

// CacheConfig holds redis connection parameters.
type CacheConfig struct {
	Addr       string        `yaml:"addr" json:"addr"`
	Password   string        `yaml:"password" json:"password"`
	DB         int           `yaml:"db" json:"db"`
	RecordTTL  time.Duration `yaml:"record_ttl" json:"record_ttl"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	PoolSize   int           `yaml:"pool_size" json:"pool_size"`
}

// DefaultCacheConfig returns the default redis settings. Terminal records
// stay queryable for the TTL grace interval.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Addr:       "localhost:6379",
		RecordTTL:  time.Hour,
		MaxRetries: 3,
		PoolSize:   10,
	}
}

// Cache is the redis write-through for execution-record snapshots and
// per-skill popularity counters. Discovery's popularity sort reads the
// counters on the metadata rows, not these.
type Cache struct {
	redis  *redis.Client
	config CacheConfig
	logger *zap.Logger
}

// NewCache connects to redis and verifies the connection.
func NewCache(cfg CacheConfig, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		MaxRetries: cfg.MaxRetries,
		PoolSize:   cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Cache{
		redis:  client,
		config: cfg,
		logger: logger.With(zap.String("component", "cache")),
	}, nil
}

func recordKey(executionID string) string { return "wishub:exec:" + executionID }
func popularityKey(skillID string) string { return "wishub:popularity:" + skillID }

// PutRecord stores one execution-record snapshot under its TTL.
func (c *Cache) PutRecord(ctx context.Context, executionID string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return c.redis.Set(ctx, recordKey(executionID), data, c.config.RecordTTL).Err()
}

// GetRecord loads one snapshot into dest; ErrCacheMiss when absent.
func (c *Cache) GetRecord(ctx context.Context, executionID string, dest any) error {
	data, err := c.redis.Get(ctx, recordKey(executionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return err
	}
	return json.Unmarshal(data, dest)
}

// IncrPopularity bumps the monotone popularity counter for a skill.
func (c *Cache) IncrPopularity(ctx context.Context, skillID string) (int64, error) {
	return c.redis.Incr(ctx, popularityKey(skillID)).Result()
}

// Popularity reads a skill's counter; absent counters are zero.
func (c *Cache) Popularity(ctx context.Context, skillID string) (int64, error) {
	n, err := c.redis.Get(ctx, popularityKey(skillID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Ping checks redis connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Close releases the redis connection pool.
func (c *Cache) Close() error {
	return c.redis.Close()
}
