package lastvalue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/meridian-iot/floodgate/pkg/telemetry"
)

// RedisConfig holds configuration for the Redis-backed last-value cache.
type RedisConfig struct {
	Addr     string // e.g. "localhost:6379"
	Password string // leave empty if no password
	DB       int
	EntryTTL time.Duration // lifetime of per-device entries, e.g. time.Hour
}

// RedisCache implements Cache against Redis. Per device it keeps the last
// commit timestamp under one key and the last numeric attribute values in a
// hash, both expiring EntryTTL after the last commit.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

// NewRedisCache creates the cache and verifies connectivity. Callers that
// prefer to start degraded over failing can ignore a ping error here; all
// read paths fail open once constructed.
func NewRedisCache(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := cfg.EntryTTL
	if ttl <= 0 {
		ttl = DefaultEntryTTL
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Connected to Redis for last-value cache")
	return &RedisCache{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "RedisLastValueCache").Logger(),
		now:    time.Now,
	}, nil
}

// NewRedisCacheFromClient wraps an existing client, sharing it with other
// components such as the task queue.
func NewRedisCacheFromClient(client *redis.Client, entryTTL time.Duration, logger zerolog.Logger) *RedisCache {
	if entryTTL <= 0 {
		entryTTL = DefaultEntryTTL
	}
	return &RedisCache{
		client: client,
		ttl:    entryTTL,
		logger: logger.With().Str("component", "RedisLastValueCache").Logger(),
		now:    time.Now,
	}
}

func commitKey(deviceID string) string { return "lastvalue:ts:" + deviceID }
func valuesKey(deviceID string) string { return "lastvalue:vals:" + deviceID }

// ShouldThrottle reports whether the device committed within interval.
// Unreachable Redis is a degraded, fail-open condition: no throttling.
func (c *RedisCache) ShouldThrottle(ctx context.Context, deviceID string, interval time.Duration) bool {
	if interval <= 0 {
		return false
	}
	raw, err := c.client.Get(ctx, commitKey(deviceID)).Result()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("device_id", deviceID).
			Msg("Last-value cache unreachable, no throttling applied")
		return false
	}
	lastCommit, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		c.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Corrupt last-commit entry, ignoring")
		return false
	}
	return c.now().Sub(lastCommit) < interval
}

// ExceedsDelta reports whether the change is significant. First-seen
// attributes and unreachable Redis both pass (fail-open).
func (c *RedisCache) ExceedsDelta(ctx context.Context, deviceID, attribute string, newValue, threshold float64) bool {
	raw, err := c.client.HGet(ctx, valuesKey(deviceID), attribute).Result()
	if errors.Is(err, redis.Nil) {
		return true
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("device_id", deviceID).Str("attribute", attribute).
			Msg("Last-value cache unreachable, delta check passes by default")
		return true
	}
	last, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		c.logger.Warn().Err(err).Str("device_id", deviceID).Str("attribute", attribute).
			Msg("Corrupt last-value entry, delta check passes by default")
		return true
	}
	return math.Abs(newValue-last) >= threshold
}

// RecordCommit writes the commit timestamp and numeric values in one
// pipeline and refreshes the entry TTL.
func (c *RedisCache) RecordCommit(ctx context.Context, deviceID string, set telemetry.MeasurementSet) error {
	values := make(map[string]interface{})
	for _, m := range set {
		if v, ok := m.Value.Float(); ok {
			values[m.Attribute] = strconv.FormatFloat(v, 'g', -1, 64)
		}
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, commitKey(deviceID), c.now().Format(time.RFC3339Nano), c.ttl)
	if len(values) > 0 {
		pipe.HSet(ctx, valuesKey(deviceID), values)
		pipe.Expire(ctx, valuesKey(deviceID), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording commit for device %s: %w", deviceID, err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
