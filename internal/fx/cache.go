package fx

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/mbd888/taskpay/internal/logging"
	"github.com/mbd888/taskpay/internal/metrics"
)

const cacheKeyPrefix = "fx:rate:"

// Cache stores rates as strings with a TTL. Get reports whether the key was
// present.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// RedisCache implements Cache on go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects using a redis:// URL.
func NewRedisCache(rawURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// PingContext lets the cache act as a health check.
func (c *RedisCache) PingContext(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// CachedProvider serves rates from a cache, falling back to next on a miss.
// Cache failures degrade to a direct lookup; they never fail a conversion.
type CachedProvider struct {
	next  Provider
	cache Cache
	ttl   time.Duration
}

// NewCachedProvider wraps next with cache.
func NewCachedProvider(next Provider, cache Cache, ttl time.Duration) *CachedProvider {
	return &CachedProvider{next: next, cache: cache, ttl: ttl}
}

func (p *CachedProvider) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	key := cacheKeyPrefix + pairKey(from, to)

	val, ok, err := p.cache.Get(ctx, key)
	if err != nil {
		logging.L(ctx).Warn("fx cache read failed", "key", key, "error", err)
	}
	if ok {
		if rate, perr := decimal.NewFromString(val); perr == nil && rate.IsPositive() {
			metrics.FXLookupsTotal.WithLabelValues("cache").Inc()
			return rate, nil
		}
	}

	rate, err := p.next.Rate(ctx, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	if err := p.cache.Set(ctx, key, rate.String(), p.ttl); err != nil {
		logging.L(ctx).Warn("fx cache write failed", "key", key, "error", err)
	}
	return rate, nil
}
