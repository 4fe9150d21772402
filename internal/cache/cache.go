// Package cache is a Redis read-through cache for catalogue reads. Entries
// are keyed under a generation counter; bumping the counter invalidates
// every entry at once and the old keys age out through their TTL.
package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/foodin/internal/circuitbreaker"
)

const (
	DefaultTTL    = 5 * time.Minute
	DefaultPrefix = "foodin:cache:"
)

// Cache is what the catalogue service reads through. Get reports the
// generation it looked under; Set must be given that generation so a value
// loaded before an Invalidate is written where no reader will look.
type Cache interface {
	Get(ctx context.Context, key string, dst interface{}) (hit bool, gen int64, err error)
	Set(ctx context.Context, gen int64, key string, value interface{}) error
	Invalidate(ctx context.Context) error
}

type RedisCache struct {
	client  redis.Cmdable
	ttl     time.Duration
	prefix  string
	breaker *circuitbreaker.CircuitBreaker
	logger  *logrus.Logger

	hits   int64
	misses int64
}

type Option func(*RedisCache)

func WithTTL(ttl time.Duration) Option {
	return func(c *RedisCache) {
		c.ttl = ttl
	}
}

func WithPrefix(prefix string) Option {
	return func(c *RedisCache) {
		c.prefix = prefix
	}
}

func WithBreaker(breaker *circuitbreaker.CircuitBreaker) Option {
	return func(c *RedisCache) {
		c.breaker = breaker
	}
}

func NewRedisCache(client redis.Cmdable, logger *logrus.Logger, opts ...Option) *RedisCache {
	c := &RedisCache{
		client: client,
		ttl:    DefaultTTL,
		prefix: DefaultPrefix,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache) generationKey() string {
	return c.prefix + "generation"
}

func (c *RedisCache) generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, c.generationKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *RedisCache) entryKey(gen int64, key string) string {
	return c.prefix + strconv.FormatInt(gen, 10) + ":" + key
}

// Get reports a miss rather than an error when the stored value is corrupt.
func (c *RedisCache) Get(ctx context.Context, key string, dst interface{}) (bool, int64, error) {
	var (
		raw []byte
		gen int64
	)
	err := c.run(ctx, func(ctx context.Context) error {
		var err error
		gen, err = c.generation(ctx)
		if err != nil {
			return err
		}
		raw, err = c.client.Get(ctx, c.entryKey(gen, key)).Bytes()
		if errors.Is(err, redis.Nil) {
			raw = nil
			return nil
		}
		return err
	})
	if err != nil {
		atomic.AddInt64(&c.misses, 1)
		return false, 0, errors.Wrap(err, "cache get")
	}
	if raw == nil {
		atomic.AddInt64(&c.misses, 1)
		return false, gen, nil
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("Discarding corrupt cache entry")
		atomic.AddInt64(&c.misses, 1)
		return false, gen, nil
	}
	atomic.AddInt64(&c.hits, 1)
	return true, gen, nil
}

// Set stores value under gen. If the generation has moved on since gen was
// read, the entry is orphaned and ages out through its TTL.
func (c *RedisCache) Set(ctx context.Context, gen int64, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "failed to marshal cache entry")
	}

	return errors.Wrap(c.run(ctx, func(ctx context.Context) error {
		return c.client.Set(ctx, c.entryKey(gen, key), data, c.ttl).Err()
	}), "cache set")
}

func (c *RedisCache) Invalidate(ctx context.Context) error {
	return errors.Wrap(c.run(ctx, func(ctx context.Context) error {
		return c.client.Incr(ctx, c.generationKey()).Err()
	}), "cache invalidate")
}

// Stats reports hit and miss counts since start.
func (c *RedisCache) Stats() map[string]int64 {
	return map[string]int64{
		"hits":   atomic.LoadInt64(&c.hits),
		"misses": atomic.LoadInt64(&c.misses),
	}
}

func (c *RedisCache) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.breaker == nil {
		return fn(ctx)
	}
	return c.breaker.Execute(ctx, fn)
}

// Nop is used when Redis is not configured.
type Nop struct{}

func (Nop) Get(context.Context, string, interface{}) (bool, int64, error) { return false, 0, nil }
func (Nop) Set(context.Context, int64, string, interface{}) error         { return nil }
func (Nop) Invalidate(context.Context) error                              { return nil }
