package recognition

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ashureev/facegate/internal/domain"
	"github.com/ashureev/facegate/internal/imagedecode"
)

// ErrCacheMiss is returned by Cache.Get when the key is absent.
var ErrCacheMiss = errors.New("cache miss")

// Cache abstracts the Redis operations used by CachingRecognizer.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a Cache backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get reads a value from Redis, mapping redis.Nil to ErrCacheMiss.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	value, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return value, err
}

// CachingRecognizer remembers successful matches keyed by the bitmap's
// content hash. Cache failures are logged and never fail identification.
type CachingRecognizer struct {
	next           Recognizer
	cache          Cache
	ttl            time.Duration
	logger         *slog.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewCachingRecognizer decorates next with cache.
func NewCachingRecognizer(next Recognizer, cache Cache, ttl time.Duration, logger *slog.Logger) *CachingRecognizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachingRecognizer{
		next:           next,
		cache:          cache,
		ttl:            ttl,
		logger:         logger,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// CacheKey returns the cache key for bm.
func CacheKey(bm *imagedecode.Bitmap) string {
	h := sha1.New()
	var dims [16]byte
	binary.BigEndian.PutUint64(dims[:8], uint64(bm.Width))
	binary.BigEndian.PutUint64(dims[8:], uint64(bm.Height))
	h.Write(dims[:])
	h.Write(bm.Pix)
	return "facegate:person:" + hex.EncodeToString(h.Sum(nil))
}

// Identify returns a cached person when present, otherwise asks next.
func (c *CachingRecognizer) Identify(ctx context.Context, bm *imagedecode.Bitmap) (domain.Person, error) {
	key := CacheKey(bm)

	var cached string
	err := c.withRetry(ctx, "cache.get", func() error {
		v, err := c.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		cached = v
		return nil
	})
	switch {
	case err == nil:
		var p domain.Person
		if jsonErr := json.Unmarshal([]byte(cached), &p); jsonErr == nil && p.Valid() {
			c.logger.Debug("Recognition cache hit", "person_id", p.ID)
			return p, nil
		}
		c.logger.Warn("Discarding undecodable cache entry", "key", key)
	case errors.Is(err, ErrCacheMiss):
	default:
		c.logger.Warn("Recognition cache read failed", "error", err)
	}

	p, err := c.next.Identify(ctx, bm)
	if err != nil {
		return p, err
	}

	serialized, err := json.Marshal(p)
	if err != nil {
		return p, nil
	}
	if err := c.withRetry(ctx, "cache.set", func() error {
		return c.cache.Set(ctx, key, string(serialized), c.ttl)
	}); err != nil {
		c.logger.Warn("Recognition cache write failed", "error", err)
	}
	return p, nil
}

func (c *CachingRecognizer) withRetry(ctx context.Context, operation string, fn func() error) error {
	backoff := c.initialBackoff
	var err error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", operation, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= c.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil || errors.Is(err, ErrCacheMiss) {
			return err
		}
		if !isTransientError(err) {
			break
		}
		c.logger.Debug("Transient cache error", "operation", operation, "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("%s: %w", operation, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
