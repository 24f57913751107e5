// Package cardcache keeps rendered card content close to the workers so a
// fan-out of one notification reads it from storage once.
package cardcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/austindbirch/harbor_notify/internal/logging"
	"github.com/austindbirch/harbor_notify/internal/metrics"
)

const (
	keyPrefix   = "sentcard_"
	DefaultTTL  = 24 * time.Hour
	DefaultSize = 512
	tierLocal   = "local"
	tierShared  = "shared"
)

// Loader fetches card content from the source of truth.
type Loader func(ctx context.Context, notificationID string) (json.RawMessage, error)

// Shared is a cache tier visible to every worker process.
type Shared interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Key is the cache key for a notification's card.
func Key(notificationID string) string {
	return keyPrefix + notificationID
}

type Cache struct {
	local  *expirable.LRU[string, json.RawMessage]
	shared Shared
	ttl    time.Duration
	group  singleflight.Group
	logger *logging.Logger
}

type Option func(*Cache)

// WithShared adds a cross-process tier behind the local one.
func WithShared(s Shared) Option {
	return func(c *Cache) { c.shared = s }
}

func WithLogger(l *logging.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

func New(size int, ttl time.Duration, opts ...Option) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		local:  expirable.NewLRU[string, json.RawMessage](size, nil, ttl),
		ttl:    ttl,
		logger: logging.New("harbornotify-cardcache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the card for notificationID, consulting the local tier, then
// the shared tier, then load. Concurrent misses for the same notification in
// this process share one load. Load errors are returned and not cached.
func (c *Cache) Get(ctx context.Context, notificationID string, load Loader) (json.RawMessage, error) {
	key := Key(notificationID)
	if v, ok := c.local.Get(key); ok {
		metrics.RecordCache(tierLocal, true)
		return v, nil
	}
	metrics.RecordCache(tierLocal, false)

	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.local.Peek(key); ok {
			return v, nil
		}
		if content, ok := c.getShared(ctx, key); ok {
			c.local.Add(key, content)
			return content, nil
		}

		content, err := load(ctx, notificationID)
		if err != nil {
			return nil, fmt.Errorf("cardcache: load %s: %w", notificationID, err)
		}
		if len(content) == 0 {
			return nil, fmt.Errorf("cardcache: load %s: %w", notificationID, ErrEmptyContent)
		}
		c.local.Add(key, content)
		c.setShared(ctx, key, content)
		return content, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

// ErrEmptyContent is returned when the loader yields no content.
var ErrEmptyContent = errors.New("empty card content")

// Len reports the number of locally cached cards.
func (c *Cache) Len() int {
	return c.local.Len()
}

// Shared tier failures degrade to a miss; the loader stays authoritative.
func (c *Cache) getShared(ctx context.Context, key string) (json.RawMessage, bool) {
	if c.shared == nil {
		return nil, false
	}
	b, ok, err := c.shared.Get(ctx, key)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).WithField("key", key).Warn("shared card cache read failed")
		return nil, false
	}
	metrics.RecordCache(tierShared, ok)
	if !ok || len(b) == 0 {
		return nil, false
	}
	return json.RawMessage(b), true
}

func (c *Cache) setShared(ctx context.Context, key string, content json.RawMessage) {
	if c.shared == nil {
		return
	}
	if err := c.shared.Set(ctx, key, content, c.ttl); err != nil {
		c.logger.WithContext(ctx).WithError(err).WithField("key", key).Warn("shared card cache write failed")
	}
}

// RedisShared is the Redis implementation of Shared.
type RedisShared struct {
	rdb redis.Cmdable
}

func NewRedisShared(rdb redis.Cmdable) *RedisShared {
	return &RedisShared{rdb: rdb}
}

func (r *RedisShared) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *RedisShared) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}
