// Package throttle holds the process-wide "channel is rate limiting us" flag
// shared by every worker.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// Throttle reports and sets the global send throttle.
type Throttle interface {
	IsThrottled(ctx context.Context) (bool, error)
	SetThrottled(ctx context.Context, d time.Duration) error
}

const (
	DefaultRedisKey = "notify:send:throttled"
	DefaultName     = "send"
)

// RedisThrottle keeps the flag as a key that expires on its own.
type RedisThrottle struct {
	rdb redis.Cmdable
	key string
}

func NewRedis(rdb redis.Cmdable, key string) *RedisThrottle {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisThrottle{rdb: rdb, key: key}
}

func (t *RedisThrottle) IsThrottled(ctx context.Context) (bool, error) {
	ttl, err := t.rdb.PTTL(ctx, t.key).Result()
	if err != nil {
		return false, fmt.Errorf("throttle: pttl %s: %w", t.key, err)
	}
	// -2 missing, -1 no expiry; neither is an active throttle window
	return ttl > 0, nil
}

// SetThrottled overwrites the window, so concurrent setters converge on the
// most recent deadline.
func (t *RedisThrottle) SetThrottled(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	until := time.Now().Add(d).UnixMilli()
	if err := t.rdb.Set(ctx, t.key, until, d).Err(); err != nil {
		return fmt.Errorf("throttle: set %s: %w", t.key, err)
	}
	return nil
}

// DBTX is the subset of pgxpool.Pool the Postgres backend needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresThrottle stores the window in notify.send_throttle. Extending the
// window never shortens it.
type PostgresThrottle struct {
	db   DBTX
	name string
}

func NewPostgres(db DBTX, name string) *PostgresThrottle {
	if name == "" {
		name = DefaultName
	}
	return &PostgresThrottle{db: db, name: name}
}

func (t *PostgresThrottle) IsThrottled(ctx context.Context) (bool, error) {
	var throttled bool
	err := t.db.QueryRow(ctx, `
		SELECT throttled_until > now()
		FROM notify.send_throttle
		WHERE name = $1`, t.name).Scan(&throttled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("throttle: read %s: %w", t.name, err)
	}
	return throttled, nil
}

func (t *PostgresThrottle) SetThrottled(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	_, err := t.db.Exec(ctx, `
		INSERT INTO notify.send_throttle (name, throttled_until, updated_at)
		VALUES ($1, now() + make_interval(secs => $2), now())
		ON CONFLICT (name) DO UPDATE
		SET throttled_until = GREATEST(notify.send_throttle.throttled_until, EXCLUDED.throttled_until),
		    updated_at = now()`, t.name, d.Seconds())
	if err != nil {
		return fmt.Errorf("throttle: upsert %s: %w", t.name, err)
	}
	return nil
}

// MemoryThrottle is a single-process throttle.
type MemoryThrottle struct {
	mu    sync.Mutex
	until time.Time
	now   func() time.Time
}

func NewMemory() *MemoryThrottle {
	return &MemoryThrottle{now: time.Now}
}

// WithClock replaces the time source.
func (t *MemoryThrottle) WithClock(now func() time.Time) *MemoryThrottle {
	t.now = now
	return t
}

func (t *MemoryThrottle) IsThrottled(context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now().Before(t.until), nil
}

func (t *MemoryThrottle) SetThrottled(_ context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if until := t.now().Add(d); until.After(t.until) {
		t.until = until
	}
	return nil
}

// Backend names accepted by Open.
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Open picks a backend by name. The redis and postgres backends need their
// client; a missing client is an error rather than a silent fallback.
func Open(backend string, rdb redis.Cmdable, db DBTX) (Throttle, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendRedis:
		if rdb == nil {
			return nil, errors.New("throttle: redis backend selected but redis is disabled")
		}
		return NewRedis(rdb, ""), nil
	case BackendPostgres:
		if db == nil {
			return nil, errors.New("throttle: postgres backend selected without a pool")
		}
		return NewPostgres(db, ""), nil
	case BackendMemory, "":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("throttle: unknown backend %q", backend)
	}
}
