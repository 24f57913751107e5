package throttle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// fakeRedis answers the two commands RedisThrottle issues. Any other call
// panics on the nil embedded interface.
type fakeRedis struct {
	redis.Cmdable
	ttl    time.Duration
	ttlErr error
	setErr error

	pttlKey  string
	setKey   string
	setValue any
	setTTL   time.Duration
}

func (f *fakeRedis) PTTL(_ context.Context, key string) *redis.DurationCmd {
	f.pttlKey = key
	return redis.NewDurationResult(f.ttl, f.ttlErr)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	f.setKey, f.setValue, f.setTTL = key, value, expiration
	return redis.NewStatusResult("OK", f.setErr)
}

func TestRedisIsThrottled(t *testing.T) {
	tests := []struct {
		name    string
		ttl     time.Duration
		err     error
		want    bool
		wantErr bool
	}{
		{name: "missing key", ttl: -2},
		{name: "no expiry", ttl: -1},
		{name: "expired", ttl: 0},
		{name: "active window", ttl: 1500 * time.Millisecond, want: true},
		{name: "redis error", err: errors.New("connection refused"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rdb := &fakeRedis{ttl: tt.ttl, ttlErr: tt.err}
			got, err := NewRedis(rdb, "").IsThrottled(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("IsThrottled err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("IsThrottled = %v, want %v", got, tt.want)
			}
			if rdb.pttlKey != DefaultRedisKey {
				t.Errorf("key = %q, want %q", rdb.pttlKey, DefaultRedisKey)
			}
		})
	}
}

func TestRedisSetThrottled(t *testing.T) {
	rdb := &fakeRedis{}
	th := NewRedis(rdb, "custom:key")
	before := time.Now().Add(30 * time.Second).UnixMilli()
	if err := th.SetThrottled(context.Background(), 30*time.Second); err != nil {
		t.Fatalf("SetThrottled: %v", err)
	}
	if rdb.setKey != "custom:key" || rdb.setTTL != 30*time.Second {
		t.Errorf("set %q ttl %v, want custom:key ttl 30s", rdb.setKey, rdb.setTTL)
	}
	until, ok := rdb.setValue.(int64)
	if !ok || until < before {
		t.Errorf("value = %v, want a unix-milli deadline >= %d", rdb.setValue, before)
	}
}

func TestRedisSetThrottledIgnoresNonPositive(t *testing.T) {
	rdb := &fakeRedis{}
	if err := NewRedis(rdb, "").SetThrottled(context.Background(), 0); err != nil {
		t.Fatalf("SetThrottled: %v", err)
	}
	if rdb.setKey != "" {
		t.Errorf("zero duration should not write, wrote %q", rdb.setKey)
	}
}

func TestRedisSetThrottledError(t *testing.T) {
	rdb := &fakeRedis{setErr: errors.New("readonly replica")}
	err := NewRedis(rdb, "").SetThrottled(context.Background(), time.Second)
	if err == nil || !strings.Contains(err.Error(), "readonly replica") {
		t.Errorf("SetThrottled err = %v, want wrapped redis error", err)
	}
}

type fakeRow struct {
	value bool
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*bool) = r.value
	return nil
}

type fakeDB struct {
	row      fakeRow
	execErr  error
	execs    int
	lastSQL  string
	lastArgs []any
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs++
	f.lastSQL, f.lastArgs = sql, args
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.lastSQL, f.lastArgs = sql, args
	return f.row
}

func TestPostgresIsThrottled(t *testing.T) {
	tests := []struct {
		name    string
		row     fakeRow
		want    bool
		wantErr bool
	}{
		{name: "no row", row: fakeRow{err: pgx.ErrNoRows}},
		{name: "window passed", row: fakeRow{value: false}},
		{name: "window active", row: fakeRow{value: true}, want: true},
		{name: "query error", row: fakeRow{err: errors.New("conn closed")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &fakeDB{row: tt.row}
			got, err := NewPostgres(db, "").IsThrottled(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("IsThrottled err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("IsThrottled = %v, want %v", got, tt.want)
			}
			if len(db.lastArgs) != 1 || db.lastArgs[0] != DefaultName {
				t.Errorf("args = %v, want [%q]", db.lastArgs, DefaultName)
			}
		})
	}
}

func TestPostgresSetThrottled(t *testing.T) {
	db := &fakeDB{}
	if err := NewPostgres(db, "teams").SetThrottled(context.Background(), 90*time.Second); err != nil {
		t.Fatalf("SetThrottled: %v", err)
	}
	if !strings.Contains(db.lastSQL, "GREATEST") {
		t.Errorf("upsert must keep the later deadline:\n%s", db.lastSQL)
	}
	if len(db.lastArgs) != 2 || db.lastArgs[0] != "teams" || db.lastArgs[1] != float64(90) {
		t.Errorf("args = %v, want [teams 90]", db.lastArgs)
	}

	if err := NewPostgres(db, "").SetThrottled(context.Background(), -time.Second); err != nil {
		t.Fatalf("SetThrottled: %v", err)
	}
	if db.execs != 1 {
		t.Errorf("negative duration should not write, execs = %d", db.execs)
	}

	db.execErr = errors.New("deadlock detected")
	if err := NewPostgres(db, "").SetThrottled(context.Background(), time.Second); err == nil {
		t.Error("SetThrottled should surface the exec error")
	}
}
