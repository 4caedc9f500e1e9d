package lock

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
)

type fakeRedis struct {
	mu     sync.Mutex
	values map[string]string
	expiry map[string]time.Time
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, expiry: map[string]time.Time{}}
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if exp, ok := f.expiry[key]; ok && time.Now().After(exp) {
		delete(f.values, key)
		delete(f.expiry, key)
	}
	if _, exists := f.values[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = value.(string)
	f.expiry[key] = time.Now().Add(expiration)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(_ context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values[keys[0]] == args[0].(string) {
		delete(f.values, keys[0])
		delete(f.expiry, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

type fakePg struct {
	mu     sync.Mutex
	owners map[string]string
	expiry map[string]time.Time
	execs  []string
}

func newFakePg() *fakePg {
	return &fakePg{owners: map[string]string{}, expiry: map[string]time.Time{}}
}

func (f *fakePg) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, sql)
	switch {
	case strings.HasPrefix(sql, "INSERT"):
		resource, owner := args[0].(string), args[1].(string)
		ttl := time.Duration(args[2].(int64)) * time.Millisecond
		if exp, held := f.expiry[resource]; held && exp.After(time.Now()) {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		}
		f.owners[resource] = owner
		f.expiry[resource] = time.Now().Add(ttl)
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.HasPrefix(sql, "DELETE"):
		resource, owner := args[0].(string), args[1].(string)
		if f.owners[resource] != owner {
			return pgconn.NewCommandTag("DELETE 0"), nil
		}
		delete(f.owners, resource)
		delete(f.expiry, resource)
		return pgconn.NewCommandTag("DELETE 1"), nil
	default:
		return pgconn.NewCommandTag("CREATE TABLE"), nil
	}
}

func lockers() map[string]func() Locker {
	return map[string]func() Locker{
		"memory": func() Locker {
			m := NewMemory()
			m.Poll = 5 * time.Millisecond
			return m
		},
		"redis": func() Locker {
			return NewRedis(newFakeRedis(), WithPollInterval(5*time.Millisecond))
		},
		"postgres": func() Locker {
			p := NewPostgres(newFakePg(), "")
			p.poll = 5 * time.Millisecond
			return p
		},
	}
}

func TestLockersExcludeConcurrentOwners(t *testing.T) {
	for name, build := range lockers() {
		t.Run(name, func(t *testing.T) {
			l := build()
			ctx := context.Background()

			first, err := l.Lock(ctx, "registry", time.Second, 0)
			require.NoError(t, err)
			require.NotEmpty(t, first)

			_, err = l.Lock(ctx, "registry", time.Second, 20*time.Millisecond)
			assert.ErrorIs(t, err, errspkg.ErrLockTimeout)

			other, err := l.Lock(ctx, "other", time.Second, 0)
			require.NoError(t, err)
			assert.NotEqual(t, first, other)

			assert.ErrorIs(t, l.Release(ctx, "registry", "stranger"), errspkg.ErrLockNotHeld)
			require.NoError(t, l.Release(ctx, "registry", first))

			second, err := l.Lock(ctx, "registry", time.Second, 0)
			require.NoError(t, err)
			require.NoError(t, l.Release(ctx, "registry", second))
		})
	}
}

func TestLockersWaitForRelease(t *testing.T) {
	for name, build := range lockers() {
		t.Run(name, func(t *testing.T) {
			l := build()
			ctx := context.Background()

			id, err := l.Lock(ctx, "registry", time.Second, 0)
			require.NoError(t, err)

			go func() {
				time.Sleep(20 * time.Millisecond)
				_ = l.Release(ctx, "registry", id)
			}()

			next, err := l.Lock(ctx, "registry", time.Second, time.Second)
			require.NoError(t, err)
			assert.NotEqual(t, id, next)
		})
	}
}

func TestLockersExpireAfterTTL(t *testing.T) {
	for name, build := range lockers() {
		t.Run(name, func(t *testing.T) {
			l := build()
			ctx := context.Background()

			_, err := l.Lock(ctx, "registry", 10*time.Millisecond, 0)
			require.NoError(t, err)

			_, err = l.Lock(ctx, "registry", time.Second, 500*time.Millisecond)
			assert.NoError(t, err)
		})
	}
}

func TestLockHonoursContext(t *testing.T) {
	l := NewMemory()
	_, err := l.Lock(context.Background(), "registry", time.Minute, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Lock(ctx, "registry", time.Minute, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPostgresEnsureSchema(t *testing.T) {
	db := newFakePg()
	require.NoError(t, NewPostgres(db, "custom_locks").EnsureSchema(context.Background()))
	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0], "CREATE TABLE IF NOT EXISTS custom_locks")
}

func TestRedisKeyPrefix(t *testing.T) {
	client := newFakeRedis()
	l := NewRedis(client, WithKeyPrefix("app:"))

	id, err := l.Lock(context.Background(), "registry", time.Second, 0)
	require.NoError(t, err)
	assert.Equal(t, id, client.values["app:registry"])
}
