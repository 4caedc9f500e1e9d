package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/ids"
)

// RedisClient is the subset of go-redis used by the Redis locker. It is
// satisfied by *redis.Client, *redis.ClusterClient and redis.UniversalClient.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// releaseScript deletes the key only while it still holds the caller's id.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Redis implements Locker with SET NX PX leases.
type Redis struct {
	client RedisClient
	prefix string
	poll   time.Duration
}

// RedisOption customises a Redis locker.
type RedisOption func(*Redis)

// WithKeyPrefix namespaces lock keys. Defaults to "courier:lock:".
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithPollInterval sets how often a waiting Lock retries.
func WithPollInterval(d time.Duration) RedisOption {
	return func(r *Redis) { r.poll = d }
}

// NewRedis returns a locker backed by client.
func NewRedis(client RedisClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: "courier:lock:", poll: DefaultPollInterval}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) key(resource string) string {
	return r.prefix + resource
}

func (r *Redis) Lock(ctx context.Context, resource string, ttl, wait time.Duration) (string, error) {
	id := ids.CreateULID()
	key := r.key(resource)
	err := acquire(ctx, wait, r.poll, func(ctx context.Context) (bool, error) {
		ok, err := r.client.SetNX(ctx, key, id, ttl).Result()
		if err != nil {
			return false, fmt.Errorf("redis lock %s: %w", key, err)
		}
		return ok, nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *Redis) Release(ctx context.Context, resource, id string) error {
	deleted, err := r.client.Eval(ctx, releaseScript, []string{r.key(resource)}, id).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis unlock %s: %w", r.key(resource), err)
	}
	if deleted == 0 {
		return errspkg.ErrLockNotHeld
	}
	return nil
}
