package lock

import (
	"context"
	stdErrors "errors"
	"slices"
	"time"

	redis "github.com/redis/go-redis/v9"

	lockerrors "github.com/achiichou/spring-cloud-alibaba-demo-sub000/v1/errors"
)

const defaultRedisOpTimeout = 3 * time.Second

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// Redis implements Store on a Redis server.
type Redis struct {
	client   *redis.Client
	timeout  time.Duration
	scanSize int64
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithTimeout bounds every Redis round trip.
func WithTimeout(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithScanCount sets the COUNT hint used while scanning.
func WithScanCount(n int64) RedisOption {
	return func(r *Redis) {
		if n > 0 {
			r.scanSize = n
		}
	}
}

// NewRedis returns a Store using client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{client: client, timeout: defaultRedisOpTimeout, scanSize: 100}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// storeErr classifies err. Only the caller's ctx ending makes a call
// interrupted; the per-operation timeout of the store stays a connection
// error.
func storeErr(ctx context.Context, op, key string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || stdErrors.Is(err, context.Canceled) {
		return lockerrors.New(op, key, lockerrors.ErrOperationInterrupted, err)
	}
	return lockerrors.New(op, key, lockerrors.ErrBackingStoreConnection, err)
}

// Acquire implements Store.Acquire with SET NX PX.
func (r *Redis) Acquire(ctx context.Context, key string, owner Owner, lease time.Duration) (string, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	token := NewToken(owner)
	ok, err := r.client.SetNX(cctx, key, token, lease).Result()
	if err != nil {
		return "", false, storeErr(ctx, "acquire", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release implements Store.Release with an atomic compare-and-delete script.
func (r *Redis) Release(ctx context.Context, key, token string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := delScript.Run(cctx, r.client, []string{key}, token).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, storeErr(ctx, "release", key, err)
	}
	return n == 1, nil
}

// ForceRelease implements Store.ForceRelease.
func (r *Redis) ForceRelease(ctx context.Context, key string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.client.Del(cctx, key).Result()
	if err != nil {
		return false, storeErr(ctx, "force_release", key, err)
	}
	return n > 0, nil
}

// IsLocked implements Store.IsLocked.
func (r *Redis) IsLocked(ctx context.Context, key string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.client.Exists(cctx, key).Result()
	if err != nil {
		return false, storeErr(ctx, "is_locked", key, err)
	}
	return n > 0, nil
}

// RemainingTTL implements Store.RemainingTTL using PTTL.
func (r *Redis) RemainingTTL(ctx context.Context, key string) (time.Duration, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	d, err := r.client.PTTL(cctx, key).Result()
	if err != nil {
		return 0, storeErr(ctx, "remaining_ttl", key, err)
	}
	switch {
	case d == -2:
		return TTLNoKey, nil
	case d == -1:
		return TTLNoExpiry, nil
	}
	return d, nil
}

// Holder implements Store.Holder.
func (r *Redis) Holder(ctx context.Context, key string) (string, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	v, err := r.client.Get(cctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, storeErr(ctx, "holder", key, err)
	}
	return v, true, nil
}

// Scan implements Store.Scan with a SCAN cursor loop.
func (r *Redis) Scan(ctx context.Context, pattern string) ([]string, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := r.client.Scan(cctx, cursor, pattern, r.scanSize).Result()
		if err != nil {
			return nil, storeErr(ctx, "scan", pattern, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	// SCAN may return a key more than once.
	slices.Sort(keys)
	return slices.Compact(keys), nil
}
