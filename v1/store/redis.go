package store

import (
	"context"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	lockerrors "github.com/mirkobrombin/go-lockreg/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

var deleteIfValueScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// Redis implements Store on top of a single Redis endpoint.
type Redis struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*redisOptions)

type redisOptions struct {
	timeout time.Duration
}

// WithTimeout sets the per-call timeout for Redis commands.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		o.timeout = d
	}
}

// NewRedis returns a Redis store using client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	o := redisOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Redis{client: client, timeout: o.timeout}
}

func mapRedisErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return lockerrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return lockerrors.ErrConnectionClosed
	default:
		return err
	}
}

func (s *Redis) opContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, mapRedisErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return cctx, cancel, nil
}

// SetIfAbsent implements Store.SetIfAbsent using SET NX PX.
func (s *Redis) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	if ttl < 0 {
		ttl = 0
	}
	ok, err := s.client.SetNX(cctx, key, value, ttl).Result()
	if err != nil {
		return false, mapRedisErr(err)
	}
	return ok, nil
}

// DeleteIfValue implements Store.DeleteIfValue with a compare-and-delete
// script so the check and the delete happen in one round trip.
func (s *Redis) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := deleteIfValueScript.Run(cctx, s.client, []string{key}, value).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, mapRedisErr(err)
	}
	return n == 1, nil
}

// TTL implements Store.TTL using PTTL.
func (s *Redis) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return 0, false, err
	}
	defer cancel()
	d, err := s.client.PTTL(cctx, key).Result()
	if err != nil {
		return 0, false, mapRedisErr(err)
	}
	switch d {
	case -2:
		return 0, false, nil
	case -1:
		return NoExpiry, true, nil
	}
	return d, true, nil
}
