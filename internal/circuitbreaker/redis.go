package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis wraps the commands the agent uses with a breaker. redis.Nil is a
// cache miss, not a failure.
type Redis struct {
	client redis.UniversalClient
	b      *Breaker
}

func NewRedis(client redis.UniversalClient, settings Settings, logger *zap.Logger) *Redis {
	return &Redis{
		client: client,
		b:      New("redis", "cache", settings.Merge(RedisDefaults), logger),
	}
}

func (r *Redis) Breaker() *Breaker { return r.b }
func (r *Redis) Client() redis.UniversalClient { return r.client }

func (r *Redis) Ping(ctx context.Context) error {
	return r.b.Do(ctx, func() error { return r.client.Ping(ctx).Err() })
}

// Get returns the value for key; a missing key yields redis.Nil.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		val    []byte
		getErr error
	)
	err := r.b.Do(ctx, func() error {
		val, getErr = r.client.Get(ctx, key).Bytes()
		if errors.Is(getErr, redis.Nil) {
			return nil
		}
		return getErr
	})
	if err != nil {
		return nil, err
	}
	return val, getErr
}

func (r *Redis) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return r.b.Do(ctx, func() error { return r.client.Set(ctx, key, value, ttl).Err() })
}

func (r *Redis) Del(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	err := r.b.Do(ctx, func() error {
		var err error
		n, err = r.client.Del(ctx, keys...).Result()
		return err
	})
	return n, err
}

func (r *Redis) Close() error { return r.client.Close() }
