package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisLocker coordinates locks across worker replicas with SET NX and a token-checked release.
type RedisLocker struct {
	client    *redis.Client
	script    *redis.Script
	prefix    string
	ttl       time.Duration
	pollEvery time.Duration
}

func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client:    client,
		script:    redis.NewScript(lockReleaseScript),
		prefix:    prefix,
		ttl:       ttl,
		pollEvery: 50 * time.Millisecond,
	}
}

// Lock polls until the key is free or ctx ends.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	ticker := time.NewTicker(l.pollEvery)
	defer ticker.Stop()
	for {
		release, ok, err := l.TryAcquire(ctx, key, l.ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if l == nil || l.client == nil {
		return nil, false, errors.New("lock client not configured")
	}
	if key == "" {
		return nil, false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return nil, false, errors.New("lock ttl must be positive")
	}

	fullKey := l.prefix + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		// The caller's ctx may already be done; release must still run.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.script.Run(releaseCtx, l.client, []string{fullKey}, token).Err()
	}, true, nil
}

var (
	_ Locker = (*RedisLocker)(nil)
	_ Lease  = (*RedisLocker)(nil)
)
