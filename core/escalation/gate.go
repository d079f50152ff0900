package escalation

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
)

// SweepGate decides whether this process may run a sweep. release must be called
// once the sweep ends when ok is true.
type SweepGate interface {
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}

type AlwaysGate struct{}

func (AlwaysGate) Acquire(context.Context) (func(), bool, error) {
	return func() {}, true, nil
}

type redisLocker interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisGate is a leader lock shared by replicas: the first to SETNX the key runs the
// sweep. The key is never deleted; it expires after ttl, so replicas whose ticks land
// inside the same interval find it held. ttl should sit a little under the interval.
type RedisGate struct {
	client redisLocker
	key    string
	ttl    time.Duration
}

func NewRedisGate(client redisLocker, key string, ttl time.Duration) *RedisGate {
	if ttl <= 0 {
		ttl = 4 * time.Minute
	}
	return &RedisGate{client: client, key: key, ttl: ttl}
}

func (g *RedisGate) Acquire(ctx context.Context) (func(), bool, error) {
	token := uuid.Must(uuid.NewV4()).String()
	ok, err := g.client.SetNX(ctx, g.key, token, g.ttl).Result()
	if err != nil || !ok {
		return func() {}, false, err
	}
	return func() {}, true, nil
}

// LockTTL keeps the leader lock shorter than the sweep interval so the next
// scheduled sweep of any replica can take it.
func LockTTL(ttl, interval time.Duration) time.Duration {
	if ttl <= 0 || ttl >= interval {
		return interval - interval/10
	}
	return ttl
}
