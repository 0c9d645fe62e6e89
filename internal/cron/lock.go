package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const defaultLockTTL = 5 * time.Minute

// Lock is the leader lease for one cron worker fleet. A leader keeps the
// lease across cycles by extending it, so schedule state stays with one
// process until it stops or stalls past the TTL.
type Lock interface {
	// Acquire takes the lease when nobody holds it.
	Acquire(ctx context.Context) (bool, error)
	// Extend resets the TTL and reports false once the lease was lost.
	Extend(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// redisStore is the subset of *redis.Client the lease uses.
type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	ExtendIfOwner(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseIfOwner(ctx context.Context, key, owner string) (bool, error)
}

// RedisLock holds the lease under a per-process owner token. Extend and
// Release are compare-and-act scripts, so a process never touches a lease
// another process took over after expiry.
type RedisLock struct {
	client redisStore
	key    string
	ttl    time.Duration
	owner  string
}

func NewRedisLock(client redisStore, key string, ttl time.Duration) (*RedisLock, error) {
	if client == nil {
		return nil, errors.New("redis client required for lock")
	}
	if key == "" {
		return nil, errors.New("lock key is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLock{client: client, key: key, ttl: ttl, owner: uuid.NewString()}, nil
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	return ok, nil
}

func (l *RedisLock) Extend(ctx context.Context) (bool, error) {
	ok, err := l.client.ExtendIfOwner(ctx, l.key, l.owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("extend %s: %w", l.key, err)
	}
	return ok, nil
}

func (l *RedisLock) Release(ctx context.Context) error {
	if _, err := l.client.ReleaseIfOwner(ctx, l.key, l.owner); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}
