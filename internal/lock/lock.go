// Package lock provides the serialization point for balance mutations.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
)

// Locker grants exclusive access until the returned release func is called.
// Lock must give up when ctx is done.
type Locker interface {
	Lock(ctx context.Context) (func(), error)
}

// Local is an in-process lock backed by a one-slot channel, so waiting respects ctx.
type Local struct {
	slot chan struct{}
}

var _ Locker = (*Local)(nil)

func NewLocal() *Local {
	return &Local{slot: make(chan struct{}, 1)}
}

func (l *Local) Lock(ctx context.Context) (func(), error) {
	select {
	case l.slot <- struct{}{}:
		return func() { <-l.slot }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire lock: %w", ctx.Err())
	}
}

// DefaultKey is the redis key guarding the balance aggregate.
const DefaultKey = "tally:lock:balance"

// ErrNotAcquired is returned when the distributed lock could not be taken in time.
var ErrNotAcquired = errors.New("distributed lock not acquired")

// RedisOptions tunes the redsync mutex.
type RedisOptions struct {
	Key        string
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

// DefaultRedisOptions keeps lock hold times short; every mutation is a bounded unit of work.
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Key:        DefaultKey,
		Expiry:     8 * time.Second,
		Tries:      32,
		RetryDelay: 50 * time.Millisecond,
	}
}

// Redis is a distributed lock shared by every API replica (RedLock via redsync).
type Redis struct {
	rs   *redsync.Redsync
	opts RedisOptions
}

var _ Locker = (*Redis)(nil)

// NewRedis builds a Redis lock over an existing go-redis client.
func NewRedis(client goredislib.UniversalClient, opts RedisOptions) *Redis {
	def := DefaultRedisOptions()
	if opts.Key == "" {
		opts.Key = def.Key
	}
	if opts.Expiry <= 0 {
		opts.Expiry = def.Expiry
	}
	if opts.Tries <= 0 {
		opts.Tries = def.Tries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	return &Redis{rs: redsync.New(goredis.NewPool(client)), opts: opts}
}

func (r *Redis) Lock(ctx context.Context) (func(), error) {
	m := r.rs.NewMutex(r.opts.Key,
		redsync.WithExpiry(r.opts.Expiry),
		redsync.WithTries(r.opts.Tries),
		redsync.WithRetryDelay(r.opts.RetryDelay),
	)
	if err := m.LockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", r.opts.Key, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, r.opts.Key, err)
	}
	return func() {
		// Use a fresh context: the request context may already be cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = m.UnlockContext(ctx)
	}, nil
}
