package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNotAcquired is returned when the distributed lock could not be taken
// within the configured number of tries.
var ErrNotAcquired = errors.New("lock not acquired")

// RedisOptions tunes the distributed lock.
type RedisOptions struct {
	// Prefix is prepended to every key. Default: "mailrelay:lock:".
	Prefix string

	// Expiry must exceed the longest critical section (send timeout plus
	// store round trips). Default: 60 seconds.
	Expiry time.Duration

	// Tries is the number of acquisition attempts. Default: 32.
	Tries int

	// RetryDelay is the pause between attempts. Default: 250ms.
	RetryDelay time.Duration
}

func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Prefix:     "mailrelay:lock:",
		Expiry:     60 * time.Second,
		Tries:      32,
		RetryDelay: 250 * time.Millisecond,
	}
}

// Redis is a cross-instance keyed lock backed by redsync.
type Redis struct {
	rs     *redsync.Redsync
	opts   RedisOptions
	local  *Local
	logger *zap.Logger
}

func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	def := DefaultRedisOptions()
	if opts.Prefix == "" {
		opts.Prefix = def.Prefix
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
	return &Redis{
		rs:     redsync.New(goredis.NewPool(client)),
		opts:   opts,
		local:  NewLocal(),
		logger: zap.NewNop(),
	}
}

func (r *Redis) WithLogger(logger *zap.Logger) *Redis {
	r.logger = logger
	return r
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := r.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	m := r.rs.NewMutex(r.opts.Prefix+key,
		redsync.WithExpiry(r.opts.Expiry),
		redsync.WithTries(r.opts.Tries),
		redsync.WithRetryDelay(r.opts.RetryDelay),
	)
	if err := m.LockContext(ctx); err != nil {
		unlockLocal()
		return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, err)
	}

	return func() {
		// Release even if the caller's context is already cancelled.
		if ok, err := m.UnlockContext(context.Background()); err != nil || !ok {
			r.logger.Warn("lock: release failed, lock may have expired",
				zap.String("key", key), zap.Error(err))
		}
		unlockLocal()
	}, nil
}
