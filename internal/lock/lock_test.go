package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_SerializesSameKey(t *testing.T) {
	l := NewLocal()

	var inside int32
	var maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "e1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside, "critical section must be exclusive per key")
	assert.Equal(t, 0, l.size(), "entries should be released")
}

func TestLocal_DifferentKeysDoNotBlock(t *testing.T) {
	l := NewLocal()

	unlockA, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlockB, err := l.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestLocal_ContextCancelledWhileWaiting(t *testing.T) {
	l := NewLocal()

	unlock, err := l.Lock(context.Background(), "e1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "e1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // idempotent
	assert.Equal(t, 0, l.size())
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedis_LockAndRelease(t *testing.T) {
	client := newTestRedis(t)
	l := NewRedis(client, RedisOptions{Tries: 1})

	unlock, err := l.Lock(context.Background(), "e1")
	require.NoError(t, err)

	n, err := client.Exists(context.Background(), "mailrelay:lock:e1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	unlock()

	n, err = client.Exists(context.Background(), "mailrelay:lock:e1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRedis_HeldByOtherInstance(t *testing.T) {
	client := newTestRedis(t)
	first := NewRedis(client, RedisOptions{Tries: 1})
	second := NewRedis(client, RedisOptions{Tries: 2, RetryDelay: 10 * time.Millisecond})

	unlock, err := first.Lock(context.Background(), "e1")
	require.NoError(t, err)
	defer unlock()

	_, err = second.Lock(context.Background(), "e1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotAcquired))
}
