// Package testutil provides shared test helpers for mailrelay.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/mailrelay/internal/domain"
)

// FakeClock is a manually advanced time source. Pass clock.Now wherever a
// component accepts a func() time.Time.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Redis starts an in-process Redis server for the duration of the test.
func Redis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// Record builds a persisted-looking delivery record in the given status.
func Record(id string, status domain.Status) domain.DeliveryRecord {
	created := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	rec := domain.DeliveryRecord{
		ID:        id,
		Recipient: id + "@example.com",
		Subject:   "subject " + id,
		Body:      "body " + id,
		Status:    status,
		CreatedAt: created,
		Version:   1,
	}
	switch status {
	case domain.StatusSent:
		rec.LastAttemptAt = created.Add(time.Second)
		rec.SentAt = rec.LastAttemptAt
	case domain.StatusFailed:
		rec.AttemptCount = 1
		rec.LastAttemptAt = created.Add(time.Second)
		rec.ErrorReason = "connection: dial tcp: connection refused"
	}
	return rec
}
