package intake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/mailrelay/internal/delivery"
	"github.com/djlord-it/mailrelay/internal/domain"
)

// fakeSource serves a fixed list of payloads and records commits. Once the
// list is exhausted Fetch blocks until ctx is done.
type fakeSource struct {
	mu        sync.Mutex
	payloads  [][]byte
	next      int
	committed []int64
	drained   chan struct{}
}

func newFakeSource(payloads ...string) *fakeSource {
	s := &fakeSource{drained: make(chan struct{})}
	for _, p := range payloads {
		s.payloads = append(s.payloads, []byte(p))
	}
	return s
}

func (s *fakeSource) Fetch(ctx context.Context) (Envelope, error) {
	s.mu.Lock()
	if s.next < len(s.payloads) {
		env := Envelope{Value: s.payloads[s.next], Offset: int64(s.next)}
		s.next++
		s.mu.Unlock()
		return env, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return Envelope{}, ctx.Err()
}

func (s *fakeSource) Commit(ctx context.Context, env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, env.Offset)
	if len(s.committed) == len(s.payloads) {
		close(s.drained)
	}
	return nil
}

func (s *fakeSource) commits() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.committed...)
}

// fakeEngine returns errs in order, then nil.
type fakeEngine struct {
	mu   sync.Mutex
	errs []error
	msgs []domain.Message
}

func (e *fakeEngine) Intake(ctx context.Context, msg domain.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgs = append(e.msgs, msg)
	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]
		return err
	}
	return nil
}

func (e *fakeEngine) calls() []domain.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.Message(nil), e.msgs...)
}

type fakeMetrics struct {
	mu         sync.Mutex
	received   int
	dropped    []string
	redelivery int
}

func (m *fakeMetrics) MessageReceived() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received++
}

func (m *fakeMetrics) MessageDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped = append(m.dropped, reason)
}

func (m *fakeMetrics) IntakeRedelivered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redelivery++
}

func runUntilDrained(t *testing.T, l *Listener, src *fakeSource) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case <-src.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for source to drain")
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestListener_ForwardsAndCommits(t *testing.T) {
	src := newFakeSource(
		`{"id":"e1","recipientEmail":"a@x.io","subject":"Hi","content":"Body"}`,
		`{"id":"e2","recipient":"b@x.io","subject":"Yo","content":"More"}`,
	)
	engine := &fakeEngine{}
	metrics := &fakeMetrics{}

	runUntilDrained(t, NewListener(engine, src).WithMetrics(metrics), src)

	calls := engine.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, domain.Message{ID: "e1", Recipient: "a@x.io", Subject: "Hi", Content: "Body"}, calls[0])
	assert.Equal(t, "b@x.io", calls[1].Recipient)
	assert.Equal(t, []int64{0, 1}, src.commits())
	assert.Equal(t, 2, metrics.received)
}

func TestListener_DropsMalformedAndCommits(t *testing.T) {
	src := newFakeSource(
		`not json`,
		`{"recipient":"a@x.io"}`,
		`{"id":"   ","recipient":"a@x.io"}`,
		`{"id":"ok"}`,
	)
	engine := &fakeEngine{}
	metrics := &fakeMetrics{}

	runUntilDrained(t, NewListener(engine, src).WithMetrics(metrics), src)

	calls := engine.calls()
	require.Len(t, calls, 1, "malformed messages must never reach the engine")
	assert.Equal(t, "ok", calls[0].ID)
	assert.Equal(t, []int64{0, 1, 2, 3}, src.commits())
	assert.Equal(t, []string{DropUndecodable, DropInvalid, DropInvalid}, metrics.dropped)
}

func TestListener_StoreFaultRetriesWithoutCommit(t *testing.T) {
	src := newFakeSource(`{"id":"e1"}`)
	storeDown := errors.Join(delivery.ErrStoreUnavailable, errors.New("connection refused"))
	engine := &fakeEngine{errs: []error{storeDown, storeDown}}
	metrics := &fakeMetrics{}

	l := NewListener(engine, src).WithMetrics(metrics).WithRetryInterval(time.Millisecond)
	runUntilDrained(t, l, src)

	assert.Len(t, engine.calls(), 3)
	assert.Equal(t, []int64{0}, src.commits(), "committed once, after the outcome was recorded")
	assert.Equal(t, 2, metrics.redelivery)
}

func TestListener_ShutdownDuringRetryDoesNotCommit(t *testing.T) {
	src := newFakeSource(`{"id":"e1"}`)
	engine := &fakeEngine{errs: []error{delivery.ErrStoreUnavailable}}

	l := NewListener(engine, src).WithRetryInterval(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return len(engine.calls()) == 1 }, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}
	assert.Empty(t, src.commits())
}

func TestListener_EngineInvalidMessageIsDropped(t *testing.T) {
	src := newFakeSource(`{"id":"e1"}`)
	engine := &fakeEngine{errs: []error{domain.ErrInvalidMessage}}

	runUntilDrained(t, NewListener(engine, src).WithRetryInterval(time.Hour), src)

	assert.Len(t, engine.calls(), 1)
	assert.Equal(t, []int64{0}, src.commits())
}

func TestListener_MultipleSources(t *testing.T) {
	a := newFakeSource(`{"id":"a1"}`, `{"id":"a2"}`)
	b := newFakeSource(`{"id":"b1"}`)
	engine := &fakeEngine{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewListener(engine, a, b).Run(ctx) }()

	for _, src := range []*fakeSource{a, b} {
		select {
		case <-src.drained:
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for sources")
		}
	}
	cancel()
	<-done

	assert.Len(t, engine.calls(), 3)
}
