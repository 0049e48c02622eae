// Package channel is an in-process message stream. It backs the intake
// listener when no broker is configured and carries messages accepted by
// POST /api/messages.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/djlord-it/mailrelay/internal/domain"
	"github.com/djlord-it/mailrelay/internal/intake"
)

var ErrBufferFull = errors.New("message bus buffer full")

const DefaultEmitTimeout = 5 * time.Second

// MetricsSink records bus metrics. Implementations must be non-blocking.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	EmitError()
}

type Bus struct {
	ch          chan []byte
	emitTimeout time.Duration
	metrics     MetricsSink
}

type Option func(*Bus)

func WithEmitTimeout(d time.Duration) Option {
	return func(b *Bus) { b.emitTimeout = d }
}

func WithMetrics(m MetricsSink) Option {
	return func(b *Bus) { b.metrics = m }
}

func NewBus(buffer int, opts ...Option) *Bus {
	b := &Bus{
		ch:          make(chan []byte, buffer),
		emitTimeout: DefaultEmitTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics != nil {
		b.metrics.BufferCapacitySet(buffer)
	}
	return b
}

// Emit enqueues one encoded message. It waits at most the emit timeout for
// buffer space and returns ErrBufferFull after that.
func (b *Bus) Emit(ctx context.Context, payload []byte) error {
	t := time.NewTimer(b.emitTimeout)
	defer t.Stop()

	select {
	case b.ch <- payload:
		b.reportSize()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		if b.metrics != nil {
			b.metrics.EmitError()
		}
		return ErrBufferFull
	}
}

// Publish encodes and emits each message in order, stopping at the first
// error.
func (b *Bus) Publish(ctx context.Context, msgs ...domain.Message) error {
	for _, m := range msgs {
		payload, err := domain.EncodeMessage(m)
		if err != nil {
			return err
		}
		if err := b.Emit(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}

// Fetch blocks until a message is available or ctx is done.
func (b *Bus) Fetch(ctx context.Context) (intake.Envelope, error) {
	select {
	case payload := <-b.ch:
		b.reportSize()
		return intake.Envelope{Value: payload, Time: time.Now()}, nil
	case <-ctx.Done():
		return intake.Envelope{}, ctx.Err()
	}
}

// Commit is a no-op: a message leaves the bus when it is fetched.
func (b *Bus) Commit(ctx context.Context, env intake.Envelope) error {
	return nil
}

func (b *Bus) Len() int {
	return len(b.ch)
}

func (b *Bus) reportSize() {
	if b.metrics != nil {
		b.metrics.BufferSizeUpdate(len(b.ch))
	}
}

var _ intake.Source = (*Bus)(nil)
