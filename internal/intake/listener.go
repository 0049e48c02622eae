// Package intake bridges the inbound event stream to the delivery engine.
//
// A message is committed to its source only once the engine has recorded
// its outcome, or once it is known to be malformed. Store faults are never
// committed: the listener keeps retrying the same message, so one partition
// never advances past an unrecorded message.
package intake

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"go.uber.org/zap"

	"github.com/djlord-it/mailrelay/internal/domain"
)

// Envelope is one raw message fetched from a Source.
type Envelope struct {
	Key       string
	Value     []byte
	Partition int
	Offset    int64
	Time      time.Time

	// Raw is the transport's own message, needed to commit it.
	Raw any
}

// Source is an ordered stream of envelopes. Implementations must be safe for
// one Fetch/Commit caller; the listener runs one loop per Source.
type Source interface {
	Fetch(ctx context.Context) (Envelope, error)
	Commit(ctx context.Context, env Envelope) error
}

type Engine interface {
	Intake(ctx context.Context, msg domain.Message) error
}

// MetricsSink records listener metrics. Implementations must be non-blocking.
type MetricsSink interface {
	MessageReceived()
	MessageDropped(reason string)
	IntakeRedelivered()
}

// Drop reasons reported to MetricsSink.
const (
	DropUndecodable = "undecodable"
	DropInvalid     = "invalid"
)

const (
	DefaultRetryInterval = 5 * time.Second
	fetchErrorBackoff    = time.Second
)

type Listener struct {
	engine        Engine
	sources       []Source
	validate      *validator.Validate
	retryInterval time.Duration
	metrics       MetricsSink // optional, nil = disabled
	logger        *zap.Logger
}

// NewListener returns a listener with one worker per source. Passing the same
// in-memory source several times gives that many concurrent workers.
func NewListener(engine Engine, sources ...Source) *Listener {
	return &Listener{
		engine:        engine,
		sources:       sources,
		validate:      newValidator(),
		retryInterval: DefaultRetryInterval,
		logger:        zap.NewNop(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// notblank is a known tag; registration cannot fail.
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	return v
}

// WithRetryInterval sets the pause before retrying a message whose intake
// failed on a store fault.
func (l *Listener) WithRetryInterval(d time.Duration) *Listener {
	if d > 0 {
		l.retryInterval = d
	}
	return l
}

func (l *Listener) WithMetrics(sink MetricsSink) *Listener {
	l.metrics = sink
	return l
}

func (l *Listener) WithLogger(logger *zap.Logger) *Listener {
	l.logger = logger
	return l
}

// Run consumes every source until ctx is cancelled, then waits for the
// in-flight message of each worker to finish.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("intake: started", zap.Int("workers", len(l.sources)))

	var wg sync.WaitGroup
	for i, src := range l.sources {
		wg.Add(1)
		go func(worker int, src Source) {
			defer wg.Done()
			l.consume(ctx, worker, src)
		}(i, src)
	}
	wg.Wait()

	l.logger.Info("intake: stopped")
	return ctx.Err()
}

func (l *Listener) consume(ctx context.Context, worker int, src Source) {
	for {
		env, err := src.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Error("intake: fetch failed", zap.Int("worker", worker), zap.Error(err))
			if !sleep(ctx, fetchErrorBackoff) {
				return
			}
			continue
		}

		if !l.handle(ctx, env) {
			return
		}

		if err := src.Commit(ctx, env); err != nil {
			// The message will be redelivered; intake is idempotent.
			l.logger.Warn("intake: commit failed",
				zap.Int("partition", env.Partition),
				zap.Int64("offset", env.Offset),
				zap.Error(err))
		}
	}
}

// handle processes one envelope. It returns true when the envelope may be
// committed and false when ctx ended before its outcome was recorded.
func (l *Listener) handle(ctx context.Context, env Envelope) bool {
	if l.metrics != nil {
		l.metrics.MessageReceived()
	}

	msg, err := domain.DecodeMessage(env.Value)
	if err != nil {
		l.drop(env, DropUndecodable, err)
		return true
	}
	if err := l.validate.Struct(msg); err != nil {
		l.drop(env, DropInvalid, err)
		return true
	}

	for {
		err := l.engine.Intake(ctx, msg)
		if err == nil {
			return true
		}
		if errors.Is(err, domain.ErrInvalidMessage) {
			l.drop(env, DropInvalid, err)
			return true
		}

		l.logger.Error("intake: not recorded, will retry",
			zap.String("id", msg.ID),
			zap.Int("partition", env.Partition),
			zap.Int64("offset", env.Offset),
			zap.Duration("retry_in", l.retryInterval),
			zap.Error(err))
		if l.metrics != nil {
			l.metrics.IntakeRedelivered()
		}
		if !sleep(ctx, l.retryInterval) {
			return false
		}
	}
}

func (l *Listener) drop(env Envelope, reason string, err error) {
	l.logger.Warn("intake: dropping message",
		zap.String("reason", reason),
		zap.String("key", env.Key),
		zap.Int("partition", env.Partition),
		zap.Int64("offset", env.Offset),
		zap.Error(err))
	if l.metrics != nil {
		l.metrics.MessageDropped(reason)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
