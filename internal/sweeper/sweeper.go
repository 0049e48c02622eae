// Package sweeper periodically retries every FAILED delivery record.
//
// Sweeps never overlap within one process: the next sweep is scheduled
// only after the previous one returns. Sweeps on different instances may
// overlap; the engine's per-record lock and versioned saves make that safe.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/djlord-it/mailrelay/internal/cron"
	"github.com/djlord-it/mailrelay/internal/delivery"
)

type Engine interface {
	RetryAllFailed(ctx context.Context) (delivery.SweepResult, error)
}

// MetricsSink defines the interface for recording sweep metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	SweepCompleted(result delivery.SweepResult, duration time.Duration)
	SweepFailed()
}

type Config struct {
	// Schedule decides when sweeps run. Default: every 5 minutes.
	Schedule cron.Schedule

	// RunOnStart runs one sweep immediately when Run is called.
	RunOnStart bool
}

func DefaultConfig() Config {
	every, _ := cron.Every(5 * time.Minute)
	return Config{Schedule: every}
}

type Sweeper struct {
	config  Config
	engine  Engine
	metrics MetricsSink // optional, nil = disabled
	logger  *zap.Logger
	clock   func() time.Time
}

func New(config Config, engine Engine) *Sweeper {
	if config.Schedule == nil {
		config.Schedule = DefaultConfig().Schedule
	}
	return &Sweeper{
		config: config,
		engine: engine,
		logger: zap.NewNop(),
		clock:  time.Now,
	}
}

func (s *Sweeper) WithMetrics(sink MetricsSink) *Sweeper {
	s.metrics = sink
	return s
}

func (s *Sweeper) WithLogger(logger *zap.Logger) *Sweeper {
	s.logger = logger
	return s
}

// Run sweeps on schedule until ctx is cancelled. A sweep in progress when
// ctx is cancelled stops before its next record.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper: started", zap.Bool("run_on_start", s.config.RunOnStart))

	if s.config.RunOnStart {
		s.Sweep(ctx)
	}

	for {
		now := s.clock()
		wait := s.config.Schedule.Next(now).Sub(now)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("sweeper: stopped")
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one retry pass and logs its outcome. Record-level faults are
// logged by the engine; the pass itself only fails if the FAILED set could
// not be read.
func (s *Sweeper) Sweep(ctx context.Context) {
	start := s.clock()

	res, err := s.engine.RetryAllFailed(ctx)
	duration := s.clock().Sub(start)

	if err != nil && res.Candidates == 0 {
		// Could not even list FAILED records; retry next tick.
		s.logger.Error("sweeper: sweep failed", zap.Error(err))
		if s.metrics != nil {
			s.metrics.SweepFailed()
		}
		return
	}

	if s.metrics != nil {
		s.metrics.SweepCompleted(res, duration)
	}

	if res.Candidates == 0 {
		return
	}

	fields := []zap.Field{
		zap.Int("candidates", res.Candidates),
		zap.Int("sent", res.Sent),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Int("errors", res.Errors),
		zap.Duration("duration", duration),
	}
	if err != nil {
		s.logger.Warn("sweeper: sweep complete with errors", append(fields, zap.Error(err))...)
		return
	}
	s.logger.Info("sweeper: sweep complete", fields...)
}
