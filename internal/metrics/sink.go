package metrics

import (
	"time"

	"github.com/djlord-it/mailrelay/internal/delivery"
	"github.com/djlord-it/mailrelay/internal/intake"
	"github.com/djlord-it/mailrelay/internal/leaderelection"
	"github.com/djlord-it/mailrelay/internal/sweeper"
	"github.com/djlord-it/mailrelay/internal/transport/channel"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Engine metrics
	IntakeOutcome(outcome string)
	SendAttemptCompleted(outcome string, failureKind string, duration time.Duration)
	SendsInFlightIncr()
	SendsInFlightDecr()
	StoreError(op string)

	// Intake listener metrics
	MessageReceived()
	MessageDropped(reason string)
	IntakeRedelivered()

	// Channel bus metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	EmitError()

	// Sweeper metrics
	SweepCompleted(result delivery.SweepResult, duration time.Duration)
	SweepFailed()

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

var (
	_ delivery.MetricsSink       = Sink(nil)
	_ intake.MetricsSink         = Sink(nil)
	_ channel.MetricsSink        = Sink(nil)
	_ sweeper.MetricsSink        = Sink(nil)
	_ leaderelection.MetricsSink = Sink(nil)
)
