package metrics

import (
	"time"

	"github.com/djlord-it/mailrelay/internal/delivery"
)

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) IntakeOutcome(outcome string)                                      {}
func (n *NoopSink) SendAttemptCompleted(outcome, failureKind string, d time.Duration) {}
func (n *NoopSink) SendsInFlightIncr()                                                {}
func (n *NoopSink) SendsInFlightDecr()                                                {}
func (n *NoopSink) StoreError(op string)                                              {}
func (n *NoopSink) MessageReceived()                                                  {}
func (n *NoopSink) MessageDropped(reason string)                                      {}
func (n *NoopSink) IntakeRedelivered()                                                {}
func (n *NoopSink) BufferSizeUpdate(size int)                                         {}
func (n *NoopSink) BufferCapacitySet(capacity int)                                    {}
func (n *NoopSink) EmitError()                                                        {}
func (n *NoopSink) SweepCompleted(result delivery.SweepResult, d time.Duration)       {}
func (n *NoopSink) SweepFailed()                                                      {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                                 {}
func (n *NoopSink) LeaderAcquired()                                                   {}
func (n *NoopSink) LeaderLost(reason string)                                          {}
