package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/djlord-it/mailrelay/internal/delivery"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger *zap.Logger

	// Engine metrics
	intakeOutcomesTotal *prometheus.CounterVec
	sendAttemptsTotal   *prometheus.CounterVec
	sendDuration        prometheus.Histogram
	sendsInFlight       prometheus.Gauge
	storeErrorsTotal    *prometheus.CounterVec

	// Intake listener metrics
	messagesReceivedTotal prometheus.Counter
	messagesDroppedTotal  *prometheus.CounterVec
	redeliveriesTotal     prometheus.Counter

	// Channel bus metrics
	bufferSize      prometheus.Gauge
	bufferCapacity  prometheus.Gauge
	emitErrorsTotal prometheus.Counter

	// Sweeper metrics
	sweepsTotal        *prometheus.CounterVec
	sweepCandidates    prometheus.Histogram
	failedBacklog      prometheus.Gauge
	sweepRecordsTotal  *prometheus.CounterVec
	sweepDuration      prometheus.Histogram
	lastSweepTimestamp prometheus.Gauge

	// Leader election metrics
	isLeader          prometheus.Gauge
	leaderAcquisition prometheus.Counter
	leaderLossTotal   *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
// Metrics that fail to register keep working but are not exported.
func NewPrometheusSink(reg prometheus.Registerer, logger *zap.Logger) *PrometheusSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &PrometheusSink{logger: logger}
	s.initEngineMetrics(reg)
	s.initIntakeMetrics(reg)
	s.initBusMetrics(reg)
	s.initSweeperMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initEngineMetrics(reg prometheus.Registerer) {
	s.intakeOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_engine_intake_outcomes_total",
		Help: "Total number of intake decisions by outcome (created, updated, duplicate).",
	}, []string{"outcome"})

	s.sendAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_engine_send_attempts_total",
		Help: "Total number of send attempts by outcome and failure kind.",
	}, []string{"outcome", "failure_kind"})

	s.sendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailrelay_engine_send_duration_seconds",
		Help:    "Mail transport latency in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.sendsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailrelay_engine_sends_in_flight",
		Help: "Number of send attempts currently in progress.",
	})

	s.storeErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_engine_store_errors_total",
		Help: "Total number of delivery store errors by operation.",
	}, []string{"op"})

	s.register(reg, s.intakeOutcomesTotal, "mailrelay_engine_intake_outcomes_total")
	s.register(reg, s.sendAttemptsTotal, "mailrelay_engine_send_attempts_total")
	s.register(reg, s.sendDuration, "mailrelay_engine_send_duration_seconds")
	s.register(reg, s.sendsInFlight, "mailrelay_engine_sends_in_flight")
	s.register(reg, s.storeErrorsTotal, "mailrelay_engine_store_errors_total")
}

func (s *PrometheusSink) initIntakeMetrics(reg prometheus.Registerer) {
	s.messagesReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailrelay_intake_messages_received_total",
		Help: "Total number of messages fetched from intake sources.",
	})
	s.messagesDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_intake_messages_dropped_total",
		Help: "Total number of malformed messages dropped by reason.",
	}, []string{"reason"})
	s.redeliveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailrelay_intake_redeliveries_total",
		Help: "Total number of messages retried after a store fault.",
	})

	s.register(reg, s.messagesReceivedTotal, "mailrelay_intake_messages_received_total")
	s.register(reg, s.messagesDroppedTotal, "mailrelay_intake_messages_dropped_total")
	s.register(reg, s.redeliveriesTotal, "mailrelay_intake_redeliveries_total")
}

func (s *PrometheusSink) initBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailrelay_bus_buffer_size",
		Help: "Current number of messages in the in-process bus buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailrelay_bus_buffer_capacity",
		Help: "Capacity of the in-process bus buffer.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailrelay_bus_emit_errors_total",
		Help: "Total number of emit errors (buffer full).",
	})

	s.register(reg, s.bufferSize, "mailrelay_bus_buffer_size")
	s.register(reg, s.bufferCapacity, "mailrelay_bus_buffer_capacity")
	s.register(reg, s.emitErrorsTotal, "mailrelay_bus_emit_errors_total")
}

func (s *PrometheusSink) initSweeperMetrics(reg prometheus.Registerer) {
	s.sweepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_sweeper_runs_total",
		Help: "Total number of retry sweeps by result (completed, failed).",
	}, []string{"result"})
	s.sweepCandidates = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailrelay_sweeper_candidates",
		Help:    "Number of FAILED records found per sweep.",
		Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000},
	})
	s.failedBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailrelay_sweeper_failed_backlog",
		Help: "FAILED records found by the most recent sweep.",
	})
	s.sweepRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_sweeper_records_total",
		Help: "Total number of records processed by sweeps by result.",
	}, []string{"result"})
	s.sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailrelay_sweeper_duration_seconds",
		Help:    "Duration of each retry sweep in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})
	s.lastSweepTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailrelay_sweeper_last_completed_timestamp_seconds",
		Help: "Unix time of the last completed sweep.",
	})

	s.register(reg, s.sweepsTotal, "mailrelay_sweeper_runs_total")
	s.register(reg, s.sweepCandidates, "mailrelay_sweeper_candidates")
	s.register(reg, s.failedBacklog, "mailrelay_sweeper_failed_backlog")
	s.register(reg, s.sweepRecordsTotal, "mailrelay_sweeper_records_total")
	s.register(reg, s.sweepDuration, "mailrelay_sweeper_duration_seconds")
	s.register(reg, s.lastSweepTimestamp, "mailrelay_sweeper_last_completed_timestamp_seconds")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailrelay_leader_is_leader",
		Help: "1 if this instance currently runs the retry sweeper, 0 otherwise.",
	})
	s.leaderAcquisition = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailrelay_leader_acquisitions_total",
		Help: "Total number of times leadership was acquired.",
	})
	s.leaderLossTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_leader_losses_total",
		Help: "Total number of times leadership was lost by reason.",
	}, []string{"reason"})

	s.register(reg, s.isLeader, "mailrelay_leader_is_leader")
	s.register(reg, s.leaderAcquisition, "mailrelay_leader_acquisitions_total")
	s.register(reg, s.leaderLossTotal, "mailrelay_leader_losses_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warn("metrics: failed to register collector", zap.String("name", name), zap.Error(err))
	}
}

// Engine metrics implementation

func (s *PrometheusSink) IntakeOutcome(outcome string) {
	s.intakeOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) SendAttemptCompleted(outcome string, failureKind string, duration time.Duration) {
	if failureKind == "" {
		failureKind = "none"
	}
	s.sendAttemptsTotal.WithLabelValues(outcome, failureKind).Inc()
	s.sendDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) SendsInFlightIncr() {
	s.sendsInFlight.Inc()
}

func (s *PrometheusSink) SendsInFlightDecr() {
	s.sendsInFlight.Dec()
}

func (s *PrometheusSink) StoreError(op string) {
	s.storeErrorsTotal.WithLabelValues(op).Inc()
}

// Intake listener metrics implementation

func (s *PrometheusSink) MessageReceived() {
	s.messagesReceivedTotal.Inc()
}

func (s *PrometheusSink) MessageDropped(reason string) {
	s.messagesDroppedTotal.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) IntakeRedelivered() {
	s.redeliveriesTotal.Inc()
}

// Channel bus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Sweeper metrics implementation

func (s *PrometheusSink) SweepCompleted(result delivery.SweepResult, duration time.Duration) {
	s.sweepsTotal.WithLabelValues("completed").Inc()
	s.sweepCandidates.Observe(float64(result.Candidates))
	s.failedBacklog.Set(float64(result.Candidates))
	s.sweepRecordsTotal.WithLabelValues("sent").Add(float64(result.Sent))
	s.sweepRecordsTotal.WithLabelValues("failed").Add(float64(result.Failed))
	s.sweepRecordsTotal.WithLabelValues("skipped").Add(float64(result.Skipped))
	s.sweepRecordsTotal.WithLabelValues("error").Add(float64(result.Errors))
	s.sweepDuration.Observe(duration.Seconds())
	s.lastSweepTimestamp.SetToCurrentTime()
}

func (s *PrometheusSink) SweepFailed() {
	s.sweepsTotal.WithLabelValues("failed").Inc()
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
		return
	}
	s.isLeader.Set(0)
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquisition.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLossTotal.WithLabelValues(reason).Inc()
}
