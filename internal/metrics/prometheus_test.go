package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/djlord-it/mailrelay/internal/delivery"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, zap.NewNop())
	return sink, reg
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func getHistogramCount(t *testing.T, reg *prometheus.Registry, name string) uint64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetHistogram() != nil {
					return m.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	return 0
}

func TestPrometheusSink_Registration(t *testing.T) {
	// Should not panic or error with a fresh registry.
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, nil)
	if sink == nil {
		t.Fatal("NewPrometheusSink returned nil")
	}
}

func TestPrometheusSink_IntakeOutcome(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.IntakeOutcome(delivery.IntakeCreated)
	sink.IntakeOutcome(delivery.IntakeDuplicate)
	sink.IntakeOutcome(delivery.IntakeDuplicate)

	created := getCounterVecValue(t, reg, "mailrelay_engine_intake_outcomes_total",
		map[string]string{"outcome": delivery.IntakeCreated})
	if created != 1 {
		t.Errorf("outcome=created = %v, want 1", created)
	}
	dup := getCounterVecValue(t, reg, "mailrelay_engine_intake_outcomes_total",
		map[string]string{"outcome": delivery.IntakeDuplicate})
	if dup != 2 {
		t.Errorf("outcome=duplicate = %v, want 2", dup)
	}
}

func TestPrometheusSink_SendAttemptLabels(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.SendAttemptCompleted("sent", "", 100*time.Millisecond)
	sink.SendAttemptCompleted("failed", "timeout", 30*time.Second)

	sent := getCounterVecValue(t, reg, "mailrelay_engine_send_attempts_total",
		map[string]string{"outcome": "sent", "failure_kind": "none"})
	if sent != 1 {
		t.Errorf("outcome=sent = %v, want 1", sent)
	}
	timeout := getCounterVecValue(t, reg, "mailrelay_engine_send_attempts_total",
		map[string]string{"outcome": "failed", "failure_kind": "timeout"})
	if timeout != 1 {
		t.Errorf("outcome=failed,failure_kind=timeout = %v, want 1", timeout)
	}
	if n := getHistogramCount(t, reg, "mailrelay_engine_send_duration_seconds"); n != 2 {
		t.Errorf("send_duration sample count = %d, want 2", n)
	}
}

func TestPrometheusSink_SendsInFlight(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.SendsInFlightIncr()
	sink.SendsInFlightIncr()
	sink.SendsInFlightDecr()

	val := getGaugeValue(t, reg, "mailrelay_engine_sends_in_flight")
	if val != 1 {
		t.Errorf("sends_in_flight = %v, want 1", val)
	}
}

func TestPrometheusSink_IntakeListener(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.MessageReceived()
	sink.MessageReceived()
	sink.MessageDropped("invalid")
	sink.IntakeRedelivered()

	if v := getCounterValue(t, reg, "mailrelay_intake_messages_received_total"); v != 2 {
		t.Errorf("messages_received_total = %v, want 2", v)
	}
	if v := getCounterVecValue(t, reg, "mailrelay_intake_messages_dropped_total",
		map[string]string{"reason": "invalid"}); v != 1 {
		t.Errorf("messages_dropped_total{reason=invalid} = %v, want 1", v)
	}
	if v := getCounterValue(t, reg, "mailrelay_intake_redeliveries_total"); v != 1 {
		t.Errorf("redeliveries_total = %v, want 1", v)
	}
}

func TestPrometheusSink_BufferMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.BufferCapacitySet(100)
	sink.BufferSizeUpdate(42)
	sink.EmitError()

	if v := getGaugeValue(t, reg, "mailrelay_bus_buffer_capacity"); v != 100 {
		t.Errorf("buffer_capacity = %v, want 100", v)
	}
	if v := getGaugeValue(t, reg, "mailrelay_bus_buffer_size"); v != 42 {
		t.Errorf("buffer_size = %v, want 42", v)
	}
	if v := getCounterValue(t, reg, "mailrelay_bus_emit_errors_total"); v != 1 {
		t.Errorf("emit_errors_total = %v, want 1", v)
	}
}

func TestPrometheusSink_Sweep(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.SweepCompleted(delivery.SweepResult{Candidates: 4, Sent: 2, Failed: 1, Skipped: 1}, 2*time.Second)
	sink.SweepFailed()

	if v := getCounterVecValue(t, reg, "mailrelay_sweeper_runs_total",
		map[string]string{"result": "completed"}); v != 1 {
		t.Errorf("runs_total{result=completed} = %v, want 1", v)
	}
	if v := getCounterVecValue(t, reg, "mailrelay_sweeper_runs_total",
		map[string]string{"result": "failed"}); v != 1 {
		t.Errorf("runs_total{result=failed} = %v, want 1", v)
	}
	if v := getCounterVecValue(t, reg, "mailrelay_sweeper_records_total",
		map[string]string{"result": "sent"}); v != 2 {
		t.Errorf("records_total{result=sent} = %v, want 2", v)
	}
	if v := getGaugeValue(t, reg, "mailrelay_sweeper_failed_backlog"); v != 4 {
		t.Errorf("failed_backlog = %v, want 4", v)
	}
	if v := getGaugeValue(t, reg, "mailrelay_sweeper_last_completed_timestamp_seconds"); v == 0 {
		t.Error("last_completed_timestamp_seconds was not set")
	}
}

func TestPrometheusSink_Leader(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.LeaderStatusChanged(true)
	sink.LeaderAcquired()
	if v := getGaugeValue(t, reg, "mailrelay_leader_is_leader"); v != 1 {
		t.Errorf("is_leader = %v, want 1", v)
	}

	sink.LeaderStatusChanged(false)
	sink.LeaderLost("conn_lost")
	if v := getGaugeValue(t, reg, "mailrelay_leader_is_leader"); v != 0 {
		t.Errorf("is_leader = %v, want 0", v)
	}
	if v := getCounterVecValue(t, reg, "mailrelay_leader_losses_total",
		map[string]string{"reason": "conn_lost"}); v != 1 {
		t.Errorf("losses_total{reason=conn_lost} = %v, want 1", v)
	}
}

func TestPrometheusSink_DuplicateRegistration_NoPanic(t *testing.T) {
	// The second registration fails for every collector and must be tolerated.
	reg := prometheus.NewRegistry()

	if sink1 := NewPrometheusSink(reg, nil); sink1 == nil {
		t.Fatal("first NewPrometheusSink returned nil")
	}
	sink2 := NewPrometheusSink(reg, nil)
	if sink2 == nil {
		t.Fatal("second NewPrometheusSink returned nil")
	}
	sink2.EmitError()
}

// Verify PrometheusSink implements Sink interface.
var _ Sink = (*PrometheusSink)(nil)
