// internal/metrics/prometheus_test.go
package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewPrometheusSink(reg), reg
}

func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m.GetLabel(), labels) {
				return m
			}
		}
	}
	return nil
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

func TestPrometheusSink_Events(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.EventSubmitted("error_detected")
	sink.EventSubmitted("error_detected")
	sink.EventSubmitted("custom")

	m := findMetric(t, reg, "integrator_coordinator_events_total", map[string]string{"kind": "error_detected"})
	if m == nil || m.GetCounter().GetValue() != 2 {
		t.Errorf("events_total{kind=error_detected} = %v, want 2", m.GetCounter().GetValue())
	}
}

func TestPrometheusSink_Suppressed(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.NotificationSuppressed("r1", ReasonDuplicate)
	sink.NotificationSuppressed("r1", ReasonRateLimited)
	sink.NotificationSuppressed("r1", ReasonRateLimited)

	m := findMetric(t, reg, "integrator_coordinator_suppressed_total",
		map[string]string{"rule": "r1", "reason": ReasonRateLimited})
	if m == nil {
		t.Fatal("suppressed_total{reason=rate_limited} not found")
	}
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Errorf("suppressed_total = %v, want 2", got)
	}
}

func TestPrometheusSink_HistoryGauge(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.HistoryEntries(7)
	sink.HistoryEntries(4)

	m := findMetric(t, reg, "integrator_coordinator_history_entries", map[string]string{})
	if m == nil || m.GetGauge().GetValue() != 4 {
		t.Errorf("history_entries gauge not 4")
	}
}

func TestPrometheusSink_Deliveries(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DeliveriesInFlightIncr()
	sink.DeliveriesInFlightIncr()
	sink.DeliveriesInFlightDecr()
	sink.DeliveryCompleted("docs", OutcomeDelivered, 150*time.Millisecond)
	sink.DeliveryCompleted("docs", OutcomeFailed, time.Second)

	m := findMetric(t, reg, "integrator_dispatch_deliveries_total",
		map[string]string{"service": "docs", "outcome": OutcomeDelivered})
	if m == nil || m.GetCounter().GetValue() != 1 {
		t.Error("deliveries_total{outcome=delivered} != 1")
	}
	g := findMetric(t, reg, "integrator_dispatch_deliveries_in_flight", map[string]string{})
	if g == nil || g.GetGauge().GetValue() != 1 {
		t.Error("deliveries_in_flight != 1")
	}
}

func TestPrometheusSink_DuplicateRegistration_NoPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	if NewPrometheusSink(reg) == nil {
		t.Fatal("first NewPrometheusSink returned nil")
	}
	if NewPrometheusSink(reg) == nil {
		t.Fatal("second NewPrometheusSink returned nil")
	}
}

var _ Sink = (*PrometheusSink)(nil)
