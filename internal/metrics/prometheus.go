// internal/metrics/prometheus.go
package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink with the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	eventsTotal        *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec
	suppressedTotal    *prometheus.CounterVec
	historyEntries     prometheus.Gauge
	reloadsTotal       *prometheus.CounterVec

	deliveriesTotal    *prometheus.CounterVec
	deliveryDuration   *prometheus.HistogramVec
	deliveriesInFlight prometheus.Gauge
}

// NewPrometheusSink creates the collectors and registers them with reg.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initCoordinatorMetrics(reg)
	s.initDispatchMetrics(reg)
	return s
}

func (s *PrometheusSink) initCoordinatorMetrics(reg prometheus.Registerer) {
	s.eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "integrator_coordinator_events_total",
		Help: "Events submitted to the coordinator, by normalized kind.",
	}, []string{"kind"})
	s.notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "integrator_coordinator_notifications_total",
		Help: "Notifications emitted, by target service and rule.",
	}, []string{"service", "rule"})
	s.suppressedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "integrator_coordinator_suppressed_total",
		Help: "Rule firings suppressed by a gate, by rule and reason.",
	}, []string{"rule", "reason"})
	s.historyEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "integrator_coordinator_history_entries",
		Help: "Trigger history entries currently held.",
	})
	s.reloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "integrator_coordinator_config_reloads_total",
		Help: "Configuration updates, by result.",
	}, []string{"result"})

	s.register(reg, s.eventsTotal, "integrator_coordinator_events_total")
	s.register(reg, s.notificationsTotal, "integrator_coordinator_notifications_total")
	s.register(reg, s.suppressedTotal, "integrator_coordinator_suppressed_total")
	s.register(reg, s.historyEntries, "integrator_coordinator_history_entries")
	s.register(reg, s.reloadsTotal, "integrator_coordinator_config_reloads_total")
}

func (s *PrometheusSink) initDispatchMetrics(reg prometheus.Registerer) {
	s.deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "integrator_dispatch_deliveries_total",
		Help: "Notification deliveries, by service and outcome.",
	}, []string{"service", "outcome"})
	s.deliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "integrator_dispatch_delivery_duration_seconds",
		Help:    "Time spent delivering a notification, including retries.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"service"})
	s.deliveriesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "integrator_dispatch_deliveries_in_flight",
		Help: "Deliveries currently running.",
	})

	s.register(reg, s.deliveriesTotal, "integrator_dispatch_deliveries_total")
	s.register(reg, s.deliveryDuration, "integrator_dispatch_delivery_duration_seconds")
	s.register(reg, s.deliveriesInFlight, "integrator_dispatch_deliveries_in_flight")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

func (s *PrometheusSink) EventSubmitted(kind string) {
	s.eventsTotal.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) NotificationEmitted(service, rule string) {
	s.notificationsTotal.WithLabelValues(service, rule).Inc()
}

func (s *PrometheusSink) NotificationSuppressed(rule, reason string) {
	s.suppressedTotal.WithLabelValues(rule, reason).Inc()
}

func (s *PrometheusSink) HistoryEntries(n int) {
	s.historyEntries.Set(float64(n))
}

func (s *PrometheusSink) ConfigReloaded(ok bool) {
	result := "rejected"
	if ok {
		result = "applied"
	}
	s.reloadsTotal.WithLabelValues(result).Inc()
}

func (s *PrometheusSink) DeliveryCompleted(service, outcome string, d time.Duration) {
	s.deliveriesTotal.WithLabelValues(service, outcome).Inc()
	s.deliveryDuration.WithLabelValues(service).Observe(d.Seconds())
}

func (s *PrometheusSink) DeliveriesInFlightIncr() {
	s.deliveriesInFlight.Inc()
}

func (s *PrometheusSink) DeliveriesInFlightDecr() {
	s.deliveriesInFlight.Dec()
}
