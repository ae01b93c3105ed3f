// internal/metrics/noop.go
package metrics

import "time"

// NoopSink discards everything. Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) EventSubmitted(kind string)                                  {}
func (n *NoopSink) NotificationEmitted(service, rule string)                    {}
func (n *NoopSink) NotificationSuppressed(rule, reason string)                  {}
func (n *NoopSink) HistoryEntries(count int)                                    {}
func (n *NoopSink) ConfigReloaded(ok bool)                                      {}
func (n *NoopSink) DeliveryCompleted(service, outcome string, d time.Duration) {}
func (n *NoopSink) DeliveriesInFlightIncr()                                     {}
func (n *NoopSink) DeliveriesInFlightDecr()                                     {}
