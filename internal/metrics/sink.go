// internal/metrics/sink.go
package metrics

import "time"

// Sink records coordinator and dispatch metrics.
// Methods are fire-and-forget: implementations must not block or return errors.
type Sink interface {
	// Coordinator
	EventSubmitted(kind string)
	NotificationEmitted(service, rule string)
	NotificationSuppressed(rule, reason string)
	HistoryEntries(n int)
	ConfigReloaded(ok bool)

	// Dispatch
	DeliveryCompleted(service, outcome string, d time.Duration)
	DeliveriesInFlightIncr()
	DeliveriesInFlightDecr()
}

// Suppression reasons reported through NotificationSuppressed.
const (
	ReasonDuplicate   = "duplicate"
	ReasonDebounce    = "debounce"
	ReasonRateLimited = "rate_limited"
)

// Delivery outcomes reported through DeliveryCompleted.
const (
	OutcomeDelivered   = "delivered"
	OutcomeFailed      = "failed"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeUnknown     = "unknown_service"
)
