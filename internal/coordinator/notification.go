// internal/coordinator/notification.go
package coordinator

import (
	"strings"
	"time"
)

// Priority orders notifications for downstream services.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ParsePriority returns the priority named by s. An empty string parses as
// "" with ok=true so callers can fall back to a default.
func ParsePriority(s string) (Priority, bool) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case PriorityLow, PriorityMedium, PriorityHigh, "":
		return p, true
	default:
		return "", false
	}
}

// Descriptor tells the downstream service what to do.
type Descriptor struct {
	Action     string         `json:"action"`
	EventKind  Kind           `json:"event_kind"`
	Step       string         `json:"step,omitempty"`
	StepIndex  int            `json:"step_index"`
	Terminal   bool           `json:"terminal"`
	EventCount int            `json:"event_count"`
	Summary    string         `json:"summary"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Notification is emitted once per successful rule (or cascade step) firing.
type Notification struct {
	ID            string     `json:"id"`
	TargetService string     `json:"target_service"`
	SourceID      string     `json:"source_id"`
	Rule          string     `json:"rule"`
	Step          string     `json:"step,omitempty"`
	Descriptor    Descriptor `json:"descriptor"`
	Priority      Priority   `json:"priority"`
	EmittedAt     time.Time  `json:"emitted_at"`
}
