// internal/source/source.go
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/colebrumley/integrator/internal/config"
	"github.com/colebrumley/integrator/internal/coordinator"
)

// Source is the interface every upstream event producer implements
type Source interface {
	// Start begins watching for events, sending them to the channel.
	// It blocks until ctx is cancelled or the source fails.
	Start(ctx context.Context, events chan<- coordinator.Event) error
	// Stop releases the source's resources
	Stop() error
	// Name returns the configured source name
	Name() string
}

// ErrQueueFull is returned when the event channel cannot accept an event.
var ErrQueueFull = errors.New("event queue full")

// New creates a source based on the configuration type
func New(cfg config.Source) (Source, error) {
	switch cfg.Type {
	case "filesystem":
		return NewFilesystem(cfg)
	case "scheduled":
		return NewScheduled(cfg)
	case "webhook":
		return NewWebhook(cfg)
	case "manual":
		return NewManual(cfg), nil
	default:
		return nil, fmt.Errorf("unknown source type: %s", cfg.Type)
	}
}

// send pushes ev without blocking.
func send(events chan<- coordinator.Event, ev coordinator.Event) error {
	select {
	case events <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

func withPayload(base map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
