// internal/source/manual.go
package source

import (
	"context"
	"time"

	"github.com/colebrumley/integrator/internal/config"
	"github.com/colebrumley/integrator/internal/coordinator"
)

// Manual is a source that only fires on request (CLI, HTTP API, MCP tools)
type Manual struct {
	name string
}

// NewManual creates a new manual source
func NewManual(cfg config.Source) *Manual {
	name := cfg.Name
	if name == "" {
		name = "manual"
	}
	return &Manual{name: name}
}

func (m *Manual) Name() string {
	return m.name
}

// Start for a manual source just blocks - it never fires on its own
func (m *Manual) Start(ctx context.Context, events chan<- coordinator.Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func (m *Manual) Stop() error {
	return nil
}

// Fire pushes ev onto the channel. It returns ErrQueueFull instead of blocking.
func (m *Manual) Fire(events chan<- coordinator.Event, ev coordinator.Event) error {
	ev.Kind = coordinator.ParseKind(string(ev.Kind))
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.SourceID == "" {
		ev.SourceID = m.name
	}
	return send(events, ev)
}
