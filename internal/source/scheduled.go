// internal/source/scheduled.go
package source

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/colebrumley/integrator/internal/config"
	"github.com/colebrumley/integrator/internal/coordinator"
	"github.com/robfig/cron/v3"
)

// Scheduled emits its configured event on a cron schedule
type Scheduled struct {
	name     string
	kind     coordinator.Kind
	sourceID string
	payload  map[string]any
	cron     *cron.Cron

	mu     sync.Mutex
	events chan<- coordinator.Event
}

// NewScheduled creates a new scheduled source
func NewScheduled(cfg config.Source) (*Scheduled, error) {
	// Use cron with seconds field support
	c := cron.New(cron.WithSeconds())

	sourceID := cfg.SourceID
	if sourceID == "" {
		sourceID = "schedule:" + cfg.Name
	}

	s := &Scheduled{
		name:     cfg.Name,
		kind:     coordinator.ParseKind(cfg.Kind),
		sourceID: sourceID,
		payload:  cfg.Payload,
		cron:     c,
	}

	cronExpr := cfg.CronExpression
	if cronExpr == "" {
		cronExpr = convertSimpleToCron(cfg.RunEvery)
	}

	if _, err := c.AddFunc(cronExpr, s.fire); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Scheduled) Name() string {
	return s.name
}

func (s *Scheduled) Start(ctx context.Context, events chan<- coordinator.Event) error {
	s.mu.Lock()
	s.events = events
	s.mu.Unlock()
	s.cron.Start()

	<-ctx.Done()
	return ctx.Err()
}

func (s *Scheduled) Stop() error {
	<-s.cron.Stop().Done()
	return nil
}

func (s *Scheduled) fire() {
	s.mu.Lock()
	events := s.events
	s.mu.Unlock()
	if events == nil {
		return
	}

	ev := coordinator.Event{
		Kind:      s.kind,
		SourceID:  s.sourceID,
		Timestamp: time.Now(),
		Payload:   withPayload(s.payload, map[string]any{"schedule": s.name}),
	}
	if err := send(events, ev); err != nil {
		slog.Default().Warn("dropping scheduled event", "source", s.name, "error", err)
	}
}

// convertSimpleToCron converts run_every ("30s", "15m", "6h") to a
// seconds-field cron expression. Anything else runs hourly.
func convertSimpleToCron(runEvery string) string {
	if len(runEvery) >= 2 {
		unit := runEvery[len(runEvery)-1]
		val := runEvery[:len(runEvery)-1]

		switch unit {
		case 's':
			return "*/" + val + " * * * * *"
		case 'm':
			return "0 */" + val + " * * * *"
		case 'h':
			return "0 0 */" + val + " * * *"
		}
	}
	return "0 0 * * * *"
}
