// internal/dispatch/dispatcher.go
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/colebrumley/integrator/internal/config"
	"github.com/colebrumley/integrator/internal/coordinator"
	"github.com/colebrumley/integrator/internal/logging"
	"github.com/colebrumley/integrator/internal/metrics"
)

var ErrUnknownService = errors.New("unknown target service")

// Completer releases a coordinator dedup gate once a service has taken a
// notification.
type Completer interface {
	CompleteAnalysis(ruleName, sourceID string)
}

// Service is a registered downstream collaborator.
type Service struct {
	Name         string
	Type         string
	Sink         Sink
	Timeout      time.Duration
	Attempts     int
	Delay        time.Duration
	AutoComplete bool
}

// Result describes one Dispatch call.
type Result struct {
	Service  string
	Outcome  string
	Attempts int
	Duration time.Duration
	Err      error
}

// Dispatcher routes notifications to their target service's sink.
type Dispatcher struct {
	mu        sync.RWMutex
	services  map[string]*Service
	breaker   *Breaker
	completer Completer
	metrics   metrics.Sink
	logger    *slog.Logger
}

func New(breaker *Breaker, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		services: make(map[string]*Service),
		breaker:  breaker,
		metrics:  metrics.NewNoopSink(),
		logger:   logger,
	}
}

// WithCompleter attaches the completer used for auto_complete services.
func (d *Dispatcher) WithCompleter(c Completer) *Dispatcher {
	d.completer = c
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink metrics.Sink) *Dispatcher {
	d.metrics = sink
	return d
}

// Register adds or replaces a service.
func (d *Dispatcher) Register(svc Service) {
	if svc.Attempts < 1 {
		svc.Attempts = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services[svc.Name] = &svc
}

// Services returns the registered service names, sorted.
func (d *Dispatcher) Services() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.services))
	for name := range d.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CircuitOpen reports whether the breaker is rejecting deliveries to service.
func (d *Dispatcher) CircuitOpen(service string) bool {
	return d.breaker.Open(service)
}

// Dispatch delivers n to its target service, retrying per the service's
// policy. The coordinator never retries; this is the only retry loop.
func (d *Dispatcher) Dispatch(ctx context.Context, n coordinator.Notification) Result {
	d.metrics.DeliveriesInFlightIncr()
	defer d.metrics.DeliveriesInFlightDecr()

	start := time.Now()
	res := Result{Service: n.TargetService}

	d.mu.RLock()
	svc, ok := d.services[n.TargetService]
	d.mu.RUnlock()
	if !ok {
		res.Outcome = metrics.OutcomeUnknown
		res.Err = fmt.Errorf("%w: %s", ErrUnknownService, n.TargetService)
		d.finish(&res, start)
		return res
	}

	for attempt := 1; attempt <= svc.Attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, svc.Delay); err != nil {
				res.Err = err
				break
			}
		}
		if err := d.breaker.Allow(svc.Name); err != nil {
			res.Err = err
			break
		}

		res.Attempts = attempt
		err := d.deliver(ctx, svc, n)
		if err == nil {
			d.breaker.RecordSuccess(svc.Name)
			res.Err = nil
			break
		}
		d.breaker.RecordFailure(svc.Name)
		res.Err = err
		d.logger.Warn("delivery attempt failed",
			"service", svc.Name, "notification", n.ID, "attempt", attempt, "error", err)
	}

	switch {
	case res.Err == nil:
		res.Outcome = metrics.OutcomeDelivered
		if svc.AutoComplete && d.completer != nil {
			d.completer.CompleteAnalysis(n.Rule, n.SourceID)
		}
	case errors.Is(res.Err, ErrCircuitOpen):
		res.Outcome = metrics.OutcomeCircuitOpen
	default:
		res.Outcome = metrics.OutcomeFailed
	}
	d.finish(&res, start)
	return res
}

func (d *Dispatcher) deliver(ctx context.Context, svc *Service, n coordinator.Notification) error {
	if svc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, svc.Timeout)
		defer cancel()
	}
	return svc.Sink.Deliver(ctx, n)
}

func (d *Dispatcher) finish(res *Result, start time.Time) {
	res.Duration = time.Since(start)
	d.metrics.DeliveryCompleted(res.Service, res.Outcome, res.Duration)
}

// Close releases sinks that hold connections.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for _, svc := range d.services {
		if c, ok := svc.Sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing %s: %w", svc.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NewSink builds the sink for a configured service.
func NewSink(cfg config.Service, logger *slog.Logger) (Sink, error) {
	switch cfg.Type {
	case "webhook":
		var secret string
		if cfg.SecretEnvVar != "" {
			secret = os.Getenv(cfg.SecretEnvVar)
		}
		return &WebhookSink{URL: cfg.URL, Secret: secret, Headers: cfg.Headers, Client: &http.Client{}}, nil
	case "command":
		return &CommandSink{Command: cfg.Command, Args: cfg.Args, EnvVars: cfg.EnvVars}, nil
	case "redis":
		var password string
		if cfg.RedisPasswordEnvVar != "" {
			password = os.Getenv(cfg.RedisPasswordEnvVar)
		}
		return NewRedisSink(cfg.RedisAddr, password, cfg.RedisDB, cfg.RedisChannel), nil
	case "log":
		return &LogSink{Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown service type: %s", cfg.Type)
	}
}

// FromConfig builds a dispatcher with every configured service registered.
func FromConfig(cfg *config.Global, logger *slog.Logger) (*Dispatcher, error) {
	d := New(NewBreaker(cfg.Dispatch.BreakerThreshold, cfg.Dispatch.BreakerCooldown), logger)
	for _, sc := range cfg.Services {
		sink, err := NewSink(sc, logging.WithService(logger, sc.Name))
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", sc.Name, err)
		}
		d.Register(Service{
			Name:         sc.Name,
			Type:         sc.Type,
			Sink:         sink,
			Timeout:      sc.Timeout,
			Attempts:     sc.Retry.Attempts,
			Delay:        sc.Retry.Delay,
			AutoComplete: sc.AutoComplete,
		})
	}
	return d, nil
}
