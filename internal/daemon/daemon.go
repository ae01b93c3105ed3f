// internal/daemon/daemon.go
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/colebrumley/integrator/internal/config"
	"github.com/colebrumley/integrator/internal/coordinator"
	"github.com/colebrumley/integrator/internal/dispatch"
	"github.com/colebrumley/integrator/internal/logging"
	mcpserver "github.com/colebrumley/integrator/internal/mcp"
	"github.com/colebrumley/integrator/internal/metrics"
	"github.com/colebrumley/integrator/internal/security"
	"github.com/colebrumley/integrator/internal/source"
	"github.com/colebrumley/integrator/internal/state"
	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
)

// Version is reported by /health and the MCP server.
var Version = "dev"

const eventQueueSize = 100

// Daemon wires sources, the coordinator, dispatch and history together.
type Daemon struct {
	configPath string
	rulesDir   string
	config     *config.Global
	rules      []*config.Rule
	logger     *slog.Logger
	logWriter  io.Closer

	coord      *coordinator.Coordinator
	dispatcher *dispatch.Dispatcher
	stateDB    *state.DB
	registry   *prometheus.Registry
	metrics    metrics.Sink

	events     chan coordinator.Event
	sources    map[string]source.Source
	webhooks   map[string]*source.Webhook
	manual     *source.Manual
	mcp        *mcpserver.Server
	httpServer *http.Server
	sched      *cron.Cron

	startTime time.Time
	stopOnce  sync.Once
	stopErr   error
	mu        sync.RWMutex
	sem       chan struct{}  // bounds concurrent deliveries
	wg        sync.WaitGroup // tracks in-flight deliveries
}

// New creates a new daemon instance
func New(configPath, rulesDir string) *Daemon {
	return &Daemon{
		configPath: configPath,
		rulesDir:   rulesDir,
		events:     make(chan coordinator.Event, eventQueueSize),
		sources:    make(map[string]source.Source),
		webhooks:   make(map[string]*source.Webhook),
	}
}

// Setup loads configuration and rules and builds every component that does
// not listen on the network. Run and ServeMCP call it; tests call it directly.
func (d *Daemon) Setup() error {
	d.startTime = time.Now()

	if err := d.loadConfig(); err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logWriter, err := d.initLogWriter()
	if err != nil {
		d.logger = logging.NewLogger(d.config.Logging.Format, d.logLevel(), os.Stderr)
		d.logger.Warn("failed to initialize rotating log writer, using stderr", "error", err)
	} else {
		d.logWriter = logWriter
		d.logger = logging.NewLogger(d.config.Logging.Format, d.logLevel(), logWriter)
	}

	d.logger.Info("starting daemon", "config", d.configPath, "rules_dir", d.rulesDir, "version", Version)

	if err := security.ValidateFilePermissions(d.configPath); err != nil {
		d.logger.Warn("config file has unsafe permissions", "error", err, "path", d.configPath)
	}

	if err := d.initStateDB(); err != nil {
		d.logger.Warn("failed to initialize state database, history will not be recorded", "error", err)
	}

	d.registry = prometheus.NewRegistry()
	d.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	d.metrics = metrics.NewPrometheusSink(d.registry)

	cc := d.config.Coordinator
	d.coord = coordinator.New(coordinator.Options{
		AnalysisTimeout:      cc.AnalysisTimeout,
		MaxTriggersPerMinute: cc.MaxTriggersPerMinute,
		RateBucket:           cc.RateBucket,
		RateHistoryBuckets:   cc.RateHistoryBuckets,
		HistoryIdleTTL:       cc.HistoryIdleTTL,
		Metrics:              d.metrics,
	})

	dispatcher, err := dispatch.FromConfig(d.config, d.logger)
	if err != nil {
		return fmt.Errorf("building dispatcher: %w", err)
	}
	d.dispatcher = dispatcher.WithCompleter(completer{d}).WithMetrics(d.metrics)
	d.sem = make(chan struct{}, d.config.Dispatch.MaxConcurrent)

	// Unsafe permissions are logged but do not stop the daemon
	if err := security.ValidateDirectoryPermissions(d.rulesDir); err != nil {
		d.logger.Error("CRITICAL: rules directory has unsafe permissions", "error", err, "path", d.rulesDir)
	}

	if err := d.loadRules(); err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}

	if err := d.initSources(); err != nil {
		return fmt.Errorf("initializing sources: %w", err)
	}

	d.mcp = mcpserver.NewServer(d, Version)
	return nil
}

// Run starts the daemon and blocks until context is cancelled
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Setup(); err != nil {
		return err
	}

	if err := d.startBackground(ctx); err != nil {
		d.shutdown()
		return err
	}
	d.startHTTPServer()

	d.logger.Info("daemon started",
		"rules_loaded", len(d.rules),
		"services", len(d.dispatcher.Services()),
		"sources", len(d.sources),
	)

	// Main event loop
	for {
		select {
		case ev := <-d.events:
			if _, err := d.Submit(ctx, ev); err != nil {
				d.logger.Error("submitting event", "source", ev.SourceID, "error", err)
			}
		case <-ctx.Done():
			d.logger.Info("daemon stopping, waiting for in-flight deliveries")
			return d.shutdown()
		}
	}
}

// ServeMCP runs the coordinator behind an MCP stdio server instead of the
// HTTP API. Configured sources still feed it.
func (d *Daemon) ServeMCP(ctx context.Context) error {
	if err := d.Setup(); err != nil {
		return err
	}

	// Stop the event loop and sources when the stdio session ends on its own.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.startBackground(ctx); err != nil {
		d.shutdown()
		return err
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		for {
			select {
			case ev := <-d.events:
				if _, err := d.Submit(ctx, ev); err != nil {
					d.logger.Error("submitting event", "source", ev.SourceID, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	err := d.mcp.Run(ctx)
	cancel()
	<-loopDone
	if serr := d.shutdown(); err == nil {
		err = serr
	}
	return err
}

func (d *Daemon) logLevel() string {
	if d.config.Logging.Debug {
		return "debug"
	}
	return d.config.Daemon.LogLevel
}

func (d *Daemon) initLogWriter() (*logging.RotatingWriter, error) {
	logPath := filepath.Join(d.config.Daemon.LogDir, "integratord.log")
	return logging.NewRotatingWriter(logPath, logging.DefaultMaxSize, logging.DefaultMaxBackups)
}

func (d *Daemon) initStateDB() error {
	db, err := state.Open(d.config.Daemon.StateDBPath)
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	d.stateDB = db
	d.cleanupHistory()
	return nil
}

func (d *Daemon) cleanupHistory() {
	if d.stateDB == nil {
		return
	}
	deleted, err := d.stateDB.Cleanup(d.config.Daemon.HistoryRetentionDays)
	if err != nil {
		d.logger.Warn("state cleanup failed", "error", err)
	} else if deleted > 0 {
		d.logger.Info("cleaned up old notification records", "deleted", deleted)
	}
}

func (d *Daemon) loadConfig() error {
	cfg, err := config.LoadGlobal(d.configPath)
	if err != nil {
		return err
	}
	d.config = cfg
	return nil
}

// loadRules reads, validates and installs the rules directory. On any error
// the currently installed rules are left untouched.
// Every call is counted once in the reload metric.
func (d *Daemon) loadRules() error {
	if err := d.installRules(); err != nil {
		d.metrics.ConfigReloaded(false)
		return err
	}
	d.metrics.ConfigReloaded(true)
	return nil
}

func (d *Daemon) installRules() error {
	rules, err := config.LoadRulesDir(d.rulesDir)
	if err != nil {
		return err
	}
	if err := config.ValidateRules(rules); err != nil {
		return err
	}
	if err := config.ValidateTargets(d.config, rules); err != nil {
		return err
	}
	if err := d.coord.UpdateConfiguration(config.ToCoordinatorRules(rules)); err != nil {
		return err
	}

	d.mu.Lock()
	d.rules = rules
	d.mu.Unlock()
	return nil
}

func (d *Daemon) initSources() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, sc := range d.config.Sources {
		s, err := source.New(sc)
		if err != nil {
			return fmt.Errorf("source %q: %w", sc.Name, err)
		}
		d.sources[sc.Name] = s

		switch s := s.(type) {
		case *source.Webhook:
			d.webhooks[s.ListenPath()] = s
		case *source.Manual:
			if d.manual == nil {
				d.manual = s
			}
		}
	}
	if d.manual == nil {
		d.manual = source.NewManual(config.Source{Name: "api"})
	}
	return nil
}

func (d *Daemon) startSources(ctx context.Context) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, s := range d.sources {
		go func(s source.Source) {
			if err := s.Start(ctx, d.events); err != nil && !errors.Is(err, context.Canceled) {
				logging.WithSource(d.logger, s.Name()).Error("source error", "error", err)
			}
		}(s)
	}
}

// startBackground starts sources, the rules watcher and the scheduler. Both
// serving modes share it.
func (d *Daemon) startBackground(ctx context.Context) error {
	d.startSources(ctx)
	go d.startHotReload(ctx)
	return d.startScheduler()
}

// startScheduler runs the history sweep on the configured schedule and the
// retention cleanup daily.
func (d *Daemon) startScheduler() error {
	d.sched = cron.New()
	if _, err := d.sched.AddFunc(d.config.Coordinator.SweepSchedule, d.sweep); err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}
	if _, err := d.sched.AddFunc("@daily", d.cleanupHistory); err != nil {
		return fmt.Errorf("scheduling cleanup: %w", err)
	}
	d.sched.Start()
	return nil
}

func (d *Daemon) sweep() {
	if removed := d.coord.Sweep(); removed > 0 {
		d.logger.Debug("swept idle history entries", "removed", removed, "remaining", d.coord.Entries())
	}
}

// Submit runs ev through the coordinator, records every notification it
// emits and hands them to the delivery pool. It returns the notifications
// without waiting for delivery.
func (d *Daemon) Submit(ctx context.Context, ev coordinator.Event) ([]coordinator.Notification, error) {
	notes := d.coord.SubmitEvent(ev)
	if len(notes) == 0 {
		return notes, nil
	}

	var errs []error
	for _, n := range notes {
		logger := logging.WithNotification(d.logger, n)
		logger.Info("notification emitted", "kind", n.Descriptor.EventKind, "priority", n.Priority)

		if d.stateDB != nil {
			if err := d.stateDB.RecordNotification(state.RecordFromNotification(n)); err != nil {
				logger.Error("recording notification", "error", err)
				errs = append(errs, err)
			}
		}
		d.enqueue(ctx, n)
	}
	return notes, errors.Join(errs...)
}

// enqueue blocks until a delivery slot is free, then delivers in the background.
func (d *Daemon) enqueue(ctx context.Context, n coordinator.Notification) {
	d.sem <- struct{}{}
	d.wg.Add(1)
	go func() {
		defer func() {
			<-d.sem
			d.wg.Done()
		}()
		d.deliver(context.WithoutCancel(ctx), n)
	}()
}

func (d *Daemon) deliver(ctx context.Context, n coordinator.Notification) {
	logger := logging.WithNotification(d.logger, n)
	res := d.dispatcher.Dispatch(ctx, n)

	var errMsg string
	if res.Err != nil {
		errMsg = res.Err.Error()
		logger.Warn("delivery failed", "outcome", res.Outcome, "attempts", res.Attempts, "error", res.Err)
	} else {
		logger.Info("delivered", "attempts", res.Attempts, "duration", res.Duration)
	}

	if d.stateDB != nil {
		if err := d.stateDB.MarkDelivery(n.ID, res.Outcome, res.Attempts, errMsg); err != nil {
			logger.Error("recording delivery", "error", err)
		}
	}
}

// Complete releases the dedup gate for (ruleName, sourceID) and marks the
// matching history records completed.
func (d *Daemon) Complete(ruleName, sourceID string) {
	d.coord.CompleteAnalysis(ruleName, sourceID)
	if d.stateDB == nil {
		return
	}
	if _, err := d.stateDB.MarkCompleted(ruleName, sourceID, time.Now()); err != nil {
		logging.WithRule(d.logger, ruleName).Warn("marking completed", "source", sourceID, "error", err)
	}
}

// Rules returns the installed rule set in evaluation order.
func (d *Daemon) Rules() []coordinator.Rule {
	return d.coord.Rules()
}

// RateStatus reports the current rate bucket for service.
func (d *Daemon) RateStatus(service string) coordinator.RateStatus {
	return d.coord.RateStatus(service)
}

// History reads notification records. Without a state database it is empty.
func (d *Daemon) History(filter state.HistoryFilter) ([]state.NotificationRecord, error) {
	if d.stateDB == nil {
		return nil, nil
	}
	return d.stateDB.GetHistory(filter)
}

type completer struct{ d *Daemon }

func (c completer) CompleteAnalysis(ruleName, sourceID string) {
	c.d.Complete(ruleName, sourceID)
}

// startHotReload watches the rules directory for changes and reloads rules.
func (d *Daemon) startHotReload(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Error("could not create rules watcher", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(d.rulesDir); err != nil {
		d.logger.Error("could not watch rules directory", "error", err, "dir", d.rulesDir)
		return
	}

	d.logger.Info("hot-reload watcher started", "dir", d.rulesDir)

	// Debounce: wait 1 second after last event before reloading
	var debounceTimer *time.Timer
	debounceCh := make(chan struct{}, 1)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			ext := filepath.Ext(event.Name)
			if ext != ".yaml" && ext != ".yml" {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(time.Second, func() {
				select {
				case debounceCh <- struct{}{}:
				default:
				}
			})

		case <-debounceCh:
			d.logger.Info("reloading rules (hot-reload)")
			d.reloadRules()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Error("rules watcher error", "error", err)

		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}

// reloadRules swaps in the rules directory. Invalid rules are logged and the
// previous set stays active.
func (d *Daemon) reloadRules() bool {
	if err := security.ValidateDirectoryPermissions(d.rulesDir); err != nil {
		d.logger.Error("CRITICAL: rules directory has unsafe permissions during reload", "error", err)
		d.metrics.ConfigReloaded(false)
		return false
	}

	if err := d.loadRules(); err != nil {
		d.logger.Error("failed to reload rules, keeping previous set", "error", err)
		return false
	}

	d.mu.RLock()
	n := len(d.rules)
	d.mu.RUnlock()
	d.logger.Info("rules reloaded", "rules_loaded", n, "history_entries", d.coord.Entries())
	return true
}

// shutdown stops everything Setup and the serving modes started. Calls after
// the first return the first result.
func (d *Daemon) shutdown() error {
	d.stopOnce.Do(func() { d.stopErr = d.stop() })
	return d.stopErr
}

func (d *Daemon) stop() error {
	if d.sched != nil {
		<-d.sched.Stop().Done()
	}

	// No request may enqueue a delivery once wg.Wait starts.
	if d.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("HTTP server shutdown", "error", err)
		}
		cancel()
	}

	d.mu.Lock()
	for name, s := range d.sources {
		if err := s.Stop(); err != nil {
			d.logger.Warn("stopping source", "source", name, "error", err)
		}
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.coord.Close()

	var errs []error
	if err := d.dispatcher.Close(); err != nil {
		errs = append(errs, err)
	}
	if d.stateDB != nil {
		if err := d.stateDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing state database: %w", err))
		}
	}
	d.logger.Info("daemon stopped")
	if d.logWriter != nil {
		d.logWriter.Close()
	}
	return errors.Join(errs...)
}
