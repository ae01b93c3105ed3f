// internal/coordinator/coordinator.go
package coordinator

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/colebrumley/integrator/internal/metrics"
	"github.com/colebrumley/integrator/internal/template"
	"github.com/google/uuid"
)

// Defaults applied by New when an Options field is zero.
const (
	DefaultAnalysisTimeout      = 5 * time.Minute
	DefaultMaxTriggersPerMinute = 10
	DefaultRateBucket           = time.Minute
	DefaultRateHistoryBuckets   = 5
	DefaultHistoryIdleTTL       = 30 * time.Minute
)

// Options tunes a Coordinator.
type Options struct {
	// AnalysisTimeout releases the deduplication gate when no CompleteAnalysis arrives.
	AnalysisTimeout time.Duration
	// MaxTriggersPerMinute caps notifications per target service per rate bucket.
	MaxTriggersPerMinute int
	RateBucket           time.Duration
	RateHistoryBuckets   int
	// HistoryIdleTTL is how long an inactive history entry survives without matching events.
	HistoryIdleTTL time.Duration

	Clock   Clock
	Metrics metrics.Sink
}

func (o *Options) applyDefaults() {
	if o.AnalysisTimeout <= 0 {
		o.AnalysisTimeout = DefaultAnalysisTimeout
	}
	if o.MaxTriggersPerMinute <= 0 {
		o.MaxTriggersPerMinute = DefaultMaxTriggersPerMinute
	}
	if o.RateBucket <= 0 {
		o.RateBucket = DefaultRateBucket
	}
	if o.RateHistoryBuckets <= 0 {
		o.RateHistoryBuckets = DefaultRateHistoryBuckets
	}
	if o.HistoryIdleTTL <= 0 {
		o.HistoryIdleTTL = DefaultHistoryIdleTTL
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewNoopSink()
	}
}

type historyKey struct {
	rule   string
	source string
}

type stepState struct {
	recent      []time.Time
	matchedAt   time.Time
	lastFiredAt time.Time
	active      bool
	gen         uint64
	timer       Timer
}

func (s *stepState) release() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.active = false
}

type historyEntry struct {
	steps    []stepState
	lastSeen time.Time
}

func (e *historyEntry) stopTimers() {
	for i := range e.steps {
		if e.steps[i].timer != nil {
			e.steps[i].timer.Stop()
			e.steps[i].timer = nil
		}
	}
}

func (e *historyEntry) active() bool {
	for _, s := range e.steps {
		if s.active {
			return true
		}
	}
	return false
}

// Coordinator evaluates events against trigger rules and decides which
// downstream services to notify. All methods are safe for concurrent use;
// a single mutex serializes them.
type Coordinator struct {
	mu      sync.Mutex
	opts    Options
	clock   Clock
	metrics metrics.Sink
	rules   []compiledRule
	history map[historyKey]*historyEntry
	buckets map[string]map[int64]int
	// gen numbers release timers across all entries, so a timer from a
	// discarded entry never matches a recreated one.
	gen    uint64
	closed bool
}

// New creates a coordinator with no rules.
func New(opts Options) *Coordinator {
	opts.applyDefaults()
	return &Coordinator{
		opts:    opts,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		history: make(map[historyKey]*historyEntry),
		buckets: make(map[string]map[int64]int),
	}
}

// SubmitEvent evaluates ev against every enabled rule in configuration order
// and returns the notifications that passed all gates.
func (c *Coordinator) SubmitEvent(ev Event) []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	now := c.clock.Now()
	ev.Kind = ParseKind(string(ev.Kind))
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	c.metrics.EventSubmitted(string(ev.Kind))

	var out []Notification
	for i := range c.rules {
		r := &c.rules[i]
		if !r.Enabled || !r.listensTo(ev.Kind) || !r.matchesSource(ev.SourceID) {
			continue
		}
		e := c.entryLocked(r, ev.SourceID)
		out = append(out, c.evaluateLocked(r, e, ev, now)...)
	}
	c.metrics.HistoryEntries(len(c.history))
	return out
}

func (c *Coordinator) entryLocked(r *compiledRule, sourceID string) *historyEntry {
	key := historyKey{rule: r.Name, source: sourceID}
	e, ok := c.history[key]
	if !ok {
		e = &historyEntry{steps: make([]stepState, len(r.steps))}
		c.history[key] = e
	}
	return e
}

func (c *Coordinator) evaluateLocked(r *compiledRule, e *historyEntry, ev Event, now time.Time) []Notification {
	e.lastSeen = now

	for i, st := range r.steps {
		s := &e.steps[i]
		if st.listensTo(ev.Kind) {
			if st.Window == 0 {
				s.recent = s.recent[:0]
			}
			s.recent = append(s.recent, ev.Timestamp)
		}
		if st.Window > 0 {
			s.recent = pruneWindow(s.recent, now, st.Window)
		}
	}

	var out []Notification
	for i, st := range r.steps {
		s := &e.steps[i]

		if r.cascade && !s.matchedAt.IsZero() {
			if st.Window == 0 || now.Sub(s.matchedAt) <= st.Window {
				continue
			}
			// An expired step invalidates everything after it.
			for j := i; j < len(e.steps); j++ {
				e.steps[j].matchedAt = time.Time{}
			}
		}

		if !st.listensTo(ev.Kind) || len(s.recent) < st.count() {
			break
		}

		terminal := i == len(r.steps)-1
		count := len(s.recent)
		if r.cascade {
			s.matchedAt = now
			s.recent = s.recent[:0]
		}
		if n, ok := c.fireLocked(r, i, s, ev, count, now); ok {
			out = append(out, n)
		}
		if !r.cascade {
			break
		}
		if terminal {
			for j := range e.steps {
				e.steps[j].matchedAt = time.Time{}
			}
		}
	}
	return out
}

// pruneWindow drops timestamps older than window relative to now.
func pruneWindow(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := ts[:0]
	for _, t := range ts {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// fireLocked applies the dedup, debounce and rate-limit gates in that order.
func (c *Coordinator) fireLocked(r *compiledRule, idx int, s *stepState, ev Event, eventCount int, now time.Time) (Notification, bool) {
	st := r.steps[idx]

	if s.active {
		c.metrics.NotificationSuppressed(r.Name, metrics.ReasonDuplicate)
		return Notification{}, false
	}
	if !s.lastFiredAt.IsZero() && now.Sub(s.lastFiredAt) < r.Debounce {
		c.metrics.NotificationSuppressed(r.Name, metrics.ReasonDebounce)
		return Notification{}, false
	}
	if c.rateLimitedLocked(st.TargetService, now) {
		c.metrics.NotificationSuppressed(r.Name, metrics.ReasonRateLimited)
		return Notification{}, false
	}

	c.countLocked(st.TargetService, now)
	s.active = true
	s.lastFiredAt = now
	c.gen++
	s.gen = c.gen
	if s.timer != nil {
		s.timer.Stop()
	}
	key := historyKey{rule: r.Name, source: ev.SourceID}
	gen := s.gen
	s.timer = c.clock.AfterFunc(c.opts.AnalysisTimeout, func() {
		c.expire(key, idx, gen)
	})

	n := c.buildNotification(r, idx, eventCount, ev, now)
	c.metrics.NotificationEmitted(n.TargetService, r.Name)
	return n, true
}

// expire is the scheduled release of the dedup gate. The generation check keeps
// a stale timer from clearing a newer analysis for the same key.
func (c *Coordinator) expire(key historyKey, idx int, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	e, ok := c.history[key]
	if !ok || idx >= len(e.steps) {
		return
	}
	s := &e.steps[idx]
	if s.gen != gen || !s.active {
		return
	}
	s.active = false
	s.timer = nil
}

func (c *Coordinator) buildNotification(r *compiledRule, idx, eventCount int, ev Event, now time.Time) Notification {
	st := r.steps[idx]

	priority := st.Priority
	if priority == "" {
		priority = r.Priority
	}
	if priority == "" {
		priority = DefaultPriority(ev.Kind)
	}
	action := st.Action
	if action == "" {
		action = r.Action
	}
	if action == "" {
		action = DefaultAction(ev.Kind)
	}

	var step string
	if r.cascade {
		step = st.Name
	}

	payload := maps.Clone(ev.Payload)

	vars := make(map[string]any, len(payload)+5)
	maps.Copy(vars, payload)
	vars["rule"] = r.Name
	vars["step"] = step
	vars["source_id"] = ev.SourceID
	vars["event_kind"] = string(ev.Kind)
	vars["event_count"] = eventCount

	summary := fmt.Sprintf("%s: %s on %s", r.Name, ev.Kind, ev.SourceID)
	if r.Summary != "" {
		summary = template.Expand(r.Summary, vars)
	}

	return Notification{
		ID:            uuid.NewString(),
		TargetService: st.TargetService,
		SourceID:      ev.SourceID,
		Rule:          r.Name,
		Step:          step,
		Priority:      priority,
		EmittedAt:     now,
		Descriptor: Descriptor{
			Action:     action,
			EventKind:  ev.Kind,
			Step:       step,
			StepIndex:  idx,
			Terminal:   idx == len(r.steps)-1,
			EventCount: eventCount,
			Summary:    summary,
			Payload:    payload,
		},
	}
}

// CompleteAnalysis releases the dedup gate for (ruleName, sourceID) early and
// cancels the pending timeout. Debounce still applies. Unknown keys are ignored.
func (c *Coordinator) CompleteAnalysis(ruleName, sourceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.history[historyKey{rule: ruleName, source: sourceID}]
	if !ok {
		return
	}
	for i := range e.steps {
		e.steps[i].release()
	}
}

// UpdateConfiguration validates rules and swaps them in atomically. History of
// rules whose name survives the swap is kept; history of removed rules is
// discarded. On error the previous rule set stays active.
func (c *Coordinator) UpdateConfiguration(rules []Rule) error {
	compiled, err := compileRules(rules)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	byName := make(map[string]*compiledRule, len(compiled))
	for i := range compiled {
		byName[compiled[i].Name] = &compiled[i]
	}

	for key, e := range c.history {
		r, ok := byName[key.rule]
		if !ok {
			e.stopTimers()
			delete(c.history, key)
			continue
		}
		if n := len(r.steps); n != len(e.steps) {
			if n < len(e.steps) {
				for i := n; i < len(e.steps); i++ {
					if e.steps[i].timer != nil {
						e.steps[i].timer.Stop()
					}
				}
				e.steps = e.steps[:n]
			} else {
				e.steps = append(e.steps, make([]stepState, n-len(e.steps))...)
			}
		}
	}

	c.rules = compiled
	c.metrics.HistoryEntries(len(c.history))
	return nil
}

// Rules returns a copy of the active rule set in configuration order.
func (c *Coordinator) Rules() []Rule {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Rule, len(c.rules))
	for i, r := range c.rules {
		out[i] = r.Rule
	}
	return out
}

// Sweep drops history entries that are not in flight and have seen no
// matching event for HistoryIdleTTL. It returns the number removed.
func (c *Coordinator) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for key, e := range c.history {
		if e.active() || now.Sub(e.lastSeen) < c.opts.HistoryIdleTTL {
			continue
		}
		e.stopTimers()
		delete(c.history, key)
		removed++
	}
	c.metrics.HistoryEntries(len(c.history))
	return removed
}

// Close cancels every pending release timer. SubmitEvent returns nothing
// after Close.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for _, e := range c.history {
		e.stopTimers()
	}
}

// StepSnapshot is the observable state of one rule step for one source.
type StepSnapshot struct {
	Name         string    `json:"name"`
	LastFiredAt  time.Time `json:"last_fired_at"`
	Active       bool      `json:"active"`
	Matched      bool      `json:"matched"`
	RecentEvents int       `json:"recent_events"`
}

// EntrySnapshot is a copy of the history kept for one (rule, source) pair.
type EntrySnapshot struct {
	Rule     string         `json:"rule"`
	SourceID string         `json:"source_id"`
	LastSeen time.Time      `json:"last_seen"`
	Steps    []StepSnapshot `json:"steps"`
}

// Active reports whether any step still has an analysis outstanding.
func (s EntrySnapshot) Active() bool {
	for _, st := range s.Steps {
		if st.Active {
			return true
		}
	}
	return false
}

// LastFiredAt is the most recent firing across all steps.
func (s EntrySnapshot) LastFiredAt() time.Time {
	var last time.Time
	for _, st := range s.Steps {
		if st.LastFiredAt.After(last) {
			last = st.LastFiredAt
		}
	}
	return last
}

// Snapshot returns the history for (ruleName, sourceID), if any.
func (c *Coordinator) Snapshot(ruleName, sourceID string) (EntrySnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.history[historyKey{rule: ruleName, source: sourceID}]
	if !ok {
		return EntrySnapshot{}, false
	}

	var names []string
	for _, r := range c.rules {
		if r.Name == ruleName {
			for _, st := range r.steps {
				names = append(names, st.Name)
			}
			break
		}
	}

	snap := EntrySnapshot{Rule: ruleName, SourceID: sourceID, LastSeen: e.lastSeen}
	for i, s := range e.steps {
		st := StepSnapshot{
			LastFiredAt:  s.lastFiredAt,
			Active:       s.active,
			Matched:      !s.matchedAt.IsZero(),
			RecentEvents: len(s.recent),
		}
		if i < len(names) {
			st.Name = names[i]
		}
		snap.Steps = append(snap.Steps, st)
	}
	return snap, true
}

// Entries returns the number of history entries currently held.
func (c *Coordinator) Entries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}
