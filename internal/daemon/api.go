// internal/daemon/api.go
package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/colebrumley/integrator/internal/coordinator"
	"github.com/colebrumley/integrator/internal/source"
	"github.com/colebrumley/integrator/internal/state"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const maxHistoryLimit = 500

// startHTTPServer serves the API, metrics, MCP and webhook sources in the
// background. shutdown stops it.
func (d *Daemon) startHTTPServer() {
	addr := fmt.Sprintf("%s:%d", d.config.Daemon.ListenAddress, d.config.Daemon.ListenPort)

	d.httpServer = &http.Server{
		Addr:              addr,
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	d.logger.Info("starting HTTP server", "address", addr)

	go func() {
		if err := d.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			d.logger.Error("HTTP server error", "error", err)
		}
	}()
}

// Handler builds the daemon's HTTP routes behind a shared rate limiter.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/api/rules", d.handleAPIRules)
	mux.HandleFunc("/api/events", d.handleAPIEvents)
	mux.HandleFunc("/api/complete", d.handleAPIComplete)
	mux.HandleFunc("/api/notifications", d.handleAPINotifications)
	mux.HandleFunc("/api/rate-limits", d.handleAPIRateLimits)
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	mux.Handle("/mcp", d.mcp.Handler())

	// Webhook sources (catch-all)
	mux.HandleFunc("/", d.handleWebhook)

	limiter := rate.NewLimiter(rate.Limit(d.config.Daemon.APIRateLimit), d.config.Daemon.APIBurst)
	return rateLimit(limiter, mux)
}

// rateLimit rejects requests once limiter runs out of tokens.
func rateLimit(limiter *rate.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	d.mu.RLock()
	rulesLoaded := len(d.rules)
	rulesEnabled := 0
	for _, rule := range d.rules {
		if rule.Enabled {
			rulesEnabled++
		}
	}
	sources := len(d.sources)
	d.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         Version,
		"uptime":          time.Since(d.startTime).Truncate(time.Second).String(),
		"rules_loaded":    rulesLoaded,
		"rules_enabled":   rulesEnabled,
		"services":        len(d.dispatcher.Services()),
		"sources":         sources,
		"history_entries": d.coord.Entries(),
		"queued_events":   len(d.events),
	})
}

type ruleStatus struct {
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	Enabled       bool     `json:"enabled"`
	TargetService string   `json:"target_service"`
	Condition     string   `json:"condition"`
	Kinds         []string `json:"kinds,omitempty"`
	Steps         []string `json:"steps,omitempty"`
	Debounce      string   `json:"debounce"`
}

func (d *Daemon) handleAPIRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	rules := make([]ruleStatus, 0, len(d.rules))
	for _, rule := range d.rules {
		cond := rule.Condition.Type
		if cond == "" {
			cond = string(coordinator.ConditionSingle)
		}
		rs := ruleStatus{
			Name:          rule.Name,
			Description:   rule.Description,
			Enabled:       rule.Enabled,
			TargetService: rule.TargetService,
			Condition:     cond,
			Kinds:         rule.Kinds,
			Debounce:      rule.Debounce.String(),
		}
		for _, s := range rule.Condition.Steps {
			rs.Steps = append(rs.Steps, s.Name)
		}
		rules = append(rules, rs)
	}

	writeJSON(w, http.StatusOK, rules)
}

// handleAPIEvents accepts an event. By default it is queued like any source
// event; with ?wait=true it is evaluated inline and the emitted notifications
// are returned.
func (d *Daemon) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ev, err := source.DecodeEvent(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ev.SourceID == "" {
		http.Error(w, "source_id is required", http.StatusBadRequest)
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		notes, err := d.Submit(r.Context(), ev)
		if err != nil {
			d.logger.Warn("submitted event with history errors", "source", ev.SourceID, "error", err)
		}
		if notes == nil {
			notes = []coordinator.Notification{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"notifications": notes, "count": len(notes)})
		return
	}

	if err := d.manual.Fire(d.events, ev); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
}

type completeRequest struct {
	Rule     string `json:"rule"`
	SourceID string `json:"source_id"`
}

func (d *Daemon) handleAPIComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req completeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decoding request: %v", err), http.StatusBadRequest)
		return
	}
	if req.Rule == "" || req.SourceID == "" {
		http.Error(w, "rule and source_id are required", http.StatusBadRequest)
		return
	}

	d.Complete(req.Rule, req.SourceID)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (d *Daemon) handleAPINotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	limit := 50
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	records, err := d.History(state.HistoryFilter{
		Rule:     q.Get("rule"),
		Service:  q.Get("service"),
		SourceID: q.Get("source"),
		State:    q.Get("state"),
		Limit:    limit,
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("querying history: %v", err), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []state.NotificationRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

type rateLimitStatus struct {
	coordinator.RateStatus
	CircuitOpen bool `json:"circuit_open"`
}

func (d *Daemon) handleAPIRateLimits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	services := d.dispatcher.Services()
	if s := r.URL.Query().Get("service"); s != "" {
		services = []string{s}
	}

	out := make([]rateLimitStatus, 0, len(services))
	for _, s := range services {
		out = append(out, rateLimitStatus{
			RateStatus:  d.RateStatus(s),
			CircuitOpen: d.dispatcher.CircuitOpen(s),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (d *Daemon) handleWebhook(w http.ResponseWriter, r *http.Request) {
	d.mu.RLock()
	wh, ok := d.webhooks[r.URL.Path]
	d.mu.RUnlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	err := wh.HandleRequest(r, d.events)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	case errors.Is(err, source.ErrMethodNotAllowed):
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	case errors.Is(err, source.ErrUnauthorized):
		http.Error(w, "Forbidden", http.StatusForbidden)
	case errors.Is(err, source.ErrQueueFull):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}
