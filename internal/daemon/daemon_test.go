// internal/daemon/daemon_test.go
package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/colebrumley/integrator/internal/coordinator"
	"github.com/colebrumley/integrator/internal/metrics"
	"github.com/colebrumley/integrator/internal/state"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

const testConfig = `
daemon:
  log_dir: {{dir}}/logs
  state_db_path: {{dir}}/state/history.db
  api_rate_limit: 1000
  api_burst: 1000
coordinator:
  max_triggers_per_minute: 5
services:
  - name: sequential
    type: log
  - name: context7
    type: log
    auto_complete: true
sources:
  - name: ci
    type: webhook
    kind: build_complete
    listen_path: /hooks/ci
    allowed_methods: [POST]
  - name: deploys
    type: webhook
    kind: custom
    listen_path: /hooks/deploy
    require_secret: true
    secret_env_var: INTEGRATOR_TEST_DEPLOY_SECRET
`

const crashRule = `
name: crash_docs
enabled: true
target_service: context7
kinds: [process_crashed]
`

const thresholdRule = `
name: seq_errors
enabled: true
target_service: sequential
kinds: [error_detected]
condition:
  type: threshold
  count: 3
  window: 1m
`

func setupDaemon(t *testing.T) *Daemon {
	t.Helper()
	t.Setenv("INTEGRATOR_TEST_DEPLOY_SECRET", "s3cret")

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	cfg := strings.ReplaceAll(testConfig, "{{dir}}", dir)
	if err := os.WriteFile(configPath, []byte(cfg), 0600); err != nil {
		t.Fatal(err)
	}

	rulesDir := filepath.Join(dir, "rules")
	if err := os.Mkdir(rulesDir, 0700); err != nil {
		t.Fatal(err)
	}
	writeRule(t, rulesDir, "10-crash.yaml", crashRule)
	writeRule(t, rulesDir, "20-errors.yaml", thresholdRule)

	d := New(configPath, rulesDir)
	if err := d.Setup(); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	t.Cleanup(func() { d.shutdown() })
	return d
}

func writeRule(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
}

func event(kind coordinator.Kind, source string) coordinator.Event {
	return coordinator.Event{Kind: kind, SourceID: source, Timestamp: time.Now()}
}

func TestSetup_LoadsRulesInFileOrder(t *testing.T) {
	d := setupDaemon(t)

	rules := d.Rules()
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
	if rules[0].Name != "crash_docs" || rules[1].Name != "seq_errors" {
		t.Errorf("unexpected rule order: %s, %s", rules[0].Name, rules[1].Name)
	}
	if got := d.dispatcher.Services(); strings.Join(got, ",") != "context7,sequential" {
		t.Errorf("services = %v", got)
	}
	if len(d.webhooks) != 2 {
		t.Errorf("expected 2 webhook routes, got %d", len(d.webhooks))
	}
	if d.manual == nil {
		t.Error("built-in manual source missing")
	}
}

func TestSetup_MissingConfig(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "missing.yaml"), t.TempDir())
	if err := d.Setup(); err == nil {
		t.Error("expected error for missing config")
	}
}

func TestSubmit_RecordsAndAutoCompletes(t *testing.T) {
	d := setupDaemon(t)
	ctx := context.Background()

	notes, err := d.Submit(ctx, event(coordinator.KindProcessCrashed, "pane:2"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notes))
	}
	d.wg.Wait()

	rec, err := d.stateDB.Get(notes[0].ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.DeliveryState != metrics.OutcomeDelivered || rec.Attempts != 1 {
		t.Errorf("unexpected delivery: state=%s attempts=%d", rec.DeliveryState, rec.Attempts)
	}
	if rec.CompletedAt == nil {
		t.Error("auto_complete service should mark the record completed")
	}

	// The gate was released by auto-complete, so the same source fires again
	notes, _ = d.Submit(ctx, event(coordinator.KindProcessCrashed, "pane:2"))
	if len(notes) != 1 {
		t.Errorf("expected rule to fire again after auto-complete, got %d", len(notes))
	}
	d.wg.Wait()
}

func TestSubmit_DedupUntilComplete(t *testing.T) {
	d := setupDaemon(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d.Submit(ctx, event(coordinator.KindErrorDetected, "pane:0"))
	}
	notes, _ := d.Submit(ctx, event(coordinator.KindErrorDetected, "pane:0"))
	if len(notes) != 1 {
		t.Fatalf("threshold should fire on the third event, got %d", len(notes))
	}

	notes, _ = d.Submit(ctx, event(coordinator.KindErrorDetected, "pane:0"))
	if len(notes) != 0 {
		t.Errorf("expected dedup while analysis in flight, got %d", len(notes))
	}
	d.wg.Wait()

	d.Complete("seq_errors", "pane:0")
	records, err := d.History(state.HistoryFilter{Rule: "seq_errors"})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].CompletedAt == nil {
		t.Errorf("expected one completed record, got %+v", records)
	}
}

func TestReloadRules_InvalidKeepsPrevious(t *testing.T) {
	d := setupDaemon(t)

	writeRule(t, d.rulesDir, "30-bad.yaml", `
name: broken
enabled: true
target_service: sequential
condition:
  type: sometimes
`)
	if d.reloadRules() {
		t.Fatal("reload with invalid rule should fail")
	}
	if len(d.Rules()) != 2 {
		t.Errorf("previous rules should stay active, got %d", len(d.Rules()))
	}

	writeRule(t, d.rulesDir, "30-bad.yaml", `
name: nowhere
enabled: true
target_service: missing_service
kinds: [ui_change]
`)
	if d.reloadRules() {
		t.Fatal("reload with unknown target service should fail")
	}

	writeRule(t, d.rulesDir, "30-bad.yaml", `
name: ui
enabled: true
target_service: sequential
kinds: [ui_change]
`)
	if !d.reloadRules() {
		t.Fatal("valid reload failed")
	}
	if len(d.Rules()) != 3 {
		t.Errorf("expected 3 rules after reload, got %d", len(d.Rules()))
	}
}

func TestReloadRules_PreservesHistory(t *testing.T) {
	d := setupDaemon(t)
	ctx := context.Background()

	d.Submit(ctx, event(coordinator.KindErrorDetected, "pane:0"))
	d.Submit(ctx, event(coordinator.KindErrorDetected, "pane:0"))

	if !d.reloadRules() {
		t.Fatal("reload failed")
	}

	notes, _ := d.Submit(ctx, event(coordinator.KindErrorDetected, "pane:0"))
	if len(notes) != 1 {
		t.Errorf("threshold history lost across reload, got %d notifications", len(notes))
	}
	d.wg.Wait()
}

func TestSweep(t *testing.T) {
	d := setupDaemon(t)
	d.Submit(context.Background(), event(coordinator.KindErrorDetected, "pane:0"))
	if d.coord.Entries() != 1 {
		t.Fatalf("expected 1 history entry, got %d", d.coord.Entries())
	}
	// Recent entries survive a sweep
	d.sweep()
	if d.coord.Entries() != 1 {
		t.Errorf("sweep removed a fresh entry")
	}
}

// reloadCount reads integrator_coordinator_config_reloads_total for result.
func reloadCount(t *testing.T, reg *prometheus.Registry, result string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range mfs {
		if mf.GetName() != "integrator_coordinator_config_reloads_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "result" && lp.GetValue() == result {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestReloadRules_CountedOnce(t *testing.T) {
	d := setupDaemon(t)
	if got := reloadCount(t, d.registry, "applied"); got != 1 {
		t.Fatalf("applied after setup = %v, want 1", got)
	}

	writeRule(t, d.rulesDir, "30-dup.yaml", crashRule)
	if d.reloadRules() {
		t.Fatal("reload with duplicate rule name should fail")
	}
	if got := reloadCount(t, d.registry, "rejected"); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}

	os.Remove(filepath.Join(d.rulesDir, "30-dup.yaml"))
	if !d.reloadRules() {
		t.Fatal("valid reload failed")
	}
	if got := reloadCount(t, d.registry, "applied"); got != 2 {
		t.Errorf("applied = %v, want 2", got)
	}
}

func TestStartBackground_SchedulesSweepAndCleanup(t *testing.T) {
	d := setupDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := d.startBackground(ctx); err != nil {
		t.Fatalf("startBackground() error = %v", err)
	}
	if d.sched == nil {
		t.Fatal("scheduler not started")
	}
	if n := len(d.sched.Entries()); n != 2 {
		t.Errorf("scheduled jobs = %d, want sweep and cleanup", n)
	}
}

func TestShutdown_StopsHTTPServer(t *testing.T) {
	d := setupDaemon(t)
	d.config.Daemon.ListenPort = 0
	d.startHTTPServer()

	if err := d.shutdown(); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
	if err := d.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		t.Errorf("ListenAndServe() after shutdown = %v, want ErrServerClosed", err)
	}
	if err := d.shutdown(); err != nil {
		t.Errorf("second shutdown() error = %v", err)
	}
}

// --- HTTP API ---

func serve(t *testing.T, d *Daemon, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAPI_Health(t *testing.T) {
	d := setupDaemon(t)

	rec := serve(t, d, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" || resp["rules_loaded"] != float64(2) || resp["services"] != float64(2) {
		t.Errorf("unexpected health: %v", resp)
	}

	if rec := serve(t, d, http.MethodPost, "/health", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health = %d, want 405", rec.Code)
	}
}

func TestAPI_Rules(t *testing.T) {
	d := setupDaemon(t)

	rec := serve(t, d, http.MethodGet, "/api/rules", "")
	var rules []ruleStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &rules); err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
	if rules[0].Condition != "single" || rules[1].Condition != "threshold" {
		t.Errorf("unexpected conditions: %+v", rules)
	}
}

func TestAPI_EventsWait(t *testing.T) {
	d := setupDaemon(t)

	rec := serve(t, d, http.MethodPost, "/api/events?wait=true",
		`{"kind":"process_crashed","source_id":"pane:3","payload":{"exit_code":137}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Notifications []coordinator.Notification `json:"notifications"`
		Count         int                        `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || resp.Notifications[0].Rule != "crash_docs" {
		t.Errorf("unexpected response: %+v", resp)
	}
	d.wg.Wait()

	rec = serve(t, d, http.MethodGet, "/api/notifications?service=context7", "")
	var records []state.NotificationRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].SourceID != "pane:3" {
		t.Errorf("unexpected history: %+v", records)
	}
}

func TestAPI_EventsQueued(t *testing.T) {
	d := setupDaemon(t)

	rec := serve(t, d, http.MethodPost, "/api/events", `{"kind":"deploy_done","source_id":"ci"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	select {
	case ev := <-d.events:
		if ev.Kind != coordinator.KindCustom || ev.SourceID != "ci" {
			t.Errorf("unexpected queued event: %+v", ev)
		}
	default:
		t.Fatal("event was not queued")
	}
}

func TestAPI_EventsRejects(t *testing.T) {
	d := setupDaemon(t)

	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"not json", http.MethodPost, "kind=x", http.StatusBadRequest},
		{"missing kind", http.MethodPost, `{"source_id":"x"}`, http.StatusBadRequest},
		{"missing source", http.MethodPost, `{"kind":"error_detected"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := serve(t, d, tt.method, "/api/events", tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAPI_EventsQueueFull(t *testing.T) {
	d := setupDaemon(t)
	for i := 0; i < cap(d.events); i++ {
		d.events <- event(coordinator.KindCustom, "fill")
	}

	rec := serve(t, d, http.MethodPost, "/api/events", `{"kind":"custom","source_id":"x"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestAPI_Complete(t *testing.T) {
	d := setupDaemon(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d.Submit(ctx, event(coordinator.KindErrorDetected, "pane:1"))
	}
	d.wg.Wait()
	if snap, _ := d.coord.Snapshot("seq_errors", "pane:1"); !snap.Active() {
		t.Fatal("expected analysis in flight")
	}

	rec := serve(t, d, http.MethodPost, "/api/complete", `{"rule":"seq_errors","source_id":"pane:1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if snap, _ := d.coord.Snapshot("seq_errors", "pane:1"); snap.Active() {
		t.Error("complete did not release the gate")
	}

	if rec := serve(t, d, http.MethodPost, "/api/complete", `{"rule":"seq_errors"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing source_id = %d, want 400", rec.Code)
	}
}

func TestAPI_NotificationsInvalidLimit(t *testing.T) {
	d := setupDaemon(t)
	if rec := serve(t, d, http.MethodGet, "/api/notifications?limit=abc", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	rec := serve(t, d, http.MethodGet, "/api/notifications", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("empty history should be [], got %s", rec.Body.String())
	}
}

func TestAPI_RateLimits(t *testing.T) {
	d := setupDaemon(t)
	d.Submit(context.Background(), event(coordinator.KindProcessCrashed, "pane:4"))
	d.wg.Wait()

	rec := serve(t, d, http.MethodGet, "/api/rate-limits?service=context7", "")
	var statuses []rateLimitStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &statuses); err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 1 || statuses[0].Count != 1 || statuses[0].Limit != 5 {
		t.Errorf("unexpected status: %+v", statuses)
	}
	if statuses[0].CircuitOpen {
		t.Error("circuit should be closed")
	}

	rec = serve(t, d, http.MethodGet, "/api/rate-limits", "")
	json.Unmarshal(rec.Body.Bytes(), &statuses)
	if len(statuses) != 2 {
		t.Errorf("expected a status per service, got %d", len(statuses))
	}
}

func TestAPI_Metrics(t *testing.T) {
	d := setupDaemon(t)
	d.Submit(context.Background(), event(coordinator.KindProcessCrashed, "pane:5"))
	d.wg.Wait()

	rec := serve(t, d, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "integrator_coordinator_events_total") {
		t.Error("coordinator metrics missing from /metrics")
	}
}

func TestAPI_Webhooks(t *testing.T) {
	d := setupDaemon(t)

	rec := serve(t, d, http.MethodPost, "/hooks/ci", `{"status":"green"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	ev := <-d.events
	if ev.Kind != coordinator.KindBuildComplete || ev.SourceID != "webhook:ci" {
		t.Errorf("unexpected event: %+v", ev)
	}

	if rec := serve(t, d, http.MethodGet, "/hooks/ci", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET = %d, want 405", rec.Code)
	}
	if rec := serve(t, d, http.MethodPost, "/hooks/deploy", ""); rec.Code != http.StatusForbidden {
		t.Errorf("missing secret = %d, want 403", rec.Code)
	}
	if rec := serve(t, d, http.MethodPost, "/hooks/unknown", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown path = %d, want 404", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/hooks/deploy", nil)
	req.Header.Set("X-Webhook-Secret", "s3cret")
	w := httptest.NewRecorder()
	d.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("with secret = %d, want 200", w.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := rate.NewLimiter(0, 1)
	h := rateLimit(limiter, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}
