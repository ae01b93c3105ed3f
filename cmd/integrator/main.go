// cmd/integrator/main.go
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/colebrumley/integrator/internal/config"
	"github.com/colebrumley/integrator/internal/coordinator"
	"github.com/colebrumley/integrator/internal/state"
	"github.com/fatih/color"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(1)
	}

	if err := run(os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd string, args []string, out io.Writer) error {
	configPath, rulesDir := config.Paths()
	api := newClient(config.Addr())

	switch cmd {
	case "init":
		return cmdInit(configPath, rulesDir, out)
	case "validate":
		return cmdValidate(configPath, rulesDir, args, out)
	case "list":
		return cmdList(rulesDir, out)
	case "status":
		return cmdStatus(api, out)
	case "submit":
		return cmdSubmit(api, args, out)
	case "complete":
		return cmdComplete(api, args, out)
	case "history":
		return cmdHistory(api, args, out)
	case "rate-limits":
		return cmdRateLimits(api, args, out)
	case "logs":
		return cmdLogs(configPath, args)
	case "help", "-h", "--help":
		printUsage(out)
		return nil
	default:
		printUsage(out)
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `integrator - event-driven trigger coordinator

Usage: integrator <command> [options]

Commands:
  init                          Create config and rules directories
  validate [rules-dir]          Validate the config and rules
  list                          List rules
  status                        Show daemon status
  submit --kind K --source S    Submit an event (--payload JSON, --async)
  complete <rule> <source>      Mark an analysis as finished
  history                       Show notifications (--rule, --service, --state, --limit)
  rate-limits [service]         Show rate limit buckets
  logs                          View daemon logs (-f to follow)

Environment:
  INTEGRATOR_CONFIG, INTEGRATOR_RULES_DIR, INTEGRATOR_ADDR`)
}

const defaultConfig = `daemon:
  log_level: info
  listen_address: 127.0.0.1
  listen_port: 9876
  history_retention_days: 90

logging:
  format: json

coordinator:
  analysis_timeout: 5m
  max_triggers_per_minute: 10
  history_idle_ttl: 30m
  sweep_schedule: "*/5 * * * *"

dispatch:
  max_concurrent: 10
  breaker_threshold: 5
  breaker_cooldown: 30s

services:
  - name: log
    type: log

sources:
  - name: api
    type: manual
`

const exampleRule = `name: repeated_errors
description: Ask for a sequential analysis after repeated errors from one source
enabled: false
target_service: log
kinds: [error_detected]
condition:
  type: threshold
  count: 3
  window: 1m
debounce: 10s
`

func cmdInit(configPath, rulesDir string, out io.Writer) error {
	dirs := []string{filepath.Dir(configPath), rulesDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
		fmt.Fprintf(out, "Created %s\n", dir)
	}

	if err := os.Chmod(rulesDir, 0700); err != nil {
		return fmt.Errorf("setting rules directory permissions: %w", err)
	}

	files := []struct {
		path, body string
	}{
		{configPath, defaultConfig},
		{filepath.Join(rulesDir, "repeated-errors.yaml"), exampleRule},
	}
	for _, f := range files {
		if _, err := os.Stat(f.path); err == nil {
			continue
		}
		if err := os.WriteFile(f.path, []byte(f.body), 0600); err != nil {
			return err
		}
		fmt.Fprintf(out, "Created %s\n", f.path)
	}

	fmt.Fprintln(out, "\nInitialization complete. Add rules to:", rulesDir)
	return nil
}

func cmdValidate(configPath, rulesDir string, args []string, out io.Writer) error {
	if len(args) > 0 {
		rulesDir = args[0]
	}

	cfg, err := config.LoadGlobal(configPath)
	if err != nil {
		return fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	rules, err := config.LoadRulesDir(rulesDir)
	if err != nil {
		return err
	}
	if err := config.ValidateRules(rules); err != nil {
		return err
	}
	if err := config.ValidateTargets(cfg, rules); err != nil {
		return err
	}

	fmt.Fprintf(out, "Validated %d rules, %d services, %d sources\n", len(rules), len(cfg.Services), len(cfg.Sources))
	return nil
}

func cmdList(rulesDir string, out io.Writer) error {
	rules, err := config.LoadRulesDir(rulesDir)
	if err != nil {
		return err
	}

	if len(rules) == 0 {
		fmt.Fprintln(out, "No rules found")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tENABLED\tCONDITION\tTARGET\tDESCRIPTION")
	for _, rule := range rules {
		enabled := "yes"
		if !rule.Enabled {
			enabled = "no"
		}
		cond := rule.Condition.Type
		if cond == "" {
			cond = "single"
		}
		desc := rule.Description
		if len(desc) > 40 {
			desc = desc[:37] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rule.Name, enabled, cond, rule.TargetService, desc)
	}
	return tw.Flush()
}

func cmdStatus(api *client, out io.Writer) error {
	var health map[string]any
	if err := api.get("/health", &health); err != nil {
		color.New(color.FgRed).Fprintln(out, "Daemon is not running")
		return err
	}

	color.New(color.FgGreen).Fprintln(out, "Daemon is running")
	for _, key := range []string{"version", "uptime", "rules_loaded", "rules_enabled", "services", "sources", "history_entries", "queued_events"} {
		if v, ok := health[key]; ok {
			fmt.Fprintf(out, "  %-16s %v\n", key+":", v)
		}
	}
	return nil
}

func knownKinds() string {
	kinds := coordinator.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

func cmdSubmit(api *client, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(out)
	kind := fs.String("kind", "", "event kind")
	src := fs.String("source", "", "source id")
	payload := fs.String("payload", "", "event payload as a JSON object")
	async := fs.Bool("async", false, "queue the event instead of waiting for evaluation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *kind == "" || *src == "" {
		return errors.New("usage: integrator submit --kind <kind> --source <source-id> [--payload JSON]")
	}

	req := map[string]any{
		"kind":      *kind,
		"source_id": *src,
		"timestamp": time.Now().UTC(),
	}
	if *payload != "" {
		var p map[string]any
		if err := json.Unmarshal([]byte(*payload), &p); err != nil {
			return fmt.Errorf("invalid --payload: %w", err)
		}
		req["payload"] = p
	}
	if !coordinator.Known(*kind) {
		fmt.Fprintf(out, "note: %q is not a known kind, it will be treated as custom (known: %s)\n", *kind, knownKinds())
	}

	if *async {
		if err := api.post("/api/events", req, nil); err != nil {
			return err
		}
		fmt.Fprintln(out, "Event queued")
		return nil
	}

	var resp struct {
		Notifications []coordinator.Notification `json:"notifications"`
		Count         int                        `json:"count"`
	}
	if err := api.post("/api/events?wait=true", req, &resp); err != nil {
		return err
	}
	if resp.Count == 0 {
		fmt.Fprintln(out, "No notifications emitted")
		return nil
	}
	for _, n := range resp.Notifications {
		rule := n.Rule
		if n.Step != "" {
			rule += "/" + n.Step
		}
		fmt.Fprintf(out, "%s -> %s [%s] %s: %s\n", rule, n.TargetService, n.Priority, n.Descriptor.Action, n.Descriptor.Summary)
	}
	return nil
}

func cmdComplete(api *client, args []string, out io.Writer) error {
	if len(args) != 2 {
		return errors.New("usage: integrator complete <rule> <source-id>")
	}
	if err := api.post("/api/complete", map[string]string{"rule": args[0], "source_id": args[1]}, nil); err != nil {
		return err
	}
	fmt.Fprintf(out, "Completed %s for %s\n", args[0], args[1])
	return nil
}

func cmdHistory(api *client, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(out)
	rule := fs.String("rule", "", "filter by rule")
	service := fs.String("service", "", "filter by target service")
	st := fs.String("state", "", "filter by delivery state")
	limit := fs.Int("limit", 20, "maximum records")
	if err := fs.Parse(args); err != nil {
		return err
	}

	q := url.Values{}
	if *rule != "" {
		q.Set("rule", *rule)
	}
	if *service != "" {
		q.Set("service", *service)
	}
	if *st != "" {
		q.Set("state", *st)
	}
	q.Set("limit", fmt.Sprint(*limit))

	var records []state.NotificationRecord
	if err := api.get("/api/notifications?"+q.Encode(), &records); err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No notifications found")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "EMITTED\tRULE\tSERVICE\tSOURCE\tSTATE\tCOMPLETED")
	for _, r := range records {
		rule := r.Rule
		if r.Step != "" {
			rule += "/" + r.Step
		}
		completed := "-"
		if r.CompletedAt != nil {
			completed = r.CompletedAt.Local().Format(time.TimeOnly)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.EmittedAt.Local().Format(time.DateTime), rule, r.Service, r.SourceID, stateColor(r.DeliveryState), completed)
	}
	return tw.Flush()
}

func stateColor(s string) string {
	switch s {
	case "delivered":
		return color.GreenString(s)
	case "pending":
		return color.YellowString(s)
	default:
		return color.RedString(s)
	}
}

func cmdRateLimits(api *client, args []string, out io.Writer) error {
	path := "/api/rate-limits"
	if len(args) > 0 {
		path += "?service=" + url.QueryEscape(args[0])
	}

	var statuses []struct {
		coordinator.RateStatus
		CircuitOpen bool `json:"circuit_open"`
	}
	if err := api.get(path, &statuses); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tCOUNT\tLIMIT\tLIMITED\tCIRCUIT")
	for _, s := range statuses {
		circuit := color.GreenString("closed")
		if s.CircuitOpen {
			circuit = color.RedString("open")
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%t\t%s\n", s.Service, s.Count, s.Limit, s.Limited, circuit)
	}
	return tw.Flush()
}

func cmdLogs(configPath string, args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	follow := fs.Bool("f", false, "follow logs")
	fs.BoolVar(follow, "follow", false, "follow logs")
	fs.Parse(args)

	logDir := "/var/log/integrator"
	if cfg, err := config.LoadGlobal(configPath); err == nil {
		logDir = cfg.Daemon.LogDir
	}
	logPath := filepath.Join(logDir, "integratord.log")

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		return fmt.Errorf("log file not found: %s", logPath)
	}

	tailArgs := []string{"-n", "50"}
	if *follow {
		tailArgs = append(tailArgs, "-f")
	}
	tailArgs = append(tailArgs, logPath)

	cmd := exec.Command("tail", tailArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
