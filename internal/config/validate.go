// internal/config/validate.go
package config

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/colebrumley/integrator/internal/coordinator"
	"github.com/robfig/cron/v3"
)

var validServiceTypes = map[string]bool{
	"webhook": true,
	"command": true,
	"redis":   true,
	"log":     true,
}

var validSourceTypes = map[string]bool{
	"filesystem": true,
	"scheduled":  true,
	"webhook":    true,
	"manual":     true,
}

var validConditionTypes = map[string]bool{
	"":          true,
	"single":    true,
	"threshold": true,
	"cascade":   true,
}

// ValidateGlobal checks the services, sources and coordinator settings.
func ValidateGlobal(cfg *Global) error {
	if _, err := cron.ParseStandard(cfg.Coordinator.SweepSchedule); err != nil {
		return fmt.Errorf("invalid coordinator.sweep_schedule %q: %w", cfg.Coordinator.SweepSchedule, err)
	}

	services := make(map[string]bool, len(cfg.Services))
	for _, s := range cfg.Services {
		if s.Name == "" {
			return errors.New("service name is required")
		}
		if services[s.Name] {
			return fmt.Errorf("duplicate service %q", s.Name)
		}
		services[s.Name] = true
		if err := validateService(s); err != nil {
			return fmt.Errorf("service %q: %w", s.Name, err)
		}
	}

	sources := make(map[string]bool, len(cfg.Sources))
	for _, s := range cfg.Sources {
		if s.Name == "" {
			return errors.New("source name is required")
		}
		if sources[s.Name] {
			return fmt.Errorf("duplicate source %q", s.Name)
		}
		sources[s.Name] = true
		if err := validateSource(s); err != nil {
			return fmt.Errorf("source %q: %w", s.Name, err)
		}
	}
	return nil
}

func validateService(s Service) error {
	if !validServiceTypes[s.Type] {
		return fmt.Errorf("invalid service type: %s", s.Type)
	}
	switch s.Type {
	case "webhook":
		if s.URL == "" {
			return errors.New("webhook service requires url")
		}
	case "command":
		if s.Command == "" {
			return errors.New("command service requires command")
		}
	case "redis":
		if s.RedisAddr == "" || s.RedisChannel == "" {
			return errors.New("redis service requires redis_addr and redis_channel")
		}
	}
	if s.Retry.Delay < 0 {
		return errors.New("retry delay must not be negative")
	}
	return nil
}

func validateSource(s Source) error {
	if !validSourceTypes[s.Type] {
		return fmt.Errorf("invalid source type: %s", s.Type)
	}
	if s.Type != "manual" && s.Kind == "" {
		return errors.New("kind is required")
	}
	if s.Kind != "" && !coordinator.Known(s.Kind) {
		return fmt.Errorf("unknown event kind: %s", s.Kind)
	}
	switch s.Type {
	case "filesystem":
		if len(s.WatchPaths) == 0 {
			return errors.New("filesystem source requires watch_paths")
		}
		for _, p := range s.IgnorePatterns {
			if _, err := filepath.Match(p, ""); err != nil {
				return fmt.Errorf("invalid ignore pattern %q: %w", p, err)
			}
		}
	case "scheduled":
		if s.CronExpression == "" && s.RunEvery == "" {
			return errors.New("scheduled source requires cron_expression or run_every")
		}
	case "webhook":
		if s.ListenPath == "" {
			return errors.New("webhook source requires listen_path")
		}
	}
	return nil
}

// ValidateRule checks a single rule file, including the checks the
// coordinator applies when the rule is installed.
func ValidateRule(rule *Rule) error {
	if rule.Name == "" {
		return errors.New("rule name is required")
	}
	if !validConditionTypes[rule.Condition.Type] {
		return fmt.Errorf("invalid condition type: %s", rule.Condition.Type)
	}
	for _, k := range rule.Kinds {
		if !coordinator.Known(k) {
			return fmt.Errorf("unknown event kind: %s", k)
		}
	}
	for _, s := range rule.Condition.Steps {
		for _, k := range s.Kinds {
			if !coordinator.Known(k) {
				return fmt.Errorf("step %q: unknown event kind: %s", s.Name, k)
			}
		}
	}
	return coordinator.ValidateRules([]coordinator.Rule{rule.ToCoordinator()})
}

// ValidateRules checks every rule and the set as a whole (unique names).
func ValidateRules(rules []*Rule) error {
	for _, r := range rules {
		if err := ValidateRule(r); err != nil {
			return err
		}
	}
	return coordinator.ValidateRules(ToCoordinatorRules(rules))
}

// ValidateTargets reports rules that point at services missing from cfg.
func ValidateTargets(cfg *Global, rules []*Rule) error {
	known := make(map[string]bool, len(cfg.Services))
	for _, s := range cfg.Services {
		known[s.Name] = true
	}
	for _, r := range rules {
		if r.TargetService != "" && !known[r.TargetService] {
			return fmt.Errorf("rule %q: unknown target service %q", r.Name, r.TargetService)
		}
		for _, s := range r.Condition.Steps {
			if s.TargetService != "" && !known[s.TargetService] {
				return fmt.Errorf("rule %q: step %q: unknown target service %q", r.Name, s.Name, s.TargetService)
			}
		}
	}
	return nil
}

// ToCoordinator converts a rule file into the coordinator's rule type.
func (r *Rule) ToCoordinator() coordinator.Rule {
	out := coordinator.Rule{
		Name:          r.Name,
		TargetService: r.TargetService,
		Kinds:         toKinds(r.Kinds),
		SourcePattern: r.SourcePattern,
		Debounce:      r.Debounce,
		Enabled:       r.Enabled,
		Priority:      coordinator.Priority(r.Priority),
		Action:        r.Action,
		Summary:       r.Summary,
		Condition: coordinator.Condition{
			Type:   coordinator.ConditionType(r.Condition.Type),
			Count:  r.Condition.Count,
			Window: r.Condition.Window,
		},
	}
	for _, s := range r.Condition.Steps {
		out.Condition.Steps = append(out.Condition.Steps, coordinator.Step{
			Name:          s.Name,
			Kinds:         toKinds(s.Kinds),
			TargetService: s.TargetService,
			Count:         s.Count,
			Window:        s.Window,
			Action:        s.Action,
			Priority:      coordinator.Priority(s.Priority),
		})
	}
	return out
}

// ToCoordinatorRules converts rule files, preserving order.
func ToCoordinatorRules(rules []*Rule) []coordinator.Rule {
	out := make([]coordinator.Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.ToCoordinator())
	}
	return out
}

func toKinds(names []string) []coordinator.Kind {
	kinds := make([]coordinator.Kind, 0, len(names))
	for _, n := range names {
		kinds = append(kinds, coordinator.ParseKind(n))
	}
	return kinds
}
