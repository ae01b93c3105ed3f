// internal/coordinator/rule.go
package coordinator

import (
	"fmt"
	"path"
	"time"
)

// ConditionType selects how a rule decides that it matched.
type ConditionType string

const (
	ConditionSingle    ConditionType = "single"
	ConditionThreshold ConditionType = "threshold"
	ConditionCascade   ConditionType = "cascade"
)

// Condition is the matching policy of a rule.
type Condition struct {
	Type ConditionType `json:"type"`
	// Threshold
	Count  int           `json:"count,omitempty"`
	Window time.Duration `json:"window,omitempty"`
	// Cascade
	Steps []Step `json:"steps,omitempty"`
}

// Step is one ordered sub-rule of a cascade. A step with Count <= 1 and no
// Window matches on a single event; otherwise it is a threshold step.
type Step struct {
	Name          string        `json:"name"`
	Kinds         []Kind        `json:"kinds"`
	TargetService string        `json:"target_service,omitempty"`
	Count         int           `json:"count,omitempty"`
	Window        time.Duration `json:"window,omitempty"`
	Action        string        `json:"action,omitempty"`
	Priority      Priority      `json:"priority,omitempty"`
}

// Rule maps an event pattern to a downstream service.
type Rule struct {
	Name          string        `json:"name"`
	TargetService string        `json:"target_service"`
	Kinds         []Kind        `json:"kinds,omitempty"`
	SourcePattern string        `json:"source_pattern,omitempty"`
	Condition     Condition     `json:"condition"`
	Debounce      time.Duration `json:"debounce"`
	Enabled       bool          `json:"enabled"`
	Priority      Priority      `json:"priority,omitempty"`
	Action        string        `json:"action,omitempty"`
	Summary       string        `json:"summary,omitempty"`
}

// ConfigurationError rejects a rule set passed to UpdateConfiguration.
type ConfigurationError struct {
	Rule   string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Rule == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration: rule %q: %s", e.Rule, e.Reason)
}

func configErr(rule, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// compiledRule is a validated rule with its condition flattened into steps.
// Single and threshold rules have exactly one step.
type compiledRule struct {
	Rule
	steps   []Step
	cascade bool
}

func (s Step) count() int {
	if s.Count < 1 {
		return 1
	}
	return s.Count
}

func (s Step) listensTo(k Kind) bool {
	for _, want := range s.Kinds {
		if want == k {
			return true
		}
	}
	return false
}

func (r *compiledRule) listensTo(k Kind) bool {
	for _, s := range r.steps {
		if s.listensTo(k) {
			return true
		}
	}
	return false
}

func (r *compiledRule) matchesSource(sourceID string) bool {
	if r.SourcePattern == "" {
		return true
	}
	ok, err := path.Match(r.SourcePattern, sourceID)
	return err == nil && ok
}

// ValidateRules checks a rule set without installing it.
func ValidateRules(rules []Rule) error {
	_, err := compileRules(rules)
	return err
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	seen := make(map[string]bool, len(rules))
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Name == "" {
			return nil, configErr("", "rule name is required")
		}
		if seen[r.Name] {
			return nil, configErr(r.Name, "duplicate rule name")
		}
		seen[r.Name] = true

		c, err := compileRule(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func compileRule(r Rule) (compiledRule, error) {
	if r.Debounce < 0 {
		return compiledRule{}, configErr(r.Name, "debounce must not be negative")
	}
	if r.SourcePattern != "" {
		if _, err := path.Match(r.SourcePattern, ""); err != nil {
			return compiledRule{}, configErr(r.Name, "invalid source pattern %q", r.SourcePattern)
		}
	}
	priority, ok := ParsePriority(string(r.Priority))
	if !ok {
		return compiledRule{}, configErr(r.Name, "invalid priority %q", r.Priority)
	}
	r.Priority = priority

	c := compiledRule{Rule: r}
	switch r.Condition.Type {
	case ConditionSingle, "":
		c.Condition.Type = ConditionSingle
		c.steps = []Step{{Name: r.Name, Kinds: r.Kinds, Count: 1}}
	case ConditionThreshold:
		if r.Condition.Count <= 0 {
			return compiledRule{}, configErr(r.Name, "threshold count must be positive, got %d", r.Condition.Count)
		}
		if r.Condition.Window <= 0 {
			return compiledRule{}, configErr(r.Name, "threshold window must be positive, got %s", r.Condition.Window)
		}
		c.steps = []Step{{Name: r.Name, Kinds: r.Kinds, Count: r.Condition.Count, Window: r.Condition.Window}}
	case ConditionCascade:
		if len(r.Condition.Steps) == 0 {
			return compiledRule{}, configErr(r.Name, "cascade requires at least one step")
		}
		c.cascade = true
		names := make(map[string]bool, len(r.Condition.Steps))
		for i, s := range r.Condition.Steps {
			if s.Name == "" {
				s.Name = fmt.Sprintf("step-%d", i+1)
			}
			if names[s.Name] {
				return compiledRule{}, configErr(r.Name, "duplicate cascade step %q", s.Name)
			}
			names[s.Name] = true
			if s.Count < 0 || s.Window < 0 {
				return compiledRule{}, configErr(r.Name, "step %q: count and window must not be negative", s.Name)
			}
			if s.Count > 1 && s.Window == 0 {
				return compiledRule{}, configErr(r.Name, "step %q: threshold window must be positive", s.Name)
			}
			if len(s.Kinds) == 0 {
				return compiledRule{}, configErr(r.Name, "step %q: at least one event kind is required", s.Name)
			}
			p, ok := ParsePriority(string(s.Priority))
			if !ok {
				return compiledRule{}, configErr(r.Name, "step %q: invalid priority %q", s.Name, s.Priority)
			}
			s.Priority = p
			if s.TargetService == "" {
				s.TargetService = r.TargetService
			}
			if s.TargetService == "" {
				return compiledRule{}, configErr(r.Name, "step %q: target service is required", s.Name)
			}
			c.steps = append(c.steps, s)
		}
		return c, nil
	default:
		return compiledRule{}, configErr(r.Name, "unknown condition type %q", r.Condition.Type)
	}

	if r.TargetService == "" {
		return compiledRule{}, configErr(r.Name, "target service is required")
	}
	if len(r.Kinds) == 0 {
		return compiledRule{}, configErr(r.Name, "at least one event kind is required")
	}
	c.steps[0].TargetService = r.TargetService
	c.steps[0].Action = r.Action
	c.steps[0].Priority = r.Priority
	return c, nil
}
