// internal/coordinator/event.go
package coordinator

import (
	"strings"
	"time"
)

// Kind identifies what an upstream monitor observed.
type Kind string

const (
	KindErrorDetected     Kind = "error_detected"
	KindMultipleErrors    Kind = "multiple_errors"
	KindProcessCrashed    Kind = "process_crashed"
	KindFrameworkDetected Kind = "framework_detected"
	KindPortChanged       Kind = "port_changed"
	KindBuildComplete     Kind = "build_complete"
	KindUIChange          Kind = "ui_change"
	KindDependencyFailure Kind = "dependency_failure"
	KindCustom            Kind = "custom"
)

var knownKinds = map[Kind]bool{
	KindErrorDetected:     true,
	KindMultipleErrors:    true,
	KindProcessCrashed:    true,
	KindFrameworkDetected: true,
	KindPortChanged:       true,
	KindBuildComplete:     true,
	KindUIChange:          true,
	KindDependencyFailure: true,
	KindCustom:            true,
}

// ParseKind maps s onto a known kind. Anything unrecognized becomes KindCustom.
func ParseKind(s string) Kind {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if knownKinds[k] {
		return k
	}
	return KindCustom
}

// Known reports whether s names one of the recognized kinds.
func Known(s string) bool {
	return knownKinds[Kind(strings.ToLower(strings.TrimSpace(s)))]
}

// Kinds returns every recognized kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindErrorDetected,
		KindMultipleErrors,
		KindProcessCrashed,
		KindFrameworkDetected,
		KindPortChanged,
		KindBuildComplete,
		KindUIChange,
		KindDependencyFailure,
		KindCustom,
	}
}

// Event is a fact reported by an upstream monitor.
type Event struct {
	Kind      Kind           `json:"kind"`
	SourceID  string         `json:"source_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// DefaultAction is the analysis action requested for a kind when neither the
// rule nor the cascade step names one.
func DefaultAction(k Kind) string {
	switch k {
	case KindErrorDetected:
		return "analyze_error"
	case KindMultipleErrors:
		return "sequential_analysis"
	case KindProcessCrashed:
		return "diagnose_crash"
	case KindFrameworkDetected:
		return "fetch_documentation"
	case KindPortChanged:
		return "refresh_endpoints"
	case KindBuildComplete:
		return "run_tests"
	case KindUIChange:
		return "visual_check"
	case KindDependencyFailure:
		return "audit_dependencies"
	default:
		return "custom"
	}
}

// DefaultPriority is the notification priority for a kind when neither the
// rule nor the cascade step sets one.
func DefaultPriority(k Kind) Priority {
	switch k {
	case KindProcessCrashed, KindDependencyFailure:
		return PriorityHigh
	case KindErrorDetected, KindMultipleErrors, KindBuildComplete:
		return PriorityMedium
	default:
		return PriorityLow
	}
}
