// internal/mcp/server.go
package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/colebrumley/integrator/internal/coordinator"
	"github.com/colebrumley/integrator/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Backend is what the tools operate on. The daemon implements it so events
// submitted over MCP are recorded and dispatched like any other.
type Backend interface {
	Submit(ctx context.Context, ev coordinator.Event) ([]coordinator.Notification, error)
	Complete(ruleName, sourceID string)
	Rules() []coordinator.Rule
	RateStatus(service string) coordinator.RateStatus
	History(filter state.HistoryFilter) ([]state.NotificationRecord, error)
}

// Server wraps the MCP server with coordinator tools
type Server struct {
	backend Backend
	server  *mcp.Server
}

// SubmitEventInput is the input schema for the submit_event tool
type SubmitEventInput struct {
	Kind     string         `json:"kind" jsonschema:"Event kind, e.g. error_detected, process_crashed, build_complete. Unknown kinds are treated as custom"`
	SourceID string         `json:"source_id" jsonschema:"Identifier of the thing that produced the event, e.g. pane:2"`
	Payload  map[string]any `json:"payload,omitempty" jsonschema:"Optional event details"`
}

// SubmitEventOutput is the output schema for the submit_event tool
type SubmitEventOutput struct {
	Notifications []coordinator.Notification `json:"notifications"`
	Count         int                        `json:"count"`
	Warning       string                     `json:"warning,omitempty"`
}

// CompleteAnalysisInput is the input schema for the complete_analysis tool
type CompleteAnalysisInput struct {
	Rule     string `json:"rule" jsonschema:"Rule whose analysis finished"`
	SourceID string `json:"source_id" jsonschema:"Source the analysis was about"`
}

// MessageOutput is returned by tools that only acknowledge
type MessageOutput struct {
	Message string `json:"message"`
}

// ListRulesInput is the input schema for the list_rules tool
type ListRulesInput struct{}

// RuleSummary is a single rule in list_rules results
type RuleSummary struct {
	Name          string   `json:"name"`
	Enabled       bool     `json:"enabled"`
	TargetService string   `json:"target_service"`
	Condition     string   `json:"condition"`
	Kinds         []string `json:"kinds,omitempty"`
	Steps         []string `json:"steps,omitempty"`
	Debounce      string   `json:"debounce"`
}

// ListRulesOutput is the output schema for the list_rules tool
type ListRulesOutput struct {
	Rules []RuleSummary `json:"rules"`
	Count int           `json:"count"`
}

// RateLimitInput is the input schema for the rate_limit_status tool
type RateLimitInput struct {
	Service string `json:"service" jsonschema:"Target service name"`
}

// HistoryInput is the input schema for the notification_history tool
type HistoryInput struct {
	Rule    string `json:"rule,omitempty" jsonschema:"Optional rule filter"`
	Service string `json:"service,omitempty" jsonschema:"Optional target service filter"`
	Limit   int    `json:"limit,omitempty" jsonschema:"Maximum records to return (default 20)"`
}

// HistoryOutput is the output schema for the notification_history tool
type HistoryOutput struct {
	Notifications []state.NotificationRecord `json:"notifications"`
	Count         int                        `json:"count"`
}

// NewServer creates a new MCP server with coordinator tools
func NewServer(backend Backend, version string) *Server {
	s := &Server{backend: backend}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "integrator",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "submit_event",
		Description: "Report something an upstream monitor observed. Returns the notifications the coordinator emitted; an empty list means no rule fired (no match, debounced, an analysis already in flight, or rate limited).",
	}, s.handleSubmitEvent)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "complete_analysis",
		Description: "Mark the analysis for a rule and source as finished so new events can trigger it again. Completing something that is not in flight is a no-op.",
	}, s.handleCompleteAnalysis)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_rules",
		Description: "List the active trigger rules in evaluation order.",
	}, s.handleListRules)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "rate_limit_status",
		Description: "Show how many notifications a target service received in the current rate bucket and whether it is limited.",
	}, s.handleRateLimitStatus)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "notification_history",
		Description: "List recently emitted notifications with their delivery state, newest first.",
	}, s.handleHistory)

	s.server = server
	return s
}

func (s *Server) handleSubmitEvent(ctx context.Context, req *mcp.CallToolRequest, input SubmitEventInput) (*mcp.CallToolResult, SubmitEventOutput, error) {
	if input.Kind == "" {
		return nil, SubmitEventOutput{}, errors.New("kind is required")
	}
	if input.SourceID == "" {
		return nil, SubmitEventOutput{}, errors.New("source_id is required")
	}

	notes, err := s.backend.Submit(ctx, coordinator.Event{
		Kind:      coordinator.ParseKind(input.Kind),
		SourceID:  input.SourceID,
		Timestamp: time.Now(),
		Payload:   input.Payload,
	})
	if notes == nil {
		notes = []coordinator.Notification{}
	}
	out := SubmitEventOutput{Notifications: notes, Count: len(notes)}
	// Notifications are already emitted and queued at this point.
	if err != nil {
		out.Warning = fmt.Sprintf("notifications emitted but not fully recorded: %v", err)
	}
	return nil, out, nil
}

func (s *Server) handleCompleteAnalysis(ctx context.Context, req *mcp.CallToolRequest, input CompleteAnalysisInput) (*mcp.CallToolResult, MessageOutput, error) {
	if input.Rule == "" || input.SourceID == "" {
		return nil, MessageOutput{}, errors.New("rule and source_id are required")
	}
	s.backend.Complete(input.Rule, input.SourceID)
	return nil, MessageOutput{
		Message: fmt.Sprintf("Completed %s for %s", input.Rule, input.SourceID),
	}, nil
}

func (s *Server) handleListRules(ctx context.Context, req *mcp.CallToolRequest, input ListRulesInput) (*mcp.CallToolResult, ListRulesOutput, error) {
	rules := s.backend.Rules()
	out := make([]RuleSummary, 0, len(rules))
	for _, r := range rules {
		out = append(out, summarize(r))
	}
	return nil, ListRulesOutput{Rules: out, Count: len(out)}, nil
}

func (s *Server) handleRateLimitStatus(ctx context.Context, req *mcp.CallToolRequest, input RateLimitInput) (*mcp.CallToolResult, coordinator.RateStatus, error) {
	if input.Service == "" {
		return nil, coordinator.RateStatus{}, errors.New("service is required")
	}
	return nil, s.backend.RateStatus(input.Service), nil
}

func (s *Server) handleHistory(ctx context.Context, req *mcp.CallToolRequest, input HistoryInput) (*mcp.CallToolResult, HistoryOutput, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}
	records, err := s.backend.History(state.HistoryFilter{
		Rule:    input.Rule,
		Service: input.Service,
		Limit:   limit,
	})
	if err != nil {
		return nil, HistoryOutput{}, fmt.Errorf("failed to read history: %w", err)
	}
	if records == nil {
		records = []state.NotificationRecord{}
	}
	return nil, HistoryOutput{Notifications: records, Count: len(records)}, nil
}

func summarize(r coordinator.Rule) RuleSummary {
	cond := string(r.Condition.Type)
	if cond == "" {
		cond = string(coordinator.ConditionSingle)
	}
	rs := RuleSummary{
		Name:          r.Name,
		Enabled:       r.Enabled,
		TargetService: r.TargetService,
		Condition:     cond,
		Debounce:      r.Debounce.String(),
	}
	for _, k := range r.Kinds {
		rs.Kinds = append(rs.Kinds, string(k))
	}
	for _, st := range r.Condition.Steps {
		rs.Steps = append(rs.Steps, st.Name)
	}
	return rs
}

// Run starts the MCP server on stdio
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Handler serves the same tools over streamable HTTP.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.server
	}, nil)
}
