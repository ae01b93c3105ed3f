// internal/source/webhook.go
package source

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/colebrumley/integrator/internal/config"
	"github.com/colebrumley/integrator/internal/coordinator"
)

const maxBodyBytes = 1 << 20

var (
	ErrMethodNotAllowed = errors.New("method not allowed")
	ErrUnauthorized     = errors.New("invalid or missing secret")
	ErrBadRequest       = errors.New("bad request")
)

// EventRequest is the JSON body accepted by webhook sources and the
// daemon's /api/events endpoint.
type EventRequest struct {
	Kind      string         `json:"kind"`
	SourceID  string         `json:"source_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// Event converts the request into a coordinator event.
func (r EventRequest) Event() coordinator.Event {
	return coordinator.Event{
		Kind:      coordinator.ParseKind(r.Kind),
		SourceID:  r.SourceID,
		Timestamp: r.Timestamp,
		Payload:   r.Payload,
	}
}

// DecodeEvent reads an EventRequest from body. kind is required.
func DecodeEvent(body io.Reader) (coordinator.Event, error) {
	var req EventRequest
	if err := json.NewDecoder(io.LimitReader(body, maxBodyBytes)).Decode(&req); err != nil {
		return coordinator.Event{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if req.Kind == "" {
		return coordinator.Event{}, fmt.Errorf("%w: kind is required", ErrBadRequest)
	}
	return req.Event(), nil
}

// Webhook turns HTTP requests on a configured path into events
type Webhook struct {
	name           string
	kind           coordinator.Kind
	sourceID       string
	payload        map[string]any
	listenPath     string
	allowedMethods map[string]bool
	requireSecret  bool
	secretHeader   string
	secret         string
}

// NewWebhook creates a new webhook source
func NewWebhook(cfg config.Source) (*Webhook, error) {
	if cfg.ListenPath == "" {
		return nil, errors.New("webhook source requires listen_path")
	}

	methods := make(map[string]bool)
	for _, m := range cfg.AllowedMethods {
		methods[m] = true
	}

	var secret string
	if cfg.RequireSecret {
		if cfg.SecretEnvVar == "" {
			return nil, errors.New("require_secret needs secret_env_var")
		}
		secret = os.Getenv(cfg.SecretEnvVar)
		if secret == "" {
			return nil, fmt.Errorf("secret env var %s is empty", cfg.SecretEnvVar)
		}
	}

	header := cfg.SecretHeader
	if header == "" {
		header = "X-Webhook-Secret"
	}
	sourceID := cfg.SourceID
	if sourceID == "" {
		sourceID = "webhook:" + cfg.Name
	}

	return &Webhook{
		name:           cfg.Name,
		kind:           coordinator.ParseKind(cfg.Kind),
		sourceID:       sourceID,
		payload:        cfg.Payload,
		listenPath:     cfg.ListenPath,
		allowedMethods: methods,
		requireSecret:  cfg.RequireSecret,
		secretHeader:   header,
		secret:         secret,
	}, nil
}

func (w *Webhook) Name() string {
	return w.name
}

func (w *Webhook) ListenPath() string {
	return w.listenPath
}

// Start for webhook just blocks until context is cancelled
// The actual HTTP handling is done by the shared server
func (w *Webhook) Start(ctx context.Context, events chan<- coordinator.Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func (w *Webhook) Stop() error {
	return nil
}

// HandleRequest validates r and pushes the resulting event. A JSON body in
// EventRequest form overrides the configured kind and source id; any other
// body is passed through as http_body.
func (w *Webhook) HandleRequest(r *http.Request, events chan<- coordinator.Event) error {
	if len(w.allowedMethods) > 0 && !w.allowedMethods[r.Method] {
		return ErrMethodNotAllowed
	}

	if w.requireSecret {
		got := r.Header.Get(w.secretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(w.secret)) != 1 {
			return ErrUnauthorized
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: reading body: %v", ErrBadRequest, err)
	}

	ev := coordinator.Event{
		Kind:      w.kind,
		SourceID:  w.sourceID,
		Timestamp: time.Now(),
		Payload: withPayload(w.payload, map[string]any{
			"http_method": r.Method,
			"http_path":   r.URL.Path,
		}),
	}

	var req EventRequest
	if json.Unmarshal(body, &req) == nil && req.Kind != "" {
		ev.Kind = coordinator.ParseKind(req.Kind)
		if req.SourceID != "" {
			ev.SourceID = req.SourceID
		}
		if !req.Timestamp.IsZero() {
			ev.Timestamp = req.Timestamp
		}
		ev.Payload = withPayload(ev.Payload, req.Payload)
	} else if len(body) > 0 {
		ev.Payload["http_body"] = string(body)
	}

	return send(events, ev)
}
