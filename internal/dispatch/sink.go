// internal/dispatch/sink.go
package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/colebrumley/integrator/internal/coordinator"
	"github.com/colebrumley/integrator/internal/security"
	"github.com/redis/go-redis/v9"
)

const (
	SignatureHeader      = "X-Integrator-Signature"
	NotificationIDHeader = "X-Integrator-Notification-ID"
)

// Sink delivers a notification to one downstream service.
type Sink interface {
	Deliver(ctx context.Context, n coordinator.Notification) error
}

// StatusError is returned by WebhookSink for non-2xx responses.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// WebhookSink POSTs the notification as JSON, signed with HMAC-SHA256 when a
// secret is configured.
type WebhookSink struct {
	URL     string
	Secret  string
	Headers map[string]string
	Client  *http.Client
}

func (s *WebhookSink) Deliver(ctx context.Context, n coordinator.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(NotificationIDHeader, n.ID)
	if s.Secret != "" {
		req.Header.Set(SignatureHeader, computeSignature(s.Secret, body))
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by WebhookSink.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// CommandSink runs a local command with the notification JSON on stdin.
type CommandSink struct {
	Command string
	Args    []string
	EnvVars map[string]string
}

func (s *CommandSink) Deliver(ctx context.Context, n coordinator.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	cmd := exec.CommandContext(ctx, s.Command, s.Args...)
	cmd.Stdin = bytes.NewReader(body)
	cmd.Env = append(os.Environ(),
		"INTEGRATOR_NOTIFICATION_ID="+n.ID,
		"INTEGRATOR_RULE="+n.Rule,
		"INTEGRATOR_STEP="+n.Step,
		"INTEGRATOR_SOURCE_ID="+security.SanitizeValue(n.SourceID),
		"INTEGRATOR_SERVICE="+n.TargetService,
		"INTEGRATOR_ACTION="+n.Descriptor.Action,
		"INTEGRATOR_PRIORITY="+string(n.Priority),
	)
	for k, v := range s.EnvVars {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("command timed out: %w", ctx.Err())
		}
		out := security.SanitizeValue(strings.TrimSpace(string(output)))
		return fmt.Errorf("command failed: %w: %s", err, out)
	}
	return nil
}

// Publisher is the subset of *redis.Client used by RedisSink.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisSink publishes the notification JSON on a redis channel.
type RedisSink struct {
	Client  Publisher
	Channel string
}

func NewRedisSink(addr, password string, db int, channel string) *RedisSink {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisSink{Client: client, Channel: channel}
}

func (s *RedisSink) Deliver(ctx context.Context, n coordinator.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := s.Client.Publish(ctx, s.Channel, body).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Close releases the redis connection pool when the client owns one.
func (s *RedisSink) Close() error {
	if c, ok := s.Client.(*redis.Client); ok {
		return c.Close()
	}
	return nil
}

// LogSink writes the notification to the daemon log.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Deliver(ctx context.Context, n coordinator.Notification) error {
	s.Logger.LogAttrs(ctx, slog.LevelInfo, "notification",
		slog.String("id", n.ID),
		slog.String("service", n.TargetService),
		slog.String("rule", n.Rule),
		slog.String("step", n.Step),
		slog.String("source", n.SourceID),
		slog.String("priority", string(n.Priority)),
		slog.String("action", n.Descriptor.Action),
		slog.String("summary", n.Descriptor.Summary),
	)
	return nil
}
