// internal/config/types.go
package config

import "time"

// Global configuration loaded from config.yaml
type Global struct {
	Daemon      DaemonConfig      `yaml:"daemon"`
	Logging     LoggingConfig     `yaml:"logging"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Services    []Service         `yaml:"services"`
	Sources     []Source          `yaml:"sources"`
}

type DaemonConfig struct {
	LogLevel             string  `yaml:"log_level"`
	ListenAddress        string  `yaml:"listen_address"`
	ListenPort           int     `yaml:"listen_port"`
	LogDir               string  `yaml:"log_dir"`
	StateDBPath          string  `yaml:"state_db_path"`
	HistoryRetentionDays int     `yaml:"history_retention_days"`
	APIRateLimit         float64 `yaml:"api_rate_limit"` // requests per second, 0 = default
	APIBurst             int     `yaml:"api_burst"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Debug  bool   `yaml:"debug"`
}

// CoordinatorConfig tunes the trigger coordinator. Durations are Go duration strings.
type CoordinatorConfig struct {
	AnalysisTimeout      time.Duration `yaml:"analysis_timeout"`
	MaxTriggersPerMinute int           `yaml:"max_triggers_per_minute"`
	RateBucket           time.Duration `yaml:"rate_bucket"`
	RateHistoryBuckets   int           `yaml:"rate_history_buckets"`
	HistoryIdleTTL       time.Duration `yaml:"history_idle_ttl"`
	SweepSchedule        string        `yaml:"sweep_schedule"` // cron expression
}

type DispatchConfig struct {
	MaxConcurrent    int           `yaml:"max_concurrent"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

// Service is a downstream collaborator notifications are delivered to.
type Service struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // webhook, command, redis, log
	// Webhook
	URL          string            `yaml:"url"`
	Headers      map[string]string `yaml:"headers"`
	SecretEnvVar string            `yaml:"secret_env_var"`
	// Command
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	EnvVars map[string]string `yaml:"env_vars"`
	// Redis
	RedisAddr           string `yaml:"redis_addr"`
	RedisChannel        string `yaml:"redis_channel"`
	RedisPasswordEnvVar string `yaml:"redis_password_env_var"`
	RedisDB             int    `yaml:"redis_db"`

	Timeout      time.Duration `yaml:"timeout"`
	Retry        Retry         `yaml:"retry"`
	AutoComplete bool          `yaml:"auto_complete"`
}

type Retry struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

// Source is an upstream event producer.
type Source struct {
	Name     string         `yaml:"name"`
	Type     string         `yaml:"type"` // filesystem, scheduled, webhook, manual
	Kind     string         `yaml:"kind"` // event kind emitted
	SourceID string         `yaml:"source_id"`
	Payload  map[string]any `yaml:"payload"`
	// Filesystem
	WatchPaths     []string      `yaml:"watch_paths"`
	OnEvents       []string      `yaml:"on_events"`
	IgnorePatterns []string      `yaml:"ignore_patterns"`
	Debounce       time.Duration `yaml:"debounce"`
	Recursive      bool          `yaml:"recursive"`
	// Scheduled
	CronExpression string `yaml:"cron_expression"`
	RunEvery       string `yaml:"run_every"`
	// Webhook
	ListenPath     string   `yaml:"listen_path"`
	AllowedMethods []string `yaml:"allowed_methods"`
	RequireSecret  bool     `yaml:"require_secret"`
	SecretHeader   string   `yaml:"secret_header"`
	SecretEnvVar   string   `yaml:"secret_env_var"`
}

// Rule configuration loaded from individual YAML files
type Rule struct {
	Name          string        `yaml:"name"`
	Description   string        `yaml:"description"`
	Enabled       bool          `yaml:"enabled"`
	TargetService string        `yaml:"target_service"`
	Kinds         []string      `yaml:"kinds"`
	SourcePattern string        `yaml:"source_pattern"`
	Condition     Condition     `yaml:"condition"`
	Debounce      time.Duration `yaml:"debounce"`
	Priority      string        `yaml:"priority"`
	Action        string        `yaml:"action"`
	Summary       string        `yaml:"summary"`
}

type Condition struct {
	Type   string        `yaml:"type"` // single, threshold, cascade
	Count  int           `yaml:"count"`
	Window time.Duration `yaml:"window"`
	Steps  []Step        `yaml:"steps"`
}

type Step struct {
	Name          string        `yaml:"name"`
	Kinds         []string      `yaml:"kinds"`
	TargetService string        `yaml:"target_service"`
	Count         int           `yaml:"count"`
	Window        time.Duration `yaml:"window"`
	Action        string        `yaml:"action"`
	Priority      string        `yaml:"priority"`
}
