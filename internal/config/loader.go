// internal/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath = "/etc/integrator/config.yaml"
	DefaultRulesDir   = "/etc/integrator/rules"
	DefaultAddr       = "127.0.0.1:9876"
)

// Paths resolves the config file and rules directory from the environment,
// falling back to the defaults.
func Paths() (configPath, rulesDir string) {
	configPath = os.Getenv("INTEGRATOR_CONFIG")
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	rulesDir = os.Getenv("INTEGRATOR_RULES_DIR")
	if rulesDir == "" {
		rulesDir = DefaultRulesDir
	}
	return configPath, rulesDir
}

// Addr is the daemon HTTP address the CLI talks to.
func Addr() string {
	if addr := os.Getenv("INTEGRATOR_ADDR"); addr != "" {
		return addr
	}
	return DefaultAddr
}

// LoadGlobal loads the global configuration from a YAML file
func LoadGlobal(path string) (*Global, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Global
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyGlobalDefaults(&cfg)
	if err := ValidateGlobal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadRule loads a rule configuration from a YAML file
func LoadRule(path string) (*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule file: %w", err)
	}

	var rule Rule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("parsing rule file: %w", err)
	}

	return &rule, nil
}

// LoadRulesDir loads all rules from a directory, in file name order.
func LoadRulesDir(dir string) ([]*Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading rules directory: %w", err)
	}

	var rules []*Rule
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		rule, err := LoadRule(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("loading rule %s: %w", entry.Name(), err)
		}
		rules = append(rules, rule)
	}

	return rules, nil
}

func applyGlobalDefaults(cfg *Global) {
	if cfg.Daemon.LogLevel == "" {
		cfg.Daemon.LogLevel = "info"
	}
	if cfg.Daemon.ListenPort == 0 {
		cfg.Daemon.ListenPort = 9876
	}
	if cfg.Daemon.ListenAddress == "" {
		cfg.Daemon.ListenAddress = "127.0.0.1"
	}
	if cfg.Daemon.LogDir == "" {
		cfg.Daemon.LogDir = "/var/log/integrator"
	}
	if cfg.Daemon.StateDBPath == "" {
		cfg.Daemon.StateDBPath = "/var/lib/integrator/history.db"
	}
	if cfg.Daemon.HistoryRetentionDays <= 0 {
		cfg.Daemon.HistoryRetentionDays = 90
	}
	if cfg.Daemon.APIRateLimit <= 0 {
		cfg.Daemon.APIRateLimit = 50
	}
	if cfg.Daemon.APIBurst <= 0 {
		cfg.Daemon.APIBurst = 100
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Coordinator.SweepSchedule == "" {
		cfg.Coordinator.SweepSchedule = "*/5 * * * *"
	}
	if cfg.Dispatch.MaxConcurrent <= 0 {
		cfg.Dispatch.MaxConcurrent = 10
	}
	if cfg.Dispatch.BreakerThreshold <= 0 {
		cfg.Dispatch.BreakerThreshold = 5
	}
	if cfg.Dispatch.BreakerCooldown <= 0 {
		cfg.Dispatch.BreakerCooldown = 30 * time.Second
	}
	for i := range cfg.Services {
		s := &cfg.Services[i]
		if s.Timeout <= 0 {
			s.Timeout = 10 * time.Second
		}
		if s.Retry.Attempts <= 0 {
			s.Retry.Attempts = 1
		}
	}
	for i := range cfg.Sources {
		s := &cfg.Sources[i]
		if s.Type == "webhook" && s.SecretHeader == "" {
			s.SecretHeader = "X-Webhook-Secret"
		}
	}
}
