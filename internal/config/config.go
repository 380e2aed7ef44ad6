// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Artifact locations.
	ArtifactsRoot string // Screenshots and tree dumps.
	RunsRoot      string // Persisted run documents and event logs.

	// Planner settings.
	AnthropicAPIKey  string
	AnthropicBaseURL string // Override for proxies; default is the public API.
	Model            string
	MaxTokens        int
	RequestTimeout   time.Duration

	// Simulator pacing.
	SettleDelay time.Duration // Wait after each action before re-reading the screen.
	LaunchDelay time.Duration // Wait after launching an app.

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		ArtifactsRoot:    envStr("IOSAGENT_ARTIFACTS_ROOT", "_artifacts"),
		RunsRoot:         envStr("IOSAGENT_RUNS_ROOT", "_artifacts/runs"),
		AnthropicAPIKey:  envStr("ANTHROPIC_API_KEY", ""),
		AnthropicBaseURL: envStr("IOSAGENT_ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		Model:            envStr("IOSAGENT_MODEL", "claude-sonnet-4-5-20250929"),
		MaxTokens:        envInt("IOSAGENT_MAX_TOKENS", 1024),
		RequestTimeout:   envDuration("IOSAGENT_REQUEST_TIMEOUT", 60*time.Second),
		SettleDelay:      envDuration("IOSAGENT_SETTLE_DELAY", time.Second),
		LaunchDelay:      envDuration("IOSAGENT_LAUNCH_DELAY", 3*time.Second),
		OTELEndpoint:     envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:      envStr("OTEL_SERVICE_NAME", "ios-agent"),
		LogLevel:         envStr("IOSAGENT_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that configuration values are usable. The API key is not
// required here: offline subcommands (list, replay, dry-run, report) never
// call the planner, so the key is checked at planner construction instead.
func (c Config) Validate() error {
	if c.RunsRoot == "" {
		return fmt.Errorf("config: IOSAGENT_RUNS_ROOT is required")
	}
	if c.ArtifactsRoot == "" {
		return fmt.Errorf("config: IOSAGENT_ARTIFACTS_ROOT is required")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("config: IOSAGENT_MAX_TOKENS must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: IOSAGENT_REQUEST_TIMEOUT must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
