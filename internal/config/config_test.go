package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RunsRoot != "_artifacts/runs" {
		t.Fatalf("unexpected runs root: %s", cfg.RunsRoot)
	}
	if cfg.MaxTokens != 1024 {
		t.Fatalf("unexpected max tokens: %d", cfg.MaxTokens)
	}
	if cfg.RequestTimeout != 60*time.Second {
		t.Fatalf("unexpected request timeout: %s", cfg.RequestTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("IOSAGENT_RUNS_ROOT", "/tmp/runs")
	t.Setenv("IOSAGENT_MAX_TOKENS", "2048")
	t.Setenv("IOSAGENT_SETTLE_DELAY", "250ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RunsRoot != "/tmp/runs" {
		t.Fatalf("expected override, got %s", cfg.RunsRoot)
	}
	if cfg.MaxTokens != 2048 {
		t.Fatalf("expected 2048, got %d", cfg.MaxTokens)
	}
	if cfg.SettleDelay != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", cfg.SettleDelay)
	}
}

func TestEnvIntInvalidFallsBack(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback 7, got %d", v)
	}
}

func TestEnvDurationInvalidFallsBack(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "soon")
	if v := envDuration("TEST_DUR_BAD", time.Minute); v != time.Minute {
		t.Fatalf("expected fallback 1m, got %s", v)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Config{RunsRoot: "r", ArtifactsRoot: "a", MaxTokens: 0, RequestTimeout: time.Second}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero max tokens")
	}
	cfg = Config{RunsRoot: "", ArtifactsRoot: "a", MaxTokens: 1, RequestTimeout: time.Second}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty runs root")
	}
}
