package config

import (
	"os"
	"testing"
	"time"

	"frameorchestrator/internal/router"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadFromEnvAppliesDefaults(t *testing.T) {
	clearEnv(t, "STREAM_ENDPOINT", "HTTP_PORT", "ROUTE_EMPTY_PREDICATE")
	cfg := LoadFromEnv()
	if cfg.StreamEndpoint != "localhost:6379" {
		t.Fatalf("unexpected default stream endpoint: %s", cfg.StreamEndpoint)
	}
	if cfg.HTTPPort != 8002 {
		t.Fatalf("unexpected default http port: %d", cfg.HTTPPort)
	}
	if cfg.RouteEmptyPredicate != router.RouteEmptyPredicateBroadcast {
		t.Fatalf("expected default broadcast predicate, got %s", cfg.RouteEmptyPredicate)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadFromEnvOverridesAndParsesDurations(t *testing.T) {
	t.Setenv("HEARTBEAT_INTERVAL", "2500")
	t.Setenv("ROUTE_TIMEOUT", "1s")
	t.Setenv("ROUTE_EMPTY_PREDICATE", "drop")
	t.Setenv("HTTP_PORT", "9100")

	cfg := LoadFromEnv()
	if cfg.HeartbeatInterval != 2500*time.Millisecond {
		t.Fatalf("expected bare-int HEARTBEAT_INTERVAL parsed as ms, got %s", cfg.HeartbeatInterval)
	}
	if cfg.RouteTimeout != time.Second {
		t.Fatalf("expected 1s ROUTE_TIMEOUT, got %s", cfg.RouteTimeout)
	}
	if cfg.RouteEmptyPredicate != router.RouteEmptyPredicateDrop {
		t.Fatalf("expected drop predicate, got %s", cfg.RouteEmptyPredicate)
	}
	if cfg.HTTPPort != 9100 {
		t.Fatalf("expected overridden http port, got %d", cfg.HTTPPort)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := defaults()
	cfg.StreamEndpoint = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for empty stream endpoint")
	}

	cfg = defaults()
	cfg.HardOverflowFactor = 0.5
	cfg.SoftOverflowFactor = 1.0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error when hard < soft overflow factor")
	}

	cfg = defaults()
	cfg.RouteEmptyPredicate = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for unrecognized predicate")
	}
}

func TestFirstNonEmptyPrefersFirstSetValue(t *testing.T) {
	if got := FirstNonEmpty("", "  ", "second", "third"); got != "second" {
		t.Fatalf("expected 'second', got %q", got)
	}
	if got := FirstNonEmpty("", ""); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}
