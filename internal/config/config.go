// Package config loads the orchestrator's environment-driven settings:
// read os.Getenv, parse durations and ints defensively, apply defaults,
// validate, and return a typed Config. cmd/orchestrator/main.go layers
// flags on top: a flag that is set wins over the environment value.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"frameorchestrator/internal/backpressure"
	"frameorchestrator/internal/registry"
	"frameorchestrator/internal/router"
)

// Config is the orchestrator's full runtime configuration, assembled from
// recognized environment variables.
type Config struct {
	StreamEndpoint string
	IngestStream   string
	ConsumerGroup  string
	ConsumerID     string

	RouterConcurrency int
	BlockMs           int64
	PELReclaimMs      int64
	PELMax            int64
	PELPausePct       float64

	QueueBoundDefault   int64
	SoftOverflowFactor  float64
	HardOverflowFactor  float64
	RouteEmptyPredicate router.RouteEmptyPredicate

	HeartbeatInterval time.Duration
	UnhealthyAfter    time.Duration
	EvictAfter        time.Duration
	FailureThreshold  int
	MaxProcessors     int

	WriteRetries  int
	RouteTimeout  time.Duration
	ShutdownGrace time.Duration

	HTTPPort int

	// RegistryPersistenceDSN is the optional Postgres connection string for
	// the Registry's warm-restart snapshot cache (internal/regpersist).
	// Empty means persistence is disabled and the Registry is purely
	// in-memory.
	RegistryPersistenceDSN string
}

func defaults() Config {
	return Config{
		StreamEndpoint:      "localhost:6379",
		IngestStream:        "frames:metadata",
		ConsumerGroup:       "frame-buffer-group",
		ConsumerID:          "orchestrator-1",
		RouterConcurrency:   1,
		BlockMs:             1000,
		PELReclaimMs:        60000,
		PELMax:              100000,
		PELPausePct:         0.8,
		QueueBoundDefault:   10000,
		SoftOverflowFactor:  1.0,
		HardOverflowFactor:  2.0,
		RouteEmptyPredicate: router.RouteEmptyPredicateBroadcast,
		HeartbeatInterval:   5 * time.Second,
		UnhealthyAfter:      30 * time.Second,
		EvictAfter:          5 * time.Minute,
		FailureThreshold:    5,
		MaxProcessors:       1024,
		WriteRetries:        3,
		RouteTimeout:        2 * time.Second,
		ShutdownGrace:       30 * time.Second,
		HTTPPort:            8002,
	}
}

// LoadFromEnv reads every recognized environment variable, applying
// defaults() for anything unset or unparsable, and returns a Config ready
// for Validate.
func LoadFromEnv() Config {
	cfg := defaults()

	cfg.StreamEndpoint = stringEnv("STREAM_ENDPOINT", cfg.StreamEndpoint)
	cfg.IngestStream = stringEnv("INGEST_STREAM", cfg.IngestStream)
	cfg.ConsumerGroup = stringEnv("CONSUMER_GROUP", cfg.ConsumerGroup)
	cfg.ConsumerID = stringEnv("CONSUMER_ID", cfg.ConsumerID)

	cfg.RouterConcurrency = intEnv("ROUTER_CONCURRENCY", cfg.RouterConcurrency)
	cfg.BlockMs = int64Env("BLOCK_MS", cfg.BlockMs)
	cfg.PELReclaimMs = int64Env("PEL_RECLAIM_MS", cfg.PELReclaimMs)
	cfg.PELMax = int64Env("PEL_MAX", cfg.PELMax)
	cfg.PELPausePct = floatEnv("PEL_PAUSE_PCT", cfg.PELPausePct)

	cfg.QueueBoundDefault = int64Env("QUEUE_BOUND_DEFAULT", cfg.QueueBoundDefault)
	cfg.SoftOverflowFactor = floatEnv("SOFT_OVERFLOW_FACTOR", cfg.SoftOverflowFactor)
	cfg.HardOverflowFactor = floatEnv("HARD_OVERFLOW_FACTOR", cfg.HardOverflowFactor)
	if v := strings.ToLower(strings.TrimSpace(os.Getenv("ROUTE_EMPTY_PREDICATE"))); v == string(router.RouteEmptyPredicateDrop) {
		cfg.RouteEmptyPredicate = router.RouteEmptyPredicateDrop
	}

	cfg.HeartbeatInterval = durationEnv("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.UnhealthyAfter = durationEnv("UNHEALTHY_AFTER", cfg.UnhealthyAfter)
	cfg.EvictAfter = durationEnv("EVICT_AFTER", cfg.EvictAfter)
	cfg.FailureThreshold = intEnv("FAILURE_THRESHOLD", cfg.FailureThreshold)
	cfg.MaxProcessors = intEnv("MAX_PROCESSORS", cfg.MaxProcessors)

	cfg.WriteRetries = intEnv("WRITE_RETRIES", cfg.WriteRetries)
	cfg.RouteTimeout = durationEnv("ROUTE_TIMEOUT", cfg.RouteTimeout)
	cfg.ShutdownGrace = durationEnv("SHUTDOWN_GRACE", cfg.ShutdownGrace)

	cfg.HTTPPort = intEnv("HTTP_PORT", cfg.HTTPPort)

	cfg.RegistryPersistenceDSN = stringEnv("REGISTRY_PERSISTENCE_DSN", cfg.RegistryPersistenceDSN)

	return cfg
}

// Validate rejects configuration that is fatal at startup: an empty stream
// endpoint, or thresholds outside their sane ranges.
func (c Config) Validate() error {
	if strings.TrimSpace(c.StreamEndpoint) == "" {
		return fmt.Errorf("STREAM_ENDPOINT is required")
	}
	if strings.TrimSpace(c.IngestStream) == "" {
		return fmt.Errorf("INGEST_STREAM is required")
	}
	if strings.TrimSpace(c.ConsumerGroup) == "" {
		return fmt.Errorf("CONSUMER_GROUP is required")
	}
	if c.RouterConcurrency <= 0 {
		return fmt.Errorf("ROUTER_CONCURRENCY must be >= 1")
	}
	if c.SoftOverflowFactor <= 0 {
		return fmt.Errorf("SOFT_OVERFLOW_FACTOR must be > 0")
	}
	if c.HardOverflowFactor < c.SoftOverflowFactor {
		return fmt.Errorf("HARD_OVERFLOW_FACTOR must be >= SOFT_OVERFLOW_FACTOR")
	}
	if c.RouteEmptyPredicate != router.RouteEmptyPredicateBroadcast && c.RouteEmptyPredicate != router.RouteEmptyPredicateDrop {
		return fmt.Errorf("ROUTE_EMPTY_PREDICATE must be %q or %q", router.RouteEmptyPredicateBroadcast, router.RouteEmptyPredicateDrop)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT must be a valid TCP port")
	}
	return nil
}

// RegistryConfig projects the subset of Config the Registry's health
// lifecycle needs.
func (c Config) RegistryConfig() registry.Config {
	return registry.Config{
		HardOverflowFactor: c.HardOverflowFactor,
		UnhealthyAfter:     c.UnhealthyAfter,
		EvictAfter:         c.EvictAfter,
		MaxProcessors:      c.MaxProcessors,
	}
}

// BackpressureConfig projects the subset of Config the Backpressure
// Controller's policy thresholds need.
func (c Config) BackpressureConfig() backpressure.Config {
	return backpressure.Config{
		SoftOverflowFactor: c.SoftOverflowFactor,
		HardOverflowFactor: c.HardOverflowFactor,
		PELPausePct:        c.PELPausePct,
		PELMax:             c.PELMax,
		SpillPriorityFloor: backpressure.DefaultConfig().SpillPriorityFloor,
		FailureThreshold:   c.FailureThreshold,
	}
}

// RouterConfig projects the subset of Config the Router needs.
func (c Config) RouterConfig() router.Config {
	return router.Config{
		RouteEmptyPredicate: c.RouteEmptyPredicate,
		QueueBoundDefault:   c.QueueBoundDefault,
		WriteRetries:        c.WriteRetries,
		RouteTimeout:        c.RouteTimeout,
		Backpressure:        c.BackpressureConfig(),
	}
}

func stringEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func int64Env(key string, fallback int64) int64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func floatEnv(key string, fallback float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(v); err == nil {
		return parsed
	}
	// Accept a bare integer as milliseconds, matching the *_MS naming of
	// the duration-shaped variables (BLOCK_MS, PEL_RECLAIM_MS) even when
	// this Config field is itself a time.Duration.
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

// FirstNonEmpty returns the first non-blank string; cmd/orchestrator passes
// the flag value first, so a flag that is set wins over the env var.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
