// Package config loads orchestrator configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the orchestrator reads at startup.
// Durations arrive as millisecond integers in the environment.
type Config struct {
	BindAddr string
	StoreURL string

	// Batching
	MaxBatchSize    int
	MaxBatchWait    time.Duration
	UrgentThreshold int

	// Leasing and liveness
	Lease               time.Duration
	AgentLivenessWindow time.Duration
	SweepInterval       time.Duration

	// Admission and retry
	MaxBacklog     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// TimeoutCeiling is the system ceiling for a job's timeout_ms.
	TimeoutCeiling time.Duration

	// DedupTTL bounds the client_request_id dedup window.
	DedupTTL time.Duration

	ShutdownGrace time.Duration
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		BindAddr:            ":8080",
		MaxBatchSize:        16,
		MaxBatchWait:        2000 * time.Millisecond,
		UrgentThreshold:     9,
		Lease:               60 * time.Second,
		AgentLivenessWindow: 90 * time.Second,
		SweepInterval:       500 * time.Millisecond,
		MaxBacklog:          10000,
		RetryBaseDelay:      time.Second,
		RetryMaxDelay:       30 * time.Second,
		TimeoutCeiling:      30 * time.Minute,
		DedupTTL:            10 * time.Minute,
		ShutdownGrace:       30 * time.Second,
	}
}

// Load reads configuration from the environment on top of defaults.
func Load() (*Config, error) {
	cfg := Default()

	cfg.BindAddr = getEnv("BIND_ADDR", cfg.BindAddr)
	cfg.StoreURL = os.Getenv("STORE_URL")

	var err error
	if cfg.MaxBatchSize, err = intEnv("MAX_BATCH_SIZE", cfg.MaxBatchSize); err != nil {
		return nil, err
	}
	if cfg.MaxBatchWait, err = msEnv("MAX_BATCH_WAIT_MS", cfg.MaxBatchWait); err != nil {
		return nil, err
	}
	if cfg.UrgentThreshold, err = intEnv("URGENT_THRESHOLD", cfg.UrgentThreshold); err != nil {
		return nil, err
	}
	if cfg.Lease, err = msEnv("LEASE_MS", cfg.Lease); err != nil {
		return nil, err
	}
	if cfg.AgentLivenessWindow, err = msEnv("AGENT_LIVENESS_WINDOW_MS", cfg.AgentLivenessWindow); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = msEnv("SWEEP_INTERVAL_MS", cfg.SweepInterval); err != nil {
		return nil, err
	}
	if cfg.MaxBacklog, err = intEnv("MAX_BACKLOG", cfg.MaxBacklog); err != nil {
		return nil, err
	}
	if cfg.RetryBaseDelay, err = msEnv("RETRY_BASE_DELAY_MS", cfg.RetryBaseDelay); err != nil {
		return nil, err
	}
	if cfg.RetryMaxDelay, err = msEnv("RETRY_MAX_DELAY_MS", cfg.RetryMaxDelay); err != nil {
		return nil, err
	}
	if cfg.TimeoutCeiling, err = msEnv("TIMEOUT_CEILING_MS", cfg.TimeoutCeiling); err != nil {
		return nil, err
	}
	if cfg.DedupTTL, err = msEnv("DEDUP_TTL_MS", cfg.DedupTTL); err != nil {
		return nil, err
	}
	if cfg.ShutdownGrace, err = msEnv("SHUTDOWN_GRACE_MS", cfg.ShutdownGrace); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks internal consistency of the configuration.
func (c *Config) Validate() error {
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("MAX_BATCH_SIZE must be >= 1, got %d", c.MaxBatchSize)
	}
	if c.MaxBatchWait <= 0 {
		return fmt.Errorf("MAX_BATCH_WAIT_MS must be positive")
	}
	if c.UrgentThreshold < 1 || c.UrgentThreshold > 10 {
		return fmt.Errorf("URGENT_THRESHOLD must be in [1,10], got %d", c.UrgentThreshold)
	}
	if c.Lease <= 0 {
		return fmt.Errorf("LEASE_MS must be positive")
	}
	if c.AgentLivenessWindow <= 0 {
		return fmt.Errorf("AGENT_LIVENESS_WINDOW_MS must be positive")
	}
	if c.SweepInterval <= 0 || c.SweepInterval > 500*time.Millisecond {
		return fmt.Errorf("SWEEP_INTERVAL_MS must be in (0, 500], got %v", c.SweepInterval)
	}
	if c.MaxBacklog < 1 {
		return fmt.Errorf("MAX_BACKLOG must be >= 1, got %d", c.MaxBacklog)
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry delays invalid: base=%v max=%v", c.RetryBaseDelay, c.RetryMaxDelay)
	}
	if c.TimeoutCeiling <= 0 {
		return fmt.Errorf("TIMEOUT_CEILING_MS must be positive")
	}
	return nil
}

// RetryDelay returns the backoff before re-batching a job on its given
// attempt: base * 2^(attempt-1), capped at RetryMaxDelay.
func (c *Config) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.RetryMaxDelay {
			return c.RetryMaxDelay
		}
	}
	if d > c.RetryMaxDelay {
		return c.RetryMaxDelay
	}
	return d
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func msEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(n) * time.Millisecond, nil
}
