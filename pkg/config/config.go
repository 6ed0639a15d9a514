// Package config loads and validates the beacon engine configuration.
//
// Configuration is read from a YAML file and merged over built-in defaults,
// so a zero-length file yields a fully working engine. All knobs are plain
// durations and counts; no field is required except the collection endpoint
// when syncing is enabled.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the sync engine.
type Config struct {
	// DataDir is where the bolt database lives.
	DataDir string `yaml:"data_dir"`

	// Endpoint is the remote collection endpoint URL.
	Endpoint string `yaml:"endpoint"`

	// APIKey is sent as a bearer token on delivery requests.
	APIKey string `yaml:"api_key,omitempty"`

	Log LogConfig `yaml:"log"`

	Batch     BatchConfig     `yaml:"batch"`
	Retry     RetryConfig     `yaml:"retry"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Retention RetentionConfig `yaml:"retention"`
	Capture   CaptureConfig   `yaml:"capture"`

	// MetricsAddr, when set, serves Prometheus metrics on this address.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// BatchConfig controls batch formation.
type BatchConfig struct {
	// MaxSize is the maximum number of events per batch.
	MaxSize int `yaml:"max_size"`
	// MaxWait is how long the oldest unsynced event may wait before a
	// batch is formed regardless of size.
	MaxWait time.Duration `yaml:"max_wait"`
	// EvalInterval is how often the former re-evaluates pending events.
	EvalInterval time.Duration `yaml:"eval_interval"`
	// MaxAttempts is the delivery attempt limit per batch.
	MaxAttempts int `yaml:"max_attempts"`
	// UnmeteredKinds lists event kinds whose batches may only be
	// delivered on an unmetered network.
	UnmeteredKinds []string `yaml:"unmetered_kinds,omitempty"`
}

// RetryConfig controls the backoff policy for failed deliveries.
type RetryConfig struct {
	Base    time.Duration `yaml:"base"`
	Ceiling time.Duration `yaml:"ceiling"`
	Jitter  float64       `yaml:"jitter"`
	// RequeueCooldown is how long a failed event waits before it may be
	// selected into a new batch.
	RequeueCooldown time.Duration `yaml:"requeue_cooldown"`
	// RequeueLimit bounds how many distinct batches an event may be
	// re-selected into before it is dropped.
	RequeueLimit int `yaml:"requeue_limit"`
}

// SchedulerConfig controls upload triggering and the worker pool.
type SchedulerConfig struct {
	Workers int `yaml:"workers"`
	// HighPriorityInterval is the unconditional timer for high-priority
	// batches.
	HighPriorityInterval time.Duration `yaml:"high_priority_interval"`
	// IdleInterval is the timer for low-priority batches, gated on the
	// device being idle and on an unmetered network.
	IdleInterval time.Duration `yaml:"idle_interval"`
	// ProcessingTimeout is how long a claimed work item may stay in
	// processing before the reclaim sweep returns it to pending.
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
	// RequestTimeout is the per-attempt delivery timeout.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// RetentionConfig controls the purge sweep.
type RetentionConfig struct {
	// Horizon is the local retention window. Events and batches older
	// than this are purged regardless of sync status.
	Horizon time.Duration `yaml:"horizon"`
	// SweepInterval is how often a purge work item is enqueued.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// CaptureConfig controls event capture behavior.
type CaptureConfig struct {
	// MaxUnsynced caps locally held unsynced events; beyond it the oldest
	// low-priority events are shed before new appends.
	MaxUnsynced int    `yaml:"max_unsynced"`
	AppVersion  string `yaml:"app_version,omitempty"`
	DeviceModel string `yaml:"device_model,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: "data",
		Log:     LogConfig{Level: "info"},
		Batch: BatchConfig{
			MaxSize:      50,
			MaxWait:      5 * time.Minute,
			EvalInterval: 30 * time.Second,
			MaxAttempts:  5,
		},
		Retry: RetryConfig{
			Base:            1 * time.Second,
			Ceiling:         10 * time.Minute,
			Jitter:          0.2,
			RequeueCooldown: 15 * time.Minute,
			RequeueLimit:    3,
		},
		Scheduler: SchedulerConfig{
			Workers:              2,
			HighPriorityInterval: 15 * time.Minute,
			IdleInterval:         4 * time.Hour,
			ProcessingTimeout:    5 * time.Minute,
			RequestTimeout:       30 * time.Second,
		},
		Retention: RetentionConfig{
			Horizon:       30 * 24 * time.Hour,
			SweepInterval: 6 * time.Hour,
		},
		Capture: CaptureConfig{
			MaxUnsynced: 10000,
		},
	}
}

// Load reads a YAML config file and merges it over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as runtime bugs.
func (c *Config) Validate() error {
	if c.Batch.MaxSize <= 0 {
		return fmt.Errorf("batch.max_size must be positive, got %d", c.Batch.MaxSize)
	}
	if c.Batch.MaxAttempts <= 0 {
		return fmt.Errorf("batch.max_attempts must be positive, got %d", c.Batch.MaxAttempts)
	}
	if c.Batch.EvalInterval <= 0 {
		return fmt.Errorf("batch.eval_interval must be positive, got %v", c.Batch.EvalInterval)
	}
	if c.Retry.Base <= 0 || c.Retry.Ceiling < c.Retry.Base {
		return fmt.Errorf("retry base/ceiling invalid: base=%v ceiling=%v", c.Retry.Base, c.Retry.Ceiling)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("retry.jitter must be in [0,1), got %v", c.Retry.Jitter)
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be positive, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.HighPriorityInterval <= 0 || c.Scheduler.IdleInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be positive: high=%v idle=%v",
			c.Scheduler.HighPriorityInterval, c.Scheduler.IdleInterval)
	}
	if c.Scheduler.ProcessingTimeout <= 0 {
		return fmt.Errorf("scheduler.processing_timeout must be positive, got %v", c.Scheduler.ProcessingTimeout)
	}
	if c.Retention.Horizon <= 0 {
		return fmt.Errorf("retention.horizon must be positive, got %v", c.Retention.Horizon)
	}
	if c.Retention.SweepInterval <= 0 {
		return fmt.Errorf("retention.sweep_interval must be positive, got %v", c.Retention.SweepInterval)
	}
	return nil
}
