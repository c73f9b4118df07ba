// Package config is the feed/tuning configuration schema (spec.md §6
// "Environment/configuration knobs"), loaded from YAML via
// gopkg.in/yaml.v3, matching the teacher's internal/scheduler use of
// yaml.v3 for job configuration. Only schema and defaulting live here;
// multi-source overlay (env vs. file vs. flags) is an external
// collaborator's job.
//
// Durations are stored as plain milliseconds, the same convention the
// teacher's scheduler.JobConfig uses for its TTL field, rather than
// time.Duration (which yaml.v3 does not decode from a bare YAML scalar).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FeedSourceSpec is one (exchange, symbol) input for a configured feed.
type FeedSourceSpec struct {
	Exchange string `yaml:"exchange"`
	Symbol   string `yaml:"symbol"`
}

// FeedSpec is one entry of the feed configuration input (spec.md §6).
type FeedSpec struct {
	Category string           `yaml:"category"`
	Name     string           `yaml:"name"`
	Sources  []FeedSourceSpec `yaml:"sources"`
}

// CircuitDefaults mirrors spec.md §6's circuit-breaker knobs.
type CircuitDefaults struct {
	FailureThreshold   int `yaml:"failureThreshold"`
	RecoveryTimeoutMs  int `yaml:"recoveryTimeoutMs"`
	SuccessThreshold   int `yaml:"successThreshold"`
	OperationTimeoutMs int `yaml:"operationTimeoutMs"`
	MonitoringWindowMs int `yaml:"monitoringWindowMs"`
}

func (c CircuitDefaults) RecoveryTimeout() time.Duration  { return time.Duration(c.RecoveryTimeoutMs) * time.Millisecond }
func (c CircuitDefaults) OperationTimeout() time.Duration { return time.Duration(c.OperationTimeoutMs) * time.Millisecond }
func (c CircuitDefaults) MonitoringWindow() time.Duration { return time.Duration(c.MonitoringWindowMs) * time.Millisecond }

// RetryDefaults mirrors spec.md §6's retry knobs.
type RetryDefaults struct {
	MaxRetries        int     `yaml:"maxRetries"`
	InitialDelayMs    int     `yaml:"initialDelayMs"`
	MaxDelayMs        int     `yaml:"maxDelayMs"`
	BackoffMultiplier float64 `yaml:"backoffMultiplier"`
	JitterFraction    float64 `yaml:"jitter"`
}

func (r RetryDefaults) InitialDelay() time.Duration { return time.Duration(r.InitialDelayMs) * time.Millisecond }
func (r RetryDefaults) MaxDelay() time.Duration      { return time.Duration(r.MaxDelayMs) * time.Millisecond }

// WarmerIntervals mirrors spec.md §6's "Warmer intervals for
// critical/predictive/maintenance", in milliseconds.
type WarmerIntervals struct {
	CriticalMs    int `yaml:"criticalMs"`
	PredictiveMs  int `yaml:"predictiveMs"`
	MaintenanceMs int `yaml:"maintenanceMs"`
}

func (w WarmerIntervals) Critical() time.Duration    { return time.Duration(w.CriticalMs) * time.Millisecond }
func (w WarmerIntervals) Predictive() time.Duration  { return time.Duration(w.PredictiveMs) * time.Millisecond }
func (w WarmerIntervals) Maintenance() time.Duration { return time.Duration(w.MaintenanceMs) * time.Millisecond }

// Config is the root configuration schema.
type Config struct {
	Feeds []FeedSpec `yaml:"feeds"`

	MaxTTLMs   int `yaml:"maxTTLMs"`
	MaxEntries int `yaml:"maxEntries"`

	Warmer  WarmerIntervals `yaml:"warmerIntervals"`
	Circuit CircuitDefaults `yaml:"circuitDefaults"`
	Retry   RetryDefaults   `yaml:"retryDefaults"`

	FreshnessThresholdMs int `yaml:"freshnessThresholdMs"`
	StalePatternAgeMs    int `yaml:"stalePatternAgeMs"`
	Tier1ToTier2DelayMs  int `yaml:"tier1ToTier2DelayMs"`
	FailoverBudgetMs     int `yaml:"failoverBudgetMs"`

	HTTPAddr string `yaml:"httpAddr"`
}

func (c Config) MaxTTL() time.Duration             { return time.Duration(c.MaxTTLMs) * time.Millisecond }
func (c Config) StalePatternAge() time.Duration     { return time.Duration(c.StalePatternAgeMs) * time.Millisecond }
func (c Config) Tier1ToTier2Delay() time.Duration   { return time.Duration(c.Tier1ToTier2DelayMs) * time.Millisecond }
func (c Config) FailoverBudget() time.Duration      { return time.Duration(c.FailoverBudgetMs) * time.Millisecond }

// Default returns the configuration with every knob enumerated in
// spec.md §6 set to its documented default effect.
func Default() Config {
	return Config{
		MaxTTLMs:   1000,
		MaxEntries: 10000,
		Warmer: WarmerIntervals{
			CriticalMs:    5000,
			PredictiveMs:  30000,
			MaintenanceMs: 300000,
		},
		Circuit: CircuitDefaults{
			FailureThreshold:   5,
			RecoveryTimeoutMs:  30000,
			SuccessThreshold:   2,
			OperationTimeoutMs: 5000,
			MonitoringWindowMs: 300000,
		},
		Retry: RetryDefaults{
			MaxRetries:        3,
			InitialDelayMs:    100,
			MaxDelayMs:        5000,
			BackoffMultiplier: 2.0,
			JitterFraction:    0.3,
		},
		FreshnessThresholdMs: 2000,
		StalePatternAgeMs:    int(time.Hour / time.Millisecond),
		Tier1ToTier2DelayMs:  50,
		FailoverBudgetMs:     100,
		HTTPAddr:             ":8080",
	}
}

// Load reads path as YAML, overlaying it onto Default(). A missing field
// in the file keeps its default value since decoding starts from a
// pre-populated struct.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the invariants the rest of the module assumes hold
// (spec.md §7 "Fatal: only configuration errors at startup").
func (c *Config) Validate() error {
	if c.MaxEntries <= 0 {
		return fmt.Errorf("maxEntries must be positive, got %d", c.MaxEntries)
	}
	if c.MaxTTLMs <= 0 {
		return fmt.Errorf("maxTTLMs must be positive, got %d", c.MaxTTLMs)
	}
	for _, f := range c.Feeds {
		if f.Name == "" {
			return fmt.Errorf("feed entry missing name")
		}
		if len(f.Sources) == 0 {
			return fmt.Errorf("feed %q has no sources", f.Name)
		}
	}
	return nil
}
