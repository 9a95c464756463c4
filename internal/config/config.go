// Package config loads environment-specific tuning: sync cadence and
// backoff, and FSRS scheduling parameters. Values load from a YAML
// file on disk with sensible built-in defaults, since these knobs
// vary per deployment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Sync holds the Sync Manager's cadence and backoff tuning.
type Sync struct {
	TickIntervalMs    int `yaml:"tickIntervalMs"`
	InitialBackoffMs  int `yaml:"initialBackoffMs"`
	BackoffMultiplier int `yaml:"backoffMultiplier"`
	MaxBackoffMs      int `yaml:"maxBackoffMs"`
	RequestTimeoutMs  int `yaml:"requestTimeoutMs"`
	PullPageSize      int `yaml:"pullPageSize"`
}

func (s Sync) TickInterval() time.Duration   { return time.Duration(s.TickIntervalMs) * time.Millisecond }
func (s Sync) InitialBackoff() time.Duration { return time.Duration(s.InitialBackoffMs) * time.Millisecond }
func (s Sync) MaxBackoff() time.Duration     { return time.Duration(s.MaxBackoffMs) * time.Millisecond }
func (s Sync) RequestTimeout() time.Duration { return time.Duration(s.RequestTimeoutMs) * time.Millisecond }

// FSRS holds the scheduler tuning.
type FSRS struct {
	RequestRetention    float64 `yaml:"requestRetention"`
	MaximumIntervalDays int     `yaml:"maximumIntervalDays"`
}

// Study holds the daily study-session limits.
type Study struct {
	NewCardsPerDay int `yaml:"newCardsPerDay"`
}

// Config is the full client/server tuning document, loaded from YAML.
type Config struct {
	Sync  Sync  `yaml:"sync"`
	FSRS  FSRS  `yaml:"fsrs"`
	Study Study `yaml:"study"`
}

// Default returns conservative defaults: 90% desired retention, a
// century-scale maximum interval cap, and an exponential backoff
// shape (base 2, cap 30 minutes) for the sync loop.
func Default() Config {
	return Config{
		Sync: Sync{
			TickIntervalMs:    60000,
			InitialBackoffMs:  60000,
			BackoffMultiplier: 2,
			MaxBackoffMs:      1800000,
			RequestTimeoutMs:  30000,
			PullPageSize:      1000,
		},
		FSRS: FSRS{
			RequestRetention:    0.90,
			MaximumIntervalDays: 36500,
		},
		Study: Study{
			NewCardsPerDay: 20,
		},
	}
}

// Load reads a YAML config file, defaulting any field left zero to
// Default()'s value so a partial override file is enough.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
