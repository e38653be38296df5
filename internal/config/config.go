// Package config loads process and chain configuration. Process settings
// come from the environment; the chain list comes from a YAML file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds process-level settings decoded from the environment.
type Config struct {
	LogLevel   string `env:"LOG_LEVEL,default=info"`
	LogFormat  string `env:"LOG_FORMAT,default=text"`
	LogOutput  string `env:"LOG_OUTPUT,default=stdout"`
	ChainsFile string `env:"CHAINS_CONFIG,default=config/chains.yaml"`
	// MetricsAddr, when set, serves Prometheus metrics on that address.
	MetricsAddr string `env:"METRICS_ADDR"`
	// Workers bounds concurrent fulfilment dispatches per runner.
	Workers int `env:"RELAY_WORKERS,default=4"`
}

// Load decodes process configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &cfg, nil
}

// ChainConfig describes one target ledger and the oracle identities served
// on it. A chain missing required fields is skipped at startup, not fatal.
type ChainConfig struct {
	Name            string   `yaml:"name"`
	Enabled         bool     `yaml:"enabled"`
	DatabaseDSN     string   `yaml:"database_dsn"`
	SigningKey      string   `yaml:"signing_key"`
	OracleAddresses []string `yaml:"oracle_addresses"`
	PollSchedule    string   `yaml:"poll_schedule"`
	SweepInterval   string   `yaml:"sweep_interval"`
	Owner           string   `yaml:"owner"`
}

// ChainsConfig is the top-level chains file structure.
type ChainsConfig struct {
	Chains []ChainConfig `yaml:"chains"`
}

// LoadChainsFromPath reads and parses the chains YAML file.
func LoadChainsFromPath(path string) (*ChainsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chains config: %w", err)
	}

	var cfg ChainsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse chains config: %w", err)
	}
	return &cfg, nil
}

// Validate reports why a chain cannot be served. Nil means the chain has a
// complete configuration.
func (c ChainConfig) Validate() error {
	if !c.Enabled {
		return fmt.Errorf("chain disabled")
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("chain name missing")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("ledger endpoint missing")
	}
	if strings.TrimSpace(c.SigningKey) == "" {
		return fmt.Errorf("signing key missing")
	}
	if len(c.OracleAddresses) == 0 {
		return fmt.Errorf("no oracle addresses configured")
	}
	return nil
}

// PollInterval resolves the event-poll schedule expression (cron syntax,
// usually "@every 10s") to a fixed tick interval.
func (c ChainConfig) PollInterval() (time.Duration, error) {
	expr := strings.TrimSpace(c.PollSchedule)
	if expr == "" {
		return 10 * time.Second, nil
	}

	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return 0, fmt.Errorf("parse poll schedule %q: %w", expr, err)
	}
	if constant, ok := sched.(cron.ConstantDelaySchedule); ok {
		return constant.Delay, nil
	}

	now := time.Now()
	first := sched.Next(now)
	second := sched.Next(first)
	return second.Sub(first), nil
}

// SweepPeriod resolves the reconciliation interval, defaulting to the
// 15 minute sweep.
func (c ChainConfig) SweepPeriod() (time.Duration, error) {
	raw := strings.TrimSpace(c.SweepInterval)
	if raw == "" {
		return 15 * time.Minute, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse sweep interval %q: %w", raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("sweep interval must be positive, got %s", raw)
	}
	return d, nil
}
