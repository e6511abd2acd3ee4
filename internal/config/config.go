// Package config loads the YAML service configuration and watches it for
// edits, so scheduler knobs can change without a restart.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Config is the full service configuration. Durations are YAML strings in
// time.ParseDuration syntax; empty means default.
type Config struct {
	Addr    string `yaml:"addr"`
	DBPath  string `yaml:"db_path"`
	BaseURL string `yaml:"base_url"`

	Scheduler Scheduler `yaml:"scheduler"`
	Webhook   Webhook   `yaml:"webhook"`
}

type Scheduler struct {
	PollInterval    string `yaml:"poll_interval"`
	MaxConcurrent   int    `yaml:"max_concurrent"`
	ExecTimeout     string `yaml:"exec_timeout"`
	DrainTimeout    string `yaml:"drain_timeout"`
	WatcherInterval string `yaml:"watcher_interval"`
	RetryAttempts   int    `yaml:"retry_attempts"`
}

type Webhook struct {
	Timeout string `yaml:"timeout"`
}

func Default() Config {
	return Config{
		Addr:    ":8080",
		DBPath:  "confwatch.db",
		BaseURL: "http://localhost:8080",
	}
}

// Load reads and validates the file at path. An empty path yields defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := parse(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func parse(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	return nil
}

// Validate checks every duration field parses and the numeric knobs are sane.
func (c Config) Validate() error {
	fields := []struct {
		path, raw string
	}{
		{"scheduler.poll_interval", c.Scheduler.PollInterval},
		{"scheduler.exec_timeout", c.Scheduler.ExecTimeout},
		{"scheduler.drain_timeout", c.Scheduler.DrainTimeout},
		{"scheduler.watcher_interval", c.Scheduler.WatcherInterval},
		{"webhook.timeout", c.Webhook.Timeout},
	}
	for _, f := range fields {
		if _, err := parseDuration(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Scheduler.MaxConcurrent < 0 {
		return fmt.Errorf("scheduler.max_concurrent: must be >= 0")
	}
	if c.Scheduler.RetryAttempts < 0 {
		return fmt.Errorf("scheduler.retry_attempts: must be >= 0")
	}
	return nil
}

func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// Duration returns the parsed value of a validated duration field, or def
// when the field is empty.
func Duration(raw string, def time.Duration) time.Duration {
	d, err := parseDuration("", raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
