package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/flowtrack/internal/scheduler"
	"github.com/rendis/flowtrack/internal/tracker"
)

// Config holds all flowtrack server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath                     string `json:"db_path"`
	LogLevel                   string `json:"log_level"`
	PoolSize                   int    `json:"pool_size"`
	FlushInterval              string `json:"flush_interval"`
	MaxIntermediateResultsSize int    `json:"max_intermediate_results_size"`
	StoreIntermediateResults   bool   `json:"store_intermediate_results"`
	SweepSchedule              string `json:"sweep_schedule"`
	DefaultTimeout             string `json:"default_timeout,omitempty"`
}

func defaultConfig() Config {
	return Config{
		DBPath:                     filepath.Join(flowtrackDir(), "flowtrack.db"),
		LogLevel:                   "info",
		PoolSize:                   10,
		FlushInterval:              tracker.DefaultFlushInterval.String(),
		MaxIntermediateResultsSize: tracker.DefaultMaxIntermediateResultsSize,
		StoreIntermediateResults:   true,
		SweepSchedule:              scheduler.DefaultSweepSchedule,
	}
}

// flowtrackDir is $FLOWTRACK_HOME, or ~/.flowtrack.
func flowtrackDir() string {
	if v := os.Getenv("FLOWTRACK_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowtrack"
	}
	return filepath.Join(home, ".flowtrack")
}

func settingsPath() string {
	return filepath.Join(flowtrackDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(flowtrackDir(), "flowtrack.pid")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOWTRACK_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWTRACK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWTRACK_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("FLOWTRACK_FLUSH_INTERVAL"); v != "" {
		cfg.FlushInterval = v
	}
	if v := os.Getenv("FLOWTRACK_MAX_INTERMEDIATE_RESULTS_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxIntermediateResultsSize = n
		}
	}
	if v := os.Getenv("FLOWTRACK_STORE_INTERMEDIATE_RESULTS"); v != "" {
		cfg.StoreIntermediateResults = v == "true" || v == "1"
	}
	if v := os.Getenv("FLOWTRACK_SWEEP_SCHEDULE"); v != "" {
		cfg.SweepSchedule = v
	}
	if v := os.Getenv("FLOWTRACK_DEFAULT_TIMEOUT"); v != "" {
		cfg.DefaultTimeout = v
	}

	return cfg
}

// validate reports every setting that cannot be used as given.
func (c Config) validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path must not be empty"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("pool_size must be positive, got %d", c.PoolSize))
	}
	if _, err := c.flushInterval(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.defaultTimeout(); err != nil {
		errs = append(errs, err)
	}
	if _, err := scheduler.ParseSchedule(c.SweepSchedule); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// flushInterval parses FlushInterval. "0" and "off" disable the
// background flush.
func (c Config) flushInterval() (time.Duration, error) {
	switch strings.ToLower(c.FlushInterval) {
	case "", "0", "off":
		return -1, nil
	}
	d, err := time.ParseDuration(c.FlushInterval)
	if err != nil {
		return 0, fmt.Errorf("flush_interval: %w", err)
	}
	if d <= 0 {
		return -1, nil
	}
	return d, nil
}

func (c Config) defaultTimeout() (time.Duration, error) {
	if c.DefaultTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.DefaultTimeout)
	if err != nil {
		return 0, fmt.Errorf("default_timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("default_timeout must not be negative, got %s", c.DefaultTimeout)
	}
	return d, nil
}

// trackerOptions maps the tracker settings. Call after validate.
func (c Config) trackerOptions() tracker.Options {
	interval, _ := c.flushInterval()
	return tracker.Options{
		FlushInterval:              interval,
		DisableIntermediateResults: !c.StoreIntermediateResults,
		MaxIntermediateResultsSize: c.MaxIntermediateResultsSize,
	}
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.FlushInterval != new.FlushInterval {
		d.RestartNeeded = append(d.RestartNeeded, "flush_interval")
	}
	if old.MaxIntermediateResultsSize != new.MaxIntermediateResultsSize {
		d.RestartNeeded = append(d.RestartNeeded, "max_intermediate_results_size")
	}
	if old.StoreIntermediateResults != new.StoreIntermediateResults {
		d.RestartNeeded = append(d.RestartNeeded, "store_intermediate_results")
	}
	if old.SweepSchedule != new.SweepSchedule {
		d.RestartNeeded = append(d.RestartNeeded, "sweep_schedule")
	}
	if old.DefaultTimeout != new.DefaultTimeout {
		d.RestartNeeded = append(d.RestartNeeded, "default_timeout")
	}
	return d
}
