package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rendis/flowtrack/internal/tracker"
)

func runInstall(args []string) {
	cfg, err := installConfig(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	dir := flowtrackDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot create %s: %v\n", dir, err)
		os.Exit(1)
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot write %s: %v\n", path, err)
		os.Exit(1)
	}
	fmt.Printf("Config written to %s\n", path)

	if signalRunningServer() {
		return
	}
	fmt.Println("No running server found; start one with: flowtrack serve")
}

// installConfig builds the configuration to persist from flags.
func installConfig(args []string) (Config, error) {
	def := defaultConfig()
	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	dbPath := fs.String("db-path", "", "database path (default: ~/.flowtrack/flowtrack.db)")
	logLevel := fs.String("log-level", def.LogLevel, "log level: debug, info, warn, error")
	poolSize := fs.Int("pool-size", def.PoolSize, "concurrent background flushes")
	flushInterval := fs.String("flush-interval", def.FlushInterval, `background flush period, "off" to disable`)
	maxResults := fs.Int("max-intermediate-results-size", tracker.DefaultMaxIntermediateResultsSize, "byte cap on retained step outputs, negative for no cap")
	storeResults := fs.Bool("store-intermediate-results", true, "retain step outputs for conditions and output expressions")
	sweep := fs.String("sweep-schedule", def.SweepSchedule, "cron schedule of the timeout sweep")
	timeout := fs.String("default-timeout", "", "deadline for workflows that declare none")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBPath:                     *dbPath,
		LogLevel:                   *logLevel,
		PoolSize:                   *poolSize,
		FlushInterval:              *flushInterval,
		MaxIntermediateResultsSize: *maxResults,
		StoreIntermediateResults:   *storeResults,
		SweepSchedule:              *sweep,
		DefaultTimeout:             *timeout,
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(flowtrackDir(), "flowtrack.db")
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// signalRunningServer sends SIGHUP to a running flowtrack server (via pidfile).
// Returns true if the server was signaled.
func signalRunningServer() bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return false
	}
	fmt.Printf("Signaled running server (PID %d) to reload configuration\n", pid)
	return true
}
