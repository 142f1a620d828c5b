package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all baton server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	DefinitionsDir  string `json:"definitions_dir"`
	PoolSize        int    `json:"pool_size"`
	SweepInterval   string `json:"sweep_interval"`
	StalenessWindow string `json:"staleness_window"`
	ApprovalTimeout string `json:"approval_timeout"`
}

func defaultConfig() Config {
	return Config{
		DBPath:   filepath.Join(batonDir(), "baton.db"),
		LogLevel: "info",
		PoolSize: 10,
	}
}

func batonDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".baton"
	}
	return filepath.Join(home, ".baton")
}

func settingsPath() string {
	return filepath.Join(batonDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("BATON_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("BATON_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BATON_DEFINITIONS_DIR"); v != "" {
		cfg.DefinitionsDir = v
	}
	if v := os.Getenv("BATON_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("BATON_SWEEP_INTERVAL"); v != "" {
		cfg.SweepInterval = v
	}
	if v := os.Getenv("BATON_STALENESS_WINDOW"); v != "" {
		cfg.StalenessWindow = v
	}
	if v := os.Getenv("BATON_APPROVAL_TIMEOUT"); v != "" {
		cfg.ApprovalTimeout = v
	}

	return cfg
}

// parseDuration reads a duration config value, falling back to def when the
// value is empty or unparseable. Bad values are silently ignored the same way
// a malformed settings.json field is.
func parseDuration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
