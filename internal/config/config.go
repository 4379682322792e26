// Package config loads the worker runtime's configuration (spec §6): every
// recognized option, env-first with an optional YAML override file, the
// same precedence the teacher repo uses for its own env-driven settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized option from spec.md §6.
type Config struct {
	DatabaseURL string `yaml:"database_url"`

	MaxTasks           int           `yaml:"max_tasks"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	LivenessThreshold  time.Duration `yaml:"liveness_threshold"`
	SuspendMargin      time.Duration `yaml:"suspend_margin"`
	SuspendTimeout     time.Duration `yaml:"suspend_timeout"`
	TaskRetention      time.Duration `yaml:"task_retention"`
	WasmRetention      time.Duration `yaml:"wasm_retention"`
	Migrate            bool          `yaml:"migrate"`

	// SweepInterval, CleanupInterval, StuckNotifyInterval
	// are not named directly in spec §6's bullet list, but the worker loop
	// (§4.3) needs concrete periods for the sweep/cleanup/stuck-notify
	// sub-loops; recognized here as implementation-level tuning with
	// conservative defaults.
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval"`
	StuckNotifyInterval  time.Duration `yaml:"stuck_notify_interval"`

	LogMode string `yaml:"log_mode"` // "prod" or "dev"
}

// Default returns the configuration with every spec.md §6 default applied.
func Default() Config {
	return Config{
		MaxTasks:            64,
		HeartbeatInterval:   5 * time.Second,
		LivenessThreshold:   60 * time.Second,
		SuspendMargin:       1 * time.Second,
		SuspendTimeout:      10 * time.Second,
		TaskRetention:       7 * 24 * time.Hour,
		WasmRetention:       7 * 24 * time.Hour,
		Migrate:             false,
		SweepInterval:       15 * time.Second,
		CleanupInterval:     5 * time.Minute,
		StuckNotifyInterval: 10 * time.Second,
		LogMode:             "dev",
	}
}

// Load builds a Config starting from Default(), applying a YAML override
// file if yamlPath is non-empty and exists, then applying environment
// variables (DURABLE_* prefix) over the result — env wins, matching the
// precedence the teacher's own bootstrap uses (file defaults, env
// overrides for deploy-time tuning).
func Load(yamlPath string) (Config, error) {
	cfg := Default()

	if yamlPath != "" {
		if b, err := os.ReadFile(yamlPath); err == nil {
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", yamlPath, err)
		}
	}

	cfg.DatabaseURL = getEnvString("DURABLE_DATABASE_URL", cfg.DatabaseURL)
	cfg.MaxTasks = getEnvInt("DURABLE_MAX_TASKS", cfg.MaxTasks)
	cfg.HeartbeatInterval = getEnvDuration("DURABLE_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.LivenessThreshold = getEnvDuration("DURABLE_LIVENESS_THRESHOLD", cfg.LivenessThreshold)
	cfg.SuspendMargin = getEnvDuration("DURABLE_SUSPEND_MARGIN", cfg.SuspendMargin)
	cfg.SuspendTimeout = getEnvDuration("DURABLE_SUSPEND_TIMEOUT", cfg.SuspendTimeout)
	cfg.TaskRetention = getEnvDuration("DURABLE_TASK_RETENTION", cfg.TaskRetention)
	cfg.WasmRetention = getEnvDuration("DURABLE_WASM_RETENTION", cfg.WasmRetention)
	cfg.Migrate = getEnvBool("DURABLE_MIGRATE", cfg.Migrate)
	cfg.SweepInterval = getEnvDuration("DURABLE_SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.CleanupInterval = getEnvDuration("DURABLE_CLEANUP_INTERVAL", cfg.CleanupInterval)
	cfg.StuckNotifyInterval = getEnvDuration("DURABLE_STUCK_NOTIFY_INTERVAL", cfg.StuckNotifyInterval)
	cfg.LogMode = getEnvString("DURABLE_LOG_MODE", cfg.LogMode)

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: DURABLE_DATABASE_URL is required")
	}
	return cfg, nil
}

func getEnvString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
