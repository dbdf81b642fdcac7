// Package config loads project configuration from .workgate/config.yaml with
// WG_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/steveyegge/workgate/internal/gates"
	"github.com/steveyegge/workgate/internal/storage"
	"github.com/steveyegge/workgate/internal/types"
)

// FileName is the config file name inside the project's .workgate directory
const FileName = "config.yaml"

// Config holds project configuration
type Config struct {
	// DBPath overrides database discovery when set
	DBPath string

	// CancelledSatisfiesDeps decides whether a cancelled HARD dependency
	// releases its dependents (with a warning) or keeps blocking them.
	// Default: true
	CancelledSatisfiesDeps bool

	// CoverageThresholds is the minimum codebase-wide coverage per category
	CoverageThresholds map[types.CoverageCategory]float64

	// PoliciesDir holds extra .rego coverage policies.
	// Relative paths resolve against the project directory.
	// Default: .workgate/policies
	PoliciesDir string

	// LogLevel is one of debug, info, warn, error
	// Default: warn
	LogLevel string

	// LockTimeout bounds how long a writing command waits for the project lock
	// Default: 10s, Range: 0-5m
	LockTimeout time.Duration

	// Telemetry controls OpenTelemetry export
	Telemetry TelemetryConfig
}

// TelemetryConfig controls OpenTelemetry export
type TelemetryConfig struct {
	// Enabled turns on span and metric export
	// Default: false
	Enabled bool

	// Exporter is "stdout" or "none"
	// Default: stdout
	Exporter string
}

// Default returns the default configuration
func Default() Config {
	return Config{
		CancelledSatisfiesDeps: true,
		CoverageThresholds:     gates.DefaultThresholds(),
		PoliciesDir:            filepath.Join(storage.DirName, "policies"),
		LogLevel:               "warn",
		LockTimeout:            storage.DefaultLockTimeout,
		Telemetry: TelemetryConfig{
			Enabled:  false,
			Exporter: "stdout",
		},
	}
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	for category, pct := range c.CoverageThresholds {
		if !category.IsValid() {
			return fmt.Errorf("coverage.thresholds: unknown category %q", category)
		}
		if pct < 0 || pct > 100 {
			return fmt.Errorf("coverage.thresholds.%s must be between 0 and 100 (got %v)", category, pct)
		}
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}

	if c.LockTimeout < 0 || c.LockTimeout > 5*time.Minute {
		return fmt.Errorf("lock_timeout must be between 0 and 5m (got %s)", c.LockTimeout)
	}

	if c.Telemetry.Exporter != "stdout" && c.Telemetry.Exporter != "none" {
		return fmt.Errorf("telemetry.exporter must be 'stdout' or 'none' (got %q)", c.Telemetry.Exporter)
	}

	return nil
}

// SlogLevel returns the configured log level
func (c Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

// String returns a human-readable representation of the config
func (c Config) String() string {
	return fmt.Sprintf(
		"Config{DBPath: %q, CancelledSatisfiesDeps: %t, Thresholds: %v, PoliciesDir: %q, "+
			"LogLevel: %s, LockTimeout: %s, Telemetry: %t/%s}",
		c.DBPath, c.CancelledSatisfiesDeps, c.CoverageThresholds, c.PoliciesDir,
		c.LogLevel, c.LockTimeout, c.Telemetry.Enabled, c.Telemetry.Exporter,
	)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelWarn, fmt.Errorf("log.level must be one of debug, info, warn, error (got %q)", s)
	}
}

// Load reads <projectDir>/.workgate/config.yaml, applies WG_* environment
// overrides (WG_LOG_LEVEL, WG_DEPENDENCIES_CANCELLED_SATISFIES, ...), and
// validates the result. A missing file yields the defaults plus overrides.
func Load(projectDir string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.Join(projectDir, storage.DirName))
	v.SetEnvPrefix("WG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("db_path", cfg.DBPath)
	v.SetDefault("dependencies.cancelled_satisfies", cfg.CancelledSatisfiesDeps)
	v.SetDefault("policies_dir", cfg.PoliciesDir)
	v.SetDefault("log.level", cfg.LogLevel)
	v.SetDefault("lock_timeout", cfg.LockTimeout)
	v.SetDefault("telemetry.enabled", cfg.Telemetry.Enabled)
	v.SetDefault("telemetry.exporter", cfg.Telemetry.Exporter)
	for category, pct := range cfg.CoverageThresholds {
		v.SetDefault("coverage.thresholds."+string(category), pct)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("failed to read %s: %w", FileName, err)
		}
		// No config file: defaults plus environment
	}

	cfg.DBPath = v.GetString("db_path")
	cfg.CancelledSatisfiesDeps = v.GetBool("dependencies.cancelled_satisfies")
	cfg.PoliciesDir = v.GetString("policies_dir")
	cfg.LogLevel = v.GetString("log.level")
	cfg.LockTimeout = v.GetDuration("lock_timeout")
	cfg.Telemetry.Enabled = v.GetBool("telemetry.enabled")
	cfg.Telemetry.Exporter = v.GetString("telemetry.exporter")

	thresholds := make(map[types.CoverageCategory]float64)
	for _, category := range types.CoverageCategories {
		thresholds[category] = v.GetFloat64("coverage.thresholds." + string(category))
	}
	for key := range v.GetStringMap("coverage.thresholds") {
		if !types.CoverageCategory(key).IsValid() {
			return cfg, fmt.Errorf("invalid configuration: coverage.thresholds: unknown category %q", key)
		}
	}
	cfg.CoverageThresholds = thresholds

	if cfg.PoliciesDir != "" && !filepath.IsAbs(cfg.PoliciesDir) {
		cfg.PoliciesDir = filepath.Join(projectDir, cfg.PoliciesDir)
	}
	if cfg.DBPath != "" && !filepath.IsAbs(cfg.DBPath) {
		cfg.DBPath = filepath.Join(projectDir, cfg.DBPath)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
