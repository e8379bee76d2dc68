// Package config loads and normalizes orchestrator configuration: a YAML
// file under the home directory with environment variable overrides,
// following the same load-then-normalize-then-validate shape used
// throughout this codebase.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/nova-orchestrator/internal/shared"
)

// envOverrideVars lists the environment variables applyEnvOverrides
// consults, in the order EnvOverrides reports them.
var envOverrideVars = []string{
	"DATABASE_URL",
	"SQLITE_DB_PATH",
	"ORCHESTRATOR_LOG_LEVEL",
	"ORCHESTRATOR_QUEUE_POLL_INTERVAL_SECONDS",
	"ORCHESTRATOR_SCHEDULER_POLL_INTERVAL_SECONDS",
	"ORCHESTRATOR_CLEANUP_STALE_MINUTES",
	"ORCHESTRATOR_CHECKPOINT_RETENTION_DAYS",
	"TELEGRAM_TOKEN",
	"TELEGRAM_CHAT_ID",
}

// EnvOverrides reports which of the environment variables
// applyEnvOverrides consults are actually set, with secret-looking values
// redacted, so the daemon can log what overrode config.yaml at startup
// without leaking credentials into the log file.
func EnvOverrides() map[string]string {
	out := make(map[string]string)
	for _, key := range envOverrideVars {
		if raw, ok := os.LookupEnv(key); ok {
			out[key] = shared.RedactEnvValue(key, raw)
		}
	}
	return out
}

// TelegramConfig configures the Telegram notification handler.
type TelegramConfig struct {
	Token   string  `yaml:"token"`
	ChatID  int64   `yaml:"chat_id"`
	Enabled bool    `yaml:"enabled"`
}

// Config is the orchestrator's full runtime configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	// DatabaseURL, if set, selects the dialect (postgres:// or sqlite://)
	// and takes precedence over SQLiteDBPath.
	DatabaseURL  string `yaml:"database_url"`
	SQLiteDBPath string `yaml:"sqlite_db_path"`

	LogLevel string `yaml:"log_level"`

	// QueuePollIntervalSeconds is how often the deployment coordinator's
	// queue-drain loop checks for the next pending item. Default 5.
	QueuePollIntervalSeconds int `yaml:"queue_poll_interval_seconds"`

	// SchedulerPollIntervalSeconds is how often the scheduled job engine
	// checks for due jobs. Default 60.
	SchedulerPollIntervalSeconds int `yaml:"scheduler_poll_interval_seconds"`

	// CleanupStaleMinutes is the heartbeat age, in minutes, the background
	// stale-task sweeper (internal/tracker.StaleSweeper) waits before
	// failing a running task that has stopped checking in. This is
	// spec.md §6's "stale heartbeat threshold" knob. Default 5. Startup
	// recovery does not consult this: it pauses every running task it
	// finds unconditionally, per DESIGN.md's Open Question 1 decision.
	CleanupStaleMinutes int `yaml:"cleanup_stale_minutes"`

	// CheckpointRetentionDays bounds how long inactive checkpoints are kept
	// before cleanup. Default 7.
	CheckpointRetentionDays int `yaml:"checkpoint_retention_days"`

	// DefaultMaxRetries is used for queue items that don't specify their
	// own max_retries. Default 3.
	DefaultMaxRetries int `yaml:"default_max_retries"`

	Telegram TelegramConfig `yaml:"telegram"`

	MetricsEnabled bool `yaml:"metrics_enabled"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:                     "info",
		QueuePollIntervalSeconds:     5,
		SchedulerPollIntervalSeconds: 60,
		CleanupStaleMinutes:          5,
		CheckpointRetentionDays:      7,
		DefaultMaxRetries:            3,
	}
}

// HomeDir returns the orchestrator's config/data home directory.
// ORCHESTRATOR_HOME overrides the default of ~/.orchestrator.
func HomeDir() string {
	if override := os.Getenv("ORCHESTRATOR_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".orchestrator")
}

// ConfigPath returns the path to config.yaml under homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml (creating the home directory if needed), applies
// environment overrides, and normalizes defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create orchestrator home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.QueuePollIntervalSeconds <= 0 {
		cfg.QueuePollIntervalSeconds = 5
	}
	if cfg.SchedulerPollIntervalSeconds <= 0 {
		cfg.SchedulerPollIntervalSeconds = 60
	}
	if cfg.CleanupStaleMinutes <= 0 {
		cfg.CleanupStaleMinutes = 5
	}
	if cfg.CheckpointRetentionDays <= 0 {
		cfg.CheckpointRetentionDays = 7
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = 3
	}
	cfg.DatabaseURL = strings.Trim(strings.TrimSpace(cfg.DatabaseURL), `"'`)
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("DATABASE_URL"); raw != "" {
		cfg.DatabaseURL = raw
	}
	if raw := os.Getenv("SQLITE_DB_PATH"); raw != "" {
		cfg.SQLiteDBPath = raw
	}
	if raw := os.Getenv("ORCHESTRATOR_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("ORCHESTRATOR_QUEUE_POLL_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.QueuePollIntervalSeconds = v
		}
	}
	if raw := os.Getenv("ORCHESTRATOR_SCHEDULER_POLL_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SchedulerPollIntervalSeconds = v
		}
	}
	if raw := os.Getenv("ORCHESTRATOR_CLEANUP_STALE_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.CleanupStaleMinutes = v
		}
	}
	if raw := os.Getenv("ORCHESTRATOR_CHECKPOINT_RETENTION_DAYS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.CheckpointRetentionDays = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
		cfg.Telegram.Enabled = true
	}
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Telegram.ChatID = v
		}
	}
}

// QueuePollInterval returns QueuePollIntervalSeconds as a Duration.
func (c Config) QueuePollInterval() time.Duration {
	return time.Duration(c.QueuePollIntervalSeconds) * time.Second
}

// SchedulerPollInterval returns SchedulerPollIntervalSeconds as a Duration.
func (c Config) SchedulerPollInterval() time.Duration {
	return time.Duration(c.SchedulerPollIntervalSeconds) * time.Second
}

// CleanupStaleThreshold returns CleanupStaleMinutes as a Duration: the
// heartbeat age the background stale-task sweeper uses to fail a running
// task during normal operation, independent of startup recovery's own
// unconditional pause-everything pass.
func (c Config) CleanupStaleThreshold() time.Duration {
	return time.Duration(c.CleanupStaleMinutes) * time.Minute
}

// CheckpointRetention returns CheckpointRetentionDays as a Duration.
func (c Config) CheckpointRetention() time.Duration {
	return time.Duration(c.CheckpointRetentionDays) * 24 * time.Hour
}
