// Package config provides configuration loading for waved.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the top-level waved configuration.
type Config struct {
	Store         StoreConfig         `koanf:"store"`
	Heartbeat     HeartbeatConfig     `koanf:"heartbeat"`
	Budget        BudgetConfig        `koanf:"budget"`
	Approval      ApprovalConfig      `koanf:"approval"`
	Retry         RetryConfig         `koanf:"retry"`
	Fleet         FleetConfig         `koanf:"fleet"`
	Supervisor    SupervisorConfig    `koanf:"supervisor"`
	Alerts        AlertConfig         `koanf:"alerts"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// StoreConfig locates the Signal Store directories. Backup must live in a
// physically separate directory from primary so deleting one cannot touch
// the other.
type StoreConfig struct {
	Dir       string `koanf:"dir"`
	BackupDir string `koanf:"backup_dir"`
}

// HeartbeatConfig tunes the liveness monitor.
type HeartbeatConfig struct {
	Timeout         Duration `koanf:"timeout"`
	Warning         Duration `koanf:"warning"`
	CheckInterval   Duration `koanf:"check_interval"`
	MaxRestarts     int      `koanf:"max_restarts"`
	RestartCooldown Duration `koanf:"restart_cooldown"`
}

// BudgetConfig bounds pipeline spend.
type BudgetConfig struct {
	Limit             float64 `koanf:"limit"`
	WarningThreshold  float64 `koanf:"warning_threshold"`
	CriticalThreshold float64 `koanf:"critical_threshold"`
}

// ApprovalConfig tunes the approval enforcer.
type ApprovalConfig struct {
	Timeout Duration `koanf:"timeout"`
	Strict  bool     `koanf:"strict"`
}

// RetryConfig bounds per-item retries.
type RetryConfig struct {
	MaxRetries int `koanf:"max_retries"`
}

// FleetConfig declares worker groups for escalation scoping.
type FleetConfig struct {
	// Domains maps a functional domain name to its worker IDs.
	Domains map[string][]string `koanf:"domains"`
	// Waves maps a pipeline wave number to its worker IDs.
	Waves map[int][]string `koanf:"waves"`
}

// SupervisorConfig tunes the supervisory loop.
type SupervisorConfig struct {
	TickInterval Duration `koanf:"tick_interval"`
}

// AlertConfig configures the NATS alert publisher. Empty URL disables it.
type AlertConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// LoggingConfig holds the simple logging fields; cmd/waved maps them onto
// the logging package config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool     `koanf:"enable_telemetry"`
	Endpoint        string   `koanf:"endpoint"`
	ServiceName     string   `koanf:"service_name"`
	ServiceVersion  string   `koanf:"service_version"`
	Insecure        bool     `koanf:"insecure"`
	MetricsInterval Duration `koanf:"metrics_interval"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Store.Dir == "" {
		cfg.Store.Dir = "/var/lib/waved/signals"
	}
	if cfg.Store.BackupDir == "" {
		cfg.Store.BackupDir = "/var/lib/waved/signals-backup"
	}

	if cfg.Heartbeat.Timeout == 0 {
		cfg.Heartbeat.Timeout = Duration(60 * time.Second)
	}
	if cfg.Heartbeat.Warning == 0 {
		// 75% of timeout
		cfg.Heartbeat.Warning = Duration(cfg.Heartbeat.Timeout.Duration() * 3 / 4)
	}
	if cfg.Heartbeat.CheckInterval == 0 {
		cfg.Heartbeat.CheckInterval = Duration(10 * time.Second)
	}
	if cfg.Heartbeat.MaxRestarts == 0 {
		cfg.Heartbeat.MaxRestarts = 3
	}
	if cfg.Heartbeat.RestartCooldown == 0 {
		cfg.Heartbeat.RestartCooldown = Duration(2 * time.Minute)
	}

	if cfg.Budget.WarningThreshold == 0 {
		cfg.Budget.WarningThreshold = 0.7
	}
	if cfg.Budget.CriticalThreshold == 0 {
		cfg.Budget.CriticalThreshold = 0.9
	}

	if cfg.Approval.Timeout == 0 {
		cfg.Approval.Timeout = Duration(24 * time.Hour)
	}

	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 3
	}

	if cfg.Supervisor.TickInterval == 0 {
		cfg.Supervisor.TickInterval = Duration(15 * time.Second)
	}

	if cfg.Alerts.SubjectPrefix == "" {
		cfg.Alerts.SubjectPrefix = "waved.alerts"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "waved"
	}
	if cfg.Observability.ServiceVersion == "" {
		cfg.Observability.ServiceVersion = "0.1.0"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
	if cfg.Observability.MetricsInterval == 0 {
		cfg.Observability.MetricsInterval = Duration(15 * time.Second)
	}
}

// Validate rejects invalid configuration synchronously, before any I/O.
func (c *Config) Validate() error {
	if c.Store.Dir == "" || c.Store.BackupDir == "" {
		return errors.New("store.dir and store.backup_dir are required")
	}
	if c.Store.Dir == c.Store.BackupDir {
		return errors.New("store.backup_dir must differ from store.dir")
	}

	if c.Heartbeat.Timeout.Duration() <= 0 {
		return errors.New("heartbeat.timeout must be positive")
	}
	if c.Heartbeat.Warning.Duration() <= 0 || c.Heartbeat.Warning.Duration() >= c.Heartbeat.Timeout.Duration() {
		return fmt.Errorf("heartbeat.warning must be positive and below timeout, got %s >= %s",
			c.Heartbeat.Warning.Duration(), c.Heartbeat.Timeout.Duration())
	}
	if c.Heartbeat.CheckInterval.Duration() <= 0 {
		return errors.New("heartbeat.check_interval must be positive")
	}
	if c.Heartbeat.MaxRestarts < 0 {
		return fmt.Errorf("heartbeat.max_restarts must be >= 0, got %d", c.Heartbeat.MaxRestarts)
	}

	if c.Budget.Limit < 0 {
		return fmt.Errorf("budget.limit must be >= 0, got %f", c.Budget.Limit)
	}
	if c.Budget.WarningThreshold <= 0 || c.Budget.CriticalThreshold <= 0 {
		return errors.New("budget thresholds must be positive")
	}
	if !(c.Budget.WarningThreshold < c.Budget.CriticalThreshold && c.Budget.CriticalThreshold <= 1.0) {
		return fmt.Errorf("budget thresholds must satisfy warning < critical <= 1.0, got %f/%f",
			c.Budget.WarningThreshold, c.Budget.CriticalThreshold)
	}

	if c.Approval.Timeout.Duration() <= 0 {
		return errors.New("approval.timeout must be positive")
	}

	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("retry.max_retries must be >= 1, got %d", c.Retry.MaxRetries)
	}

	if c.Supervisor.TickInterval.Duration() <= 0 {
		return errors.New("supervisor.tick_interval must be positive")
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("observability.service_name required when telemetry is enabled")
	}

	return nil
}
