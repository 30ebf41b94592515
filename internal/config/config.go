// Package config loads and validates the occamd configuration file and
// environment. Durations are expressed in the unit named by the option
// (milliseconds, minutes, hours, days) and converted into the component
// configs at wiring time.
package config

import (
	"encoding/base64"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/otrix/occam-agents/internal/audit"
	"github.com/otrix/occam-agents/internal/factbox"
	"github.com/otrix/occam-agents/internal/governance"
	"github.com/otrix/occam-agents/internal/orchestrator"
	"github.com/otrix/occam-agents/internal/status"
	"github.com/otrix/occam-agents/internal/vault"
	"github.com/otrix/occam-agents/pkg/types"
)

// MasterKeyEnv is the environment variable carrying the base64-encoded
// 32-byte vault master key. Its absence is a startup error.
const MasterKeyEnv = "OCCAM_VAULT_MASTER_KEY"

// Config is the full occamd configuration.
type Config struct {
	Server       Server              `yaml:"server"`
	Orchestrator Orchestrator        `yaml:"orchestrator"`
	Governance   Governance          `yaml:"governance"`
	Renewals     Renewals            `yaml:"renewals"`
	Audit        Audit               `yaml:"audit"`
	Vault        Vault               `yaml:"vault"`
	Cache        factbox.CacheConfig `yaml:"cache"`
	Database     Database            `yaml:"database"`
	Logging      Logging             `yaml:"logging"`
}

// Server configures the operational HTTP surface.
type Server struct {
	HTTPPort               int `yaml:"http_port"`
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`
}

// Orchestrator holds the workflow-engine options.
type Orchestrator struct {
	WorkerPoolSize          int `yaml:"worker_pool_size"`
	QueueSize               int `yaml:"queue_size"`
	MaxRetries              int `yaml:"max_retries"`
	RetryBaseMs             int `yaml:"retry_base_ms"`
	RetryCapMs              int `yaml:"retry_cap_ms"`
	StageDeadlineMultiplier int `yaml:"stage_deadline_multiplier"`
	StageDeadlineMaxMs      int `yaml:"stage_deadline_max_ms"`
}

// Governance holds transaction limits and approval options. LimitsPath, when
// set, points at a YAML limits file watched for hot reload.
type Governance struct {
	Limits              governance.Limits `yaml:"limits"`
	ApprovalExpiryHours int               `yaml:"approval_expiry_hours"`
	LimitsPath          string            `yaml:"limits_path"`
	DecisionTokenSecret string            `yaml:"decision_token_secret"`
}

// Renewals holds the status-engine alert windows.
type Renewals struct {
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
	WarningDays          int `yaml:"renewal_warning_days"`
	CriticalDays         int `yaml:"renewal_critical_days"`
}

// Audit holds retention and archive options.
type Audit struct {
	RetentionDays     int    `yaml:"audit_retention_days"`
	ArchivePath       string `yaml:"archive_path"`
	ArchiveMaxSizeMB  int    `yaml:"archive_max_size_mb"`
	ArchiveMaxAgeDays int    `yaml:"archive_max_age_days"`
	ArchiveMaxBackups int    `yaml:"archive_max_backups"`
}

// Vault holds the password policy. The master key itself comes from the
// environment, never from the file.
type Vault struct {
	PasswordPolicy vault.PasswordPolicy `yaml:"password_policy"`
}

// Database configures the optional Postgres persistence layer. An empty DSN
// selects the in-memory stores.
type Database struct {
	DSN string `yaml:"dsn"`
}

// Logging configures the zap logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the complete default configuration.
func Default() Config {
	return Config{
		Server: Server{
			HTTPPort:               8080,
			ShutdownTimeoutSeconds: 30,
		},
		Orchestrator: Orchestrator{
			WorkerPoolSize:          runtime.NumCPU() * 2,
			QueueSize:               256,
			MaxRetries:              3,
			RetryBaseMs:             250,
			RetryCapMs:              30000,
			StageDeadlineMultiplier: 5,
			StageDeadlineMaxMs:      120000,
		},
		Governance: Governance{
			Limits:              governance.DefaultLimits(),
			ApprovalExpiryHours: 24,
		},
		Renewals: Renewals{
			SweepIntervalMinutes: 60,
			WarningDays:          30,
			CriticalDays:         7,
		},
		Audit: Audit{
			RetentionDays:     audit.DefaultRetentionDays,
			ArchiveMaxSizeMB:  100,
			ArchiveMaxAgeDays: 30,
			ArchiveMaxBackups: 10,
		},
		Vault: Vault{
			PasswordPolicy: vault.DefaultPasswordPolicy(),
		},
		Cache:   factbox.DefaultCacheConfig(),
		Logging: Logging{Level: "info", Format: "json"},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns the
// defaults untouched.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, types.WrapE(types.KindValidation, "config.load", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, types.WrapE(types.KindValidation, "config.load", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants.
func (c Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return types.E(types.KindValidation, "config.validate", "http_port %d out of range", c.Server.HTTPPort)
	}
	if c.Orchestrator.RetryCapMs < c.Orchestrator.RetryBaseMs {
		return types.E(types.KindValidation, "config.validate", "retry_cap_ms must be at least retry_base_ms")
	}
	if c.Renewals.CriticalDays > c.Renewals.WarningDays {
		return types.E(types.KindValidation, "config.validate",
			"renewal_critical_days must not exceed renewal_warning_days")
	}
	if err := c.Governance.Limits.Validate(); err != nil {
		return err
	}
	return c.OrchestratorConfig().Validate()
}

// MasterKey reads and decodes the vault master key from the environment.
func MasterKey() ([]byte, error) {
	encoded := os.Getenv(MasterKeyEnv)
	if encoded == "" {
		return nil, types.E(types.KindValidation, "config.masterkey", "%s is not set", MasterKeyEnv)
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, types.WrapE(types.KindValidation, "config.masterkey", err)
	}
	if len(key) != 32 {
		return nil, types.E(types.KindValidation, "config.masterkey",
			"master key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// OrchestratorConfig converts the file options into the engine config.
func (c Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		WorkerPoolSize:          c.Orchestrator.WorkerPoolSize,
		QueueSize:               c.Orchestrator.QueueSize,
		MaxRetries:              c.Orchestrator.MaxRetries,
		RetryBase:               time.Duration(c.Orchestrator.RetryBaseMs) * time.Millisecond,
		RetryCap:                time.Duration(c.Orchestrator.RetryCapMs) * time.Millisecond,
		StageDeadlineMultiplier: c.Orchestrator.StageDeadlineMultiplier,
		MaxStageDeadline:        time.Duration(c.Orchestrator.StageDeadlineMaxMs) * time.Millisecond,
	}
}

// GovernanceConfig converts the governance section.
func (c Config) GovernanceConfig() governance.Config {
	cfg := governance.DefaultConfig()
	cfg.Limits = c.Governance.Limits
	cfg.ApprovalExpiry = time.Duration(c.Governance.ApprovalExpiryHours) * time.Hour
	if c.Governance.DecisionTokenSecret != "" {
		cfg.DecisionTokenSecret = []byte(c.Governance.DecisionTokenSecret)
	}
	return cfg
}

// StatusConfig converts the renewals section.
func (c Config) StatusConfig() status.Config {
	cfg := status.DefaultConfig()
	cfg.SweepInterval = time.Duration(c.Renewals.SweepIntervalMinutes) * time.Minute
	cfg.WarningDays = c.Renewals.WarningDays
	cfg.CriticalDays = c.Renewals.CriticalDays
	return cfg
}

// AuditConfig converts the audit section.
func (c Config) AuditConfig() audit.Config {
	return audit.Config{
		RetentionDays:     c.Audit.RetentionDays,
		ArchivePath:       c.Audit.ArchivePath,
		ArchiveMaxSizeMB:  c.Audit.ArchiveMaxSizeMB,
		ArchiveMaxAgeDays: c.Audit.ArchiveMaxAgeDays,
		ArchiveMaxBackups: c.Audit.ArchiveMaxBackups,
	}
}

// ShutdownTimeout returns the graceful shutdown bound.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
