package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"tenant-backup/internal/backup"
	"tenant-backup/internal/database"
	"tenant-backup/internal/logging"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "TENANT_BACKUP"

// Config is the complete engine configuration
type Config struct {
	TempDir       string                        `mapstructure:"temp_dir" yaml:"temp_dir"`
	Tenants       []string                      `mapstructure:"tenants" yaml:"tenants,omitempty"`
	Catalog       CatalogConfig                 `mapstructure:"catalog" yaml:"catalog"`
	Database      database.DatabaseConfig       `mapstructure:"database" yaml:"database"`
	Storage       backup.StorageConfig          `mapstructure:"storage" yaml:"storage"`
	Encryption    backup.EncryptionConfig       `mapstructure:"encryption" yaml:"encryption"`
	Commands      CommandsConfig                `mapstructure:"commands" yaml:"commands"`
	Queues        map[string]backup.QueuePolicy `mapstructure:"queues" yaml:"queues,omitempty"`
	Orchestrator  backup.OrchestratorConfig     `mapstructure:"orchestrator" yaml:"orchestrator"`
	Scheduler     backup.SchedulerConfig        `mapstructure:"scheduler" yaml:"scheduler"`
	Verification  backup.VerificationConfig     `mapstructure:"verification" yaml:"verification"`
	Notifications backup.NotificationConfig     `mapstructure:"notifications" yaml:"notifications"`
	Logging       LoggingConfig                 `mapstructure:"logging" yaml:"logging"`
	Metrics       MetricsConfig                 `mapstructure:"metrics" yaml:"metrics"`
}

// CatalogConfig selects where backup records, jobs and keys are persisted.
// Driver is one of "mysql", "sqlite" or "memory".
type CatalogConfig struct {
	Driver     string `mapstructure:"driver" yaml:"driver"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path,omitempty"`
}

// CommandsConfig holds the external dump and restore commands
type CommandsConfig struct {
	Dump    backup.CommandConfig `mapstructure:"dump" yaml:"dump"`
	Restore backup.CommandConfig `mapstructure:"restore" yaml:"restore"`
}

// LoggingConfig mirrors logging.Config in a file-friendly form
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb,omitempty"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups,omitempty"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days,omitempty"`
	Compress   bool   `mapstructure:"compress" yaml:"compress,omitempty"`
	AuditFile  string `mapstructure:"audit_file" yaml:"audit_file,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// Catalog drivers
const (
	CatalogMySQL  = "mysql"
	CatalogSQLite = "sqlite"
	CatalogMemory = "memory"
)

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills zero values with defaults
func (c *Config) SetDefaults() {
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}

	if c.Catalog.Driver == "" {
		if c.Database.Enabled() {
			c.Catalog.Driver = CatalogMySQL
		} else {
			c.Catalog.Driver = CatalogSQLite
		}
	}
	if c.Catalog.Driver == CatalogSQLite && c.Catalog.SQLitePath == "" {
		c.Catalog.SQLitePath = "./data/catalog.db"
	}
	if c.Catalog.Driver == CatalogMySQL {
		c.Database.SetDefaults()
	}

	if c.Storage.Local == nil && c.Storage.Primary == nil && c.Storage.SecondaryA == nil && c.Storage.SecondaryB == nil {
		c.Storage.Local = &backup.LocalConfig{}
	}
	c.Storage.SetDefaults()
	c.Encryption.SetDefaults()

	if c.Commands.Dump.Path == "" {
		c.Commands.Dump.Path = "mysqldump"
		c.Commands.Dump.Args = []string{"--single-transaction", "--routines", "--triggers"}
	}

	policies := backup.DefaultQueuePolicies()
	for name, policy := range c.Queues {
		base := policies[name]
		if policy.Workers > 0 {
			base.Workers = policy.Workers
		}
		if policy.Attempts > 0 {
			base.Attempts = policy.Attempts
		}
		if policy.Backoff > 0 {
			base.Backoff = policy.Backoff
		}
		if policy.MaxBackoff > 0 {
			base.MaxBackoff = policy.MaxBackoff
		}
		if policy.Timeout > 0 {
			base.Timeout = policy.Timeout
		}
		policies[name] = base
	}
	c.Queues = policies

	c.Orchestrator.SetDefaults()
	c.Scheduler.SetDefaults()
	c.Verification.SetDefaults()
	if c.Scheduler.VerifySchedule == "" {
		c.Scheduler.VerifySchedule = c.Verification.SweepSchedule
	}
	if c.Verification.AutoVerify {
		c.Orchestrator.AutoVerify = true
	}

	if c.Logging.Level == "" {
		c.Logging.Level = string(logging.LogLevelNormal)
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
}

// LoadFromEnvironment applies TENANT_BACKUP_* and the storage/encryption
// variables on top of the file values
func (c *Config) LoadFromEnvironment() {
	if val := os.Getenv(EnvPrefix + "_TEMP_DIR"); val != "" {
		c.TempDir = val
	}
	if val := os.Getenv(EnvPrefix + "_TENANTS"); val != "" {
		c.Tenants = splitList(val)
	}
	if val := os.Getenv(EnvPrefix + "_CATALOG_DRIVER"); val != "" {
		c.Catalog.Driver = strings.ToLower(val)
	}
	if val := os.Getenv(EnvPrefix + "_SQLITE_PATH"); val != "" {
		c.Catalog.SQLitePath = val
	}

	if val := os.Getenv(EnvPrefix + "_DB_HOST"); val != "" {
		c.Database.Host = val
	}
	if val := os.Getenv(EnvPrefix + "_DB_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Database.Port = port
		}
	}
	if val := os.Getenv(EnvPrefix + "_DB_USER"); val != "" {
		c.Database.Username = val
	}
	if val := os.Getenv(EnvPrefix + "_DB_PASSWORD"); val != "" {
		c.Database.Password = val
	}
	if val := os.Getenv(EnvPrefix + "_DB_NAME"); val != "" {
		c.Database.Database = val
	}

	if val := os.Getenv(EnvPrefix + "_DUMP_COMMAND"); val != "" {
		c.Commands.Dump.Path = val
	}
	if val := os.Getenv(EnvPrefix + "_RESTORE_COMMAND"); val != "" {
		c.Commands.Restore.Path = val
	}

	if val := os.Getenv(EnvPrefix + "_LOG_LEVEL"); val != "" {
		c.Logging.Level = strings.ToLower(val)
	}
	if val := os.Getenv(EnvPrefix + "_LOG_FORMAT"); val != "" {
		c.Logging.Format = strings.ToLower(val)
	}
	if val := os.Getenv(EnvPrefix + "_METRICS_ADDRESS"); val != "" {
		c.Metrics.Enabled = true
		c.Metrics.Address = val
	}
	if val := os.Getenv(EnvPrefix + "_WEBHOOK_URL"); val != "" {
		c.Notifications.Enabled = true
		if c.Notifications.Webhook == nil {
			c.Notifications.Webhook = &backup.WebhookConfig{}
		}
		c.Notifications.Webhook.URL = val
	}

	c.Storage.LoadFromEnvironment()
	c.Encryption.LoadFromEnvironment()
}

// Validate checks the whole configuration and reports every problem at once
func (c *Config) Validate() error {
	var errs []error

	switch c.Catalog.Driver {
	case CatalogMySQL:
		if err := c.Database.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	case CatalogSQLite:
		if c.Catalog.SQLitePath == "" {
			errs = append(errs, errors.New("catalog: sqlite_path is required for the sqlite driver"))
		}
	case CatalogMemory:
	default:
		errs = append(errs, fmt.Errorf("catalog: unsupported driver %q", c.Catalog.Driver))
	}

	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	if err := c.Encryption.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("encryption: %w", err))
	}
	if err := c.Commands.Dump.Validate("commands.dump"); err != nil {
		errs = append(errs, err)
	}
	if c.Commands.Restore.Path != "" {
		if err := c.Commands.Restore.Validate("commands.restore"); err != nil {
			errs = append(errs, err)
		}
	}

	for name, policy := range c.Queues {
		if policy.Workers <= 0 || policy.Attempts <= 0 {
			errs = append(errs, fmt.Errorf("queues.%s: workers and attempts must be positive", name))
		}
	}

	if err := c.Scheduler.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if err := c.Verification.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("verification: %w", err))
	}
	if err := c.Notifications.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("notifications: %w", err))
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("logging: unsupported format %q", c.Logging.Format))
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, errors.New("metrics: address is required when metrics are enabled"))
	}

	if len(errs) > 0 {
		return backup.NewConfigurationError("configuration validation failed", errors.Join(errs...))
	}
	return nil
}

// LoggerConfig converts the logging section for logging.NewLogger
func (c *Config) LoggerConfig() (logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:      level,
		Format:     c.Logging.Format,
		LogFile:    c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
		Compress:   c.Logging.Compress,
	}, nil
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

const redacted = "********"

// Redacted returns a copy safe to print: passwords, keys and secrets are masked
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}

	mask(&out.Database.Password)
	mask(&out.Encryption.MasterKey)
	mask(&out.Encryption.Passphrase)

	if c.Storage.Primary != nil {
		primary := *c.Storage.Primary
		mask(&primary.SecretKey)
		out.Storage.Primary = &primary
	}
	if c.Storage.SecondaryB != nil {
		azure := *c.Storage.SecondaryB
		mask(&azure.AccountKey)
		out.Storage.SecondaryB = &azure
	}
	if len(c.Storage.Regions) > 0 {
		out.Storage.Regions = make([]backup.RegionConfig, len(c.Storage.Regions))
		for i, region := range c.Storage.Regions {
			mask(&region.S3.SecretKey)
			out.Storage.Regions[i] = region
		}
	}
	if c.Notifications.Webhook != nil && len(c.Notifications.Webhook.Headers) > 0 {
		webhook := *c.Notifications.Webhook
		webhook.Headers = make(map[string]string, len(c.Notifications.Webhook.Headers))
		for k := range c.Notifications.Webhook.Headers {
			webhook.Headers[k] = redacted
		}
		out.Notifications.Webhook = &webhook
	}
	return &out
}
