// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/media-fetcher/internal/fetch"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Access   AccessConfig   `mapstructure:"access"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Provider ProviderConfig `mapstructure:"provider"`
	History  HistoryConfig  `mapstructure:"history"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int  `mapstructure:"port"`
	TrustForwardedFor      bool `mapstructure:"trust_forwarded_for"`
	ShutdownTimeoutSeconds int  `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig protects the admin routes.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// AccessConfig sets admission caps per client key.
type AccessConfig struct {
	MaxRequestsPerMinute int `mapstructure:"max_requests_per_minute"`
	MaxRequestsPerHour   int `mapstructure:"max_requests_per_hour"`
	MaxDownloadsPerDay   int `mapstructure:"max_downloads_per_day"`
	CooldownSeconds      int `mapstructure:"cooldown_seconds"`
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
}

// StorageConfig governs the download root and its cleanup policy.
type StorageConfig struct {
	Root                   string  `mapstructure:"root"`
	MaxAgeHours            float64 `mapstructure:"max_age_hours"`
	MaxStorageMB           int64   `mapstructure:"max_storage_mb"`
	CleanupIntervalSeconds int     `mapstructure:"cleanup_interval_seconds"`
	AutoCleanup            bool    `mapstructure:"auto_cleanup"`
	LockFile               string  `mapstructure:"lock_file"`
}

// JobsConfig controls the orchestrator.
type JobsConfig struct {
	MaxConcurrent      int  `mapstructure:"max_concurrent"`
	ItemTimeoutSeconds int  `mapstructure:"item_timeout_seconds"`
	ItemDelayMs        int  `mapstructure:"item_delay_ms"`
	TargetDelaySeconds int  `mapstructure:"target_delay_seconds"`
	RetentionSeconds   int  `mapstructure:"retention_seconds"`
	DefaultMaxItems    int  `mapstructure:"default_max_items"`
	WriteSummary       bool `mapstructure:"write_summary"`
	MaxBatchTargets    int  `mapstructure:"max_batch_targets"`
}

// ProviderConfig configures the gallery content provider.
type ProviderConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MediaSelector  string `mapstructure:"media_selector"`

	// RetryAttempts counts the first try; 1 disables retries.
	RetryAttempts    int `mapstructure:"retry_attempts"`
	RetryBaseDelayMs int `mapstructure:"retry_base_delay_ms"`
	RetryMaxDelayMs  int `mapstructure:"retry_max_delay_ms"`
}

// HistoryConfig enables the Postgres job archive when DSN is set.
type HistoryConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. A topic
// without a project keeps events in process.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TracingConfig toggles OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FETCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.trust_forwarded_for", false)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("access.max_requests_per_minute", 10)
	v.SetDefault("access.max_requests_per_hour", 100)
	v.SetDefault("access.max_downloads_per_day", 500)
	v.SetDefault("access.cooldown_seconds", 3600)
	v.SetDefault("access.sweep_interval_seconds", 300)
	v.SetDefault("storage.root", "downloads")
	v.SetDefault("storage.max_age_hours", 24)
	v.SetDefault("storage.max_storage_mb", 5000)
	v.SetDefault("storage.cleanup_interval_seconds", 3600)
	v.SetDefault("storage.auto_cleanup", false)
	v.SetDefault("storage.lock_file", "")
	v.SetDefault("jobs.max_concurrent", 4)
	v.SetDefault("jobs.item_timeout_seconds", 60)
	v.SetDefault("jobs.item_delay_ms", 500)
	v.SetDefault("jobs.target_delay_seconds", 3)
	v.SetDefault("jobs.retention_seconds", 3600)
	v.SetDefault("jobs.default_max_items", 0)
	v.SetDefault("jobs.write_summary", true)
	v.SetDefault("jobs.max_batch_targets", 10)
	v.SetDefault("provider.base_url", "http://localhost:9000")
	v.SetDefault("provider.user_agent", "media-fetcher/0.1")
	v.SetDefault("provider.timeout_seconds", 30)
	v.SetDefault("provider.media_selector", "")
	v.SetDefault("provider.retry_attempts", 3)
	v.SetDefault("provider.retry_base_delay_ms", 500)
	v.SetDefault("provider.retry_max_delay_ms", 10000)
	v.SetDefault("history.table", "job_history")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "media-fetcher")
}

// Validate enforces required values and reasonable limits. Every failure
// wraps fetch.ErrConfiguration.
func (c Config) Validate() error {
	checks := []struct {
		bad bool
		msg string
	}{
		{c.Server.Port <= 0, "server.port must be > 0"},
		{c.Auth.Enabled && c.Auth.APIKey == "", "auth.api_key must be set when auth is enabled"},
		{c.Access.MaxRequestsPerMinute <= 0, "access.max_requests_per_minute must be > 0"},
		{c.Access.MaxRequestsPerHour <= 0, "access.max_requests_per_hour must be > 0"},
		{c.Access.MaxDownloadsPerDay <= 0, "access.max_downloads_per_day must be > 0"},
		{c.Access.CooldownSeconds <= 0, "access.cooldown_seconds must be > 0"},
		{c.Access.SweepIntervalSeconds < 0, "access.sweep_interval_seconds must be >= 0"},
		{strings.TrimSpace(c.Storage.Root) == "", "storage.root is required"},
		{c.Storage.MaxAgeHours <= 0, "storage.max_age_hours must be > 0"},
		{c.Storage.MaxStorageMB <= 0, "storage.max_storage_mb must be > 0"},
		{c.Storage.AutoCleanup && c.Storage.CleanupIntervalSeconds <= 0,
			"storage.cleanup_interval_seconds must be > 0 when auto_cleanup is enabled"},
		{c.Jobs.MaxConcurrent <= 0, "jobs.max_concurrent must be > 0"},
		{c.Jobs.ItemTimeoutSeconds <= 0, "jobs.item_timeout_seconds must be > 0"},
		{c.Jobs.ItemDelayMs < 0, "jobs.item_delay_ms must be >= 0"},
		{c.Jobs.TargetDelaySeconds < 0, "jobs.target_delay_seconds must be >= 0"},
		{c.Jobs.RetentionSeconds < 0, "jobs.retention_seconds must be >= 0"},
		{c.Jobs.DefaultMaxItems < 0, "jobs.default_max_items must be >= 0"},
		{c.Jobs.MaxBatchTargets < 0, "jobs.max_batch_targets must be >= 0"},
		{strings.TrimSpace(c.Provider.BaseURL) == "", "provider.base_url is required"},
		{c.Provider.TimeoutSeconds <= 0, "provider.timeout_seconds must be > 0"},
		{c.Provider.RetryAttempts < 0, "provider.retry_attempts must be >= 0"},
		{c.Provider.RetryBaseDelayMs < 0, "provider.retry_base_delay_ms must be >= 0"},
		{c.Provider.RetryMaxDelayMs < 0, "provider.retry_max_delay_ms must be >= 0"},
	}
	for _, check := range checks {
		if check.bad {
			return fmt.Errorf("%w: %s", fetch.ErrConfiguration, check.msg)
		}
	}
	return nil
}

// Cooldown returns the ban cooldown.
func (a AccessConfig) Cooldown() time.Duration {
	return time.Duration(a.CooldownSeconds) * time.Second
}

// SweepInterval returns the idle sweep interval.
func (a AccessConfig) SweepInterval() time.Duration {
	return time.Duration(a.SweepIntervalSeconds) * time.Second
}

// MaxAge returns the age threshold for cleanup.
func (s StorageConfig) MaxAge() time.Duration {
	return time.Duration(s.MaxAgeHours * float64(time.Hour))
}

// MaxBytes returns the storage budget in bytes.
func (s StorageConfig) MaxBytes() int64 {
	return s.MaxStorageMB * 1024 * 1024
}

// CleanupInterval returns the periodic cleanup interval.
func (s StorageConfig) CleanupInterval() time.Duration {
	return time.Duration(s.CleanupIntervalSeconds) * time.Second
}

// ItemTimeout returns the per-item fetch timeout.
func (j JobsConfig) ItemTimeout() time.Duration {
	return time.Duration(j.ItemTimeoutSeconds) * time.Second
}

// ItemDelay returns the politeness delay between items of one job.
func (j JobsConfig) ItemDelay() time.Duration {
	return time.Duration(j.ItemDelayMs) * time.Millisecond
}

// TargetDelay returns the pause between batch targets.
func (j JobsConfig) TargetDelay() time.Duration {
	return time.Duration(j.TargetDelaySeconds) * time.Second
}

// Retention returns how long finished jobs stay visible.
func (j JobsConfig) Retention() time.Duration {
	return time.Duration(j.RetentionSeconds) * time.Second
}

// Timeout returns the provider request timeout.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// RetryBaseDelay returns the first retry backoff.
func (p ProviderConfig) RetryBaseDelay() time.Duration {
	return time.Duration(p.RetryBaseDelayMs) * time.Millisecond
}

// RetryMaxDelay caps the retry backoff.
func (p ProviderConfig) RetryMaxDelay() time.Duration {
	return time.Duration(p.RetryMaxDelayMs) * time.Millisecond
}

// ShutdownTimeout returns the graceful shutdown budget.
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}
