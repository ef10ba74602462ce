// Package config provides configuration management for the chorus
// orchestrator. It supports loading configuration from environment
// variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Audit        AuditConfig        `mapstructure:"audit"`
	Catalog      CatalogConfig      `mapstructure:"catalog"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout_seconds"`
	WriteTimeout int    `mapstructure:"write_timeout_seconds"`
}

// DatabaseConfig holds state store connection configuration. Driver selects
// between the embedded SQLite store and PostgreSQL.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite3 or pgx
	Path     string `mapstructure:"path"`   // sqlite3 database file
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	SSLMode  string `mapstructure:"ssl_mode"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// NATSConfig holds message bus configuration. An empty URL selects the
// in-memory bus (single-process development mode).
type NATSConfig struct {
	URL                    string `mapstructure:"url"`
	Name                   string `mapstructure:"name"`
	MaxReconnects          int    `mapstructure:"max_reconnects"`
	Stream                 string `mapstructure:"stream"`
	AckWaitSeconds         int    `mapstructure:"ack_wait_seconds"`
	MaxDeliver             int    `mapstructure:"max_deliver"`
	DuplicateWindowSeconds int    `mapstructure:"duplicate_window_seconds"`
	MessageMaxAgeHours     int    `mapstructure:"message_max_age_hours"`
}

// AckWait returns how long the broker waits for an ack before redelivering.
func (n *NATSConfig) AckWait() time.Duration {
	return time.Duration(n.AckWaitSeconds) * time.Second
}

// DuplicateWindow returns the broker-side publish dedup window.
func (n *NATSConfig) DuplicateWindow() time.Duration {
	return time.Duration(n.DuplicateWindowSeconds) * time.Second
}

// MessageMaxAge returns how long undelivered messages are retained.
func (n *NATSConfig) MessageMaxAge() time.Duration {
	return time.Duration(n.MessageMaxAgeHours) * time.Hour
}

// OrchestratorConfig holds the scheduling, retry, and liveness knobs.
type OrchestratorConfig struct {
	HeartbeatTTLSeconds           int   `mapstructure:"heartbeat_ttl_seconds"`
	PauseCapacityThresholdPercent int   `mapstructure:"pause_capacity_threshold_percent"`
	PauseResumeIntervalSeconds    int   `mapstructure:"pause_resume_interval_seconds"`
	BreakerConsecutiveFailures    int   `mapstructure:"breaker_consecutive_failures"`
	BreakerCooldownSeconds        int   `mapstructure:"breaker_cooldown_seconds"`
	RetryMaxAttempts              int   `mapstructure:"retry_max_attempts"`
	RetryBackoffSeconds           []int `mapstructure:"retry_backoff_seconds"`
	DefaultTaskDeadlineSeconds    int   `mapstructure:"default_task_deadline_seconds"`
}

// LLMConfig holds the LLM gateway configuration. ProviderChain is the ordered
// fallback list; each entry names a provider section below.
type LLMConfig struct {
	ProviderChain         []string        `mapstructure:"provider_chain"`
	QuotaThresholdPercent int             `mapstructure:"quota_threshold_percent"`
	RequestTimeoutSeconds int             `mapstructure:"request_timeout_seconds"`
	CacheTTLSeconds       int             `mapstructure:"cache_ttl_seconds"`
	CacheMaxEntries       int             `mapstructure:"cache_max_entries"`
	Anthropic             ProviderConfig  `mapstructure:"anthropic"`
	OpenAI                ProviderConfig  `mapstructure:"openai"`
	Embedding             EmbeddingConfig `mapstructure:"embedding"`
}

// ProviderConfig holds per-provider credentials and limits. The per-million
// token prices feed the quota tracker's spend estimate.
type ProviderConfig struct {
	APIKey          string  `mapstructure:"api_key"`
	Model           string  `mapstructure:"model"`
	MonthlyCapUSD   float64 `mapstructure:"monthly_cap_usd"`
	MaxOutputTokens int     `mapstructure:"max_output_tokens"`
	InputCostPer1M  float64 `mapstructure:"input_cost_per_1m"`
	OutputCostPer1M float64 `mapstructure:"output_cost_per_1m"`
}

// EmbeddingConfig holds the embedding model used by the playbook catalog.
type EmbeddingConfig struct {
	Model     string  `mapstructure:"model"`
	CachePath string  `mapstructure:"cache_path"`
	CostPer1M float64 `mapstructure:"cost_per_1m"`
}

// AuditConfig holds the commit-log writer configuration.
type AuditConfig struct {
	LogPath              string `mapstructure:"log_path"`
	RetryAlertThreshold  int    `mapstructure:"retry_alert_threshold"`
	RetryIntervalSeconds int    `mapstructure:"retry_interval_seconds"`
}

// RetryInterval returns the audit retry flusher tick as a duration.
func (c AuditConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalSeconds) * time.Second
}

// CatalogConfig holds the playbook catalog configuration.
type CatalogConfig struct {
	Path           string  `mapstructure:"path"`
	MatchThreshold float64 `mapstructure:"match_threshold"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HeartbeatTTL returns the agent heartbeat TTL as a time.Duration.
func (o *OrchestratorConfig) HeartbeatTTL() time.Duration {
	return time.Duration(o.HeartbeatTTLSeconds) * time.Second
}

// PauseResumeInterval returns the resume loop tick as a time.Duration.
func (o *OrchestratorConfig) PauseResumeInterval() time.Duration {
	return time.Duration(o.PauseResumeIntervalSeconds) * time.Second
}

// BreakerCooldown returns the circuit breaker cooldown as a time.Duration.
func (o *OrchestratorConfig) BreakerCooldown() time.Duration {
	return time.Duration(o.BreakerCooldownSeconds) * time.Second
}

// RetryBackoff returns the retry backoff schedule as durations.
func (o *OrchestratorConfig) RetryBackoff() []time.Duration {
	out := make([]time.Duration, len(o.RetryBackoffSeconds))
	for i, s := range o.RetryBackoffSeconds {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}

// DefaultTaskDeadline returns the default per-task deadline as a
// time.Duration.
func (o *OrchestratorConfig) DefaultTaskDeadline() time.Duration {
	return time.Duration(o.DefaultTaskDeadlineSeconds) * time.Second
}

// RequestTimeout returns the per-provider LLM timeout as a time.Duration.
func (l *LLMConfig) RequestTimeout() time.Duration {
	return time.Duration(l.RequestTimeoutSeconds) * time.Second
}

// CacheTTL returns the response cache TTL as a time.Duration.
func (l *LLMConfig) CacheTTL() time.Duration {
	return time.Duration(l.CacheTTLSeconds) * time.Second
}

// detectDefaultLogFormat returns "json" for production-looking environments
// and "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CHORUS_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_seconds", 30)
	v.SetDefault("server.write_timeout_seconds", 30)

	// Database defaults - embedded SQLite unless a driver is set
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "chorus.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "chorus")
	v.SetDefault("database.password", "")
	v.SetDefault("database.db_name", "chorus")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 5)

	// NATS defaults - empty URL means use the in-memory bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.name", "chorus-orchestrator")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.stream", "CHORUS")
	v.SetDefault("nats.ack_wait_seconds", 30)
	v.SetDefault("nats.max_deliver", 5)
	v.SetDefault("nats.duplicate_window_seconds", 120)
	v.SetDefault("nats.message_max_age_hours", 24)

	// Orchestrator defaults
	v.SetDefault("orchestrator.heartbeat_ttl_seconds", 30)
	v.SetDefault("orchestrator.pause_capacity_threshold_percent", 20)
	v.SetDefault("orchestrator.pause_resume_interval_seconds", 10)
	v.SetDefault("orchestrator.breaker_consecutive_failures", 5)
	v.SetDefault("orchestrator.breaker_cooldown_seconds", 60)
	v.SetDefault("orchestrator.retry_max_attempts", 3)
	v.SetDefault("orchestrator.retry_backoff_seconds", []int{1, 2, 4})
	v.SetDefault("orchestrator.default_task_deadline_seconds", 30)

	// LLM gateway defaults
	v.SetDefault("llm.provider_chain", []string{"anthropic", "openai"})
	v.SetDefault("llm.quota_threshold_percent", 80)
	v.SetDefault("llm.request_timeout_seconds", 30)
	v.SetDefault("llm.cache_ttl_seconds", 3600)
	v.SetDefault("llm.cache_max_entries", 512)
	v.SetDefault("llm.anthropic.api_key", "")
	v.SetDefault("llm.anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.anthropic.monthly_cap_usd", 50)
	v.SetDefault("llm.anthropic.max_output_tokens", 4096)
	v.SetDefault("llm.anthropic.input_cost_per_1m", 3.0)
	v.SetDefault("llm.anthropic.output_cost_per_1m", 15.0)
	v.SetDefault("llm.openai.api_key", "")
	v.SetDefault("llm.openai.model", "gpt-4o-mini")
	v.SetDefault("llm.openai.monthly_cap_usd", 50)
	v.SetDefault("llm.openai.max_output_tokens", 4096)
	v.SetDefault("llm.openai.input_cost_per_1m", 0.15)
	v.SetDefault("llm.openai.output_cost_per_1m", 0.60)
	v.SetDefault("llm.embedding.model", "text-embedding-3-small")
	v.SetDefault("llm.embedding.cache_path", ".chorus/embeddings.json")
	v.SetDefault("llm.embedding.cost_per_1m", 0.02)

	// Audit defaults
	v.SetDefault("audit.log_path", ".audit/tasks/")
	v.SetDefault("audit.retry_alert_threshold", 10)
	v.SetDefault("audit.retry_interval_seconds", 30)

	// Catalog defaults
	v.SetDefault("catalog.path", "catalog.yaml")
	v.SetDefault("catalog.match_threshold", 0.35)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix CHORUS_ with snake_case
// naming. The config file is chorus.yaml in the current directory or
// /etc/chorus/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables. All config keys are snake_case, so
	// AutomaticEnv covers them without explicit bindings
	// (e.g. CHORUS_ORCHESTRATOR_HEARTBEAT_TTL_SECONDS).
	v.SetEnvPrefix("CHORUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure config file
	v.SetConfigName("chorus")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/chorus/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite3 driver")
		}
	case "pgx":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the pgx driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the pgx driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.db_name is required for the pgx driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite3, pgx)", cfg.Database.Driver))
	}

	o := cfg.Orchestrator
	if o.HeartbeatTTLSeconds <= 0 {
		errs = append(errs, "orchestrator.heartbeat_ttl_seconds must be positive")
	}
	if o.PauseCapacityThresholdPercent < 0 || o.PauseCapacityThresholdPercent > 100 {
		errs = append(errs, "orchestrator.pause_capacity_threshold_percent must be between 0 and 100")
	}
	if o.PauseResumeIntervalSeconds <= 0 {
		errs = append(errs, "orchestrator.pause_resume_interval_seconds must be positive")
	}
	if o.BreakerConsecutiveFailures <= 0 {
		errs = append(errs, "orchestrator.breaker_consecutive_failures must be positive")
	}
	if o.BreakerCooldownSeconds <= 0 {
		errs = append(errs, "orchestrator.breaker_cooldown_seconds must be positive")
	}
	if o.RetryMaxAttempts < 0 {
		errs = append(errs, "orchestrator.retry_max_attempts must not be negative")
	}
	if len(o.RetryBackoffSeconds) == 0 {
		errs = append(errs, "orchestrator.retry_backoff_seconds must not be empty")
	}
	if o.DefaultTaskDeadlineSeconds <= 0 {
		errs = append(errs, "orchestrator.default_task_deadline_seconds must be positive")
	}

	if cfg.LLM.QuotaThresholdPercent <= 0 || cfg.LLM.QuotaThresholdPercent > 100 {
		errs = append(errs, "llm.quota_threshold_percent must be between 1 and 100")
	}
	if len(cfg.LLM.ProviderChain) == 0 {
		errs = append(errs, "llm.provider_chain must not be empty")
	}
	for _, p := range cfg.LLM.ProviderChain {
		if p != "anthropic" && p != "openai" {
			errs = append(errs, fmt.Sprintf("llm.provider_chain entry %q is not a known provider", p))
		}
	}

	if cfg.Audit.LogPath == "" {
		errs = append(errs, "audit.log_path must not be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	if d.Driver == "sqlite3" {
		return d.Path
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
