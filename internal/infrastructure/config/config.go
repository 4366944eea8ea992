package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig
	Quota      QuotaConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Log        LogConfig
	Event      EventConfig
	Pipeline   PipelineConfig
	S4         S4Config
	Conversion ConversionConfig
	HTTP       HTTPConfig
	Telemetry  TelemetryConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	// EventSource is the "source" attribute stamped on every outbound event.
	// Empty means /default/cap.brain/<hostname>.
	EventSource string
}

// QuotaConfig holds the per-customer charity quota
type QuotaConfig struct {
	Limit int
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns the host:port address of the Redis server
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// EventConfig holds messaging and outbox configuration
type EventConfig struct {
	// Transport selects the message broker: "redis" (streams) or "memory"
	Transport           string
	InboundTopic        string
	OutboundTopic       string
	ConsumerGroup       string
	ConsumerName        string
	ConsumerConcurrency int
	ReadBlock           time.Duration
	ClaimMinIdle        time.Duration
	MaxDeliveries       int64
	StreamMaxLen        int64

	IdempotencyEnabled bool
	IdempotencyTTL     time.Duration

	ProcessorEnabled bool
	BatchSize        int
	PollInterval     time.Duration
	MaxRetries       int
	CleanupEnabled   bool
	CleanupRetention time.Duration
}

// PipelineConfig holds per-stage timeouts of the enrichment pipeline
type PipelineConfig struct {
	FetchTimeout   time.Duration
	QuotaTimeout   time.Duration
	ConvertTimeout time.Duration
	PublishTimeout time.Duration
	// PublishAttempts bounds in-process retries of the outbox write
	PublishAttempts uint
	PublishBackoff  time.Duration
}

// S4Config holds the order detail service settings
type S4Config struct {
	BaseURL  string
	Username string
	Password string
	APIKey   string
	Timeout  time.Duration
}

// ConversionConfig holds the amount conversion service settings
type ConversionConfig struct {
	BaseURL string
	Timeout time.Duration
}

// HTTPConfig holds the ops HTTP server configuration
type HTTPConfig struct {
	Enabled        bool
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable OpenTelemetry
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string  // Service name for traces
	Insecure          bool    // Use insecure (non-TLS) connection (development only)
	LogsEnabled       bool    // Export zap logs through the OTLP logs bridge
	DBTraceEnabled    bool    // Enable database query tracing (otelgorm)
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with CHARITY_ prefix (e.g., CHARITY_QUOTA_LIMIT)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	cfg, err := read()
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDatabase loads only what the migration tool needs. The outbound
// service settings are not required.
func LoadDatabase() (*DatabaseConfig, error) {
	cfg, err := read()
	if err != nil {
		return nil, err
	}
	if err := cfg.validateDatabase(); err != nil {
		return nil, err
	}
	return &cfg.Database, nil
}

func read() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("CHARITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// LOG_LEVEL is honoured without prefix for compatibility with existing deployments
	_ = v.BindEnv("log.level", "CHARITY_LOG_LEVEL", "LOG_LEVEL")

	cfg := &Config{
		App: AppConfig{
			Name:        v.GetString("app.name"),
			Env:         v.GetString("app.env"),
			EventSource: v.GetString("app.event_source"),
		},
		Quota: QuotaConfig{
			Limit: v.GetInt("quota.limit"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Event: EventConfig{
			Transport:           v.GetString("event.transport"),
			InboundTopic:        v.GetString("event.inbound_topic"),
			OutboundTopic:       v.GetString("event.outbound_topic"),
			ConsumerGroup:       v.GetString("event.consumer_group"),
			ConsumerName:        v.GetString("event.consumer_name"),
			ConsumerConcurrency: v.GetInt("event.consumer_concurrency"),
			ReadBlock:           v.GetDuration("event.read_block"),
			ClaimMinIdle:        v.GetDuration("event.claim_min_idle"),
			MaxDeliveries:       v.GetInt64("event.max_deliveries"),
			StreamMaxLen:        v.GetInt64("event.stream_max_len"),
			IdempotencyEnabled:  v.GetBool("event.idempotency_enabled"),
			IdempotencyTTL:      v.GetDuration("event.idempotency_ttl"),
			ProcessorEnabled:    v.GetBool("event.processor_enabled"),
			BatchSize:           v.GetInt("event.batch_size"),
			PollInterval:        v.GetDuration("event.poll_interval"),
			MaxRetries:          v.GetInt("event.max_retries"),
			CleanupEnabled:      v.GetBool("event.cleanup_enabled"),
			CleanupRetention:    v.GetDuration("event.cleanup_retention"),
		},
		Pipeline: PipelineConfig{
			FetchTimeout:    v.GetDuration("pipeline.fetch_timeout"),
			QuotaTimeout:    v.GetDuration("pipeline.quota_timeout"),
			ConvertTimeout:  v.GetDuration("pipeline.convert_timeout"),
			PublishTimeout:  v.GetDuration("pipeline.publish_timeout"),
			PublishAttempts: v.GetUint("pipeline.publish_attempts"),
			PublishBackoff:  v.GetDuration("pipeline.publish_backoff"),
		},
		S4: S4Config{
			BaseURL:  v.GetString("s4.base_url"),
			Username: v.GetString("s4.username"),
			Password: v.GetString("s4.password"),
			APIKey:   v.GetString("s4.api_key"),
			Timeout:  v.GetDuration("s4.timeout"),
		},
		Conversion: ConversionConfig{
			BaseURL: v.GetString("conversion.base_url"),
			Timeout: v.GetDuration("conversion.timeout"),
		},
		HTTP: HTTPConfig{
			Enabled:        !v.IsSet("http.enabled") || v.GetBool("http.enabled"),
			Port:           v.GetString("http.port"),
			ReadTimeout:    v.GetDuration("http.read_timeout"),
			WriteTimeout:   v.GetDuration("http.write_timeout"),
			IdleTimeout:    v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes: v.GetInt("http.max_header_bytes"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			LogsEnabled:       v.GetBool("telemetry.logs_enabled"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
		},
	}

	// Booleans that default to true need IsSet to tell "unset" from "false"
	if !v.IsSet("event.idempotency_enabled") {
		cfg.Event.IdempotencyEnabled = true
	}
	if !v.IsSet("event.processor_enabled") {
		cfg.Event.ProcessorEnabled = true
	}
	if !v.IsSet("event.cleanup_enabled") {
		cfg.Event.CleanupEnabled = true
	}
	// An explicit zero limit admits nothing
	if !v.IsSet("quota.limit") {
		cfg.Quota.Limit = 10
	}

	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "charityfund"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.EventSource == "" {
		cfg.App.EventSource = DefaultEventSource()
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "charityfund"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "debug"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Event.Transport == "" {
		cfg.Event.Transport = "redis"
	}
	if cfg.Event.InboundTopic == "" {
		cfg.Event.InboundTopic = "salesorder/created"
	}
	if cfg.Event.OutboundTopic == "" {
		cfg.Event.OutboundTopic = "Internal/Charityfund/Increased"
	}
	if cfg.Event.ConsumerGroup == "" {
		cfg.Event.ConsumerGroup = "charityfund"
	}
	if cfg.Event.ConsumerName == "" {
		cfg.Event.ConsumerName = hostname()
	}
	if cfg.Event.ConsumerConcurrency == 0 {
		cfg.Event.ConsumerConcurrency = 8
	}
	if cfg.Event.ReadBlock == 0 {
		cfg.Event.ReadBlock = 2 * time.Second
	}
	if cfg.Event.ClaimMinIdle == 0 {
		cfg.Event.ClaimMinIdle = 30 * time.Second
	}
	if cfg.Event.MaxDeliveries == 0 {
		cfg.Event.MaxDeliveries = 10
	}
	if cfg.Event.StreamMaxLen == 0 {
		cfg.Event.StreamMaxLen = 100000
	}
	if cfg.Event.IdempotencyTTL == 0 {
		cfg.Event.IdempotencyTTL = 24 * time.Hour
	}
	if cfg.Event.BatchSize == 0 {
		cfg.Event.BatchSize = 100
	}
	if cfg.Event.PollInterval == 0 {
		cfg.Event.PollInterval = time.Second
	}
	if cfg.Event.MaxRetries == 0 {
		cfg.Event.MaxRetries = 5
	}
	if cfg.Event.CleanupRetention == 0 {
		cfg.Event.CleanupRetention = 168 * time.Hour
	}
	if cfg.Pipeline.FetchTimeout == 0 {
		cfg.Pipeline.FetchTimeout = 10 * time.Second
	}
	if cfg.Pipeline.QuotaTimeout == 0 {
		cfg.Pipeline.QuotaTimeout = 5 * time.Second
	}
	if cfg.Pipeline.ConvertTimeout == 0 {
		cfg.Pipeline.ConvertTimeout = 10 * time.Second
	}
	if cfg.Pipeline.PublishTimeout == 0 {
		cfg.Pipeline.PublishTimeout = 5 * time.Second
	}
	if cfg.Pipeline.PublishAttempts == 0 {
		cfg.Pipeline.PublishAttempts = 3
	}
	if cfg.Pipeline.PublishBackoff == 0 {
		cfg.Pipeline.PublishBackoff = 50 * time.Millisecond
	}
	if cfg.S4.Timeout == 0 {
		cfg.S4.Timeout = 30 * time.Second
	}
	if cfg.Conversion.Timeout == 0 {
		cfg.Conversion.Timeout = 30 * time.Second
	}
	if cfg.HTTP.Port == "" {
		cfg.HTTP.Port = "8080"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "charityfund"
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Quota.Limit < 0 {
		return fmt.Errorf("quota.limit cannot be negative, got %d", c.Quota.Limit)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	switch c.Event.Transport {
	case "redis", "memory":
	default:
		return fmt.Errorf("event.transport must be 'redis' or 'memory', got %q", c.Event.Transport)
	}
	if c.Event.ConsumerConcurrency < 1 {
		return fmt.Errorf("event.consumer_concurrency must be positive")
	}

	if c.S4.BaseURL == "" {
		return fmt.Errorf("s4.base_url is required")
	}
	if c.Conversion.BaseURL == "" {
		return fmt.Errorf("conversion.base_url is required")
	}

	if c.App.Env == "production" {
		if c.Event.Transport == "memory" {
			return fmt.Errorf("event.transport cannot be 'memory' in production")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}
	if c.App.Env == "production" {
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
	}
	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// DefaultEventSource returns the source identifier used when none is configured
func DefaultEventSource() string {
	return "/default/cap.brain/" + hostname()
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}
