package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	HTTP      HTTPConfig
	Broker    BrokerConfig
	Publisher PublisherConfig
	Outbox    OutboxConfig
	Consumer  ConsumerConfig
	Saga      SagaConfig
	Storage   StorageConfig
	Telemetry TelemetryConfig
	Profiling ProfilingConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host             string
	Port             int
	User             string
	Password         string
	DBName           string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  int // in minutes
	ConnMaxIdleTime  int // in minutes
	StatementTimeout time.Duration
	AutoMigrate      bool
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxHeaderBytes  int
	MaxBodySize     int64
	ShutdownTimeout time.Duration
}

// Broker drivers
const (
	BrokerRedis  = "redis"
	BrokerSQS    = "sqs"
	BrokerMemory = "memory"
)

// BrokerConfig selects and configures the message broker
type BrokerConfig struct {
	Driver         string // redis, sqs, memory
	StreamPrefix   string // redis stream name prefix
	Partitions     int    // number of per-entry ordered partitions
	BlockTimeout   time.Duration
	ClaimMinIdle   time.Duration // pending messages idle this long are redelivered
	MaxDeliveries  int
	RetryDelay     time.Duration // how long a nacked message waits before redelivery
	StreamMaxLen   int64
	SQSQueueURL    string
	SQSDLQURL      string
	SQSWaitSeconds int32
	SQSVisibility  int32
	AWSRegion      string
	AWSEndpoint    string
}

// PublisherConfig holds event publishing settings
type PublisherConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	Async       bool
	QueueSize   int
	Workers     int
}

// OutboxConfig holds background resend settings
type OutboxConfig struct {
	Enabled          bool
	BatchSize        int
	PollInterval     time.Duration
	MaxRetries       int
	CleanupEnabled   bool
	CleanupRetention time.Duration
}

// ConsumerConfig holds downstream consumer settings
type ConsumerConfig struct {
	Groups             []string // consumer groups run by this process
	ProjectionDBName   string   // database holding the projections; empty shares the ledger database
	MessageTimeout     time.Duration
	TaskWorkers        int
	TaskQueueSize      int
	IdempotencyTTL     time.Duration
	PayableAccounts    []string
	ReceivableAccounts []string
	InventoryAccounts  []string
}

// SagaConfig holds compensation settings
type SagaConfig struct {
	Enabled          bool
	MaxCompensations int
	ArchiveBucket    string
}

// StorageConfig holds S3-compatible object storage settings
type StorageConfig struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool
	CollectorEndpoint string
	SamplingRatio     float64
	ServiceName       string
	Insecure          bool
	MetricsInterval   time.Duration
	LogsEnabled       bool
	DBTraceEnabled    bool
	DBLogFullSQL      bool
	DBSlowQueryThresh time.Duration
}

// ProfilingConfig holds Pyroscope continuous profiling configuration
type ProfilingConfig struct {
	Enabled       bool
	ServerAddress string
	SpanProfiles  bool
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with LEDGER_ prefix (e.g., LEDGER_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/ledger")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("outbox.enabled", true)
	v.SetDefault("saga.enabled", true)

	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Host:             v.GetString("database.host"),
			Port:             v.GetInt("database.port"),
			User:             v.GetString("database.user"),
			Password:         v.GetString("database.password"),
			DBName:           v.GetString("database.dbname"),
			SSLMode:          v.GetString("database.sslmode"),
			MaxOpenConns:     v.GetInt("database.max_open_conns"),
			MaxIdleConns:     v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime:  v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime:  v.GetInt("database.conn_max_idle_time"),
			StatementTimeout: v.GetDuration("database.statement_timeout"),
			AutoMigrate:      v.GetBool("database.auto_migrate"),
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
		HTTP: HTTPConfig{
			ReadTimeout:     v.GetDuration("http.read_timeout"),
			WriteTimeout:    v.GetDuration("http.write_timeout"),
			IdleTimeout:     v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes:  v.GetInt("http.max_header_bytes"),
			MaxBodySize:     v.GetInt64("http.max_body_size"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
		},
		Broker: BrokerConfig{
			Driver:         v.GetString("broker.driver"),
			StreamPrefix:   v.GetString("broker.stream_prefix"),
			Partitions:     v.GetInt("broker.partitions"),
			BlockTimeout:   v.GetDuration("broker.block_timeout"),
			ClaimMinIdle:   v.GetDuration("broker.claim_min_idle"),
			MaxDeliveries:  v.GetInt("broker.max_deliveries"),
			RetryDelay:     v.GetDuration("broker.retry_delay"),
			StreamMaxLen:   v.GetInt64("broker.stream_max_len"),
			SQSQueueURL:    v.GetString("broker.sqs_queue_url"),
			SQSDLQURL:      v.GetString("broker.sqs_dlq_url"),
			SQSWaitSeconds: v.GetInt32("broker.sqs_wait_seconds"),
			SQSVisibility:  v.GetInt32("broker.sqs_visibility"),
			AWSRegion:      v.GetString("broker.aws_region"),
			AWSEndpoint:    v.GetString("broker.aws_endpoint"),
		},
		Publisher: PublisherConfig{
			MaxAttempts: v.GetInt("publisher.max_attempts"),
			BaseBackoff: v.GetDuration("publisher.base_backoff"),
			Async:       v.GetBool("publisher.async"),
			QueueSize:   v.GetInt("publisher.queue_size"),
			Workers:     v.GetInt("publisher.workers"),
		},
		Outbox: OutboxConfig{
			Enabled:          v.GetBool("outbox.enabled"),
			BatchSize:        v.GetInt("outbox.batch_size"),
			PollInterval:     v.GetDuration("outbox.poll_interval"),
			MaxRetries:       v.GetInt("outbox.max_retries"),
			CleanupEnabled:   v.GetBool("outbox.cleanup_enabled"),
			CleanupRetention: v.GetDuration("outbox.cleanup_retention"),
		},
		Consumer: ConsumerConfig{
			Groups:             v.GetStringSlice("consumer.groups"),
			ProjectionDBName:   v.GetString("consumer.projection_dbname"),
			MessageTimeout:     v.GetDuration("consumer.message_timeout"),
			TaskWorkers:        v.GetInt("consumer.task_workers"),
			TaskQueueSize:      v.GetInt("consumer.task_queue_size"),
			IdempotencyTTL:     v.GetDuration("consumer.idempotency_ttl"),
			PayableAccounts:    v.GetStringSlice("consumer.payable_accounts"),
			ReceivableAccounts: v.GetStringSlice("consumer.receivable_accounts"),
			InventoryAccounts:  v.GetStringSlice("consumer.inventory_accounts"),
		},
		Saga: SagaConfig{
			Enabled:          v.GetBool("saga.enabled"),
			MaxCompensations: v.GetInt("saga.max_compensations"),
			ArchiveBucket:    v.GetString("saga.archive_bucket"),
		},
		Storage: StorageConfig{
			Endpoint:        v.GetString("storage.endpoint"),
			Region:          v.GetString("storage.region"),
			AccessKeyID:     v.GetString("storage.access_key_id"),
			SecretAccessKey: v.GetString("storage.secret_access_key"),
			UsePathStyle:    v.GetBool("storage.use_path_style"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			MetricsInterval:   v.GetDuration("telemetry.metrics_interval"),
			LogsEnabled:       v.GetBool("telemetry.logs_enabled"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			DBLogFullSQL:      v.GetBool("telemetry.db_log_full_sql"),
			DBSlowQueryThresh: v.GetDuration("telemetry.db_slow_query_threshold"),
		},
		Profiling: ProfilingConfig{
			Enabled:       v.GetBool("profiling.enabled"),
			ServerAddress: v.GetString("profiling.server_address"),
			SpanProfiles:  v.GetBool("profiling.span_profiles"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "general-ledger"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
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
		cfg.Database.DBName = "ledger"
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
	if cfg.Database.StatementTimeout == 0 {
		cfg.Database.StatementTimeout = 5 * time.Second
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
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
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 1 << 20
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Broker.Driver == "" {
		cfg.Broker.Driver = BrokerRedis
	}
	if cfg.Broker.StreamPrefix == "" {
		cfg.Broker.StreamPrefix = "ledger.events"
	}
	if cfg.Broker.Partitions == 0 {
		cfg.Broker.Partitions = 8
	}
	if cfg.Broker.BlockTimeout == 0 {
		cfg.Broker.BlockTimeout = 2 * time.Second
	}
	if cfg.Broker.ClaimMinIdle == 0 {
		cfg.Broker.ClaimMinIdle = 30 * time.Second
	}
	if cfg.Broker.MaxDeliveries == 0 {
		cfg.Broker.MaxDeliveries = 5
	}
	if cfg.Broker.RetryDelay == 0 {
		cfg.Broker.RetryDelay = time.Second
	}
	if cfg.Broker.StreamMaxLen == 0 {
		cfg.Broker.StreamMaxLen = 100000
	}
	if cfg.Broker.SQSWaitSeconds == 0 {
		cfg.Broker.SQSWaitSeconds = 20
	}
	if cfg.Broker.SQSVisibility == 0 {
		cfg.Broker.SQSVisibility = 60
	}
	if cfg.Broker.AWSRegion == "" {
		cfg.Broker.AWSRegion = "us-east-1"
	}

	if cfg.Publisher.MaxAttempts == 0 {
		cfg.Publisher.MaxAttempts = 3
	}
	if cfg.Publisher.BaseBackoff == 0 {
		cfg.Publisher.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.Publisher.QueueSize == 0 {
		cfg.Publisher.QueueSize = 1024
	}
	if cfg.Publisher.Workers == 0 {
		cfg.Publisher.Workers = 4
	}

	if cfg.Outbox.BatchSize == 0 {
		cfg.Outbox.BatchSize = 100
	}
	if cfg.Outbox.PollInterval == 0 {
		cfg.Outbox.PollInterval = 5 * time.Second
	}
	if cfg.Outbox.MaxRetries == 0 {
		cfg.Outbox.MaxRetries = 5
	}
	if cfg.Outbox.CleanupRetention == 0 {
		cfg.Outbox.CleanupRetention = 168 * time.Hour
	}

	if len(cfg.Consumer.Groups) == 0 {
		cfg.Consumer.Groups = []string{"payables", "receivables", "inventory", "reporting"}
	}
	if cfg.Consumer.MessageTimeout == 0 {
		cfg.Consumer.MessageTimeout = 30 * time.Second
	}
	if cfg.Consumer.TaskWorkers == 0 {
		cfg.Consumer.TaskWorkers = 2
	}
	if cfg.Consumer.TaskQueueSize == 0 {
		cfg.Consumer.TaskQueueSize = 256
	}
	if cfg.Consumer.IdempotencyTTL == 0 {
		cfg.Consumer.IdempotencyTTL = 24 * time.Hour
	}

	if cfg.Saga.MaxCompensations == 0 {
		cfg.Saga.MaxCompensations = 3
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = cfg.Broker.AWSRegion
	}

	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = 60 * time.Second
	}
	if cfg.Telemetry.DBSlowQueryThresh == 0 {
		cfg.Telemetry.DBSlowQueryThresh = 200 * time.Millisecond
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
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

	switch c.Broker.Driver {
	case BrokerRedis, BrokerMemory:
	case BrokerSQS:
		if c.Broker.SQSQueueURL == "" {
			return fmt.Errorf("broker.sqs_queue_url is required for the sqs driver")
		}
	default:
		return fmt.Errorf("broker.driver must be one of redis, sqs, memory, got %q", c.Broker.Driver)
	}
	if c.Broker.Partitions < 1 {
		return fmt.Errorf("broker.partitions must be positive")
	}
	if c.Broker.MaxDeliveries < 1 {
		return fmt.Errorf("broker.max_deliveries must be positive")
	}
	if c.Publisher.MaxAttempts < 1 {
		return fmt.Errorf("publisher.max_attempts must be positive")
	}

	if c.App.Env == "production" {
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		if c.Broker.Driver == BrokerMemory {
			return fmt.Errorf("broker.driver=memory is not durable and cannot be used in production")
		}
		if c.Telemetry.DBLogFullSQL {
			return fmt.Errorf("telemetry.db_log_full_sql must be false in production to prevent sensitive data exposure in traces")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
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
