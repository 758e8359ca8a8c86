package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Broker         BrokerConfig
	Logging        LoggingConfig
	Cache          CacheConfig
	Pipeline       PipelineConfig
	Notification   NotificationConfig
	Ingest         IngestConfig
	Management     ManagementConfig
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig
}

type ServerConfig struct {
	Port                int           `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration `mapstructure:"write_timeout_seconds"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig
	Redis         RedisConfig
	MongoDB       MongoDBConfig
	RunMigrations bool `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type BrokerConfig struct {
	Type  string      `mapstructure:"type"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers  []string     `mapstructure:"brokers"`
	GroupID  string       `mapstructure:"group_id"`
	Topics   TopicsConfig `mapstructure:"topics"`
	Prefetch int          `mapstructure:"prefetch"`
	Retry    RetryConfig  `mapstructure:"retry"`
}

type TopicsConfig struct {
	OccurrenceIngested      string `mapstructure:"occurrence_ingested"`
	RuleEvaluationRequested string `mapstructure:"rule_evaluation_requested"`
	OccurrenceDecided       string `mapstructure:"occurrence_decided"`
	DLQ                     string `mapstructure:"dlq"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type CacheConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
	KeyPrefix  string `mapstructure:"key_prefix"`
}

type PipelineConfig struct {
	PunishActions  []PunishActionConfig `mapstructure:"punish_actions"`
	MaxRenderDepth int                  `mapstructure:"max_render_depth"`
	Reconcile      ReconcileConfig      `mapstructure:"reconcile"`
}

// PunishActionConfig is one row of the threshold table: an occurrence whose
// hit punish level reaches Level is assigned Action.
type PunishActionConfig struct {
	Level  int    `mapstructure:"level"`
	Action string `mapstructure:"action"`
}

type ReconcileConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	MaxRedispatch int           `mapstructure:"max_redispatch"`
	BatchSize     int           `mapstructure:"batch_size"`
}

type NotificationConfig struct {
	Enabled   bool              `mapstructure:"enabled"`
	Timeout   time.Duration     `mapstructure:"timeout"`
	Endpoints map[string]string `mapstructure:"endpoints"`
	Retry     RetryConfig       `mapstructure:"retry"`
}

type IngestConfig struct {
	HashAlgorithm string          `mapstructure:"hash_algorithm"`
	RateLimit     RateLimitConfig `mapstructure:"rate_limit"`
}

type ManagementConfig struct {
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Statistics StatisticsConfig `mapstructure:"statistics"`
}

// StatisticsConfig names the events summed by the occurrence statistics
// endpoint.
type StatisticsConfig struct {
	WithdrawEvents []string `mapstructure:"withdraw_events"`
	RechargeEvents []string `mapstructure:"recharge_events"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`

	// KeyHeader buckets requests by this header, e.g. a tenant or API key.
	KeyHeader string `mapstructure:"key_header"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
