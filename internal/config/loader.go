package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"rcs/internal/constants"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	bindEnvVariables()
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if len(cfg.Pipeline.PunishActions) == 0 {
		cfg.Pipeline.PunishActions = DefaultPunishActions()
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// DefaultPunishActions is the threshold table used when none is configured.
func DefaultPunishActions() []PunishActionConfig {
	return []PunishActionConfig{
		{Level: 1, Action: "REFUSE_OPERATION"},
		{Level: 5, Action: "BAN_USER_LOGIN"},
		{Level: 10, Action: "BLOCK_USER"},
	}
}

func setDefaults() {
	viper.SetDefault("broker.type", "kafka")
	viper.SetDefault("broker.kafka.topics.occurrence_ingested", constants.TopicOccurrenceIngested)
	viper.SetDefault("broker.kafka.topics.rule_evaluation_requested", constants.TopicRuleEvaluationRequested)
	viper.SetDefault("broker.kafka.topics.occurrence_decided", constants.TopicOccurrenceDecided)
	viper.SetDefault("broker.kafka.prefetch", constants.DefaultPrefetchCount)
	viper.SetDefault("broker.kafka.retry.multiplier", 2.0)

	viper.SetDefault("cache.enabled", true)
	viper.SetDefault("cache.ttl_seconds", constants.DefaultCacheTTLSeconds)
	viper.SetDefault("cache.key_prefix", constants.CacheKeyPrefix)

	viper.SetDefault("pipeline.max_render_depth", constants.DefaultMaxRenderDepth)
	viper.SetDefault("pipeline.reconcile.enabled", true)
	viper.SetDefault("pipeline.reconcile.interval", constants.DefaultReconcileInterval)
	viper.SetDefault("pipeline.reconcile.stale_after", constants.DefaultReconcileStaleAfter)
	viper.SetDefault("pipeline.reconcile.max_redispatch", constants.DefaultMaxRedispatch)
	viper.SetDefault("pipeline.reconcile.batch_size", constants.DefaultLimit)
	viper.SetDefault("management.statistics.withdraw_events", constants.DefaultWithdrawEvents)
	viper.SetDefault("management.statistics.recharge_events", constants.DefaultRechargeEvents)

	viper.SetDefault("notification.timeout", constants.DefaultHTTPTimeout)
	viper.SetDefault("ingest.hash_algorithm", "sha256")
}

func bindEnvVariables() {
	viper.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")
	viper.BindEnv("broker.kafka.topics.occurrence_ingested", "BROKER_KAFKA_TOPICS_OCCURRENCE_INGESTED")
	viper.BindEnv("broker.kafka.topics.rule_evaluation_requested", "BROKER_KAFKA_TOPICS_RULE_EVALUATION_REQUESTED")
	viper.BindEnv("broker.kafka.topics.occurrence_decided", "BROKER_KAFKA_TOPICS_OCCURRENCE_DECIDED")
	viper.BindEnv("broker.kafka.topics.dlq", "BROKER_KAFKA_TOPICS_DLQ")
	viper.BindEnv("broker.kafka.prefetch", "BROKER_KAFKA_PREFETCH")

	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout_seconds", "SERVER_READ_TIMEOUT_SECONDS")
	viper.BindEnv("server.write_timeout_seconds", "SERVER_WRITE_TIMEOUT_SECONDS")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("management.auth.jwt_secret", "MANAGEMENT_AUTH_JWT_SECRET")
	viper.BindEnv("management.auth.issuer", "MANAGEMENT_AUTH_ISSUER")

	viper.BindEnv("notification.enabled", "NOTIFICATION_ENABLED")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Broker.Kafka.Brokers = brokers
		}
	}

	if otlpEndpoint := viper.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}

	return nil
}
