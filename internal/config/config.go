package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/liamcoop/gamification/internal/logger"
)

// Config is read from the environment. Optional integrations are enabled by
// setting their address: an empty DATABASE_URL keeps rules and the execution
// log in memory, an empty REDIS_ADDR keeps rewards in memory, and so on.
type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	DatabaseURL string `envconfig:"DATABASE_URL"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	NATSURL     string `envconfig:"NATS_URL"`
	NATSSubject string `envconfig:"NATS_SUBJECT" default:"gamification.notifications"`

	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"domain-events"`
	KafkaGroupID string   `envconfig:"KAFKA_GROUP_ID" default:"gamification-engine"`

	SQSQueueURL string `envconfig:"SQS_QUEUE_URL"`
	SQSRegion   string `envconfig:"SQS_REGION" default:"us-east-1"`
	SQSEndpoint string `envconfig:"SQS_ENDPOINT"`

	SchemaFile        string        `envconfig:"SCHEMA_FILE"`
	RuleCacheTTL      time.Duration `envconfig:"RULE_CACHE_TTL" default:"30s"`
	ActionTimeout     time.Duration `envconfig:"ACTION_TIMEOUT" default:"5s"`
	EngineConcurrency int           `envconfig:"ENGINE_CONCURRENCY" default:"8"`
	GateTimezone      string        `envconfig:"GATE_TIMEZONE" default:"UTC"`
	ShutdownTimeout   time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	LogLevel      string `envconfig:"LOG_LEVEL" default:"INFO"`
	LogSampleRate int    `envconfig:"ERROR_SAMPLE_RATE" default:"100"`
	OTELEnabled   bool   `envconfig:"OTEL_ENABLED"`
	ServiceName   string `envconfig:"OTEL_SERVICE_NAME" default:"gamification"`
}

// Load reads and validates the configuration
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the server cannot start with
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT must not be empty")
	}
	if c.RuleCacheTTL <= 0 {
		return fmt.Errorf("RULE_CACHE_TTL must be positive, got %s", c.RuleCacheTTL)
	}
	if c.ActionTimeout <= 0 {
		return fmt.Errorf("ACTION_TIMEOUT must be positive, got %s", c.ActionTimeout)
	}
	if c.EngineConcurrency < 1 {
		return fmt.Errorf("ENGINE_CONCURRENCY must be at least 1, got %d", c.EngineConcurrency)
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	return nil
}

// Location returns the time zone month boundaries are computed in
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.GateTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid GATE_TIMEZONE %q: %w", c.GateTimezone, err)
	}
	return loc, nil
}
