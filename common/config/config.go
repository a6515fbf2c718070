package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

type Config struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFile         string        `mapstructure:"log_file"`

	RedisAddress        string `mapstructure:"redis_address"`
	RedisPassword       string `mapstructure:"redis_password"`
	RedisDB             int    `mapstructure:"redis_db"`
	RedisKeyspaceEvents bool   `mapstructure:"redis_keyspace_events"`

	PayloadEncryptionKey string `mapstructure:"payload_encryption_key"`
	ExpirationKey        int64  `mapstructure:"expiration_key"` // retention TTL in seconds
	QueueLimit           int64  `mapstructure:"queue_limit"`
	HeaderPrefix         string `mapstructure:"header_prefix"`
	UserAgent            string `mapstructure:"user_agent"`

	InstanceID      string        `mapstructure:"instance_id"`
	RecoveryEnabled bool          `mapstructure:"recovery_enabled"`
	ClaimTTL        time.Duration `mapstructure:"claim_ttl"`
	JanitorSpec     string        `mapstructure:"janitor_spec"`

	MongoURI      string `mapstructure:"mongodb_uri"`
	MongoDatabase string `mapstructure:"mongodb_database"`

	KafkaBroker string `mapstructure:"kafka_broker"`
	KafkaTopic  string `mapstructure:"kafka_topic"`
	KafkaAuth   string `mapstructure:"kafka_auth"`
}

// Retention is how long terminal task keys are kept.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.ExpirationKey) * time.Second
}

// Load reads the configuration from the environment. LiftENV should run first
// so that a local .env file is visible.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("port", 8080)
	v.SetDefault("shutdown_timeout", "30s")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")

	v.SetDefault("redis_address", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_keyspace_events", true)

	v.SetDefault("payload_encryption_key", "")
	v.SetDefault("expiration_key", 604800)
	v.SetDefault("queue_limit", 1000)
	v.SetDefault("header_prefix", "X-LetItGo-Tasks")
	v.SetDefault("user_agent", "LetItGo-Tasks")

	v.SetDefault("instance_id", "")
	v.SetDefault("recovery_enabled", true)
	v.SetDefault("claim_ttl", "3m")
	v.SetDefault("janitor_spec", "@every 1m")

	v.SetDefault("mongodb_uri", "")
	v.SetDefault("mongodb_database", "letitgo")

	v.SetDefault("kafka_broker", "")
	v.SetDefault("kafka_topic", "tasks_timeline")
	v.SetDefault("kafka_auth", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// defaultInstanceID keeps the claim owner stable across restarts of the same
// host so a restarted process recovers its own tasks at once.
func defaultInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return uuid.NewString()
}

func (c *Config) Validate() error {
	var errs []error
	switch len(c.PayloadEncryptionKey) {
	case 16, 24, 32:
	default:
		errs = append(errs, errors.New("PAYLOAD_ENCRYPTION_KEY must be 16, 24 or 32 bytes"))
	}
	if c.ExpirationKey <= 0 {
		errs = append(errs, errors.New("EXPIRATION_KEY must be positive"))
	}
	if c.QueueLimit <= 0 {
		errs = append(errs, errors.New("QUEUE_LIMIT must be positive"))
	}
	if c.ClaimTTL <= 0 {
		errs = append(errs, errors.New("CLAIM_TTL must be positive"))
	}
	if c.KafkaAuth != "" && c.KafkaAuth != "msk-iam" {
		errs = append(errs, fmt.Errorf("KAFKA_AUTH %q is not supported", c.KafkaAuth))
	}
	return errors.Join(errs...)
}
