// Package config loads service configuration once at start: defaults, then
// an optional YAML file, then a .env file, then the process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/gatelog/gatelog/pkg/anchor"
)

// Config holds server configuration.
type Config struct {
	Port        string `yaml:"port" env:"PORT"`
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`
	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat   string `yaml:"log_format" env:"LOG_FORMAT"`
	PolicyFile  string `yaml:"policy_file" env:"POLICY_FILE"`

	Anchor    AnchorConfig    `yaml:"anchor"`
	Public    PublicConfig    `yaml:"public_ledger"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Object    ObjectConfig    `yaml:"object_ledger"`
	HTTP      HTTPConfig      `yaml:"http"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// AnchorConfig covers the relay, the local ledger, and the outbox worker.
type AnchorConfig struct {
	Mode          string        `yaml:"mode" env:"ANCHOR_MODE"`
	Timeout       time.Duration `yaml:"timeout" env:"ANCHOR_TIMEOUT"`
	LocalEndpoint string        `yaml:"local_endpoint" env:"LOCAL_LEDGER_ENDPOINT"`
	LocalTimeout  time.Duration `yaml:"local_timeout" env:"LOCAL_LEDGER_TIMEOUT"`
	PollInterval  time.Duration `yaml:"poll_interval" env:"ANCHOR_POLL_INTERVAL"`
	MaxAttempts   int           `yaml:"max_attempts" env:"ANCHOR_MAX_ATTEMPTS"`
	Concurrency   int           `yaml:"concurrency" env:"ANCHOR_CONCURRENCY"`
	Lease         time.Duration `yaml:"lease" env:"ANCHOR_LEASE"`
}

// PublicConfig covers the smart-contract ledger.
type PublicConfig struct {
	Enabled         bool          `yaml:"enabled" env:"PUBLIC_LEDGER_ENABLED"`
	ProviderURL     string        `yaml:"provider_url" env:"PUBLIC_LEDGER_PROVIDER_URL"`
	ContractAddress string        `yaml:"contract_address" env:"CONTRACT_ADDRESS"`
	SigningKey      string        `yaml:"-"` // from SIGNING_CREDENTIAL, only when Enabled
	ABIPath         string        `yaml:"abi_path" env:"CONTRACT_ABI_PATH"`
	ReceiptTimeout  time.Duration `yaml:"receipt_timeout" env:"PUBLIC_LEDGER_RECEIPT_TIMEOUT"`
}

// KafkaConfig enables the Kafka sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `yaml:"topic" env:"KAFKA_TOPIC"`
}

// ObjectConfig enables the object sink when Bucket is set.
type ObjectConfig struct {
	Provider string `yaml:"provider" env:"OBJECT_LEDGER_PROVIDER"`
	Bucket   string `yaml:"bucket" env:"OBJECT_LEDGER_BUCKET"`
	Prefix   string `yaml:"prefix" env:"OBJECT_LEDGER_PREFIX"`
	Region   string `yaml:"region" env:"OBJECT_LEDGER_REGION"`
	Endpoint string `yaml:"endpoint" env:"OBJECT_LEDGER_ENDPOINT"`
}

// HTTPConfig covers the API boundary.
type HTTPConfig struct {
	RateLimitRPS   float64       `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	CORSOrigins    []string      `yaml:"cors_origins" env:"CORS_ORIGINS" envSeparator:","`
	RedisURL       string        `yaml:"redis_url" env:"REDIS_URL"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl" env:"IDEMPOTENCY_TTL"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace" env:"SHUTDOWN_GRACE"`
}

// MQTTConfig enables the MQTT adapter when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker" env:"MQTT_BROKER"`
	ClientID string `yaml:"client_id" env:"MQTT_CLIENT_ID"`
	Topic    string `yaml:"topic" env:"MQTT_TOPIC"`
	QoS      byte   `yaml:"qos" env:"MQTT_QOS"`
	Username string `yaml:"username" env:"MQTT_USERNAME"`
	Password string `yaml:"-" env:"MQTT_PASSWORD,unset"`
}

// TelemetryConfig covers OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled" env:"OTEL_ENABLED"`
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure     bool   `yaml:"insecure" env:"OTEL_EXPORTER_OTLP_INSECURE"`
	Environment  string `yaml:"environment" env:"DEPLOYMENT_ENVIRONMENT"`
}

// Default returns a configuration that boots a single-node development
// service against a local SQLite file and a local ledger on :8080.
func Default() *Config {
	return &Config{
		Port:        "3000",
		DatabaseURL: "sqlite://gatelog.db",
		LogLevel:    "info",
		LogFormat:   "text",
		Anchor: AnchorConfig{
			Mode:          "awaited",
			Timeout:       30 * time.Second,
			LocalEndpoint: "http://localhost:8080/mine",
			LocalTimeout:  5 * time.Second,
			PollInterval:  2 * time.Second,
			MaxAttempts:   8,
			Concurrency:   4,
			Lease:         5 * time.Minute,
		},
		Public: PublicConfig{
			ABIPath:        "contracts/EventRegistry.abi.json",
			ReceiptTimeout: 2 * time.Minute,
		},
		Kafka:  KafkaConfig{Topic: "gatelog.anchors"},
		Object: ObjectConfig{Provider: "s3", Prefix: "anchors/"},
		HTTP: HTTPConfig{
			RateLimitRPS:   50,
			RateLimitBurst: 100,
			IdempotencyTTL: 24 * time.Hour,
			ShutdownGrace:  15 * time.Second,
		},
		MQTT: MQTTConfig{ClientID: "gatelog", Topic: "gatelog/events", QoS: 1},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			Insecure:     true,
			Environment:  "development",
		},
	}
}

// signingCredentialEnv holds the public ledger private key. It is read, and
// then removed from the environment, only when the public ledger is enabled.
const signingCredentialEnv = "SIGNING_CREDENTIAL"

// Load builds the configuration. path names a YAML file; when empty the
// GATELOG_CONFIG variable is consulted, and no file is read if both are
// empty. dotenv names a .env file that may be absent.
func Load(path, dotenv string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("GATELOG_CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if dotenv != "" {
		// Existing environment variables win over .env entries.
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", dotenv, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Public.Enabled {
		cfg.Public.SigningKey = os.Getenv(signingCredentialEnv)
		_ = os.Unsetenv(signingCredentialEnv)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that cannot start the service.
func (c *Config) Validate() error {
	var errs []error

	switch c.Anchor.Mode {
	case "awaited", "queued":
	default:
		errs = append(errs, fmt.Errorf("ANCHOR_MODE must be awaited or queued, got %q", c.Anchor.Mode))
	}
	if c.Anchor.Timeout <= 0 {
		errs = append(errs, errors.New("ANCHOR_TIMEOUT must be positive"))
	}
	if c.Anchor.LocalEndpoint == "" {
		errs = append(errs, errors.New("LOCAL_LEDGER_ENDPOINT is required"))
	}
	if c.Anchor.MaxAttempts < 1 {
		errs = append(errs, errors.New("ANCHOR_MAX_ATTEMPTS must be at least 1"))
	}

	if c.Public.Enabled {
		if c.Public.ProviderURL == "" {
			errs = append(errs, errors.New("PUBLIC_LEDGER_PROVIDER_URL is required when the public ledger is enabled"))
		}
		if c.Public.ContractAddress == "" {
			errs = append(errs, errors.New("CONTRACT_ADDRESS is required when the public ledger is enabled"))
		}
		if c.Public.SigningKey == "" {
			errs = append(errs, errors.New("SIGNING_CREDENTIAL is required when the public ledger is enabled"))
		}
		if c.Public.ABIPath == "" {
			errs = append(errs, errors.New("CONTRACT_ABI_PATH is required when the public ledger is enabled"))
		}
		// An outbox job must finish its receipt wait inside its lease budget.
		if anchor.JobBudget(c.Anchor.Lease) <= c.Public.ReceiptTimeout {
			errs = append(errs, fmt.Errorf("ANCHOR_LEASE (%s) leaves a job budget of %s, not enough for PUBLIC_LEDGER_RECEIPT_TIMEOUT (%s)",
				c.Anchor.Lease, anchor.JobBudget(c.Anchor.Lease), c.Public.ReceiptTimeout))
		}
	}

	if c.Object.Bucket != "" {
		switch strings.ToLower(c.Object.Provider) {
		case "s3", "gcs":
		default:
			errs = append(errs, fmt.Errorf("OBJECT_LEDGER_PROVIDER must be s3 or gcs, got %q", c.Object.Provider))
		}
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set"))
	}
	if c.MQTT.Broker != "" && c.MQTT.Topic == "" {
		errs = append(errs, errors.New("MQTT_TOPIC is required when MQTT_BROKER is set"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Addr returns the listen address for Port.
func (c *Config) Addr() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}
