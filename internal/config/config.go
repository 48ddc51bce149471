package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var ErrEmptyEnvironmentVariable = errors.New("empty environment variable")

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	Store      StoreConfig
	Database   DatabaseConfig
	Auth       AuthConfig
	Kafka      KafkaConfig
	Redis      RedisConfig
	Transfer   TransferConfig
	Settlement SettlementConfig
	Fraud      FraudConfig
	WorkerPool WorkerPoolConfig
	Server     ServerConfig
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Driver string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string
	Username string
	Password string
	Name     string
}

// AuthConfig holds the API keys accepted on /v1 routes
type AuthConfig struct {
	APIKeys []string
}

// KafkaConfig holds Kafka/event streaming configuration.
// Empty Brokers disables the event publisher.
type KafkaConfig struct {
	Brokers            string
	EventsTopic        string
	ConfirmationsTopic string
	ConsumerGroup      string
}

// RedisConfig holds redis settings for the asynq queue and velocity windows.
// Empty Addr disables redis-backed velocity tracking.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// TransferConfig holds the external funds-transfer gateway settings.
// Empty GatewayURL selects the in-process simulator.
type TransferConfig struct {
	GatewayURL string
	APIKey     string
	Chain      string
	Timeout    time.Duration
}

// SettlementConfig controls broadcast and confirmation behaviour
type SettlementConfig struct {
	ConfirmationWindow time.Duration
	PollInterval       time.Duration
	BroadcastRetries   int
	LateAfter          time.Duration
	ReconcileInterval  time.Duration
}

// FraudConfig controls the fraud scorer windows
type FraudConfig struct {
	VelocityWindow time.Duration
	VelocityLimit  int
	DisputeWindow  time.Duration
}

// WorkerPoolConfig holds worker pool configuration for event processing
type WorkerPoolConfig struct {
	ConfirmationWorkers int
	JobConcurrency      int
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int
}

// Load reads and validates all required environment variables
func Load() (*Config, error) {
	// Load env.local in non-production environments
	if os.Getenv("GO_ENV") != "production" {
		if err := godotenv.Load("env.local"); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env.local: %w", err)
		}
	}

	cfg := &Config{}
	var err error

	cfg.Store.Driver = getEnvWithDefault("STORE_DRIVER", StoreDriverPostgres)
	switch cfg.Store.Driver {
	case StoreDriverPostgres:
		if cfg.Database.Host, err = requireEnv("DB_HOST"); err != nil {
			return nil, err
		}
		if cfg.Database.Username, err = requireEnv("DB_USERNAME"); err != nil {
			return nil, err
		}
		if cfg.Database.Password, err = requireEnv("DB_PASSWORD"); err != nil {
			return nil, err
		}
		if cfg.Database.Name, err = requireEnv("DB_NAME"); err != nil {
			return nil, err
		}
	case StoreDriverMemory:
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.Store.Driver)
	}

	// Auth configuration
	apiKeys, err := requireEnv("API_KEYS")
	if err != nil {
		return nil, err
	}
	cfg.Auth.APIKeys = splitList(apiKeys)

	// Kafka configuration
	cfg.Kafka.Brokers = os.Getenv("KAFKA_BROKERS")
	cfg.Kafka.EventsTopic = getEnvWithDefault("KAFKA_EVENTS_TOPIC", "x402-events")
	cfg.Kafka.ConfirmationsTopic = getEnvWithDefault("KAFKA_CONFIRMATIONS_TOPIC", "x402-transfer-confirmations")
	cfg.Kafka.ConsumerGroup = getEnvWithDefault("KAFKA_CONSUMER_GROUP", "x402-settlement")

	// Redis configuration
	cfg.Redis.Addr = os.Getenv("REDIS_ADDR")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	if cfg.Redis.DB, err = getIntWithDefault("REDIS_DB", 0); err != nil {
		return nil, err
	}

	// Transfer gateway configuration
	cfg.Transfer.GatewayURL = os.Getenv("TRANSFER_GATEWAY_URL")
	cfg.Transfer.APIKey = os.Getenv("TRANSFER_API_KEY")
	cfg.Transfer.Chain = getEnvWithDefault("TRANSFER_CHAIN", "bsc")
	if cfg.Transfer.Timeout, err = getDurationWithDefault("TRANSFER_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	// Settlement configuration
	if cfg.Settlement.ConfirmationWindow, err = getDurationWithDefault("SETTLEMENT_CONFIRMATION_WINDOW", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.Settlement.PollInterval, err = getDurationWithDefault("SETTLEMENT_POLL_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.Settlement.BroadcastRetries, err = getIntWithDefault("SETTLEMENT_BROADCAST_RETRIES", 5); err != nil {
		return nil, err
	}
	if cfg.Settlement.LateAfter, err = getDurationWithDefault("SETTLEMENT_LATE_AFTER", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Settlement.ReconcileInterval, err = getDurationWithDefault("SETTLEMENT_RECONCILE_INTERVAL", time.Minute); err != nil {
		return nil, err
	}

	// Fraud configuration
	if cfg.Fraud.VelocityWindow, err = getDurationWithDefault("FRAUD_VELOCITY_WINDOW", time.Hour); err != nil {
		return nil, err
	}
	if cfg.Fraud.VelocityLimit, err = getIntWithDefault("FRAUD_VELOCITY_LIMIT", 20); err != nil {
		return nil, err
	}
	if cfg.Fraud.DisputeWindow, err = getDurationWithDefault("FRAUD_DISPUTE_WINDOW", 30*24*time.Hour); err != nil {
		return nil, err
	}

	// Worker pool configuration
	if cfg.WorkerPool.ConfirmationWorkers, err = getIntWithDefault("CONFIRMATION_WORKERS", 10); err != nil {
		return nil, err
	}
	if cfg.WorkerPool.JobConcurrency, err = getIntWithDefault("JOB_CONCURRENCY", 10); err != nil {
		return nil, err
	}

	// Server configuration
	serverPort, err := requireEnv("SERVER_PORT")
	if err != nil {
		return nil, err
	}
	cfg.Server.Port, err = strconv.Atoi(serverPort)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SERVER_PORT: %w", err)
	}

	return cfg, nil
}

// ConnectionString returns a PostgreSQL connection string
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s",
		c.Username, c.Password, c.Host, c.Name)
}

// requireEnv retrieves an environment variable or returns an error if empty
func requireEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%s is not set: %w", key, ErrEmptyEnvironmentVariable)
	}
	return value, nil
}

// getEnvWithDefault retrieves an environment variable or returns a default value
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getIntWithDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return n, nil
}

func getDurationWithDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return d, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
