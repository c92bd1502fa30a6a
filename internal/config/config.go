package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Store drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Re-import policies
const (
	ReimportReset    = "reset"
	ReimportPreserve = "preserve"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	LogLevel    string
	Store       StoreConfig
	RabbitMQ    RabbitMQConfig
	Import      ImportConfig
	Verify      VerifyConfig
}

// StoreConfig selects and configures the storage backend
type StoreConfig struct {
	Driver      string
	DatabaseURL string
	SQLitePath  string
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL              string
	ImportExchange   string
	ImportQueue      string
	ImportRoutingKey string
	EventsExchange   string
	DLQQueue         string
	PrefetchCount    int
}

// ImportConfig holds ingest and synchronization settings
type ImportConfig struct {
	MaxDiagnostics int
	ReimportPolicy string
}

// VerifyConfig holds verification session settings
type VerifyConfig struct {
	CommitAttempts int
	AutoAdvance    bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "meter-verification-worker"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Store: StoreConfig{
			Driver:      strings.ToLower(getEnv("STORE_DRIVER", DriverPostgres)),
			DatabaseURL: getEnv("DATABASE_URL", ""),
			SQLitePath:  getEnv("SQLITE_PATH", "meters.db"),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			ImportExchange:   getEnv("RABBITMQ_IMPORT_EXCHANGE", "meter-verification.import.exchange"),
			ImportQueue:      getEnv("RABBITMQ_IMPORT_QUEUE", "meter-verification.import.queue"),
			ImportRoutingKey: getEnv("RABBITMQ_IMPORT_ROUTING_KEY", "meter.file.uploaded"),
			EventsExchange:   getEnv("RABBITMQ_EVENTS_EXCHANGE", "meter-verification.events.exchange"),
			DLQQueue:         getEnv("RABBITMQ_DLQ_QUEUE", "meter-verification.import.dlq"),
			PrefetchCount:    getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Import: ImportConfig{
			MaxDiagnostics: getEnvAsInt("IMPORT_MAX_DIAGNOSTICS", 20),
			ReimportPolicy: strings.ToLower(getEnv("IMPORT_REIMPORT_POLICY", ReimportReset)),
		},
		Verify: VerifyConfig{
			CommitAttempts: getEnvAsInt("VERIFY_COMMIT_ATTEMPTS", 3),
			AutoAdvance:    getEnvAsBool("VERIFY_AUTO_ADVANCE", false),
		},
	}

	if err := cfg.validateStore(); err != nil {
		return nil, err
	}
	switch cfg.Import.ReimportPolicy {
	case ReimportReset, ReimportPreserve:
	default:
		return nil, eris.Errorf("IMPORT_REIMPORT_POLICY must be %q or %q, got %q",
			ReimportReset, ReimportPreserve, cfg.Import.ReimportPolicy)
	}

	return cfg, nil
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return eris.New("DATABASE_URL is required but not set in environment variables")
		}
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return eris.New("SQLITE_PATH is required when STORE_DRIVER=sqlite")
		}
	case DriverMemory:
	default:
		return eris.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	return nil
}

// RequireRabbitMQ reports an error when the broker URL is missing. Only the
// worker needs a broker.
func (c *Config) RequireRabbitMQ() error {
	if c.RabbitMQ.URL == "" {
		return eris.New("RABBITMQ_URL is required but not set in environment variables")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
