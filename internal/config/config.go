// Package config provides configuration structures and validation for the application.
// It handles environment-based configuration for all major components including
// the HTTP server, databases, the MQTT broker connection, payment gateways and
// the fiscal receipt service.
package config

import (
	"errors"
	"strings"
	"time"
)

// Config holds the complete application configuration with settings for all components.
// Each field represents a major subsystem's configuration and is validated during
// application startup.
type Config struct {
	Application ApplicationConfig
	Logging     LoggingConfig
	Server      ServerConfig
	Postgres    PostgresConfig
	MongoDB     MongoDBConfig
	Redis       RedisConfig
	MQTT        MQTTConfig
	Kafka       KafkaConfig
	Gateways    GatewaysConfig
	Fiscal      FiscalConfig
	WorkerPool  WorkerPoolConfig
}

// ApplicationConfig contains general application configuration
type ApplicationConfig struct {
	Env  string
	Name string
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level string
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port            int           // Port to listen on
	ShutdownTimeout time.Duration // Grace period for server shutdown
	ReadTimeout     time.Duration // Maximum duration for reading entire request
	WriteTimeout    time.Duration // Maximum duration for writing response
	IdleTimeout     time.Duration // Maximum duration to wait for next request
}

// PostgresConfig contains PostgreSQL configuration
type PostgresConfig struct {
	URL             string        // Database connection string
	MaxConns        int32         // Maximum number of open connections
	MinConns        int32         // Maximum number of idle connections
	ConnMaxLifetime time.Duration // Maximum lifetime of a connection
	ConnMaxIdleTime time.Duration // Maximum idle time of a connection
	MigrationsPath  string        // Path to migration files
}

// MongoDBConfig contains MongoDB configuration for the payment event audit store
type MongoDBConfig struct {
	URI             string
	Database        string
	Timeout         time.Duration
	MaxPoolSize     uint64
	MinPoolSize     uint64
	MaxConnIdleTime time.Duration
}

// RedisConfig contains Redis configuration. Redis backs the webhook staleness
// cache, the gateway public key cache and the per-invoice reconciliation lock.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig contains the broker connection settings for the device transport
type MQTTConfig struct {
	BrokerURL      string // e.g. tcp://broker:1883
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string // First segment of every device topic
	ConnectTimeout time.Duration
	CommandTimeout time.Duration // Default SendAndWait timeout
}

// KafkaConfig contains Kafka configuration for the fleet event stream
type KafkaConfig struct {
	Brokers           string
	FleetEventsTopic  string
	NumPartitions     int
	ReplicationFactor int
	MaxWait           time.Duration
}

// GatewaysConfig groups per-gateway client settings
type GatewaysConfig struct {
	LiqPay LiqPayConfig
	Mono   MonoConfig
}

// LiqPayConfig contains the HMAC form gateway endpoint settings.
// Merchant key pairs are stored per device, not here.
type LiqPayConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// MonoConfig contains the ECDSA JSON gateway endpoint settings.
// Merchant tokens are stored per device, not here.
type MonoConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	PubKeyCacheTTL time.Duration // TTL for the per-invoice public key cache
}

// FiscalConfig contains fiscal receipt service settings
type FiscalConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	MaxAttempts    int // Retry budget per receipt
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CutoffStart    string // Local time "HH:MM"; receipts are skipped inside the window
	CutoffEnd      string
}

// WorkerPoolConfig contains worker pool configuration for the receipt queue
type WorkerPoolConfig struct {
	Size int // Maximum number of workers in the pool
}

// validate performs comprehensive validation of all configuration values,
// ensuring they meet minimum requirements and logical constraints
func (c *Config) validate() error {
	var validationErrors []string

	// Validate Server config
	if c.Server.Port <= 0 {
		validationErrors = append(validationErrors, "SERVER_PORT must be greater than 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		validationErrors = append(validationErrors, "SERVER_SHUTDOWN_TIMEOUT must be greater than 0")
	}
	if c.Server.ReadTimeout <= 0 {
		validationErrors = append(validationErrors, "SERVER_READ_TIMEOUT must be greater than 0")
	}
	if c.Server.WriteTimeout <= 0 {
		validationErrors = append(validationErrors, "SERVER_WRITE_TIMEOUT must be greater than 0")
	}
	if c.Server.IdleTimeout <= 0 {
		validationErrors = append(validationErrors, "SERVER_IDLE_TIMEOUT must be greater than 0")
	}

	// Validate PostgreSQL config
	if c.Postgres.URL == "" {
		validationErrors = append(validationErrors, "POSTGRES_URL is required")
	}
	if c.Postgres.MaxConns <= 0 {
		validationErrors = append(validationErrors, "POSTGRES_MAX_CONNS must be greater than 0")
	}
	if c.Postgres.MinConns <= 0 {
		validationErrors = append(validationErrors, "POSTGRES_MIN_CONNS must be greater than 0")
	}
	if c.Postgres.ConnMaxLifetime <= 0 {
		validationErrors = append(validationErrors, "POSTGRES_MAX_CONN_LIFETIME must be greater than 0")
	}
	if c.Postgres.ConnMaxIdleTime <= 0 {
		validationErrors = append(validationErrors, "POSTGRES_MAX_CONN_IDLE_TIME must be greater than 0")
	}

	// Validate MongoDB config
	if c.MongoDB.URI == "" {
		validationErrors = append(validationErrors, "MONGO_URI is required")
	}
	if c.MongoDB.Database == "" {
		validationErrors = append(validationErrors, "MONGO_DATABASE is required")
	}
	if c.MongoDB.Timeout <= 0 {
		validationErrors = append(validationErrors, "MONGO_TIMEOUT must be greater than 0")
	}

	// Validate Redis config
	if c.Redis.Addr == "" {
		validationErrors = append(validationErrors, "REDIS_ADDR is required")
	}

	// Validate MQTT config
	if c.MQTT.BrokerURL == "" {
		validationErrors = append(validationErrors, "MQTT_BROKER_URL is required")
	}
	if c.MQTT.ClientID == "" {
		validationErrors = append(validationErrors, "MQTT_CLIENT_ID is required")
	}
	if c.MQTT.TopicPrefix == "" {
		validationErrors = append(validationErrors, "MQTT_TOPIC_PREFIX is required")
	}
	if c.MQTT.ConnectTimeout <= 0 {
		validationErrors = append(validationErrors, "MQTT_CONNECT_TIMEOUT must be greater than 0")
	}
	if c.MQTT.CommandTimeout <= 0 {
		validationErrors = append(validationErrors, "MQTT_COMMAND_TIMEOUT must be greater than 0")
	}

	// Validate Kafka config
	if len(c.Kafka.Brokers) == 0 {
		validationErrors = append(validationErrors, "KAFKA_BROKERS is required")
	}
	if c.Kafka.FleetEventsTopic == "" {
		validationErrors = append(validationErrors, "KAFKA_FLEET_EVENTS_TOPIC is required")
	}

	// Validate gateway config
	if c.Gateways.LiqPay.BaseURL == "" {
		validationErrors = append(validationErrors, "LIQPAY_BASE_URL is required")
	}
	if c.Gateways.Mono.BaseURL == "" {
		validationErrors = append(validationErrors, "MONO_BASE_URL is required")
	}
	if c.Gateways.Mono.PubKeyCacheTTL <= 0 {
		validationErrors = append(validationErrors, "MONO_PUBKEY_CACHE_TTL must be greater than 0")
	}

	// Validate fiscal config
	if c.Fiscal.MaxAttempts <= 0 {
		validationErrors = append(validationErrors, "FISCAL_MAX_ATTEMPTS must be greater than 0")
	}
	if c.Fiscal.InitialBackoff <= 0 {
		validationErrors = append(validationErrors, "FISCAL_INITIAL_BACKOFF must be greater than 0")
	}
	if c.Fiscal.MaxBackoff < c.Fiscal.InitialBackoff {
		validationErrors = append(validationErrors, "FISCAL_MAX_BACKOFF must be greater than or equal to FISCAL_INITIAL_BACKOFF")
	}

	// Validate WorkerPool config
	if c.WorkerPool.Size <= 0 {
		validationErrors = append(validationErrors, "WORKER_POOL_SIZE must be greater than 0")
	}

	if len(validationErrors) > 0 {
		return errors.New(strings.Join(validationErrors, ", "))
	}

	return nil
}

// CutoffWindow parses the fiscal cutoff boundaries. Invalid values disable
// the cutoff entirely rather than blocking receipt issuance.
func (c *FiscalConfig) CutoffWindow() (start, end time.Duration, ok bool) {
	start, err1 := parseClock(c.CutoffStart)
	end, err2 := parseClock(c.CutoffEnd)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return start, end, true
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
