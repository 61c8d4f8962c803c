// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Subscription registry (optional, uses in-memory if not set)

	// Node RPC
	NodeRPCURL           string
	NodeRPCUser          string
	NodeRPCPassword      string
	NodeMinConfirmations int64
	NodeRetryAttempts    int
	NodeRetryBackoff     time.Duration
	NodeTimeout          time.Duration

	// Escrow contract
	ServicerAddress string
	ContractScript  string
	ContractVersion string

	// Static fee fallbacks in satoshi
	ContractFee    int64
	ServiceFee     int64
	ArbitrationFee int64

	// Timers
	DefaultAppealCooldown time.Duration
	ExpirySweepInterval   time.Duration

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultNodeMinConfirmations = 1
	DefaultNodeRetryAttempts    = 3
	DefaultNodeRetryBackoff     = time.Second
	DefaultNodeTimeout          = 30 * time.Second
	DefaultContractScript       = "escrow/src/escrow.js"
	DefaultContractVersion      = "v1"
	DefaultContractFee          = 1000
	DefaultServiceFee           = 2000
	DefaultArbitrationFee       = 3000
	DefaultAppealCooldown       = 24 * time.Hour
	DefaultExpirySweepInterval  = 30 * time.Second
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisURL:              os.Getenv("REDIS_URL"),
		NodeRPCURL:            os.Getenv("NODE_RPC_URL"),
		NodeRPCUser:           os.Getenv("NODE_RPC_USER"),
		NodeRPCPassword:       os.Getenv("NODE_RPC_PASSWORD"),
		NodeMinConfirmations:  getEnvInt64("NODE_MIN_CONFIRMATIONS", DefaultNodeMinConfirmations),
		NodeRetryAttempts:     int(getEnvInt64("NODE_RETRY_ATTEMPTS", DefaultNodeRetryAttempts)),
		NodeRetryBackoff:      getEnvDuration("NODE_RETRY_BACKOFF", DefaultNodeRetryBackoff),
		NodeTimeout:           getEnvDuration("NODE_TIMEOUT", DefaultNodeTimeout),
		ServicerAddress:       os.Getenv("SERVICER_ADDRESS"),
		ContractScript:        getEnv("CONTRACT_SCRIPT", DefaultContractScript),
		ContractVersion:       getEnv("CONTRACT_VERSION", DefaultContractVersion),
		ContractFee:           getEnvInt64("CONTRACT_FEE", DefaultContractFee),
		ServiceFee:            getEnvInt64("SERVICE_FEE", DefaultServiceFee),
		ArbitrationFee:        getEnvInt64("ARBITRATION_FEE", DefaultArbitrationFee),
		DefaultAppealCooldown: getEnvDuration("APPEAL_COOLDOWN", DefaultAppealCooldown),
		ExpirySweepInterval:   getEnvDuration("EXPIRY_SWEEP_INTERVAL", DefaultExpirySweepInterval),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.NodeRPCURL == "" {
		return fmt.Errorf("NODE_RPC_URL is required")
	}
	if c.ServicerAddress == "" {
		return fmt.Errorf("SERVICER_ADDRESS is required")
	}
	if c.ContractFee < 0 || c.ServiceFee < 0 || c.ArbitrationFee < 0 {
		return fmt.Errorf("fee fallbacks must be non-negative")
	}
	if c.NodeRetryAttempts < 1 {
		return fmt.Errorf("NODE_RETRY_ATTEMPTS must be at least 1")
	}
	if c.NodeTimeout <= 0 {
		return fmt.Errorf("NODE_TIMEOUT must be positive")
	}
	if c.ExpirySweepInterval <= 0 {
		return fmt.Errorf("EXPIRY_SWEEP_INTERVAL must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
