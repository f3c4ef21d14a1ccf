// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL        string
	ChainID       int64
	PrivateKey    string // Hex-encoded, with or without 0x prefix
	TradeContract string // Escrow trade contract address
	StartBlock    uint64 // 0 = start watching from latest block
	PollInterval  time.Duration
	ConfirmWait   time.Duration // how long deposit/approval calls wait for mining

	// Tracing
	OTLPEndpoint string

	// Security
	RateLimitRPM   int
	AllowedOrigins []string
}

// Base Sepolia defaults
const (
	DefaultRPCURL       = "https://sepolia.base.org"
	DefaultChainID      = 84532 // Base Sepolia
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultRateLimit    = 120
	DefaultPollInterval = 15 * time.Second
	DefaultConfirmWait  = 90 * time.Second
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:    os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:         getEnv("RPC_URL", DefaultRPCURL),
		ChainID:        getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:     os.Getenv("PRIVATE_KEY"),
		TradeContract:  os.Getenv("TRADE_CONTRACT"),
		StartBlock:     uint64(getEnvInt64("START_BLOCK", 0)),
		PollInterval:   getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		ConfirmWait:    getEnvDuration("CONFIRM_WAIT", DefaultConfirmWait),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:   int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "*")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
// The escrow phase (on-chain coordination) is only enabled when
// TRADE_CONTRACT is set; negotiation works without it.
func (c *Config) Validate() error {
	if c.TradeContract != "" {
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required when TRADE_CONTRACT is set")
		}
		if !strings.HasPrefix(c.TradeContract, "0x") || len(c.TradeContract) != 42 {
			return fmt.Errorf("TRADE_CONTRACT must be a 0x-prefixed 20-byte address")
		}
	}

	if c.PrivateKey != "" {
		key := strings.TrimPrefix(c.PrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}

	return nil
}

// EscrowEnabled reports whether on-chain escrow coordination is configured.
func (c *Config) EscrowEnabled() bool {
	return c.TradeContract != "" && c.RPCURL != ""
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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
