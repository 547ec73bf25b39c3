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
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // shared inventory cache (optional, uses in-memory if not set)

	// Steam
	SteamAPIKey         string
	SteamAPIURL         string
	SteamCommunityURL   string
	SteamAppID          int64
	SteamContextID      int64
	SteamDailyQuota     int64
	SteamRPS            float64
	SteamSessionID      string // sessionid cookie of the trade bot account
	SteamLoginSecure    string // steamLoginSecure cookie of the trade bot account
	SteamRequestTimeout time.Duration

	// Oracle
	OraclePrivateKey   string // Hex-encoded secp256k1, with or without 0x
	OraclePollInterval time.Duration
	OracleWorkers      int
	OracleFetchTimeout time.Duration

	// Escrow program
	RPCURL         string // empty selects the in-process mock escrow (development only)
	ChainID        int64
	ChainKey       string // submitter key, defaults to the oracle key
	EscrowContract string

	// Settlement
	DefaultDeadline       time.Duration
	MinDeadline           time.Duration
	MaxDeadline           time.Duration
	OwnershipMaxStaleness time.Duration

	// Security
	AdminSecret     string
	APIRateLimitRPM int
	CORSOrigins     []string // empty disables cross-origin access

	// Webhooks
	WebhookTimeout      time.Duration
	WebhookAllowPrivate bool // permit loopback/private endpoints (development only)

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultSteamAPIURL       = "https://api.steampowered.com"
	DefaultSteamCommunityURL = "https://steamcommunity.com"
	DefaultSteamAppID        = 730 // CS2
	DefaultSteamContextID    = 2
	DefaultSteamDailyQuota   = 100000
	DefaultSteamRPS          = 1.0
	DefaultChainID           = 84532 // Base Sepolia
	DefaultOracleWorkers     = 8
	DefaultAPIRateLimitRPM   = 120
)

var (
	DefaultPollInterval          = 2 * time.Second
	DefaultFetchTimeout          = 15 * time.Second
	DefaultSteamRequestTimeout   = 10 * time.Second
	DefaultDeadline              = 5 * time.Minute
	DefaultMinDeadline           = time.Minute
	DefaultMaxDeadline           = 10 * time.Minute
	DefaultOwnershipMaxStaleness = 10 * time.Minute
	DefaultWebhookTimeout        = 10 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisURL:              os.Getenv("REDIS_URL"),
		SteamAPIKey:           os.Getenv("STEAM_API_KEY"),
		SteamAPIURL:           getEnv("STEAM_API_URL", DefaultSteamAPIURL),
		SteamCommunityURL:     getEnv("STEAM_COMMUNITY_URL", DefaultSteamCommunityURL),
		SteamAppID:            getEnvInt64("STEAM_APP_ID", DefaultSteamAppID),
		SteamContextID:        getEnvInt64("STEAM_CONTEXT_ID", DefaultSteamContextID),
		SteamDailyQuota:       getEnvInt64("STEAM_DAILY_QUOTA", DefaultSteamDailyQuota),
		SteamRPS:              getEnvFloat("STEAM_RPS", DefaultSteamRPS),
		SteamSessionID:        os.Getenv("STEAM_SESSION_ID"),
		SteamLoginSecure:      os.Getenv("STEAM_LOGIN_SECURE"),
		SteamRequestTimeout:   getEnvDuration("STEAM_REQUEST_TIMEOUT", DefaultSteamRequestTimeout),
		OraclePrivateKey:      os.Getenv("ORACLE_PRIVATE_KEY"),
		OraclePollInterval:    getEnvDuration("ORACLE_POLL_INTERVAL", DefaultPollInterval),
		OracleWorkers:         int(getEnvInt64("ORACLE_WORKERS", DefaultOracleWorkers)),
		OracleFetchTimeout:    getEnvDuration("ORACLE_FETCH_TIMEOUT", DefaultFetchTimeout),
		RPCURL:                os.Getenv("RPC_URL"),
		ChainID:               getEnvInt64("CHAIN_ID", DefaultChainID),
		ChainKey:              os.Getenv("CHAIN_PRIVATE_KEY"),
		EscrowContract:        os.Getenv("ESCROW_CONTRACT"),
		DefaultDeadline:       getEnvDuration("SETTLEMENT_DEFAULT_DEADLINE", DefaultDeadline),
		MinDeadline:           getEnvDuration("SETTLEMENT_MIN_DEADLINE", DefaultMinDeadline),
		MaxDeadline:           getEnvDuration("SETTLEMENT_MAX_DEADLINE", DefaultMaxDeadline),
		OwnershipMaxStaleness: getEnvDuration("OWNERSHIP_MAX_STALENESS", DefaultOwnershipMaxStaleness),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		APIRateLimitRPM:       int(getEnvInt64("API_RATE_LIMIT_RPM", DefaultAPIRateLimitRPM)),
		CORSOrigins:           getEnvList("CORS_ALLOWED_ORIGINS"),
		WebhookTimeout:        getEnvDuration("WEBHOOK_TIMEOUT", DefaultWebhookTimeout),
		WebhookAllowPrivate:   getEnvBool("WEBHOOK_ALLOW_PRIVATE", false),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if cfg.ChainKey == "" {
		cfg.ChainKey = cfg.OraclePrivateKey
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.OraclePrivateKey == "" {
		return fmt.Errorf("ORACLE_PRIVATE_KEY is required")
	}
	if !validHexKey(c.OraclePrivateKey) {
		return fmt.Errorf("ORACLE_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}
	if c.ChainKey != "" && !validHexKey(c.ChainKey) {
		return fmt.Errorf("CHAIN_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL != "" && c.EscrowContract == "" {
		return fmt.Errorf("ESCROW_CONTRACT is required when RPC_URL is set")
	}
	if c.IsProduction() {
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required in production")
		}
		if c.SteamAPIKey == "" {
			return fmt.Errorf("STEAM_API_KEY is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.WebhookAllowPrivate {
			return fmt.Errorf("WEBHOOK_ALLOW_PRIVATE must not be set in production")
		}
	}

	if c.MinDeadline <= 0 || c.MaxDeadline < c.MinDeadline {
		return fmt.Errorf("settlement deadline bounds are invalid: min=%s max=%s", c.MinDeadline, c.MaxDeadline)
	}
	if c.DefaultDeadline < c.MinDeadline || c.DefaultDeadline > c.MaxDeadline {
		return fmt.Errorf("SETTLEMENT_DEFAULT_DEADLINE %s outside [%s, %s]", c.DefaultDeadline, c.MinDeadline, c.MaxDeadline)
	}
	if c.OraclePollInterval <= 0 {
		return fmt.Errorf("ORACLE_POLL_INTERVAL must be positive")
	}
	if c.OracleWorkers <= 0 {
		return fmt.Errorf("ORACLE_WORKERS must be positive")
	}
	if c.SteamDailyQuota <= 0 {
		return fmt.Errorf("STEAM_DAILY_QUOTA must be positive")
	}

	return nil
}

// UseMockEscrow reports whether the in-process escrow should be used.
func (c *Config) UseMockEscrow() bool {
	return c.RPCURL == ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func validHexKey(key string) bool {
	key = strings.TrimPrefix(key, "0x")
	if len(key) != 64 {
		return false
	}
	for _, r := range key {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
