package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		Env:                "development",
		OraclePrivateKey:   testKey,
		ChainKey:           testKey,
		OraclePollInterval: 2 * time.Second,
		OracleWorkers:      4,
		SteamDailyQuota:    1000,
		DefaultDeadline:    5 * time.Minute,
		MinDeadline:        time.Minute,
		MaxDeadline:        10 * time.Minute,
	}
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "ORACLE_PRIVATE_KEY", testKey)
	setEnv(t, "PORT", "9090")
	setEnv(t, "ORACLE_POLL_INTERVAL", "500ms")
	setEnv(t, "STEAM_RPS", "2.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultSteamAPIURL, cfg.SteamAPIURL)
	assert.Equal(t, int64(DefaultSteamAppID), cfg.SteamAppID)
	assert.Equal(t, int64(DefaultSteamContextID), cfg.SteamContextID)
	assert.Equal(t, 500*time.Millisecond, cfg.OraclePollInterval)
	assert.Equal(t, 2.5, cfg.SteamRPS)
	assert.Equal(t, DefaultDeadline, cfg.DefaultDeadline)
	assert.Equal(t, testKey, cfg.ChainKey, "chain key defaults to oracle key")
	assert.True(t, cfg.UseMockEscrow())
}

func TestLoad_MissingOracleKey(t *testing.T) {
	setEnv(t, "ORACLE_PRIVATE_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ORACLE_PRIVATE_KEY is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "0x prefix accepted", mutate: func(c *Config) { c.OraclePrivateKey = "0x" + testKey }},
		{name: "short key", mutate: func(c *Config) { c.OraclePrivateKey = "abc123" }, wantErr: "64 hex characters"},
		{name: "non-hex key", mutate: func(c *Config) { c.OraclePrivateKey = "zz" + testKey[2:] }, wantErr: "64 hex characters"},
		{name: "bad chain key", mutate: func(c *Config) { c.ChainKey = "nope" }, wantErr: "CHAIN_PRIVATE_KEY"},
		{name: "rpc without contract", mutate: func(c *Config) { c.RPCURL = "https://sepolia.base.org" }, wantErr: "ESCROW_CONTRACT is required"},
		{name: "production needs rpc", mutate: func(c *Config) { c.Env = "production" }, wantErr: "RPC_URL is required in production"},
		{
			name: "production needs steam key",
			mutate: func(c *Config) {
				c.Env = "production"
				c.RPCURL = "https://base.org"
				c.EscrowContract = "0x1234567890123456789012345678901234567890"
			},
			wantErr: "STEAM_API_KEY",
		},
		{name: "inverted deadline bounds", mutate: func(c *Config) { c.MaxDeadline = 30 * time.Second }, wantErr: "deadline bounds"},
		{name: "default outside bounds", mutate: func(c *Config) { c.DefaultDeadline = time.Hour }, wantErr: "SETTLEMENT_DEFAULT_DEADLINE"},
		{name: "zero workers", mutate: func(c *Config) { c.OracleWorkers = 0 }, wantErr: "ORACLE_WORKERS"},
		{name: "zero quota", mutate: func(c *Config) { c.SteamDailyQuota = 0 }, wantErr: "STEAM_DAILY_QUOTA"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvHelpers(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")
	setEnv(t, "TEST_DUR", "3s")
	setEnv(t, "TEST_FLOAT", "0.5")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99))
	assert.Equal(t, 3*time.Second, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_INVALID", time.Second))
	assert.Equal(t, 0.5, getEnvFloat("TEST_FLOAT", 1))
	assert.Equal(t, 1.0, getEnvFloat("TEST_INVALID", 1))
}

func TestGetEnvListAndBool(t *testing.T) {
	setEnv(t, "TEST_LIST", " https://a.example , ,https://b.example")
	setEnv(t, "TEST_BOOL", "true")
	setEnv(t, "TEST_INVALID", "not_a_bool")

	assert.Equal(t, []string{"https://a.example", "https://b.example"}, getEnvList("TEST_LIST"))
	assert.Nil(t, getEnvList("NONEXISTENT_VAR"))
	assert.True(t, getEnvBool("TEST_BOOL", false))
	assert.False(t, getEnvBool("TEST_INVALID", false))
}
