// Package config loads the service configuration from YAML with
// environment overrides.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentpay/spendguard"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Redis    RedisConfig   `yaml:"redis"`
	Wallet   WalletConfig  `yaml:"wallet"`
	Log      LogConfig     `yaml:"log"`
	Payment  PaymentConfig `yaml:"payment"`
	Paywall  PaywallConfig `yaml:"paywall"`
	Journal  JournalConfig `yaml:"journal"`
	Invoices InvoiceConfig `yaml:"invoices"`
	Budget   BudgetConfig  `yaml:"budget"`
	Agents   []Agent       `yaml:"agents"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	EnableMCP       bool          `yaml:"enable_mcp"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	PoolSize int    `yaml:"pool_size"`
}

type WalletConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

type PaymentConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	PollAttempts   int           `yaml:"poll_attempts"`
	DefaultFeeSats int64         `yaml:"default_fee_sats"`
}

type PaywallConfig struct {
	ReplayAttempts int           `yaml:"replay_attempts"`
	ReplayDelay    time.Duration `yaml:"replay_delay"`
	PendingTTL     time.Duration `yaml:"pending_ttl"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type JournalConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

type InvoiceConfig struct {
	CleanupAfter time.Duration `yaml:"cleanup_after"`
}

type BudgetConfig struct {
	Retention time.Duration `yaml:"retention"`
}

// Agent is one credential allowed to call the service. Only the SHA-256
// of the bearer token is stored.
type Agent struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Role         string `yaml:"role"`
	TokenSHA256  string `yaml:"token_sha256"`
	PerTxCapSats int64  `yaml:"per_tx_cap_sats"`
	DailyCapSats int64  `yaml:"daily_cap_sats"`
	BudgetPool   string `yaml:"budget_pool"`
}

// Defaults returns a Config with every tunable set to its default.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimitRPS:    5,
			RateLimitBurst:  10,
			EnableMCP:       true,
		},
		Redis:  RedisConfig{URL: "redis://localhost:6379/0"},
		Wallet: WalletConfig{Timeout: 30 * time.Second},
		Log:    LogConfig{Level: "info", Format: "json"},
		Payment: PaymentConfig{
			PollInterval:   500 * time.Millisecond,
			PollAttempts:   15,
			DefaultFeeSats: 10,
		},
		Paywall: PaywallConfig{
			ReplayAttempts: 3,
			ReplayDelay:    time.Second,
			PendingTTL:     time.Hour,
			TokenTTL:       24 * time.Hour,
			RequestTimeout: 30 * time.Second,
		},
		Journal:  JournalConfig{MaxEntries: 500, TTL: 7 * 24 * time.Hour},
		Invoices: InvoiceConfig{CleanupAfter: 24 * time.Hour},
		Budget:   BudgetConfig{Retention: 48 * time.Hour},
	}
}

// Environment variables that override the file
const (
	EnvAddr         = "SPENDGUARD_ADDR"
	EnvRedisURL     = "REDIS_URL"
	EnvWalletURL    = "WALLET_URL"
	EnvWalletAPIKey = "WALLET_API_KEY"
	EnvLogLevel     = "LOG_LEVEL"
	EnvLogFormat    = "LOG_FORMAT"
	EnvRateLimitRPS = "SPENDGUARD_RATE_LIMIT_RPS"
)

// applyEnv overrides file values with non-empty environment variables.
func applyEnv(cfg *Config, getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.Addr, EnvAddr)
	set(&cfg.Redis.URL, EnvRedisURL)
	set(&cfg.Wallet.URL, EnvWalletURL)
	set(&cfg.Wallet.APIKey, EnvWalletAPIKey)
	set(&cfg.Log.Level, EnvLogLevel)
	set(&cfg.Log.Format, EnvLogFormat)
	if v := getenv(EnvRateLimitRPS); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Server.RateLimitRPS = rps
		}
	}
}

// FromEnv returns the defaults with environment overrides, for running
// without a config file.
func FromEnv() Config {
	cfg := Defaults()
	applyEnv(&cfg, os.Getenv)
	return cfg
}

// Caller converts the agent entry into the identity the engine enforces.
func (a Agent) Caller() spendguard.Caller {
	return spendguard.Caller{
		ID:           a.ID,
		Name:         a.Name,
		Role:         spendguard.Role(strings.ToLower(strings.TrimSpace(a.Role))),
		PerTxCapSats: a.PerTxCapSats,
		DailyCapSats: a.DailyCapSats,
		BudgetPool:   a.BudgetPool,
	}
}
