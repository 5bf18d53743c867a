package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpay/spendguard"
)

const hashA = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
const hashB = "60303ae22b998861bce3b28f33eec1be758a213c86c93c076dbe9f558c11c752"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spendguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const sample = `
server:
  addr: ":9090"
  rate_limit_rps: 2
redis:
  url: redis://cache:6379/1
wallet:
  url: http://wallet:8787
  api_key: secret
payment:
  poll_interval: 250ms
  poll_attempts: 8
paywall:
  replay_attempts: 5
  pending_ttl: 2h
agents:
  - id: agent-1
    name: research bot
    role: agent
    token_sha256: ` + hashA + `
    per_tx_cap_sats: 1000
    daily_cap_sats: 5000
    budget_pool: team
  - id: ops
    role: viewer
    token_sha256: ` + hashB + `
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 2.0, cfg.Server.RateLimitRPS)
	assert.Equal(t, "redis://cache:6379/1", cfg.Redis.URL)
	assert.Equal(t, "secret", cfg.Wallet.APIKey)
	assert.Equal(t, 250*time.Millisecond, cfg.Payment.PollInterval)
	assert.Equal(t, 8, cfg.Payment.PollAttempts)
	assert.Equal(t, 5, cfg.Paywall.ReplayAttempts)
	assert.Equal(t, 2*time.Hour, cfg.Paywall.PendingTTL)

	// untouched sections keep defaults
	assert.Equal(t, 24*time.Hour, cfg.Paywall.TokenTTL)
	assert.Equal(t, int64(10), cfg.Payment.DefaultFeeSats)
	assert.Equal(t, "json", cfg.Log.Format)

	require.Len(t, cfg.Agents, 2)
	caller := cfg.Agents[0].Caller()
	assert.Equal(t, spendguard.RoleAgent, caller.Role)
	assert.Equal(t, "pool:team", caller.BudgetID())
	require.NoError(t, Validate(cfg))
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvRedisURL, "redis://override:6379/0")
	t.Setenv(EnvWalletAPIKey, "from-env")
	t.Setenv(EnvLogFormat, "console")
	t.Setenv(EnvRateLimitRPS, "not-a-number")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "redis://override:6379/0", cfg.Redis.URL)
	assert.Equal(t, "from-env", cfg.Wallet.APIKey)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 2.0, cfg.Server.RateLimitRPS)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")

	_, err = Load(writeConfig(t, "agents: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoadZeroedTunablesFallBack(t *testing.T) {
	cfg, err := Load(writeConfig(t, "payment:\n  poll_attempts: 0\njournal:\n  max_entries: -1\n"))
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.Payment.PollAttempts)
	assert.Equal(t, 500, cfg.Journal.MaxEntries)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Defaults()
		cfg.Wallet.URL = "http://wallet"
		cfg.Agents = []Agent{{ID: "a", Role: "agent", TokenSHA256: hashA, PerTxCapSats: 10, DailyCapSats: 100}}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing wallet", func(c *Config) { c.Wallet.URL = "" }, "wallet.url is required"},
		{"no agents", func(c *Config) { c.Agents = nil }, "at least one agent"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad hash", func(c *Config) { c.Agents[0].TokenSHA256 = "abc" }, "64 hex characters"},
		{"bad role", func(c *Config) { c.Agents[0].Role = "root" }, `role "root"`},
		{"agent without caps", func(c *Config) { c.Agents[0].DailyCapSats = 0 }, "spending roles need"},
		{"negative caps", func(c *Config) { c.Agents[0].PerTxCapSats = -1 }, "must not be negative"},
		{"viewer without caps", func(c *Config) {
			c.Agents[0].Role = "viewer"
			c.Agents[0].PerTxCapSats = 0
			c.Agents[0].DailyCapSats = 0
		}, ""},
		{"duplicate id", func(c *Config) {
			c.Agents = append(c.Agents, Agent{ID: "a", Role: "viewer", TokenSHA256: hashB})
		}, `duplicate agent id "a"`},
		{"duplicate hash", func(c *Config) {
			c.Agents = append(c.Agents, Agent{ID: "b", Role: "viewer", TokenSHA256: strings.ToUpper(hashA)})
		}, "duplicate token_sha256"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Redis.URL = ""
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis.url is required")
	assert.Contains(t, err.Error(), "wallet.url is required")
	assert.Contains(t, err.Error(), "at least one agent")
}

func TestLoaderReload(t *testing.T) {
	path := writeConfig(t, sample)
	loader, err := NewLoader(path)
	require.NoError(t, err)
	require.Len(t, loader.Config().Agents, 2)

	var seen []Config
	loader.OnChange(func(cfg Config) { seen = append(seen, cfg) })
	var failures []error
	loader.OnError(func(err error) { failures = append(failures, err) })

	trimmed := strings.Split(sample, "  - id: ops")[0]
	require.NoError(t, os.WriteFile(path, []byte(trimmed), 0o600))
	require.NoError(t, loader.Reload())
	assert.Len(t, loader.Config().Agents, 1)
	require.Len(t, seen, 1)

	// invalid content keeps the last good config
	require.NoError(t, os.WriteFile(path, []byte("agents: []\nwallet:\n  url: http://w\n"), 0o600))
	require.Error(t, loader.Reload())
	assert.Len(t, loader.Config().Agents, 1)
	assert.Len(t, seen, 1)
	assert.Len(t, failures, 1)
}

func TestLoaderWatch(t *testing.T) {
	path := writeConfig(t, sample)
	loader, err := NewLoader(path)
	require.NoError(t, err)

	stop, err := loader.Watch()
	require.NoError(t, err)
	defer stop()

	updated := strings.Replace(sample, "daily_cap_sats: 5000", "daily_cap_sats: 9000", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	require.Eventually(t, func() bool {
		return loader.Config().Agents[0].DailyCapSats == 9000
	}, 2*time.Second, 10*time.Millisecond)

	stop()
	stop()
}

func TestNewLoaderRejectsInvalid(t *testing.T) {
	_, err := NewLoader(writeConfig(t, "wallet:\n  url: http://w\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation errors")
}
