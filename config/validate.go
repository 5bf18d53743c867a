package config

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/agentpay/spendguard"
)

var (
	validLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validFormats = map[string]bool{"json": true, "console": true}
)

// Validate checks cfg and reports every problem at once.
func Validate(cfg Config) error {
	var errs []string

	if strings.TrimSpace(cfg.Redis.URL) == "" {
		errs = append(errs, "redis.url is required")
	}
	if strings.TrimSpace(cfg.Wallet.URL) == "" {
		errs = append(errs, "wallet.url is required")
	}
	if !validLevels[strings.ToLower(cfg.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level %q must be one of debug, info, warn, error", cfg.Log.Level))
	}
	if !validFormats[strings.ToLower(cfg.Log.Format)] {
		errs = append(errs, fmt.Sprintf("log.format %q must be json or console", cfg.Log.Format))
	}
	if cfg.Server.RateLimitRPS < 0 {
		errs = append(errs, "server.rate_limit_rps must not be negative")
	}
	if cfg.Payment.DefaultFeeSats < 0 {
		errs = append(errs, "payment.default_fee_sats must not be negative")
	}
	if cfg.Paywall.ReplayDelay < 0 {
		errs = append(errs, "paywall.replay_delay must not be negative")
	}

	if len(cfg.Agents) == 0 {
		errs = append(errs, "at least one agent is required")
	}
	ids := make(map[string]int)
	hashes := make(map[string]int)
	for i, a := range cfg.Agents {
		where := fmt.Sprintf("agents[%d]", i)
		if a.ID == "" {
			errs = append(errs, where+": id is required")
		} else if first, dup := ids[a.ID]; dup {
			errs = append(errs, fmt.Sprintf("duplicate agent id %q (first seen at agents[%d], again at %s)", a.ID, first, where))
		} else {
			ids[a.ID] = i
		}

		hash := strings.ToLower(a.TokenSHA256)
		if raw, err := hex.DecodeString(hash); err != nil || len(raw) != 32 {
			errs = append(errs, where+": token_sha256 must be 64 hex characters")
		} else if first, dup := hashes[hash]; dup {
			errs = append(errs, fmt.Sprintf("duplicate token_sha256 (first seen at agents[%d], again at %s)", first, where))
		} else {
			hashes[hash] = i
		}

		role := a.Caller().Role
		switch role {
		case spendguard.RoleAdmin, spendguard.RoleAgent, spendguard.RoleViewer:
		default:
			errs = append(errs, fmt.Sprintf("%s: role %q must be admin, agent or viewer", where, a.Role))
		}
		if a.PerTxCapSats < 0 || a.DailyCapSats < 0 {
			errs = append(errs, where+": caps must not be negative")
		} else if role.CanSpend() && (a.PerTxCapSats == 0 || a.DailyCapSats == 0) {
			errs = append(errs, where+": spending roles need per_tx_cap_sats and daily_cap_sats")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
