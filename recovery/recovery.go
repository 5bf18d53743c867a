// Package recovery repairs wallet operations that fail because an internal
// spendable fragment carries a drifted time-lock.
//
// The repair is a self-transfer of the whole balance, which replaces every
// fragment with a fresh one, followed by exactly one retry of the original
// operation.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/agentpay/spendguard"
	"github.com/agentpay/spendguard/metrics"
)

// StaleMarkers are lower-case substrings of wallet errors caused by a
// fragment whose time-lock is no longer valid. Matching is a heuristic;
// tune the list rather than the callers.
var StaleMarkers = []string{
	"timelock",
	"time lock",
	"time-lock",
	"sequence number too low",
	"refund tx sequence",
	"leaf is expired",
	"node is expired",
	"non-final",
	"locktime",
}

// ErrStaleAfterRecovery is wrapped into the error returned when the retry
// after consolidation still hits a stale fragment
var ErrStaleAfterRecovery = errors.New("stale wallet fragment persisted after consolidation")

// IsStaleResourceError reports whether err looks like a stale-fragment failure
func IsStaleResourceError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range StaleMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Recoverer wraps wallet operations with the one-shot repair
type Recoverer struct {
	wallet spendguard.Wallet
	logger *zap.Logger
	// OnRecovery, if set, is called after each consolidation attempt
	OnRecovery func(ctx context.Context, consolidatedSats int64, err error)
}

// New creates a Recoverer for wallet
func New(wallet spendguard.Wallet, logger *zap.Logger) *Recoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recoverer{wallet: wallet, logger: logger}
}

// Consolidate self-transfers the full balance. It returns the amount moved;
// zero means the wallet was empty and nothing happened.
func (r *Recoverer) Consolidate(ctx context.Context) (int64, error) {
	balance, err := r.wallet.Balance(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance for consolidation: %w", err)
	}
	if balance.Sats <= 0 {
		return 0, nil
	}
	addr, err := r.wallet.Address(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read own address: %w", err)
	}
	if _, err := r.wallet.Transfer(ctx, addr, balance.Sats); err != nil {
		return 0, fmt.Errorf("consolidation transfer failed: %w", err)
	}
	return balance.Sats, nil
}

// Do runs op. If it fails with a stale-fragment error, Do consolidates and
// runs op once more. An empty wallet re-raises the original error; a second
// stale error is returned as a hard failure.
func Do[T any](ctx context.Context, r *Recoverer, op func(ctx context.Context) (T, error)) (T, error) {
	result, err := op(ctx)
	if err == nil || !IsStaleResourceError(err) {
		return result, err
	}

	r.logger.Warn("stale wallet fragment, consolidating", zap.Error(err))
	moved, cerr := r.Consolidate(ctx)
	if r.OnRecovery != nil {
		r.OnRecovery(ctx, moved, cerr)
	}
	if cerr != nil {
		metrics.StaleRecoveries.WithLabelValues("consolidation_failed").Inc()
		var zero T
		return zero, fmt.Errorf("%w (recovery failed: %v)", err, cerr)
	}
	if moved == 0 {
		metrics.StaleRecoveries.WithLabelValues("empty_wallet").Inc()
		var zero T
		return zero, err
	}

	result, err = op(ctx)
	if err != nil {
		if IsStaleResourceError(err) {
			metrics.StaleRecoveries.WithLabelValues("still_stale").Inc()
			var zero T
			return zero, fmt.Errorf("%w: %v", ErrStaleAfterRecovery, err)
		}
		metrics.StaleRecoveries.WithLabelValues("retry_failed").Inc()
		return result, err
	}
	metrics.StaleRecoveries.WithLabelValues("recovered").Inc()
	r.logger.Info("operation succeeded after consolidation", zap.Int64("consolidated_sats", moved))
	return result, nil
}
