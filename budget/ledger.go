// Package budget enforces per-caller spending limits against a shared Redis
// counter so that independent process instances agree on what has been spent.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentpay/spendguard"
	"github.com/agentpay/spendguard/metrics"
)

// DefaultRetention is how long a day's counter is kept after its last reservation
const DefaultRetention = 48 * time.Hour

// dayLayout names the UTC calendar day a counter belongs to
const dayLayout = "2006-01-02"

// reserveScript compares and increments in one step. Redis runs scripts
// atomically, so two concurrent reservations can never both squeeze under
// the cap.
//
// KEYS[1] counter key
// ARGV[1] amount, ARGV[2] daily cap, ARGV[3] retention seconds
// Returns {allowed (0|1), total}
var reserveScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
if current + amount > cap then
  return {0, current}
end
local total = redis.call('INCRBY', KEYS[1], amount)
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[3]))
return {1, total}
`)

// Reservation is the outcome of a reserve attempt
type Reservation struct {
	Allowed   bool            `json:"allowed"`
	SpentSats int64           `json:"spentSats"`
	CapSats   int64           `json:"capSats"`
	Day       string          `json:"day"`
	Kind      spendguard.Kind `json:"kind,omitempty"`
}

// Ledger reserves and releases daily spend
type Ledger struct {
	rdb       redis.UniversalClient
	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures a Ledger
type Option func(*Ledger)

// WithRetention sets how long a counter survives after its last reservation.
//
// Default: 48 hours
func WithRetention(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.retention = d
		}
	}
}

// WithClock overrides the time source used to pick the calendar day
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// NewLedger creates a ledger backed by rdb
func NewLedger(rdb redis.UniversalClient, opts ...Option) *Ledger {
	l := &Ledger{
		rdb:       rdb,
		retention: DefaultRetention,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Today returns the UTC calendar day used for new reservations
func (l *Ledger) Today() string {
	return l.now().UTC().Format(dayLayout)
}

func counterKey(callerID, day string) string {
	return fmt.Sprintf("spend:%s:%s", callerID, day)
}

// Reserve atomically checks amount against both caps and, if it fits,
// adds it to today's running total.
//
// Rejections are returned both as a Reservation with Allowed=false and as a
// *spendguard.Error, so callers can branch on either. A rejection never
// mutates the counter.
func (l *Ledger) Reserve(ctx context.Context, callerID string, amount, perTxCap, dailyCap int64) (Reservation, error) {
	day := l.Today()
	res := Reservation{Day: day, CapSats: dailyCap}

	if callerID == "" {
		res.Kind = spendguard.KindInvalidRequest
		metrics.BudgetReservations.WithLabelValues("invalid").Inc()
		return res, spendguard.NewError(spendguard.KindInvalidRequest, "caller id is required", nil)
	}
	if amount <= 0 || perTxCap <= 0 || dailyCap <= 0 {
		res.Kind = spendguard.KindInvalidAmount
		metrics.BudgetReservations.WithLabelValues("invalid").Inc()
		return res, spendguard.NewError(spendguard.KindInvalidAmount, "amount and caps must be positive integers", map[string]interface{}{
			"amount":   amount,
			"perTxCap": perTxCap,
			"dailyCap": dailyCap,
		})
	}

	key := counterKey(callerID, day)

	if amount > perTxCap {
		spent, err := l.get(ctx, key)
		if err != nil {
			return res, err
		}
		res.SpentSats = spent
		res.CapSats = perTxCap
		res.Kind = spendguard.KindTransactionTooLarge
		metrics.BudgetReservations.WithLabelValues("too_large").Inc()
		return res, spendguard.NewError(spendguard.KindTransactionTooLarge,
			fmt.Sprintf("amount %d exceeds per-transaction limit %d", amount, perTxCap),
			map[string]interface{}{"spentSats": spent, "capSats": perTxCap})
	}

	out, err := reserveScript.Run(ctx, l.rdb, []string{key}, amount, dailyCap, int64(l.retention/time.Second)).Int64Slice()
	if err != nil {
		return res, fmt.Errorf("failed to run reserve script: %w", err)
	}
	if len(out) != 2 {
		return res, fmt.Errorf("unexpected reserve script reply: %v", out)
	}

	res.SpentSats = out[1]
	if out[0] != 1 {
		res.Kind = spendguard.KindBudgetExceeded
		metrics.BudgetReservations.WithLabelValues("exceeded").Inc()
		l.logger.Info("budget exceeded",
			zap.String("agent", callerID),
			zap.Int64("amount_sats", amount),
			zap.Int64("spent_sats", res.SpentSats),
			zap.Int64("cap_sats", dailyCap))
		return res, spendguard.NewError(spendguard.KindBudgetExceeded,
			fmt.Sprintf("daily limit %d would be exceeded (spent %d, requested %d)", dailyCap, res.SpentSats, amount),
			map[string]interface{}{"spentSats": res.SpentSats, "capSats": dailyCap})
	}

	res.Allowed = true
	metrics.BudgetReservations.WithLabelValues("allowed").Inc()
	l.logger.Debug("budget reserved",
		zap.String("agent", callerID),
		zap.Int64("amount_sats", amount),
		zap.Int64("spent_sats", res.SpentSats))
	return res, nil
}

// Release gives back amount reserved today. See ReleaseOn.
func (l *Ledger) Release(ctx context.Context, callerID string, amount int64) error {
	return l.ReleaseOn(ctx, callerID, l.Today(), amount)
}

// ReleaseOn gives back amount reserved on day.
//
// This is a plain decrement, not part of the reserve script: a release racing
// a concurrent reservation may briefly expose the released amount as
// available. The counter is floored at zero.
func (l *Ledger) ReleaseOn(ctx context.Context, callerID, day string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	key := counterKey(callerID, day)

	total, err := l.rdb.DecrBy(ctx, key, amount).Result()
	if err != nil {
		return fmt.Errorf("failed to release budget: %w", err)
	}
	if total < 0 {
		pipe := l.rdb.TxPipeline()
		pipe.Set(ctx, key, 0, redis.KeepTTL)
		pipe.Expire(ctx, key, l.retention)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to floor budget counter: %w", err)
		}
	}

	metrics.BudgetReleases.Inc()
	l.logger.Debug("budget released",
		zap.String("agent", callerID),
		zap.String("day", day),
		zap.Int64("amount_sats", amount))
	return nil
}

// Spent returns today's running total for callerID
func (l *Ledger) Spent(ctx context.Context, callerID string) (int64, error) {
	return l.get(ctx, counterKey(callerID, l.Today()))
}

// Reset clears today's counter for callerID
func (l *Ledger) Reset(ctx context.Context, callerID string) error {
	if err := l.rdb.Del(ctx, counterKey(callerID, l.Today())).Err(); err != nil {
		return fmt.Errorf("failed to reset budget: %w", err)
	}
	l.logger.Info("budget reset", zap.String("agent", callerID))
	return nil
}

func (l *Ledger) get(ctx context.Context, key string) (int64, error) {
	v, err := l.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read budget counter: %w", err)
	}
	return v, nil
}
