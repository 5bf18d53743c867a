// Package journal keeps a bounded, append-only log of caller activity.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentpay/spendguard/metrics"
)

const (
	// DefaultMaxEntries bounds the list length
	DefaultMaxEntries = 500
	// DefaultTTL bounds how long the list lives without new writes
	DefaultTTL = 7 * 24 * time.Hour

	listKey = "activity:log"
)

// Action names recorded in the journal
const (
	ActionPayInvoice      = "pay_invoice"
	ActionTransfer        = "transfer"
	ActionCreateInvoice   = "create_invoice"
	ActionInvoicePaid     = "invoice_paid"
	ActionInvoiceExpired  = "invoice_expired"
	ActionPaywallFetch    = "paywall_fetch"
	ActionPaywallPending  = "paywall_pending"
	ActionPaywallComplete = "paywall_complete"
	ActionBudgetReset     = "budget_reset"
	ActionStaleRecovery   = "stale_recovery"
)

// Entry is one immutable journal record
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	Agent      string    `json:"agent,omitempty"`
	Action     string    `json:"action"`
	Success    bool      `json:"success"`
	AmountSats int64     `json:"amountSats,omitempty"`
	Memo       string    `json:"memo,omitempty"`
	Reference  string    `json:"reference,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Journal appends to and reads from the activity list
type Journal struct {
	rdb        redis.UniversalClient
	maxEntries int64
	ttl        time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// Option configures a Journal
type Option func(*Journal)

// WithMaxEntries caps the number of retained entries
func WithMaxEntries(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.maxEntries = int64(n)
		}
	}
}

// WithTTL sets the list expiry, refreshed on every append
func WithTTL(ttl time.Duration) Option {
	return func(j *Journal) {
		if ttl > 0 {
			j.ttl = ttl
		}
	}
}

// WithClock overrides the timestamp source
func WithClock(now func() time.Time) Option {
	return func(j *Journal) {
		j.now = now
	}
}

// WithLogger sets the logger used for dropped writes
func WithLogger(logger *zap.Logger) Option {
	return func(j *Journal) {
		j.logger = logger
	}
}

// New creates a journal backed by rdb
func New(rdb redis.UniversalClient, opts ...Option) *Journal {
	j := &Journal{
		rdb:        rdb,
		maxEntries: DefaultMaxEntries,
		ttl:        DefaultTTL,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Append writes e to the head of the list and trims it.
func (j *Journal) Append(ctx context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = j.now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}

	pipe := j.rdb.TxPipeline()
	pipe.LPush(ctx, listKey, data)
	pipe.LTrim(ctx, listKey, 0, j.maxEntries-1)
	pipe.Expire(ctx, listKey, j.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	return nil
}

// Record appends e and swallows any failure. A journal write must never
// mask the outcome of the operation it describes. A nil Journal discards.
func (j *Journal) Record(ctx context.Context, e Entry) {
	if j == nil {
		return
	}
	if err := j.Append(ctx, e); err != nil {
		metrics.JournalWriteErrors.Inc()
		j.logger.Warn("dropped journal entry",
			zap.String("action", e.Action),
			zap.String("agent", e.Agent),
			zap.Error(err))
	}
}

// List returns up to limit entries, newest first. A non-empty agent filters
// to that caller's entries.
func (j *Journal) List(ctx context.Context, limit int, agent string) ([]Entry, error) {
	if limit <= 0 || int64(limit) > j.maxEntries {
		limit = int(j.maxEntries)
	}

	raw, err := j.rdb.LRange(ctx, listKey, 0, j.maxEntries-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	entries := make([]Entry, 0, limit)
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			j.logger.Warn("skipping malformed journal entry", zap.Error(err))
			continue
		}
		if agent != "" && e.Agent != agent {
			continue
		}
		entries = append(entries, e)
		if len(entries) == limit {
			break
		}
	}
	return entries, nil
}
