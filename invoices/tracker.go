// Package invoices tracks receive-side invoices until they are paid, expire,
// or age out, reconciling lazily against the wallet's transfer history.
package invoices

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentpay/spendguard"
	"github.com/agentpay/spendguard/bolt11"
	"github.com/agentpay/spendguard/journal"
)

const (
	// DefaultCleanupAfter drops invoices older than this regardless of expiry
	DefaultCleanupAfter = 24 * time.Hour
	// DefaultScanLimit is how many recent transfers a reconciliation inspects
	DefaultScanLimit = 100

	hashKey = "invoices:pending"
)

// PendingInvoice is an outstanding receive request
type PendingInvoice struct {
	Reference     string                 `json:"reference"`
	Invoice       string                 `json:"invoice"`
	Kind          spendguard.InvoiceKind `json:"kind"`
	PaymentHash   string                 `json:"paymentHash,omitempty"`
	AmountSats    int64                  `json:"amountSats"`
	Memo          string                 `json:"memo,omitempty"`
	Agent         string                 `json:"agent,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
	ExpirySeconds int64                  `json:"expirySeconds"`
}

// ExpiresAt returns when the invoice stops being payable
func (p PendingInvoice) ExpiresAt() time.Time {
	return p.CreatedAt.Add(time.Duration(p.ExpirySeconds) * time.Second)
}

// FromInvoice builds a PendingInvoice for a freshly created wallet invoice.
// Lightning invoices get their payment hash from the encoding when the
// wallet did not report one. A missing creation time is stamped by Add.
func FromInvoice(inv spendguard.Invoice, agent string) PendingInvoice {
	p := PendingInvoice{
		Reference:     inv.ID,
		Invoice:       inv.Encoded,
		Kind:          inv.Kind,
		PaymentHash:   inv.PaymentHash,
		AmountSats:    inv.AmountSats,
		Memo:          inv.Memo,
		Agent:         agent,
		CreatedAt:     inv.CreatedAt,
		ExpirySeconds: inv.ExpirySeconds,
	}
	if p.Reference == "" {
		p.Reference = inv.Encoded
	}
	if inv.Kind != spendguard.InvoiceNative {
		if decoded, err := bolt11.Decode(inv.Encoded); err == nil {
			if p.PaymentHash == "" {
				p.PaymentHash = decoded.PaymentHash
			}
			if p.ExpirySeconds == 0 {
				p.ExpirySeconds = int64(decoded.Expiry / time.Second)
			}
		}
	}
	if p.ExpirySeconds == 0 {
		p.ExpirySeconds = int64(bolt11.DefaultExpiry / time.Second)
	}
	return p
}

// Reconciliation is the result of one reconcile pass
type Reconciliation struct {
	Paid    []PendingInvoice `json:"paid"`
	Expired []PendingInvoice `json:"expired"`
	Pending []PendingInvoice `json:"pending"`
}

// Tracker owns the pending-invoice hash
type Tracker struct {
	rdb          redis.UniversalClient
	wallet       spendguard.Wallet
	journal      *journal.Journal
	cleanupAfter time.Duration
	scanLimit    int
	now          func() time.Time
	logger       *zap.Logger
}

// Option configures a Tracker
type Option func(*Tracker)

// WithCleanupAfter sets the hard age cutoff
func WithCleanupAfter(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.cleanupAfter = d
		}
	}
}

// WithScanLimit sets how many transfers each reconciliation inspects
func WithScanLimit(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.scanLimit = n
		}
	}
}

// WithJournal records paid and expired invoices
func WithJournal(j *journal.Journal) Option {
	return func(t *Tracker) {
		t.journal = j
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// NewTracker creates a tracker
func NewTracker(rdb redis.UniversalClient, wallet spendguard.Wallet, opts ...Option) *Tracker {
	t := &Tracker{
		rdb:          rdb,
		wallet:       wallet,
		cleanupAfter: DefaultCleanupAfter,
		scanLimit:    DefaultScanLimit,
		now:          time.Now,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Add starts tracking inv
func (t *Tracker) Add(ctx context.Context, inv PendingInvoice) error {
	if inv.Reference == "" {
		return fmt.Errorf("pending invoice needs a reference")
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = t.now().UTC()
	}
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to marshal pending invoice: %w", err)
	}
	if err := t.rdb.HSet(ctx, hashKey, inv.Reference, data).Err(); err != nil {
		return fmt.Errorf("failed to store pending invoice: %w", err)
	}
	return nil
}

// Reconcile matches every tracked invoice against recent wallet transfers
// and drops the ones that were paid, expired, or aged out.
func (t *Tracker) Reconcile(ctx context.Context) (Reconciliation, error) {
	var rec Reconciliation

	raw, err := t.rdb.HGetAll(ctx, hashKey).Result()
	if err != nil {
		return rec, fmt.Errorf("failed to read pending invoices: %w", err)
	}
	if len(raw) == 0 {
		return rec, nil
	}

	var stale []string
	tracked := make([]PendingInvoice, 0, len(raw))
	for ref, item := range raw {
		var inv PendingInvoice
		if err := json.Unmarshal([]byte(item), &inv); err != nil {
			t.logger.Warn("dropping malformed pending invoice", zap.String("reference", ref), zap.Error(err))
			stale = append(stale, ref)
			continue
		}
		tracked = append(tracked, inv)
	}

	byHash, byInvoice := t.incomingIndex(ctx)
	now := t.now()

	for _, inv := range tracked {
		switch {
		case inv.PaymentHash != "" && byHash[strings.ToLower(inv.PaymentHash)]:
			rec.Paid = append(rec.Paid, inv)
		case byInvoice[inv.Invoice]:
			rec.Paid = append(rec.Paid, inv)
		case now.After(inv.ExpiresAt()), now.Sub(inv.CreatedAt) > t.cleanupAfter:
			rec.Expired = append(rec.Expired, inv)
		default:
			rec.Pending = append(rec.Pending, inv)
		}
	}

	for _, inv := range rec.Paid {
		stale = append(stale, inv.Reference)
		t.record(ctx, journal.ActionInvoicePaid, inv)
	}
	for _, inv := range rec.Expired {
		stale = append(stale, inv.Reference)
		t.record(ctx, journal.ActionInvoiceExpired, inv)
	}
	if len(stale) > 0 {
		if err := t.rdb.HDel(ctx, hashKey, stale...).Err(); err != nil {
			t.logger.Warn("failed to clean up pending invoices", zap.Int("count", len(stale)), zap.Error(err))
		}
	}

	return rec, nil
}

// List reconciles and returns the invoices still outstanding. A non-empty
// agent filters to that caller's invoices.
func (t *Tracker) List(ctx context.Context, agent string) ([]PendingInvoice, error) {
	rec, err := t.Reconcile(ctx)
	if err != nil {
		return nil, err
	}
	if agent == "" {
		return rec.Pending, nil
	}
	out := make([]PendingInvoice, 0, len(rec.Pending))
	for _, inv := range rec.Pending {
		if inv.Agent == agent {
			out = append(out, inv)
		}
	}
	return out, nil
}

// incomingIndex indexes completed incoming transfers. A history lookup
// failure yields empty indexes so expiry still runs.
func (t *Tracker) incomingIndex(ctx context.Context) (map[string]bool, map[string]bool) {
	byHash := make(map[string]bool)
	byInvoice := make(map[string]bool)

	transfers, err := t.wallet.ListTransfers(ctx, t.scanLimit, 0)
	if err != nil {
		t.logger.Warn("failed to list wallet transfers", zap.Error(err))
		return byHash, byInvoice
	}
	for _, tr := range transfers {
		if tr.Direction != spendguard.DirectionIncoming || !tr.Completed() {
			continue
		}
		if tr.PaymentHash != "" {
			byHash[strings.ToLower(tr.PaymentHash)] = true
		}
		if tr.Invoice != "" {
			byInvoice[tr.Invoice] = true
		}
	}
	return byHash, byInvoice
}

func (t *Tracker) record(ctx context.Context, action string, inv PendingInvoice) {
	if t.journal == nil {
		return
	}
	t.journal.Record(ctx, journal.Entry{
		Agent:      inv.Agent,
		Action:     action,
		Success:    action == journal.ActionInvoicePaid,
		AmountSats: inv.AmountSats,
		Memo:       inv.Memo,
		Reference:  inv.Reference,
	})
}
