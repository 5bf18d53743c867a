package invoices

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpay/spendguard"
	"github.com/agentpay/spendguard/bolt11"
	"github.com/agentpay/spendguard/journal"
	"github.com/agentpay/spendguard/test/mocks/mockwallet"
)

type harness struct {
	tracker *Tracker
	wallet  *mockwallet.Wallet
	journal *journal.Journal
	mr      *miniredis.Miniredis
	now     time.Time
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	h := &harness{
		wallet:  mockwallet.New(0),
		journal: journal.New(rdb),
		mr:      mr,
		now:     time.Now().UTC(),
	}
	opts = append([]Option{
		WithJournal(h.journal),
		WithClock(func() time.Time { return h.now }),
	}, opts...)
	h.tracker = NewTracker(rdb, h.wallet, opts...)
	return h
}

func (h *harness) create(t *testing.T, amount int64, agent string) PendingInvoice {
	t.Helper()
	inv, err := h.wallet.CreateLightningInvoice(context.Background(), spendguard.InvoiceRequest{
		AmountSats:    amount,
		Memo:          "test",
		ExpirySeconds: 600,
	})
	require.NoError(t, err)
	p := FromInvoice(inv, agent)
	require.NoError(t, h.tracker.Add(context.Background(), p))
	return p
}

func TestFromInvoice(t *testing.T) {
	encoded, hash := mockwallet.NewInvoice(mockwallet.InvoiceOptions{AmountSats: 10, Expiry: 5 * time.Minute})

	p := FromInvoice(spendguard.Invoice{Encoded: encoded, Kind: spendguard.InvoiceLightning, AmountSats: 10}, "agent-1")
	assert.Equal(t, encoded, p.Reference, "encoding doubles as reference")
	assert.Equal(t, hash, p.PaymentHash)
	assert.Equal(t, int64(300), p.ExpirySeconds)
	assert.Equal(t, "agent-1", p.Agent)
	assert.True(t, p.CreatedAt.IsZero(), "stamped by the tracker")

	native := FromInvoice(spendguard.Invoice{ID: "n1", Encoded: "sprt1xyz", Kind: spendguard.InvoiceNative}, "")
	assert.Empty(t, native.PaymentHash)
	assert.Equal(t, int64(bolt11.DefaultExpiry/time.Second), native.ExpirySeconds)
}

func TestReconcilePaidByHash(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	paid := h.create(t, 100, "a")
	open := h.create(t, 200, "a")
	h.wallet.AddIncoming(paid.PaymentHash, 100)

	rec, err := h.tracker.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, rec.Paid, 1)
	assert.Equal(t, paid.Reference, rec.Paid[0].Reference)
	require.Len(t, rec.Pending, 1)
	assert.Equal(t, open.Reference, rec.Pending[0].Reference)
	assert.Empty(t, rec.Expired)

	keys, err := h.mr.HKeys(hashKey)
	require.NoError(t, err)
	assert.Equal(t, []string{open.Reference}, keys)

	entries, err := h.journal.List(ctx, 0, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, journal.ActionInvoicePaid, entries[0].Action)
	assert.True(t, entries[0].Success)
	assert.Equal(t, int64(100), entries[0].AmountSats)
}

func TestReconcileMatchesHashCaseInsensitively(t *testing.T) {
	h := newHarness(t)
	p := h.create(t, 100, "")
	h.wallet.AddIncoming(strings.ToUpper(p.PaymentHash), 100)

	rec, err := h.tracker.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Len(t, rec.Paid, 1)
}

func TestReconcileExpires(t *testing.T) {
	h := newHarness(t, WithCleanupAfter(time.Hour))
	ctx := context.Background()

	p := h.create(t, 100, "a")
	h.now = p.CreatedAt.Add(11 * time.Minute)

	rec, err := h.tracker.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, rec.Expired, 1)
	assert.Empty(t, rec.Pending)
	assert.False(t, h.mr.Exists(hashKey))

	entries, err := h.journal.List(ctx, 0, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, journal.ActionInvoiceExpired, entries[0].Action)
	assert.False(t, entries[0].Success)
}

func TestReconcileAgesOut(t *testing.T) {
	h := newHarness(t, WithCleanupAfter(time.Minute))

	inv, err := h.wallet.CreateNativeInvoice(context.Background(), spendguard.InvoiceRequest{AmountSats: 5, ExpirySeconds: 86400})
	require.NoError(t, err)
	require.NoError(t, h.tracker.Add(context.Background(), FromInvoice(inv, "")))

	h.now = inv.CreatedAt.Add(2 * time.Minute)
	rec, err := h.tracker.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Len(t, rec.Expired, 1)
}

type brokenHistory struct {
	*mockwallet.Wallet
}

func (brokenHistory) ListTransfers(ctx context.Context, limit, offset int) ([]spendguard.WalletTransfer, error) {
	return nil, errors.New("history unavailable")
}

func TestReconcileToleratesHistoryFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	w := mockwallet.New(0)
	now := time.Now().UTC()
	tracker := NewTracker(rdb, brokenHistory{w}, WithClock(func() time.Time { return now }))

	require.NoError(t, tracker.Add(context.Background(), PendingInvoice{
		Reference: "old", Invoice: "x", CreatedAt: now.Add(-time.Hour), ExpirySeconds: 60,
	}))
	require.NoError(t, tracker.Add(context.Background(), PendingInvoice{
		Reference: "new", Invoice: "y", CreatedAt: now, ExpirySeconds: 600,
	}))

	rec, err := tracker.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, rec.Expired, 1)
	assert.Equal(t, "old", rec.Expired[0].Reference)
	require.Len(t, rec.Pending, 1)
}

func TestReconcileDropsMalformed(t *testing.T) {
	h := newHarness(t)
	h.mr.HSet(hashKey, "junk", "{not json")
	h.create(t, 10, "")

	rec, err := h.tracker.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Len(t, rec.Pending, 1)
	keys, err := h.mr.HKeys(hashKey)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestListFiltersByAgent(t *testing.T) {
	h := newHarness(t)
	h.create(t, 10, "a")
	h.create(t, 20, "b")
	h.create(t, 30, "a")

	mine, err := h.tracker.List(context.Background(), "a")
	require.NoError(t, err)
	assert.Len(t, mine, 2)
	for _, inv := range mine {
		assert.Equal(t, "a", inv.Agent)
	}

	all, err := h.tracker.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestAddStampsCreationWithTrackerClock(t *testing.T) {
	h := newHarness(t, WithCleanupAfter(time.Hour))
	h.now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	encoded, _ := mockwallet.NewInvoice(mockwallet.InvoiceOptions{AmountSats: 10, Expiry: 10 * time.Minute})
	p := FromInvoice(spendguard.Invoice{ID: "inv-x", Encoded: encoded, Kind: spendguard.InvoiceLightning, AmountSats: 10}, "a")
	require.NoError(t, h.tracker.Add(ctx, p))

	h.now = h.now.Add(5 * time.Minute)
	rec, err := h.tracker.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, rec.Pending, 1)
	assert.Equal(t, time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC), rec.Pending[0].CreatedAt)

	h.now = h.now.Add(6 * time.Minute)
	rec, err = h.tracker.Reconcile(ctx)
	require.NoError(t, err)
	assert.Len(t, rec.Expired, 1)
}

func TestAddRequiresReference(t *testing.T) {
	h := newHarness(t)
	assert.Error(t, h.tracker.Add(context.Background(), PendingInvoice{}))
}
