package l402

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpay/spendguard"
	"github.com/agentpay/spendguard/budget"
	"github.com/agentpay/spendguard/payment"
	"github.com/agentpay/spendguard/test/mocks/mockwallet"
)

// ============================================================================
// Test Paywall
// ============================================================================

// paywall answers unauthenticated requests with a 402 challenge and
// authorized ones with content, after `unverified` placeholder replies
type paywall struct {
	mu         sync.Mutex
	invoice    string
	macaroon   string
	useBody    bool
	free       bool
	unverified int
	// outage answers this many valid credentials with 503
	outage int

	challenges int
	replays    int
	authorized int
}

func (p *paywall) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if p.free {
		fmt.Fprint(w, `{"data":"free"}`)
		return
	}

	auth := r.Header.Get("Authorization")
	if auth == "" {
		p.challenges++
		if p.useBody {
			w.WriteHeader(http.StatusPaymentRequired)
			fmt.Fprintf(w, `{"payment_request":%q,"token":%q}`, p.invoice, p.macaroon)
			return
		}
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`L402 macaroon="%s", invoice="%s"`, p.macaroon, p.invoice))
		w.WriteHeader(http.StatusPaymentRequired)
		return
	}

	prefix := "L402 " + p.macaroon + ":"
	if !strings.HasPrefix(auth, prefix) || len(auth) == len(prefix) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"invalid macaroon"}`)
		return
	}
	if p.outage > 0 {
		p.outage--
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"upstream unavailable"}`)
		return
	}
	p.replays++
	if p.replays <= p.unverified {
		fmt.Fprint(w, `{"status":"pending"}`)
		return
	}
	p.authorized++
	w.Header().Add("Set-Cookie", "session=abc")
	w.Header().Add("Set-Cookie", "region=eu")
	fmt.Fprint(w, `{"data":"secret"}`)
}

func (p *paywall) counts() (challenges, replays, authorized int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.challenges, p.replays, p.authorized
}

// ============================================================================
// Fixture
// ============================================================================

type fixture struct {
	mr      *miniredis.Miniredis
	rdb     *redis.Client
	wallet  *mockwallet.Wallet
	ledger  *budget.Ledger
	client  *Client
	paywall *paywall
	server  *httptest.Server
	caller  spendguard.Caller
}

func newFixture(t *testing.T, price int64) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	wallet := mockwallet.New(100_000)
	wallet.FeeSats = 2
	wallet.SyncProof = true

	pw := &paywall{invoice: mockwallet.Invoice(price, "quote"), macaroon: "mac-1"}
	server := httptest.NewServer(pw)
	t.Cleanup(server.Close)

	ledger := budget.NewLedger(rdb)
	confirmer := payment.NewConfirmer(wallet,
		payment.WithPollInterval(time.Millisecond),
		payment.WithPollAttempts(15))

	return &fixture{
		mr:      mr,
		rdb:     rdb,
		wallet:  wallet,
		ledger:  ledger,
		client:  NewClient(rdb, wallet, ledger, confirmer, WithReplay(3, 0)),
		paywall: pw,
		server:  server,
		caller: spendguard.Caller{
			ID:           "agent-1",
			Role:         spendguard.RoleAgent,
			PerTxCapSats: 1000,
			DailyCapSats: 5000,
		},
	}
}

func (f *fixture) spent(t *testing.T) int64 {
	t.Helper()
	spent, err := f.ledger.Spent(context.Background(), f.caller.BudgetID())
	require.NoError(t, err)
	return spent
}

func (f *fixture) url() string {
	return f.server.URL + "/quote"
}

// ============================================================================
// Fetch
// ============================================================================

func TestFetchFreeResource(t *testing.T) {
	f := newFixture(t, 100)
	f.paywall.free = true

	res, err := f.client.Fetch(context.Background(), f.caller, Request{URL: f.url()})
	require.NoError(t, err)
	assert.False(t, res.Paid)
	assert.Equal(t, StatusComplete, res.Status)
	assert.Equal(t, http.StatusOK, res.Response.StatusCode)
	assert.Equal(t, `{"data":"free"}`, res.Response.Body)
	assert.Zero(t, f.spent(t))
	assert.Zero(t, f.wallet.PayCalls)
}

func TestFetchPaysAndReplays(t *testing.T) {
	for _, useBody := range []bool{false, true} {
		t.Run(fmt.Sprintf("body=%v", useBody), func(t *testing.T) {
			f := newFixture(t, 100)
			f.paywall.useBody = useBody

			res, err := f.client.Fetch(context.Background(), f.caller, Request{URL: f.url()})
			require.NoError(t, err)
			assert.True(t, res.Paid)
			assert.Equal(t, StatusComplete, res.Status)
			assert.Equal(t, int64(100), res.AmountSats)
			assert.Equal(t, int64(2), res.FeeSats)
			assert.NotEmpty(t, res.Preimage)
			assert.Equal(t, `{"data":"secret"}`, res.Response.Body)
			assert.Equal(t, 1, res.Attempts)

			assert.Equal(t, int64(102), f.spent(t))
			assert.Equal(t, 1, f.wallet.PayCalls)

			domain, err := DomainOf(f.url())
			require.NoError(t, err)
			assert.True(t, f.mr.Exists(tokenKey(domain)))
		})
	}
}

func TestFetchCachedCredentialNeverReReserves(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	_, err := f.client.Fetch(ctx, f.caller, Request{URL: f.url()})
	require.NoError(t, err)
	spentAfterFirst := f.spent(t)

	for i := 0; i < 3; i++ {
		res, err := f.client.Fetch(ctx, f.caller, Request{URL: f.server.URL + "/other"})
		require.NoError(t, err)
		assert.True(t, res.CachedCredential)
		assert.False(t, res.Paid)
		assert.Equal(t, `{"data":"secret"}`, res.Response.Body)
	}

	assert.Equal(t, spentAfterFirst, f.spent(t))
	assert.Equal(t, 1, f.wallet.PayCalls)
	challenges, _, _ := f.paywall.counts()
	assert.Equal(t, 1, challenges)
}

func TestFetchEvictsRejectedCredential(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	_, err := f.client.Fetch(ctx, f.caller, Request{URL: f.url()})
	require.NoError(t, err)

	// The paywall rotates its macaroon; the cached credential is now refused.
	f.paywall.mu.Lock()
	f.paywall.macaroon = "mac-2"
	f.paywall.mu.Unlock()

	res, err := f.client.Fetch(ctx, f.caller, Request{URL: f.url()})
	require.NoError(t, err)
	assert.True(t, res.Paid)
	assert.False(t, res.CachedCredential)
	assert.Equal(t, 2, f.wallet.PayCalls)
	assert.Equal(t, int64(204), f.spent(t))
}

func TestFetchCachedCredentialSurvivesTransientFailure(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	_, err := f.client.Fetch(ctx, f.caller, Request{URL: f.url()})
	require.NoError(t, err)

	f.paywall.mu.Lock()
	f.paywall.outage = 1
	f.paywall.mu.Unlock()

	res, err := f.client.Fetch(ctx, f.caller, Request{URL: f.url()})
	require.NoError(t, err)
	assert.True(t, res.CachedCredential)
	assert.False(t, res.Paid)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, `{"data":"secret"}`, res.Response.Body)

	assert.Equal(t, 1, f.wallet.PayCalls)
	assert.Equal(t, int64(102), f.spent(t))

	domain, err := DomainOf(f.url())
	require.NoError(t, err)
	assert.True(t, f.mr.Exists(tokenKey(domain)), "credential stays cached")
}

func TestFetchCachedCredentialPlaceholderThenContent(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	_, err := f.client.Fetch(ctx, f.caller, Request{URL: f.url()})
	require.NoError(t, err)

	// The next replay gets a placeholder, the one after the content.
	f.paywall.mu.Lock()
	f.paywall.unverified = f.paywall.replays + 1
	f.paywall.mu.Unlock()

	res, err := f.client.Fetch(ctx, f.caller, Request{URL: f.url()})
	require.NoError(t, err)
	assert.True(t, res.CachedCredential)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, f.wallet.PayCalls)
}

func TestFetchCachedCredentialRetriesExhaustedWithoutPaying(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	_, err := f.client.Fetch(ctx, f.caller, Request{URL: f.url()})
	require.NoError(t, err)

	f.paywall.mu.Lock()
	f.paywall.outage = 10
	f.paywall.mu.Unlock()

	res, err := f.client.Fetch(ctx, f.caller, Request{URL: f.url()})
	require.Error(t, err)
	assert.Equal(t, spendguard.KindRetryExhausted, spendguard.KindOf(err))
	require.NotNil(t, res)
	assert.True(t, res.CachedCredential)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, http.StatusServiceUnavailable, res.Response.StatusCode)

	assert.Equal(t, 1, f.wallet.PayCalls)
	assert.Equal(t, int64(102), f.spent(t))

	domain, err := DomainOf(f.url())
	require.NoError(t, err)
	assert.False(t, f.mr.Exists(tokenKey(domain)), "credential evicted after retries")
}

func TestFetchKeepsRepeatedHeaders(t *testing.T) {
	f := newFixture(t, 100)

	res, err := f.client.Fetch(context.Background(), f.caller, Request{URL: f.url()})
	require.NoError(t, err)
	assert.Equal(t, []string{"session=abc", "region=eu"}, res.Response.Headers["Set-Cookie"])
}

func TestFetchAmountlessInvoiceRejectedWithoutReserve(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.client.Fetch(context.Background(), f.caller, Request{URL: f.url()})
	require.Error(t, err)
	assert.Equal(t, spendguard.KindInvalidChallenge, spendguard.KindOf(err))
	assert.Zero(t, f.spent(t))
	assert.Zero(t, f.wallet.PayCalls)
	assert.False(t, f.mr.Exists(counterKeyFor(f)))
}

func counterKeyFor(f *fixture) string {
	return "spend:" + f.caller.BudgetID() + ":" + f.ledger.Today()
}

func TestFetchRejectsExpiredInvoice(t *testing.T) {
	f := newFixture(t, 100)
	f.paywall.invoice, _ = mockwallet.NewInvoice(mockwallet.InvoiceOptions{
		AmountSats: 100,
		Timestamp:  time.Now().Add(-2 * time.Hour),
		Expiry:     time.Hour,
	})

	_, err := f.client.Fetch(context.Background(), f.caller, Request{URL: f.url()})
	assert.True(t, spendguard.IsKind(err, spendguard.KindInvalidChallenge))
	assert.Zero(t, f.wallet.PayCalls)
}

func TestFetchPriceAndFeeCeilings(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	_, err := f.client.Fetch(ctx, f.caller, Request{URL: f.url(), MaxPriceSats: 50})
	assert.True(t, spendguard.IsKind(err, spendguard.KindTransactionTooLarge))

	f.wallet.FeeSats = 20
	_, err = f.client.Fetch(ctx, f.caller, Request{URL: f.url(), MaxFeeSats: 5})
	assert.True(t, spendguard.IsKind(err, spendguard.KindTransactionTooLarge))

	assert.Zero(t, f.spent(t))
	assert.Zero(t, f.wallet.PayCalls)
}

func TestFetchFeeFallsBackToCeiling(t *testing.T) {
	f := newFixture(t, 100)
	f.wallet.FeeErr = errors.New("estimate unavailable")

	res, err := f.client.Fetch(context.Background(), f.caller, Request{URL: f.url(), MaxFeeSats: 7})
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.FeeSats)
	assert.Equal(t, int64(107), f.spent(t))
}

func TestFetchBudgetExceeded(t *testing.T) {
	f := newFixture(t, 900)
	f.caller.DailyCapSats = 1000
	ctx := context.Background()

	_, err := f.client.Fetch(ctx, f.caller, Request{URL: f.url()})
	require.NoError(t, err)

	f.paywall.mu.Lock()
	f.paywall.macaroon = "mac-2"
	f.paywall.mu.Unlock()

	_, err = f.client.Fetch(ctx, f.caller, Request{URL: f.url()})
	assert.True(t, spendguard.IsKind(err, spendguard.KindBudgetExceeded))
	assert.Equal(t, int64(902), f.spent(t))
	assert.Equal(t, 1, f.wallet.PayCalls)
}

func TestFetchChallengeErrors(t *testing.T) {
	f := newFixture(t, 100)

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `{"invoice":"lnbc1"}`)
	}))
	defer broken.Close()

	_, err := f.client.Fetch(context.Background(), f.caller, Request{URL: broken.URL})
	assert.Equal(t, spendguard.KindChallengeParseError, spendguard.KindOf(err))

	_, err = f.client.Fetch(context.Background(), f.caller, Request{URL: "http://127.0.0.1:1/unreachable"})
	assert.Equal(t, spendguard.KindChallengeFetchError, spendguard.KindOf(err))

	_, err = f.client.Fetch(context.Background(), f.caller, Request{URL: "ftp://example.com"})
	assert.Equal(t, spendguard.KindInvalidRequest, spendguard.KindOf(err))

	assert.Zero(t, f.spent(t))
}

func TestFetchNonChallengeErrorReturnedVerbatim(t *testing.T) {
	f := newFixture(t, 100)

	missing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, "nope")
	}))
	defer missing.Close()

	res, err := f.client.Fetch(context.Background(), f.caller, Request{URL: missing.URL})
	require.NoError(t, err)
	assert.False(t, res.Paid)
	assert.Equal(t, http.StatusNotFound, res.Response.StatusCode)
	assert.Equal(t, "nope", res.Response.Body)
}

func TestFetchWalletErrorReleasesReservation(t *testing.T) {
	f := newFixture(t, 100)
	f.wallet.PayErrs = []error{errors.New("no route to destination")}

	_, err := f.client.Fetch(context.Background(), f.caller, Request{URL: f.url()})
	assert.True(t, spendguard.IsKind(err, spendguard.KindPaymentFailed))
	assert.Zero(t, f.spent(t))
}

func TestFetchFailedPaymentReleasesReservation(t *testing.T) {
	f := newFixture(t, 100)
	f.wallet.FailPayments = true

	_, err := f.client.Fetch(context.Background(), f.caller, Request{URL: f.url()})
	assert.True(t, spendguard.IsKind(err, spendguard.KindPaymentFailed))
	assert.Zero(t, f.spent(t))
}

func TestFetchRecoversStaleFragment(t *testing.T) {
	f := newFixture(t, 100)
	f.wallet.PayErrs = []error{errors.New("refund tx sequence number too low")}

	res, err := f.client.Fetch(context.Background(), f.caller, Request{URL: f.url()})
	require.NoError(t, err)
	assert.True(t, res.Paid)
	assert.Equal(t, 1, f.wallet.SelfTransfers)
	assert.Equal(t, 2, f.wallet.PayCalls)
}

// ============================================================================
// Replay
// ============================================================================

func TestReplayRetriesUntilVerified(t *testing.T) {
	f := newFixture(t, 100)
	f.paywall.unverified = 2

	res, err := f.client.Fetch(context.Background(), f.caller, Request{URL: f.url()})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, `{"data":"secret"}`, res.Response.Body)
}

func TestReplayRetryExhausted(t *testing.T) {
	f := newFixture(t, 100)
	f.paywall.unverified = 10

	res, err := f.client.Fetch(context.Background(), f.caller, Request{URL: f.url()})
	require.Error(t, err)
	assert.Equal(t, spendguard.KindRetryExhausted, spendguard.KindOf(err))
	require.NotNil(t, res)
	assert.True(t, res.Paid)
	assert.Equal(t, 3, res.Attempts)
	assert.NotEmpty(t, res.Preimage)

	// The money left the wallet; the reservation stays.
	assert.Equal(t, int64(102), f.spent(t))

	domain, _ := DomainOf(f.url())
	assert.False(t, f.mr.Exists(tokenKey(domain)))
}

// ============================================================================
// Pending / Complete
// ============================================================================

func TestFetchPendingThenComplete(t *testing.T) {
	f := newFixture(t, 100)
	f.wallet.SyncProof = false
	f.wallet.PendingPolls = 15
	ctx := context.Background()

	res, err := f.client.Fetch(ctx, f.caller, Request{URL: f.url(), Method: "post", Body: `{"q":1}`})
	require.NoError(t, err)
	assert.False(t, res.Paid)
	assert.Equal(t, StatusPending, res.Status)
	require.NotEmpty(t, res.Reference)
	assert.NotEmpty(t, res.PaymentID)
	assert.Equal(t, int64(102), f.spent(t), "pending payments keep their reservation")
	assert.True(t, f.mr.Exists(pendingKey(res.Reference)))

	done, err := f.client.Complete(ctx, f.caller, res.Reference)
	require.NoError(t, err)
	assert.True(t, done.Paid)
	assert.Equal(t, StatusComplete, done.Status)
	assert.Equal(t, `{"data":"secret"}`, done.Response.Body)
	assert.Equal(t, res.PaymentID, done.PaymentID)
	assert.False(t, f.mr.Exists(pendingKey(res.Reference)))
	assert.Equal(t, int64(102), f.spent(t))

	_, err = f.client.Complete(ctx, f.caller, res.Reference)
	assert.Equal(t, spendguard.KindPendingNotFound, spendguard.KindOf(err))
	assert.Equal(t, 1, f.wallet.PayCalls)
}

func TestCompleteStillPending(t *testing.T) {
	f := newFixture(t, 100)
	f.wallet.SyncProof = false
	f.wallet.PendingPolls = -1
	ctx := context.Background()

	res, err := f.client.Fetch(ctx, f.caller, Request{URL: f.url()})
	require.NoError(t, err)

	again, err := f.client.Complete(ctx, f.caller, res.Reference)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, again.Status)
	assert.Equal(t, res.Reference, again.Reference)
	assert.True(t, f.mr.Exists(pendingKey(res.Reference)))
}

func TestCompleteFailedPaymentReleasesOnReservedDay(t *testing.T) {
	f := newFixture(t, 100)
	f.wallet.SyncProof = false
	f.wallet.PendingPolls = -1
	ctx := context.Background()

	res, err := f.client.Fetch(ctx, f.caller, Request{URL: f.url()})
	require.NoError(t, err)
	require.Equal(t, int64(102), f.spent(t))

	f.wallet.FailPayments = true
	f.wallet.Settle(res.PaymentID)

	_, err = f.client.Complete(ctx, f.caller, res.Reference)
	assert.True(t, spendguard.IsKind(err, spendguard.KindPaymentFailed))
	assert.Zero(t, f.spent(t))
	assert.False(t, f.mr.Exists(pendingKey(res.Reference)))
}

func TestCompleteRejectsForeignAndUnknownReferences(t *testing.T) {
	f := newFixture(t, 100)
	f.wallet.SyncProof = false
	f.wallet.PendingPolls = -1
	ctx := context.Background()

	res, err := f.client.Fetch(ctx, f.caller, Request{URL: f.url()})
	require.NoError(t, err)

	other := f.caller
	other.ID = "agent-2"
	_, err = f.client.Complete(ctx, other, res.Reference)
	assert.Equal(t, spendguard.KindPendingNotFound, spendguard.KindOf(err))

	_, err = f.client.Complete(ctx, f.caller, "no-such-reference")
	assert.Equal(t, spendguard.KindPendingNotFound, spendguard.KindOf(err))

	_, err = f.client.Complete(ctx, f.caller, "")
	assert.Equal(t, spendguard.KindPendingNotFound, spendguard.KindOf(err))

	f.mr.FastForward(DefaultPendingTTL + time.Minute)
	_, err = f.client.Complete(ctx, f.caller, res.Reference)
	assert.Equal(t, spendguard.KindPendingNotFound, spendguard.KindOf(err))
}

func TestPendingReferenceSharedByPool(t *testing.T) {
	f := newFixture(t, 100)
	f.wallet.SyncProof = false
	f.wallet.PendingPolls = 15
	f.caller.BudgetPool = "research"
	ctx := context.Background()

	res, err := f.client.Fetch(ctx, f.caller, Request{URL: f.url()})
	require.NoError(t, err)

	teammate := f.caller
	teammate.ID = "agent-2"
	done, err := f.client.Complete(ctx, teammate, res.Reference)
	require.NoError(t, err)
	assert.True(t, done.Paid)
}
