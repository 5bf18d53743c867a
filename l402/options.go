package l402

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agentpay/spendguard/journal"
	"github.com/agentpay/spendguard/recovery"
)

// Defaults for the paywall flow
const (
	DefaultReplayAttempts = 3
	DefaultReplayDelay    = time.Second
	DefaultFeeSats        = 10
	DefaultMaxBodyBytes   = 4 << 20
	DefaultRequestTimeout = 30 * time.Second
)

// config holds the configuration for Client.
type config struct {
	httpClient     *http.Client
	pending        PendingStore
	tokens         TokenStore
	journal        *journal.Journal
	recoverer      *recovery.Recoverer
	replayAttempts int
	replayDelay    time.Duration
	defaultFeeSats int64
	maxBodyBytes   int64
	pendingTTL     time.Duration
	tokenTTL       time.Duration
	now            func() time.Time
	logger         *zap.Logger
}

// Option configures a Client.
type Option func(*config)

// WithHTTPClient sets the client used for outbound paywall requests.
//
// Default: a client with a 30s timeout
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) {
		c.httpClient = client
	}
}

// WithPendingStore replaces the Redis pending-proof store.
func WithPendingStore(store PendingStore) Option {
	return func(c *config) {
		c.pending = store
	}
}

// WithTokenStore replaces the Redis credential cache.
func WithTokenStore(store TokenStore) Option {
	return func(c *config) {
		c.tokens = store
	}
}

// WithTTLs sets how long pending proofs and cached credentials live in the
// default Redis store. Ignored for stores supplied with WithPendingStore or
// WithTokenStore.
//
// Default: 1 hour and 24 hours
func WithTTLs(pending, token time.Duration) Option {
	return func(c *config) {
		c.pendingTTL = pending
		c.tokenTTL = token
	}
}

// WithJournal records every paywall outcome.
func WithJournal(j *journal.Journal) Option {
	return func(c *config) {
		c.journal = j
	}
}

// WithRecoverer sets the stale-fragment recoverer wrapped around payments.
//
// Default: recovery.New(wallet, logger)
func WithRecoverer(r *recovery.Recoverer) Option {
	return func(c *config) {
		c.recoverer = r
	}
}

// WithReplay bounds the replays made while the server still looks like it
// has not verified the payment.
//
// Default: 3 attempts, 1s apart
func WithReplay(attempts int, delay time.Duration) Option {
	return func(c *config) {
		if attempts > 0 {
			c.replayAttempts = attempts
		}
		if delay >= 0 {
			c.replayDelay = delay
		}
	}
}

// WithDefaultFee sets the fee reserved when the wallet cannot estimate one
// and the request declares no ceiling.
//
// Default: 10 sats
func WithDefaultFee(sats int64) Option {
	return func(c *config) {
		if sats >= 0 {
			c.defaultFeeSats = sats
		}
	}
}

// WithMaxBodyBytes caps how much of a response body is read.
//
// Default: 4 MiB
func WithMaxBodyBytes(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}
