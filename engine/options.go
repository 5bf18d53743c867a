package engine

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Settings tunes every component the engine builds. Zero fields keep the
// component's own default.
type Settings struct {
	PollInterval      time.Duration
	PollAttempts      int
	ReplayAttempts    int
	ReplayDelay       time.Duration
	DefaultFeeSats    int64
	JournalMaxEntries int
	JournalTTL        time.Duration
	PendingTTL        time.Duration
	TokenTTL          time.Duration
	InvoiceCleanup    time.Duration
	BudgetRetention   time.Duration
}

// config holds the configuration for Engine.
type config struct {
	settings   Settings
	httpClient *http.Client
	now        func() time.Time
	logger     *zap.Logger
}

// Option configures an Engine.
type Option func(*config)

// WithSettings sets component tuning.
func WithSettings(s Settings) Option {
	return func(c *config) {
		c.settings = s
	}
}

// WithHTTPClient sets the client used for paywalled requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) {
		c.httpClient = client
	}
}

// WithClock overrides the time source of every component.
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
