// Package payment drives a submitted Lightning payment to a proof or a
// failure within a bounded polling window.
package payment

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentpay/spendguard"
	"github.com/agentpay/spendguard/metrics"
)

// Defaults for the synchronous wait window
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultPollAttempts = 15
)

// State is a position in the confirmation state machine
type State string

const (
	StateSubmitted State = "submitted"
	StatePolling   State = "polling"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
	// StateTimedOutPending means the poll budget ran out. The payment may
	// still complete; it is not a failure.
	StateTimedOutPending State = "timed_out_pending"
	// StateNoProof means the wallet gave neither a proof nor a reference
	// that could be polled for one.
	StateNoProof State = "no_proof"
)

// Terminal reports whether no further polling can change the state
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed || s == StateNoProof
}

// Outcome is where the state machine stopped
type Outcome struct {
	State     State  `json:"state"`
	PaymentID string `json:"paymentId,omitempty"`
	Proof     string `json:"proof,omitempty"`
	Status    string `json:"status,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Polls     int    `json:"polls"`
}

// Err converts a non-confirmed outcome into an engine error
func (o Outcome) Err() error {
	details := map[string]interface{}{"paymentId": o.PaymentID, "status": o.Status}
	switch o.State {
	case StateConfirmed:
		return nil
	case StateFailed:
		return spendguard.NewError(spendguard.KindPaymentFailed, o.Reason, details)
	case StateTimedOutPending:
		return spendguard.NewError(spendguard.KindPaymentTimedOutPending, o.Reason, details)
	default:
		return spendguard.NewError(spendguard.KindNoProofAvailable, o.Reason, details)
	}
}

// Confirmer polls the wallet for payment status
type Confirmer struct {
	wallet      spendguard.Wallet
	interval    time.Duration
	maxAttempts int
	logger      *zap.Logger
}

// Option configures a Confirmer
type Option func(*Confirmer)

// WithPollInterval sets the delay between status lookups.
//
// Default: 500ms
func WithPollInterval(d time.Duration) Option {
	return func(c *Confirmer) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithPollAttempts bounds the number of status lookups per call.
//
// Default: 15
func WithPollAttempts(n int) Option {
	return func(c *Confirmer) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Confirmer) {
		c.logger = logger
	}
}

// NewConfirmer creates a confirmer for wallet
func NewConfirmer(wallet spendguard.Wallet, opts ...Option) *Confirmer {
	c := &Confirmer{
		wallet:      wallet,
		interval:    DefaultPollInterval,
		maxAttempts: DefaultPollAttempts,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve takes the wallet's answer to a payment submission and drives it
// to an outcome. A proof in the submission is the fast path; otherwise the
// payment reference is polled until it resolves or the attempts run out.
func (c *Confirmer) Resolve(ctx context.Context, submitted spendguard.PaymentResult) Outcome {
	if submitted == nil {
		return c.finish(Outcome{State: StateNoProof, Reason: "wallet returned no payment result"})
	}

	out := Outcome{State: StateSubmitted, PaymentID: submitted.PaymentID()}
	if classify(submitted, &out) {
		return c.finish(out)
	}
	if out.PaymentID == "" {
		out.State = StateNoProof
		out.Reason = "payment submitted without proof or reference"
		return c.finish(out)
	}

	return c.finish(c.poll(ctx, out, false))
}

// Resume continues polling a payment submitted by an earlier request.
func (c *Confirmer) Resume(ctx context.Context, paymentID string) Outcome {
	if paymentID == "" {
		return c.finish(Outcome{State: StateNoProof, Reason: "no payment reference to resume"})
	}
	return c.finish(c.poll(ctx, Outcome{State: StateSubmitted, PaymentID: paymentID}, true))
}

func (c *Confirmer) poll(ctx context.Context, out Outcome, immediate bool) Outcome {
	out.State = StatePolling
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 || !immediate {
			select {
			case <-time.After(c.interval):
			case <-ctx.Done():
				out.State = StateTimedOutPending
				out.Reason = "request deadline reached while waiting for payment proof"
				return out
			}
		}

		out.Polls++
		result, err := c.wallet.LightningSendStatus(ctx, out.PaymentID)
		if err != nil {
			// A failed lookup says nothing about the payment itself.
			c.logger.Warn("payment status lookup failed",
				zap.String("payment_id", out.PaymentID),
				zap.Int("attempt", out.Polls),
				zap.Error(err))
			continue
		}
		if classify(result, &out) {
			return out
		}
		c.logger.Debug("payment still pending",
			zap.String("payment_id", out.PaymentID),
			zap.String("status", out.Status),
			zap.Int("attempt", out.Polls))
	}

	out.State = StateTimedOutPending
	out.Reason = "payment proof not available yet"
	return out
}

// classify folds result into out and reports whether it is terminal.
// A success status without a proof is not terminal.
func classify(result spendguard.PaymentResult, out *Outcome) bool {
	out.Status = result.PaymentStatus()
	if id := result.PaymentID(); id != "" {
		out.PaymentID = id
	}

	if spendguard.IsFailureStatus(out.Status) {
		out.State = StateFailed
		out.Reason = "wallet reported payment failure: " + out.Status
		if r, ok := result.(*spendguard.LightningSendRequest); ok && r.FailMessage != "" {
			out.Reason += " (" + r.FailMessage + ")"
		}
		return true
	}
	if proof := result.Proof(); proof != "" {
		out.State = StateConfirmed
		out.Proof = proof
		return true
	}
	return false
}

func (c *Confirmer) finish(out Outcome) Outcome {
	metrics.Payments.WithLabelValues(string(out.State)).Inc()
	metrics.PaymentPollAttempts.Observe(float64(out.Polls))
	c.logger.Debug("payment resolved",
		zap.String("payment_id", out.PaymentID),
		zap.String("state", string(out.State)),
		zap.Int("polls", out.Polls))
	return out
}
