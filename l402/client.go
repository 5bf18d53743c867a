package l402

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentpay/spendguard"
	"github.com/agentpay/spendguard/bolt11"
	"github.com/agentpay/spendguard/budget"
	"github.com/agentpay/spendguard/journal"
	"github.com/agentpay/spendguard/metrics"
	"github.com/agentpay/spendguard/payment"
	"github.com/agentpay/spendguard/recovery"
)

// Result statuses
const (
	StatusComplete = "complete"
	StatusPending  = "pending"
)

// ============================================================================
// Request / Result
// ============================================================================

// Request is a paywalled HTTP request to perform on a caller's behalf
type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	// MaxFeeSats is the routing fee ceiling. Zero uses the wallet estimate
	// or the default fee.
	MaxFeeSats int64 `json:"maxFeeSats,omitempty"`
	// MaxPriceSats rejects challenges priced above it. Zero means no ceiling.
	MaxPriceSats int64 `json:"maxPriceSats,omitempty"`
}

// Response is the final response from the remote server
type Response struct {
	StatusCode int                 `json:"statusCode"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       string              `json:"body"`

	header http.Header
}

// Result is the outcome of Fetch or Complete
type Result struct {
	Paid   bool   `json:"paid"`
	Status string `json:"status"`
	// Reference continues a pending payment through Complete
	Reference        string    `json:"reference,omitempty"`
	PaymentID        string    `json:"paymentId,omitempty"`
	AmountSats       int64     `json:"amountSats,omitempty"`
	FeeSats          int64     `json:"feeSats,omitempty"`
	Preimage         string    `json:"preimage,omitempty"`
	CachedCredential bool      `json:"cachedCredential,omitempty"`
	Response         *Response `json:"response,omitempty"`
	Attempts         int       `json:"attempts,omitempty"`
}

// ============================================================================
// Client
// ============================================================================

// Client performs paywalled requests, paying challenges from the wallet
// within the caller's budget
type Client struct {
	wallet    spendguard.Wallet
	ledger    *budget.Ledger
	confirmer *payment.Confirmer
	cfg       config
}

// NewClient creates a paywall client. Pending proofs and cached credentials
// are kept in rdb unless replaced with options.
func NewClient(rdb redis.UniversalClient, wallet spendguard.Wallet, ledger *budget.Ledger, confirmer *payment.Confirmer, opts ...Option) *Client {
	cfg := config{
		replayAttempts: DefaultReplayAttempts,
		replayDelay:    DefaultReplayDelay,
		defaultFeeSats: DefaultFeeSats,
		maxBodyBytes:   DefaultMaxBodyBytes,
		now:            time.Now,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	if cfg.pending == nil || cfg.tokens == nil {
		rs := NewRedisStore(rdb, cfg.pendingTTL, cfg.tokenTTL)
		if cfg.pending == nil {
			cfg.pending = rs
		}
		if cfg.tokens == nil {
			cfg.tokens = rs
		}
	}
	if cfg.recoverer == nil {
		cfg.recoverer = recovery.New(wallet, cfg.logger)
	}
	return &Client{wallet: wallet, ledger: ledger, confirmer: confirmer, cfg: cfg}
}

// Fetch performs req. A cached credential for the target domain is tried
// first; otherwise the request is sent unauthenticated and a 402 challenge
// is paid, confirmed and replayed with the proof.
//
// When the proof is not ready in time the result has Status "pending" and
// a Reference for Complete; the reservation is kept.
func (c *Client) Fetch(ctx context.Context, caller spendguard.Caller, req Request) (*Result, error) {
	req, domain, err := normalize(req)
	if err != nil {
		return nil, err
	}
	log := c.cfg.logger.With(zap.String("agent", caller.ID), zap.String("domain", domain))

	if res, handled, err := c.tryCached(ctx, req, domain, log); handled {
		if err != nil {
			metrics.PaywallRequests.WithLabelValues("cached_failed").Inc()
			c.record(ctx, caller, journal.ActionPaywallFetch, false, 0, req.URL, err)
			return res, err
		}
		metrics.PaywallRequests.WithLabelValues("cached").Inc()
		c.record(ctx, caller, journal.ActionPaywallFetch, true, 0, req.URL, nil)
		return res, nil
	}

	first, err := c.do(ctx, req, "")
	if err != nil {
		metrics.PaywallRequests.WithLabelValues("fetch_error").Inc()
		return nil, spendguard.WrapError(spendguard.KindChallengeFetchError, "failed to fetch "+req.URL, err)
	}
	if first.StatusCode != http.StatusPaymentRequired {
		metrics.PaywallRequests.WithLabelValues("free").Inc()
		return &Result{Paid: false, Status: StatusComplete, Response: first, Attempts: 1}, nil
	}

	ch, err := ParseChallenge(first.header, []byte(first.Body))
	if err != nil {
		metrics.PaywallRequests.WithLabelValues("rejected").Inc()
		return nil, spendguard.WrapError(spendguard.KindChallengeParseError, "could not parse payment challenge", err)
	}

	price, err := c.price(ch.Invoice, req.MaxPriceSats)
	if err != nil {
		metrics.PaywallRequests.WithLabelValues("rejected").Inc()
		c.record(ctx, caller, journal.ActionPaywallFetch, false, 0, req.URL, err)
		return nil, err
	}

	fee, err := payment.FeeFor(ctx, c.wallet, ch.Invoice, req.MaxFeeSats, c.cfg.defaultFeeSats)
	if err != nil {
		metrics.PaywallRequests.WithLabelValues("rejected").Inc()
		return nil, err
	}
	total := price + fee

	owner := caller.BudgetID()
	reservation, err := c.ledger.Reserve(ctx, owner, total, caller.PerTxCapSats, caller.DailyCapSats)
	if err != nil {
		metrics.PaywallRequests.WithLabelValues("rejected").Inc()
		c.record(ctx, caller, journal.ActionPaywallFetch, false, total, req.URL, err)
		return nil, err
	}

	submitted, err := recovery.Do(ctx, c.cfg.recoverer, func(ctx context.Context) (spendguard.PaymentResult, error) {
		return c.wallet.PayLightningInvoice(ctx, ch.Invoice, fee)
	})
	if err != nil {
		c.release(ctx, owner, reservation.Day, total, log)
		metrics.PaywallRequests.WithLabelValues("failed").Inc()
		perr := spendguard.WrapError(spendguard.KindPaymentFailed, "wallet rejected payment", err)
		log.Error("paywall payment failed", zap.Int64("amount_sats", total), zap.Error(err))
		c.record(ctx, caller, journal.ActionPaywallFetch, false, total, req.URL, perr)
		return nil, perr
	}

	out := c.confirmer.Resolve(ctx, submitted)
	base := Result{PaymentID: out.PaymentID, AmountSats: price, FeeSats: fee}

	switch out.State {
	case payment.StateConfirmed:
		return c.replayPaid(ctx, caller, req, domain, ch.Macaroon, out.Proof, base)

	case payment.StateTimedOutPending:
		// Funds may already be in flight; the reservation stays.
		p := PendingProof{
			Reference:   uuid.NewString(),
			PaymentID:   out.PaymentID,
			Macaroon:    ch.Macaroon,
			Request:     OriginalRequest{URL: req.URL, Method: req.Method, Headers: req.Headers, Body: req.Body},
			PriceSats:   price,
			FeeSats:     fee,
			Owner:       owner,
			Agent:       caller.ID,
			ReservedDay: reservation.Day,
			CreatedAt:   c.cfg.now().UTC(),
		}
		res := base
		res.Paid = false
		res.Status = StatusPending

		persistCtx := context.WithoutCancel(ctx)
		if err := c.cfg.pending.SavePending(persistCtx, p); err != nil {
			log.Error("failed to persist pending payment", zap.String("payment_id", out.PaymentID), zap.Error(err))
			c.record(persistCtx, caller, journal.ActionPaywallPending, false, total, out.PaymentID, err)
			return &res, spendguard.WrapError(spendguard.KindPaymentTimedOutPending,
				"payment is pending but its continuation could not be stored; check the payment id", err)
		}
		res.Reference = p.Reference
		metrics.PaywallRequests.WithLabelValues("pending").Inc()
		log.Info("paywall payment pending", zap.String("reference", p.Reference), zap.String("payment_id", out.PaymentID))
		c.record(persistCtx, caller, journal.ActionPaywallPending, true, total, p.Reference, nil)
		return &res, nil

	default:
		c.release(ctx, owner, reservation.Day, total, log)
		metrics.PaywallRequests.WithLabelValues("failed").Inc()
		err := out.Err()
		c.record(ctx, caller, journal.ActionPaywallFetch, false, total, out.PaymentID, err)
		return nil, err
	}
}

// Complete resumes a pending payment created by Fetch. Once the proof is
// available the original request is replayed and the reference is consumed.
// An unknown, expired, consumed or foreign reference is pending_not_found.
func (c *Client) Complete(ctx context.Context, caller spendguard.Caller, ref string) (*Result, error) {
	notFound := spendguard.NewError(spendguard.KindPendingNotFound, "unknown or expired payment reference",
		map[string]interface{}{"reference": ref})
	if strings.TrimSpace(ref) == "" {
		return nil, notFound
	}

	p, err := c.cfg.pending.GetPending(ctx, ref)
	if err != nil {
		return nil, err
	}
	if p == nil || p.Owner != caller.BudgetID() {
		return nil, notFound
	}
	log := c.cfg.logger.With(zap.String("agent", caller.ID), zap.String("reference", ref))

	out := c.confirmer.Resume(ctx, p.PaymentID)
	base := Result{Reference: ref, PaymentID: p.PaymentID, AmountSats: p.PriceSats, FeeSats: p.FeeSats}
	total := p.PriceSats + p.FeeSats

	switch out.State {
	case payment.StateConfirmed:
		claimed, err := c.cfg.pending.ClaimPending(ctx, ref)
		if err != nil {
			return nil, err
		}
		if !claimed {
			return nil, notFound
		}
		req, domain, err := normalize(Request{URL: p.Request.URL, Method: p.Request.Method, Headers: p.Request.Headers, Body: p.Request.Body})
		if err != nil {
			return nil, err
		}
		return c.replayPaid(ctx, caller, req, domain, p.Macaroon, out.Proof, base)

	case payment.StateTimedOutPending:
		res := base
		res.Status = StatusPending
		return &res, nil

	default:
		claimed, err := c.cfg.pending.ClaimPending(ctx, ref)
		if err != nil {
			return nil, err
		}
		if claimed {
			c.release(ctx, p.Owner, p.ReservedDay, total, log)
		}
		metrics.PaywallRequests.WithLabelValues("failed").Inc()
		ferr := out.Err()
		c.record(ctx, caller, journal.ActionPaywallComplete, false, total, ref, ferr)
		return nil, ferr
	}
}

// replayPaid replays req with the fresh credential, caching it on success
// and evicting it when the server keeps refusing it.
func (c *Client) replayPaid(ctx context.Context, caller spendguard.Caller, req Request, domain, macaroon, preimage string, res Result) (*Result, error) {
	res.Paid = true
	res.Status = StatusComplete
	res.Preimage = preimage
	total := res.AmountSats + res.FeeSats
	action := journal.ActionPaywallFetch
	if res.Reference != "" {
		action = journal.ActionPaywallComplete
	}

	resp, attempts, err := c.replay(ctx, req, Authorization(macaroon, preimage))
	res.Response = resp
	res.Attempts = attempts
	if err != nil {
		c.evict(ctx, domain, c.cfg.logger.With(zap.String("domain", domain)))
		metrics.PaywallRequests.WithLabelValues("retry_exhausted").Inc()
		c.record(ctx, caller, action, false, total, res.PaymentID, err)
		return &res, err
	}

	token := CachedToken{Domain: domain, Macaroon: macaroon, Preimage: preimage, CachedAt: c.cfg.now().UTC()}
	if err := c.cfg.tokens.PutToken(ctx, token); err != nil {
		c.cfg.logger.Warn("failed to cache credential", zap.String("domain", domain), zap.Error(err))
	}
	metrics.PaywallRequests.WithLabelValues("paid").Inc()
	c.record(ctx, caller, action, true, total, res.PaymentID, nil)
	return &res, nil
}

// replay sends req with auth until the response stops looking unverified
func (c *Client) replay(ctx context.Context, req Request, auth string) (*Response, int, error) {
	var (
		last    *Response
		lastErr error
	)
	attempt := 0
	for attempt < c.cfg.replayAttempts {
		if attempt > 0 && c.cfg.replayDelay > 0 {
			select {
			case <-time.After(c.cfg.replayDelay):
			case <-ctx.Done():
				return last, attempt, spendguard.WrapError(spendguard.KindRetryExhausted,
					"request deadline reached while replaying with payment proof", ctx.Err())
			}
		}
		attempt++

		resp, err := c.do(ctx, req, auth)
		if err != nil {
			lastErr = err
			continue
		}
		last = resp
		if !LooksUnverified(resp.StatusCode, []byte(resp.Body)) {
			return resp, attempt, nil
		}
		c.cfg.logger.Debug("replay looks unverified",
			zap.String("url", req.URL),
			zap.Int("status", resp.StatusCode),
			zap.Int("attempt", attempt))
	}

	details := map[string]interface{}{"attempts": attempt}
	if last != nil {
		details["statusCode"] = last.StatusCode
	}
	if last == nil && lastErr != nil {
		details["error"] = lastErr.Error()
	}
	return last, attempt, spendguard.NewError(spendguard.KindRetryExhausted,
		"paid request still looks unverified after replays", details)
}

// tryCached replays req with the domain's cached credential. It reports
// handled=false only when there is no credential or the server rejected
// it, which are the cases where a fresh payment may be made. A response
// that merely looks unverified is retried like a fresh replay and the
// credential is evicted once the retries run out.
func (c *Client) tryCached(ctx context.Context, req Request, domain string, log *zap.Logger) (*Result, bool, error) {
	token, err := c.cfg.tokens.GetToken(ctx, domain)
	if err != nil {
		log.Warn("failed to read cached credential", zap.Error(err))
		return nil, false, nil
	}
	if token == nil {
		return nil, false, nil
	}

	res := &Result{
		Status:           StatusComplete,
		Preimage:         token.Preimage,
		CachedCredential: true,
	}
	auth := token.Authorization()

	var lastErr error
	for res.Attempts < c.cfg.replayAttempts {
		if res.Attempts > 0 && c.cfg.replayDelay > 0 {
			select {
			case <-time.After(c.cfg.replayDelay):
			case <-ctx.Done():
				return res, true, spendguard.WrapError(spendguard.KindRetryExhausted,
					"request deadline reached while replaying cached credential", ctx.Err())
			}
		}
		res.Attempts++

		resp, err := c.do(ctx, req, auth)
		if err != nil {
			lastErr = err
			log.Warn("cached credential request failed", zap.Int("attempt", res.Attempts), zap.Error(err))
			continue
		}
		if CredentialRejected(resp.StatusCode) {
			log.Info("cached credential rejected", zap.Int("status", resp.StatusCode))
			c.evict(ctx, domain, log)
			return nil, false, nil
		}
		res.Response = resp
		if !LooksUnverified(resp.StatusCode, []byte(resp.Body)) {
			return res, true, nil
		}
		log.Debug("cached credential response looks unverified",
			zap.Int("status", resp.StatusCode),
			zap.Int("attempt", res.Attempts))
	}

	if res.Response == nil {
		return nil, true, spendguard.WrapError(spendguard.KindChallengeFetchError, "failed to fetch "+req.URL, lastErr)
	}
	c.evict(ctx, domain, log)
	return res, true, spendguard.NewError(spendguard.KindRetryExhausted,
		"response with cached credential still looks unverified after retries",
		map[string]interface{}{"attempts": res.Attempts, "statusCode": res.Response.StatusCode})
}

func (c *Client) evict(ctx context.Context, domain string, log *zap.Logger) {
	if err := c.cfg.tokens.EvictToken(context.WithoutCancel(ctx), domain); err != nil {
		log.Warn("failed to evict credential", zap.Error(err))
	}
}

// price decodes the invoice and returns the amount to budget against
func (c *Client) price(invoice string, maxPrice int64) (int64, error) {
	inv, err := bolt11.Decode(invoice)
	if err != nil {
		return 0, spendguard.WrapError(spendguard.KindInvalidChallenge, "challenge invoice could not be decoded", err)
	}
	amount, err := inv.AmountSats()
	if errors.Is(err, bolt11.ErrNoAmount) {
		return 0, spendguard.NewError(spendguard.KindInvalidChallenge, "amountless invoices are not supported", nil)
	}
	if err != nil {
		return 0, spendguard.WrapError(spendguard.KindInvalidChallenge, "challenge invoice amount is invalid", err)
	}
	if inv.Expired(c.cfg.now()) {
		return 0, spendguard.NewError(spendguard.KindInvalidChallenge, "challenge invoice has expired",
			map[string]interface{}{"expiresAt": inv.ExpiresAt()})
	}
	if maxPrice > 0 && amount > maxPrice {
		return 0, spendguard.NewError(spendguard.KindTransactionTooLarge,
			fmt.Sprintf("price %d exceeds maxPriceSats %d", amount, maxPrice),
			map[string]interface{}{"priceSats": amount, "maxPriceSats": maxPrice})
	}
	return amount, nil
}

func (c *Client) release(ctx context.Context, owner, day string, amount int64, log *zap.Logger) {
	if err := c.ledger.ReleaseOn(context.WithoutCancel(ctx), owner, day, amount); err != nil {
		log.Error("failed to release budget", zap.Int64("amount_sats", amount), zap.Error(err))
	}
}

func (c *Client) record(ctx context.Context, caller spendguard.Caller, action string, success bool, amount int64, ref string, err error) {
	e := journal.Entry{
		Agent:      caller.ID,
		Action:     action,
		Success:    success,
		AmountSats: amount,
		Reference:  ref,
	}
	if err != nil {
		e.Error = err.Error()
	}
	c.cfg.journal.Record(context.WithoutCancel(ctx), e)
}

// ============================================================================
// HTTP
// ============================================================================

func normalize(req Request) (Request, string, error) {
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		return req, "", spendguard.NewError(spendguard.KindInvalidRequest, "url is required", nil)
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		return req, "", spendguard.NewError(spendguard.KindInvalidRequest, "url must be http or https", nil)
	}
	domain, err := DomainOf(req.URL)
	if err != nil {
		return req, "", spendguard.WrapError(spendguard.KindInvalidRequest, "invalid url", err)
	}
	req.Method = strings.ToUpper(strings.TrimSpace(req.Method))
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.MaxFeeSats < 0 || req.MaxPriceSats < 0 {
		return req, "", spendguard.NewError(spendguard.KindInvalidAmount, "fee and price ceilings must not be negative", nil)
	}
	return req, domain, nil
}

func (c *Client) do(ctx context.Context, req Request, auth string) (*Response, error) {
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if auth != "" {
		httpReq.Header.Set("Authorization", auth)
	}

	resp, err := c.cfg.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       string(data),
		header:     resp.Header,
	}, nil
}
