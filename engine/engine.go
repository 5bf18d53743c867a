// Package engine composes the budget ledger, payment confirmation, stale
// fragment recovery, paywall client, invoice tracker and activity journal
// into the operations exposed to callers.
//
// Every spending operation follows the same order: validate and decode,
// reserve against the caller's budget, submit to the wallet under
// recovery, drive the payment to an outcome, journal it, and release the
// reservation if the payment did not go through.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentpay/spendguard"
	"github.com/agentpay/spendguard/bolt11"
	"github.com/agentpay/spendguard/budget"
	"github.com/agentpay/spendguard/invoices"
	"github.com/agentpay/spendguard/journal"
	"github.com/agentpay/spendguard/l402"
	"github.com/agentpay/spendguard/payment"
	"github.com/agentpay/spendguard/recovery"
)

// Payment receipt statuses
const (
	StatusComplete = "complete"
	StatusPending  = "pending"
)

// ============================================================================
// Results
// ============================================================================

// Receipt describes an outgoing payment or transfer
type Receipt struct {
	Status     string `json:"status"`
	PaymentID  string `json:"paymentId,omitempty"`
	AmountSats int64  `json:"amountSats"`
	FeeSats    int64  `json:"feeSats,omitempty"`
	Preimage   string `json:"preimage,omitempty"`
	Polls      int    `json:"polls,omitempty"`
}

// PaymentState is a one-shot view of a payment's status at the wallet
type PaymentState struct {
	PaymentID string        `json:"paymentId"`
	State     payment.State `json:"state"`
	Status    string        `json:"status"`
	Preimage  string        `json:"preimage,omitempty"`
}

// BudgetStatus is a caller's spend for the current UTC day
type BudgetStatus struct {
	BudgetID      string `json:"budgetId"`
	Day           string `json:"day"`
	SpentSats     int64  `json:"spentSats"`
	DailyCapSats  int64  `json:"dailyCapSats"`
	PerTxCapSats  int64  `json:"perTxCapSats"`
	RemainingSats int64  `json:"remainingSats"`
}

// ============================================================================
// Engine
// ============================================================================

// Engine is the spend-guarded payment engine. It holds no request state;
// everything shared between requests lives in Redis.
type Engine struct {
	wallet    spendguard.Wallet
	ledger    *budget.Ledger
	journal   *journal.Journal
	invoices  *invoices.Tracker
	confirmer *payment.Confirmer
	pending   *payment.PendingStore
	recoverer *recovery.Recoverer
	paywall   *l402.Client
	feeSats   int64
	now       func() time.Time
	logger    *zap.Logger
}

// New wires an engine around rdb and wallet
func New(rdb redis.UniversalClient, wallet spendguard.Wallet, opts ...Option) (*Engine, error) {
	if rdb == nil {
		return nil, errors.New("engine requires a redis client")
	}
	if wallet == nil {
		return nil, errors.New("engine requires a wallet")
	}

	cfg := config{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	s := cfg.settings
	log := cfg.logger

	j := journal.New(rdb,
		journal.WithMaxEntries(s.JournalMaxEntries),
		journal.WithTTL(s.JournalTTL),
		journal.WithClock(cfg.now),
		journal.WithLogger(log.Named("journal")))

	ledger := budget.NewLedger(rdb,
		budget.WithRetention(s.BudgetRetention),
		budget.WithClock(cfg.now),
		budget.WithLogger(log.Named("budget")))

	confirmer := payment.NewConfirmer(wallet,
		payment.WithPollInterval(s.PollInterval),
		payment.WithPollAttempts(s.PollAttempts),
		payment.WithLogger(log.Named("payment")))

	recoverer := recovery.New(wallet, log.Named("recovery"))
	recoverer.OnRecovery = func(ctx context.Context, moved int64, err error) {
		e := journal.Entry{Action: journal.ActionStaleRecovery, Success: err == nil && moved > 0, AmountSats: moved}
		if err != nil {
			e.Error = err.Error()
		}
		j.Record(ctx, e)
	}

	tracker := invoices.NewTracker(rdb, wallet,
		invoices.WithCleanupAfter(s.InvoiceCleanup),
		invoices.WithJournal(j),
		invoices.WithClock(cfg.now),
		invoices.WithLogger(log.Named("invoices")))

	feeSats := int64(l402.DefaultFeeSats)
	if s.DefaultFeeSats > 0 {
		feeSats = s.DefaultFeeSats
	}

	paywallOpts := []l402.Option{
		l402.WithJournal(j),
		l402.WithRecoverer(recoverer),
		l402.WithTTLs(s.PendingTTL, s.TokenTTL),
		l402.WithDefaultFee(feeSats),
		l402.WithClock(cfg.now),
		l402.WithLogger(log.Named("l402")),
	}
	if s.ReplayAttempts > 0 {
		paywallOpts = append(paywallOpts, l402.WithReplay(s.ReplayAttempts, s.ReplayDelay))
	}
	if cfg.httpClient != nil {
		paywallOpts = append(paywallOpts, l402.WithHTTPClient(cfg.httpClient))
	}

	return &Engine{
		wallet:    wallet,
		ledger:    ledger,
		journal:   j,
		invoices:  tracker,
		confirmer: confirmer,
		pending:   payment.NewPendingStore(rdb, s.PendingTTL),
		recoverer: recoverer,
		paywall:   l402.NewClient(rdb, wallet, ledger, confirmer, paywallOpts...),
		feeSats:   feeSats,
		now:       cfg.now,
		logger:    log,
	}, nil
}

// ============================================================================
// Spending
// ============================================================================

// PayInvoice pays a BOLT-11 invoice. The amount comes from the invoice
// itself; amountless invoices are refused. A payment whose proof is not
// ready in time returns Status "pending" and keeps its reservation.
func (e *Engine) PayInvoice(ctx context.Context, caller spendguard.Caller, invoice string, maxFeeSats int64) (*Receipt, error) {
	if err := requireSpend(caller); err != nil {
		return nil, err
	}
	invoice = strings.TrimSpace(invoice)
	if invoice == "" {
		return nil, spendguard.NewError(spendguard.KindInvalidRequest, "invoice is required", nil)
	}
	if maxFeeSats < 0 {
		return nil, spendguard.NewError(spendguard.KindInvalidAmount, "maxFeeSats must not be negative", nil)
	}

	decoded, err := bolt11.Decode(invoice)
	if err != nil {
		return nil, spendguard.WrapError(spendguard.KindInvalidRequest, "invoice could not be decoded", err)
	}
	amount, err := decoded.AmountSats()
	if err != nil {
		return nil, spendguard.WrapError(spendguard.KindInvalidAmount, "amountless invoices are not supported", err)
	}
	if decoded.Expired(e.now()) {
		return nil, spendguard.NewError(spendguard.KindInvalidRequest, "invoice has expired",
			map[string]interface{}{"expiresAt": decoded.ExpiresAt()})
	}

	fee, err := payment.FeeFor(ctx, e.wallet, invoice, maxFeeSats, e.feeSats)
	if err != nil {
		return nil, err
	}
	total := amount + fee
	log := e.logger.With(zap.String("agent", caller.ID), zap.Int64("amount_sats", total))

	reservation, err := e.ledger.Reserve(ctx, caller.BudgetID(), total, caller.PerTxCapSats, caller.DailyCapSats)
	if err != nil {
		e.record(ctx, caller, journal.ActionPayInvoice, false, total, decoded.Description, "", err)
		return nil, err
	}

	submitted, err := recovery.Do(ctx, e.recoverer, func(ctx context.Context) (spendguard.PaymentResult, error) {
		return e.wallet.PayLightningInvoice(ctx, invoice, fee)
	})
	if err != nil {
		e.release(ctx, caller, reservation.Day, total)
		perr := spendguard.WrapError(spendguard.KindPaymentFailed, "wallet rejected payment", err)
		log.Error("invoice payment failed", zap.Error(err))
		e.record(ctx, caller, journal.ActionPayInvoice, false, total, decoded.Description, "", perr)
		return nil, perr
	}

	out := e.confirmer.Resolve(ctx, submitted)
	receipt := &Receipt{PaymentID: out.PaymentID, AmountSats: amount, FeeSats: fee, Polls: out.Polls}

	switch out.State {
	case payment.StateConfirmed:
		receipt.Status = StatusComplete
		receipt.Preimage = out.Proof
		e.record(ctx, caller, journal.ActionPayInvoice, true, total, decoded.Description, out.PaymentID, nil)
		return receipt, nil
	case payment.StateTimedOutPending:
		receipt.Status = StatusPending
		p := payment.PendingPayment{
			PaymentID:   out.PaymentID,
			AmountSats:  amount,
			FeeSats:     fee,
			Owner:       caller.BudgetID(),
			Agent:       caller.ID,
			Memo:        decoded.Description,
			ReservedDay: reservation.Day,
			CreatedAt:   e.now().UTC(),
		}
		if err := e.pending.Save(context.WithoutCancel(ctx), p); err != nil {
			log.Error("failed to persist pending payment", zap.String("payment_id", out.PaymentID), zap.Error(err))
		}
		log.Info("invoice payment pending", zap.String("payment_id", out.PaymentID))
		e.record(ctx, caller, journal.ActionPayInvoice, true, total, decoded.Description, out.PaymentID, nil)
		return receipt, nil
	default:
		e.release(ctx, caller, reservation.Day, total)
		ferr := out.Err()
		e.record(ctx, caller, journal.ActionPayInvoice, false, total, decoded.Description, out.PaymentID, ferr)
		return nil, ferr
	}
}

// SendTransfer sends amountSats to a native wallet address
func (e *Engine) SendTransfer(ctx context.Context, caller spendguard.Caller, address string, amountSats int64) (*Receipt, error) {
	if err := requireSpend(caller); err != nil {
		return nil, err
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, spendguard.NewError(spendguard.KindInvalidRequest, "address is required", nil)
	}

	reservation, err := e.ledger.Reserve(ctx, caller.BudgetID(), amountSats, caller.PerTxCapSats, caller.DailyCapSats)
	if err != nil {
		e.record(ctx, caller, journal.ActionTransfer, false, amountSats, "", address, err)
		return nil, err
	}

	transfer, err := recovery.Do(ctx, e.recoverer, func(ctx context.Context) (*spendguard.WalletTransfer, error) {
		return e.wallet.Transfer(ctx, address, amountSats)
	})
	if err != nil {
		e.release(ctx, caller, reservation.Day, amountSats)
		perr := spendguard.WrapError(spendguard.KindPaymentFailed, "transfer failed", err)
		e.logger.Error("transfer failed", zap.String("agent", caller.ID), zap.Int64("amount_sats", amountSats), zap.Error(err))
		e.record(ctx, caller, journal.ActionTransfer, false, amountSats, "", address, perr)
		return nil, perr
	}
	if spendguard.IsFailureStatus(transfer.Status) {
		e.release(ctx, caller, reservation.Day, amountSats)
		ferr := spendguard.NewError(spendguard.KindPaymentFailed, "wallet reported transfer failure: "+transfer.Status,
			map[string]interface{}{"paymentId": transfer.ID})
		e.record(ctx, caller, journal.ActionTransfer, false, amountSats, "", transfer.ID, ferr)
		return nil, ferr
	}

	status := StatusComplete
	if !transfer.Completed() {
		status = StatusPending
	}
	e.record(ctx, caller, journal.ActionTransfer, true, amountSats, "", transfer.ID, nil)
	return &Receipt{Status: status, PaymentID: transfer.ID, AmountSats: amountSats}, nil
}

// Fetch performs a paywalled HTTP request, paying its challenge if needed
func (e *Engine) Fetch(ctx context.Context, caller spendguard.Caller, req l402.Request) (*l402.Result, error) {
	if err := requireSpend(caller); err != nil {
		return nil, err
	}
	return e.paywall.Fetch(ctx, caller, req)
}

// FetchStatus continues a pending paywall payment by its reference
func (e *Engine) FetchStatus(ctx context.Context, caller spendguard.Caller, reference string) (*l402.Result, error) {
	if err := requireSpend(caller); err != nil {
		return nil, err
	}
	return e.paywall.Complete(ctx, caller, reference)
}

// PaymentStatus reports the status of an outgoing payment. A payment this
// caller left pending resumes polling; once it resolves the pending record
// is claimed and a failed payment's reservation is released. Any other
// payment id gets a single wallet lookup.
func (e *Engine) PaymentStatus(ctx context.Context, caller spendguard.Caller, paymentID string) (*PaymentState, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, spendguard.NewError(spendguard.KindInvalidRequest, "payment id is required", nil)
	}

	p, err := e.pending.Get(ctx, paymentID)
	if err != nil {
		e.logger.Warn("failed to read pending payment", zap.String("payment_id", paymentID), zap.Error(err))
	}
	if p != nil && (p.Owner == caller.BudgetID() || caller.Role == spendguard.RoleAdmin) {
		return e.resumePayment(ctx, caller, *p)
	}

	result, err := e.wallet.LightningSendStatus(ctx, paymentID)
	if err != nil {
		return nil, spendguard.WrapError(spendguard.KindWalletError, "failed to look up payment", err)
	}

	state := &PaymentState{PaymentID: paymentID, Status: result.PaymentStatus(), State: payment.StatePolling}
	switch {
	case spendguard.IsFailureStatus(state.Status):
		state.State = payment.StateFailed
	case result.Proof() != "":
		state.State = payment.StateConfirmed
		state.Preimage = result.Proof()
	}
	return state, nil
}

func (e *Engine) resumePayment(ctx context.Context, caller spendguard.Caller, p payment.PendingPayment) (*PaymentState, error) {
	out := e.confirmer.Resume(ctx, p.PaymentID)
	state := &PaymentState{PaymentID: p.PaymentID, State: out.State, Status: out.Status, Preimage: out.Proof}
	if !out.State.Terminal() {
		return state, nil
	}

	claimed, err := e.pending.Claim(context.WithoutCancel(ctx), p.PaymentID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Another request resolved it first.
		return state, nil
	}

	owner := spendguard.Caller{ID: p.Agent}
	if out.State == payment.StateConfirmed {
		e.record(ctx, owner, journal.ActionPayInvoice, true, p.Total(), p.Memo, p.PaymentID, nil)
		return state, nil
	}

	if err := e.ledger.ReleaseOn(context.WithoutCancel(ctx), p.Owner, p.ReservedDay, p.Total()); err != nil {
		e.logger.Error("failed to release budget",
			zap.String("payment_id", p.PaymentID),
			zap.Int64("amount_sats", p.Total()),
			zap.Error(err))
	}
	e.logger.Info("pending payment failed, reservation released",
		zap.String("agent", caller.ID),
		zap.String("payment_id", p.PaymentID))
	e.record(ctx, owner, journal.ActionPayInvoice, false, p.Total(), p.Memo, p.PaymentID, out.Err())
	return state, nil
}

// ============================================================================
// Receiving
// ============================================================================

// CreateInvoice creates a Lightning or native invoice and tracks it until
// it is paid or expires
func (e *Engine) CreateInvoice(ctx context.Context, caller spendguard.Caller, req spendguard.InvoiceRequest) (*spendguard.Invoice, error) {
	if err := requireSpend(caller); err != nil {
		return nil, err
	}
	if req.AmountSats <= 0 {
		return nil, spendguard.NewError(spendguard.KindInvalidAmount, "amount must be a positive integer", nil)
	}
	if req.ExpirySeconds < 0 {
		return nil, spendguard.NewError(spendguard.KindInvalidRequest, "expiry must not be negative", nil)
	}

	var (
		inv spendguard.Invoice
		err error
	)
	switch req.Kind {
	case "", spendguard.InvoiceLightning:
		req.Kind = spendguard.InvoiceLightning
		inv, err = e.wallet.CreateLightningInvoice(ctx, req)
	case spendguard.InvoiceNative:
		inv, err = e.wallet.CreateNativeInvoice(ctx, req)
	default:
		return nil, spendguard.Errorf(spendguard.KindInvalidRequest, "unknown invoice kind %q", req.Kind)
	}
	if err != nil {
		werr := spendguard.WrapError(spendguard.KindWalletError, "failed to create invoice", err)
		e.record(ctx, caller, journal.ActionCreateInvoice, false, req.AmountSats, req.Memo, "", werr)
		return nil, werr
	}
	if inv.Kind == "" {
		inv.Kind = req.Kind
	}

	pending := invoices.FromInvoice(inv, caller.ID)
	if err := e.invoices.Add(ctx, pending); err != nil {
		e.logger.Warn("failed to track invoice", zap.String("reference", pending.Reference), zap.Error(err))
	}
	e.record(ctx, caller, journal.ActionCreateInvoice, true, req.AmountSats, req.Memo, pending.Reference, nil)
	return &inv, nil
}

// ListInvoices reconciles tracked invoices and returns those still
// outstanding. Admins see every caller's invoices.
func (e *Engine) ListInvoices(ctx context.Context, caller spendguard.Caller) ([]invoices.PendingInvoice, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	agent := caller.ID
	if caller.Role == spendguard.RoleAdmin {
		agent = ""
	}
	return e.invoices.List(ctx, agent)
}

// ============================================================================
// Reads and Administration
// ============================================================================

// Balance returns the wallet balance
func (e *Engine) Balance(ctx context.Context, caller spendguard.Caller) (spendguard.Balance, error) {
	if err := requireCaller(caller); err != nil {
		return spendguard.Balance{}, err
	}
	b, err := e.wallet.Balance(ctx)
	if err != nil {
		return spendguard.Balance{}, spendguard.WrapError(spendguard.KindWalletError, "failed to read balance", err)
	}
	return b, nil
}

// Activity returns recent journal entries, newest first. Non-admin callers
// only ever see their own entries; admins may filter by agent or see all.
func (e *Engine) Activity(ctx context.Context, caller spendguard.Caller, limit int, agent string) ([]journal.Entry, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if caller.Role != spendguard.RoleAdmin {
		agent = caller.ID
	}
	return e.journal.List(ctx, limit, agent)
}

// BudgetStatus reports the caller's spend for today
func (e *Engine) BudgetStatus(ctx context.Context, caller spendguard.Caller) (*BudgetStatus, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	spent, err := e.ledger.Spent(ctx, caller.BudgetID())
	if err != nil {
		return nil, err
	}
	remaining := caller.DailyCapSats - spent
	if remaining < 0 {
		remaining = 0
	}
	return &BudgetStatus{
		BudgetID:      caller.BudgetID(),
		Day:           e.ledger.Today(),
		SpentSats:     spent,
		DailyCapSats:  caller.DailyCapSats,
		PerTxCapSats:  caller.PerTxCapSats,
		RemainingSats: remaining,
	}, nil
}

// ResetBudget clears today's counter for budgetID. Admin only.
func (e *Engine) ResetBudget(ctx context.Context, caller spendguard.Caller, budgetID string) error {
	if err := requireCaller(caller); err != nil {
		return err
	}
	if caller.Role != spendguard.RoleAdmin {
		return spendguard.NewError(spendguard.KindForbidden, "only admins may reset budgets", nil)
	}
	if strings.TrimSpace(budgetID) == "" {
		return spendguard.NewError(spendguard.KindInvalidRequest, "budget id is required", nil)
	}
	if err := e.ledger.Reset(ctx, budgetID); err != nil {
		return err
	}
	e.record(ctx, caller, journal.ActionBudgetReset, true, 0, "", budgetID, nil)
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

func requireCaller(caller spendguard.Caller) error {
	if caller.ID == "" {
		return spendguard.NewError(spendguard.KindUnauthorized, "caller is not authenticated", nil)
	}
	return nil
}

func requireSpend(caller spendguard.Caller) error {
	if err := requireCaller(caller); err != nil {
		return err
	}
	if !caller.Role.CanSpend() {
		return spendguard.NewError(spendguard.KindForbidden,
			fmt.Sprintf("role %q may not move funds", caller.Role), nil)
	}
	return nil
}

func (e *Engine) release(ctx context.Context, caller spendguard.Caller, day string, amount int64) {
	if err := e.ledger.ReleaseOn(context.WithoutCancel(ctx), caller.BudgetID(), day, amount); err != nil {
		e.logger.Error("failed to release budget",
			zap.String("agent", caller.ID),
			zap.Int64("amount_sats", amount),
			zap.Error(err))
	}
}

func (e *Engine) record(ctx context.Context, caller spendguard.Caller, action string, success bool, amount int64, memo, ref string, err error) {
	entry := journal.Entry{
		Agent:      caller.ID,
		Action:     action,
		Success:    success,
		AmountSats: amount,
		Memo:       memo,
		Reference:  ref,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	e.journal.Record(context.WithoutCancel(ctx), entry)
}
