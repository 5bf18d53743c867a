// Package mockwallet provides a scripted in-memory spendguard.Wallet for tests.
package mockwallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentpay/spendguard"
)

// ============================================================================
// Scripted Wallet
// ============================================================================

// Wallet implements spendguard.Wallet with scripted behaviour.
//
// Payments settle synchronously when SyncProof is set. Otherwise each payment
// reports LIGHTNING_PAYMENT_INITIATED for PendingPolls status lookups and
// then succeeds (or fails when FailPayments is set). PendingPolls < 0 keeps a
// payment pending until Settle is called.
type Wallet struct {
	mu sync.Mutex

	BalanceSats int64
	OwnAddress  string

	FeeSats int64
	FeeErr  error

	SyncProof    bool
	PendingPolls int
	FailPayments bool
	// OmitProof makes successful payments report success without a preimage
	OmitProof bool

	// PayErrs are returned, in order, by successive PayLightningInvoice calls
	// before falling back to normal behaviour
	PayErrs     []error
	TransferErr error

	Transfers []spendguard.WalletTransfer

	PayCalls      int
	StatusCalls   int
	TransferCalls int
	SelfTransfers int

	payments map[string]*payment
	seq      int
}

type payment struct {
	invoice string
	polls   int
	settled bool
}

// New creates a wallet with a balance and a fixed own address
func New(balanceSats int64) *Wallet {
	return &Wallet{
		BalanceSats: balanceSats,
		OwnAddress:  "sprt1selfaddress",
		payments:    make(map[string]*payment),
	}
}

// Balance implements spendguard.Wallet
func (w *Wallet) Balance(ctx context.Context) (spendguard.Balance, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return spendguard.Balance{Sats: w.BalanceSats}, nil
}

// Address implements spendguard.Wallet
func (w *Wallet) Address(ctx context.Context) (string, error) {
	return w.OwnAddress, nil
}

// CreateLightningInvoice implements spendguard.Wallet
func (w *Wallet) CreateLightningInvoice(ctx context.Context, req spendguard.InvoiceRequest) (spendguard.Invoice, error) {
	expiry := time.Duration(req.ExpirySeconds) * time.Second
	encoded, hash := NewInvoice(InvoiceOptions{AmountSats: req.AmountSats, Description: req.Memo, Expiry: expiry})
	w.mu.Lock()
	w.seq++
	id := fmt.Sprintf("inv-%d", w.seq)
	w.mu.Unlock()
	return spendguard.Invoice{
		ID:            id,
		Encoded:       encoded,
		Kind:          spendguard.InvoiceLightning,
		AmountSats:    req.AmountSats,
		Memo:          req.Memo,
		PaymentHash:   hash,
		ExpirySeconds: req.ExpirySeconds,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// CreateNativeInvoice implements spendguard.Wallet
func (w *Wallet) CreateNativeInvoice(ctx context.Context, req spendguard.InvoiceRequest) (spendguard.Invoice, error) {
	w.mu.Lock()
	w.seq++
	id := fmt.Sprintf("native-%d", w.seq)
	w.mu.Unlock()
	return spendguard.Invoice{
		ID:            id,
		Encoded:       "sprt1" + id,
		Kind:          spendguard.InvoiceNative,
		AmountSats:    req.AmountSats,
		Memo:          req.Memo,
		ExpirySeconds: req.ExpirySeconds,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// EstimateLightningFee implements spendguard.Wallet
func (w *Wallet) EstimateLightningFee(ctx context.Context, invoice string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.FeeSats, w.FeeErr
}

// PayLightningInvoice implements spendguard.Wallet
func (w *Wallet) PayLightningInvoice(ctx context.Context, invoice string, maxFeeSats int64) (spendguard.PaymentResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.PayCalls++
	if len(w.PayErrs) > 0 {
		err := w.PayErrs[0]
		w.PayErrs = w.PayErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	w.seq++
	id := fmt.Sprintf("ln-send-%d", w.seq)
	w.payments[id] = &payment{invoice: invoice}

	req := &spendguard.LightningSendRequest{
		ID:        id,
		Status:    spendguard.StatusLightningInitiated,
		Invoice:   invoice,
		CreatedAt: time.Now().UTC(),
	}
	if w.SyncProof {
		w.settleLocked(id, req)
	}
	return req, nil
}

// LightningSendStatus implements spendguard.Wallet
func (w *Wallet) LightningSendStatus(ctx context.Context, id string) (spendguard.PaymentResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.StatusCalls++
	p, ok := w.payments[id]
	if !ok {
		return nil, errors.New("lightning send request not found")
	}
	p.polls++

	req := &spendguard.LightningSendRequest{
		ID:      id,
		Status:  spendguard.StatusLightningInitiated,
		Invoice: p.invoice,
	}
	if p.settled || (w.PendingPolls >= 0 && p.polls > w.PendingPolls) {
		w.settleLocked(id, req)
	}
	return req, nil
}

// Settle marks a pending payment as succeeded on the next status lookup
func (w *Wallet) Settle(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.payments[id]; ok {
		p.settled = true
	}
}

func (w *Wallet) settleLocked(id string, req *spendguard.LightningSendRequest) {
	if w.FailPayments {
		req.Status = spendguard.StatusLightningFailed
		req.FailMessage = "no route"
		return
	}
	req.Status = spendguard.StatusLightningSucceeded
	if !w.OmitProof {
		req.Status = spendguard.StatusPreimageProvided
		req.Preimage = PreimageFor(id)
	}
}

// Transfer implements spendguard.Wallet
func (w *Wallet) Transfer(ctx context.Context, address string, amountSats int64) (*spendguard.WalletTransfer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.TransferCalls++
	if w.TransferErr != nil {
		return nil, w.TransferErr
	}
	if amountSats > w.BalanceSats {
		return nil, errors.New("insufficient balance")
	}
	if address == w.OwnAddress {
		w.SelfTransfers++
	} else {
		w.BalanceSats -= amountSats
	}

	w.seq++
	t := spendguard.WalletTransfer{
		ID:         fmt.Sprintf("transfer-%d", w.seq),
		Status:     spendguard.TransferStatusCompleted,
		Direction:  spendguard.DirectionOutgoing,
		AmountSats: amountSats,
		CreatedAt:  time.Now().UTC(),
	}
	w.Transfers = append([]spendguard.WalletTransfer{t}, w.Transfers...)
	return &t, nil
}

// ListTransfers implements spendguard.Wallet
func (w *Wallet) ListTransfers(ctx context.Context, limit, offset int) ([]spendguard.WalletTransfer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if offset >= len(w.Transfers) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(w.Transfers) {
		end = len(w.Transfers)
	}
	out := make([]spendguard.WalletTransfer, end-offset)
	copy(out, w.Transfers[offset:end])
	return out, nil
}

// AddIncoming records a completed incoming transfer paying paymentHash
func (w *Wallet) AddIncoming(paymentHash string, amountSats int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	w.Transfers = append([]spendguard.WalletTransfer{{
		ID:          fmt.Sprintf("transfer-%d", w.seq),
		Status:      spendguard.TransferStatusCompleted,
		Direction:   spendguard.DirectionIncoming,
		AmountSats:  amountSats,
		Type:        "PREIMAGE_SWAP",
		PaymentHash: paymentHash,
		CreatedAt:   time.Now().UTC(),
	}}, w.Transfers...)
	w.BalanceSats += amountSats
}

// Calls returns the pay, status and transfer call counts
func (w *Wallet) Calls() (pay, status, transfer int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.PayCalls, w.StatusCalls, w.TransferCalls
}

// Ensure Wallet implements spendguard.Wallet
var _ spendguard.Wallet = (*Wallet)(nil)
