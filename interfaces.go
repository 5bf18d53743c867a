package spendguard

import "context"

// ============================================================================
// Collaborators
// ============================================================================

// Wallet is the custodial wallet provider. Signing and key management live
// behind it; the engine only sees typed results.
type Wallet interface {
	// Balance returns the spendable balance
	Balance(ctx context.Context) (Balance, error)

	// Address returns the wallet's own native address
	Address(ctx context.Context) (string, error)

	// CreateLightningInvoice creates a BOLT-11 invoice to receive funds
	CreateLightningInvoice(ctx context.Context, req InvoiceRequest) (Invoice, error)

	// CreateNativeInvoice creates a native (L2) payment request
	CreateNativeInvoice(ctx context.Context, req InvoiceRequest) (Invoice, error)

	// EstimateLightningFee estimates the routing fee for paying invoice
	EstimateLightningFee(ctx context.Context, invoice string) (int64, error)

	// PayLightningInvoice submits a payment. The result may already carry a
	// proof or only a reference to poll.
	PayLightningInvoice(ctx context.Context, invoice string, maxFeeSats int64) (PaymentResult, error)

	// LightningSendStatus looks up a previously submitted payment
	LightningSendStatus(ctx context.Context, id string) (PaymentResult, error)

	// Transfer sends amountSats to a native address
	Transfer(ctx context.Context, address string, amountSats int64) (*WalletTransfer, error)

	// ListTransfers returns transfer history, newest first
	ListTransfers(ctx context.Context, limit, offset int) ([]WalletTransfer, error)
}

// Verifier resolves a bearer credential into a Caller
type Verifier interface {
	Verify(ctx context.Context, token string) (*Caller, error)
}
