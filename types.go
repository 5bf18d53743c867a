package spendguard

import (
	"strings"
	"time"
)

// ============================================================================
// Callers
// ============================================================================

// Role is the permission level granted to a credential
type Role string

const (
	// RoleAdmin may spend, read every caller's activity and reset budgets
	RoleAdmin Role = "admin"
	// RoleAgent may spend within its limits and read its own activity
	RoleAgent Role = "agent"
	// RoleViewer may only read
	RoleViewer Role = "viewer"
)

// CanSpend reports whether the role is allowed to move funds
func (r Role) CanSpend() bool {
	return r == RoleAdmin || r == RoleAgent
}

// Caller is a verified credential holder and the limits attached to it
type Caller struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Role         Role   `json:"role"`
	PerTxCapSats int64  `json:"perTxCapSats"`
	DailyCapSats int64  `json:"dailyCapSats"`

	// BudgetPool, when set, makes several credentials share one daily counter
	BudgetPool string `json:"budgetPool,omitempty"`
}

// BudgetID returns the identity the daily spend counter is namespaced by
func (c Caller) BudgetID() string {
	if c.BudgetPool != "" {
		return "pool:" + c.BudgetPool
	}
	return c.ID
}

// ============================================================================
// Wallet values
// ============================================================================

// Balance is the wallet's spendable balance
type Balance struct {
	Sats int64 `json:"sats"`
}

// InvoiceKind selects which kind of receive request the wallet creates
type InvoiceKind string

const (
	InvoiceLightning InvoiceKind = "lightning"
	InvoiceNative    InvoiceKind = "native"
)

// InvoiceRequest describes a receive-side invoice to create
type InvoiceRequest struct {
	AmountSats    int64       `json:"amountSats"`
	Memo          string      `json:"memo,omitempty"`
	ExpirySeconds int64       `json:"expirySeconds,omitempty"`
	Kind          InvoiceKind `json:"kind,omitempty"`
}

// Invoice is a receive request created by the wallet
type Invoice struct {
	ID            string      `json:"id,omitempty"`
	Encoded       string      `json:"invoice"`
	Kind          InvoiceKind `json:"kind"`
	AmountSats    int64       `json:"amountSats"`
	Memo          string      `json:"memo,omitempty"`
	PaymentHash   string      `json:"paymentHash,omitempty"`
	ExpirySeconds int64       `json:"expirySeconds"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// ============================================================================
// Payment results (tagged union)
// ============================================================================

// PaymentResult is what the wallet hands back for an outgoing payment.
// It is one of *LightningSendRequest or *WalletTransfer.
type PaymentResult interface {
	// PaymentID returns the reference used to poll this payment, if any
	PaymentID() string
	// PaymentStatus returns the provider's raw status string
	PaymentStatus() string
	// Proof returns the payment preimage when the provider supplied one
	Proof() string

	paymentResult()
}

// Lightning send request statuses reported by the wallet provider
const (
	StatusLightningCreated           = "LIGHTNING_PAYMENT_CREATED"
	StatusLightningInitiated         = "LIGHTNING_PAYMENT_INITIATED"
	StatusLightningSucceeded         = "LIGHTNING_PAYMENT_SUCCEEDED"
	StatusLightningFailed            = "LIGHTNING_PAYMENT_FAILED"
	StatusPreimageProvided           = "PREIMAGE_PROVIDED"
	StatusTransferCompleted          = "TRANSFER_COMPLETED"
	StatusTransferFailed             = "TRANSFER_FAILED"
	StatusUserTransferValidationFail = "USER_TRANSFER_VALIDATION_FAILED"
	StatusUserSwapReturned           = "USER_SWAP_RETURNED"
	StatusPreimageProvidingFailed    = "PREIMAGE_PROVIDING_FAILED"
)

// Wallet transfer statuses
const (
	TransferStatusCompleted = "TRANSFER_STATUS_COMPLETED"
	TransferStatusPending   = "TRANSFER_STATUS_SENDER_INITIATED"
	TransferStatusExpired   = "TRANSFER_STATUS_EXPIRED"
	TransferStatusReturned  = "TRANSFER_STATUS_RETURNED"
)

// IsSuccessStatus reports whether status means the payment went through.
// Success still requires a proof before it is treated as settled.
func IsSuccessStatus(status string) bool {
	switch strings.ToUpper(status) {
	case StatusLightningSucceeded, StatusPreimageProvided, StatusTransferCompleted, TransferStatusCompleted:
		return true
	}
	return false
}

// IsFailureStatus reports whether status is a terminal failure
func IsFailureStatus(status string) bool {
	switch strings.ToUpper(status) {
	case StatusLightningFailed, StatusTransferFailed, StatusUserTransferValidationFail,
		StatusUserSwapReturned, StatusPreimageProvidingFailed, TransferStatusExpired, TransferStatusReturned:
		return true
	}
	return false
}

// LightningSendRequest is an outgoing Lightning payment tracked by the wallet
type LightningSendRequest struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Invoice     string    `json:"encodedInvoice,omitempty"`
	Preimage    string    `json:"paymentPreimage,omitempty"`
	FeeSats     int64     `json:"feeSats,omitempty"`
	TransferID  string    `json:"transferId,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
	FailMessage string    `json:"failureMessage,omitempty"`
}

func (r *LightningSendRequest) PaymentID() string     { return r.ID }
func (r *LightningSendRequest) PaymentStatus() string { return r.Status }
func (r *LightningSendRequest) Proof() string         { return r.Preimage }
func (r *LightningSendRequest) paymentResult()        {}

// TransferDirection is the direction of a wallet transfer relative to this wallet
type TransferDirection string

const (
	DirectionIncoming TransferDirection = "INCOMING"
	DirectionOutgoing TransferDirection = "OUTGOING"
)

// WalletTransfer is a native transfer between wallets
type WalletTransfer struct {
	ID          string            `json:"id"`
	Status      string            `json:"status"`
	Direction   TransferDirection `json:"transferDirection"`
	AmountSats  int64             `json:"totalValue"`
	Type        string            `json:"type,omitempty"`
	PaymentHash string            `json:"paymentHash,omitempty"`
	Invoice     string            `json:"invoice,omitempty"`
	Preimage    string            `json:"paymentPreimage,omitempty"`
	CreatedAt   time.Time         `json:"createdTime,omitempty"`
}

func (t *WalletTransfer) PaymentID() string     { return t.ID }
func (t *WalletTransfer) PaymentStatus() string { return t.Status }
func (t *WalletTransfer) Proof() string         { return t.Preimage }
func (t *WalletTransfer) paymentResult()        {}

// Completed reports whether the transfer settled
func (t *WalletTransfer) Completed() bool {
	return strings.EqualFold(t.Status, TransferStatusCompleted) || strings.EqualFold(t.Status, StatusTransferCompleted)
}

// Ensure both variants implement PaymentResult
var (
	_ PaymentResult = (*LightningSendRequest)(nil)
	_ PaymentResult = (*WalletTransfer)(nil)
)
