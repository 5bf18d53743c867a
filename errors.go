package spendguard

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable failure classification carried by every Error.
type Kind string

// Failure kinds returned by engine operations
const (
	KindInvalidAmount          Kind = "invalid_amount"
	KindTransactionTooLarge    Kind = "transaction_too_large"
	KindBudgetExceeded         Kind = "budget_exceeded"
	KindPaymentFailed          Kind = "payment_failed"
	KindPaymentTimedOutPending Kind = "payment_timed_out_pending"
	KindChallengeFetchError    Kind = "challenge_fetch_error"
	KindChallengeParseError    Kind = "challenge_parse_error"
	KindInvalidChallenge       Kind = "invalid_challenge"
	KindNoProofAvailable       Kind = "no_proof_available"
	KindRetryExhausted         Kind = "retry_exhausted"
	KindPendingNotFound        Kind = "pending_not_found"
	KindUnauthorized           Kind = "unauthorized"
	KindForbidden              Kind = "forbidden"
	KindWalletError            Kind = "wallet_error"
	KindInvalidRequest         Kind = "invalid_request"
)

// Error is the failure value returned by engine operations.
// Message is the human-readable reason; Details carries diagnostics such as
// the caller's current spend when a reservation is rejected.
type Error struct {
	Kind    Kind                   `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, so callers can
// write errors.Is(err, &spendguard.Error{Kind: spendguard.KindBudgetExceeded}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError creates a new engine error
func NewError(kind Kind, message string, details map[string]interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Details: details,
	}
}

// Errorf creates an engine error with a formatted message
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError creates an engine error around a lower-level cause
func WrapError(kind Kind, message string, err error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
