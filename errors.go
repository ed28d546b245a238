package veyrun

import (
	"fmt"
	"regexp"
)

// PaymentError is an engine failure with a stable machine code. Decode
// failures never become PaymentErrors: the header codec absorbs them and
// callers see absence of data instead.
type PaymentError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrCodeNoWallet            = "no_wallet"
	ErrCodeCooldownActive      = "cooldown_active"
	ErrCodeMissingRequirement  = "missing_requirement"
	ErrCodeUnlockRejected      = "unlock_rejected"
	ErrCodeMissingReceipt      = "missing_receipt"
	ErrCodeInsufficientBalance = "insufficient_balance"
	ErrCodeStorageFailure      = "storage_failure"
	ErrCodeNoPendingPayment    = "no_pending_payment"
	ErrCodeUnknownMessage      = "unknown_message"
)

// NewPaymentError creates a new payment error.
func NewPaymentError(code, message string, details map[string]any) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// insufficientPattern matches the error text payment clients emit when the
// wallet cannot cover the transfer. There is no structured signal for this;
// the pattern is the contract.
var insufficientPattern = regexp.MustCompile(`(?i)insufficient\s+(balance|funds)`)

// IsInsufficientBalance reports whether an execution failure looks like the
// wallet ran out of funds, so confirmation surfaces can offer a top-up
// instead of a retry.
func IsInsufficientBalance(err error) bool {
	if err == nil {
		return false
	}
	if pe, ok := err.(*PaymentError); ok && pe.Code == ErrCodeInsufficientBalance {
		return true
	}
	return insufficientPattern.MatchString(err.Error())
}
