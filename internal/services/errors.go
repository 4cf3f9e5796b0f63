package services

import (
	"errors"
	"fmt"
)

// Kind classifies an ActionError for the transport layer.
type Kind string

const (
	KindValidation Kind = "validation"
	KindPayment    Kind = "payment"
	KindConflict   Kind = "conflict"
	KindProvider   Kind = "provider"
	KindNotFound   Kind = "not_found"
	KindForbidden  Kind = "forbidden"
)

// ActionError is a rejected action. Message is safe to show to the caller.
type ActionError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *ActionError) Error() string { return e.Message }

func (e *ActionError) Unwrap() error { return e.Err }

func fail(kind Kind, err error) *ActionError {
	return &ActionError{Kind: kind, Message: err.Error(), Err: err}
}

func failf(kind Kind, sentinel error, format string, args ...any) *ActionError {
	return fail(kind, fmt.Errorf("%w: "+format, append([]any{sentinel}, args...)...))
}

// KindOf returns the kind of an ActionError in err's chain, or "" for internal errors.
func KindOf(err error) Kind {
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrServiceNotFound   = errors.New("service not found")
	ErrForbidden         = errors.New("caller is not a party to this order")
	ErrInvalidTransition = errors.New("action not allowed in the current order status")
	ErrMissingField      = errors.New("missing required field")
	ErrInvalidPrice      = errors.New("price must be greater than zero")
	ErrNotWorkspace      = errors.New("order is not a workspace order")
	ErrQuotaExhausted    = errors.New("quota exhausted")
	ErrWindowExpired     = errors.New("workspace window expired")
	ErrNoProvider        = errors.New("service has no automated provider")
	ErrAttemptsExhausted = errors.New("automatic fulfillment attempts exhausted; the provider must deliver manually or the order can be cancelled")
	ErrConcurrentUpdate  = errors.New("order status changed concurrently, please retry")
	ErrGenerationFailed  = errors.New("generation failed")
	ErrContentRejected   = errors.New("generation rejected by the provider's content policy")

	ErrTxAlreadyUsed  = errors.New("this transaction has already been used for another order")
	ErrTxNotFound     = errors.New("transaction not found on chain")
	ErrTxFailed       = errors.New("transaction did not succeed on chain")
	ErrWrongAsset     = errors.New("transaction did not transfer the expected stablecoin")
	ErrWrongRecipient = errors.New("transaction did not pay the platform treasury")
	ErrWrongPayer     = errors.New("transaction was not sent by the expected payer")
	ErrAmountMismatch = errors.New("transferred amount is below the amount due")
)
