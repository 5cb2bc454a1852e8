package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// PaymentProvider executes the actual money movement for one transfer. The
// idempotency key is the provider-side dedupe token: replaying a call with
// the same key must not pay twice. The provider's error classification
// decides whether a failed transfer is retried.
type PaymentProvider interface {
	Transfer(ctx context.Context, destinationUserID string, amount decimal.Decimal, idempotencyKey string) (providerRef string, err error)
}

// ProviderError wraps a provider failure with its retry classification.
type ProviderError struct {
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("provider transfer failed (retryable): %v", e.Err)
	}
	return fmt.Sprintf("provider transfer failed (terminal): %v", e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a provider failure worth another
// attempt. Unclassified errors (network timeouts before the provider
// answered, etc.) count as retryable: the idempotency key makes a repeat
// call safe, whereas giving up on an ambiguous failure would strand money.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}
