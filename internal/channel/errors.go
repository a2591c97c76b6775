package channel

import (
	"context"
	"errors"
	"fmt"
)

// Stable failure codes recorded on deliveries.
const (
	CodeMissingToken     = "missing_token"
	CodeMissingEmail     = "missing_email"
	CodeMissingPhone     = "missing_phone"
	CodeProviderRejected = "provider_rejected"
	CodeProviderError    = "provider_error"
	CodeTimeout          = "timeout"
	CodeRateLimited      = "rate_limited"
	CodeCircuitOpen      = "circuit_open"
	CodeInternal         = "internal_error"
	CodeUnsupported      = "unsupported_channel"
)

// Error is a classified channel failure. Permanent failures are never retried.
type Error struct {
	Code      string
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Code + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Reject marks a provider error as a permanent recipient rejection.
// Gateways use it when the provider refuses the recipient or payload.
func Reject(err error) error {
	return &Error{Code: CodeProviderRejected, Permanent: true, Err: err}
}

func missing(code, what string) *Error {
	return &Error{Code: code, Permanent: true, Err: fmt.Errorf("user has no %s", what)}
}

// Classify maps any gateway error onto a channel Error.
func Classify(ctx context.Context, err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) || (ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		return &Error{Code: CodeTimeout, Err: err}
	}
	return &Error{Code: CodeProviderError, Err: err}
}
