package core

import (
	"errors"
	"fmt"

	apperrors "funding_keeper/pkg/errors"
)

// ExchangeError is the typed failure every adapter operation surfaces.
// Callers treat it as data, never as a process-terminating event.
type ExchangeError struct {
	Venue   Venue
	Code    string
	Message string
	Err     error
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: [%s] %s", e.Venue, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Venue, e.Message)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// NewExchangeError wraps a venue failure, preserving the underlying
// cause for errors.Is checks against the apperrors sentinels.
func NewExchangeError(venue Venue, code, message string, cause error) *ExchangeError {
	return &ExchangeError{Venue: venue, Code: code, Message: message, Err: cause}
}

// AsExchangeError extracts an ExchangeError from an error chain.
func AsExchangeError(err error) (*ExchangeError, bool) {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// IsInsufficientBalance reports whether the venue rejected for margin.
func IsInsufficientBalance(err error) bool {
	return errors.Is(err, apperrors.ErrInsufficientBalance)
}

// IsOrderNotFound reports whether the venue no longer knows the order.
func IsOrderNotFound(err error) bool {
	return errors.Is(err, apperrors.ErrOrderNotFound)
}
