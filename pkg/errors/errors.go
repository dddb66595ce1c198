package apperrors

import "errors"

// Standardized venue errors. Adapters map raw venue responses onto
// these sentinels so callers can branch with errors.Is.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOrderRejected       = errors.New("order rejected")
	ErrRateLimited         = errors.New("rate limited")
	ErrNetwork             = errors.New("network error")
	ErrInvalidSymbol       = errors.New("invalid symbol")
	ErrAuthFailure         = errors.New("authentication failed")
	ErrVenueMaintenance    = errors.New("venue maintenance")
	ErrOrderNotFound       = errors.New("order not found")
	ErrDuplicateOrder      = errors.New("duplicate order")
	ErrInvalidOrder        = errors.New("invalid order parameter")
	ErrReduceOnlyViolation = errors.New("reduce-only would increase position")
	ErrStepSize            = errors.New("size violates venue step size")
	ErrNotSupported        = errors.New("operation not supported by venue")
	ErrVenueDisabled       = errors.New("venue disabled by trip switch")
)
