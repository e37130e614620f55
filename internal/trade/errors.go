package trade

import (
	"errors"
	"net/http"
)

// Error kinds returned by the engine. Callers classify with errors.Is; the
// wrapped message carries the detail.
var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidState      = errors.New("already processed")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAssetUnavailable  = errors.New("asset unavailable")
	ErrValidation        = errors.New("validation failed")
	ErrTradingDisabled   = errors.New("trading disabled")
)

// statusFor maps an engine error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrInsufficientFunds):
		return http.StatusConflict
	case errors.Is(err, ErrAssetUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrTradingDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
