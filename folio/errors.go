/*
errors.go - Error types for the folio ledger

ERROR CATEGORIES:
  1. Validation errors - bad input, surfaced immediately, never retried
  2. Lookup errors     - folio or charge does not exist
  3. Concurrency       - stale version token, retryable after re-read

Drift found by the Validator is not an error; it is reported in a Report.
*/
package folio

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrChargeValidation is returned for non-positive or malformed charges.
	ErrChargeValidation = errors.New("charge validation failed")

	// ErrPaymentValidation is returned for non-positive or malformed payments.
	ErrPaymentValidation = errors.New("payment validation failed")

	// ErrUnsupportedPaymentMethod is returned when a method name is not in
	// the canonical set and not mapped by the tenant.
	ErrUnsupportedPaymentMethod = errors.New("unsupported payment method")

	// ErrInvalidID is returned for empty or malformed identifiers.
	ErrInvalidID = errors.New("invalid identifier")

	ErrFolioNotFound  = errors.New("folio not found")
	ErrChargeNotFound = errors.New("charge not found")

	// ErrFolioClosed is returned when posting to a closed folio.
	ErrFolioClosed = errors.New("folio is closed")

	// ErrAlreadyReversed is returned when reversing a charge twice.
	ErrAlreadyReversed = errors.New("charge already reversed")

	// ErrConcurrentModification is returned when an expected version does
	// not match the stored one.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

type ChargeValidationError struct {
	Field  string
	Amount decimal.Decimal
	Reason string
}

func (e *ChargeValidationError) Error() string {
	return fmt.Sprintf("invalid charge %s: %s (got %s)", e.Field, e.Reason, e.Amount.String())
}

func (e *ChargeValidationError) Unwrap() error { return ErrChargeValidation }

type PaymentValidationError struct {
	Field  string
	Amount decimal.Decimal
	Reason string
}

func (e *PaymentValidationError) Error() string {
	return fmt.Sprintf("invalid payment %s: %s (got %s)", e.Field, e.Reason, e.Amount.String())
}

func (e *PaymentValidationError) Unwrap() error { return ErrPaymentValidation }

type UnsupportedPaymentMethodError struct {
	TenantID string
	Method   string
}

func (e *UnsupportedPaymentMethodError) Error() string {
	if e.TenantID != "" {
		return fmt.Sprintf("unsupported payment method %q for tenant %s", e.Method, e.TenantID)
	}
	return fmt.Sprintf("unsupported payment method %q", e.Method)
}

func (e *UnsupportedPaymentMethodError) Unwrap() error { return ErrUnsupportedPaymentMethod }

// VersionConflictError carries both versions so callers can re-read and retry.
type VersionConflictError struct {
	FolioID  FolioID
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("folio %s: expected version %d, found %d", e.FolioID, e.Expected, e.Actual)
}

func (e *VersionConflictError) Unwrap() error { return ErrConcurrentModification }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed after re-reading state.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrChargeValidation) ||
		errors.Is(err, ErrPaymentValidation) ||
		errors.Is(err, ErrUnsupportedPaymentMethod) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrFolioClosed) ||
		errors.Is(err, ErrAlreadyReversed)
}

// IsNotFound returns true if the error indicates a missing folio or charge.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrFolioNotFound) || errors.Is(err, ErrChargeNotFound)
}
