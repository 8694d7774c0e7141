package tollgate

import (
	"errors"
	"fmt"

	"github.com/xraph/tollgate/cache"
)

// Sentinel errors for common failure scenarios.
var (
	// Lookup errors
	ErrEntitlementNotFound = errors.New("tollgate: entitlement not found")
	ErrModuleNotFound      = errors.New("tollgate: module not found")
	ErrFeatureNotFound     = errors.New("tollgate: feature not found")

	// Mutation errors
	ErrDuplicateTenant = errors.New("tollgate: entitlement already exists for tenant")
	ErrForbidden       = errors.New("tollgate: privileged actor required")

	// Quota errors
	ErrQuotaExceeded   = errors.New("tollgate: quota exceeded")
	ErrInvalidQuantity = errors.New("tollgate: invalid usage quantity")

	// Concurrency errors
	ErrVersionConflict = errors.New("tollgate: version conflict")
	ErrConflict        = errors.New("tollgate: too much contention, retries exhausted")

	// Store errors
	ErrStoreUnavailable = errors.New("tollgate: store unavailable")
	ErrStoreClosed      = errors.New("tollgate: store is closed")

	// Cache errors
	ErrCacheMiss = cache.ErrMiss
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("tollgate: validation failed for %s: %s", e.Field, e.Message)
}

// QuotaExceededError carries the counter state observed when an increment
// was refused. It matches ErrQuotaExceeded under errors.Is.
type QuotaExceededError struct {
	Resource string
	Amount   int64
	Usage    int64
	Quota    int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("tollgate: quota exceeded for %s: usage %d + %d > quota %d",
		e.Resource, e.Usage, e.Amount, e.Quota)
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntitlementNotFound) ||
		errors.Is(err, ErrModuleNotFound) ||
		errors.Is(err, ErrFeatureNotFound)
}

// IsQuotaError returns true if the error is related to quota enforcement.
func IsQuotaError(err error) bool {
	return errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrInvalidQuantity)
}

// IsValidation returns true if the error is a ValidationError.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// IsRetryable returns true if the error is temporary and the operation can
// be retried by the caller.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrStoreUnavailable)
}
