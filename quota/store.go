package quota

import (
	"context"

	"github.com/xraph/tollgate/audit"
	"github.com/xraph/tollgate/id"
)

// Store mutates usage counters.
//
// IncrementUsage adds amount to resource only if usage+amount stays within
// the quota, as one atomic step. On refusal it returns the current snapshot
// together with an error wrapping tollgate.ErrQuotaExceeded and leaves the
// counter untouched.
//
// ResetUsage zeroes the named counters (all when resources is empty),
// guarded by expectedVersion, and appends entry in the same write.
type Store interface {
	IncrementUsage(ctx context.Context, entitlementID id.EntitlementID, resource string, amount int64) (Usage, error)
	ResetUsage(ctx context.Context, entitlementID id.EntitlementID, expectedVersion int64, resources []string, entry audit.Entry) error
}
