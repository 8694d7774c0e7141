package audit

import (
	"context"

	"github.com/xraph/tollgate/id"
)

// Store appends to and reads the audit trail of one entitlement. An append
// is a single atomic write that bumps the entitlement version; the store
// clamps PerformedAt so it never precedes the entry before it.
type Store interface {
	AppendAudit(ctx context.Context, entitlementID id.EntitlementID, entry Entry) error
	ListAudit(ctx context.Context, entitlementID id.EntitlementID) ([]Entry, error)
}
