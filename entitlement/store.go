package entitlement

import (
	"context"
	"time"

	"github.com/xraph/tollgate/audit"
	"github.com/xraph/tollgate/id"
)

// Store persists entitlement aggregates.
//
// UpdateEntitlement writes every mutable field except usage and audit,
// succeeds only while the stored version equals expectedVersion, and appends
// entry in the same write. It never touches usage counters, so it cannot
// clobber concurrent increments.
type Store interface {
	CreateEntitlement(ctx context.Context, e *Entitlement) error
	GetEntitlement(ctx context.Context, entID id.EntitlementID) (*Entitlement, error)
	GetEntitlementByTenant(ctx context.Context, tenantID string, tenantType TenantType) (*Entitlement, error)
	ListEntitlements(ctx context.Context, opts ListOpts) ([]*Entitlement, error)
	UpdateEntitlement(ctx context.Context, e *Entitlement, expectedVersion int64, entry audit.Entry) error
	ListExpiring(ctx context.Context, after, until time.Time) ([]*Entitlement, error)
}

// ListOpts filters ListEntitlements. Empty strings and a nil IsActive match
// everything. Results are ordered by creation time, newest first.
type ListOpts struct {
	TenantID   string
	TenantType TenantType
	PlanID     string
	IsActive   *bool
	Limit      int
	Offset     int
}

// Matches reports whether e satisfies the filter.
func (o ListOpts) Matches(e *Entitlement) bool {
	if o.TenantID != "" && e.TenantID != o.TenantID {
		return false
	}
	if o.TenantType != "" && e.TenantType != o.TenantType {
		return false
	}
	if o.PlanID != "" && e.PlanID != o.PlanID {
		return false
	}
	if o.IsActive != nil && e.IsActive != *o.IsActive {
		return false
	}
	return true
}
