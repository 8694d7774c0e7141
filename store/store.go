// Package store declares the persistence contract shared by every backend.
package store

import (
	"context"
	"time"

	"github.com/xraph/tollgate/audit"
	"github.com/xraph/tollgate/entitlement"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/quota"
)

// Store is the unified storage interface for all tollgate entities.
// The methods are declared explicitly rather than embedding the
// per-package interfaces so backends have one list to satisfy.
type Store interface {
	// Entitlement methods
	CreateEntitlement(ctx context.Context, e *entitlement.Entitlement) error
	GetEntitlement(ctx context.Context, entID id.EntitlementID) (*entitlement.Entitlement, error)
	GetEntitlementByTenant(ctx context.Context, tenantID string, tenantType entitlement.TenantType) (*entitlement.Entitlement, error)
	ListEntitlements(ctx context.Context, opts entitlement.ListOpts) ([]*entitlement.Entitlement, error)
	UpdateEntitlement(ctx context.Context, e *entitlement.Entitlement, expectedVersion int64, entry audit.Entry) error
	ListExpiring(ctx context.Context, after, until time.Time) ([]*entitlement.Entitlement, error)

	// Quota methods
	IncrementUsage(ctx context.Context, entID id.EntitlementID, resource string, amount int64) (quota.Usage, error)
	ResetUsage(ctx context.Context, entID id.EntitlementID, expectedVersion int64, resources []string, entry audit.Entry) error

	// Audit methods
	AppendAudit(ctx context.Context, entID id.EntitlementID, entry audit.Entry) error
	ListAudit(ctx context.Context, entID id.EntitlementID) ([]audit.Entry, error)

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ entitlement.Store = (Store)(nil)
	_ quota.Store       = (Store)(nil)
	_ audit.Store       = (Store)(nil)
)
