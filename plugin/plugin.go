// Package plugin provides the hook system for tollgate. Plugins implement
// any subset of the hook interfaces below and are dispatched by the Registry.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/tollgate/audit"
	"github.com/xraph/tollgate/entitlement"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/quota"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts. engine is the *tollgate.Tollgate.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Entitlement hooks
// ──────────────────────────────────────────────────

// OnEntitlementCreated is called after an entitlement is persisted.
type OnEntitlementCreated interface {
	Plugin
	OnEntitlementCreated(ctx context.Context, e *entitlement.Entitlement) error
}

// OnEntitlementUpdated is called after a top-level update. action is one of
// updated, activated or deactivated.
type OnEntitlementUpdated interface {
	Plugin
	OnEntitlementUpdated(ctx context.Context, e *entitlement.Entitlement, action audit.Action, changes map[string]any) error
}

// OnModuleChanged is called after SetModule.
type OnModuleChanged interface {
	Plugin
	OnModuleChanged(ctx context.Context, e *entitlement.Entitlement, module entitlement.Module) error
}

// OnFeatureChanged is called after SetFeature.
type OnFeatureChanged interface {
	Plugin
	OnFeatureChanged(ctx context.Context, e *entitlement.Entitlement, module string, feature entitlement.Feature) error
}

// OnQuotasChanged is called after SetQuotas with the merged quota map.
type OnQuotasChanged interface {
	Plugin
	OnQuotasChanged(ctx context.Context, e *entitlement.Entitlement, quotas map[string]int64) error
}

// ──────────────────────────────────────────────────
// Quota hooks
// ──────────────────────────────────────────────────

// OnUsageRecorded is called after a successful increment.
type OnUsageRecorded interface {
	Plugin
	OnUsageRecorded(ctx context.Context, entID id.EntitlementID, amount int64, usage quota.Usage) error
}

// OnQuotaExceeded is called when an increment is refused.
type OnQuotaExceeded interface {
	Plugin
	OnQuotaExceeded(ctx context.Context, e *entitlement.Entitlement, amount int64, usage quota.Usage) error
}

// OnUsageReset is called after counters are zeroed.
type OnUsageReset interface {
	Plugin
	OnUsageReset(ctx context.Context, e *entitlement.Entitlement, resources []string) error
}

// ──────────────────────────────────────────────────
// Evaluation hooks
// ──────────────────────────────────────────────────

// PermissionCheck summarises one permission decision.
type PermissionCheck struct {
	TenantID      string
	TenantType    entitlement.TenantType
	Module        string
	Feature       string
	HasPermission bool
	Reason        string
	CacheHit      bool
	Elapsed       time.Duration
}

// OnPermissionChecked is called after every CheckPermission.
type OnPermissionChecked interface {
	Plugin
	OnPermissionChecked(ctx context.Context, check PermissionCheck) error
}
