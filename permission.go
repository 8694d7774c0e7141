package tollgate

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/xraph/tollgate/cache"
	"github.com/xraph/tollgate/entitlement"
	"github.com/xraph/tollgate/plugin"
)

// Reasons reported by CheckPermission when access is denied.
const (
	ReasonNoEntitlement    = "no entitlement found"
	ReasonModuleDisabled   = "module not enabled"
	ReasonFeatureDisabled  = "feature not enabled"
	ReasonOutsideEffective = "entitlement not in effect"
)

// CheckResult is the outcome of a permission check.
type CheckResult struct {
	HasPermission    bool             `json:"has_permission"`
	IsModuleEnabled  bool             `json:"is_module_enabled"`
	IsFeatureEnabled bool             `json:"is_feature_enabled"`
	InEffect         bool             `json:"in_effect"`
	Quotas           map[string]int64 `json:"quotas,omitempty"`
	Usage            map[string]int64 `json:"usage,omitempty"`
	Reason           string           `json:"reason,omitempty"`
}

// CheckPermission resolves module and feature access for a tenant's active
// entitlement. An empty feature is vacuously enabled. The check never
// writes; the only error it returns comes from the store.
func (t *Tollgate) CheckPermission(ctx context.Context, tenantID string, tenantType entitlement.TenantType, module, feature string) (*CheckResult, error) {
	start := time.Now()

	e, hit, err := t.loadTenant(ctx, tenantID, tenantType)
	if err != nil && !errors.Is(err, ErrEntitlementNotFound) {
		return nil, err
	}

	res := &CheckResult{}
	if e == nil {
		res.Reason = ReasonNoEntitlement
	} else {
		res.IsModuleEnabled = entitlement.IsModuleEnabled(e, module)
		res.IsFeatureEnabled = feature == "" || entitlement.IsFeatureEnabled(e, module, feature)
		res.InEffect = e.InEffect(t.now())
		res.Quotas = maps.Clone(e.Quotas)
		res.Usage = maps.Clone(e.Usage)

		res.HasPermission = res.IsModuleEnabled && res.IsFeatureEnabled
		switch {
		case !res.IsModuleEnabled:
			res.Reason = ReasonModuleDisabled
		case !res.IsFeatureEnabled:
			res.Reason = ReasonFeatureDisabled
		case t.enforceWindow && !res.InEffect:
			res.HasPermission = false
			res.Reason = ReasonOutsideEffective
		}
	}

	t.plugins.EmitPermissionChecked(ctx, plugin.PermissionCheck{
		TenantID:      tenantID,
		TenantType:    tenantType,
		Module:        module,
		Feature:       feature,
		HasPermission: res.HasPermission,
		Reason:        res.Reason,
		CacheHit:      hit,
		Elapsed:       time.Since(start),
	})

	return res, nil
}

// loadTenant reads the tenant's active entitlement through the cache.
// Concurrent misses for the same tenant share one store read.
func (t *Tollgate) loadTenant(ctx context.Context, tenantID string, tenantType entitlement.TenantType) (*entitlement.Entitlement, bool, error) {
	if t.cache == nil {
		e, err := t.GetByTenant(ctx, tenantID, tenantType)
		return e, false, err
	}

	key := cache.Key(tenantID, tenantType)
	if e, err := t.cache.Get(ctx, key); err == nil {
		return e, true, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		t.logger.Warn("cache read failed", "key", key, "error", err)
	}

	v, err, _ := t.loads.Do(key, func() (any, error) {
		gen := t.generation(key)
		e, err := t.GetByTenant(ctx, tenantID, tenantType)
		if err != nil {
			return nil, err
		}
		t.fill(ctx, key, gen, e)
		return e, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*entitlement.Entitlement).Clone(), false, nil
}
