package tollgate

import (
	"context"
	"fmt"
	"maps"

	"github.com/xraph/tollgate/audit"
	"github.com/xraph/tollgate/entitlement"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/types"
)

// ──────────────────────────────────────────────────
// Entitlement lifecycle
// ──────────────────────────────────────────────────

// CreateEntitlement validates in and persists a new entitlement at version 1
// with a single "created" audit entry.
func (t *Tollgate) CreateEntitlement(ctx context.Context, in entitlement.CreateInput, actor Actor) (*entitlement.Entitlement, error) {
	if err := requirePrivileged(actor); err != nil {
		return nil, err
	}
	if err := t.validateCreate(in); err != nil {
		return nil, err
	}

	now := t.now()
	e := in.Build()
	e.ID = id.NewEntitlementID()
	e.Entity = types.NewEntity(now)
	e.Metadata.CreatedBy = actor.ID
	e.Metadata.LastModifiedBy = actor.ID
	e.Metadata.Version = 1
	e.Audit = []audit.Entry{audit.NewEntry(audit.ActionCreated, actor.ID, audit.Plain(map[string]any{
		"tenant_id":   e.TenantID,
		"tenant_type": e.TenantType,
		"plan_id":     e.PlanID,
		"is_active":   e.IsActive,
		"modules":     moduleNames(e.Modules),
		"quotas":      e.Quotas,
	}), "", now, nil)}

	if err := t.store.CreateEntitlement(ctx, e); err != nil {
		return nil, err
	}
	t.invalidate(ctx, e)

	t.logger.Info("entitlement created",
		"entitlement_id", e.ID.String(),
		"tenant_id", e.TenantID,
		"tenant_type", string(e.TenantType),
		"plan_id", e.PlanID,
	)
	t.plugins.EmitEntitlementCreated(ctx, e.Clone())

	return e, nil
}

// GetEntitlement returns the entitlement with the given ID.
func (t *Tollgate) GetEntitlement(ctx context.Context, entID id.EntitlementID) (*entitlement.Entitlement, error) {
	e, err := t.store.GetEntitlement(ctx, entID)
	if err != nil {
		return nil, err
	}
	e.Normalize()
	return e, nil
}

// GetByTenant returns the tenant's active entitlement.
func (t *Tollgate) GetByTenant(ctx context.Context, tenantID string, tenantType entitlement.TenantType) (*entitlement.Entitlement, error) {
	e, err := t.store.GetEntitlementByTenant(ctx, tenantID, tenantType)
	if err != nil {
		return nil, err
	}
	e.Normalize()
	return e, nil
}

// ListFilter selects entitlements. A nil IsActive means active only unless
// AnyStatus is set.
type ListFilter struct {
	TenantID   string
	TenantType entitlement.TenantType
	PlanID     string
	IsActive   *bool
	AnyStatus  bool
	Limit      int
	Offset     int
}

// ListEntitlements returns matching entitlements, newest first.
func (t *Tollgate) ListEntitlements(ctx context.Context, f ListFilter) ([]*entitlement.Entitlement, error) {
	opts := entitlement.ListOpts{
		TenantID:   f.TenantID,
		TenantType: f.TenantType,
		PlanID:     f.PlanID,
		IsActive:   f.IsActive,
		Limit:      f.Limit,
		Offset:     f.Offset,
	}
	if opts.IsActive == nil && !f.AnyStatus {
		active := true
		opts.IsActive = &active
	}

	list, err := t.store.ListEntitlements(ctx, opts)
	if err != nil {
		return nil, err
	}
	for _, e := range list {
		e.Normalize()
	}
	return list, nil
}

// UpdateEntitlement merges p into the entitlement. The audit action is
// activated or deactivated when the patch flips IsActive, updated otherwise.
func (t *Tollgate) UpdateEntitlement(ctx context.Context, entID id.EntitlementID, p entitlement.Patch, actor Actor) (*entitlement.Entitlement, error) {
	if err := requirePrivileged(actor); err != nil {
		return nil, err
	}
	if err := t.validatePatch(p); err != nil {
		return nil, err
	}

	e, err := t.mutate(ctx, entID, actor, func(next *entitlement.Entitlement) (change, error) {
		wasActive := next.IsActive
		changes := p.Apply(next)
		if err := checkWindow(next.EffectiveFrom, next.EffectiveUntil); err != nil {
			return change{}, err
		}
		next.Metadata.LastModifiedBy = actor.ID

		action := audit.ActionUpdated
		switch {
		case !wasActive && next.IsActive:
			action = audit.ActionActivated
		case wasActive && !next.IsActive:
			action = audit.ActionDeactivated
		}
		return change{action: action, changes: changes, reason: p.Reason}, nil
	}, t.store.UpdateEntitlement)
	if err != nil {
		return nil, err
	}

	last, _ := e.LastAudit()
	t.logger.Debug("entitlement updated",
		"entitlement_id", e.ID.String(),
		"action", string(last.Action),
		"version", e.Metadata.Version,
	)
	t.plugins.EmitEntitlementUpdated(ctx, e.Clone(), last.Action, last.Changes)

	return e, nil
}

// ──────────────────────────────────────────────────
// Module / feature mutation
// ──────────────────────────────────────────────────

// SetModule overwrites the supplied fields of one module and returns the
// module as stored.
func (t *Tollgate) SetModule(ctx context.Context, entID id.EntitlementID, module string, p entitlement.ModulePatch, actor Actor) (entitlement.Module, error) {
	if err := requirePrivileged(actor); err != nil {
		return entitlement.Module{}, err
	}
	if err := t.checkStruct(p); err != nil {
		return entitlement.Module{}, err
	}
	if p.Features != nil {
		if err := checkFeatures("features", *p.Features); err != nil {
			return entitlement.Module{}, err
		}
	}
	if err := checkCounters("limits", p.Limits); err != nil {
		return entitlement.Module{}, err
	}
	if err := checkConfig("config", p.Config); err != nil {
		return entitlement.Module{}, err
	}

	e, err := t.mutate(ctx, entID, actor, func(next *entitlement.Entitlement) (change, error) {
		m := next.FindModule(module)
		if m == nil {
			return change{}, fmt.Errorf("%w: %s", ErrModuleNotFound, module)
		}
		next.Metadata.LastModifiedBy = actor.ID
		return change{
			action:  audit.ActionUpdated,
			changes: map[string]any{"module": module, "patch": p.Apply(m)},
		}, nil
	}, t.store.UpdateEntitlement)
	if err != nil {
		return entitlement.Module{}, err
	}

	m := e.FindModule(module).Clone()
	t.logger.Debug("module updated",
		"entitlement_id", e.ID.String(),
		"module", module,
		"enabled", m.Enabled,
	)
	t.plugins.EmitModuleChanged(ctx, e.Clone(), m)

	return m, nil
}

// SetFeature overwrites the supplied fields of one feature and returns the
// feature as stored.
func (t *Tollgate) SetFeature(ctx context.Context, entID id.EntitlementID, module, feature string, p entitlement.FeaturePatch, actor Actor) (entitlement.Feature, error) {
	if err := requirePrivileged(actor); err != nil {
		return entitlement.Feature{}, err
	}
	if err := checkCounters("limits", p.Limits); err != nil {
		return entitlement.Feature{}, err
	}
	if err := checkConfig("config", p.Config); err != nil {
		return entitlement.Feature{}, err
	}

	e, err := t.mutate(ctx, entID, actor, func(next *entitlement.Entitlement) (change, error) {
		m := next.FindModule(module)
		if m == nil {
			return change{}, fmt.Errorf("%w: %s", ErrModuleNotFound, module)
		}
		f := m.FindFeature(feature)
		if f == nil {
			return change{}, fmt.Errorf("%w: %s.%s", ErrFeatureNotFound, module, feature)
		}
		next.Metadata.LastModifiedBy = actor.ID
		return change{
			action:  audit.ActionUpdated,
			changes: map[string]any{"module": module, "feature": feature, "patch": p.Apply(f)},
		}, nil
	}, t.store.UpdateEntitlement)
	if err != nil {
		return entitlement.Feature{}, err
	}

	f := e.FindModule(module).FindFeature(feature).Clone()
	t.logger.Debug("feature updated",
		"entitlement_id", e.ID.String(),
		"module", module,
		"feature", feature,
		"enabled", f.Enabled,
	)
	t.plugins.EmitFeatureChanged(ctx, e.Clone(), module, f)

	return f, nil
}

// SetQuotas merges quotas key by key and returns the resulting quota map.
func (t *Tollgate) SetQuotas(ctx context.Context, entID id.EntitlementID, quotas map[string]int64, actor Actor) (map[string]int64, error) {
	if err := requirePrivileged(actor); err != nil {
		return nil, err
	}
	if err := checkCounters("quotas", quotas); err != nil {
		return nil, err
	}

	e, err := t.mutate(ctx, entID, actor, func(next *entitlement.Entitlement) (change, error) {
		if next.Quotas == nil {
			next.Quotas = map[string]int64{}
		}
		maps.Copy(next.Quotas, quotas)
		next.Metadata.LastModifiedBy = actor.ID
		return change{
			action:  audit.ActionUpdated,
			changes: map[string]any{"quotas": quotas},
		}, nil
	}, t.store.UpdateEntitlement)
	if err != nil {
		return nil, err
	}

	out := maps.Clone(e.Quotas)
	t.logger.Debug("quotas updated",
		"entitlement_id", e.ID.String(),
		"resources", len(quotas),
	)
	t.plugins.EmitQuotasChanged(ctx, e.Clone(), maps.Clone(out))

	return out, nil
}

// AuditTrail returns the entitlement's audit entries in append order.
func (t *Tollgate) AuditTrail(ctx context.Context, entID id.EntitlementID) ([]audit.Entry, error) {
	return t.store.ListAudit(ctx, entID)
}

func moduleNames(mods []entitlement.Module) []string {
	names := make([]string, len(mods))
	for i, m := range mods {
		names[i] = m.Name
	}
	return names
}
