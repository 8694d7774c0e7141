package mongo

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/tollgate/audit"
	"github.com/xraph/tollgate/entitlement"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/types"
)

// ==================== Entitlement models ====================

type entitlementModel struct {
	grove.BaseModel `grove:"table:tollgate_entitlements"`

	ID             string           `grove:"id,pk"            bson:"_id"`
	TenantID       string           `grove:"tenant_id"        bson:"tenant_id"`
	TenantType     string           `grove:"tenant_type"      bson:"tenant_type"`
	PlanID         string           `grove:"plan_id"          bson:"plan_id"`
	AddOns         []addOnModel     `grove:"add_ons"          bson:"add_ons"`
	Modules        []moduleModel    `grove:"modules"          bson:"modules"`
	Quotas         map[string]int64 `grove:"quotas"           bson:"quotas"`
	Usage          map[string]int64 `grove:"usage"            bson:"usage"`
	IsActive       bool             `grove:"is_active"        bson:"is_active"`
	EffectiveFrom  *time.Time       `grove:"effective_from"   bson:"effective_from,omitempty"`
	EffectiveUntil *time.Time       `grove:"effective_until"  bson:"effective_until,omitempty"`
	CreatedBy      string           `grove:"created_by"       bson:"created_by"`
	LastModifiedBy string           `grove:"last_modified_by" bson:"last_modified_by"`
	Version        int64            `grove:"version"          bson:"version"`
	Notes          string           `grove:"notes"            bson:"notes"`
	Audit          []auditModel     `grove:"audit"            bson:"audit"`
	CreatedAt      time.Time        `grove:"created_at"       bson:"created_at"`
	UpdatedAt      time.Time        `grove:"updated_at"       bson:"updated_at"`
}

type addOnModel struct {
	AddOnID   string     `bson:"add_on_id"`
	Name      string     `bson:"name"`
	Enabled   bool       `bson:"enabled"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty"`
}

type moduleModel struct {
	Name     string           `bson:"name"`
	Enabled  bool             `bson:"enabled"`
	Features []featureModel   `bson:"features"`
	Limits   map[string]int64 `bson:"limits,omitempty"`
	Config   map[string]any   `bson:"config,omitempty"`
}

type featureModel struct {
	Name    string           `bson:"name"`
	Enabled bool             `bson:"enabled"`
	Config  map[string]any   `bson:"config,omitempty"`
	Limits  map[string]int64 `bson:"limits,omitempty"`
}

// auditModel keeps changes as JSON text so nested values decode back to
// plain maps rather than driver document types.
type auditModel struct {
	Action      string    `bson:"action"`
	PerformedBy string    `bson:"performed_by"`
	PerformedAt time.Time `bson:"performed_at"`
	Changes     string    `bson:"changes,omitempty"`
	Reason      string    `bson:"reason,omitempty"`
}

func toEntitlementModel(e *entitlement.Entitlement) (*entitlementModel, error) {
	m := &entitlementModel{
		ID:             e.ID.String(),
		TenantID:       e.TenantID,
		TenantType:     string(e.TenantType),
		PlanID:         e.PlanID,
		AddOns:         toAddOnModels(e.AddOns),
		Modules:        toModuleModels(e.Modules),
		Quotas:         nonNil(e.Quotas),
		Usage:          nonNil(e.Usage),
		IsActive:       e.IsActive,
		EffectiveFrom:  e.EffectiveFrom,
		EffectiveUntil: e.EffectiveUntil,
		CreatedBy:      e.Metadata.CreatedBy,
		LastModifiedBy: e.Metadata.LastModifiedBy,
		Version:        e.Metadata.Version,
		Notes:          e.Metadata.Notes,
		Audit:          make([]auditModel, 0, len(e.Audit)),
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
	for _, entry := range e.Audit {
		am, err := toAuditModel(entry)
		if err != nil {
			return nil, err
		}
		m.Audit = append(m.Audit, am)
	}
	return m, nil
}

func fromEntitlementModel(m *entitlementModel) (*entitlement.Entitlement, error) {
	entID, err := id.ParseEntitlementID(m.ID)
	if err != nil {
		return nil, err
	}

	modules, err := fromModuleModels(m.Modules)
	if err != nil {
		return nil, fmt.Errorf("entitlement %s: %w", m.ID, err)
	}

	e := &entitlement.Entitlement{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:             entID,
		TenantID:       m.TenantID,
		TenantType:     entitlement.TenantType(m.TenantType),
		PlanID:         m.PlanID,
		AddOns:         fromAddOnModels(m.AddOns),
		Modules:        modules,
		Quotas:         m.Quotas,
		Usage:          m.Usage,
		IsActive:       m.IsActive,
		EffectiveFrom:  utc(m.EffectiveFrom),
		EffectiveUntil: utc(m.EffectiveUntil),
		Metadata: entitlement.Metadata{
			CreatedBy:      m.CreatedBy,
			LastModifiedBy: m.LastModifiedBy,
			Version:        m.Version,
			Notes:          m.Notes,
		},
		Audit: make([]audit.Entry, 0, len(m.Audit)),
	}
	for _, am := range m.Audit {
		entry, err := fromAuditModel(am)
		if err != nil {
			return nil, fmt.Errorf("entitlement %s: %w", m.ID, err)
		}
		e.Audit = append(e.Audit, entry)
	}
	return e, nil
}

func toAddOnModels(addOns []entitlement.AddOn) []addOnModel {
	out := make([]addOnModel, len(addOns))
	for i, a := range addOns {
		out[i] = addOnModel{AddOnID: a.AddOnID, Name: a.Name, Enabled: a.Enabled, ExpiresAt: a.ExpiresAt}
	}
	return out
}

func fromAddOnModels(models []addOnModel) []entitlement.AddOn {
	out := make([]entitlement.AddOn, len(models))
	for i, a := range models {
		out[i] = entitlement.AddOn{AddOnID: a.AddOnID, Name: a.Name, Enabled: a.Enabled, ExpiresAt: utc(a.ExpiresAt)}
	}
	return out
}

func toModuleModels(modules []entitlement.Module) []moduleModel {
	out := make([]moduleModel, len(modules))
	for i, mod := range modules {
		features := make([]featureModel, len(mod.Features))
		for j, f := range mod.Features {
			features[j] = featureModel{
				Name:    f.Name,
				Enabled: f.Enabled,
				Config:  types.ToAnyMap(f.Config),
				Limits:  f.Limits,
			}
		}
		out[i] = moduleModel{
			Name:     mod.Name,
			Enabled:  mod.Enabled,
			Features: features,
			Limits:   mod.Limits,
			Config:   types.ToAnyMap(mod.Config),
		}
	}
	return out
}

func fromModuleModels(models []moduleModel) ([]entitlement.Module, error) {
	out := make([]entitlement.Module, len(models))
	for i, mm := range models {
		cfg, err := types.FromAnyMap(mm.Config)
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", mm.Name, err)
		}
		features := make([]entitlement.Feature, len(mm.Features))
		for j, fm := range mm.Features {
			fcfg, err := types.FromAnyMap(fm.Config)
			if err != nil {
				return nil, fmt.Errorf("feature %s/%s: %w", mm.Name, fm.Name, err)
			}
			features[j] = entitlement.Feature{
				Name:    fm.Name,
				Enabled: fm.Enabled,
				Config:  fcfg,
				Limits:  fm.Limits,
			}
		}
		out[i] = entitlement.Module{
			Name:     mm.Name,
			Enabled:  mm.Enabled,
			Features: features,
			Limits:   mm.Limits,
			Config:   cfg,
		}
	}
	return out, nil
}

func toAuditModel(entry audit.Entry) (auditModel, error) {
	m := auditModel{
		Action:      string(entry.Action),
		PerformedBy: entry.PerformedBy,
		PerformedAt: entry.PerformedAt.UTC(),
		Reason:      entry.Reason,
	}
	if len(entry.Changes) > 0 {
		raw, err := json.Marshal(entry.Changes)
		if err != nil {
			return auditModel{}, fmt.Errorf("encode audit changes: %w", err)
		}
		m.Changes = string(raw)
	}
	return m, nil
}

func fromAuditModel(m auditModel) (audit.Entry, error) {
	entry := audit.Entry{
		Action:      audit.Action(m.Action),
		PerformedBy: m.PerformedBy,
		PerformedAt: m.PerformedAt.UTC(),
		Reason:      m.Reason,
	}
	if m.Changes != "" {
		changes, err := audit.DecodeChanges([]byte(m.Changes))
		if err != nil {
			return audit.Entry{}, fmt.Errorf("decode audit changes: %w", err)
		}
		entry.Changes = changes
	}
	return entry, nil
}

func nonNil(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
