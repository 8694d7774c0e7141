package entitlement

import (
	"maps"
	"time"

	"github.com/xraph/tollgate/types"
)

// Patch is a field-level partial update of an entitlement. Nil fields are
// left untouched; a supplied field replaces the stored value wholesale.
type Patch struct {
	PlanID              *string          `json:"plan_id,omitempty" validate:"omitempty,min=1,max=128"`
	AddOns              *[]AddOn         `json:"add_ons,omitempty" validate:"omitempty,dive"`
	Modules             *[]Module        `json:"modules,omitempty" validate:"omitempty,dive"`
	Quotas              map[string]int64 `json:"quotas,omitempty"`
	IsActive            *bool            `json:"is_active,omitempty"`
	EffectiveFrom       *time.Time       `json:"effective_from,omitempty"`
	EffectiveUntil      *time.Time       `json:"effective_until,omitempty"`
	ClearEffectiveFrom  bool             `json:"clear_effective_from,omitempty"`
	ClearEffectiveUntil bool             `json:"clear_effective_until,omitempty"`
	Notes               *string          `json:"notes,omitempty"`

	// Reason is recorded on the audit entry and not stored on the entitlement.
	Reason string `json:"reason,omitempty"`
}

// Apply merges p into e and returns the supplied fields keyed by name.
func (p Patch) Apply(e *Entitlement) map[string]any {
	changes := map[string]any{}
	if p.PlanID != nil {
		e.PlanID = *p.PlanID
		changes["plan_id"] = *p.PlanID
	}
	if p.AddOns != nil {
		e.AddOns = append([]AddOn(nil), (*p.AddOns)...)
		changes["add_ons"] = *p.AddOns
	}
	if p.Modules != nil {
		mods := make([]Module, len(*p.Modules))
		for i, m := range *p.Modules {
			mods[i] = m.Clone()
		}
		e.Modules = mods
		changes["modules"] = *p.Modules
	}
	if p.Quotas != nil {
		e.Quotas = maps.Clone(p.Quotas)
		changes["quotas"] = p.Quotas
	}
	if p.IsActive != nil {
		e.IsActive = *p.IsActive
		changes["is_active"] = *p.IsActive
	}
	switch {
	case p.ClearEffectiveFrom:
		e.EffectiveFrom = nil
		changes["effective_from"] = nil
	case p.EffectiveFrom != nil:
		t := p.EffectiveFrom.UTC()
		e.EffectiveFrom = &t
		changes["effective_from"] = t
	}
	switch {
	case p.ClearEffectiveUntil:
		e.EffectiveUntil = nil
		changes["effective_until"] = nil
	case p.EffectiveUntil != nil:
		t := p.EffectiveUntil.UTC()
		e.EffectiveUntil = &t
		changes["effective_until"] = t
	}
	if p.Notes != nil {
		e.Metadata.Notes = *p.Notes
		changes["notes"] = *p.Notes
	}
	return changes
}

// ModulePatch updates one module in place.
type ModulePatch struct {
	Enabled  *bool                  `json:"enabled,omitempty"`
	Features *[]Feature             `json:"features,omitempty" validate:"omitempty,dive"`
	Limits   map[string]int64       `json:"limits,omitempty"`
	Config   map[string]types.Value `json:"config,omitempty"`
}

// Apply merges p into m and returns the supplied fields keyed by name.
func (p ModulePatch) Apply(m *Module) map[string]any {
	changes := map[string]any{}
	if p.Enabled != nil {
		m.Enabled = *p.Enabled
		changes["enabled"] = *p.Enabled
	}
	if p.Features != nil {
		fs := make([]Feature, len(*p.Features))
		for i, f := range *p.Features {
			fs[i] = f.Clone()
		}
		m.Features = fs
		changes["features"] = *p.Features
	}
	if p.Limits != nil {
		m.Limits = maps.Clone(p.Limits)
		changes["limits"] = p.Limits
	}
	if p.Config != nil {
		m.Config = maps.Clone(p.Config)
		changes["config"] = p.Config
	}
	return changes
}

// FeaturePatch updates one feature in place.
type FeaturePatch struct {
	Enabled *bool                  `json:"enabled,omitempty"`
	Config  map[string]types.Value `json:"config,omitempty"`
	Limits  map[string]int64       `json:"limits,omitempty"`
}

// Apply merges p into f and returns the supplied fields keyed by name.
func (p FeaturePatch) Apply(f *Feature) map[string]any {
	changes := map[string]any{}
	if p.Enabled != nil {
		f.Enabled = *p.Enabled
		changes["enabled"] = *p.Enabled
	}
	if p.Config != nil {
		f.Config = maps.Clone(p.Config)
		changes["config"] = p.Config
	}
	if p.Limits != nil {
		f.Limits = maps.Clone(p.Limits)
		changes["limits"] = p.Limits
	}
	return changes
}
