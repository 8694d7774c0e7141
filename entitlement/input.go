package entitlement

import (
	"maps"
	"time"
)

// CreateInput describes a new entitlement.
type CreateInput struct {
	TenantID       string           `json:"tenant_id" validate:"required,max=128"`
	TenantType     TenantType       `json:"tenant_type" validate:"required,oneof=organization business franchise"`
	PlanID         string           `json:"plan_id" validate:"required,max=128"`
	AddOns         []AddOn          `json:"add_ons" validate:"dive"`
	Modules        []Module         `json:"modules" validate:"dive"`
	Quotas         map[string]int64 `json:"quotas"`
	IsActive       *bool            `json:"is_active,omitempty"`
	EffectiveFrom  *time.Time       `json:"effective_from,omitempty"`
	EffectiveUntil *time.Time       `json:"effective_until,omitempty"`
	Notes          string           `json:"notes,omitempty" validate:"max=2048"`
}

// Build turns the input into an aggregate with zeroed usage counters. It
// does not assign identity or audit; the engine does that.
func (in CreateInput) Build() *Entitlement {
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	e := &Entitlement{
		TenantID:       in.TenantID,
		TenantType:     in.TenantType,
		PlanID:         in.PlanID,
		AddOns:         append([]AddOn{}, in.AddOns...),
		Modules:        make([]Module, len(in.Modules)),
		Quotas:         maps.Clone(in.Quotas),
		Usage:          map[string]int64{},
		IsActive:       active,
		EffectiveFrom:  utcPtr(in.EffectiveFrom),
		EffectiveUntil: utcPtr(in.EffectiveUntil),
		Metadata:       Metadata{Notes: in.Notes},
	}
	for i := range in.Modules {
		e.Modules[i] = in.Modules[i].Clone()
	}
	e.Normalize()
	return e
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
