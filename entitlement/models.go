// Package entitlement models the per-tenant entitlement aggregate: the
// modules and features a tenant has unlocked, its resource quotas and usage
// counters, and the embedded audit trail.
package entitlement

import (
	"maps"
	"slices"
	"time"

	"github.com/xraph/tollgate/audit"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/types"
)

// TenantType is the kind of tenant an entitlement belongs to.
type TenantType string

const (
	TenantOrganization TenantType = "organization"
	TenantBusiness     TenantType = "business"
	TenantFranchise    TenantType = "franchise"
)

// Valid reports whether t is a known tenant type.
func (t TenantType) Valid() bool {
	switch t {
	case TenantOrganization, TenantBusiness, TenantFranchise:
		return true
	}
	return false
}

// Entitlement is the record of what a tenant may use and how much.
// (TenantID, TenantType) identifies at most one entitlement.
type Entitlement struct {
	types.Entity
	ID             id.EntitlementID `json:"id"`
	TenantID       string           `json:"tenant_id"`
	TenantType     TenantType       `json:"tenant_type"`
	PlanID         string           `json:"plan_id"`
	AddOns         []AddOn          `json:"add_ons"`
	Modules        []Module         `json:"modules"`
	Quotas         map[string]int64 `json:"quotas"`
	Usage          map[string]int64 `json:"usage"`
	IsActive       bool             `json:"is_active"`
	EffectiveFrom  *time.Time       `json:"effective_from,omitempty"`
	EffectiveUntil *time.Time       `json:"effective_until,omitempty"`
	Metadata       Metadata         `json:"metadata"`
	Audit          []audit.Entry    `json:"audit"`
}

// Metadata carries authorship and the optimistic-concurrency version.
type Metadata struct {
	CreatedBy      string `json:"created_by"`
	LastModifiedBy string `json:"last_modified_by"`
	Version        int64  `json:"version"`
	Notes          string `json:"notes,omitempty"`
}

// AddOn is an independently purchasable extra attached to an entitlement.
type AddOn struct {
	AddOnID   string     `json:"add_on_id" validate:"required,max=128"`
	Name      string     `json:"name" validate:"required,max=256"`
	Enabled   bool       `json:"enabled"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Module is a coarse-grained product capability. A disabled module gates
// every feature under it.
type Module struct {
	Name     string                 `json:"name" validate:"required"`
	Enabled  bool                   `json:"enabled"`
	Features []Feature              `json:"features" validate:"dive"`
	Limits   map[string]int64       `json:"limits,omitempty"`
	Config   map[string]types.Value `json:"config,omitempty"`
}

// Feature is a fine-grained capability nested under a module.
type Feature struct {
	Name    string                 `json:"name" validate:"required,max=128"`
	Enabled bool                   `json:"enabled"`
	Config  map[string]types.Value `json:"config,omitempty"`
	Limits  map[string]int64       `json:"limits,omitempty"`
}

// FindModule returns the named module or nil.
func (e *Entitlement) FindModule(name string) *Module {
	for i := range e.Modules {
		if e.Modules[i].Name == name {
			return &e.Modules[i]
		}
	}
	return nil
}

// FindFeature returns the named feature or nil.
func (m *Module) FindFeature(name string) *Feature {
	for i := range m.Features {
		if m.Features[i].Name == name {
			return &m.Features[i]
		}
	}
	return nil
}

// QuotaOf returns the quota for resource; absent keys count as zero.
func (e *Entitlement) QuotaOf(resource string) int64 { return e.Quotas[resource] }

// UsageOf returns the usage for resource; absent keys count as zero.
func (e *Entitlement) UsageOf(resource string) int64 { return e.Usage[resource] }

// Normalize makes sure every quota key has a usage counter.
func (e *Entitlement) Normalize() {
	if e.Quotas == nil {
		e.Quotas = map[string]int64{}
	}
	if e.Usage == nil {
		e.Usage = map[string]int64{}
	}
	for r := range e.Quotas {
		if _, ok := e.Usage[r]; !ok {
			e.Usage[r] = 0
		}
	}
}

// LastAudit returns the most recent audit entry, if any.
func (e *Entitlement) LastAudit() (audit.Entry, bool) {
	if len(e.Audit) == 0 {
		return audit.Entry{}, false
	}
	return e.Audit[len(e.Audit)-1], true
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (e *Entitlement) Clone() *Entitlement {
	if e == nil {
		return nil
	}
	c := *e
	c.AddOns = make([]AddOn, len(e.AddOns))
	for i, a := range e.AddOns {
		c.AddOns[i] = a
		c.AddOns[i].ExpiresAt = cloneTime(a.ExpiresAt)
	}
	c.Modules = make([]Module, len(e.Modules))
	for i := range e.Modules {
		c.Modules[i] = e.Modules[i].Clone()
	}
	c.Quotas = maps.Clone(e.Quotas)
	c.Usage = maps.Clone(e.Usage)
	c.EffectiveFrom = cloneTime(e.EffectiveFrom)
	c.EffectiveUntil = cloneTime(e.EffectiveUntil)
	c.Audit = slices.Clone(e.Audit)
	return &c
}

// Clone returns a deep copy of m.
func (m Module) Clone() Module {
	c := m
	c.Features = make([]Feature, len(m.Features))
	for i, f := range m.Features {
		c.Features[i] = f.Clone()
	}
	c.Limits = maps.Clone(m.Limits)
	c.Config = maps.Clone(m.Config)
	return c
}

// Clone returns a deep copy of f.
func (f Feature) Clone() Feature {
	c := f
	c.Config = maps.Clone(f.Config)
	c.Limits = maps.Clone(f.Limits)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
