package sqlite

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

// JSON columns are kept as strings: SQLite's json functions reject BLOBs.
type entitlementModel struct {
	grove.BaseModel `grove:"table:tollgate_entitlements"`

	ID             string     `grove:"id,pk"`
	TenantID       string     `grove:"tenant_id"`
	TenantType     string     `grove:"tenant_type"`
	PlanID         string     `grove:"plan_id"`
	AddOns         string     `grove:"add_ons"`
	Modules        string     `grove:"modules"`
	Quotas         string     `grove:"quotas"`
	Usage          string     `grove:"usage"`
	IsActive       bool       `grove:"is_active"`
	EffectiveFrom  *time.Time `grove:"effective_from"`
	EffectiveUntil *time.Time `grove:"effective_until"`
	CreatedBy      string     `grove:"created_by"`
	LastModifiedBy string     `grove:"last_modified_by"`
	Version        int64      `grove:"version"`
	Notes          string     `grove:"notes"`
	Audit          string     `grove:"audit"`
	CreatedAt      time.Time  `grove:"created_at"`
	UpdatedAt      time.Time  `grove:"updated_at"`
}

func toEntitlementModel(e *entitlement.Entitlement) (*entitlementModel, error) {
	m := &entitlementModel{
		ID:             e.ID.String(),
		TenantID:       e.TenantID,
		TenantType:     string(e.TenantType),
		PlanID:         e.PlanID,
		IsActive:       e.IsActive,
		EffectiveFrom:  utc(e.EffectiveFrom),
		EffectiveUntil: utc(e.EffectiveUntil),
		CreatedBy:      e.Metadata.CreatedBy,
		LastModifiedBy: e.Metadata.LastModifiedBy,
		Version:        e.Metadata.Version,
		Notes:          e.Metadata.Notes,
		CreatedAt:      e.CreatedAt.UTC(),
		UpdatedAt:      e.UpdatedAt.UTC(),
	}
	for _, col := range []struct {
		name  string
		v     any
		empty string
		dst   *string
	}{
		{"add_ons", e.AddOns, "[]", &m.AddOns},
		{"modules", e.Modules, "[]", &m.Modules},
		{"quotas", e.Quotas, "{}", &m.Quotas},
		{"usage", e.Usage, "{}", &m.Usage},
		{"audit", e.Audit, "[]", &m.Audit},
	} {
		text, err := jsonText(col.v, col.empty)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", col.name, err)
		}
		*col.dst = text
	}
	return m, nil
}

func fromEntitlementModel(m *entitlementModel) (*entitlement.Entitlement, error) {
	entID, err := id.ParseEntitlementID(m.ID)
	if err != nil {
		return nil, err
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
		IsActive:       m.IsActive,
		EffectiveFrom:  utc(m.EffectiveFrom),
		EffectiveUntil: utc(m.EffectiveUntil),
		Metadata: entitlement.Metadata{
			CreatedBy:      m.CreatedBy,
			LastModifiedBy: m.LastModifiedBy,
			Version:        m.Version,
			Notes:          m.Notes,
		},
	}
	for _, col := range []struct {
		raw string
		dst any
	}{
		{m.AddOns, &e.AddOns},
		{m.Modules, &e.Modules},
		{m.Quotas, &e.Quotas},
		{m.Usage, &e.Usage},
		{m.Audit, &e.Audit},
	} {
		if col.raw == "" || col.raw == "null" {
			continue
		}
		if err := json.Unmarshal([]byte(col.raw), col.dst); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func entryText(entry audit.Entry) (string, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// jsonText encodes v, substituting empty for a nil collection.
func jsonText(v any, empty string) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(raw) == "null" {
		return empty, nil
	}
	return string(raw), nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
