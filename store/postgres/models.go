package postgres

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

// ==================== Entitlement model ====================

type entitlementModel struct {
	grove.BaseModel `grove:"table:tollgate_entitlements"`

	ID             string          `grove:"id,pk"`
	TenantID       string          `grove:"tenant_id"`
	TenantType     string          `grove:"tenant_type"`
	PlanID         string          `grove:"plan_id"`
	AddOns         json.RawMessage `grove:"add_ons,type:jsonb"`
	Modules        json.RawMessage `grove:"modules,type:jsonb"`
	Quotas         json.RawMessage `grove:"quotas,type:jsonb"`
	Usage          json.RawMessage `grove:"usage,type:jsonb"`
	IsActive       bool            `grove:"is_active"`
	EffectiveFrom  *time.Time      `grove:"effective_from"`
	EffectiveUntil *time.Time      `grove:"effective_until"`
	CreatedBy      string          `grove:"created_by"`
	LastModifiedBy string          `grove:"last_modified_by"`
	Version        int64           `grove:"version"`
	Notes          string          `grove:"notes"`
	Audit          json.RawMessage `grove:"audit,type:jsonb"`
	CreatedAt      time.Time       `grove:"created_at"`
	UpdatedAt      time.Time       `grove:"updated_at"`
}

func toEntitlementModel(e *entitlement.Entitlement) (*entitlementModel, error) {
	m := &entitlementModel{
		ID:             e.ID.String(),
		TenantID:       e.TenantID,
		TenantType:     string(e.TenantType),
		PlanID:         e.PlanID,
		IsActive:       e.IsActive,
		EffectiveFrom:  e.EffectiveFrom,
		EffectiveUntil: e.EffectiveUntil,
		CreatedBy:      e.Metadata.CreatedBy,
		LastModifiedBy: e.Metadata.LastModifiedBy,
		Version:        e.Metadata.Version,
		Notes:          e.Metadata.Notes,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
	var err error
	if m.AddOns, err = marshalOr(e.AddOns, "[]"); err != nil {
		return nil, fmt.Errorf("encode add_ons: %w", err)
	}
	if m.Modules, err = marshalOr(e.Modules, "[]"); err != nil {
		return nil, fmt.Errorf("encode modules: %w", err)
	}
	if m.Quotas, err = marshalOr(e.Quotas, "{}"); err != nil {
		return nil, fmt.Errorf("encode quotas: %w", err)
	}
	if m.Usage, err = marshalOr(e.Usage, "{}"); err != nil {
		return nil, fmt.Errorf("encode usage: %w", err)
	}
	if m.Audit, err = marshalOr(e.Audit, "[]"); err != nil {
		return nil, fmt.Errorf("encode audit: %w", err)
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
	if err := unmarshalIf(m.AddOns, &e.AddOns); err != nil {
		return nil, err
	}
	if err := unmarshalIf(m.Modules, &e.Modules); err != nil {
		return nil, err
	}
	if err := unmarshalIf(m.Quotas, &e.Quotas); err != nil {
		return nil, err
	}
	if err := unmarshalIf(m.Usage, &e.Usage); err != nil {
		return nil, err
	}
	if err := unmarshalIf(m.Audit, &e.Audit); err != nil {
		return nil, err
	}
	return e, nil
}

// entryJSON renders entry as a one-element JSON array ready for jsonb ||.
func entryJSON(entry audit.Entry) (string, error) {
	raw, err := json.Marshal([]audit.Entry{entry})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// marshalOr encodes v, substituting empty for a nil collection. Encoding
// errors are returned so a bad value never overwrites a stored column.
func marshalOr(v any, empty string) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return json.RawMessage(empty), nil
	}
	return raw, nil
}

func unmarshalIf(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
