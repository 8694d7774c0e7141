package tollgate

import (
	"github.com/xraph/tollgate/audit"
	"github.com/xraph/tollgate/entitlement"
	"github.com/xraph/tollgate/quota"
	"github.com/xraph/tollgate/types"
)

// Re-export common types so callers can work from the root package.

type (
	Entitlement  = entitlement.Entitlement
	Module       = entitlement.Module
	Feature      = entitlement.Feature
	AddOn        = entitlement.AddOn
	TenantType   = entitlement.TenantType
	CreateInput  = entitlement.CreateInput
	Patch        = entitlement.Patch
	ModulePatch  = entitlement.ModulePatch
	FeaturePatch = entitlement.FeaturePatch
	AuditEntry   = audit.Entry
	Usage        = quota.Usage
	Value        = types.Value
)

// Tenant types.
const (
	TenantOrganization = entitlement.TenantOrganization
	TenantBusiness     = entitlement.TenantBusiness
	TenantFranchise    = entitlement.TenantFranchise
)

// Config value constructors.
var (
	Number = types.Number
	Bool   = types.Bool
	Text   = types.Text
)
