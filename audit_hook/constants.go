package audithook

// Action constants for audit events.
const (
	// Entitlement actions
	ActionEntitlementCreated     = "entitlement.created"
	ActionEntitlementUpdated     = "entitlement.updated"
	ActionEntitlementActivated   = "entitlement.activated"
	ActionEntitlementDeactivated = "entitlement.deactivated"

	// Capability actions
	ActionModuleChanged  = "module.changed"
	ActionFeatureChanged = "feature.changed"

	// Quota actions
	ActionQuotasChanged = "quotas.changed"
	ActionUsageRecorded = "usage.recorded"
	ActionQuotaExceeded = "quota.exceeded"
	ActionUsageReset    = "usage.reset"

	// Access actions
	ActionPermissionDenied = "permission.denied"
)

// Resource constants for audit events.
const (
	ResourceEntitlement = "entitlement"
	ResourceModule      = "module"
	ResourceFeature     = "feature"
	ResourceQuota       = "quota"
	ResourcePermission  = "permission"
)

// Category constants for audit events.
const (
	CategoryEntitlement   = "entitlement"
	CategoryConfiguration = "configuration"
	CategoryUsage         = "usage"
	CategoryAccess        = "access"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
