// Package audithook bridges Tollgate lifecycle events to an external audit
// trail backend, alongside the audit entries embedded in each entitlement.
//
// It defines a local Recorder interface so the package does not import any
// audit service directly. Callers inject a RecorderFunc adapter at wiring
// time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/tollgate/audit"
	"github.com/xraph/tollgate/entitlement"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/plugin"
	"github.com/xraph/tollgate/quota"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin               = (*Extension)(nil)
	_ plugin.OnEntitlementCreated = (*Extension)(nil)
	_ plugin.OnEntitlementUpdated = (*Extension)(nil)
	_ plugin.OnModuleChanged      = (*Extension)(nil)
	_ plugin.OnFeatureChanged     = (*Extension)(nil)
	_ plugin.OnQuotasChanged      = (*Extension)(nil)
	_ plugin.OnUsageRecorded      = (*Extension)(nil)
	_ plugin.OnQuotaExceeded      = (*Extension)(nil)
	_ plugin.OnUsageReset         = (*Extension)(nil)
	_ plugin.OnPermissionChecked  = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a backend-neutral audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges Tollgate lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Entitlement lifecycle hooks
// ──────────────────────────────────────────────────

// OnEntitlementCreated implements plugin.OnEntitlementCreated.
func (e *Extension) OnEntitlementCreated(ctx context.Context, ent *entitlement.Entitlement) error {
	return e.record(ctx, ActionEntitlementCreated, SeverityInfo, OutcomeSuccess,
		ResourceEntitlement, ent.ID.String(), CategoryEntitlement, nil,
		"tenant_id", ent.TenantID,
		"tenant_type", string(ent.TenantType),
		"plan_id", ent.PlanID,
		"performed_by", ent.Metadata.CreatedBy,
	)
}

// OnEntitlementUpdated implements plugin.OnEntitlementUpdated.
func (e *Extension) OnEntitlementUpdated(ctx context.Context, ent *entitlement.Entitlement, action audit.Action, changes map[string]any) error {
	event := ActionEntitlementUpdated
	switch action {
	case audit.ActionActivated:
		event = ActionEntitlementActivated
	case audit.ActionDeactivated:
		event = ActionEntitlementDeactivated
	}
	return e.record(ctx, event, SeverityInfo, OutcomeSuccess,
		ResourceEntitlement, ent.ID.String(), CategoryEntitlement, nil,
		"tenant_id", ent.TenantID,
		"version", ent.Metadata.Version,
		"performed_by", ent.Metadata.LastModifiedBy,
		"changes", changes,
	)
}

// ──────────────────────────────────────────────────
// Capability hooks
// ──────────────────────────────────────────────────

// OnModuleChanged implements plugin.OnModuleChanged.
func (e *Extension) OnModuleChanged(ctx context.Context, ent *entitlement.Entitlement, module entitlement.Module) error {
	return e.record(ctx, ActionModuleChanged, SeverityInfo, OutcomeSuccess,
		ResourceModule, ent.ID.String(), CategoryConfiguration, nil,
		"tenant_id", ent.TenantID,
		"module", module.Name,
		"enabled", module.Enabled,
	)
}

// OnFeatureChanged implements plugin.OnFeatureChanged.
func (e *Extension) OnFeatureChanged(ctx context.Context, ent *entitlement.Entitlement, module string, feature entitlement.Feature) error {
	return e.record(ctx, ActionFeatureChanged, SeverityInfo, OutcomeSuccess,
		ResourceFeature, ent.ID.String(), CategoryConfiguration, nil,
		"tenant_id", ent.TenantID,
		"module", module,
		"feature", feature.Name,
		"enabled", feature.Enabled,
	)
}

// ──────────────────────────────────────────────────
// Quota hooks
// ──────────────────────────────────────────────────

// OnQuotasChanged implements plugin.OnQuotasChanged.
func (e *Extension) OnQuotasChanged(ctx context.Context, ent *entitlement.Entitlement, quotas map[string]int64) error {
	return e.record(ctx, ActionQuotasChanged, SeverityInfo, OutcomeSuccess,
		ResourceQuota, ent.ID.String(), CategoryConfiguration, nil,
		"tenant_id", ent.TenantID,
		"quotas", quotas,
	)
}

// OnUsageRecorded implements plugin.OnUsageRecorded.
func (e *Extension) OnUsageRecorded(ctx context.Context, entID id.EntitlementID, amount int64, usage quota.Usage) error {
	return e.record(ctx, ActionUsageRecorded, SeverityInfo, OutcomeSuccess,
		ResourceQuota, entID.String(), CategoryUsage, nil,
		"resource", usage.Resource,
		"amount", amount,
		"usage", usage.Usage,
		"quota", usage.Quota,
	)
}

// OnQuotaExceeded implements plugin.OnQuotaExceeded.
func (e *Extension) OnQuotaExceeded(ctx context.Context, ent *entitlement.Entitlement, amount int64, usage quota.Usage) error {
	return e.record(ctx, ActionQuotaExceeded, SeverityWarning, OutcomeFailure,
		ResourceQuota, ent.ID.String(), CategoryUsage, nil,
		"tenant_id", ent.TenantID,
		"resource", usage.Resource,
		"amount", amount,
		"usage", usage.Usage,
		"quota", usage.Quota,
	)
}

// OnUsageReset implements plugin.OnUsageReset.
func (e *Extension) OnUsageReset(ctx context.Context, ent *entitlement.Entitlement, resources []string) error {
	return e.record(ctx, ActionUsageReset, SeverityInfo, OutcomeSuccess,
		ResourceQuota, ent.ID.String(), CategoryUsage, nil,
		"tenant_id", ent.TenantID,
		"resources", resources,
	)
}

// ──────────────────────────────────────────────────
// Access hooks
// ──────────────────────────────────────────────────

// OnPermissionChecked implements plugin.OnPermissionChecked. Only denials
// are recorded.
func (e *Extension) OnPermissionChecked(ctx context.Context, check plugin.PermissionCheck) error {
	if check.HasPermission {
		return nil
	}
	return e.record(ctx, ActionPermissionDenied, SeverityInfo, OutcomeFailure,
		ResourcePermission, check.TenantID, CategoryAccess, nil,
		"tenant_type", string(check.TenantType),
		"module", check.Module,
		"feature", check.Feature,
		"reason", check.Reason,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audithook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
