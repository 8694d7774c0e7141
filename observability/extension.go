// Package observability provides a metrics extension for Tollgate that
// records lifecycle event counts through a MetricFactory.
package observability

import (
	"context"

	"github.com/xraph/tollgate/audit"
	"github.com/xraph/tollgate/entitlement"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/plugin"
	"github.com/xraph/tollgate/quota"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin               = (*MetricsExtension)(nil)
	_ plugin.OnInit               = (*MetricsExtension)(nil)
	_ plugin.OnEntitlementCreated = (*MetricsExtension)(nil)
	_ plugin.OnEntitlementUpdated = (*MetricsExtension)(nil)
	_ plugin.OnModuleChanged      = (*MetricsExtension)(nil)
	_ plugin.OnFeatureChanged     = (*MetricsExtension)(nil)
	_ plugin.OnQuotasChanged      = (*MetricsExtension)(nil)
	_ plugin.OnUsageRecorded      = (*MetricsExtension)(nil)
	_ plugin.OnQuotaExceeded      = (*MetricsExtension)(nil)
	_ plugin.OnUsageReset         = (*MetricsExtension)(nil)
	_ plugin.OnPermissionChecked  = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as a Tollgate plugin to track entitlement activity.
type MetricsExtension struct {
	factory MetricFactory

	// Entitlement metrics
	EntitlementCreated     Counter
	EntitlementUpdated     Counter
	EntitlementActivated   Counter
	EntitlementDeactivated Counter

	// Capability metrics
	ModuleChanged  Counter
	FeatureChanged Counter

	// Quota metrics
	QuotasChanged Counter
	UsageRecorded Counter
	UsageAmount   Histogram
	QuotaExceeded Counter
	UsageResets   Counter

	// Permission metrics
	PermissionChecks      Counter
	PermissionDenied      Counter
	PermissionCacheHits   Counter
	PermissionCacheMisses Counter
	PermissionLatency     Histogram
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		// Entitlement metrics
		EntitlementCreated:     factory.Counter("tollgate.entitlement.created"),
		EntitlementUpdated:     factory.Counter("tollgate.entitlement.updated"),
		EntitlementActivated:   factory.Counter("tollgate.entitlement.activated"),
		EntitlementDeactivated: factory.Counter("tollgate.entitlement.deactivated"),

		// Capability metrics
		ModuleChanged:  factory.Counter("tollgate.module.changed"),
		FeatureChanged: factory.Counter("tollgate.feature.changed"),

		// Quota metrics
		QuotasChanged: factory.Counter("tollgate.quotas.changed"),
		UsageRecorded: factory.Counter("tollgate.usage.recorded"),
		UsageAmount:   factory.Histogram("tollgate.usage.amount"),
		QuotaExceeded: factory.Counter("tollgate.quota.exceeded"),
		UsageResets:   factory.Counter("tollgate.usage.resets"),

		// Permission metrics
		PermissionChecks:      factory.Counter("tollgate.permission.checks"),
		PermissionDenied:      factory.Counter("tollgate.permission.denied"),
		PermissionCacheHits:   factory.Counter("tollgate.permission.cache.hits"),
		PermissionCacheMisses: factory.Counter("tollgate.permission.cache.misses"),
		PermissionLatency:     factory.Histogram("tollgate.permission.latency_ms"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ any) error {
	return nil
}

// ──────────────────────────────────────────────────
// Entitlement lifecycle hooks
// ──────────────────────────────────────────────────

// OnEntitlementCreated implements plugin.OnEntitlementCreated.
func (m *MetricsExtension) OnEntitlementCreated(_ context.Context, _ *entitlement.Entitlement) error {
	m.EntitlementCreated.Inc()
	return nil
}

// OnEntitlementUpdated implements plugin.OnEntitlementUpdated.
func (m *MetricsExtension) OnEntitlementUpdated(_ context.Context, _ *entitlement.Entitlement, action audit.Action, _ map[string]any) error {
	switch action {
	case audit.ActionActivated:
		m.EntitlementActivated.Inc()
	case audit.ActionDeactivated:
		m.EntitlementDeactivated.Inc()
	default:
		m.EntitlementUpdated.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Capability hooks
// ──────────────────────────────────────────────────

// OnModuleChanged implements plugin.OnModuleChanged.
func (m *MetricsExtension) OnModuleChanged(_ context.Context, _ *entitlement.Entitlement, _ entitlement.Module) error {
	m.ModuleChanged.Inc()
	return nil
}

// OnFeatureChanged implements plugin.OnFeatureChanged.
func (m *MetricsExtension) OnFeatureChanged(_ context.Context, _ *entitlement.Entitlement, _ string, _ entitlement.Feature) error {
	m.FeatureChanged.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Quota hooks
// ──────────────────────────────────────────────────

// OnQuotasChanged implements plugin.OnQuotasChanged.
func (m *MetricsExtension) OnQuotasChanged(_ context.Context, _ *entitlement.Entitlement, _ map[string]int64) error {
	m.QuotasChanged.Inc()
	return nil
}

// OnUsageRecorded implements plugin.OnUsageRecorded.
func (m *MetricsExtension) OnUsageRecorded(_ context.Context, _ id.EntitlementID, amount int64, _ quota.Usage) error {
	m.UsageRecorded.Inc()
	m.UsageAmount.Observe(float64(amount))
	return nil
}

// OnQuotaExceeded implements plugin.OnQuotaExceeded.
func (m *MetricsExtension) OnQuotaExceeded(_ context.Context, _ *entitlement.Entitlement, _ int64, _ quota.Usage) error {
	m.QuotaExceeded.Inc()
	return nil
}

// OnUsageReset implements plugin.OnUsageReset.
func (m *MetricsExtension) OnUsageReset(_ context.Context, _ *entitlement.Entitlement, _ []string) error {
	m.UsageResets.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Permission hooks
// ──────────────────────────────────────────────────

// OnPermissionChecked implements plugin.OnPermissionChecked.
func (m *MetricsExtension) OnPermissionChecked(_ context.Context, check plugin.PermissionCheck) error {
	m.PermissionChecks.Inc()
	if !check.HasPermission {
		m.PermissionDenied.Inc()
	}
	if check.CacheHit {
		m.PermissionCacheHits.Inc()
	} else {
		m.PermissionCacheMisses.Inc()
	}
	m.PermissionLatency.Observe(float64(check.Elapsed.Microseconds()) / 1000)
	return nil
}
