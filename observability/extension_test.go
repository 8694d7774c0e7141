package observability_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tollgate/audit"
	"github.com/xraph/tollgate/entitlement"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/observability"
	"github.com/xraph/tollgate/plugin"
	"github.com/xraph/tollgate/quota"
)

func TestMetricsExtensionCounts(t *testing.T) {
	ctx := context.Background()
	ext := observability.NewMetricsExtension(observability.NewPrometheusFactory(prometheus.NewRegistry()))
	ent := &entitlement.Entitlement{ID: id.NewEntitlementID(), TenantID: "t1"}

	require.NoError(t, ext.OnEntitlementCreated(ctx, ent))
	require.NoError(t, ext.OnEntitlementUpdated(ctx, ent, audit.ActionUpdated, nil))
	require.NoError(t, ext.OnEntitlementUpdated(ctx, ent, audit.ActionDeactivated, nil))
	require.NoError(t, ext.OnUsageRecorded(ctx, ent.ID, 3, quota.NewUsage("users", 3, 10)))
	require.NoError(t, ext.OnQuotaExceeded(ctx, ent, 9, quota.NewUsage("users", 3, 10)))

	assert.InDelta(t, 1, testutil.ToFloat64(ext.EntitlementCreated.(prometheus.Counter)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(ext.EntitlementUpdated.(prometheus.Counter)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(ext.EntitlementDeactivated.(prometheus.Counter)), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(ext.EntitlementActivated.(prometheus.Counter)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(ext.UsageRecorded.(prometheus.Counter)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(ext.QuotaExceeded.(prometheus.Counter)), 0)
}

func TestMetricsExtensionPermissionChecks(t *testing.T) {
	ctx := context.Background()
	ext := observability.NewMetricsExtension(observability.NewPrometheusFactory(prometheus.NewRegistry()))

	require.NoError(t, ext.OnPermissionChecked(ctx, plugin.PermissionCheck{HasPermission: true, CacheHit: true, Elapsed: time.Millisecond}))
	require.NoError(t, ext.OnPermissionChecked(ctx, plugin.PermissionCheck{HasPermission: false, Elapsed: 2 * time.Millisecond}))

	assert.InDelta(t, 2, testutil.ToFloat64(ext.PermissionChecks.(prometheus.Counter)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(ext.PermissionDenied.(prometheus.Counter)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(ext.PermissionCacheHits.(prometheus.Counter)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(ext.PermissionCacheMisses.(prometheus.Counter)), 0)
}

func TestPrometheusFactorySharesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := observability.NewMetricsExtension(observability.NewPrometheusFactory(reg))
	second := observability.NewMetricsExtension(observability.NewPrometheusFactory(reg))

	first.ModuleChanged.Inc()
	second.ModuleChanged.Inc()

	assert.InDelta(t, 2, testutil.ToFloat64(first.ModuleChanged.(prometheus.Counter)), 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "tollgate_module_changed_total")
	assert.Contains(t, names, "tollgate_permission_latency_ms")
}

func TestPrometheusFactorySurvivesNameClash(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tollgate",
		Name:      "module_changed_total",
		Help:      "Registered by someone else",
	})))

	var m *observability.MetricsExtension
	require.NotPanics(t, func() {
		m = observability.NewMetricsExtension(observability.NewPrometheusFactory(reg))
	})

	m.ModuleChanged.Inc()
	assert.InDelta(t, 1, testutil.ToFloat64(m.ModuleChanged.(prometheus.Counter)), 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "tollgate_permission_latency_ms", "other metrics still register")
}
