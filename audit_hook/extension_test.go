package audithook_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tollgate/audit"
	audithook "github.com/xraph/tollgate/audit_hook"
	"github.com/xraph/tollgate/entitlement"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/plugin"
	"github.com/xraph/tollgate/quota"
)

type captured struct {
	mu     sync.Mutex
	events []*audithook.AuditEvent
}

func (c *captured) record(_ context.Context, evt *audithook.AuditEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *captured) actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Action
	}
	return out
}

func sample() *entitlement.Entitlement {
	return &entitlement.Entitlement{
		ID:         id.NewEntitlementID(),
		TenantID:   "biz_1",
		TenantType: entitlement.TenantBusiness,
		PlanID:     "plan_pro",
		Metadata:   entitlement.Metadata{CreatedBy: "admin", LastModifiedBy: "admin", Version: 2},
	}
}

func TestExtensionRecordsLifecycle(t *testing.T) {
	ctx := context.Background()
	rec := &captured{}
	ext := audithook.New(audithook.RecorderFunc(rec.record))
	ent := sample()

	require.NoError(t, ext.OnEntitlementCreated(ctx, ent))
	require.NoError(t, ext.OnEntitlementUpdated(ctx, ent, audit.ActionDeactivated, map[string]any{"is_active": false}))
	require.NoError(t, ext.OnModuleChanged(ctx, ent, entitlement.Module{Name: "billing", Enabled: true}))
	require.NoError(t, ext.OnFeatureChanged(ctx, ent, "billing", entitlement.Feature{Name: "invoices"}))
	require.NoError(t, ext.OnQuotasChanged(ctx, ent, map[string]int64{"users": 10}))
	require.NoError(t, ext.OnUsageRecorded(ctx, ent.ID, 1, quota.NewUsage("users", 1, 10)))
	require.NoError(t, ext.OnQuotaExceeded(ctx, ent, 5, quota.NewUsage("users", 8, 10)))
	require.NoError(t, ext.OnUsageReset(ctx, ent, []string{"users"}))

	assert.Equal(t, []string{
		audithook.ActionEntitlementCreated,
		audithook.ActionEntitlementDeactivated,
		audithook.ActionModuleChanged,
		audithook.ActionFeatureChanged,
		audithook.ActionQuotasChanged,
		audithook.ActionUsageRecorded,
		audithook.ActionQuotaExceeded,
		audithook.ActionUsageReset,
	}, rec.actions())

	exceeded := rec.events[6]
	assert.Equal(t, audithook.SeverityWarning, exceeded.Severity)
	assert.Equal(t, audithook.OutcomeFailure, exceeded.Outcome)
	assert.Equal(t, ent.ID.String(), exceeded.ResourceID)
	assert.Equal(t, int64(8), exceeded.Metadata["usage"])
}

func TestExtensionRecordsOnlyDenials(t *testing.T) {
	ctx := context.Background()
	rec := &captured{}
	ext := audithook.New(audithook.RecorderFunc(rec.record))

	require.NoError(t, ext.OnPermissionChecked(ctx, plugin.PermissionCheck{TenantID: "t1", HasPermission: true}))
	require.NoError(t, ext.OnPermissionChecked(ctx, plugin.PermissionCheck{
		TenantID: "t1", Module: "billing", Reason: "module disabled",
	}))

	require.Len(t, rec.events, 1)
	assert.Equal(t, audithook.ActionPermissionDenied, rec.events[0].Action)
	assert.Equal(t, "module disabled", rec.events[0].Metadata["reason"])
}

func TestExtensionActionFilters(t *testing.T) {
	ctx := context.Background()
	ent := sample()

	t.Run("enabled", func(t *testing.T) {
		rec := &captured{}
		ext := audithook.New(audithook.RecorderFunc(rec.record),
			audithook.WithEnabledActions(audithook.ActionQuotaExceeded))

		require.NoError(t, ext.OnEntitlementCreated(ctx, ent))
		require.NoError(t, ext.OnQuotaExceeded(ctx, ent, 1, quota.NewUsage("users", 10, 10)))
		assert.Equal(t, []string{audithook.ActionQuotaExceeded}, rec.actions())
	})

	t.Run("disabled", func(t *testing.T) {
		rec := &captured{}
		ext := audithook.New(audithook.RecorderFunc(rec.record),
			audithook.WithDisabledActions(audithook.ActionUsageRecorded))

		require.NoError(t, ext.OnUsageRecorded(ctx, ent.ID, 1, quota.NewUsage("users", 1, 10)))
		require.NoError(t, ext.OnUsageReset(ctx, ent, nil))
		assert.Equal(t, []string{audithook.ActionUsageReset}, rec.actions())
	})
}

func TestExtensionSwallowsRecorderErrors(t *testing.T) {
	ext := audithook.New(audithook.RecorderFunc(func(context.Context, *audithook.AuditEvent) error {
		return errors.New("backend down")
	}))
	assert.NoError(t, ext.OnEntitlementCreated(context.Background(), sample()))
}
