package tollgate_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/tollgate"
	"github.com/xraph/tollgate/audit"
	cachemem "github.com/xraph/tollgate/cache/memory"
	"github.com/xraph/tollgate/entitlement"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/quota"
	"github.com/xraph/tollgate/store/memory"
)

var (
	admin  = tollgate.Actor{ID: "usr_admin", Privileged: true}
	member = tollgate.Actor{ID: "usr_member"}
)

// clock is a settable time source shared by engine and test.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newEngine(t *testing.T, opts ...tollgate.Option) (*tollgate.Tollgate, *clock) {
	t.Helper()
	c := newClock()
	opts = append([]tollgate.Option{tollgate.WithClock(c.Now)}, opts...)
	tg := tollgate.New(memory.New(), opts...)
	require.NoError(t, tg.Start(context.Background()))
	t.Cleanup(func() { _ = tg.Stop() })
	return tg, c
}

func businessInput(tenant string) entitlement.CreateInput {
	return entitlement.CreateInput{
		TenantID:   tenant,
		TenantType: entitlement.TenantBusiness,
		PlanID:     "pro",
		Modules: []entitlement.Module{
			{Name: "forms", Enabled: true, Features: []entitlement.Feature{
				{Name: "templates", Enabled: false},
				{Name: "conditional_logic", Enabled: true},
			}},
			{Name: "analytics", Enabled: true},
			{Name: "payments", Enabled: false, Features: []entitlement.Feature{
				{Name: "stripe", Enabled: true},
			}},
		},
		Quotas: map[string]int64{"submissions": 5, "forms": 10},
	}
}

func TestCreateAndCheckPermissionScenario(t *testing.T) {
	ctx := context.Background()
	tg, _ := newEngine(t)

	e, err := tg.CreateEntitlement(ctx, businessInput("t1"), admin)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Metadata.Version)
	assert.Equal(t, admin.ID, e.Metadata.CreatedBy)
	require.Len(t, e.Audit, 1)
	assert.Equal(t, audit.ActionCreated, e.Audit[0].Action)
	assert.Equal(t, int64(0), e.Usage["submissions"], "usage is normalised for every quota key")

	res, err := tg.CheckPermission(ctx, "t1", entitlement.TenantBusiness, "forms", "templates")
	require.NoError(t, err)
	assert.False(t, res.HasPermission)
	assert.True(t, res.IsModuleEnabled)
	assert.False(t, res.IsFeatureEnabled)
	assert.Equal(t, tollgate.ReasonFeatureDisabled, res.Reason)

	res, err = tg.CheckPermission(ctx, "t1", entitlement.TenantBusiness, "forms", "")
	require.NoError(t, err)
	assert.True(t, res.HasPermission, "omitted feature reduces to module enablement")
	assert.Equal(t, int64(5), res.Quotas["submissions"])
}

func TestCheckPermissionModuleGatesFeature(t *testing.T) {
	ctx := context.Background()
	tg, _ := newEngine(t)
	_, err := tg.CreateEntitlement(ctx, businessInput("t1"), admin)
	require.NoError(t, err)

	res, err := tg.CheckPermission(ctx, "t1", entitlement.TenantBusiness, "payments", "stripe")
	require.NoError(t, err)
	assert.False(t, res.HasPermission)
	assert.False(t, res.IsModuleEnabled)
	assert.False(t, res.IsFeatureEnabled)
	assert.Equal(t, tollgate.ReasonModuleDisabled, res.Reason)
}

func TestCheckPermissionNoEntitlement(t *testing.T) {
	tg, _ := newEngine(t)

	res, err := tg.CheckPermission(context.Background(), "ghost", entitlement.TenantOrganization, "forms", "")
	require.NoError(t, err)
	assert.False(t, res.HasPermission)
	assert.Equal(t, tollgate.ReasonNoEntitlement, res.Reason)
}

func TestCheckPermissionIsSideEffectFree(t *testing.T) {
	ctx := context.Background()
	tg, _ := newEngine(t)
	e, err := tg.CreateEntitlement(ctx, businessInput("t1"), admin)
	require.NoError(t, err)

	before, err := tg.GetEntitlement(ctx, e.ID)
	require.NoError(t, err)

	for range 10 {
		_, err := tg.CheckPermission(ctx, "t1", entitlement.TenantBusiness, "forms", "conditional_logic")
		require.NoError(t, err)
	}

	after, err := tg.GetEntitlement(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Usage, after.Usage)
	assert.Equal(t, before.Quotas, after.Quotas)
	assert.Equal(t, before.Audit, after.Audit)
	assert.Equal(t, before.Metadata.Version, after.Metadata.Version)
}

func TestEffectiveWindowEnforcement(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	until := c.Now().Add(-time.Hour)
	in := businessInput("t1")
	in.EffectiveFrom = ptr(c.Now().Add(-48 * time.Hour))
	in.EffectiveUntil = &until

	lenient := tollgate.New(memory.New(), tollgate.WithClock(c.Now))
	_, err := lenient.CreateEntitlement(ctx, in, admin)
	require.NoError(t, err)
	res, err := lenient.CheckPermission(ctx, "t1", entitlement.TenantBusiness, "forms", "")
	require.NoError(t, err)
	assert.True(t, res.HasPermission, "window is caller policy by default")
	assert.False(t, res.InEffect)

	strict := tollgate.New(memory.New(), tollgate.WithClock(c.Now), tollgate.WithEffectiveWindowEnforcement(true))
	_, err = strict.CreateEntitlement(ctx, in, admin)
	require.NoError(t, err)
	res, err = strict.CheckPermission(ctx, "t1", entitlement.TenantBusiness, "forms", "")
	require.NoError(t, err)
	assert.False(t, res.HasPermission)
	assert.Equal(t, tollgate.ReasonOutsideEffective, res.Reason)
}

func TestCreateRejectsDuplicateTenant(t *testing.T) {
	ctx := context.Background()
	tg, _ := newEngine(t)

	for _, tt := range []entitlement.TenantType{
		entitlement.TenantOrganization, entitlement.TenantBusiness, entitlement.TenantFranchise,
	} {
		t.Run(string(tt), func(t *testing.T) {
			in := businessInput("dup")
			in.TenantType = tt
			_, err := tg.CreateEntitlement(ctx, in, admin)
			require.NoError(t, err)

			_, err = tg.CreateEntitlement(ctx, in, admin)
			assert.ErrorIs(t, err, tollgate.ErrDuplicateTenant)
		})
	}
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	tg, _ := newEngine(t)

	tests := []struct {
		name   string
		mutate func(*entitlement.CreateInput)
		field  string
	}{
		{"missing tenant", func(in *entitlement.CreateInput) { in.TenantID = "" }, "tenant_id"},
		{"bad tenant type", func(in *entitlement.CreateInput) { in.TenantType = "household" }, "tenant_type"},
		{"missing plan", func(in *entitlement.CreateInput) { in.PlanID = "" }, "plan_id"},
		{"unknown module", func(in *entitlement.CreateInput) {
			in.Modules = append(in.Modules, entitlement.Module{Name: "teleport"})
		}, "modules[3].name"},
		{"duplicate module", func(in *entitlement.CreateInput) {
			in.Modules = append(in.Modules, entitlement.Module{Name: "forms"})
		}, "modules[3].name"},
		{"duplicate feature", func(in *entitlement.CreateInput) {
			in.Modules[1].Features = []entitlement.Feature{{Name: "charts"}, {Name: "charts"}}
		}, "modules[1].features[1].name"},
		{"negative quota", func(in *entitlement.CreateInput) { in.Quotas["forms"] = -1 }, "quotas.forms"},
		{"bad resource key", func(in *entitlement.CreateInput) { in.Quotas["api-calls"] = 1 }, "quotas"},
		{"non-finite module config", func(in *entitlement.CreateInput) {
			in.Modules[0].Config = map[string]tollgate.Value{"ratio": tollgate.Number(math.NaN())}
		}, "modules[0].config.ratio"},
		{"non-finite feature config", func(in *entitlement.CreateInput) {
			in.Modules[0].Features[1].Config = map[string]tollgate.Value{"max": tollgate.Number(math.Inf(1))}
		}, "modules[0].features[1].config.max"},
		{"inverted window", func(in *entitlement.CreateInput) {
			now := time.Now()
			in.EffectiveFrom = ptr(now)
			in.EffectiveUntil = ptr(now.Add(-time.Hour))
		}, "effective_until"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := businessInput("v-" + tt.name)
			tt.mutate(&in)
			_, err := tg.CreateEntitlement(ctx, in, admin)
			require.Error(t, err)
			assert.True(t, tollgate.IsValidation(err), "got %v", err)

			var ve tollgate.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestPrivilegedOperationsRequirePrivilege(t *testing.T) {
	ctx := context.Background()
	tg, _ := newEngine(t)
	e, err := tg.CreateEntitlement(ctx, businessInput("t1"), admin)
	require.NoError(t, err)

	_, err = tg.CreateEntitlement(ctx, businessInput("t2"), member)
	assert.ErrorIs(t, err, tollgate.ErrForbidden)

	plan := "free"
	_, err = tg.UpdateEntitlement(ctx, e.ID, entitlement.Patch{PlanID: &plan}, member)
	assert.ErrorIs(t, err, tollgate.ErrForbidden)

	_, err = tg.SetModule(ctx, e.ID, "forms", entitlement.ModulePatch{}, member)
	assert.ErrorIs(t, err, tollgate.ErrForbidden)

	_, err = tg.SetFeature(ctx, e.ID, "forms", "templates", entitlement.FeaturePatch{}, member)
	assert.ErrorIs(t, err, tollgate.ErrForbidden)

	_, err = tg.SetQuotas(ctx, e.ID, map[string]int64{"forms": 1}, member)
	assert.ErrorIs(t, err, tollgate.ErrForbidden)

	_, err = tg.ResetUsage(ctx, e.ID, "", member)
	assert.ErrorIs(t, err, tollgate.ErrForbidden)

	_, err = tg.RecordUsage(ctx, e.ID, tollgate.UsageRequest{Resource: "forms"}, member)
	assert.NoError(t, err, "consumption is not privileged")
}

func TestGetByTenantAndList(t *testing.T) {
	ctx := context.Background()
	tg, c := newEngine(t)

	a, err := tg.CreateEntitlement(ctx, businessInput("a"), admin)
	require.NoError(t, err)
	c.Advance(time.Minute)
	b, err := tg.CreateEntitlement(ctx, businessInput("b"), admin)
	require.NoError(t, err)

	off := false
	_, err = tg.UpdateEntitlement(ctx, a.ID, entitlement.Patch{IsActive: &off}, admin)
	require.NoError(t, err)

	_, err = tg.GetByTenant(ctx, "a", entitlement.TenantBusiness)
	assert.ErrorIs(t, err, tollgate.ErrEntitlementNotFound)
	assert.True(t, tollgate.IsNotFound(err))

	got, err := tg.GetByTenant(ctx, "b", entitlement.TenantBusiness)
	require.NoError(t, err)
	assert.Equal(t, b.ID.String(), got.ID.String())

	active, err := tg.ListEntitlements(ctx, tollgate.ListFilter{})
	require.NoError(t, err)
	require.Len(t, active, 1, "list defaults to active only")
	assert.Equal(t, "b", active[0].TenantID)

	all, err := tg.ListEntitlements(ctx, tollgate.ListFilter{AnyStatus: true})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].TenantID, "newest first")

	inactive, err := tg.ListEntitlements(ctx, tollgate.ListFilter{IsActive: &off})
	require.NoError(t, err)
	require.Len(t, inactive, 1)
	assert.Equal(t, "a", inactive[0].TenantID)

	_, err = tg.GetEntitlement(ctx, id.NewEntitlementID())
	assert.ErrorIs(t, err, tollgate.ErrEntitlementNotFound)
}

func TestUpdateEntitlementActions(t *testing.T) {
	ctx := context.Background()
	tg, c := newEngine(t)
	e, err := tg.CreateEntitlement(ctx, businessInput("t1"), admin)
	require.NoError(t, err)

	editor := tollgate.Actor{ID: "usr_editor", Privileged: true}
	plan := "enterprise"
	off, on := false, true

	c.Advance(time.Second)
	got, err := tg.UpdateEntitlement(ctx, e.ID, entitlement.Patch{PlanID: &plan}, editor)
	require.NoError(t, err)
	assert.Equal(t, "enterprise", got.PlanID)
	assert.Equal(t, editor.ID, got.Metadata.LastModifiedBy)
	assert.True(t, got.UpdatedAt.After(e.UpdatedAt))
	assert.Len(t, got.Modules, 3, "modules untouched by a plan-only patch")

	_, err = tg.UpdateEntitlement(ctx, e.ID, entitlement.Patch{IsActive: &off, Reason: "churned"}, editor)
	require.NoError(t, err)
	_, err = tg.UpdateEntitlement(ctx, e.ID, entitlement.Patch{IsActive: &on}, editor)
	require.NoError(t, err)

	trail, err := tg.AuditTrail(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, trail, 4)
	assert.Equal(t, audit.ActionUpdated, trail[1].Action)
	assert.Equal(t, "enterprise", trail[1].Changes["plan_id"])
	assert.Equal(t, audit.ActionDeactivated, trail[2].Action)
	assert.Equal(t, "churned", trail[2].Reason)
	assert.Equal(t, audit.ActionActivated, trail[3].Action)

	_, err = tg.UpdateEntitlement(ctx, id.NewEntitlementID(), entitlement.Patch{PlanID: &plan}, editor)
	assert.ErrorIs(t, err, tollgate.ErrEntitlementNotFound)

	bad := []entitlement.Module{{Name: "teleport"}}
	_, err = tg.UpdateEntitlement(ctx, e.ID, entitlement.Patch{Modules: &bad}, editor)
	assert.True(t, tollgate.IsValidation(err))
}

func TestSetModuleAndFeature(t *testing.T) {
	ctx := context.Background()
	tg, _ := newEngine(t)
	e, err := tg.CreateEntitlement(ctx, businessInput("t1"), admin)
	require.NoError(t, err)

	on := true
	m, err := tg.SetModule(ctx, e.ID, "payments", entitlement.ModulePatch{
		Enabled: &on,
		Limits:  map[string]int64{"transactions": 100},
	}, admin)
	require.NoError(t, err)
	assert.True(t, m.Enabled)
	assert.Len(t, m.Features, 1, "omitted fields keep their values")
	assert.Equal(t, int64(100), m.Limits["transactions"])

	f, err := tg.SetFeature(ctx, e.ID, "forms", "templates", entitlement.FeaturePatch{
		Enabled: &on,
		Config:  map[string]tollgate.Value{"max": tollgate.Number(3)},
	}, admin)
	require.NoError(t, err)
	assert.True(t, f.Enabled)

	res, err := tg.CheckPermission(ctx, "t1", entitlement.TenantBusiness, "forms", "templates")
	require.NoError(t, err)
	assert.True(t, res.HasPermission)

	trail, err := tg.AuditTrail(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, "payments", trail[1].Changes["module"])
	assert.Equal(t, "templates", trail[2].Changes["feature"])
	patch, ok := trail[2].Changes["patch"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, patch["enabled"])

	_, err = tg.SetModule(ctx, e.ID, "workflows", entitlement.ModulePatch{Enabled: &on}, admin)
	assert.ErrorIs(t, err, tollgate.ErrModuleNotFound)
	_, err = tg.SetFeature(ctx, e.ID, "forms", "signatures", entitlement.FeaturePatch{Enabled: &on}, admin)
	assert.ErrorIs(t, err, tollgate.ErrFeatureNotFound)
	_, err = tg.SetFeature(ctx, e.ID, "workflows", "x", entitlement.FeaturePatch{Enabled: &on}, admin)
	assert.ErrorIs(t, err, tollgate.ErrModuleNotFound)
	_, err = tg.SetModule(ctx, id.NewEntitlementID(), "forms", entitlement.ModulePatch{Enabled: &on}, admin)
	assert.ErrorIs(t, err, tollgate.ErrEntitlementNotFound)
}

func TestConcurrentSetModuleLosesNothing(t *testing.T) {
	ctx := context.Background()
	tg, _ := newEngine(t, tollgate.WithMaxRetries(50))

	in := businessInput("t1")
	in.Modules = nil
	for _, name := range entitlement.DefaultModules {
		in.Modules = append(in.Modules, entitlement.Module{Name: name})
	}
	e, err := tg.CreateEntitlement(ctx, in, admin)
	require.NoError(t, err)

	on := true
	var g errgroup.Group
	for _, name := range entitlement.DefaultModules {
		g.Go(func() error {
			_, err := tg.SetModule(ctx, e.ID, name, entitlement.ModulePatch{Enabled: &on}, admin)
			return err
		})
	}
	require.NoError(t, g.Wait())

	got, err := tg.GetEntitlement(ctx, e.ID)
	require.NoError(t, err)
	for _, name := range entitlement.DefaultModules {
		assert.True(t, entitlement.IsModuleEnabled(got, name), name)
	}
	assert.Len(t, got.Audit, 1+len(entitlement.DefaultModules))
	assert.Equal(t, int64(1+len(entitlement.DefaultModules)), got.Metadata.Version)
}

func TestSetQuotasMerges(t *testing.T) {
	ctx := context.Background()
	tg, _ := newEngine(t)
	e, err := tg.CreateEntitlement(ctx, businessInput("t1"), admin)
	require.NoError(t, err)

	quotas, err := tg.SetQuotas(ctx, e.ID, map[string]int64{"staff": 3, "forms": 20}, admin)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"submissions": 5, "forms": 20, "staff": 3}, quotas)

	got, err := tg.GetEntitlement(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Usage["staff"])

	_, err = tg.SetQuotas(ctx, e.ID, map[string]int64{"staff": -1}, admin)
	assert.True(t, tollgate.IsValidation(err))
	_, err = tg.SetQuotas(ctx, id.NewEntitlementID(), map[string]int64{"staff": 1}, admin)
	assert.ErrorIs(t, err, tollgate.ErrEntitlementNotFound)
}

func TestRecordUsage(t *testing.T) {
	ctx := context.Background()
	tg, _ := newEngine(t)
	e, err := tg.CreateEntitlement(ctx, businessInput("t1"), admin)
	require.NoError(t, err)

	u, err := tg.RecordUsage(ctx, e.ID, tollgate.UsageRequest{Resource: "forms"}, member)
	require.NoError(t, err)
	assert.Equal(t, quota.Usage{Resource: "forms", Usage: 1, Quota: 10, Remaining: 9}, u)

	u, err = tg.RecordUsage(ctx, e.ID, tollgate.UsageRequest{Resource: "forms", Amount: 9}, member)
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.Remaining)

	_, err = tg.RecordUsage(ctx, e.ID, tollgate.UsageRequest{Resource: "forms", Amount: -2}, member)
	assert.ErrorIs(t, err, tollgate.ErrInvalidQuantity)

	_, err = tg.RecordUsage(ctx, e.ID, tollgate.UsageRequest{Resource: "bad key"}, member)
	assert.True(t, tollgate.IsValidation(err))

	_, err = tg.RecordUsage(ctx, id.NewEntitlementID(), tollgate.UsageRequest{Resource: "forms"}, member)
	assert.ErrorIs(t, err, tollgate.ErrEntitlementNotFound)

	got, err := tg.GetEntitlement(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, got.Audit, 1, "successful consumption is not audited")
	assert.False(t, entitlement.CheckQuota(got, "forms"))
}

func TestRecordUsageQuotaExceededScenario(t *testing.T) {
	ctx := context.Background()
	tg, _ := newEngine(t)
	e, err := tg.CreateEntitlement(ctx, businessInput("t1"), admin)
	require.NoError(t, err)

	_, err = tg.RecordUsage(ctx, e.ID, tollgate.UsageRequest{Resource: "submissions", Amount: 5}, member)
	require.NoError(t, err)

	u, err := tg.RecordUsage(ctx, e.ID, tollgate.UsageRequest{Resource: "submissions", Amount: 1}, member)
	require.ErrorIs(t, err, tollgate.ErrQuotaExceeded)
	assert.True(t, tollgate.IsQuotaError(err))
	assert.Equal(t, int64(5), u.Usage)
	assert.Equal(t, int64(5), u.Quota)

	var qe *tollgate.QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, "submissions", qe.Resource)
	assert.Equal(t, int64(1), qe.Amount)

	got, err := tg.GetEntitlement(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Usage["submissions"], "refused increment leaves usage untouched")

	last, ok := got.LastAudit()
	require.True(t, ok)
	assert.Equal(t, audit.ActionQuotaExceeded, last.Action)
	assert.Equal(t, member.ID, last.PerformedBy)
	assert.Equal(t, "submissions", last.Changes["resource"])
	assert.Equal(t, int64(1), last.Changes["amount"])
}

func TestRecordUsageConcurrentLastUnit(t *testing.T) {
	ctx := context.Background()
	tg, _ := newEngine(t)

	in := businessInput("t1")
	in.Quotas = map[string]int64{"submissions": 10}
	e, err := tg.CreateEntitlement(ctx, in, admin)
	require.NoError(t, err)
	_, err = tg.RecordUsage(ctx, e.ID, tollgate.UsageRequest{Resource: "submissions", Amount: 9}, member)
	require.NoError(t, err)

	var ok, refused atomic.Int64
	var g errgroup.Group
	for range 2 {
		g.Go(func() error {
			_, err := tg.RecordUsage(ctx, e.ID, tollgate.UsageRequest{Resource: "submissions", Amount: 1}, member)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, tollgate.ErrQuotaExceeded):
				refused.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(1), ok.Load())
	assert.Equal(t, int64(1), refused.Load())

	got, err := tg.GetEntitlement(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Usage["submissions"])
}

func TestRecordUsageNeverOvershootsUnderLoad(t *testing.T) {
	ctx := context.Background()
	tg, _ := newEngine(t)

	in := businessInput("t1")
	in.Quotas = map[string]int64{"submissions": 25}
	e, err := tg.CreateEntitlement(ctx, in, admin)
	require.NoError(t, err)

	var ok atomic.Int64
	var g errgroup.Group
	for range 100 {
		g.Go(func() error {
			_, err := tg.RecordUsage(ctx, e.ID, tollgate.UsageRequest{Resource: "submissions"}, member)
			if err == nil {
				ok.Add(1)
				return nil
			}
			if errors.Is(err, tollgate.ErrQuotaExceeded) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	got, err := tg.GetEntitlement(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), ok.Load())
	assert.Equal(t, int64(25), got.Usage["submissions"])
	assert.Len(t, got.Audit, 1+75, "one quota_exceeded entry per refusal")
}

func TestConcurrentRefusalsAreAllAudited(t *testing.T) {
	ctx := context.Background()
	tg, c := newEngine(t, tollgate.WithMaxRetries(0))

	in := businessInput("t1")
	in.Quotas = map[string]int64{"submissions": 0}
	e, err := tg.CreateEntitlement(ctx, in, admin)
	require.NoError(t, err)
	c.Advance(-time.Hour)

	var g errgroup.Group
	for range 64 {
		g.Go(func() error {
			_, err := tg.RecordUsage(ctx, e.ID, tollgate.UsageRequest{Resource: "submissions"}, member)
			if errors.Is(err, tollgate.ErrConflict) {
				return err
			}
			if !errors.Is(err, tollgate.ErrQuotaExceeded) {
				return fmt.Errorf("want quota error, got %w", err)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	got, err := tg.GetEntitlement(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, got.Audit, 1+64)
	assert.Equal(t, int64(1+64), got.Metadata.Version)
	for i := 1; i < len(got.Audit); i++ {
		assert.Equal(t, audit.ActionQuotaExceeded, got.Audit[i].Action)
		assert.False(t, got.Audit[i].PerformedAt.Before(got.Audit[i-1].PerformedAt), "entry %d precedes its predecessor", i)
	}
}

func TestResetUsage(t *testing.T) {
	ctx := context.Background()
	tg, _ := newEngine(t)
	e, err := tg.CreateEntitlement(ctx, businessInput("t1"), admin)
	require.NoError(t, err)

	for _, r := range []string{"forms", "submissions"} {
		_, err := tg.RecordUsage(ctx, e.ID, tollgate.UsageRequest{Resource: r, Amount: 3}, member)
		require.NoError(t, err)
	}

	got, err := tg.ResetUsage(ctx, e.ID, "forms", admin)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Usage["forms"])

	stored, err := tg.GetEntitlement(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.Usage["forms"])
	assert.Equal(t, int64(3), stored.Usage["submissions"])

	_, err = tg.ResetUsage(ctx, e.ID, "", admin)
	require.NoError(t, err)
	stored, err = tg.GetEntitlement(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.Usage["submissions"])
	assert.Len(t, stored.Audit, 3)
}

func TestResetUsagePersistsModifier(t *testing.T) {
	ctx := context.Background()
	tg, _ := newEngine(t)
	e, err := tg.CreateEntitlement(ctx, businessInput("t1"), admin)
	require.NoError(t, err)

	ops := tollgate.Actor{ID: "usr_ops", Privileged: true}
	_, err = tg.ResetUsage(ctx, e.ID, "", ops)
	require.NoError(t, err)

	stored, err := tg.GetEntitlement(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "usr_ops", stored.Metadata.LastModifiedBy)
	last, ok := stored.LastAudit()
	require.True(t, ok)
	assert.Equal(t, "usr_ops", last.PerformedBy)
}

func TestSetModuleRejectsNonFiniteConfig(t *testing.T) {
	ctx := context.Background()
	tg, _ := newEngine(t)
	e, err := tg.CreateEntitlement(ctx, businessInput("t1"), admin)
	require.NoError(t, err)

	_, err = tg.SetModule(ctx, e.ID, "forms", entitlement.ModulePatch{
		Config: map[string]tollgate.Value{"ratio": tollgate.Number(math.Inf(-1))},
	}, admin)
	var ve tollgate.ValidationError
	require.True(t, errors.As(err, &ve), "got %v", err)
	assert.Equal(t, "config.ratio", ve.Field)

	_, err = tg.SetFeature(ctx, e.ID, "forms", "templates", entitlement.FeaturePatch{
		Config: map[string]tollgate.Value{"max": tollgate.Number(math.NaN())},
	}, admin)
	require.True(t, errors.As(err, &ve), "got %v", err)
	assert.Equal(t, "config.max", ve.Field)

	stored, err := tg.GetEntitlement(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Modules, 3, "rejected patches leave modules intact")
	assert.Equal(t, int64(1), stored.Metadata.Version)
}

func TestAuditTrailIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	tg, c := newEngine(t)
	e, err := tg.CreateEntitlement(ctx, businessInput("t1"), admin)
	require.NoError(t, err)

	on := true
	var snapshots [][]audit.Entry
	ops := []func() error{
		func() error {
			_, err := tg.SetModule(ctx, e.ID, "payments", entitlement.ModulePatch{Enabled: &on}, admin)
			return err
		},
		func() error {
			_, err := tg.SetQuotas(ctx, e.ID, map[string]int64{"forms": 1}, admin)
			return err
		},
		func() error {
			_, err := tg.SetFeature(ctx, e.ID, "forms", "templates", entitlement.FeaturePatch{Enabled: &on}, admin)
			return err
		},
		func() error {
			n := "vip"
			_, err := tg.UpdateEntitlement(ctx, e.ID, entitlement.Patch{Notes: &n}, admin)
			return err
		},
	}

	for i, op := range ops {
		if i%2 == 1 {
			// A clock that steps backwards must not reorder the trail.
			c.Advance(-time.Minute)
		}
		require.NoError(t, op())
		trail, err := tg.AuditTrail(ctx, e.ID)
		require.NoError(t, err)
		snapshots = append(snapshots, trail)
	}

	final := snapshots[len(snapshots)-1]
	require.Len(t, final, 1+len(ops))
	for i, snap := range snapshots {
		assert.Equal(t, snap, final[:len(snap)], "entries before op %d changed", i)
	}
	for i := 1; i < len(final); i++ {
		assert.False(t, final[i].PerformedAt.Before(final[i-1].PerformedAt), "entry %d precedes its predecessor", i)
	}
}

func TestReportExpiring(t *testing.T) {
	ctx := context.Background()
	tg, c := newEngine(t)

	in := businessInput("t1")
	in.EffectiveUntil = ptr(c.Now().Add(3 * 24 * time.Hour))
	e, err := tg.CreateEntitlement(ctx, in, admin)
	require.NoError(t, err)

	in = businessInput("t2")
	in.EffectiveUntil = ptr(c.Now().Add(-time.Hour))
	_, err = tg.CreateEntitlement(ctx, in, admin)
	require.NoError(t, err)

	week, err := tg.ReportExpiring(ctx, 7)
	require.NoError(t, err)
	require.Len(t, week, 1)
	assert.Equal(t, e.ID.String(), week[0].ID.String())

	twoDays, err := tg.ReportExpiring(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, twoDays)

	def, err := tg.ReportExpiring(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, def, 1, "non-positive days fall back to a week")
}

func TestReportQuotaExceeded(t *testing.T) {
	ctx := context.Background()
	tg, _ := newEngine(t)

	e, err := tg.CreateEntitlement(ctx, businessInput("t1"), admin)
	require.NoError(t, err)
	_, err = tg.CreateEntitlement(ctx, businessInput("t2"), admin)
	require.NoError(t, err)

	_, err = tg.RecordUsage(ctx, e.ID, tollgate.UsageRequest{Resource: "forms", Amount: 8}, member)
	require.NoError(t, err)
	_, err = tg.SetQuotas(ctx, e.ID, map[string]int64{"forms": 5}, admin)
	require.NoError(t, err)

	over, err := tg.ReportQuotaExceeded(ctx)
	require.NoError(t, err)
	require.Len(t, over, 1)
	assert.Equal(t, e.ID.String(), over[0].ID.String())
	assert.Equal(t, []string{"forms"}, over[0].OverQuota())

	off := false
	_, err = tg.UpdateEntitlement(ctx, e.ID, entitlement.Patch{IsActive: &off}, admin)
	require.NoError(t, err)
	over, err = tg.ReportQuotaExceeded(ctx)
	require.NoError(t, err)
	assert.Empty(t, over, "inactive entitlements are not reported")
}

func TestCacheInvalidatedOnWrites(t *testing.T) {
	ctx := context.Background()
	tg, _ := newEngine(t, tollgate.WithCache(cachemem.New(), time.Hour))

	e, err := tg.CreateEntitlement(ctx, businessInput("t1"), admin)
	require.NoError(t, err)

	res, err := tg.CheckPermission(ctx, "t1", entitlement.TenantBusiness, "workflows", "")
	require.NoError(t, err)
	assert.False(t, res.HasPermission)

	_, err = tg.CheckPermission(ctx, "t1", entitlement.TenantBusiness, "forms", "templates")
	require.NoError(t, err)

	on := true
	_, err = tg.SetFeature(ctx, e.ID, "forms", "templates", entitlement.FeaturePatch{Enabled: &on}, admin)
	require.NoError(t, err)

	res, err = tg.CheckPermission(ctx, "t1", entitlement.TenantBusiness, "forms", "templates")
	require.NoError(t, err)
	assert.True(t, res.HasPermission, "stale snapshot served after write")

	_, err = tg.RecordUsage(ctx, e.ID, tollgate.UsageRequest{Resource: "forms", Amount: 4}, member)
	require.NoError(t, err)
	res, err = tg.CheckPermission(ctx, "t1", entitlement.TenantBusiness, "forms", "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Usage["forms"])
}

// stallingStore returns a tenant read taken before release is closed, the
// first time it is armed.
type stallingStore struct {
	*memory.Store
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (s *stallingStore) GetEntitlementByTenant(ctx context.Context, tenantID string, tenantType entitlement.TenantType) (*entitlement.Entitlement, error) {
	e, err := s.Store.GetEntitlementByTenant(ctx, tenantID, tenantType)
	if s.armed.CompareAndSwap(true, false) {
		close(s.entered)
		<-s.release
	}
	return e, err
}

func TestCacheNotRefilledWithSnapshotOlderThanWrite(t *testing.T) {
	ctx := context.Background()
	s := &stallingStore{
		Store:   memory.New(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	tg := tollgate.New(s, tollgate.WithCache(cachemem.New(), time.Hour))

	e, err := tg.CreateEntitlement(ctx, businessInput("t1"), admin)
	require.NoError(t, err)

	s.armed.Store(true)
	done := make(chan error, 1)
	go func() {
		_, err := tg.CheckPermission(ctx, "t1", entitlement.TenantBusiness, "forms", "templates")
		done <- err
	}()
	<-s.entered

	on := true
	_, err = tg.SetFeature(ctx, e.ID, "forms", "templates", entitlement.FeaturePatch{Enabled: &on}, admin)
	require.NoError(t, err)

	close(s.release)
	require.NoError(t, <-done)

	res, err := tg.CheckPermission(ctx, "t1", entitlement.TenantBusiness, "forms", "templates")
	require.NoError(t, err)
	assert.True(t, res.HasPermission, "read that started before the write repopulated the cache")
}

// conflictStore loses every version race.
type conflictStore struct {
	*memory.Store
	attempts atomic.Int64
}

func (s *conflictStore) UpdateEntitlement(context.Context, *entitlement.Entitlement, int64, audit.Entry) error {
	s.attempts.Add(1)
	return fmt.Errorf("%w: simulated", tollgate.ErrVersionConflict)
}

func TestRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	s := &conflictStore{Store: memory.New()}
	tg := tollgate.New(s, tollgate.WithMaxRetries(3))

	e, err := tg.CreateEntitlement(ctx, businessInput("t1"), admin)
	require.NoError(t, err)

	plan := "free"
	_, err = tg.UpdateEntitlement(ctx, e.ID, entitlement.Patch{PlanID: &plan}, admin)
	require.ErrorIs(t, err, tollgate.ErrConflict)
	assert.True(t, tollgate.IsRetryable(err))
	assert.Equal(t, int64(4), s.attempts.Load())
}

func TestHealthAndStop(t *testing.T) {
	tg := tollgate.New(memory.New())
	require.NoError(t, tg.Health(context.Background()))
	require.NoError(t, tg.Stop())
	assert.ErrorIs(t, tg.Health(context.Background()), tollgate.ErrStoreClosed)
}

func ptr[T any](v T) *T { return &v }
