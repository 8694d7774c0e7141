package plugin_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tollgate/entitlement"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/plugin"
	"github.com/xraph/tollgate/quota"
)

type recorder struct {
	name string
	mu   sync.Mutex
	seen []string
	fail bool
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) note(s string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, s)
	if r.fail {
		return errors.New("boom")
	}
	return nil
}

func (r *recorder) OnEntitlementCreated(_ context.Context, e *entitlement.Entitlement) error {
	return r.note("created:" + e.TenantID)
}

func (r *recorder) OnUsageRecorded(_ context.Context, _ id.EntitlementID, _ int64, u quota.Usage) error {
	return r.note("usage:" + u.Resource)
}

type sleeper struct{}

func (sleeper) Name() string { return "sleeper" }

func (sleeper) OnShutdown(ctx context.Context) error {
	time.Sleep(200 * time.Millisecond)
	return nil
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := plugin.NewRegistry()
	require.NoError(t, r.Register(&recorder{name: "a"}))
	assert.Error(t, r.Register(&recorder{name: "a"}))
	assert.Equal(t, 1, r.Count())
	assert.NotNil(t, r.Get("a"))
	assert.Nil(t, r.Get("b"))
}

func TestEmitDispatchesOnlyImplementedHooks(t *testing.T) {
	ctx := context.Background()
	r := plugin.NewRegistry()
	rec := &recorder{name: "rec"}
	require.NoError(t, r.Register(rec))
	require.NoError(t, r.Register(sleeper{}))

	r.EmitEntitlementCreated(ctx, &entitlement.Entitlement{TenantID: "t1"})
	r.EmitUsageRecorded(ctx, id.NewEntitlementID(), 1, quota.NewUsage("forms", 1, 10))
	r.EmitQuotaExceeded(ctx, &entitlement.Entitlement{}, 1, quota.Usage{})

	assert.Equal(t, []string{"created:t1", "usage:forms"}, rec.seen)
}

func TestHookFailuresAreSwallowed(t *testing.T) {
	r := plugin.NewRegistry()
	rec := &recorder{name: "rec", fail: true}
	require.NoError(t, r.Register(rec))

	assert.NotPanics(t, func() {
		r.EmitEntitlementCreated(context.Background(), &entitlement.Entitlement{TenantID: "t1"})
	})
	assert.Len(t, rec.seen, 1)
}

func TestHookTimeout(t *testing.T) {
	r := plugin.NewRegistry().WithTimeout(10 * time.Millisecond)
	require.NoError(t, r.Register(sleeper{}))

	start := time.Now()
	r.EmitShutdown(context.Background())
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}
