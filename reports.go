package tollgate

import (
	"context"
	"time"

	"github.com/xraph/tollgate/entitlement"
)

// DefaultExpiringDays is the look-ahead used by ReportExpiring when days is
// not positive.
const DefaultExpiringDays = 7

// ReportQuotaExceeded returns active entitlements where at least one quota'd
// resource has usage strictly above its quota.
func (t *Tollgate) ReportQuotaExceeded(ctx context.Context) ([]*entitlement.Entitlement, error) {
	active, err := t.ListEntitlements(ctx, ListFilter{})
	if err != nil {
		return nil, err
	}

	var out []*entitlement.Entitlement
	for _, e := range active {
		if len(e.OverQuota()) > 0 {
			out = append(out, e)
		}
	}
	return out, nil
}

// ReportExpiring returns active entitlements whose EffectiveUntil falls in
// (now, now+days].
func (t *Tollgate) ReportExpiring(ctx context.Context, days int) ([]*entitlement.Entitlement, error) {
	if days <= 0 {
		days = DefaultExpiringDays
	}
	now := t.now().UTC()
	window := time.Duration(days) * 24 * time.Hour

	list, err := t.store.ListExpiring(ctx, now, now.Add(window))
	if err != nil {
		return nil, err
	}

	out := list[:0]
	for _, e := range list {
		if e.ExpiresWithin(now, window) {
			e.Normalize()
			out = append(out, e)
		}
	}
	return out, nil
}
