package entitlement

import (
	"slices"
	"time"
)

// IsModuleEnabled reports whether the module exists and is enabled.
func IsModuleEnabled(e *Entitlement, module string) bool {
	if e == nil {
		return false
	}
	m := e.FindModule(module)
	return m != nil && m.Enabled
}

// IsFeatureEnabled reports whether the feature is usable. The module gates
// its features: a disabled module disables every feature regardless of the
// feature's own flag.
func IsFeatureEnabled(e *Entitlement, module, feature string) bool {
	if e == nil {
		return false
	}
	m := e.FindModule(module)
	if m == nil || !m.Enabled {
		return false
	}
	f := m.FindFeature(feature)
	return f != nil && f.Enabled
}

// CheckQuota reports whether at least one more unit of resource may be
// consumed. Usage equal to the quota counts as exhausted.
func CheckQuota(e *Entitlement, resource string) bool {
	if e == nil {
		return false
	}
	return e.UsageOf(resource) < e.QuotaOf(resource)
}

// InEffect reports whether now falls inside the optional
// [EffectiveFrom, EffectiveUntil) window.
func (e *Entitlement) InEffect(now time.Time) bool {
	if e.EffectiveFrom != nil && now.Before(*e.EffectiveFrom) {
		return false
	}
	if e.EffectiveUntil != nil && !now.Before(*e.EffectiveUntil) {
		return false
	}
	return true
}

// ExpiresWithin reports whether an active entitlement reaches its
// EffectiveUntil in (now, now+d].
func (e *Entitlement) ExpiresWithin(now time.Time, d time.Duration) bool {
	if !e.IsActive || e.EffectiveUntil == nil {
		return false
	}
	until := *e.EffectiveUntil
	return now.Before(until) && !until.After(now.Add(d))
}

// OverQuota returns the quota'd resources whose usage is strictly above the
// quota, sorted by name.
func (e *Entitlement) OverQuota() []string {
	var over []string
	for r, q := range e.Quotas {
		if e.Usage[r] > q {
			over = append(over, r)
		}
	}
	slices.Sort(over)
	return over
}
