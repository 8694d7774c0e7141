package audithook

import "log/slog"

// Option configures an Extension.
type Option func(*Extension)

// WithLogger sets the logger used to report recorder failures.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extension) { e.logger = logger }
}

// WithEnabledActions restricts recording to actions. Without it every
// action is recorded.
func WithEnabledActions(actions ...string) Option {
	return func(e *Extension) { e.enabled = actionSet(actions) }
}

// WithDisabledActions records everything except actions. Applied after
// WithEnabledActions it narrows that set instead.
func WithDisabledActions(actions ...string) Option {
	return func(e *Extension) {
		if e.enabled == nil {
			e.enabled = actionSet(allActions())
		}
		for _, a := range actions {
			delete(e.enabled, a)
		}
	}
}

func actionSet(actions []string) map[string]bool {
	set := make(map[string]bool, len(actions))
	for _, a := range actions {
		set[a] = true
	}
	return set
}

func allActions() []string {
	return []string{
		ActionEntitlementCreated,
		ActionEntitlementUpdated,
		ActionEntitlementActivated,
		ActionEntitlementDeactivated,
		ActionModuleChanged,
		ActionFeatureChanged,
		ActionQuotasChanged,
		ActionUsageRecorded,
		ActionQuotaExceeded,
		ActionUsageReset,
		ActionPermissionDenied,
	}
}
