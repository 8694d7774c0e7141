package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/tollgate/audit"
	"github.com/xraph/tollgate/entitlement"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/quota"
)

// DefaultHookTimeout bounds a single hook invocation.
const DefaultHookTimeout = 5 * time.Second

// Registry manages registered plugins. Hook implementations are discovered
// once at registration and cached per hook so dispatch never type-asserts.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	onInit               []OnInit
	onShutdown           []OnShutdown
	onEntitlementCreated []OnEntitlementCreated
	onEntitlementUpdated []OnEntitlementUpdated
	onModuleChanged      []OnModuleChanged
	onFeatureChanged     []OnFeatureChanged
	onQuotasChanged      []OnQuotasChanged
	onUsageRecorded      []OnUsageRecorded
	onQuotaExceeded      []OnQuotaExceeded
	onUsageReset         []OnUsageReset
	onPermissionChecked  []OnPermissionChecked
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultHookTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout overrides the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin and caches the hooks it implements.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	var hooks []string
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
		hooks = append(hooks, "OnInit")
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
		hooks = append(hooks, "OnShutdown")
	}
	if v, ok := p.(OnEntitlementCreated); ok {
		r.onEntitlementCreated = append(r.onEntitlementCreated, v)
		hooks = append(hooks, "OnEntitlementCreated")
	}
	if v, ok := p.(OnEntitlementUpdated); ok {
		r.onEntitlementUpdated = append(r.onEntitlementUpdated, v)
		hooks = append(hooks, "OnEntitlementUpdated")
	}
	if v, ok := p.(OnModuleChanged); ok {
		r.onModuleChanged = append(r.onModuleChanged, v)
		hooks = append(hooks, "OnModuleChanged")
	}
	if v, ok := p.(OnFeatureChanged); ok {
		r.onFeatureChanged = append(r.onFeatureChanged, v)
		hooks = append(hooks, "OnFeatureChanged")
	}
	if v, ok := p.(OnQuotasChanged); ok {
		r.onQuotasChanged = append(r.onQuotasChanged, v)
		hooks = append(hooks, "OnQuotasChanged")
	}
	if v, ok := p.(OnUsageRecorded); ok {
		r.onUsageRecorded = append(r.onUsageRecorded, v)
		hooks = append(hooks, "OnUsageRecorded")
	}
	if v, ok := p.(OnQuotaExceeded); ok {
		r.onQuotaExceeded = append(r.onQuotaExceeded, v)
		hooks = append(hooks, "OnQuotaExceeded")
	}
	if v, ok := p.(OnUsageReset); ok {
		r.onUsageReset = append(r.onUsageReset, v)
		hooks = append(hooks, "OnUsageReset")
	}
	if v, ok := p.(OnPermissionChecked); ok {
		r.onPermissionChecked = append(r.onPermissionChecked, v)
		hooks = append(hooks, "OnPermissionChecked")
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"hooks", hooks,
	)

	return nil
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// emit invokes fn for every cached hook implementation. Failures are logged
// and never propagated to the caller.
func emit[T Plugin](r *Registry, ctx context.Context, hook string, list *[]T, fn func(T) error) {
	r.mu.RLock()
	hooks := *list
	r.mu.RUnlock()

	for _, p := range hooks {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return fn(p)
		}); err != nil {
			r.logger.Warn("plugin hook failed",
				"hook", hook,
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	emit(r, ctx, "OnInit", &r.onInit, func(p OnInit) error {
		return p.OnInit(ctx, engine)
	})
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(r, ctx, "OnShutdown", &r.onShutdown, func(p OnShutdown) error {
		return p.OnShutdown(ctx)
	})
}

// EmitEntitlementCreated emits an entitlement created event.
func (r *Registry) EmitEntitlementCreated(ctx context.Context, e *entitlement.Entitlement) {
	emit(r, ctx, "OnEntitlementCreated", &r.onEntitlementCreated, func(p OnEntitlementCreated) error {
		return p.OnEntitlementCreated(ctx, e)
	})
}

// EmitEntitlementUpdated emits an entitlement updated event.
func (r *Registry) EmitEntitlementUpdated(ctx context.Context, e *entitlement.Entitlement, action audit.Action, changes map[string]any) {
	emit(r, ctx, "OnEntitlementUpdated", &r.onEntitlementUpdated, func(p OnEntitlementUpdated) error {
		return p.OnEntitlementUpdated(ctx, e, action, changes)
	})
}

// EmitModuleChanged emits a module changed event.
func (r *Registry) EmitModuleChanged(ctx context.Context, e *entitlement.Entitlement, module entitlement.Module) {
	emit(r, ctx, "OnModuleChanged", &r.onModuleChanged, func(p OnModuleChanged) error {
		return p.OnModuleChanged(ctx, e, module)
	})
}

// EmitFeatureChanged emits a feature changed event.
func (r *Registry) EmitFeatureChanged(ctx context.Context, e *entitlement.Entitlement, module string, feature entitlement.Feature) {
	emit(r, ctx, "OnFeatureChanged", &r.onFeatureChanged, func(p OnFeatureChanged) error {
		return p.OnFeatureChanged(ctx, e, module, feature)
	})
}

// EmitQuotasChanged emits a quotas changed event.
func (r *Registry) EmitQuotasChanged(ctx context.Context, e *entitlement.Entitlement, quotas map[string]int64) {
	emit(r, ctx, "OnQuotasChanged", &r.onQuotasChanged, func(p OnQuotasChanged) error {
		return p.OnQuotasChanged(ctx, e, quotas)
	})
}

// EmitUsageRecorded emits a usage recorded event.
func (r *Registry) EmitUsageRecorded(ctx context.Context, entID id.EntitlementID, amount int64, usage quota.Usage) {
	emit(r, ctx, "OnUsageRecorded", &r.onUsageRecorded, func(p OnUsageRecorded) error {
		return p.OnUsageRecorded(ctx, entID, amount, usage)
	})
}

// EmitQuotaExceeded emits a quota exceeded event.
func (r *Registry) EmitQuotaExceeded(ctx context.Context, e *entitlement.Entitlement, amount int64, usage quota.Usage) {
	emit(r, ctx, "OnQuotaExceeded", &r.onQuotaExceeded, func(p OnQuotaExceeded) error {
		return p.OnQuotaExceeded(ctx, e, amount, usage)
	})
}

// EmitUsageReset emits a usage reset event.
func (r *Registry) EmitUsageReset(ctx context.Context, e *entitlement.Entitlement, resources []string) {
	emit(r, ctx, "OnUsageReset", &r.onUsageReset, func(p OnUsageReset) error {
		return p.OnUsageReset(ctx, e, resources)
	})
}

// EmitPermissionChecked emits a permission checked event.
func (r *Registry) EmitPermissionChecked(ctx context.Context, check PermissionCheck) {
	emit(r, ctx, "OnPermissionChecked", &r.onPermissionChecked, func(p OnPermissionChecked) error {
		return p.OnPermissionChecked(ctx, check)
	})
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins never block the entitlement path for longer than r.timeout.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
