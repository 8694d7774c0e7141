package tollgate

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/xraph/tollgate/audit"
	"github.com/xraph/tollgate/entitlement"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/quota"
)

// UsageRequest asks to consume Amount units of Resource. A zero Amount
// means one unit.
type UsageRequest struct {
	Resource string `json:"resource"`
	Amount   int64  `json:"amount"`
}

// RecordUsage consumes quota. The store applies "add amount if the result
// stays within quota" as a single atomic step, so concurrent callers can
// never jointly overshoot. A refused increment leaves usage untouched,
// appends a quota_exceeded audit entry and returns *QuotaExceededError.
func (t *Tollgate) RecordUsage(ctx context.Context, entID id.EntitlementID, req UsageRequest, actor Actor) (quota.Usage, error) {
	amount := req.Amount
	if amount == 0 {
		amount = 1
	}
	if amount < 0 {
		return quota.Usage{}, fmt.Errorf("%w: %d", ErrInvalidQuantity, amount)
	}
	if !quota.ValidResource(req.Resource) {
		return quota.Usage{}, ValidationError{Field: "resource", Message: fmt.Sprintf("invalid resource key %q", req.Resource)}
	}

	u, err := t.store.IncrementUsage(ctx, entID, req.Resource, amount)
	if err == nil {
		t.invalidateID(ctx, entID)
		t.plugins.EmitUsageRecorded(ctx, entID, amount, u)
		return u, nil
	}
	if !errors.Is(err, ErrQuotaExceeded) {
		return quota.Usage{}, err
	}

	qerr := &QuotaExceededError{
		Resource: req.Resource,
		Amount:   amount,
		Usage:    u.Usage,
		Quota:    u.Quota,
	}

	// The violation entry is appended unconditionally so concurrent
	// refusals never compete on the version.
	entry := audit.NewEntry(audit.ActionQuotaExceeded, actor.ID, audit.Plain(map[string]any{
		"resource": req.Resource,
		"amount":   amount,
		"usage":    u.Usage,
		"quota":    u.Quota,
	}), "quota exceeded", t.now(), nil)
	if aerr := t.store.AppendAudit(ctx, entID, entry); aerr != nil {
		t.logger.Error("failed to record quota violation",
			"entitlement_id", entID.String(),
			"resource", req.Resource,
			"error", aerr,
		)
		return u, errors.Join(qerr, fmt.Errorf("tollgate: audit quota violation: %w", aerr))
	}

	e, err := t.store.GetEntitlement(ctx, entID)
	if err != nil {
		return u, errors.Join(qerr, err)
	}
	e.Normalize()
	t.invalidate(ctx, e)

	t.logger.Warn("quota exceeded",
		"entitlement_id", entID.String(),
		"tenant_id", e.TenantID,
		"resource", req.Resource,
		"amount", amount,
		"usage", u.Usage,
		"quota", u.Quota,
	)
	t.plugins.EmitQuotaExceeded(ctx, e.Clone(), amount, u)

	return u, qerr
}

// ResetUsage zeroes the counter for resource, or every counter when
// resource is empty, and records the reset in the audit trail.
func (t *Tollgate) ResetUsage(ctx context.Context, entID id.EntitlementID, resource string, actor Actor) (*entitlement.Entitlement, error) {
	if err := requirePrivileged(actor); err != nil {
		return nil, err
	}
	if resource != "" && !quota.ValidResource(resource) {
		return nil, ValidationError{Field: "resource", Message: fmt.Sprintf("invalid resource key %q", resource)}
	}

	var resources []string
	e, err := t.mutate(ctx, entID, actor, func(next *entitlement.Entitlement) (change, error) {
		if resource != "" {
			resources = []string{resource}
		} else {
			next.Normalize()
			resources = slices.Sorted(maps.Keys(next.Usage))
		}
		if next.Usage == nil {
			next.Usage = map[string]int64{}
		}
		reset := make(map[string]int64, len(resources))
		for _, r := range resources {
			next.Usage[r] = 0
			reset[r] = 0
		}
		next.Metadata.LastModifiedBy = actor.ID
		return change{
			action:  audit.ActionUpdated,
			changes: map[string]any{"usage": reset},
			reason:  "usage reset",
		}, nil
	}, func(ctx context.Context, next *entitlement.Entitlement, expected int64, entry audit.Entry) error {
		return t.store.ResetUsage(ctx, next.ID, expected, resources, entry)
	})
	if err != nil {
		return nil, err
	}

	t.logger.Info("usage reset",
		"entitlement_id", e.ID.String(),
		"resources", resources,
	)
	t.plugins.EmitUsageReset(ctx, e.Clone(), resources)

	return e, nil
}
