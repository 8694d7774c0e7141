// Package memory implements store.Store in process memory. A single mutex
// serialises writes, which makes every conditional update trivially atomic.
// Intended for tests and single-instance deployments.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/xraph/tollgate"
	"github.com/xraph/tollgate/audit"
	"github.com/xraph/tollgate/entitlement"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/quota"
	"github.com/xraph/tollgate/store"
)

type Store struct {
	mu sync.RWMutex

	entitlements map[string]*entitlement.Entitlement
	// tenant key -> entitlement id
	tenants map[string]string

	closed bool
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		entitlements: make(map[string]*entitlement.Entitlement),
		tenants:      make(map[string]string),
		now:          time.Now,
	}
}

func tenantKey(tenantID string, tenantType entitlement.TenantType) string {
	return string(tenantType) + "\x00" + tenantID
}

// get returns the stored pointer; callers hold the lock and must not leak it.
func (s *Store) get(entID id.EntitlementID) (*entitlement.Entitlement, error) {
	if s.closed {
		return nil, tollgate.ErrStoreClosed
	}
	e, ok := s.entitlements[entID.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tollgate.ErrEntitlementNotFound, entID)
	}
	return e, nil
}

func checkVersion(e *entitlement.Entitlement, expected int64) error {
	if e.Metadata.Version != expected {
		return fmt.Errorf("%w: entitlement %s at version %d, expected %d",
			tollgate.ErrVersionConflict, e.ID, e.Metadata.Version, expected)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Entitlement methods
// ──────────────────────────────────────────────────

func (s *Store) CreateEntitlement(_ context.Context, e *entitlement.Entitlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return tollgate.ErrStoreClosed
	}
	key := tenantKey(e.TenantID, e.TenantType)
	if _, exists := s.tenants[key]; exists {
		return fmt.Errorf("%w: %s/%s", tollgate.ErrDuplicateTenant, e.TenantType, e.TenantID)
	}
	if _, exists := s.entitlements[e.ID.String()]; exists {
		return fmt.Errorf("%w: id %s", tollgate.ErrDuplicateTenant, e.ID)
	}

	s.entitlements[e.ID.String()] = e.Clone()
	s.tenants[key] = e.ID.String()
	return nil
}

func (s *Store) GetEntitlement(_ context.Context, entID id.EntitlementID) (*entitlement.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.get(entID)
	if err != nil {
		return nil, err
	}
	return e.Clone(), nil
}

func (s *Store) GetEntitlementByTenant(_ context.Context, tenantID string, tenantType entitlement.TenantType) (*entitlement.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, tollgate.ErrStoreClosed
	}
	if entID, ok := s.tenants[tenantKey(tenantID, tenantType)]; ok {
		if e := s.entitlements[entID]; e != nil && e.IsActive {
			return e.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: tenant %s/%s", tollgate.ErrEntitlementNotFound, tenantType, tenantID)
}

func (s *Store) ListEntitlements(_ context.Context, opts entitlement.ListOpts) ([]*entitlement.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, tollgate.ErrStoreClosed
	}

	var result []*entitlement.Entitlement
	for _, e := range s.entitlements {
		if opts.Matches(e) {
			result = append(result, e.Clone())
		}
	}
	slices.SortFunc(result, func(a, b *entitlement.Entitlement) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID.String(), a.ID.String())
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdateEntitlement(_ context.Context, e *entitlement.Entitlement, expectedVersion int64, entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.get(e.ID)
	if err != nil {
		return err
	}
	if err := checkVersion(stored, expectedVersion); err != nil {
		return err
	}

	// Usage and audit are owned by the store; everything else comes from e.
	next := e.Clone()
	next.TenantID = stored.TenantID
	next.TenantType = stored.TenantType
	next.CreatedAt = stored.CreatedAt
	next.Usage = stored.Usage
	next.Audit = append(stored.Audit, entry)
	next.Metadata.CreatedBy = stored.Metadata.CreatedBy
	next.Metadata.Version = expectedVersion + 1

	s.entitlements[e.ID.String()] = next
	return nil
}

func (s *Store) ListExpiring(_ context.Context, after, until time.Time) ([]*entitlement.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, tollgate.ErrStoreClosed
	}

	var result []*entitlement.Entitlement
	for _, e := range s.entitlements {
		if !e.IsActive || e.EffectiveUntil == nil {
			continue
		}
		if e.EffectiveUntil.After(after) && !e.EffectiveUntil.After(until) {
			result = append(result, e.Clone())
		}
	}
	slices.SortFunc(result, func(a, b *entitlement.Entitlement) int {
		return a.EffectiveUntil.Compare(*b.EffectiveUntil)
	})
	return result, nil
}

// ──────────────────────────────────────────────────
// Quota methods
// ──────────────────────────────────────────────────

func (s *Store) IncrementUsage(_ context.Context, entID id.EntitlementID, resource string, amount int64) (quota.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.get(entID)
	if err != nil {
		return quota.Usage{}, err
	}

	q := e.Quotas[resource]
	cur := e.Usage[resource]
	// Compared as a difference so a huge amount cannot overflow.
	if amount > q-cur {
		return quota.NewUsage(resource, cur, q), fmt.Errorf("%w: %s", tollgate.ErrQuotaExceeded, resource)
	}

	if e.Usage == nil {
		e.Usage = map[string]int64{}
	}
	e.Usage[resource] = cur + amount
	e.Touch(s.now())
	return quota.NewUsage(resource, cur+amount, q), nil
}

func (s *Store) ResetUsage(_ context.Context, entID id.EntitlementID, expectedVersion int64, resources []string, entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.get(entID)
	if err != nil {
		return err
	}
	if err := checkVersion(e, expectedVersion); err != nil {
		return err
	}

	if len(resources) == 0 {
		e.Normalize()
		for r := range e.Usage {
			e.Usage[r] = 0
		}
	} else {
		if e.Usage == nil {
			e.Usage = map[string]int64{}
		}
		for _, r := range resources {
			e.Usage[r] = 0
		}
	}
	e.Metadata.LastModifiedBy = entry.PerformedBy
	s.appendLocked(e, entry)
	return nil
}

// ──────────────────────────────────────────────────
// Audit methods
// ──────────────────────────────────────────────────

func (s *Store) AppendAudit(_ context.Context, entID id.EntitlementID, entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.get(entID)
	if err != nil {
		return err
	}
	s.appendLocked(e, entry)
	return nil
}

func (s *Store) ListAudit(_ context.Context, entID id.EntitlementID) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.get(entID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(e.Audit), nil
}

func (s *Store) appendLocked(e *entitlement.Entitlement, entry audit.Entry) {
	if last, ok := e.LastAudit(); ok && entry.PerformedAt.Before(last.PerformedAt) {
		entry.PerformedAt = last.PerformedAt
	}
	e.Audit = append(e.Audit, entry)
	e.Metadata.Version++
	e.Touch(entry.PerformedAt)
}

// ──────────────────────────────────────────────────
// Core methods
// ──────────────────────────────────────────────────

func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return tollgate.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
