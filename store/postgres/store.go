package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	_ "github.com/xraph/grove/drivers/pgdriver/pgmigrate" // registers the migration executor
	"github.com/xraph/grove/migrate"

	"github.com/xraph/tollgate"
	"github.com/xraph/tollgate/audit"
	"github.com/xraph/tollgate/entitlement"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/quota"
	tollgatestore "github.com/xraph/tollgate/store"
)

// compile-time interface check
var _ tollgatestore.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("tollgate/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("tollgate/postgres: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", tollgate.ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Entitlement Store ====================

func (s *Store) CreateEntitlement(ctx context.Context, e *entitlement.Entitlement) error {
	m, err := toEntitlementModel(e)
	if err != nil {
		return fmt.Errorf("tollgate/postgres: create entitlement: %w", err)
	}
	_, err = s.pg.NewInsert(m).Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s/%s", tollgate.ErrDuplicateTenant, e.TenantType, e.TenantID)
		}
		return fmt.Errorf("tollgate/postgres: create entitlement: %w", err)
	}
	return nil
}

func (s *Store) GetEntitlement(ctx context.Context, entID id.EntitlementID) (*entitlement.Entitlement, error) {
	m := new(entitlementModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", entID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", tollgate.ErrEntitlementNotFound, entID)
		}
		return nil, fmt.Errorf("tollgate/postgres: get entitlement: %w", err)
	}
	return fromEntitlementModel(m)
}

func (s *Store) GetEntitlementByTenant(ctx context.Context, tenantID string, tenantType entitlement.TenantType) (*entitlement.Entitlement, error) {
	m := new(entitlementModel)
	err := s.pg.NewSelect(m).
		Where("tenant_id = $1", tenantID).
		Where("tenant_type = $2", string(tenantType)).
		Where("is_active = TRUE").
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: tenant %s/%s", tollgate.ErrEntitlementNotFound, tenantType, tenantID)
		}
		return nil, fmt.Errorf("tollgate/postgres: get entitlement by tenant: %w", err)
	}
	return fromEntitlementModel(m)
}

func (s *Store) ListEntitlements(ctx context.Context, opts entitlement.ListOpts) ([]*entitlement.Entitlement, error) {
	var models []entitlementModel
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if opts.TenantID != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("tenant_id = $%d", argIdx), opts.TenantID)
	}
	if opts.TenantType != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("tenant_type = $%d", argIdx), string(opts.TenantType))
	}
	if opts.PlanID != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("plan_id = $%d", argIdx), opts.PlanID)
	}
	if opts.IsActive != nil {
		argIdx++
		q = q.Where(fmt.Sprintf("is_active = $%d", argIdx), *opts.IsActive)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.OrderExpr("created_at DESC, id DESC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("tollgate/postgres: list entitlements: %w", err)
	}
	return fromModels(models)
}

func (s *Store) UpdateEntitlement(ctx context.Context, e *entitlement.Entitlement, expectedVersion int64, entry audit.Entry) error {
	m, err := toEntitlementModel(e)
	if err != nil {
		return fmt.Errorf("tollgate/postgres: update entitlement: %w", err)
	}
	appended, err := entryJSON(entry)
	if err != nil {
		return fmt.Errorf("tollgate/postgres: encode audit entry: %w", err)
	}

	res, err := s.pg.NewUpdate((*entitlementModel)(nil)).
		Set("plan_id = $1", m.PlanID).
		Set("add_ons = $2", m.AddOns).
		Set("modules = $3", m.Modules).
		Set("quotas = $4", m.Quotas).
		Set("is_active = $5", m.IsActive).
		Set("effective_from = $6", m.EffectiveFrom).
		Set("effective_until = $7", m.EffectiveUntil).
		Set("last_modified_by = $8", m.LastModifiedBy).
		Set("notes = $9", m.Notes).
		Set("audit = audit || $10::jsonb", appended).
		Set("updated_at = GREATEST(updated_at, $11)", m.UpdatedAt).
		Set("version = version + 1").
		Where("id = $12", m.ID).
		Where("version = $13", expectedVersion).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tollgate/postgres: update entitlement: %w", err)
	}
	return s.checkGuarded(ctx, res, e.ID, expectedVersion)
}

func (s *Store) ListExpiring(ctx context.Context, after, until time.Time) ([]*entitlement.Entitlement, error) {
	var models []entitlementModel
	err := s.pg.NewSelect(&models).
		Where("is_active = TRUE").
		Where("effective_until > $1", after.UTC()).
		Where("effective_until <= $2", until.UTC()).
		OrderExpr("effective_until ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("tollgate/postgres: list expiring: %w", err)
	}
	return fromModels(models)
}

// ==================== Quota Store ====================

// IncrementUsage adds amount in one conditional UPDATE. The WHERE clause
// re-evaluates the quota against the row it locks, so concurrent callers
// can never push usage past the quota.
func (s *Store) IncrementUsage(ctx context.Context, entID id.EntitlementID, resource string, amount int64) (quota.Usage, error) {
	var snapshot string
	err := s.pg.NewRaw(`
		UPDATE tollgate_entitlements
		SET usage = jsonb_set(usage, ARRAY[$1::text],
		        to_jsonb(COALESCE((usage->>$1::text)::bigint, 0) + $2::bigint), true),
		    updated_at = GREATEST(updated_at, $3)
		WHERE id = $4
		  AND $2::bigint <= COALESCE((quotas->>$1::text)::bigint, 0) - COALESCE((usage->>$1::text)::bigint, 0)
		RETURNING jsonb_build_object(
		    'usage', COALESCE((usage->>$1::text)::bigint, 0),
		    'quota', COALESCE((quotas->>$1::text)::bigint, 0))::text
	`, resource, amount, now(), entID.String()).Scan(ctx, &snapshot)
	if err == nil {
		return decodeSnapshot(resource, snapshot)
	}
	if !isNoRows(err) {
		return quota.Usage{}, fmt.Errorf("tollgate/postgres: increment usage: %w", err)
	}

	// Nothing matched: either the row is gone or the quota refused.
	e, getErr := s.GetEntitlement(ctx, entID)
	if getErr != nil {
		return quota.Usage{}, getErr
	}
	return quota.NewUsage(resource, e.UsageOf(resource), e.QuotaOf(resource)),
		fmt.Errorf("%w: %s", tollgate.ErrQuotaExceeded, resource)
}

func (s *Store) ResetUsage(ctx context.Context, entID id.EntitlementID, expectedVersion int64, resources []string, entry audit.Entry) error {
	appended, err := entryJSON(entry)
	if err != nil {
		return fmt.Errorf("tollgate/postgres: encode audit entry: %w", err)
	}

	q := s.pg.NewUpdate((*entitlementModel)(nil))
	argIdx := 0
	if len(resources) == 0 {
		q = q.Set(`usage = (SELECT COALESCE(jsonb_object_agg(k, 0), '{}'::jsonb)
			FROM jsonb_object_keys(usage || quotas) AS k)`)
	} else {
		zeros := make(map[string]int64, len(resources))
		for _, r := range resources {
			zeros[r] = 0
		}
		raw, err := json.Marshal(zeros)
		if err != nil {
			return fmt.Errorf("tollgate/postgres: encode usage reset: %w", err)
		}
		argIdx++
		q = q.Set(fmt.Sprintf("usage = usage || $%d::jsonb", argIdx), string(raw))
	}

	res, err := q.
		Set(fmt.Sprintf("audit = audit || $%d::jsonb", argIdx+1), appended).
		Set(fmt.Sprintf("last_modified_by = $%d", argIdx+2), entry.PerformedBy).
		Set(fmt.Sprintf("updated_at = GREATEST(updated_at, $%d)", argIdx+3), entry.PerformedAt).
		Set("version = version + 1").
		Where(fmt.Sprintf("id = $%d", argIdx+4), entID.String()).
		Where(fmt.Sprintf("version = $%d", argIdx+5), expectedVersion).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tollgate/postgres: reset usage: %w", err)
	}
	return s.checkGuarded(ctx, res, entID, expectedVersion)
}

// ==================== Audit Store ====================

// AppendAudit adds entry without a version guard. PerformedAt is raised to
// the last stored entry's timestamp inside the statement so the trail stays
// ordered under concurrent appends.
func (s *Store) AppendAudit(ctx context.Context, entID id.EntitlementID, entry audit.Entry) error {
	obj, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("tollgate/postgres: encode audit entry: %w", err)
	}

	res, err := s.pg.NewRaw(`
		UPDATE tollgate_entitlements
		SET audit = audit || jsonb_build_array(
		        CASE WHEN (audit->-1->>'performed_at')::timestamptz > $2::timestamptz
		             THEN jsonb_set($1::jsonb, '{performed_at}', audit->-1->'performed_at')
		             ELSE $1::jsonb
		        END),
		    updated_at = GREATEST(updated_at, $2::timestamptz),
		    version = version + 1
		WHERE id = $3
	`, string(obj), entry.PerformedAt.UTC(), entID.String()).Exec(ctx)
	if err != nil {
		return fmt.Errorf("tollgate/postgres: append audit: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("tollgate/postgres: append audit: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", tollgate.ErrEntitlementNotFound, entID)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, entID id.EntitlementID) ([]audit.Entry, error) {
	e, err := s.GetEntitlement(ctx, entID)
	if err != nil {
		return nil, err
	}
	return e.Audit, nil
}

// ==================== Helpers ====================

type rowsAffecter interface {
	RowsAffected() (int64, error)
}

// checkGuarded turns a zero-row version-guarded write into the right error.
func (s *Store) checkGuarded(ctx context.Context, res rowsAffecter, entID id.EntitlementID, expectedVersion int64) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	if _, err := s.GetEntitlement(ctx, entID); err != nil {
		return err
	}
	return fmt.Errorf("%w: entitlement %s, expected version %d",
		tollgate.ErrVersionConflict, entID, expectedVersion)
}

func fromModels(models []entitlementModel) ([]*entitlement.Entitlement, error) {
	result := make([]*entitlement.Entitlement, 0, len(models))
	for i := range models {
		e, err := fromEntitlementModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, nil
}

func decodeSnapshot(resource, raw string) (quota.Usage, error) {
	var v struct {
		Usage int64 `json:"usage"`
		Quota int64 `json:"quota"`
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return quota.Usage{}, fmt.Errorf("tollgate/postgres: decode usage snapshot: %w", err)
	}
	return quota.NewUsage(resource, v.Usage, v.Quota), nil
}

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
