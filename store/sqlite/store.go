package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	_ "github.com/xraph/grove/drivers/sqlitedriver/sqlitemigrate" // registers the migration executor
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

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("tollgate/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("tollgate/sqlite: migration failed: %w", err)
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
		return fmt.Errorf("tollgate/sqlite: create entitlement: %w", err)
	}
	if _, err := s.sdb.NewInsert(m).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s/%s", tollgate.ErrDuplicateTenant, e.TenantType, e.TenantID)
		}
		return fmt.Errorf("tollgate/sqlite: create entitlement: %w", err)
	}
	return nil
}

func (s *Store) GetEntitlement(ctx context.Context, entID id.EntitlementID) (*entitlement.Entitlement, error) {
	m := new(entitlementModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", entID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", tollgate.ErrEntitlementNotFound, entID)
		}
		return nil, fmt.Errorf("tollgate/sqlite: get entitlement: %w", err)
	}
	return fromEntitlementModel(m)
}

func (s *Store) GetEntitlementByTenant(ctx context.Context, tenantID string, tenantType entitlement.TenantType) (*entitlement.Entitlement, error) {
	m := new(entitlementModel)
	err := s.sdb.NewSelect(m).
		Where("tenant_id = ?", tenantID).
		Where("tenant_type = ?", string(tenantType)).
		Where("is_active = 1").
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: tenant %s/%s", tollgate.ErrEntitlementNotFound, tenantType, tenantID)
		}
		return nil, fmt.Errorf("tollgate/sqlite: get entitlement by tenant: %w", err)
	}
	return fromEntitlementModel(m)
}

func (s *Store) ListEntitlements(ctx context.Context, opts entitlement.ListOpts) ([]*entitlement.Entitlement, error) {
	var models []entitlementModel
	q := s.sdb.NewSelect(&models)

	if opts.TenantID != "" {
		q = q.Where("tenant_id = ?", opts.TenantID)
	}
	if opts.TenantType != "" {
		q = q.Where("tenant_type = ?", string(opts.TenantType))
	}
	if opts.PlanID != "" {
		q = q.Where("plan_id = ?", opts.PlanID)
	}
	if opts.IsActive != nil {
		q = q.Where("is_active = ?", *opts.IsActive)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.OrderExpr("created_at DESC, id DESC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("tollgate/sqlite: list entitlements: %w", err)
	}
	return fromModels(models)
}

func (s *Store) UpdateEntitlement(ctx context.Context, e *entitlement.Entitlement, expectedVersion int64, entry audit.Entry) error {
	m, err := toEntitlementModel(e)
	if err != nil {
		return fmt.Errorf("tollgate/sqlite: update entitlement: %w", err)
	}
	appended, err := entryText(entry)
	if err != nil {
		return fmt.Errorf("tollgate/sqlite: encode audit entry: %w", err)
	}

	res, err := s.sdb.NewUpdate((*entitlementModel)(nil)).
		Set("plan_id = ?", m.PlanID).
		Set("add_ons = ?", m.AddOns).
		Set("modules = ?", m.Modules).
		Set("quotas = ?", m.Quotas).
		Set("is_active = ?", m.IsActive).
		Set("effective_from = ?", m.EffectiveFrom).
		Set("effective_until = ?", m.EffectiveUntil).
		Set("last_modified_by = ?", m.LastModifiedBy).
		Set("notes = ?", m.Notes).
		Set("audit = json_insert(audit, '$[#]', json(?))", appended).
		Set("updated_at = ?", m.UpdatedAt).
		Set("version = version + 1").
		Where("id = ?", m.ID).
		Where("version = ?", expectedVersion).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tollgate/sqlite: update entitlement: %w", err)
	}
	return s.checkGuarded(ctx, res, e.ID, expectedVersion)
}

func (s *Store) ListExpiring(ctx context.Context, after, until time.Time) ([]*entitlement.Entitlement, error) {
	var models []entitlementModel
	err := s.sdb.NewSelect(&models).
		Where("is_active = 1").
		Where("effective_until IS NOT NULL").
		Where("effective_until > ?", after.UTC()).
		Where("effective_until <= ?", until.UTC()).
		OrderExpr("effective_until ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("tollgate/sqlite: list expiring: %w", err)
	}
	return fromModels(models)
}

// ==================== Quota Store ====================

// IncrementUsage relies on SQLite serialising writers: the quota test in the
// WHERE clause and the json_set run against the same row image.
// Resource names are validated identifiers, so they are safe in a JSON path.
func (s *Store) IncrementUsage(ctx context.Context, entID id.EntitlementID, resource string, amount int64) (quota.Usage, error) {
	path := "$." + resource

	var snapshot string
	err := s.sdb.NewRaw(`
		UPDATE tollgate_entitlements
		SET usage = json_set(usage, ?, COALESCE(json_extract(usage, ?), 0) + ?),
		    updated_at = ?
		WHERE id = ?
		  AND ? <= COALESCE(json_extract(quotas, ?), 0) - COALESCE(json_extract(usage, ?), 0)
		RETURNING json_object(
		    'usage', COALESCE(json_extract(usage, ?), 0),
		    'quota', COALESCE(json_extract(quotas, ?), 0))
	`, path, path, amount, now(), entID.String(), amount, path, path, path, path).Scan(ctx, &snapshot)
	if err == nil {
		return decodeSnapshot(resource, snapshot)
	}
	if !isNoRows(err) {
		return quota.Usage{}, fmt.Errorf("tollgate/sqlite: increment usage: %w", err)
	}

	e, getErr := s.GetEntitlement(ctx, entID)
	if getErr != nil {
		return quota.Usage{}, getErr
	}
	return quota.NewUsage(resource, e.UsageOf(resource), e.QuotaOf(resource)),
		fmt.Errorf("%w: %s", tollgate.ErrQuotaExceeded, resource)
}

func (s *Store) ResetUsage(ctx context.Context, entID id.EntitlementID, expectedVersion int64, resources []string, entry audit.Entry) error {
	appended, err := entryText(entry)
	if err != nil {
		return fmt.Errorf("tollgate/sqlite: encode audit entry: %w", err)
	}

	q := s.sdb.NewUpdate((*entitlementModel)(nil))
	if len(resources) == 0 {
		q = q.Set(`usage = (SELECT json_group_object(key, 0) FROM (
			SELECT key FROM json_each(usage) UNION SELECT key FROM json_each(quotas)))`)
	} else {
		zeros := make(map[string]int64, len(resources))
		for _, r := range resources {
			zeros[r] = 0
		}
		patch, err := jsonText(zeros, "{}")
		if err != nil {
			return fmt.Errorf("tollgate/sqlite: encode usage reset: %w", err)
		}
		q = q.Set("usage = json_patch(usage, ?)", patch)
	}

	res, err := q.
		Set("audit = json_insert(audit, '$[#]', json(?))", appended).
		Set("last_modified_by = ?", entry.PerformedBy).
		Set("updated_at = ?", entry.PerformedAt.UTC()).
		Set("version = version + 1").
		Where("id = ?", entID.String()).
		Where("version = ?", expectedVersion).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tollgate/sqlite: reset usage: %w", err)
	}
	return s.checkGuarded(ctx, res, entID, expectedVersion)
}

// ==================== Audit Store ====================

// AppendAudit adds entry without a version guard. When the stored trail
// already ends later than entry, the entry takes the last timestamp.
func (s *Store) AppendAudit(ctx context.Context, entID id.EntitlementID, entry audit.Entry) error {
	obj, err := entryText(entry)
	if err != nil {
		return fmt.Errorf("tollgate/sqlite: encode audit entry: %w", err)
	}
	at := entry.PerformedAt.UTC()

	res, err := s.sdb.NewRaw(`
		UPDATE tollgate_entitlements
		SET audit = json_insert(audit, '$[#]', json(CASE
		        WHEN julianday(json_extract(audit, '$[#-1].performed_at')) > julianday(?)
		        THEN json_set(?, '$.performed_at', json_extract(audit, '$[#-1].performed_at'))
		        ELSE ?
		    END)),
		    updated_at = CASE WHEN updated_at > ? THEN updated_at ELSE ? END,
		    version = version + 1
		WHERE id = ?
	`, at.Format(time.RFC3339Nano), obj, obj, at, at, entID.String()).Exec(ctx)
	if err != nil {
		return fmt.Errorf("tollgate/sqlite: append audit: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("tollgate/sqlite: append audit: %w", err)
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
		return quota.Usage{}, fmt.Errorf("tollgate/sqlite: decode usage snapshot: %w", err)
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
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}
