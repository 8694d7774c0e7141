package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/tollgate"
	"github.com/xraph/tollgate/audit"
	"github.com/xraph/tollgate/entitlement"
	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/quota"
	tollgatestore "github.com/xraph/tollgate/store"
)

// Collection name constants.
const (
	colEntitlements = "tollgate_entitlements"
)

// compile-time interface check
var _ tollgatestore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all tollgate collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("tollgate/mongo: migrate %s indexes: %w", col, err)
		}
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
		return fmt.Errorf("tollgate/mongo: create entitlement: %w", err)
	}
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s/%s", tollgate.ErrDuplicateTenant, e.TenantType, e.TenantID)
		}
		return fmt.Errorf("tollgate/mongo: create entitlement: %w", err)
	}
	return nil
}

func (s *Store) GetEntitlement(ctx context.Context, entID id.EntitlementID) (*entitlement.Entitlement, error) {
	var m entitlementModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": entID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("%w: %s", tollgate.ErrEntitlementNotFound, entID)
		}
		return nil, fmt.Errorf("tollgate/mongo: get entitlement: %w", err)
	}
	return fromEntitlementModel(&m)
}

func (s *Store) GetEntitlementByTenant(ctx context.Context, tenantID string, tenantType entitlement.TenantType) (*entitlement.Entitlement, error) {
	var m entitlementModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{
			"tenant_id":   tenantID,
			"tenant_type": string(tenantType),
			"is_active":   true,
		}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("%w: tenant %s/%s", tollgate.ErrEntitlementNotFound, tenantType, tenantID)
		}
		return nil, fmt.Errorf("tollgate/mongo: get entitlement by tenant: %w", err)
	}
	return fromEntitlementModel(&m)
}

func (s *Store) ListEntitlements(ctx context.Context, opts entitlement.ListOpts) ([]*entitlement.Entitlement, error) {
	var models []entitlementModel

	filter := bson.M{}
	if opts.TenantID != "" {
		filter["tenant_id"] = opts.TenantID
	}
	if opts.TenantType != "" {
		filter["tenant_type"] = string(opts.TenantType)
	}
	if opts.PlanID != "" {
		filter["plan_id"] = opts.PlanID
	}
	if opts.IsActive != nil {
		filter["is_active"] = *opts.IsActive
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tollgate/mongo: list entitlements: %w", err)
	}
	return fromModels(models)
}

func (s *Store) UpdateEntitlement(ctx context.Context, e *entitlement.Entitlement, expectedVersion int64, entry audit.Entry) error {
	m, err := toEntitlementModel(e)
	if err != nil {
		return fmt.Errorf("tollgate/mongo: update entitlement: %w", err)
	}

	set := bson.M{
		"plan_id":          m.PlanID,
		"add_ons":          m.AddOns,
		"modules":          m.Modules,
		"quotas":           m.Quotas,
		"is_active":        m.IsActive,
		"last_modified_by": m.LastModifiedBy,
		"notes":            m.Notes,
	}
	unset := bson.M{}
	setOrUnset(set, unset, "effective_from", m.EffectiveFrom)
	setOrUnset(set, unset, "effective_until", m.EffectiveUntil)

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return s.guardedUpdate(ctx, e.ID, expectedVersion, entry, m.UpdatedAt, update)
}

func (s *Store) ListExpiring(ctx context.Context, after, until time.Time) ([]*entitlement.Entitlement, error) {
	var models []entitlementModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{
			"is_active":       true,
			"effective_until": bson.M{"$gt": after.UTC(), "$lte": until.UTC()},
		}).
		Sort(bson.D{{Key: "effective_until", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("tollgate/mongo: list expiring: %w", err)
	}
	return fromModels(models)
}

// ==================== Quota Store ====================

// IncrementUsage matches only while usage+amount fits the quota, so the
// check and the $inc are one document-level atomic operation.
func (s *Store) IncrementUsage(ctx context.Context, entID id.EntitlementID, resource string, amount int64) (quota.Usage, error) {
	usageField := "usage." + resource
	quotaField := "quotas." + resource

	filter := bson.M{
		"_id": entID.String(),
		"$expr": bson.M{"$lte": bson.A{
			bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$" + usageField, 0}}, amount}},
			bson.M{"$ifNull": bson.A{"$" + quotaField, 0}},
		}},
	}
	update := bson.M{
		"$inc": bson.M{usageField: amount},
		"$max": bson.M{"updated_at": now()},
	}

	var m entitlementModel
	err := s.mdb.Collection(colEntitlements).
		FindOneAndUpdate(ctx, filter, update, options.FindOneAndUpdate().SetReturnDocument(options.After)).
		Decode(&m)
	if err == nil {
		return quota.NewUsage(resource, m.Usage[resource], m.Quotas[resource]), nil
	}
	if !isNoDocuments(err) {
		return quota.Usage{}, fmt.Errorf("tollgate/mongo: increment usage: %w", err)
	}

	e, getErr := s.GetEntitlement(ctx, entID)
	if getErr != nil {
		return quota.Usage{}, getErr
	}
	return quota.NewUsage(resource, e.UsageOf(resource), e.QuotaOf(resource)),
		fmt.Errorf("%w: %s", tollgate.ErrQuotaExceeded, resource)
}

func (s *Store) ResetUsage(ctx context.Context, entID id.EntitlementID, expectedVersion int64, resources []string, entry audit.Entry) error {
	if len(resources) == 0 {
		// Usage keys only appear for quota keys or through version-bumping
		// writes, so keys read here are complete for expectedVersion.
		cur, err := s.GetEntitlement(ctx, entID)
		if err != nil {
			return err
		}
		cur.Normalize()
		for r := range cur.Usage {
			resources = append(resources, r)
		}
	}

	set := bson.M{"last_modified_by": entry.PerformedBy}
	for _, r := range resources {
		set["usage."+r] = int64(0)
	}
	return s.guardedUpdate(ctx, entID, expectedVersion, entry, entry.PerformedAt, bson.M{"$set": set})
}

// ==================== Audit Store ====================

// AppendAudit pushes entry without a version guard. The update pipeline
// raises performed_at to the last stored entry's timestamp in the same
// document write.
func (s *Store) AppendAudit(ctx context.Context, entID id.EntitlementID, entry audit.Entry) error {
	am, err := toAuditModel(entry)
	if err != nil {
		return fmt.Errorf("tollgate/mongo: %w", err)
	}

	lastAt := bson.M{"$let": bson.M{
		"vars": bson.M{"last": bson.M{"$arrayElemAt": bson.A{"$audit", -1}}},
		"in":   "$$last.performed_at",
	}}
	doc := bson.M{"$mergeObjects": bson.A{
		bson.M{"$literal": am},
		bson.M{"performed_at": bson.M{"$max": bson.A{am.PerformedAt, lastAt}}},
	}}
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "audit", Value: bson.M{"$concatArrays": bson.A{
				bson.M{"$ifNull": bson.A{"$audit", bson.A{}}},
				bson.A{doc},
			}}},
			{Key: "version", Value: bson.M{"$add": bson.A{"$version", int64(1)}}},
			{Key: "updated_at", Value: bson.M{"$max": bson.A{"$updated_at", am.PerformedAt}}},
		}}},
	}

	res, err := s.mdb.Collection(colEntitlements).UpdateOne(ctx, bson.M{"_id": entID.String()}, pipeline)
	if err != nil {
		return fmt.Errorf("tollgate/mongo: append audit: %w", err)
	}
	if res.MatchedCount == 0 {
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

// guardedUpdate applies update plus the audit push and version bump, matching
// only the expected version.
func (s *Store) guardedUpdate(ctx context.Context, entID id.EntitlementID, expectedVersion int64, entry audit.Entry, updatedAt time.Time, update bson.M) error {
	am, err := toAuditModel(entry)
	if err != nil {
		return fmt.Errorf("tollgate/mongo: %w", err)
	}
	update["$push"] = bson.M{"audit": am}
	update["$inc"] = bson.M{"version": int64(1)}
	update["$max"] = bson.M{"updated_at": updatedAt.UTC()}

	res, err := s.mdb.NewUpdate((*entitlementModel)(nil)).
		Filter(bson.M{"_id": entID.String(), "version": expectedVersion}).
		SetUpdate(update).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tollgate/mongo: update entitlement: %w", err)
	}
	if res.MatchedCount() > 0 {
		return nil
	}
	if _, err := s.GetEntitlement(ctx, entID); err != nil {
		return err
	}
	return fmt.Errorf("%w: entitlement %s, expected version %d",
		tollgate.ErrVersionConflict, entID, expectedVersion)
}

func setOrUnset(set, unset bson.M, field string, t *time.Time) {
	if t == nil {
		unset[field] = ""
		return
	}
	set[field] = t.UTC()
}

func fromModels(models []entitlementModel) ([]*entitlement.Entitlement, error) {
	result := make([]*entitlement.Entitlement, len(models))
	for i := range models {
		e, err := fromEntitlementModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = e
	}
	return result, nil
}

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all tollgate collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colEntitlements: {
			{
				Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "tenant_type", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "plan_id", Value: 1}}},
			{Keys: bson.D{{Key: "is_active", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "effective_until", Value: 1}}},
		},
	}
}
