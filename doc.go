// Package tollgate resolves per-tenant entitlements: which product modules
// and features a tenant has unlocked, how much of each metered resource it
// may consume, and an append-only audit trail of every change.
//
// Tollgate is a library, not a service. The host owns transport,
// authentication and process wiring and passes an Actor into every
// mutation.
//
// # Quick Start
//
//	s := memory.New() // or postgres.New(db), sqlite.New(db), mongo.New(db)
//
//	tg := tollgate.New(s, tollgate.WithLogger(logger))
//	if err := tg.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer tg.Stop()
//
//	admin := tollgate.Actor{ID: "usr_1", Privileged: true}
//	ent, err := tg.CreateEntitlement(ctx, tollgate.CreateInput{
//	    TenantID:   "t1",
//	    TenantType: tollgate.TenantBusiness,
//	    PlanID:     "pro",
//	    Modules: []tollgate.Module{
//	        {Name: "forms", Enabled: true, Features: []tollgate.Feature{
//	            {Name: "templates", Enabled: false},
//	        }},
//	    },
//	    Quotas: map[string]int64{"submissions": 500},
//	}, admin)
//
// # Evaluation
//
// A module gates its features: when a module is disabled every feature
// under it is disabled, whatever the feature's own flag says.
//
//	res, err := tg.CheckPermission(ctx, "t1", tollgate.TenantBusiness, "forms", "templates")
//	// res.HasPermission == false, res.IsModuleEnabled == true
//
// # Quotas
//
// RecordUsage is one atomic "increment if the result stays within quota"
// step at the store. Equality counts as exhausted for CheckQuota; an
// increment that would take usage past the quota is refused, recorded as a
// quota_exceeded audit entry and reported as *QuotaExceededError.
//
//	u, err := tg.RecordUsage(ctx, ent.ID, tollgate.UsageRequest{Resource: "submissions"}, actor)
//	if tollgate.IsQuotaError(err) {
//	    // u.Usage, u.Quota describe the counter at refusal time
//	}
//
// # Concurrency
//
// Every audited mutation is a versioned read-modify-write: the store writes
// only if metadata.version is unchanged and appends the audit entry in the
// same write. Lost races are retried (WithMaxRetries) before ErrConflict is
// returned. Usage increments never touch the version, so configuration
// edits and consumption do not contend.
//
// # TypeID
//
// Entitlements are identified by TypeIDs:
//
//	ent_01h2xcejqtf2nbrexx3vqjhp41
package tollgate
