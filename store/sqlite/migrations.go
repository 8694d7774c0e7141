package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the Tollgate store (SQLite).
var Migrations = migrate.NewGroup("tollgate")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_tollgate_entitlements",
			Version: "20240101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				// DATETIME columns come back from the driver as time.Time.
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tollgate_entitlements (
    id               TEXT PRIMARY KEY,
    tenant_id        TEXT NOT NULL,
    tenant_type      TEXT NOT NULL,
    plan_id          TEXT NOT NULL DEFAULT '',
    add_ons          TEXT NOT NULL DEFAULT '[]',
    modules          TEXT NOT NULL DEFAULT '[]',
    quotas           TEXT NOT NULL DEFAULT '{}',
    usage            TEXT NOT NULL DEFAULT '{}',
    is_active        INTEGER NOT NULL DEFAULT 1,
    effective_from   DATETIME,
    effective_until  DATETIME,
    created_by       TEXT NOT NULL DEFAULT '',
    last_modified_by TEXT NOT NULL DEFAULT '',
    version          INTEGER NOT NULL DEFAULT 1,
    notes            TEXT NOT NULL DEFAULT '',
    audit            TEXT NOT NULL DEFAULT '[]',
    created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
    updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tollgate_entitlements_tenant ON tollgate_entitlements (tenant_id, tenant_type);
CREATE INDEX IF NOT EXISTS idx_tollgate_entitlements_plan ON tollgate_entitlements (plan_id);
CREATE INDEX IF NOT EXISTS idx_tollgate_entitlements_active ON tollgate_entitlements (is_active, created_at);
CREATE INDEX IF NOT EXISTS idx_tollgate_entitlements_until ON tollgate_entitlements (effective_until);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tollgate_entitlements`)
				return err
			},
		},
	)
}
