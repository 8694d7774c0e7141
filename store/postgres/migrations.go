package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the Tollgate store.
var Migrations = migrate.NewGroup("tollgate")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_tollgate_entitlements",
			Version: "20240101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tollgate_entitlements (
    id               TEXT PRIMARY KEY,
    tenant_id        TEXT NOT NULL,
    tenant_type      TEXT NOT NULL,
    plan_id          TEXT NOT NULL DEFAULT '',
    add_ons          JSONB NOT NULL DEFAULT '[]',
    modules          JSONB NOT NULL DEFAULT '[]',
    quotas           JSONB NOT NULL DEFAULT '{}',
    usage            JSONB NOT NULL DEFAULT '{}',
    is_active        BOOLEAN NOT NULL DEFAULT TRUE,
    effective_from   TIMESTAMPTZ,
    effective_until  TIMESTAMPTZ,
    created_by       TEXT NOT NULL DEFAULT '',
    last_modified_by TEXT NOT NULL DEFAULT '',
    version          BIGINT NOT NULL DEFAULT 1,
    notes            TEXT NOT NULL DEFAULT '',
    audit            JSONB NOT NULL DEFAULT '[]',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tollgate_entitlements_tenant ON tollgate_entitlements (tenant_id, tenant_type);
CREATE INDEX IF NOT EXISTS idx_tollgate_entitlements_plan ON tollgate_entitlements (plan_id);
CREATE INDEX IF NOT EXISTS idx_tollgate_entitlements_active ON tollgate_entitlements (is_active, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_tollgate_entitlements_until ON tollgate_entitlements (effective_until) WHERE effective_until IS NOT NULL;
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
