package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var seedStatements = []string{
	`INSERT INTO roles (name, description, is_protected)
	 VALUES ('SUPER_ADMIN', 'Full administrative access', TRUE)
	 ON CONFLICT (name) DO NOTHING`,
	`INSERT INTO roles (name, description, is_protected)
	 VALUES ('BASIC_EMPLOYEE', 'Default role for new accounts', FALSE)
	 ON CONFLICT (name) DO NOTHING`,
	`INSERT INTO permissions (name, description) VALUES
	 ('USERS.VIEW', 'View identities'),
	 ('USERS.MANAGE', 'Create, update and delete identities'),
	 ('ROLES.VIEW', 'View roles'),
	 ('ROLES.MANAGE', 'Create, update and delete roles'),
	 ('PERMISSIONS.VIEW', 'View permissions'),
	 ('PERMISSIONS.MANAGE', 'Create, update and delete permissions')
	 ON CONFLICT (name) DO NOTHING`,
	// The protected role always holds the whole catalog.
	`INSERT INTO role_permissions (role_id, permission_id)
	 SELECT r.id, p.id FROM roles r CROSS JOIN permissions p WHERE r.is_protected
	 ON CONFLICT DO NOTHING`,
}

// Seed inserts the built-in roles and permission catalog. Idempotent, and
// serialized across replicas by the same advisory lock bootstrap uses.
func Seed(ctx context.Context, pool *pgxpool.Pool) error {
	return WithAdvisoryLock(ctx, pool, BootstrapLockKey, func(ctx context.Context) error {
		for _, stmt := range seedStatements {
			if _, err := pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("platform/db: seed: %w", err)
			}
		}
		return nil
	})
}

// SeedAdmin provisions the bootstrap administrator account and grants it the
// protected role. The account starts without a password; the caller issues a
// password-set token for it.
func SeedAdmin(ctx context.Context, pool *pgxpool.Pool, email string) error {
	return WithAdvisoryLock(ctx, pool, BootstrapLockKey, func(ctx context.Context) error {
		_, err := pool.Exec(ctx, `
			INSERT INTO identities (email, first_name, last_name)
			VALUES ($1, 'System', 'Administrator')
			ON CONFLICT (email) DO NOTHING`, email)
		if err != nil {
			return fmt.Errorf("platform/db: seed admin identity: %w", err)
		}
		_, err = pool.Exec(ctx, `
			INSERT INTO identity_roles (identity_id, role_id)
			SELECT i.id, r.id FROM identities i CROSS JOIN roles r
			WHERE i.email = $1 AND r.is_protected
			ON CONFLICT DO NOTHING`, email)
		if err != nil {
			return fmt.Errorf("platform/db: seed admin role: %w", err)
		}
		return nil
	})
}
