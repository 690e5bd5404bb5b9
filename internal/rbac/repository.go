package rbac

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/authcore/authcore/internal/platform/db"
	"github.com/authcore/authcore/internal/shared"
)

// Repository defines persistence for the role/permission graph.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error

	GetRole(ctx context.Context, id int64) (*Role, error)
	GetRoleByName(ctx context.Context, name string) (*Role, error)
	ProtectedRole(ctx context.Context) (*Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	CreateRole(ctx context.Context, name, description string, protected bool) (*Role, error)
	UpdateRole(ctx context.Context, id int64, name, description string) (*Role, error)
	DeleteRole(ctx context.Context, id int64) error

	GetPermission(ctx context.Context, id int64) (*Permission, error)
	GetPermissionByName(ctx context.Context, name string) (*Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	CreatePermission(ctx context.Context, name, description string) (*Permission, error)
	UpdatePermission(ctx context.Context, id int64, name, description string) (*Permission, error)
	DeletePermission(ctx context.Context, id int64) error
	CountPermissionsByIDs(ctx context.Context, ids []int64) (int, error)

	RolePermissions(ctx context.Context, roleID int64) ([]Permission, error)
	RolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error)
	ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error
	GrantPermission(ctx context.Context, roleID, permissionID int64) error

	IdentityExists(ctx context.Context, identityID int64) (bool, error)
	CountRolesByIDs(ctx context.Context, ids []int64) (int, error)
	ReplaceIdentityRoles(ctx context.Context, identityID int64, roleIDs []int64) error
	GrantRole(ctx context.Context, identityID, roleID int64) error
	IdentityRoles(ctx context.Context, identityID int64) ([]Role, error)
	IdentityHasProtectedRole(ctx context.Context, identityID int64) (bool, error)
	EffectiveAccess(ctx context.Context, identityID int64) (roles, permissions []string, err error)
}

type dbtx interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db   dbtx
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: pool, pool: pool}
}

// WithTx runs fn against a transaction-bound copy of the repository.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &PGRepository{db: tx, pool: r.pool})
	})
}

const roleColumns = `id, name, description, is_protected, created_at, updated_at`

func (r *PGRepository) GetRole(ctx context.Context, id int64) (*Role, error) {
	row := r.db.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id)
	return scanRole(row)
}

func (r *PGRepository) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	row := r.db.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, name)
	return scanRole(row)
}

// ProtectedRole fetches the single protected role.
func (r *PGRepository) ProtectedRole(ctx context.Context) (*Role, error) {
	row := r.db.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE is_protected ORDER BY id LIMIT 1`)
	return scanRole(row)
}

func (r *PGRepository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.db.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.IsProtected, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r *PGRepository) CreateRole(ctx context.Context, name, description string, protected bool) (*Role, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO roles (name, description, is_protected) VALUES ($1, $2, $3) RETURNING `+roleColumns,
		name, description, protected)
	role, err := scanRole(row)
	if err != nil {
		return nil, mapUniqueViolation(err, shared.ErrDuplicateName)
	}
	return role, nil
}

func (r *PGRepository) UpdateRole(ctx context.Context, id int64, name, description string) (*Role, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE roles SET name = $1, description = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $3 RETURNING `+roleColumns,
		name, description, id)
	role, err := scanRole(row)
	if err != nil {
		return nil, mapUniqueViolation(err, shared.ErrDuplicateName)
	}
	return role, nil
}

func (r *PGRepository) DeleteRole(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

const permissionColumns = `id, name, description, created_at, updated_at`

func (r *PGRepository) GetPermission(ctx context.Context, id int64) (*Permission, error) {
	row := r.db.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = $1`, id)
	return scanPermission(row)
}

func (r *PGRepository) GetPermissionByName(ctx context.Context, name string) (*Permission, error) {
	row := r.db.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE name = $1`, name)
	return scanPermission(row)
}

func (r *PGRepository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.db.Query(ctx, `SELECT `+permissionColumns+` FROM permissions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPermissions(rows)
}

func (r *PGRepository) CreatePermission(ctx context.Context, name, description string) (*Permission, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO permissions (name, description) VALUES ($1, $2) RETURNING `+permissionColumns,
		name, description)
	perm, err := scanPermission(row)
	if err != nil {
		return nil, mapUniqueViolation(err, shared.ErrDuplicateName)
	}
	return perm, nil
}

func (r *PGRepository) UpdatePermission(ctx context.Context, id int64, name, description string) (*Permission, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE permissions SET name = $1, description = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $3 RETURNING `+permissionColumns,
		name, description, id)
	perm, err := scanPermission(row)
	if err != nil {
		return nil, mapUniqueViolation(err, shared.ErrDuplicateName)
	}
	return perm, nil
}

func (r *PGRepository) DeletePermission(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM permissions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *PGRepository) CountPermissionsByIDs(ctx context.Context, ids []int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM permissions WHERE id = ANY($1)`, ids).Scan(&count)
	return count, err
}

func (r *PGRepository) RolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	rows, err := r.db.Query(ctx,
		`SELECT p.id, p.name, p.description, p.created_at, p.updated_at
		 FROM permissions p
		 INNER JOIN role_permissions rp ON p.id = rp.permission_id
		 WHERE rp.role_id = $1
		 ORDER BY p.name`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPermissions(rows)
}

func (r *PGRepository) RolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT permission_id FROM role_permissions WHERE role_id = $1`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReplaceRolePermissions swaps the whole permission set. Callers run it
// inside WithTx so readers never observe the delete-then-insert window.
func (r *PGRepository) ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return err
	}
	for _, permissionID := range permissionIDs {
		if _, err := r.db.Exec(ctx,
			`INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			roleID, permissionID); err != nil {
			return err
		}
	}
	return nil
}

func (r *PGRepository) GrantPermission(ctx context.Context, roleID, permissionID int64) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		roleID, permissionID)
	return err
}

func (r *PGRepository) IdentityExists(ctx context.Context, identityID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM identities WHERE id = $1)`, identityID).Scan(&exists)
	return exists, err
}

func (r *PGRepository) CountRolesByIDs(ctx context.Context, ids []int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM roles WHERE id = ANY($1)`, ids).Scan(&count)
	return count, err
}

// ReplaceIdentityRoles swaps the whole role set. Callers run it inside WithTx.
func (r *PGRepository) ReplaceIdentityRoles(ctx context.Context, identityID int64, roleIDs []int64) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM identity_roles WHERE identity_id = $1`, identityID); err != nil {
		return err
	}
	for _, roleID := range roleIDs {
		if _, err := r.db.Exec(ctx,
			`INSERT INTO identity_roles (identity_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			identityID, roleID); err != nil {
			return err
		}
	}
	return nil
}

func (r *PGRepository) GrantRole(ctx context.Context, identityID, roleID int64) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO identity_roles (identity_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		identityID, roleID)
	return err
}

func (r *PGRepository) IdentityRoles(ctx context.Context, identityID int64) ([]Role, error) {
	rows, err := r.db.Query(ctx,
		`SELECT r.id, r.name, r.description, r.is_protected, r.created_at, r.updated_at
		 FROM roles r
		 INNER JOIN identity_roles ir ON r.id = ir.role_id
		 WHERE ir.identity_id = $1
		 ORDER BY r.name`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.IsProtected, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r *PGRepository) IdentityHasProtectedRole(ctx context.Context, identityID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM roles r
			INNER JOIN identity_roles ir ON r.id = ir.role_id
			WHERE ir.identity_id = $1 AND r.is_protected
		)`, identityID).Scan(&exists)
	return exists, err
}

// EffectiveAccess resolves role and permission names for an identity in one
// join query, the same aggregation the login path needs.
func (r *PGRepository) EffectiveAccess(ctx context.Context, identityID int64) ([]string, []string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT r.name AS role_name, p.name AS permission_name
		 FROM identity_roles ir
		 INNER JOIN roles r ON ir.role_id = r.id
		 LEFT JOIN role_permissions rp ON r.id = rp.role_id
		 LEFT JOIN permissions p ON rp.permission_id = p.id
		 WHERE ir.identity_id = $1`, identityID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	roleSet := make(map[string]struct{})
	permSet := make(map[string]struct{})
	var roles, permissions []string
	for rows.Next() {
		var roleName string
		var permissionName *string
		if err := rows.Scan(&roleName, &permissionName); err != nil {
			return nil, nil, err
		}
		if _, ok := roleSet[roleName]; !ok {
			roleSet[roleName] = struct{}{}
			roles = append(roles, roleName)
		}
		if permissionName != nil {
			if _, ok := permSet[*permissionName]; !ok {
				permSet[*permissionName] = struct{}{}
				permissions = append(permissions, *permissionName)
			}
		}
	}
	return roles, permissions, rows.Err()
}

func scanRole(row pgx.Row) (*Role, error) {
	var role Role
	if err := row.Scan(&role.ID, &role.Name, &role.Description, &role.IsProtected, &role.CreatedAt, &role.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &role, nil
}

func scanPermission(row pgx.Row) (*Permission, error) {
	var perm Permission
	if err := row.Scan(&perm.ID, &perm.Name, &perm.Description, &perm.CreatedAt, &perm.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &perm, nil
}

func collectPermissions(rows pgx.Rows) ([]Permission, error) {
	var perms []Permission
	for rows.Next() {
		var perm Permission
		if err := rows.Scan(&perm.ID, &perm.Name, &perm.Description, &perm.CreatedAt, &perm.UpdatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

func mapUniqueViolation(err, sentinel error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return shared.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return sentinel
	}
	return err
}

var _ Repository = (*PGRepository)(nil)
