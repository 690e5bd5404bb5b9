package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/authcore/authcore/internal/shared"
)

// Service orchestrates RBAC mutations and resolution. Every multi-step
// mutation runs inside one transaction so no partial graph state is ever
// observable.
type Service struct {
	repo   Repository
	logger *slog.Logger
}

// NewService constructs a Service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// CreateRole inserts a new role with a normalized unique name.
func (s *Service) CreateRole(ctx context.Context, name, description string) (*Role, error) {
	normalized, err := NormalizeName(name)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetRoleByName(ctx, normalized); err == nil {
		return nil, fmt.Errorf("%w: role %s", shared.ErrDuplicateName, normalized)
	} else if !errors.Is(err, shared.ErrNotFound) {
		return nil, fmt.Errorf("rbac: check role name: %w", err)
	}
	role, err := s.repo.CreateRole(ctx, normalized, description, false)
	if err != nil {
		return nil, fmt.Errorf("rbac: create role: %w", err)
	}
	return role, nil
}

// UpdateRole renames or re-describes a role. The uniqueness check excludes
// the role's own current name; the protected role cannot be renamed.
func (s *Service) UpdateRole(ctx context.Context, id int64, name, description string) (*Role, error) {
	role, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return nil, err
	}
	normalized, err := NormalizeName(name)
	if err != nil {
		return nil, err
	}
	if role.IsProtected && normalized != role.Name {
		return nil, fmt.Errorf("%w: cannot rename %s", shared.ErrProtectedRole, role.Name)
	}
	if normalized != role.Name {
		if _, err := s.repo.GetRoleByName(ctx, normalized); err == nil {
			return nil, fmt.Errorf("%w: role %s", shared.ErrDuplicateName, normalized)
		} else if !errors.Is(err, shared.ErrNotFound) {
			return nil, fmt.Errorf("rbac: check role name: %w", err)
		}
	}
	updated, err := s.repo.UpdateRole(ctx, id, normalized, description)
	if err != nil {
		return nil, fmt.Errorf("rbac: update role: %w", err)
	}
	return updated, nil
}

// DeleteRole removes a role. The protected role cannot be deleted.
func (s *Service) DeleteRole(ctx context.Context, id int64) error {
	role, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if role.IsProtected {
		return fmt.Errorf("%w: cannot delete %s", shared.ErrProtectedRole, role.Name)
	}
	return s.repo.DeleteRole(ctx, id)
}

// GetRole fetches a role and its permissions.
func (s *Service) GetRole(ctx context.Context, id int64) (*RoleWithPermissions, error) {
	role, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return nil, err
	}
	perms, err := s.repo.RolePermissions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("rbac: load role permissions: %w", err)
	}
	return &RoleWithPermissions{Role: *role, Permissions: perms}, nil
}

// GetAllRoles lists every role with its permissions. Permission sets are
// loaded concurrently per role; results keep the repository's role order.
func (s *Service) GetAllRoles(ctx context.Context) ([]RoleWithPermissions, error) {
	roles, err := s.repo.ListRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("rbac: list roles: %w", err)
	}
	out := make([]RoleWithPermissions, len(roles))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, role := range roles {
		i, role := i, role
		g.Go(func() error {
			perms, err := s.repo.RolePermissions(ctx, role.ID)
			if err != nil {
				return fmt.Errorf("rbac: load role permissions: %w", err)
			}
			out[i] = RoleWithPermissions{Role: role, Permissions: perms}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// CreatePermission inserts a new permission and, within the same transaction,
// grants it to the protected role so the super administrator's completeness
// invariant holds after every catalog change.
func (s *Service) CreatePermission(ctx context.Context, name, description string) (*Permission, error) {
	normalized, err := NormalizeName(name)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetPermissionByName(ctx, normalized); err == nil {
		return nil, fmt.Errorf("%w: permission %s", shared.ErrDuplicateName, normalized)
	} else if !errors.Is(err, shared.ErrNotFound) {
		return nil, fmt.Errorf("rbac: check permission name: %w", err)
	}

	var created *Permission
	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		perm, err := repo.CreatePermission(ctx, normalized, description)
		if err != nil {
			return fmt.Errorf("rbac: create permission: %w", err)
		}
		protected, err := repo.ProtectedRole(ctx)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				created = perm
				return nil
			}
			return fmt.Errorf("rbac: find protected role: %w", err)
		}
		if err := repo.GrantPermission(ctx, protected.ID, perm.ID); err != nil {
			return fmt.Errorf("rbac: grant to protected role: %w", err)
		}
		created = perm
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpdatePermission renames or re-describes a permission.
func (s *Service) UpdatePermission(ctx context.Context, id int64, name, description string) (*Permission, error) {
	perm, err := s.repo.GetPermission(ctx, id)
	if err != nil {
		return nil, err
	}
	normalized, err := NormalizeName(name)
	if err != nil {
		return nil, err
	}
	if normalized != perm.Name {
		if _, err := s.repo.GetPermissionByName(ctx, normalized); err == nil {
			return nil, fmt.Errorf("%w: permission %s", shared.ErrDuplicateName, normalized)
		} else if !errors.Is(err, shared.ErrNotFound) {
			return nil, fmt.Errorf("rbac: check permission name: %w", err)
		}
	}
	updated, err := s.repo.UpdatePermission(ctx, id, normalized, description)
	if err != nil {
		return nil, fmt.Errorf("rbac: update permission: %w", err)
	}
	return updated, nil
}

// DeletePermission removes a permission; join rows cascade away.
func (s *Service) DeletePermission(ctx context.Context, id int64) error {
	if _, err := s.repo.GetPermission(ctx, id); err != nil {
		return err
	}
	return s.repo.DeletePermission(ctx, id)
}

// GetAllPermissions lists the permission catalog.
func (s *Service) GetAllPermissions(ctx context.Context) ([]Permission, error) {
	return s.repo.ListPermissions(ctx)
}

// SetRolePermissions replaces the role's whole permission set. Every
// referenced id must exist or the operation is rejected as a unit. For the
// protected role the result is the union of current and requested sets, so
// permissions are only ever added to it.
func (s *Service) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	requested := dedupeIDs(permissionIDs)
	return s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		if len(requested) > 0 {
			count, err := repo.CountPermissionsByIDs(ctx, requested)
			if err != nil {
				return fmt.Errorf("rbac: validate permission ids: %w", err)
			}
			if count != len(requested) {
				return shared.ErrUnknownPermission
			}
		}
		final := requested
		if role.IsProtected {
			current, err := repo.RolePermissionIDs(ctx, roleID)
			if err != nil {
				return fmt.Errorf("rbac: load current permissions: %w", err)
			}
			final = unionIDs(current, requested)
		}
		if err := repo.ReplaceRolePermissions(ctx, roleID, final); err != nil {
			return fmt.Errorf("rbac: replace role permissions: %w", err)
		}
		return nil
	})
}

// AssignRolesToIdentity replaces the identity's whole role set.
func (s *Service) AssignRolesToIdentity(ctx context.Context, identityID int64, roleIDs []int64) error {
	exists, err := s.repo.IdentityExists(ctx, identityID)
	if err != nil {
		return fmt.Errorf("rbac: check identity: %w", err)
	}
	if !exists {
		return shared.ErrNotFound
	}
	requested := dedupeIDs(roleIDs)
	if len(requested) == 0 {
		return fmt.Errorf("%w: at least one role is required", shared.ErrValidation)
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		count, err := repo.CountRolesByIDs(ctx, requested)
		if err != nil {
			return fmt.Errorf("rbac: validate role ids: %w", err)
		}
		if count != len(requested) {
			return shared.ErrUnknownRole
		}
		if err := repo.ReplaceIdentityRoles(ctx, identityID, requested); err != nil {
			return fmt.Errorf("rbac: replace identity roles: %w", err)
		}
		return nil
	})
}

// GetIdentityRoles lists the roles held by an identity.
func (s *Service) GetIdentityRoles(ctx context.Context, identityID int64) ([]Role, error) {
	exists, err := s.repo.IdentityExists(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("rbac: check identity: %w", err)
	}
	if !exists {
		return nil, shared.ErrNotFound
	}
	return s.repo.IdentityRoles(ctx, identityID)
}

// ResolveEffectiveAccess computes the deduplicated union of role and
// permission names across the identity's roles.
func (s *Service) ResolveEffectiveAccess(ctx context.Context, identityID int64) (Access, error) {
	roles, permissions, err := s.repo.EffectiveAccess(ctx, identityID)
	if err != nil {
		return Access{}, fmt.Errorf("rbac: resolve access: %w", err)
	}
	if roles == nil {
		roles = []string{}
	}
	if permissions == nil {
		permissions = []string{}
	}
	return Access{Roles: roles, Permissions: permissions}, nil
}

// HasProtectedRole reports whether the identity holds the protected role.
func (s *Service) HasProtectedRole(ctx context.Context, identityID int64) (bool, error) {
	return s.repo.IdentityHasProtectedRole(ctx, identityID)
}

// GrantRoleByName attaches a role to an identity by role name, used for the
// default role grant when an identity is created.
func (s *Service) GrantRoleByName(ctx context.Context, identityID int64, roleName string) error {
	role, err := s.repo.GetRoleByName(ctx, roleName)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return fmt.Errorf("%w: role %s not seeded", shared.ErrUnknownRole, roleName)
		}
		return fmt.Errorf("rbac: find role by name: %w", err)
	}
	return s.repo.GrantRole(ctx, identityID, role.ID)
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func unionIDs(a, b []int64) []int64 {
	seen := make(map[int64]struct{}, len(a)+len(b))
	out := make([]int64, 0, len(a)+len(b))
	for _, list := range [][]int64{a, b} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
