package rbac

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authcore/authcore/internal/shared"
)

type mockRepository struct {
	roles       map[int64]*Role
	permissions map[int64]*Permission
	rolePerms   map[int64]map[int64]struct{}
	identities  map[int64]struct{}
	idRoles     map[int64]map[int64]struct{}
	nextRoleID  int64
	nextPermID  int64

	grantPermFn func(roleID, permissionID int64) error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		roles:       make(map[int64]*Role),
		permissions: make(map[int64]*Permission),
		rolePerms:   make(map[int64]map[int64]struct{}),
		identities:  make(map[int64]struct{}),
		idRoles:     make(map[int64]map[int64]struct{}),
		nextRoleID:  1,
		nextPermID:  1,
	}
}

func (m *mockRepository) addRole(name string, protected bool) *Role {
	role := &Role{ID: m.nextRoleID, Name: name, IsProtected: protected, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	m.roles[role.ID] = role
	m.rolePerms[role.ID] = make(map[int64]struct{})
	m.nextRoleID++
	return role
}

func (m *mockRepository) addPermission(name string) *Permission {
	perm := &Permission{ID: m.nextPermID, Name: name, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	m.permissions[perm.ID] = perm
	m.nextPermID++
	return perm
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	return fn(ctx, m)
}

func (m *mockRepository) GetRole(_ context.Context, id int64) (*Role, error) {
	role, ok := m.roles[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copied := *role
	return &copied, nil
}

func (m *mockRepository) GetRoleByName(_ context.Context, name string) (*Role, error) {
	for _, role := range m.roles {
		if role.Name == name {
			copied := *role
			return &copied, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (m *mockRepository) ProtectedRole(_ context.Context) (*Role, error) {
	for _, role := range m.roles {
		if role.IsProtected {
			copied := *role
			return &copied, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (m *mockRepository) ListRoles(_ context.Context) ([]Role, error) {
	out := make([]Role, 0, len(m.roles))
	for _, role := range m.roles {
		out = append(out, *role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRepository) CreateRole(_ context.Context, name, description string, protected bool) (*Role, error) {
	for _, role := range m.roles {
		if role.Name == name {
			return nil, shared.ErrDuplicateName
		}
	}
	role := m.addRole(name, protected)
	role.Description = description
	copied := *role
	return &copied, nil
}

func (m *mockRepository) UpdateRole(_ context.Context, id int64, name, description string) (*Role, error) {
	role, ok := m.roles[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	role.Name = name
	role.Description = description
	copied := *role
	return &copied, nil
}

func (m *mockRepository) DeleteRole(_ context.Context, id int64) error {
	if _, ok := m.roles[id]; !ok {
		return shared.ErrNotFound
	}
	delete(m.roles, id)
	delete(m.rolePerms, id)
	for _, held := range m.idRoles {
		delete(held, id)
	}
	return nil
}

func (m *mockRepository) GetPermission(_ context.Context, id int64) (*Permission, error) {
	perm, ok := m.permissions[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copied := *perm
	return &copied, nil
}

func (m *mockRepository) GetPermissionByName(_ context.Context, name string) (*Permission, error) {
	for _, perm := range m.permissions {
		if perm.Name == name {
			copied := *perm
			return &copied, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (m *mockRepository) ListPermissions(_ context.Context) ([]Permission, error) {
	out := make([]Permission, 0, len(m.permissions))
	for _, perm := range m.permissions {
		out = append(out, *perm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRepository) CreatePermission(_ context.Context, name, description string) (*Permission, error) {
	perm := m.addPermission(name)
	perm.Description = description
	copied := *perm
	return &copied, nil
}

func (m *mockRepository) UpdatePermission(_ context.Context, id int64, name, description string) (*Permission, error) {
	perm, ok := m.permissions[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	perm.Name = name
	perm.Description = description
	copied := *perm
	return &copied, nil
}

func (m *mockRepository) DeletePermission(_ context.Context, id int64) error {
	if _, ok := m.permissions[id]; !ok {
		return shared.ErrNotFound
	}
	delete(m.permissions, id)
	for _, granted := range m.rolePerms {
		delete(granted, id)
	}
	return nil
}

func (m *mockRepository) CountPermissionsByIDs(_ context.Context, ids []int64) (int, error) {
	count := 0
	for _, id := range ids {
		if _, ok := m.permissions[id]; ok {
			count++
		}
	}
	return count, nil
}

func (m *mockRepository) RolePermissions(_ context.Context, roleID int64) ([]Permission, error) {
	out := make([]Permission, 0)
	for id := range m.rolePerms[roleID] {
		out = append(out, *m.permissions[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRepository) RolePermissionIDs(_ context.Context, roleID int64) ([]int64, error) {
	out := make([]int64, 0)
	for id := range m.rolePerms[roleID] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *mockRepository) ReplaceRolePermissions(_ context.Context, roleID int64, permissionIDs []int64) error {
	granted := make(map[int64]struct{}, len(permissionIDs))
	for _, id := range permissionIDs {
		granted[id] = struct{}{}
	}
	m.rolePerms[roleID] = granted
	return nil
}

func (m *mockRepository) GrantPermission(_ context.Context, roleID, permissionID int64) error {
	if m.grantPermFn != nil {
		return m.grantPermFn(roleID, permissionID)
	}
	m.rolePerms[roleID][permissionID] = struct{}{}
	return nil
}

func (m *mockRepository) IdentityExists(_ context.Context, identityID int64) (bool, error) {
	_, ok := m.identities[identityID]
	return ok, nil
}

func (m *mockRepository) CountRolesByIDs(_ context.Context, ids []int64) (int, error) {
	count := 0
	for _, id := range ids {
		if _, ok := m.roles[id]; ok {
			count++
		}
	}
	return count, nil
}

func (m *mockRepository) ReplaceIdentityRoles(_ context.Context, identityID int64, roleIDs []int64) error {
	held := make(map[int64]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		held[id] = struct{}{}
	}
	m.idRoles[identityID] = held
	return nil
}

func (m *mockRepository) GrantRole(_ context.Context, identityID, roleID int64) error {
	if m.idRoles[identityID] == nil {
		m.idRoles[identityID] = make(map[int64]struct{})
	}
	m.idRoles[identityID][roleID] = struct{}{}
	return nil
}

func (m *mockRepository) IdentityRoles(_ context.Context, identityID int64) ([]Role, error) {
	out := make([]Role, 0)
	for id := range m.idRoles[identityID] {
		out = append(out, *m.roles[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRepository) IdentityHasProtectedRole(_ context.Context, identityID int64) (bool, error) {
	for id := range m.idRoles[identityID] {
		if m.roles[id] != nil && m.roles[id].IsProtected {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRepository) EffectiveAccess(_ context.Context, identityID int64) ([]string, []string, error) {
	roleNames := make([]string, 0)
	permSeen := make(map[string]struct{})
	permNames := make([]string, 0)
	for roleID := range m.idRoles[identityID] {
		role := m.roles[roleID]
		if role == nil {
			continue
		}
		roleNames = append(roleNames, role.Name)
		for permID := range m.rolePerms[roleID] {
			name := m.permissions[permID].Name
			if _, ok := permSeen[name]; ok {
				continue
			}
			permSeen[name] = struct{}{}
			permNames = append(permNames, name)
		}
	}
	sort.Strings(roleNames)
	sort.Strings(permNames)
	return roleNames, permNames, nil
}

func newTestService(repo Repository) *Service {
	return NewService(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCreateRoleNormalizesName(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)

	role, err := svc.CreateRole(context.Background(), "  auditor ", "reads everything")
	require.NoError(t, err)
	assert.Equal(t, "AUDITOR", role.Name)
	assert.False(t, role.IsProtected)
}

func TestCreateRoleRejectsDuplicateAfterNormalization(t *testing.T) {
	repo := newMockRepository()
	repo.addRole("AUDITOR", false)
	svc := newTestService(repo)

	_, err := svc.CreateRole(context.Background(), "auditor", "")
	assert.ErrorIs(t, err, shared.ErrDuplicateName)
}

func TestCreateRoleRejectsInvalidName(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)

	for _, name := range []string{"", "   ", "bad name", "naïve", "a-b"} {
		_, err := svc.CreateRole(context.Background(), name, "")
		assert.ErrorIs(t, err, shared.ErrValidation, "name %q", name)
	}
}

func TestUpdateRoleRefusesRenamingProtectedRole(t *testing.T) {
	repo := newMockRepository()
	admin := repo.addRole("SUPER_ADMIN", true)
	svc := newTestService(repo)

	_, err := svc.UpdateRole(context.Background(), admin.ID, "ROOT", "")
	assert.ErrorIs(t, err, shared.ErrProtectedRole)

	// Same name with a new description is allowed.
	updated, err := svc.UpdateRole(context.Background(), admin.ID, "super_admin", "full access")
	require.NoError(t, err)
	assert.Equal(t, "SUPER_ADMIN", updated.Name)
	assert.Equal(t, "full access", updated.Description)
}

func TestDeleteRoleRefusesProtectedRole(t *testing.T) {
	repo := newMockRepository()
	admin := repo.addRole("SUPER_ADMIN", true)
	other := repo.addRole("EDITOR", false)
	svc := newTestService(repo)

	err := svc.DeleteRole(context.Background(), admin.ID)
	assert.ErrorIs(t, err, shared.ErrProtectedRole)

	require.NoError(t, svc.DeleteRole(context.Background(), other.ID))
	_, err = svc.GetRole(context.Background(), other.ID)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestCreatePermissionGrantsToProtectedRole(t *testing.T) {
	repo := newMockRepository()
	admin := repo.addRole("SUPER_ADMIN", true)
	svc := newTestService(repo)

	perm, err := svc.CreatePermission(context.Background(), "reports.view", "")
	require.NoError(t, err)
	assert.Equal(t, "REPORTS.VIEW", perm.Name)

	ids, err := repo.RolePermissionIDs(context.Background(), admin.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{perm.ID}, ids)
}

func TestCreatePermissionWithoutProtectedRole(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)

	perm, err := svc.CreatePermission(context.Background(), "REPORTS.VIEW", "")
	require.NoError(t, err)
	assert.NotNil(t, perm)
}

func TestCreatePermissionRollsBackWhenGrantFails(t *testing.T) {
	repo := newMockRepository()
	repo.addRole("SUPER_ADMIN", true)
	repo.grantPermFn = func(int64, int64) error { return assert.AnError }
	svc := newTestService(repo)

	_, err := svc.CreatePermission(context.Background(), "REPORTS.VIEW", "")
	assert.Error(t, err)
}

func TestSetRolePermissionsReplacesExactly(t *testing.T) {
	repo := newMockRepository()
	role := repo.addRole("EDITOR", false)
	docsWrite := repo.addPermission("DOCS.WRITE")
	docsRead := repo.addPermission("DOCS.READ")
	repo.rolePerms[role.ID][docsRead.ID] = struct{}{}
	svc := newTestService(repo)

	err := svc.SetRolePermissions(context.Background(), role.ID, []int64{docsWrite.ID, docsWrite.ID})
	require.NoError(t, err)

	ids, err := repo.RolePermissionIDs(context.Background(), role.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{docsWrite.ID}, ids)
}

func TestSetRolePermissionsEmptyClearsOrdinaryRole(t *testing.T) {
	repo := newMockRepository()
	role := repo.addRole("EDITOR", false)
	perm := repo.addPermission("DOCS.WRITE")
	repo.rolePerms[role.ID][perm.ID] = struct{}{}
	svc := newTestService(repo)

	require.NoError(t, svc.SetRolePermissions(context.Background(), role.ID, nil))

	ids, err := repo.RolePermissionIDs(context.Background(), role.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSetRolePermissionsProtectedRoleOnlyGains(t *testing.T) {
	repo := newMockRepository()
	admin := repo.addRole("SUPER_ADMIN", true)
	existing := repo.addPermission("USERS.MANAGE")
	added := repo.addPermission("DOCS.WRITE")
	repo.rolePerms[admin.ID][existing.ID] = struct{}{}
	svc := newTestService(repo)

	// Requesting only the new permission must not strip the existing one.
	require.NoError(t, svc.SetRolePermissions(context.Background(), admin.ID, []int64{added.ID}))

	ids, err := repo.RolePermissionIDs(context.Background(), admin.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{existing.ID, added.ID}, ids)

	// An empty request leaves the protected role untouched.
	require.NoError(t, svc.SetRolePermissions(context.Background(), admin.ID, nil))
	ids, err = repo.RolePermissionIDs(context.Background(), admin.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{existing.ID, added.ID}, ids)
}

func TestSetRolePermissionsRejectsUnknownIDsAsAUnit(t *testing.T) {
	repo := newMockRepository()
	role := repo.addRole("EDITOR", false)
	perm := repo.addPermission("DOCS.WRITE")
	svc := newTestService(repo)

	err := svc.SetRolePermissions(context.Background(), role.ID, []int64{perm.ID, 9999})
	assert.ErrorIs(t, err, shared.ErrUnknownPermission)

	ids, err := repo.RolePermissionIDs(context.Background(), role.ID)
	require.NoError(t, err)
	assert.Empty(t, ids, "no partial assignment survives a rejected request")
}

func TestAssignRolesToIdentity(t *testing.T) {
	repo := newMockRepository()
	editor := repo.addRole("EDITOR", false)
	auditor := repo.addRole("AUDITOR", false)
	repo.identities[7] = struct{}{}
	svc := newTestService(repo)

	require.NoError(t, svc.AssignRolesToIdentity(context.Background(), 7, []int64{editor.ID, auditor.ID, editor.ID}))

	roles, err := svc.GetIdentityRoles(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, roles, 2)
}

func TestAssignRolesToIdentityRejectsEmptySet(t *testing.T) {
	repo := newMockRepository()
	repo.identities[7] = struct{}{}
	svc := newTestService(repo)

	err := svc.AssignRolesToIdentity(context.Background(), 7, nil)
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestAssignRolesToIdentityRejectsUnknownRole(t *testing.T) {
	repo := newMockRepository()
	editor := repo.addRole("EDITOR", false)
	repo.identities[7] = struct{}{}
	svc := newTestService(repo)

	err := svc.AssignRolesToIdentity(context.Background(), 7, []int64{editor.ID, 42})
	assert.ErrorIs(t, err, shared.ErrUnknownRole)
	assert.Empty(t, repo.idRoles[7])
}

func TestAssignRolesToUnknownIdentity(t *testing.T) {
	repo := newMockRepository()
	editor := repo.addRole("EDITOR", false)
	svc := newTestService(repo)

	err := svc.AssignRolesToIdentity(context.Background(), 404, []int64{editor.ID})
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestResolveEffectiveAccessDeduplicatesUnion(t *testing.T) {
	repo := newMockRepository()
	roleA := repo.addRole("EDITOR", false)
	roleB := repo.addRole("AUDITOR", false)
	permX := repo.addPermission("DOCS.WRITE")
	permY := repo.addPermission("DOCS.READ")
	permZ := repo.addPermission("REPORTS.VIEW")
	repo.rolePerms[roleA.ID] = map[int64]struct{}{permX.ID: {}, permY.ID: {}}
	repo.rolePerms[roleB.ID] = map[int64]struct{}{permY.ID: {}, permZ.ID: {}}
	repo.identities[1] = struct{}{}
	repo.idRoles[1] = map[int64]struct{}{roleA.ID: {}, roleB.ID: {}}
	svc := newTestService(repo)

	access, err := svc.ResolveEffectiveAccess(context.Background(), 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"EDITOR", "AUDITOR"}, access.Roles)
	assert.ElementsMatch(t, []string{"DOCS.WRITE", "DOCS.READ", "REPORTS.VIEW"}, access.Permissions)
}

func TestResolveEffectiveAccessForIdentityWithNoRoles(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)

	access, err := svc.ResolveEffectiveAccess(context.Background(), 55)
	require.NoError(t, err)
	assert.NotNil(t, access.Roles)
	assert.NotNil(t, access.Permissions)
	assert.Empty(t, access.Roles)
	assert.Empty(t, access.Permissions)
}

func TestGrantRoleByName(t *testing.T) {
	repo := newMockRepository()
	basic := repo.addRole("BASIC_EMPLOYEE", false)
	repo.identities[3] = struct{}{}
	svc := newTestService(repo)

	require.NoError(t, svc.GrantRoleByName(context.Background(), 3, "BASIC_EMPLOYEE"))
	_, held := repo.idRoles[3][basic.ID]
	assert.True(t, held)

	err := svc.GrantRoleByName(context.Background(), 3, "MISSING_ROLE")
	assert.ErrorIs(t, err, shared.ErrUnknownRole)
}

func TestGetAllRolesKeepsOrderAcrossConcurrentLoads(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)

	read := repo.addPermission("DOCS.READ")
	write := repo.addPermission("DOCS.WRITE")
	var roles []*Role
	for _, name := range []string{"ALPHA", "BRAVO", "CHARLIE", "DELTA", "ECHO", "FOXTROT"} {
		roles = append(roles, repo.addRole(name, false))
	}
	repo.rolePerms[roles[1].ID][read.ID] = struct{}{}
	repo.rolePerms[roles[4].ID][read.ID] = struct{}{}
	repo.rolePerms[roles[4].ID][write.ID] = struct{}{}

	out, err := svc.GetAllRoles(context.Background())
	require.NoError(t, err)
	require.Len(t, out, len(roles))
	for i, want := range roles {
		assert.Equal(t, want.Name, out[i].Name)
	}
	assert.Empty(t, out[0].Permissions)
	require.Len(t, out[1].Permissions, 1)
	assert.Equal(t, "DOCS.READ", out[1].Permissions[0].Name)
	require.Len(t, out[4].Permissions, 2)
}
