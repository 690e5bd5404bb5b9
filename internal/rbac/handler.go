package rbac

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/authcore/authcore/internal/platform/httpx"
	"github.com/authcore/authcore/internal/shared"
)

// Permission names guarding the RBAC admin surface.
const (
	PermRolesView         = "ROLES.VIEW"
	PermRolesManage       = "ROLES.MANAGE"
	PermPermissionsView   = "PERMISSIONS.VIEW"
	PermPermissionsManage = "PERMISSIONS.MANAGE"
)

// Handler wires the RBAC admin endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers RBAC routes on the provided router. The caller wraps
// them with authentication and permission middleware.
func (h *Handler) MountRoutes(r chi.Router, guard Middleware) {
	r.Route("/roles", func(r chi.Router) {
		r.With(guard.RequireAny(PermRolesView, PermRolesManage)).Get("/", h.listRoles)
		r.With(guard.RequireAny(PermRolesView, PermRolesManage)).Get("/{roleID}", h.getRole)
		r.With(guard.RequireAny(PermRolesManage)).Post("/", h.createRole)
		r.With(guard.RequireAny(PermRolesManage)).Put("/{roleID}", h.updateRole)
		r.With(guard.RequireAny(PermRolesManage)).Delete("/{roleID}", h.deleteRole)
		r.With(guard.RequireAny(PermRolesManage)).Put("/{roleID}/permissions", h.setRolePermissions)
	})
	r.Route("/permissions", func(r chi.Router) {
		r.With(guard.RequireAny(PermPermissionsView, PermPermissionsManage)).Get("/", h.listPermissions)
		r.With(guard.RequireAny(PermPermissionsManage)).Post("/", h.createPermission)
		r.With(guard.RequireAny(PermPermissionsManage)).Put("/{permissionID}", h.updatePermission)
		r.With(guard.RequireAny(PermPermissionsManage)).Delete("/{permissionID}", h.deletePermission)
	})
}

// MountIdentityRoles registers role assignment endpoints relative to the
// identities subtree the caller owns.
func (h *Handler) MountIdentityRoles(r chi.Router, guard Middleware) {
	r.With(guard.RequireAny(PermRolesView, PermRolesManage)).Get("/{identityID}/roles", h.getIdentityRoles)
	r.With(guard.RequireAny(PermRolesManage)).Put("/{identityID}/roles", h.setIdentityRoles)
}

type nameRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
}

type roleResponse struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsProtected bool      `json:"isProtected"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type roleWithPermissionsResponse struct {
	roleResponse
	Permissions []permissionResponse `json:"permissions"`
}

type permissionResponse struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.GetAllRoles(r.Context())
	if err != nil {
		h.fail(w, "list roles", err)
		return
	}
	out := make([]roleWithPermissionsResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, toRoleWithPermissions(role))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		h.fail(w, "get role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleWithPermissions(*role))
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.CreateRole(r.Context(), req.Name, req.Description)
	if err != nil {
		h.fail(w, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRole(*role))
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req nameRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.UpdateRole(r.Context(), id, req.Name, req.Description)
	if err != nil {
		h.fail(w, "update role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRole(*role))
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	if err := h.service.DeleteRole(r.Context(), id); err != nil {
		h.fail(w, "delete role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setPermissionsRequest struct {
	PermissionIDs []int64 `json:"permissionIds"`
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req setPermissionsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.service.SetRolePermissions(r.Context(), id, req.PermissionIDs); err != nil {
		h.fail(w, "set role permissions", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.GetAllPermissions(r.Context())
	if err != nil {
		h.fail(w, "list permissions", err)
		return
	}
	out := make([]permissionResponse, 0, len(perms))
	for _, perm := range perms {
		out = append(out, toPermission(perm))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !h.decode(w, r, &req) {
		return
	}
	perm, err := h.service.CreatePermission(r.Context(), req.Name, req.Description)
	if err != nil {
		h.fail(w, "create permission", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPermission(*perm))
}

func (h *Handler) updatePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "permissionID")
	if !ok {
		return
	}
	var req nameRequest
	if !h.decode(w, r, &req) {
		return
	}
	perm, err := h.service.UpdatePermission(r.Context(), id, req.Name, req.Description)
	if err != nil {
		h.fail(w, "update permission", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPermission(*perm))
}

func (h *Handler) deletePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "permissionID")
	if !ok {
		return
	}
	if err := h.service.DeletePermission(r.Context(), id); err != nil {
		h.fail(w, "delete permission", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getIdentityRoles(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "identityID")
	if !ok {
		return
	}
	roles, err := h.service.GetIdentityRoles(r.Context(), id)
	if err != nil {
		h.fail(w, "get identity roles", err)
		return
	}
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, toRole(role))
	}
	httpx.JSON(w, http.StatusOK, out)
}

type setRolesRequest struct {
	RoleIDs []int64 `json:"roleIds" validate:"required,min=1"`
}

func (h *Handler) setIdentityRoles(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "identityID")
	if !ok {
		return
	}
	var req setRolesRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.AssignRolesToIdentity(r.Context(), id, req.RoleIDs); err != nil {
		h.fail(w, "assign identity roles", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, req *nameRequest) bool {
	if err := httpx.DecodeJSON(r, req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return false
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if h.logger != nil {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, shared.ErrNotFound)
		return 0, false
	}
	return id, true
}

func toRole(role Role) roleResponse {
	return roleResponse{
		ID:          role.ID,
		Name:        role.Name,
		Description: role.Description,
		IsProtected: role.IsProtected,
		CreatedAt:   role.CreatedAt,
		UpdatedAt:   role.UpdatedAt,
	}
}

func toRoleWithPermissions(role RoleWithPermissions) roleWithPermissionsResponse {
	perms := make([]permissionResponse, 0, len(role.Permissions))
	for _, perm := range role.Permissions {
		perms = append(perms, toPermission(perm))
	}
	return roleWithPermissionsResponse{roleResponse: toRole(role.Role), Permissions: perms}
}

func toPermission(perm Permission) permissionResponse {
	return permissionResponse{
		ID:          perm.ID,
		Name:        perm.Name,
		Description: perm.Description,
		CreatedAt:   perm.CreatedAt,
		UpdatedAt:   perm.UpdatedAt,
	}
}
