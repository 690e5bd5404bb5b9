package identity

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

// Guard wraps a handler with a permission requirement.
type Guard func(permissions ...string) func(http.Handler) http.Handler

// Handler wires the identity admin endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountPublicRoutes registers the token-authenticated password-set endpoint.
func (h *Handler) MountPublicRoutes(r chi.Router) {
	r.Post("/set-password", h.setPassword)
}

// MountRoutes registers the authenticated identity admin endpoints.
func (h *Handler) MountRoutes(r chi.Router, guard Guard) {
	r.With(guard(PermUsersView, PermUsersManage)).Get("/", h.list)
	r.With(guard(PermUsersView, PermUsersManage)).Get("/{identityID}", h.get)
	r.With(guard(PermUsersManage)).Post("/", h.create)
	r.With(guard(PermUsersManage)).Put("/{identityID}", h.update)
	r.With(guard(PermUsersManage)).Delete("/{identityID}", h.delete)
	r.With(guard(PermUsersManage)).Post("/{identityID}/resend-password-token", h.resendPasswordToken)
}

type identityRequest struct {
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"firstName" validate:"required"`
	LastName  string `json:"lastName" validate:"required"`
}

type identityResponse struct {
	ID          int64      `json:"id"`
	Email       string     `json:"email"`
	FirstName   string     `json:"firstName"`
	LastName    string     `json:"lastName"`
	HasPassword bool       `json:"hasPassword"`
	LastLogin   *time.Time `json:"lastLogin,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

type createdResponse struct {
	identityResponse
	PasswordSetToken string `json:"passwordSetToken"`
}

type listedIdentityResponse struct {
	identityResponse
	Roles []string `json:"roles"`
}

type listResponse struct {
	Data       []listedIdentityResponse `json:"data"`
	Pagination paginationResponse       `json:"pagination"`
}

type paginationResponse struct {
	Page       int `json:"page"`
	PerPage    int `json:"perPage"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("perPage"))
	identities, pagination, err := h.service.List(r.Context(), page, perPage)
	if err != nil {
		h.fail(w, "list identities", err)
		return
	}
	out := listResponse{
		Data: make([]listedIdentityResponse, 0, len(identities)),
		Pagination: paginationResponse{
			Page:       pagination.Page,
			PerPage:    pagination.PerPage,
			Total:      pagination.Total,
			TotalPages: pagination.TotalPages,
		},
	}
	for _, ident := range identities {
		out.Data = append(out.Data, listedIdentityResponse{
			identityResponse: toIdentity(ident.Identity),
			Roles:            ident.Roles,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	ident, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get identity", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toIdentity(*ident))
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if !h.decode(w, r, &req) {
		return
	}
	ident, setToken, err := h.service.Create(r.Context(), req.Email, req.FirstName, req.LastName)
	if err != nil {
		h.fail(w, "create identity", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, createdResponse{
		identityResponse: toIdentity(*ident),
		PasswordSetToken: setToken,
	})
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req identityRequest
	if !h.decode(w, r, &req) {
		return
	}
	ident, err := h.service.Update(r.Context(), id, req.Email, req.FirstName, req.LastName)
	if err != nil {
		h.fail(w, "update identity", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toIdentity(*ident))
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		h.fail(w, "delete identity", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resendPasswordToken(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	setToken, err := h.service.ResendPasswordSetToken(r.Context(), id)
	if err != nil {
		h.fail(w, "resend password token", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"passwordSetToken": setToken})
}

type setPasswordRequest struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (h *Handler) setPassword(w http.ResponseWriter, r *http.Request) {
	var req setPasswordRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.SetPasswordWithToken(r.Context(), req.Token, req.Password); err != nil {
		h.fail(w, "set password", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, req *identityRequest) bool {
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

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "identityID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, shared.ErrNotFound)
		return 0, false
	}
	return id, true
}

func toIdentity(ident Identity) identityResponse {
	return identityResponse{
		ID:          ident.ID,
		Email:       ident.Email,
		FirstName:   ident.FirstName,
		LastName:    ident.LastName,
		HasPassword: ident.HasPassword(),
		LastLogin:   ident.LastLogin,
		CreatedAt:   ident.CreatedAt,
		UpdatedAt:   ident.UpdatedAt,
	}
}
