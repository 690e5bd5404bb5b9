package auth

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/authcore/authcore/internal/platform/httpx"
	"github.com/authcore/authcore/internal/shared"
)

// Handler wires HTTP endpoints for authentication flows. Refresh tokens
// travel in an HttpOnly cookie; access tokens in the response body.
type Handler struct {
	logger       *slog.Logger
	service      *Service
	cookieName   string
	cookieSecure bool
	validator    *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service, cookieName string, cookieSecure bool) *Handler {
	return &Handler{
		logger:       logger,
		service:      service,
		cookieName:   cookieName,
		cookieSecure: cookieSecure,
		validator:    validator.New(),
	}
}

// MountRoutes registers the unauthenticated auth endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/login", h.login)
	r.Post("/refresh", h.refresh)
	r.Post("/logout", h.logout)
}

// MountProtectedRoutes registers endpoints that require an authenticated
// caller.
func (h *Handler) MountProtectedRoutes(r chi.Router) {
	r.Post("/logout-all", h.logoutAll)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type sessionResponse struct {
	Identity    identityView `json:"identity"`
	AccessToken string       `json:"accessToken"`
	ExpiresAt   time.Time    `json:"expiresAt"`
	Roles       []string     `json:"roles"`
	Permissions []string     `json:"permissions"`
}

type identityView struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		// Malformed credentials are indistinguishable from wrong ones.
		httpx.RespondError(w, shared.ErrInvalidCredentials)
		return
	}
	session, err := h.service.Login(r.Context(), req.Email, req.Password, clientIP(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.writeSession(w, session)
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(h.cookieName)
	if err != nil {
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return
	}
	session, err := h.service.Refresh(r.Context(), cookie.Value)
	if err != nil {
		h.clearCookie(w)
		httpx.RespondError(w, err)
		return
	}
	h.writeSession(w, session)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(h.cookieName); err == nil {
		if err := h.service.Logout(r.Context(), cookie.Value); err != nil {
			h.logger.Warn("logout", slog.Any("error", err))
		}
	}
	h.clearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) logoutAll(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return
	}
	if err := h.service.LogoutAll(r.Context(), principal.IdentityID); err != nil {
		h.logger.Error("logout all", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	h.clearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeSession(w http.ResponseWriter, session *Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    session.Pair.RefreshToken,
		Path:     "/",
		Expires:  session.Pair.RefreshExpiresAt,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
	httpx.JSON(w, http.StatusOK, sessionResponse{
		Identity: identityView{
			ID:        session.Identity.ID,
			Email:     session.Identity.Email,
			FirstName: session.Identity.FirstName,
			LastName:  session.Identity.LastName,
		},
		AccessToken: session.Pair.AccessToken,
		ExpiresAt:   session.Pair.AccessExpiresAt,
		Roles:       session.Access.Roles,
		Permissions: session.Access.Permissions,
	})
}

// clientIP trusts RemoteAddr; the RealIP middleware has already rewritten it
// from forwarding headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}
