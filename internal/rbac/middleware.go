package rbac

import (
	"log/slog"
	"net/http"

	"github.com/authcore/authcore/internal/platform/httpx"
	"github.com/authcore/authcore/internal/shared"
)

// Middleware wires RBAC authorization guards for HTTP handlers. It reads the
// principal resolved by the authentication middleware; permissions were
// resolved fresh for this request, so no staleness window exists here.
type Middleware struct {
	Logger *slog.Logger
}

// RequireAny admits the request when the principal holds at least one of the
// named permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := shared.PrincipalFromContext(r.Context())
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
				return
			}
			for _, perm := range perms {
				if principal.HasPermission(perm) {
					next.ServeHTTP(w, r)
					return
				}
			}
			if m.Logger != nil {
				m.Logger.Warn("permission denied",
					slog.Int64("identity_id", principal.IdentityID),
					slog.Any("required", perms))
			}
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "insufficient permissions")
		})
	}
}
