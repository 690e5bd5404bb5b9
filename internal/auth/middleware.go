package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/authcore/authcore/internal/platform/httpx"
	"github.com/authcore/authcore/internal/shared"
	"github.com/authcore/authcore/internal/token"
)

// Authenticator authenticates requests and loads the caller's principal.
type Authenticator struct {
	identities IdentityDirectory
	access     AccessResolver
	tokens     *token.Manager
	cookieName string
	logger     *slog.Logger
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(identities IdentityDirectory, access AccessResolver, tokens *token.Manager, cookieName string, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		identities: identities,
		access:     access,
		tokens:     tokens,
		cookieName: cookieName,
		logger:     logger,
	}
}

// Require verifies the bearer access token and the session cookie, then puts
// the caller's principal into the request context. The cookie check ties
// stateless access tokens back to a live session, so revoking sessions cuts
// API access without waiting for the access token to expire. All failure
// modes produce the same response.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.tokens.Access().Verify(bearerToken(r))
		if err != nil {
			a.unauthenticated(w, "access token rejected", err)
			return
		}
		identityID := claims.IdentityID
		cookie, err := r.Cookie(a.cookieName)
		if err != nil {
			a.unauthenticated(w, "session cookie missing", err)
			return
		}
		session, err := a.tokens.ValidateRefresh(r.Context(), cookie.Value)
		if err != nil {
			a.unauthenticated(w, "session rejected", err)
			return
		}
		if session.IdentityID != identityID {
			a.unauthenticated(w, "token and session identity mismatch", nil)
			return
		}
		ident, err := a.identities.Get(r.Context(), identityID)
		if err != nil {
			a.unauthenticated(w, "identity lookup failed", err)
			return
		}
		access, err := a.access.ResolveEffectiveAccess(r.Context(), identityID)
		if err != nil {
			a.logger.Error("resolve access", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "")
			return
		}
		principal := shared.Principal{
			IdentityID:  ident.ID,
			Email:       ident.Email,
			Roles:       access.Roles,
			Permissions: access.Permissions,
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithPrincipal(r.Context(), principal)))
	})
}

func (a *Authenticator) unauthenticated(w http.ResponseWriter, reason string, err error) {
	a.logger.Debug("request unauthenticated", slog.String("reason", reason), slog.Any("error", err))
	httpx.RespondError(w, shared.ErrUnauthenticated)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
