package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authcore/authcore/internal/rbac"
	"github.com/authcore/authcore/internal/shared"
	"github.com/authcore/authcore/internal/token"
)

const testCookieName = "authcore_session"

func newTestAuthenticator(identities *stubIdentities, resolver stubResolver) (*Authenticator, *token.Manager) {
	access := token.NewAccessTokens("test-secret", "authcore-test", 15*time.Minute)
	tokens := token.NewManager(newMemTokenRepo(), access, 7*24*time.Hour, discardLogger())
	return NewAuthenticator(identities, resolver, tokens, testCookieName, discardLogger()), tokens
}

func capturePrincipalHandler(t *testing.T, gotPrincipal *shared.Principal) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := shared.PrincipalFromContext(r.Context())
		require.True(t, ok)
		*gotPrincipal = principal
		w.WriteHeader(http.StatusNoContent)
	})
}

func authedRequest(accessToken, refreshToken string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if refreshToken != "" {
		req.AddCookie(&http.Cookie{Name: testCookieName, Value: refreshToken})
	}
	return req
}

func TestRequireAcceptsLiveSession(t *testing.T) {
	identities := newStubIdentities()
	identities.add(1, "jane@example.com", "correct-horse")
	resolver := stubResolver{access: map[int64]rbac.Access{
		1: {Roles: []string{"BASIC_EMPLOYEE"}, Permissions: []string{"USERS.VIEW"}},
	}}
	authenticator, tokens := newTestAuthenticator(identities, resolver)

	pair, err := tokens.IssuePair(context.Background(), 1)
	require.NoError(t, err)

	var principal shared.Principal
	rr := httptest.NewRecorder()
	authenticator.Require(capturePrincipalHandler(t, &principal)).
		ServeHTTP(rr, authedRequest(pair.AccessToken, pair.RefreshToken))

	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, int64(1), principal.IdentityID)
	assert.Equal(t, "jane@example.com", principal.Email)
	assert.Equal(t, []string{"BASIC_EMPLOYEE"}, principal.Roles)
	assert.True(t, principal.HasPermission("USERS.VIEW"))
}

func TestRequireRejectsMissingCookie(t *testing.T) {
	identities := newStubIdentities()
	identities.add(1, "jane@example.com", "correct-horse")
	authenticator, tokens := newTestAuthenticator(identities, stubResolver{})

	pair, err := tokens.IssuePair(context.Background(), 1)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	authenticator.Require(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	})).ServeHTTP(rr, authedRequest(pair.AccessToken, ""))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRequireRejectsCrossIdentitySession(t *testing.T) {
	identities := newStubIdentities()
	identities.add(1, "jane@example.com", "correct-horse")
	identities.add(2, "john@example.com", "battery-staple")
	authenticator, tokens := newTestAuthenticator(identities, stubResolver{})

	janePair, err := tokens.IssuePair(context.Background(), 1)
	require.NoError(t, err)
	johnPair, err := tokens.IssuePair(context.Background(), 2)
	require.NoError(t, err)

	// Jane's access token paired with John's session cookie.
	rr := httptest.NewRecorder()
	authenticator.Require(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	})).ServeHTTP(rr, authedRequest(janePair.AccessToken, johnPair.RefreshToken))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRequireRejectsRevokedSessionImmediately(t *testing.T) {
	identities := newStubIdentities()
	identities.add(1, "jane@example.com", "correct-horse")
	authenticator, tokens := newTestAuthenticator(identities, stubResolver{})

	pair, err := tokens.IssuePair(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, tokens.RevokeAllForIdentity(context.Background(), 1))

	// The access token is still cryptographically valid; the dead session
	// must reject the request anyway.
	rr := httptest.NewRecorder()
	authenticator.Require(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	})).ServeHTTP(rr, authedRequest(pair.AccessToken, pair.RefreshToken))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRequireFailuresAreUniform(t *testing.T) {
	identities := newStubIdentities()
	identities.add(1, "jane@example.com", "correct-horse")
	authenticator, tokens := newTestAuthenticator(identities, stubResolver{})

	pair, err := tokens.IssuePair(context.Background(), 1)
	require.NoError(t, err)

	requests := []*http.Request{
		authedRequest("", pair.RefreshToken),
		authedRequest("garbage-token", pair.RefreshToken),
		authedRequest(pair.AccessToken, ""),
		authedRequest(pair.AccessToken, "garbage-cookie"),
	}
	inner := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	})

	var bodies []string
	for _, req := range requests {
		rr := httptest.NewRecorder()
		authenticator.Require(inner).ServeHTTP(rr, req)
		require.Equal(t, http.StatusUnauthorized, rr.Code)
		bodies = append(bodies, rr.Body.String())
	}
	for _, body := range bodies[1:] {
		assert.Equal(t, bodies[0], body)
	}
}
