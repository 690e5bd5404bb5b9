package auth

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/authcore/authcore/internal/identity"
	"github.com/authcore/authcore/internal/rbac"
	"github.com/authcore/authcore/internal/shared"
	"github.com/authcore/authcore/internal/token"
)

type memTokenRepo struct {
	byHash map[string]*token.RefreshToken
}

func newMemTokenRepo() *memTokenRepo {
	return &memTokenRepo{byHash: make(map[string]*token.RefreshToken)}
}

func (m *memTokenRepo) WithTx(ctx context.Context, fn func(context.Context, token.Repository) error) error {
	return fn(ctx, m)
}

func (m *memTokenRepo) Insert(_ context.Context, tok *token.RefreshToken) error {
	copied := *tok
	m.byHash[tok.TokenHash] = &copied
	return nil
}

func (m *memTokenRepo) FindByHash(_ context.Context, hash string) (*token.RefreshToken, error) {
	tok, ok := m.byHash[hash]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copied := *tok
	return &copied, nil
}

func (m *memTokenRepo) DeleteByHash(_ context.Context, hash string) (*token.RefreshToken, error) {
	tok, ok := m.byHash[hash]
	if !ok {
		return nil, shared.ErrNotFound
	}
	delete(m.byHash, hash)
	return tok, nil
}

func (m *memTokenRepo) DeleteByIdentity(_ context.Context, identityID int64) error {
	for hash, tok := range m.byHash {
		if tok.IdentityID == identityID {
			delete(m.byHash, hash)
		}
	}
	return nil
}

func (m *memTokenRepo) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for hash, tok := range m.byHash {
		if tok.ExpiresAt.Before(cutoff) {
			delete(m.byHash, hash)
			n++
		}
	}
	return n, nil
}

type stubIdentities struct {
	byEmail    map[string]*identity.Identity
	lastLogins map[int64]int
}

func newStubIdentities() *stubIdentities {
	return &stubIdentities{byEmail: make(map[string]*identity.Identity), lastLogins: make(map[int64]int)}
}

func (s *stubIdentities) add(id int64, email, password string) *identity.Identity {
	ident := &identity.Identity{ID: id, Email: email, FirstName: "Test", LastName: "User"}
	if password != "" {
		hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		hashStr := string(hash)
		ident.PasswordHash = &hashStr
	}
	s.byEmail[email] = ident
	return ident
}

func (s *stubIdentities) Get(_ context.Context, id int64) (*identity.Identity, error) {
	for _, ident := range s.byEmail {
		if ident.ID == id {
			return ident, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (s *stubIdentities) GetByEmail(_ context.Context, email string) (*identity.Identity, error) {
	ident, ok := s.byEmail[email]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return ident, nil
}

func (s *stubIdentities) RecordLogin(_ context.Context, identityID int64) error {
	s.lastLogins[identityID]++
	return nil
}

type stubResolver struct {
	access map[int64]rbac.Access
}

func (s stubResolver) ResolveEffectiveAccess(_ context.Context, identityID int64) (rbac.Access, error) {
	if access, ok := s.access[identityID]; ok {
		return access, nil
	}
	return rbac.Access{Roles: []string{}, Permissions: []string{}}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(identities IdentityDirectory, resolver AccessResolver, repo token.Repository) *Service {
	access := token.NewAccessTokens("test-secret", "authcore-test", 15*time.Minute)
	tokens := token.NewManager(repo, access, 7*24*time.Hour, discardLogger())
	limiter := NewLoginLimiter(nil, 5, time.Minute, discardLogger())
	return NewService(identities, resolver, tokens, limiter, discardLogger())
}

func TestLoginSuccess(t *testing.T) {
	identities := newStubIdentities()
	ident := identities.add(1, "jane@example.com", "correct-horse")
	resolver := stubResolver{access: map[int64]rbac.Access{
		ident.ID: {Roles: []string{"BASIC_EMPLOYEE"}, Permissions: []string{"DOCS.READ"}},
	}}
	svc := newTestService(identities, resolver, newMemTokenRepo())

	session, err := svc.Login(context.Background(), "jane@example.com", "correct-horse", "203.0.113.10")
	require.NoError(t, err)
	assert.NotEmpty(t, session.Pair.AccessToken)
	assert.NotEmpty(t, session.Pair.RefreshToken)
	assert.Equal(t, []string{"BASIC_EMPLOYEE"}, session.Access.Roles)
	assert.Equal(t, 1, identities.lastLogins[ident.ID])
}

func TestLoginUnknownEmailAndWrongPasswordLookAlike(t *testing.T) {
	identities := newStubIdentities()
	identities.add(1, "jane@example.com", "correct-horse")
	svc := newTestService(identities, stubResolver{}, newMemTokenRepo())

	_, unknownErr := svc.Login(context.Background(), "nobody@example.com", "whatever", "203.0.113.10")
	_, wrongErr := svc.Login(context.Background(), "jane@example.com", "wrong-password", "203.0.113.10")

	assert.ErrorIs(t, unknownErr, shared.ErrInvalidCredentials)
	assert.ErrorIs(t, wrongErr, shared.ErrInvalidCredentials)
	assert.Equal(t, unknownErr.Error(), wrongErr.Error())
}

func TestLoginPasswordNotSet(t *testing.T) {
	identities := newStubIdentities()
	identities.add(1, "new@example.com", "")
	svc := newTestService(identities, stubResolver{}, newMemTokenRepo())

	_, err := svc.Login(context.Background(), "new@example.com", "anything", "203.0.113.10")
	assert.ErrorIs(t, err, shared.ErrPasswordNotSet)
}

func TestRefreshRotatesAndReResolvesAccess(t *testing.T) {
	identities := newStubIdentities()
	ident := identities.add(1, "jane@example.com", "correct-horse")
	resolver := stubResolver{access: map[int64]rbac.Access{
		ident.ID: {Roles: []string{"BASIC_EMPLOYEE"}, Permissions: []string{"DOCS.READ"}},
	}}
	repo := newMemTokenRepo()
	svc := newTestService(identities, resolver, repo)

	session, err := svc.Login(context.Background(), "jane@example.com", "correct-horse", "203.0.113.10")
	require.NoError(t, err)

	// Role changes after login surface on the next refresh.
	resolver.access[ident.ID] = rbac.Access{Roles: []string{"EDITOR"}, Permissions: []string{"DOCS.WRITE"}}

	next, err := svc.Refresh(context.Background(), session.Pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, session.Pair.RefreshToken, next.Pair.RefreshToken)
	assert.Equal(t, []string{"EDITOR"}, next.Access.Roles)

	// The rotated-out token is dead; presenting it again is refused.
	_, err = svc.Refresh(context.Background(), session.Pair.RefreshToken)
	assert.ErrorIs(t, err, shared.ErrUnauthenticated)
}

func TestLogoutIsIdempotent(t *testing.T) {
	identities := newStubIdentities()
	identities.add(1, "jane@example.com", "correct-horse")
	svc := newTestService(identities, stubResolver{}, newMemTokenRepo())

	session, err := svc.Login(context.Background(), "jane@example.com", "correct-horse", "203.0.113.10")
	require.NoError(t, err)

	require.NoError(t, svc.Logout(context.Background(), session.Pair.RefreshToken))
	require.NoError(t, svc.Logout(context.Background(), session.Pair.RefreshToken))

	_, err = svc.Refresh(context.Background(), session.Pair.RefreshToken)
	assert.ErrorIs(t, err, shared.ErrUnauthenticated)
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	identities := newStubIdentities()
	ident := identities.add(1, "jane@example.com", "correct-horse")
	repo := newMemTokenRepo()
	svc := newTestService(identities, stubResolver{}, repo)

	first, err := svc.Login(context.Background(), "jane@example.com", "correct-horse", "203.0.113.10")
	require.NoError(t, err)
	second, err := svc.Login(context.Background(), "jane@example.com", "correct-horse", "203.0.113.10")
	require.NoError(t, err)

	require.NoError(t, svc.LogoutAll(context.Background(), ident.ID))

	_, err = svc.Refresh(context.Background(), first.Pair.RefreshToken)
	assert.ErrorIs(t, err, shared.ErrUnauthenticated)
	_, err = svc.Refresh(context.Background(), second.Pair.RefreshToken)
	assert.ErrorIs(t, err, shared.ErrUnauthenticated)
}
