package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/authcore/authcore/internal/identity"
	"github.com/authcore/authcore/internal/rbac"
	"github.com/authcore/authcore/internal/shared"
	"github.com/authcore/authcore/internal/token"
)

// IdentityDirectory exposes the identity lookups authentication needs.
type IdentityDirectory interface {
	Get(ctx context.Context, id int64) (*identity.Identity, error)
	GetByEmail(ctx context.Context, email string) (*identity.Identity, error)
	RecordLogin(ctx context.Context, identityID int64) error
}

// AccessResolver computes an identity's effective roles and permissions.
type AccessResolver interface {
	ResolveEffectiveAccess(ctx context.Context, identityID int64) (rbac.Access, error)
}

// Service orchestrates login, refresh rotation and logout.
type Service struct {
	identities IdentityDirectory
	access     AccessResolver
	tokens     *token.Manager
	limiter    *LoginLimiter
	logger     *slog.Logger
}

// NewService constructs a Service.
func NewService(identities IdentityDirectory, access AccessResolver, tokens *token.Manager, limiter *LoginLimiter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		identities: identities,
		access:     access,
		tokens:     tokens,
		limiter:    limiter,
		logger:     logger,
	}
}

// Session is the result of a successful login or refresh.
type Session struct {
	Identity identity.Identity
	Pair     token.Pair
	Access   rbac.Access
}

// Login validates credentials and issues a fresh token pair. Unknown email
// and wrong password collapse into the same error so callers cannot enumerate
// which accounts exist. An account whose password was never set is reported
// distinctly; that state is not an account-existence oracle because only
// provisioned accounts can reach it.
func (s *Service) Login(ctx context.Context, email, password, clientIP string) (*Session, error) {
	if err := s.limiter.Allow(ctx, email, clientIP); err != nil {
		return nil, err
	}
	ident, err := s.identities.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) || errors.Is(err, shared.ErrValidation) {
			s.limiter.RecordFailure(ctx, email, clientIP)
			return nil, shared.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("auth: find identity: %w", err)
	}
	if !ident.HasPassword() {
		return nil, shared.ErrPasswordNotSet
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*ident.PasswordHash), []byte(password)); err != nil {
		s.limiter.RecordFailure(ctx, email, clientIP)
		return nil, shared.ErrInvalidCredentials
	}
	s.limiter.Reset(ctx, email, clientIP)

	access, err := s.access.ResolveEffectiveAccess(ctx, ident.ID)
	if err != nil {
		return nil, fmt.Errorf("auth: resolve access: %w", err)
	}
	pair, err := s.tokens.IssuePair(ctx, ident.ID)
	if err != nil {
		return nil, fmt.Errorf("auth: issue tokens: %w", err)
	}
	if err := s.identities.RecordLogin(ctx, ident.ID); err != nil {
		s.logger.Warn("record last login", slog.Int64("identity_id", ident.ID), slog.Any("error", err))
	}
	s.logger.Info("login", slog.Int64("identity_id", ident.ID))
	return &Session{Identity: *ident, Pair: *pair, Access: access}, nil
}

// Refresh rotates a refresh token and re-resolves access so role changes
// made since login take effect on the new access token's lifetime.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	pair, err := s.tokens.Rotate(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	ident, err := s.identities.Get(ctx, pair.IdentityID)
	if err != nil {
		// The identity vanished between rotation and lookup. Treat the
		// session as dead rather than leak the reason.
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrUnauthenticated
		}
		return nil, fmt.Errorf("auth: find identity: %w", err)
	}
	access, err := s.access.ResolveEffectiveAccess(ctx, pair.IdentityID)
	if err != nil {
		return nil, fmt.Errorf("auth: resolve access: %w", err)
	}
	return &Session{Identity: *ident, Pair: *pair, Access: access}, nil
}

// Logout revokes the presented refresh token. Already-revoked and unknown
// tokens succeed so logout is idempotent.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	return s.tokens.RevokeOne(ctx, refreshToken)
}

// LogoutAll revokes every session the identity holds.
func (s *Service) LogoutAll(ctx context.Context, identityID int64) error {
	if err := s.tokens.RevokeAllForIdentity(ctx, identityID); err != nil {
		return err
	}
	s.logger.Info("all sessions revoked", slog.Int64("identity_id", identityID))
	return nil
}
