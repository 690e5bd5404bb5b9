package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/authcore/authcore/internal/shared"
)

// Manager owns the refresh token lifecycle: issuance, validation,
// rotation-on-use, and revocation. Validity is always re-checked against the
// store; nothing is cached in process.
type Manager struct {
	repo       Repository
	access     *AccessTokens
	refreshTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewManager constructs a Manager.
func NewManager(repo Repository, access *AccessTokens, refreshTTL time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repo:       repo,
		access:     access,
		refreshTTL: refreshTTL,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	if now != nil {
		m.now = now
	}
	return m
}

// Access exposes the access token signer/verifier.
func (m *Manager) Access() *AccessTokens {
	return m.access
}

// RefreshTTL exposes the configured refresh token lifetime.
func (m *Manager) RefreshTTL() time.Duration {
	return m.refreshTTL
}

// IssuePair issues a fresh access/refresh pair for the identity.
func (m *Manager) IssuePair(ctx context.Context, identityID int64) (*Pair, error) {
	accessToken, accessExp, err := m.access.Issue(identityID)
	if err != nil {
		return nil, fmt.Errorf("token: sign access token: %w", err)
	}
	plaintext, rec, err := m.issueRefresh(ctx, m.repo, identityID)
	if err != nil {
		return nil, err
	}
	return &Pair{
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExp,
		RefreshToken:     plaintext,
		RefreshExpiresAt: rec.ExpiresAt,
		IdentityID:       identityID,
	}, nil
}

// ValidateRefresh hashes the presented value, looks it up, and checks expiry.
// Failures collapse into ErrUnauthenticated; the distinction is logged only.
func (m *Manager) ValidateRefresh(ctx context.Context, plaintext string) (*RefreshToken, error) {
	if plaintext == "" {
		return nil, shared.ErrUnauthenticated
	}
	rec, err := m.repo.FindByHash(ctx, HashOpaque(plaintext))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			m.logger.Debug("refresh token not found")
			return nil, shared.ErrUnauthenticated
		}
		return nil, fmt.Errorf("token: lookup refresh token: %w", err)
	}
	if !m.now().Before(rec.ExpiresAt) {
		m.logger.Debug("refresh token expired", slog.Int64("identity_id", rec.IdentityID))
		return nil, shared.ErrUnauthenticated
	}
	return rec, nil
}

// Rotate exchanges a refresh token for a new access/refresh pair. The
// presented token is deleted and replaced inside one transaction; if two
// requests race on the same token, the atomic delete lets exactly one win and
// the loser surfaces ErrUnauthenticated, which doubles as replay detection.
func (m *Manager) Rotate(ctx context.Context, plaintext string) (*Pair, error) {
	if plaintext == "" {
		return nil, shared.ErrUnauthenticated
	}
	var pair *Pair
	err := m.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		old, err := repo.DeleteByHash(ctx, HashOpaque(plaintext))
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				m.logger.Warn("refresh token reuse or unknown token presented")
				return shared.ErrUnauthenticated
			}
			return fmt.Errorf("token: delete refresh token: %w", err)
		}
		if !m.now().Before(old.ExpiresAt) {
			m.logger.Debug("refresh token expired at rotation", slog.Int64("identity_id", old.IdentityID))
			return shared.ErrUnauthenticated
		}
		accessToken, accessExp, err := m.access.Issue(old.IdentityID)
		if err != nil {
			return fmt.Errorf("token: sign access token: %w", err)
		}
		refreshPlain, rec, err := m.issueRefresh(ctx, repo, old.IdentityID)
		if err != nil {
			return err
		}
		pair = &Pair{
			AccessToken:      accessToken,
			AccessExpiresAt:  accessExp,
			RefreshToken:     refreshPlain,
			RefreshExpiresAt: rec.ExpiresAt,
			IdentityID:       old.IdentityID,
		}
		return nil
	})
	if err != nil {
		// Under RepeatableRead two presenters of the same token cannot
		// both commit: the loser's delete aborts with a serialization
		// failure instead of seeing zero rows. Same race, same answer.
		if isSerializationFailure(err) {
			m.logger.Warn("refresh token rotation lost a concurrent race")
			return nil, shared.ErrUnauthenticated
		}
		return nil, err
	}
	return pair, nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

// RevokeOne deletes a single session. Revoking an absent token is not an error.
func (m *Manager) RevokeOne(ctx context.Context, plaintext string) error {
	if plaintext == "" {
		return nil
	}
	if _, err := m.repo.DeleteByHash(ctx, HashOpaque(plaintext)); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("token: revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAllForIdentity deletes every session of the identity.
func (m *Manager) RevokeAllForIdentity(ctx context.Context, identityID int64) error {
	if err := m.repo.DeleteByIdentity(ctx, identityID); err != nil {
		return fmt.Errorf("token: revoke sessions: %w", err)
	}
	return nil
}

// PruneExpired removes refresh tokens past their expiry. Expired tokens are
// already unusable; this just keeps the table from growing without bound.
func (m *Manager) PruneExpired(ctx context.Context) (int64, error) {
	removed, err := m.repo.DeleteExpired(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("token: prune expired: %w", err)
	}
	return removed, nil
}

func (m *Manager) issueRefresh(ctx context.Context, repo Repository, identityID int64) (string, *RefreshToken, error) {
	plaintext, hash, err := NewOpaque()
	if err != nil {
		return "", nil, err
	}
	rec := &RefreshToken{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		TokenHash:  hash,
		ExpiresAt:  m.now().Add(m.refreshTTL),
	}
	if err := repo.Insert(ctx, rec); err != nil {
		return "", nil, fmt.Errorf("token: store refresh token: %w", err)
	}
	return plaintext, rec, nil
}
