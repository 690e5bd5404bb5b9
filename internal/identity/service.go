package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/authcore/authcore/internal/shared"
	"github.com/authcore/authcore/internal/token"
)

// RoleDirectory exposes the one role-graph query identity management needs.
type RoleDirectory interface {
	HasProtectedRole(ctx context.Context, identityID int64) (bool, error)
}

// Service manages identity lifecycle and the password-set flow.
type Service struct {
	repo       Repository
	roles      RoleDirectory
	resetTTL   time.Duration
	bcryptCost int
	logger     *slog.Logger
	now        func() time.Time
}

// NewService constructs a Service.
func NewService(repo Repository, roles RoleDirectory, resetTTL time.Duration, bcryptCost int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		repo:       repo,
		roles:      roles,
		resetTTL:   resetTTL,
		bcryptCost: bcryptCost,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create inserts an identity with no password, grants it the default role and
// issues a password-set token, all in one transaction. The plaintext token is
// returned exactly once; only its hash is stored.
func (s *Service) Create(ctx context.Context, email, firstName, lastName string) (*Identity, string, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return nil, "", err
	}
	firstName = strings.TrimSpace(firstName)
	lastName = strings.TrimSpace(lastName)
	if firstName == "" || lastName == "" {
		return nil, "", fmt.Errorf("%w: first and last name are required", shared.ErrValidation)
	}

	var (
		created   *Identity
		plaintext string
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		ident, err := repo.Create(ctx, normalized, firstName, lastName)
		if err != nil {
			return err
		}
		if err := repo.GrantRoleByName(ctx, ident.ID, DefaultRoleName); err != nil {
			return fmt.Errorf("identity: grant default role: %w", err)
		}
		plaintext, err = s.issueResetToken(ctx, repo, ident.ID)
		if err != nil {
			return err
		}
		created = ident
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	s.logger.Info("identity created", slog.Int64("identity_id", created.ID))
	return created, plaintext, nil
}

// Get fetches one identity.
func (s *Service) Get(ctx context.Context, id int64) (*Identity, error) {
	return s.repo.GetByID(ctx, id)
}

// GetByEmail fetches one identity by normalized email.
func (s *Service) GetByEmail(ctx context.Context, email string) (*Identity, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	return s.repo.GetByEmail(ctx, normalized)
}

// IdentityWithRoles pairs an identity with its role names for listings.
type IdentityWithRoles struct {
	Identity
	Roles []string
}

// List returns a page of identities with their role names.
func (s *Service) List(ctx context.Context, page, perPage int) ([]IdentityWithRoles, shared.Pagination, error) {
	p := shared.NewPagination(page, perPage, 0)
	identities, total, err := s.repo.List(ctx, p.PerPage, p.Offset())
	if err != nil {
		return nil, shared.Pagination{}, fmt.Errorf("identity: list: %w", err)
	}
	ids := make([]int64, 0, len(identities))
	for _, ident := range identities {
		ids = append(ids, ident.ID)
	}
	roleNames, err := s.repo.RoleNames(ctx, ids)
	if err != nil {
		return nil, shared.Pagination{}, fmt.Errorf("identity: list roles: %w", err)
	}
	out := make([]IdentityWithRoles, 0, len(identities))
	for _, ident := range identities {
		names := roleNames[ident.ID]
		if names == nil {
			names = []string{}
		}
		out = append(out, IdentityWithRoles{Identity: ident, Roles: names})
	}
	return out, shared.NewPagination(p.Page, p.PerPage, total), nil
}

// Update changes an identity's email and name. Identities holding the
// protected role cannot be modified through this surface.
func (s *Service) Update(ctx context.Context, id int64, email, firstName, lastName string) (*Identity, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	if err := s.refuseProtected(ctx, id); err != nil {
		return nil, err
	}
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	firstName = strings.TrimSpace(firstName)
	lastName = strings.TrimSpace(lastName)
	if firstName == "" || lastName == "" {
		return nil, fmt.Errorf("%w: first and last name are required", shared.ErrValidation)
	}
	return s.repo.Update(ctx, id, normalized, firstName, lastName)
}

// Delete removes an identity; sessions, tokens and role links cascade away.
// Identities holding the protected role cannot be deleted.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return err
	}
	if err := s.refuseProtected(ctx, id); err != nil {
		return err
	}
	return s.repo.Delete(ctx, id)
}

// SetPasswordWithToken consumes a password-set token and establishes the
// password. Consumption and the password write commit together, so the token
// is never burned without the password landing.
func (s *Service) SetPasswordWithToken(ctx context.Context, plaintextToken, password string) error {
	if err := ValidatePassword(password); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("identity: hash password: %w", err)
	}
	tokenHash := token.HashOpaque(plaintextToken)
	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		consumed, err := repo.ConsumeResetToken(ctx, tokenHash, s.now())
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return fmt.Errorf("%w: token is invalid, expired, or already used", shared.ErrNotFound)
			}
			return fmt.Errorf("identity: consume reset token: %w", err)
		}
		if err := repo.SetPasswordHash(ctx, consumed.IdentityID, string(hash)); err != nil {
			return fmt.Errorf("identity: set password: %w", err)
		}
		return repo.InvalidateResetTokens(ctx, consumed.IdentityID)
	})
	if err != nil {
		return err
	}
	return nil
}

// ResendPasswordSetToken invalidates outstanding tokens and issues a fresh
// one. Only available while the identity has no password yet.
func (s *Service) ResendPasswordSetToken(ctx context.Context, identityID int64) (string, error) {
	ident, err := s.repo.GetByID(ctx, identityID)
	if err != nil {
		return "", err
	}
	if ident.HasPassword() {
		return "", fmt.Errorf("%w: password is already set", shared.ErrValidation)
	}
	var plaintext string
	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		if err := repo.InvalidateResetTokens(ctx, identityID); err != nil {
			return fmt.Errorf("identity: invalidate reset tokens: %w", err)
		}
		plaintext, err = s.issueResetToken(ctx, repo, identityID)
		return err
	})
	if err != nil {
		return "", err
	}
	return plaintext, nil
}

// RecordLogin stamps the identity's last successful login.
func (s *Service) RecordLogin(ctx context.Context, identityID int64) error {
	return s.repo.UpdateLastLogin(ctx, identityID, s.now())
}

func (s *Service) issueResetToken(ctx context.Context, repo Repository, identityID int64) (string, error) {
	plaintext, hash, err := token.NewOpaque()
	if err != nil {
		return "", fmt.Errorf("identity: generate reset token: %w", err)
	}
	err = repo.InsertResetToken(ctx, ResetToken{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		TokenHash:  hash,
		ExpiresAt:  s.now().Add(s.resetTTL),
	})
	if err != nil {
		return "", fmt.Errorf("identity: store reset token: %w", err)
	}
	return plaintext, nil
}

func (s *Service) refuseProtected(ctx context.Context, identityID int64) error {
	protected, err := s.roles.HasProtectedRole(ctx, identityID)
	if err != nil {
		return fmt.Errorf("identity: check protected role: %w", err)
	}
	if protected {
		return shared.ErrProtectedIdentity
	}
	return nil
}
