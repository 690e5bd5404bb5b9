package identity

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/authcore/authcore/internal/shared"
)

// Permission names guarding the identity admin surface.
const (
	PermUsersView   = "USERS.VIEW"
	PermUsersManage = "USERS.MANAGE"
)

// DefaultRoleName is granted to every newly created identity.
const DefaultRoleName = "BASIC_EMPLOYEE"

// Identity is an account in the credential store. PasswordHash is nil until
// the owner completes the password-set flow.
type Identity struct {
	ID           int64
	Email        string
	PasswordHash *string
	FirstName    string
	LastName     string
	LastLogin    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasPassword reports whether the identity can authenticate with a password.
func (i Identity) HasPassword() bool {
	return i.PasswordHash != nil && *i.PasswordHash != ""
}

// ResetToken is a single-use password-set token. Only the hash is stored.
type ResetToken struct {
	ID         string
	IdentityID int64
	TokenHash  string
	ExpiresAt  time.Time
	Used       bool
	CreatedAt  time.Time
}

// NormalizeEmail lowercases and validates an email address.
func NormalizeEmail(email string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(email))
	if trimmed == "" {
		return "", fmt.Errorf("%w: email is required", shared.ErrValidation)
	}
	addr, err := mail.ParseAddress(trimmed)
	if err != nil || addr.Address != trimmed {
		return "", fmt.Errorf("%w: invalid email address", shared.ErrValidation)
	}
	return trimmed, nil
}

const minPasswordLength = 8

// ValidatePassword enforces the minimum password policy.
func ValidatePassword(password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", shared.ErrValidation, minPasswordLength)
	}
	return nil
}
