package rbac

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/authcore/authcore/internal/shared"
)

// Role represents a named bundle of permissions assignable to identities.
// A protected role (the super administrator) cannot be deleted or renamed,
// and permissions are never removed from it.
type Role struct {
	ID          int64
	Name        string
	Description string
	IsProtected bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission represents an atomic named capability.
type Permission struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RoleWithPermissions bundles a role together with its granted permissions.
type RoleWithPermissions struct {
	Role
	Permissions []Permission
}

// Access is the resolved view of an identity: deduplicated role and
// permission names across every role the identity holds.
type Access struct {
	Roles       []string
	Permissions []string
}

var namePattern = regexp.MustCompile(`^[A-Z0-9._]+$`)

// NormalizeName trims, uppercases, and validates a role or permission name.
func NormalizeName(name string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	if normalized == "" {
		return "", fmt.Errorf("%w: name is required", shared.ErrValidation)
	}
	if !namePattern.MatchString(normalized) {
		return "", fmt.Errorf("%w: name can only contain uppercase letters, numbers, underscores, and periods", shared.ErrValidation)
	}
	return normalized, nil
}
