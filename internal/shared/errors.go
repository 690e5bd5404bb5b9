package shared

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure without naming the failed check.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrPasswordNotSet indicates the account exists but no password has been established yet.
	ErrPasswordNotSet = errors.New("password not set")
	// ErrUnauthenticated indicates an invalid, expired, or malformed credential or token.
	ErrUnauthenticated = errors.New("invalid or expired token")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrDuplicateName indicates a role or permission name collision.
	ErrDuplicateName = errors.New("name already exists")
	// ErrDuplicateEmail indicates an identity email collision.
	ErrDuplicateEmail = errors.New("email already in use")
	// ErrProtectedRole indicates an attempt to delete or rename the protected role,
	// or to strip permissions from it.
	ErrProtectedRole = errors.New("role is protected")
	// ErrProtectedIdentity indicates an attempt to mutate an identity holding the protected role.
	ErrProtectedIdentity = errors.New("identity holds the protected role")
	// ErrUnknownRole indicates a referenced role id does not exist.
	ErrUnknownRole = errors.New("one or more roles not found")
	// ErrUnknownPermission indicates a referenced permission id does not exist.
	ErrUnknownPermission = errors.New("one or more permissions not found")
	// ErrTooManyAttempts indicates the login rate limit was hit.
	ErrTooManyAttempts = errors.New("too many login attempts")
)
