package token

import "time"

// RefreshToken is a persisted session credential. Only the sha256 hash of the
// opaque value is stored; the plaintext leaves the process exactly once, at
// issuance.
type RefreshToken struct {
	ID         string
	IdentityID int64
	TokenHash  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// Pair bundles the credentials returned by issuance and rotation.
type Pair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	IdentityID       int64
}
