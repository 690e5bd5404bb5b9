package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/authcore/authcore/internal/shared"
)

const accessTokenType = "access"

// AccessClaims are the claims embedded in signed access tokens.
type AccessClaims struct {
	IdentityID int64  `json:"uid"`
	TokenType  string `json:"typ"`
	jwt.RegisteredClaims
}

// AccessTokens signs and verifies short-lived bearer tokens. Verification is
// purely cryptographic and time based; it never touches storage.
type AccessTokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewAccessTokens constructs an access token signer/verifier.
func NewAccessTokens(secret string, issuer string, ttl time.Duration) *AccessTokens {
	return &AccessTokens{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (a *AccessTokens) WithClock(now func() time.Time) *AccessTokens {
	if now != nil {
		a.now = now
	}
	return a
}

// TTL exposes the configured access token lifetime.
func (a *AccessTokens) TTL() time.Duration {
	return a.ttl
}

// Issue signs a token for the given identity. No side effects beyond signing.
func (a *AccessTokens) Issue(identityID int64) (string, time.Time, error) {
	now := a.now()
	expiresAt := now.Add(a.ttl)
	claims := AccessClaims{
		IdentityID: identityID,
		TokenType:  accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify checks signature, expiry, and the token type discriminator.
// Every failure collapses into ErrUnauthenticated so the caller cannot
// distinguish a tampered token from an expired one.
func (a *AccessTokens) Verify(signed string) (*AccessClaims, error) {
	parsed, err := jwt.ParseWithClaims(signed, &AccessClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, shared.ErrUnauthenticated
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(a.issuer))
	if err != nil {
		return nil, shared.ErrUnauthenticated
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return nil, shared.ErrUnauthenticated
	}
	if claims.TokenType != accessTokenType || claims.IdentityID == 0 {
		return nil, shared.ErrUnauthenticated
	}
	return claims, nil
}
