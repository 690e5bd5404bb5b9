package token

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/authcore/authcore/internal/platform/db"
	"github.com/authcore/authcore/internal/shared"
)

// Repository defines persistence for refresh tokens.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
	Insert(ctx context.Context, tok *RefreshToken) error
	FindByHash(ctx context.Context, hash string) (*RefreshToken, error)
	// DeleteByHash removes the token in a single statement and returns the
	// deleted record. Exactly one of two concurrent presenters of the same
	// token observes the row; the other gets ErrNotFound.
	DeleteByHash(ctx context.Context, hash string) (*RefreshToken, error)
	DeleteByIdentity(ctx context.Context, identityID int64) error
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

type dbtx interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db   dbtx
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: pool, pool: pool}
}

// WithTx runs fn against a transaction-bound copy of the repository.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &PGRepository{db: tx, pool: r.pool})
	})
}

// Insert stores a new refresh token record.
func (r *PGRepository) Insert(ctx context.Context, tok *RefreshToken) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO refresh_tokens (id, identity_id, token_hash, expires_at) VALUES ($1, $2, $3, $4)`,
		tok.ID, tok.IdentityID, tok.TokenHash, tok.ExpiresAt)
	return err
}

// FindByHash looks up a token by its stored hash.
func (r *PGRepository) FindByHash(ctx context.Context, hash string) (*RefreshToken, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, identity_id, token_hash, expires_at, created_at FROM refresh_tokens WHERE token_hash = $1`,
		hash)
	return scanRefreshToken(row)
}

// DeleteByHash deletes and returns the token in one atomic statement.
func (r *PGRepository) DeleteByHash(ctx context.Context, hash string) (*RefreshToken, error) {
	row := r.db.QueryRow(ctx,
		`DELETE FROM refresh_tokens WHERE token_hash = $1 RETURNING id, identity_id, token_hash, expires_at, created_at`,
		hash)
	return scanRefreshToken(row)
}

// DeleteByIdentity removes every session of an identity.
func (r *PGRepository) DeleteByIdentity(ctx context.Context, identityID int64) error {
	_, err := r.db.Exec(ctx, `DELETE FROM refresh_tokens WHERE identity_id = $1`, identityID)
	return err
}

// DeleteExpired prunes tokens that expired before the cutoff.
func (r *PGRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanRefreshToken(row pgx.Row) (*RefreshToken, error) {
	var tok RefreshToken
	if err := row.Scan(&tok.ID, &tok.IdentityID, &tok.TokenHash, &tok.ExpiresAt, &tok.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &tok, nil
}

var _ Repository = (*PGRepository)(nil)
