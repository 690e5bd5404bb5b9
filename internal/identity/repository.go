package identity

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

// Repository defines persistence for identities and their password-set tokens.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error

	Create(ctx context.Context, email, firstName, lastName string) (*Identity, error)
	GetByID(ctx context.Context, id int64) (*Identity, error)
	GetByEmail(ctx context.Context, email string) (*Identity, error)
	List(ctx context.Context, limit, offset int) ([]Identity, int, error)
	Update(ctx context.Context, id int64, email, firstName, lastName string) (*Identity, error)
	Delete(ctx context.Context, id int64) error

	RoleNames(ctx context.Context, identityIDs []int64) (map[int64][]string, error)

	SetPasswordHash(ctx context.Context, id int64, hash string) error
	UpdateLastLogin(ctx context.Context, id int64, at time.Time) error
	GrantRoleByName(ctx context.Context, identityID int64, roleName string) error

	InsertResetToken(ctx context.Context, token ResetToken) error
	ConsumeResetToken(ctx context.Context, tokenHash string, now time.Time) (*ResetToken, error)
	InvalidateResetTokens(ctx context.Context, identityID int64) error
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

const identityColumns = `id, email, password_hash, first_name, last_name, last_login, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, email, firstName, lastName string) (*Identity, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO identities (email, first_name, last_name)
		VALUES ($1, $2, $3)
		RETURNING `+identityColumns,
		email, firstName, lastName)
	ident, err := scanIdentity(row)
	if err != nil {
		return nil, mapUniqueEmail(err)
	}
	return ident, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id int64) (*Identity, error) {
	row := r.db.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1`, id)
	return scanIdentity(row)
}

func (r *PGRepository) GetByEmail(ctx context.Context, email string) (*Identity, error) {
	row := r.db.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE email = $1`, email)
	return scanIdentity(row)
}

func (r *PGRepository) List(ctx context.Context, limit, offset int) ([]Identity, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM identities`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+identityColumns+`
		FROM identities
		ORDER BY id
		LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]Identity, 0)
	for rows.Next() {
		var ident Identity
		if err := rows.Scan(&ident.ID, &ident.Email, &ident.PasswordHash, &ident.FirstName,
			&ident.LastName, &ident.LastLogin, &ident.CreatedAt, &ident.UpdatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, ident)
	}
	return out, total, rows.Err()
}

// RoleNames returns the role names held by each of the given identities.
func (r *PGRepository) RoleNames(ctx context.Context, identityIDs []int64) (map[int64][]string, error) {
	out := make(map[int64][]string, len(identityIDs))
	if len(identityIDs) == 0 {
		return out, nil
	}
	rows, err := r.db.Query(ctx, `
		SELECT ir.identity_id, r.name
		FROM identity_roles ir
		INNER JOIN roles r ON r.id = ir.role_id
		WHERE ir.identity_id = ANY($1)
		ORDER BY r.name`,
		identityIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var identityID int64
		var name string
		if err := rows.Scan(&identityID, &name); err != nil {
			return nil, err
		}
		out[identityID] = append(out[identityID], name)
	}
	return out, rows.Err()
}

func (r *PGRepository) Update(ctx context.Context, id int64, email, firstName, lastName string) (*Identity, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE identities
		SET email = $2, first_name = $3, last_name = $4, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		RETURNING `+identityColumns,
		id, email, firstName, lastName)
	ident, err := scanIdentity(row)
	if err != nil {
		return nil, mapUniqueEmail(err)
	}
	return ident, nil
}

func (r *PGRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM identities WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *PGRepository) SetPasswordHash(ctx context.Context, id int64, hash string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE identities SET password_hash = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $1`,
		id, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *PGRepository) UpdateLastLogin(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE identities SET last_login = $2 WHERE id = $1`, id, at)
	return err
}

// GrantRoleByName attaches a role inside the caller's transaction so identity
// creation and the default role grant commit together.
func (r *PGRepository) GrantRoleByName(ctx context.Context, identityID int64, roleName string) error {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO identity_roles (identity_id, role_id)
		SELECT $1, id FROM roles WHERE name = $2
		ON CONFLICT DO NOTHING`,
		identityID, roleName)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrUnknownRole
	}
	return nil
}

func (r *PGRepository) InsertResetToken(ctx context.Context, token ResetToken) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO password_reset_tokens (id, identity_id, token_hash, expires_at)
		VALUES ($1, $2, $3, $4)`,
		token.ID, token.IdentityID, token.TokenHash, token.ExpiresAt)
	return err
}

// ConsumeResetToken marks a live token used and returns it. A single UPDATE
// means concurrent consumers of the same token get exactly one winner.
func (r *PGRepository) ConsumeResetToken(ctx context.Context, tokenHash string, now time.Time) (*ResetToken, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE password_reset_tokens
		SET used = TRUE
		WHERE token_hash = $1 AND NOT used AND expires_at > $2
		RETURNING id, identity_id, token_hash, expires_at, used, created_at`,
		tokenHash, now)
	var token ResetToken
	err := row.Scan(&token.ID, &token.IdentityID, &token.TokenHash, &token.ExpiresAt, &token.Used, &token.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &token, nil
}

func (r *PGRepository) InvalidateResetTokens(ctx context.Context, identityID int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE password_reset_tokens SET used = TRUE WHERE identity_id = $1 AND NOT used`,
		identityID)
	return err
}

func scanIdentity(row pgx.Row) (*Identity, error) {
	var ident Identity
	err := row.Scan(&ident.ID, &ident.Email, &ident.PasswordHash, &ident.FirstName,
		&ident.LastName, &ident.LastLogin, &ident.CreatedAt, &ident.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &ident, nil
}

func mapUniqueEmail(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return shared.ErrDuplicateEmail
	}
	return err
}
