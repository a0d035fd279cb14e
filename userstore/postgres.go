// Package userstore provides the durable user storage behind the engine's
// UserStore contract: a PostgreSQL implementation for production and an
// in-memory one for tests and examples.
package userstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plusme/authcore"
)

const uniqueViolationCode = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    username      TEXT NOT NULL,
    email         TEXT NOT NULL,
    password_hash TEXT NOT NULL,
    email_verified BOOLEAN NOT NULL DEFAULT FALSE,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS users_email_lower_idx ON users (lower(email));
CREATE UNIQUE INDEX IF NOT EXISTS users_username_lower_idx ON users (lower(username));
`

// Postgres implements the engine's UserStore on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, applies the schema, and returns a ready store.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

const userColumns = "id, name, username, email, password_hash, email_verified, created_at, updated_at"

func (p *Postgres) GetByIdentifier(ctx context.Context, identifier string) (*authcore.User, error) {
	if strings.Contains(identifier, "@") {
		return p.GetByEmail(ctx, identifier)
	}
	return p.GetByUsername(ctx, identifier)
}

func (p *Postgres) GetByEmail(ctx context.Context, email string) (*authcore.User, error) {
	row := p.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE lower(email) = lower($1)", email)
	return scanUser(row)
}

func (p *Postgres) GetByUsername(ctx context.Context, username string) (*authcore.User, error) {
	row := p.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE lower(username) = lower($1)", username)
	return scanUser(row)
}

func (p *Postgres) GetByID(ctx context.Context, id string) (*authcore.User, error) {
	row := p.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", id)
	return scanUser(row)
}

// Create inserts the user. Uniqueness races resolve at the index: a
// concurrent insert of the same email or username surfaces as ErrUserExists,
// never as a duplicate row.
func (p *Postgres) Create(ctx context.Context, u *authcore.User) (*authcore.User, error) {
	now := time.Now().UTC()
	created := *u
	created.CreatedAt = now
	created.UpdatedAt = now

	_, err := p.pool.Exec(ctx,
		`INSERT INTO users (id, name, username, email, password_hash, email_verified, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		created.ID, created.Name, created.Username, created.Email,
		created.PasswordHash, created.EmailVerified, created.CreatedAt, created.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return nil, authcore.ErrUserExists
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}

	return &created, nil
}

func (p *Postgres) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	tag, err := p.pool.Exec(ctx,
		"UPDATE users SET password_hash = $1, updated_at = $2 WHERE id = $3",
		hash, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return authcore.ErrUserNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (*authcore.User, error) {
	var u authcore.User
	err := row.Scan(
		&u.ID, &u.Name, &u.Username, &u.Email,
		&u.PasswordHash, &u.EmailVerified, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authcore.ErrUserNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}
