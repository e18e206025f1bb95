package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

// Postgres is a Directory backed by the users table (see internal/db migrations).
type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

func (r *Postgres) FindByUsername(ctx context.Context, username string) (Account, error) {
	account, err := scanAccount(r.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM users
		WHERE username = $1
	`, username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("query account by username: %w", err)
	}

	return account, nil
}

func (r *Postgres) FindByID(ctx context.Context, id string) (Account, error) {
	account, err := scanAccount(r.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM users
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("query account by id: %w", err)
	}

	return account, nil
}

func (r *Postgres) Create(ctx context.Context, account Account) (Account, error) {
	account, role, err := prepareCreate(account, r.now().UTC(), newUUIDv7)
	if err != nil {
		return Account{}, err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, login_attempts, lock_until, role, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, account.ID, account.Username, account.PasswordHash, account.LoginAttempts, nullTime(account.LockUntil), role, account.Version, account.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Account{}, ErrUsernameTaken
		}
		return Account{}, fmt.Errorf("insert account: %w", err)
	}

	return account, nil
}

func (r *Postgres) Update(ctx context.Context, account Account) (Account, error) {
	role, err := encodeRole(account.Role)
	if err != nil {
		return Account{}, err
	}

	updated, err := scanAccount(r.db.QueryRowContext(ctx, `
		UPDATE users
		SET password_hash = $3,
			login_attempts = $4,
			lock_until = $5,
			role = $6,
			version = version + 1,
			updated_at = $7
		WHERE id = $1 AND version = $2
		RETURNING `+accountColumns,
		account.ID, account.Version, account.PasswordHash, account.LoginAttempts, nullTime(account.LockUntil), role, r.now().UTC()))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Account{}, fmt.Errorf("update account: %w", err)
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, account.ID).Scan(&exists); err != nil {
		return Account{}, fmt.Errorf("check account after update: %w", err)
	}
	if !exists {
		return Account{}, ErrNotFound
	}

	return Account{}, ErrVersionConflict
}

func newUUIDv7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
