package directory

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// SQLite is a Directory backed by a single SQLite file. Use ":memory:" only
// with a single connection, which OpenSQLite enforces.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens the database at dbPath and applies the embedded migrations.
func OpenSQLite(ctx context.Context, dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One writer at a time; version checks still guard multi-process access.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("goose up: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// DB exposes the connection for health checks.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

func (s *SQLite) FindByUsername(ctx context.Context, username string) (Account, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM users
		WHERE username = ?
	`, username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("query account by username: %w", err)
	}

	return account, nil
}

func (s *SQLite) FindByID(ctx context.Context, id string) (Account, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM users
		WHERE id = ?
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("query account by id: %w", err)
	}

	return account, nil
}

func (s *SQLite) Create(ctx context.Context, account Account) (Account, error) {
	account, role, err := prepareCreate(account, s.now().UTC(), newUUIDv7)
	if err != nil {
		return Account{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, login_attempts, lock_until, role, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, account.ID, account.Username, account.PasswordHash, account.LoginAttempts, nullTime(account.LockUntil), role, account.Version, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return Account{}, ErrUsernameTaken
		}
		return Account{}, fmt.Errorf("insert account: %w", err)
	}

	return account, nil
}

func (s *SQLite) Update(ctx context.Context, account Account) (Account, error) {
	role, err := encodeRole(account.Role)
	if err != nil {
		return Account{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = ?,
			login_attempts = ?,
			lock_until = ?,
			role = ?,
			version = version + 1,
			updated_at = ?
		WHERE id = ? AND version = ?
	`, account.PasswordHash, account.LoginAttempts, nullTime(account.LockUntil), role, s.now().UTC(), account.ID, account.Version)
	if err != nil {
		return Account{}, fmt.Errorf("update account: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return Account{}, fmt.Errorf("update account rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.FindByID(ctx, account.ID); err != nil {
			return Account{}, err
		}
		return Account{}, ErrVersionConflict
	}

	return s.FindByID(ctx, account.ID)
}
