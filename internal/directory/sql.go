package directory

import (
	"database/sql"
	"fmt"
	"time"
)

const accountColumns = `id, username, password_hash, login_attempts, lock_until, role, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var account Account
	var lockUntil sql.NullTime
	var role string

	err := row.Scan(
		&account.ID,
		&account.Username,
		&account.PasswordHash,
		&account.LoginAttempts,
		&lockUntil,
		&role,
		&account.Version,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return Account{}, err
	}

	if lockUntil.Valid {
		value := lockUntil.Time.UTC()
		account.LockUntil = &value
	}
	account.Role, err = decodeRole(role)
	if err != nil {
		return Account{}, err
	}
	account.CreatedAt = account.CreatedAt.UTC()
	account.UpdatedAt = account.UpdatedAt.UTC()

	return account, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func prepareCreate(account Account, now time.Time, newID func() (string, error)) (Account, string, error) {
	if account.ID == "" {
		id, err := newID()
		if err != nil {
			return Account{}, "", fmt.Errorf("generate uuid v7: %w", err)
		}
		account.ID = id
	}
	if account.Role == nil {
		account.Role = []string{}
	}
	role, err := encodeRole(account.Role)
	if err != nil {
		return Account{}, "", err
	}

	account.LockUntil = utcPtr(account.LockUntil)
	account.Version = 1
	account.CreatedAt = now
	account.UpdatedAt = now

	return account, role, nil
}
