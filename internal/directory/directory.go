// Package directory is the account store consumed by the authentication core.
//
// Every implementation updates accounts with optimistic concurrency: Update
// only succeeds when the stored version equals the version on the snapshot
// being written, so two requests racing on the same account cannot both
// apply a read-modify-write of the lockout counters.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound        = errors.New("account not found")
	ErrUsernameTaken   = errors.New("username already taken")
	ErrVersionConflict = errors.New("account version conflict")
)

type Account struct {
	ID            string
	Username      string
	PasswordHash  string
	LoginAttempts int
	LockUntil     *time.Time
	Role          []string
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsLocked reports whether a lock is present and still in the future.
func (a Account) IsLocked(now time.Time) bool {
	return a.LockUntil != nil && a.LockUntil.After(now)
}

// Clone returns a copy that shares no memory with a.
func (a Account) Clone() Account {
	out := a
	if a.LockUntil != nil {
		until := *a.LockUntil
		out.LockUntil = &until
	}
	if a.Role != nil {
		out.Role = append([]string(nil), a.Role...)
	}
	return out
}

type Directory interface {
	// FindByUsername returns ErrNotFound when no account has the username.
	FindByUsername(ctx context.Context, username string) (Account, error)

	// FindByID returns ErrNotFound when no account has the id.
	FindByID(ctx context.Context, id string) (Account, error)

	// Create stores a new account and returns it with ID, Version and
	// timestamps populated. Returns ErrUsernameTaken on a duplicate username.
	Create(ctx context.Context, account Account) (Account, error)

	// Update writes PasswordHash, LoginAttempts, LockUntil and Role when the
	// stored version equals account.Version, and returns the account with its
	// new version. Returns ErrVersionConflict when another write got there
	// first and ErrNotFound when the account is gone.
	Update(ctx context.Context, account Account) (Account, error)
}

func encodeRole(role []string) (string, error) {
	if role == nil {
		role = []string{}
	}
	encoded, err := json.Marshal(role)
	if err != nil {
		return "", fmt.Errorf("encode role: %w", err)
	}
	return string(encoded), nil
}

func decodeRole(raw string) ([]string, error) {
	if raw == "" {
		return []string{}, nil
	}
	var role []string
	if err := json.Unmarshal([]byte(raw), &role); err != nil {
		return nil, fmt.Errorf("decode role: %w", err)
	}
	return role, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	value := t.UTC()
	return &value
}
