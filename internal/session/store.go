// Package session keeps the most recently issued token pair per account so
// that a logout can be recorded out of band. Token signature and expiry stay
// authoritative; nothing here expires on its own.
package session

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("session not found")

// Record is the session entry for one account id.
type Record struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	Valid        bool      `json:"valid"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Store interface {
	// Put overwrites any existing record for userID. UpdatedAt is set by the store.
	Put(ctx context.Context, userID string, record Record) error

	// Get returns ErrNotFound when no record exists.
	Get(ctx context.Context, userID string) (Record, error)

	// Invalidate flips Valid to false. A missing record is not an error.
	Invalidate(ctx context.Context, userID string) error

	// Delete removes the record. A missing record is not an error.
	Delete(ctx context.Context, userID string) error

	// Purge deletes at most limit invalidated records last written before
	// the cutoff and returns how many were removed.
	Purge(ctx context.Context, before time.Time, limit int) (int, error)
}
