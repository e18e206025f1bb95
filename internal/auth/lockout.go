package auth

import (
	"time"

	"auth-service/internal/directory"
)

const (
	DefaultMaxAttempts  = 5
	DefaultLockDuration = 2 * time.Hour
)

// Tracker applies the lockout state machine to account snapshots. It never
// touches a store; callers persist the returned account.
type Tracker struct {
	maxAttempts  int
	lockDuration time.Duration
	now          func() time.Time
}

func NewTracker(maxAttempts int, lockDuration time.Duration, now func() time.Time) *Tracker {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if lockDuration <= 0 {
		lockDuration = DefaultLockDuration
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{maxAttempts: maxAttempts, lockDuration: lockDuration, now: now}
}

// LockCheck is the outcome of CheckLock.
type LockCheck struct {
	Locked  bool
	Account directory.Account
	// Expired is set when a past lock was cleared and the account needs
	// to be written back.
	Expired bool
}

// CheckLock reports whether the account is locked. A lock that has run out
// is cleared together with the attempt counter.
func (t *Tracker) CheckLock(account directory.Account) LockCheck {
	account = account.Clone()
	if account.LockUntil == nil {
		return LockCheck{Account: account}
	}

	if account.LockUntil.After(t.now()) {
		return LockCheck{Locked: true, Account: account}
	}

	account.LockUntil = nil
	account.LoginAttempts = 0
	return LockCheck{Account: account, Expired: true}
}

// RecordFailure counts one failed verification and engages the lock once
// the count reaches the maximum. The counter is left as is while locked.
func (t *Tracker) RecordFailure(account directory.Account) directory.Account {
	account = account.Clone()
	now := t.now()

	account.LoginAttempts++
	if account.LoginAttempts >= t.maxAttempts && !account.IsLocked(now) {
		until := now.Add(t.lockDuration).UTC()
		account.LockUntil = &until
	}
	return account
}

// RecordSuccess clears the counter and any lock.
func (t *Tracker) RecordSuccess(account directory.Account) directory.Account {
	account = account.Clone()
	account.LoginAttempts = 0
	account.LockUntil = nil
	return account
}

func (t *Tracker) MaxAttempts() int {
	return t.maxAttempts
}
