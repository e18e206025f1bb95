package directory

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local Directory. All operations are serialized by a
// single mutex.
type Memory struct {
	mu         sync.Mutex
	byID       map[string]Account
	byUsername map[string]string
	now        func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		byID:       make(map[string]Account),
		byUsername: make(map[string]string),
		now:        time.Now,
	}
}

func (m *Memory) FindByUsername(ctx context.Context, username string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byUsername[username]
	if !ok {
		return Account{}, ErrNotFound
	}
	return m.byID[id].Clone(), nil
}

func (m *Memory) FindByID(ctx context.Context, id string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.byID[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return account.Clone(), nil
}

func (m *Memory) Create(ctx context.Context, account Account) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byUsername[account.Username]; exists {
		return Account{}, ErrUsernameTaken
	}

	account, _, err := prepareCreate(account.Clone(), m.now().UTC(), newUUIDv7)
	if err != nil {
		return Account{}, err
	}

	m.byID[account.ID] = account
	m.byUsername[account.Username] = account.ID

	return account.Clone(), nil
}

func (m *Memory) Update(ctx context.Context, account Account) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.byID[account.ID]
	if !ok {
		return Account{}, ErrNotFound
	}
	if stored.Version != account.Version {
		return Account{}, ErrVersionConflict
	}

	next := account.Clone()
	stored.PasswordHash = next.PasswordHash
	stored.LoginAttempts = next.LoginAttempts
	stored.LockUntil = utcPtr(next.LockUntil)
	stored.Role = next.Role
	stored.Version++
	stored.UpdatedAt = m.now().UTC()

	m.byID[stored.ID] = stored

	return stored.Clone(), nil
}
