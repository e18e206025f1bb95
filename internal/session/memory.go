package session

import (
	"context"
	"sync"
	"time"
)

type Memory struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record), now: time.Now}
}

func (m *Memory) Put(ctx context.Context, userID string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record.UpdatedAt = m.now().UTC()
	m.records[userID] = record
	return nil
}

func (m *Memory) Get(ctx context.Context, userID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[userID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return record, nil
}

func (m *Memory) Invalidate(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[userID]
	if !ok {
		return nil
	}
	record.Valid = false
	record.UpdatedAt = m.now().UTC()
	m.records[userID] = record
	return nil
}

func (m *Memory) Delete(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, userID)
	return nil
}

func (m *Memory) Purge(ctx context.Context, before time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for userID, record := range m.records {
		if limit > 0 && removed >= limit {
			break
		}
		if !record.Valid && record.UpdatedAt.Before(before) {
			delete(m.records, userID)
			removed++
		}
	}
	return removed, nil
}
