package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketSessions = []byte("sessions")

// Bolt stores records in a local bbolt file, one key per account id.
type Bolt struct {
	db  *bbolt.DB
	now func() time.Time
}

// OpenBolt opens or creates the database file at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions bucket: %w", err)
	}

	return &Bolt{db: db, now: time.Now}, nil
}

func (b *Bolt) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *Bolt) Put(ctx context.Context, userID string, record Record) error {
	record.UpdatedAt = b.now().UTC()
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketSessions).Put([]byte(userID), data); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		return nil
	})
}

func (b *Bolt) Get(ctx context.Context, userID string) (Record, error) {
	var record Record

	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(userID))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}

	return record, nil
}

func (b *Bolt) Invalidate(ctx context.Context, userID string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSessions)
		data := bucket.Get([]byte(userID))
		if data == nil {
			return nil
		}

		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}
		record.Valid = false
		record.UpdatedAt = b.now().UTC()

		encoded, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		return bucket.Put([]byte(userID), encoded)
	})
}

func (b *Bolt) Delete(ctx context.Context, userID string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(userID))
	})
}

func (b *Bolt) Purge(ctx context.Context, before time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}

	removed := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSessions)

		var stale [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			if len(stale) >= limit {
				return nil
			}
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return nil
			}
			if !record.Valid && record.UpdatedAt.Before(before) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, key := range stale {
			if err := bucket.Delete(key); err != nil {
				return fmt.Errorf("delete session: %w", err)
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return removed, nil
}
