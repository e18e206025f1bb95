package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Postgres stores records in auth_sessions (see internal/db migrations).
type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

func (p *Postgres) Put(ctx context.Context, userID string, record Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO auth_sessions (user_id, access_token, refresh_token, valid, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id)
		DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			valid = EXCLUDED.valid,
			updated_at = EXCLUDED.updated_at
	`, userID, record.AccessToken, record.RefreshToken, record.Valid, p.now().UTC())
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	return nil
}

func (p *Postgres) Get(ctx context.Context, userID string) (Record, error) {
	var record Record
	err := p.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, valid, updated_at
		FROM auth_sessions
		WHERE user_id = $1
	`, userID).Scan(&record.AccessToken, &record.RefreshToken, &record.Valid, &record.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("query session: %w", err)
	}
	record.UpdatedAt = record.UpdatedAt.UTC()

	return record, nil
}

func (p *Postgres) Invalidate(ctx context.Context, userID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE auth_sessions
		SET valid = FALSE, updated_at = $2
		WHERE user_id = $1
	`, userID, p.now().UTC())
	if err != nil {
		return fmt.Errorf("invalidate session: %w", err)
	}

	return nil
}

func (p *Postgres) Delete(ctx context.Context, userID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	return nil
}

func (p *Postgres) Purge(ctx context.Context, before time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}

	res, err := p.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT user_id
			FROM auth_sessions
			WHERE valid = FALSE AND updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM auth_sessions s
		USING stale
		WHERE s.user_id = stale.user_id
	`, before.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge sessions rows affected: %w", err)
	}

	return int(affected), nil
}
