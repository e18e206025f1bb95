package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding one field per account id.
const DefaultRedisKey = "token"

var invalidateScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then
	return 0
end
local record = cjson.decode(raw)
record['valid'] = false
record['updatedAt'] = ARGV[2]
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(record))
return 1
`)

var deleteIfUnchangedScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call('HDEL', KEYS[1], ARGV[1])
end
return 0
`)

// Redis stores records as JSON values in a single hash.
type Redis struct {
	client redis.UniversalClient
	key    string
	now    func() time.Time
}

func NewRedis(client redis.UniversalClient, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: client, key: key, now: time.Now}
}

func (r *Redis) Put(ctx context.Context, userID string, record Record) error {
	record.UpdatedAt = r.now().UTC()
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	if err := r.client.HSet(ctx, r.key, userID, encoded).Err(); err != nil {
		return fmt.Errorf("hset session: %w", err)
	}

	return nil
}

func (r *Redis) Get(ctx context.Context, userID string) (Record, error) {
	raw, err := r.client.HGet(ctx, r.key, userID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("hget session: %w", err)
	}

	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return Record{}, fmt.Errorf("decode session: %w", err)
	}

	return record, nil
}

func (r *Redis) Invalidate(ctx context.Context, userID string) error {
	stamp := r.now().UTC().Format(time.RFC3339Nano)
	if err := invalidateScript.Run(ctx, r.client, []string{r.key}, userID, stamp).Err(); err != nil {
		return fmt.Errorf("invalidate session: %w", err)
	}

	return nil
}

func (r *Redis) Delete(ctx context.Context, userID string) error {
	if err := r.client.HDel(ctx, r.key, userID).Err(); err != nil {
		return fmt.Errorf("hdel session: %w", err)
	}

	return nil
}

func (r *Redis) Purge(ctx context.Context, before time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}

	removed := 0
	var cursor uint64
	for {
		pairs, next, err := r.client.HScan(ctx, r.key, cursor, "", 100).Result()
		if err != nil {
			return removed, fmt.Errorf("hscan sessions: %w", err)
		}

		for i := 0; i+1 < len(pairs) && removed < limit; i += 2 {
			field, raw := pairs[i], pairs[i+1]

			var record Record
			if err := json.Unmarshal([]byte(raw), &record); err != nil {
				continue
			}
			if record.Valid || !record.UpdatedAt.Before(before) {
				continue
			}

			n, err := deleteIfUnchangedScript.Run(ctx, r.client, []string{r.key}, field, raw).Int()
			if err != nil {
				return removed, fmt.Errorf("purge session: %w", err)
			}
			removed += n
		}

		cursor = next
		if cursor == 0 || removed >= limit {
			return removed, nil
		}
	}
}
