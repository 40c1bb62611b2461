package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/imalyk/bunny-relay/pkg/keys"
	"github.com/redis/go-redis/v9"
)

const DefaultRedisKey = "bunny:status"

// RedisLedger keeps the ledger in one Redis hash, one field per key.
type RedisLedger struct {
	client *redis.Client
	key    string
	logger *slog.Logger
}

func NewRedisLedger(client *redis.Client, key string, logger *slog.Logger) *RedisLedger {
	if key == "" {
		key = DefaultRedisKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLedger{client: client, key: key, logger: logger}
}

func (l *RedisLedger) Load(ctx context.Context) (map[string]Record, error) {
	fields, err := l.client.HGetAll(ctx, l.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", l.key, err)
	}

	data := make(map[string]Record, len(fields))
	for k, v := range fields {
		var rec Record
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			l.logger.Warn("skipping malformed ledger entry", "key", k, "error", err)
			continue
		}
		data[k] = rec
	}
	return data, nil
}

// Record sets every derived key in a single transaction; unrelated fields
// of the hash are untouched.
func (l *RedisLedger) Record(ctx context.Context, filename string, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrPersist, err)
	}

	fields := make(map[string]interface{})
	for _, k := range keys.KeySet(filename) {
		fields[k] = payload
	}

	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, l.key, fields)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: hset %s: %w", ErrPersist, l.key, err)
	}
	return nil
}

func (l *RedisLedger) Lookup(ctx context.Context, rawQuery string) (Record, bool, error) {
	data, err := l.Load(ctx)
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := Resolve(data, rawQuery)
	return rec, ok, nil
}
