// Package queue hands transfer messages from the backend to worker
// processes through a Redis list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/imalyk/bunny-relay/pkg/job"
	"github.com/redis/go-redis/v9"
)

const DefaultKey = "bunny:transfers:queue"

var ErrQueueFull = errors.New("queue is full")

// pushBounded appends ARGV[2] unless the list already holds ARGV[1] items.
var pushBounded = redis.NewScript(`
local limit = tonumber(ARGV[1])
if limit > 0 and redis.call("LLEN", KEYS[1]) >= limit then
	return -1
end
return redis.call("RPUSH", KEYS[1], ARGV[2])
`)

type Config struct {
	Key         string
	MaxLen      int64
	PollTimeout time.Duration
}

type Redis struct {
	client *redis.Client
	cfg    Config
	logger *slog.Logger
}

func NewRedis(client *redis.Client, cfg Config, logger *slog.Logger) *Redis {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, cfg: cfg, logger: logger}
}

func (q *Redis) Enqueue(ctx context.Context, msg job.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	n, err := pushBounded.Run(ctx, q.client, []string{q.cfg.Key}, q.cfg.MaxLen, payload).Int64()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", q.cfg.Key, err)
	}
	if n < 0 {
		return ErrQueueFull
	}
	return nil
}

func (q *Redis) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.cfg.Key).Result()
}

// Consume pops messages until ctx is done, calling handle for each one.
// Malformed payloads are logged and skipped.
func (q *Redis) Consume(ctx context.Context, handle func(context.Context, job.Message)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res, err := q.client.BLPop(ctx, q.cfg.PollTimeout, q.cfg.Key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Error("failed to pop from queue", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		if len(res) < 2 {
			continue
		}

		var msg job.Message
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
			q.logger.Error("invalid job payload", "error", err)
			continue
		}

		handle(ctx, msg)
	}
}
