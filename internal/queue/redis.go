package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisMsgPrefix     = "edgelink:queue:msg:"
	redisSessionPrefix = "edgelink:queue:session:"
	redisIndexKey      = "edgelink:queue:index"
)

// RedisStore persists queued messages in Redis: one JSON value per message
// plus sorted-set indexes whose scores encode eviction order (priority
// first, enqueue time second).
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger

	// Serializes enqueue+evict so the capacity read-modify-write is atomic
	// with respect to concurrent enqueues through this store.
	enqueueMu sync.Mutex
}

// NewRedisStore creates a Redis-backed store from a redis URL.
func NewRedisStore(redisURL string, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	return &RedisStore{
		client: redis.NewClient(opts),
		logger: logger,
	}, nil
}

// Init verifies connectivity.
func (s *RedisStore) Init(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// evictionScore encodes (priority, enqueuedAt) so ascending score order is
// exactly eviction order: lowest priority first, oldest first among ties.
func evictionScore(m Message) float64 {
	return float64(m.Priority)*1e13 + float64(m.EnqueuedAt.UnixMilli())
}

// Enqueue stores the message and pops the lowest-scored entries while over
// capacity.
func (s *RedisStore) Enqueue(ctx context.Context, msg Message, capacity int) error {
	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	score := evictionScore(msg)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisMsgPrefix+msg.ID, data, 0)
	pipe.ZAdd(ctx, redisIndexKey, redis.Z{Score: score, Member: msg.ID})
	pipe.ZAdd(ctx, redisSessionPrefix+msg.SessionID, redis.Z{Score: score, Member: msg.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	total, err := s.client.ZCard(ctx, redisIndexKey).Result()
	if err != nil {
		return fmt.Errorf("count queue: %w", err)
	}

	for total > int64(capacity) {
		victims, err := s.client.ZPopMin(ctx, redisIndexKey, total-int64(capacity)).Result()
		if err != nil {
			return fmt.Errorf("evict over capacity: %w", err)
		}
		for _, z := range victims {
			id, _ := z.Member.(string)
			s.removeByID(ctx, id, false)
		}
		s.logger.Debug("evicted messages over capacity", "count", len(victims))
		total -= int64(len(victims))
	}

	return nil
}

// Session returns all messages for a session.
func (s *RedisStore) Session(ctx context.Context, sessionID string) ([]Message, error) {
	ids, err := s.client.ZRange(ctx, redisSessionPrefix+sessionID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range session: %w", err)
	}
	return s.fetch(ctx, ids)
}

// All returns every stored message.
func (s *RedisStore) All(ctx context.Context) ([]Message, error) {
	ids, err := s.client.ZRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range index: %w", err)
	}
	return s.fetch(ctx, ids)
}

// Remove deletes a message by ID.
func (s *RedisStore) Remove(ctx context.Context, id string) error {
	return s.removeByID(ctx, id, true)
}

// removeByID deletes the value and both index entries. When fromIndex is
// false the global index entry was already popped by eviction.
func (s *RedisStore) removeByID(ctx context.Context, id string, fromIndex bool) error {
	msg, err := s.get(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, redisMsgPrefix+id)
	if fromIndex {
		pipe.ZRem(ctx, redisIndexKey, id)
	}
	if msg != nil {
		pipe.ZRem(ctx, redisSessionPrefix+msg.SessionID, id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// IncrementAttempt bumps the attempt counter.
func (s *RedisStore) IncrementAttempt(ctx context.Context, id string) error {
	msg, err := s.get(ctx, id)
	if err != nil || msg == nil {
		return err
	}

	msg.AttemptCount++
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return s.client.Set(ctx, redisMsgPrefix+id, data, 0).Err()
}

// ClearSession deletes all messages for a session.
func (s *RedisStore) ClearSession(ctx context.Context, sessionID string) error {
	key := redisSessionPrefix + sessionID
	ids, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("range session: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, redisMsgPrefix+id)
		pipe.ZRem(ctx, redisIndexKey, id)
	}
	pipe.Del(ctx, key)
	_, err = pipe.Exec(ctx)
	return err
}

// ClearAll deletes everything.
func (s *RedisStore) ClearAll(ctx context.Context) error {
	ids, err := s.client.ZRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("range index: %w", err)
	}

	pipe := s.client.TxPipeline()
	sessions := make(map[string]struct{})
	for _, id := range ids {
		msg, err := s.get(ctx, id)
		if err == nil && msg != nil {
			sessions[msg.SessionID] = struct{}{}
		}
		pipe.Del(ctx, redisMsgPrefix+id)
	}
	for sid := range sessions {
		pipe.Del(ctx, redisSessionPrefix+sid)
	}
	pipe.Del(ctx, redisIndexKey)
	_, err = pipe.Exec(ctx)
	return err
}

// get fetches one message, returning nil for missing IDs.
func (s *RedisStore) get(ctx context.Context, id string) (*Message, error) {
	data, err := s.client.Get(ctx, redisMsgPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message %s: %w", id, err)
	}
	return &msg, nil
}

// fetch loads messages by ID, skipping entries whose value is gone.
func (s *RedisStore) fetch(ctx context.Context, ids []string) ([]Message, error) {
	var out []Message
	for _, id := range ids {
		msg, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			out = append(out, *msg)
		}
	}
	return out, nil
}
