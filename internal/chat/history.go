package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Turn is one message in a conversation.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// History stores per-session conversation turns. Clearing history never
// touches the session's indexed documents.
type History interface {
	Append(ctx context.Context, sessionID string, turns ...Turn) error
	Turns(ctx context.Context, sessionID string) ([]Turn, error)
	Clear(ctx context.Context, sessionID string) error
}

// MemoryHistory keeps turns in process memory. Restarting the server
// forgets conversations but never indexed documents.
type MemoryHistory struct {
	mu    sync.RWMutex
	turns map[string][]Turn
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{turns: make(map[string][]Turn)}
}

func (m *MemoryHistory) Append(ctx context.Context, sessionID string, turns ...Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[sessionID] = append(m.turns[sessionID], turns...)
	return nil
}

func (m *MemoryHistory) Turns(ctx context.Context, sessionID string) ([]Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Turn, len(m.turns[sessionID]))
	copy(out, m.turns[sessionID])
	return out, nil
}

func (m *MemoryHistory) Clear(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, sessionID)
	return nil
}

// RedisHistory keeps turns in a redis list so conversations survive
// restarts and can be shared across replicas.
type RedisHistory struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisHistory(client *redis.Client, ttl time.Duration) *RedisHistory {
	return &RedisHistory{client: client, ttl: ttl}
}

func historyKey(sessionID string) string { return fmt.Sprintf("chat:%s:history", sessionID) }

func (r *RedisHistory) Append(ctx context.Context, sessionID string, turns ...Turn) error {
	if len(turns) == 0 {
		return nil
	}
	key := historyKey(sessionID)
	vals := make([]interface{}, 0, len(turns))
	for _, t := range turns {
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		vals = append(vals, b)
	}
	if err := r.client.RPush(ctx, key, vals...).Err(); err != nil {
		return err
	}
	if r.ttl > 0 {
		return r.client.Expire(ctx, key, r.ttl).Err()
	}
	return nil
}

func (r *RedisHistory) Turns(ctx context.Context, sessionID string) ([]Turn, error) {
	raw, err := r.client.LRange(ctx, historyKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var t Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *RedisHistory) Clear(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, historyKey(sessionID)).Err()
}
