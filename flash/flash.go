// Package flash stores one-shot messages shown on the next page render.
package flash

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long an unread message survives.
const DefaultTTL = 10 * time.Minute

type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
)

// Message is one flash entry. Fields carries per-field validation messages
// for the form the user is sent back to.
type Message struct {
	Kind   Kind              `json:"kind"`
	Text   string            `json:"text"`
	Fields map[string]string `json:"fields,omitempty"`
}

func Success(text string) Message { return Message{Kind: KindSuccess, Text: text} }

func Error(text string) Message { return Message{Kind: KindError, Text: text} }

// Store keeps messages per session until they are popped.
type Store interface {
	Set(ctx context.Context, sessionID string, m Message) error
	Pop(ctx context.Context, sessionID string) ([]Message, error)
}

// RedisStore keeps messages in a Redis list per session.
type RedisStore struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
}

func NewRedisStore(rdb redis.Cmdable, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl, prefix: "escrowdesk:flash:"}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

func (s *RedisStore) Set(ctx context.Context, sessionID string, m Message) error {
	if sessionID == "" {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("flash: encode: %w", err)
	}
	key := s.key(sessionID)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, raw)
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("flash: set: %w", err)
	}
	return nil
}

// Pop returns and clears every pending message atomically.
func (s *RedisStore) Pop(ctx context.Context, sessionID string) ([]Message, error) {
	if sessionID == "" {
		return nil, nil
	}
	key := s.key(sessionID)
	var items *redis.StringSliceCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		items = p.LRange(ctx, key, 0, -1)
		p.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("flash: pop: %w", err)
	}

	raw := items.Val()
	out := make([]Message, 0, len(raw))
	for _, r := range raw {
		var m Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// MemoryStore is a process-local Store for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	messages []Message
	expires  time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{ttl: ttl, now: time.Now, entries: map[string]memoryEntry{}}
}

func (s *MemoryStore) Set(_ context.Context, sessionID string, m Message) error {
	if sessionID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	e := s.entries[sessionID]
	if now.After(e.expires) {
		e.messages = nil
	}
	e.messages = append(e.messages, m)
	e.expires = now.Add(s.ttl)
	s.entries[sessionID] = e
	return nil
}

func (s *MemoryStore) Pop(_ context.Context, sessionID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok {
		return nil, nil
	}
	delete(s.entries, sessionID)
	if s.now().After(e.expires) {
		return nil, nil
	}
	return e.messages, nil
}
