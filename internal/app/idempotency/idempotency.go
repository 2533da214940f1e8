// Package idempotency stores results of completed operations keyed by a
// caller-supplied token, so a retried call returns the first outcome instead
// of running twice.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/menudeck/menudeck/internal/apperr"
)

// KeyStore records the result ID of a completed operation under its key.
type KeyStore interface {
	// Get returns the stored result ID, or a not-found error.
	Get(ctx context.Context, key string) (string, error)
	// Put stores the result ID. Keys expire after the store's TTL.
	Put(ctx context.Context, key, resultID string) error
}

// MemoryStore is an in-process KeyStore.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
}

type memoryEntry struct {
	resultID string
	storedAt time.Time
}

// NewMemory creates a MemoryStore. A non-positive ttl defaults to 24h.
func NewMemory(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryStore{ttl: ttl, entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return "", apperr.NotFound("idempotency key %q not seen", key)
	}
	if time.Since(entry.storedAt) > s.ttl {
		delete(s.entries, key)
		return "", apperr.NotFound("idempotency key %q expired", key)
	}
	return entry.resultID, nil
}

func (s *MemoryStore) Put(_ context.Context, key, resultID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{resultID: resultID, storedAt: time.Now()}
	return nil
}

// RedisStore is a KeyStore backed by Redis, for deployments with more than
// one API replica.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedis creates a RedisStore. A non-positive ttl defaults to 24h.
func NewRedis(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl, prefix: "menudeck:idem:"}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Result()
	if err == redis.Nil {
		return "", apperr.NotFound("idempotency key %q not seen", key)
	}
	if err != nil {
		return "", apperr.Transient(err, "idempotency lookup")
	}
	return val, nil
}

func (s *RedisStore) Put(ctx context.Context, key, resultID string) error {
	if err := s.client.Set(ctx, s.prefix+key, resultID, s.ttl).Err(); err != nil {
		return apperr.Transient(err, "idempotency store")
	}
	return nil
}
