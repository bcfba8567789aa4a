// Package idempotency de-duplicates at-least-once deliveries: event ingress
// by event id, and task-update requests by client-supplied key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/complyflow/model"
)

// Key scopes.
const (
	ScopeEvent       = "event"
	ScopeTaskOutcome = "task-outcome"
)

// Store records which requests have already been handled.
type Store interface {
	// Claim reserves key for ttl. It returns false if the key is already
	// held, meaning the request is a redelivery.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release drops a claim so the next delivery is handled again.
	Release(ctx context.Context, key string) error

	// Check looks up a previous response by key. If the key exists and the
	// fingerprint matches, it returns the cached response. If the key exists
	// but the fingerprint differs, it returns a CONFLICT error.
	Check(ctx context.Context, key, fingerprint string) (response json.RawMessage, found bool, err error)

	// Save stores a response keyed by key with a TTL.
	Save(ctx context.Context, key, fingerprint string, response json.RawMessage, ttl time.Duration) error
}

// entry is the stored value for a key.
type entry struct {
	Fingerprint string          `json:"fingerprint"`
	Response    json.RawMessage `json:"response,omitempty"`
}

// FormatKey builds the standard key "idem:{tenant}:{scope}:{key}".
func FormatKey(tenantID, scope, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", tenantID, scope, key)
}

// Fingerprint hashes the JSON encoding of v.
func Fingerprint(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func conflict(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("idempotency key %q already used with different input", key),
	)
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support. Suitable for testing
// and single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry

	// Now returns the current time. Replaced in tests.
	Now func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		Now:     time.Now,
	}
}

// live returns the unexpired entry for key. Caller holds mu.
func (s *MemoryStore) live(key string) (*memEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if s.Now().After(e.expiresAt) {
		delete(s.entries, key)
		return nil, false
	}
	return e, true
}

// Claim reserves key unless an unexpired entry exists.
func (s *MemoryStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.entries[key] = &memEntry{expiresAt: s.Now().Add(ttl)}
	return true, nil
}

// Release removes key.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Check looks up a cached response.
func (s *MemoryStore) Check(_ context.Context, key, fingerprint string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return nil, false, nil
	}
	if e.data.Fingerprint != fingerprint {
		return nil, true, conflict(key)
	}
	return e.data.Response, true, nil
}

// Save stores a response with TTL.
func (s *MemoryStore) Save(_ context.Context, key, fingerprint string, response json.RawMessage, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data:      entry{Fingerprint: fingerprint, Response: response},
		expiresAt: s.Now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store with TTL.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Claim reserves key with SET NX.
func (s *RedisStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, `{}`, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return ok, nil
}

// Release deletes key.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// Check looks up a cached response in Redis.
func (s *RedisStore) Check(ctx context.Context, key, fingerprint string) (json.RawMessage, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if e.Fingerprint != fingerprint {
		return nil, true, conflict(key)
	}
	return e.Response, true, nil
}

// Save stores a response in Redis with TTL.
func (s *RedisStore) Save(ctx context.Context, key, fingerprint string, response json.RawMessage, ttl time.Duration) error {
	data, err := json.Marshal(entry{Fingerprint: fingerprint, Response: response})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
