// Package idempotency caches the responses of status-changing requests so a
// client retrying with the same X-Idempotency-Key gets the original answer
// instead of a second transition.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tresgarza/may20-crm-final-sub000/model"
)

// Response is a recorded HTTP response.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
}

// Store provides deduplication of status-changing requests.
// The key format is "idem:{subject}:{key}".
type Store interface {
	// Check looks up a previous response by key. If the key exists and the
	// request hash matches, it returns the cached response. If the key
	// exists but the hash differs, it returns a CONFLICT error.
	Check(ctx context.Context, key string, requestHash string) (resp *Response, found bool, err error)

	// Store saves a response keyed by the idempotency key with a TTL,
	// replacing any reservation.
	Store(ctx context.Context, key string, requestHash string, resp Response, ttl time.Duration) error

	// Reserve claims an unused key for an in-flight request. It reports
	// false when the key is already reserved or recorded.
	Reserve(ctx context.Context, key string, requestHash string, ttl time.Duration) (bool, error)

	// Release drops a reservation whose request produced nothing to record.
	Release(ctx context.Context, key string) error
}

// PendingTTL bounds how long a reservation outlives a request that never
// finished.
const PendingTTL = 2 * time.Minute

type entry struct {
	RequestHash string   `json:"request_hash"`
	Pending     bool     `json:"pending,omitempty"`
	Response    Response `json:"response"`
}

func keyReused(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with a different request", key))
}

func keyInFlight(key string) error {
	return model.NewConflictError(fmt.Sprintf("a request with idempotency key %q is still in progress", key))
}

// resolve turns a found entry into a replayable response or a CONFLICT.
func resolve(key string, e entry, requestHash string) (*Response, bool, error) {
	if e.RequestHash != requestHash {
		return nil, true, keyReused(key)
	}
	if e.Pending {
		return nil, true, keyInFlight(key)
	}
	resp := e.Response
	resp.Body = append([]byte(nil), resp.Body...)
	return &resp, true, nil
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support. Suitable for tests
// and single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memEntry)}
}

// Check looks up a cached response.
func (s *MemoryStore) Check(_ context.Context, key string, requestHash string) (*Response, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if time.Now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return resolve(key, e.data, requestHash)
}

// Store saves a response with TTL.
func (s *MemoryStore) Store(_ context.Context, key string, requestHash string, resp Response, ttl time.Duration) error {
	resp.Body = append([]byte(nil), resp.Body...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &memEntry{
		data:      entry{RequestHash: requestHash, Response: resp},
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Reserve claims key unless a live entry holds it.
func (s *MemoryStore) Reserve(_ context.Context, key string, requestHash string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, exists := s.entries[key]; exists && time.Now().Before(e.expiresAt) {
		return false, nil
	}
	s.entries[key] = &memEntry{
		data:      entry{RequestHash: requestHash, Pending: true},
		expiresAt: time.Now().Add(ttl),
	}
	return true, nil
}

// Release removes key if it is still only reserved.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, exists := s.entries[key]; exists && e.data.Pending {
		delete(s.entries, key)
	}
	return nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store. Expiry is delegated to Redis.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a cached response in Redis.
func (s *RedisStore) Check(ctx context.Context, key string, requestHash string) (*Response, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	return resolve(key, e, requestHash)
}

// Store saves a response in Redis with TTL.
func (s *RedisStore) Store(ctx context.Context, key string, requestHash string, resp Response, ttl time.Duration) error {
	data, err := json.Marshal(entry{RequestHash: requestHash, Response: resp})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Reserve claims key with SETNX on a pending marker.
func (s *RedisStore) Reserve(ctx context.Context, key string, requestHash string, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(entry{RequestHash: requestHash, Pending: true})
	if err != nil {
		return false, fmt.Errorf("marshal idempotency reservation: %w", err)
	}
	ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return ok, nil
}

// Release deletes a reservation.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// FormatKey scopes a client-supplied key to the authenticated subject.
func FormatKey(subjectID, key string) string {
	return fmt.Sprintf("idem:%s:%s", subjectID, key)
}

// HashRequest produces a deterministic hash of a request for replay
// comparison.
func HashRequest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
