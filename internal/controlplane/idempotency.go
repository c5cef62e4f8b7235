package controlplane

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore is the fast-path duplicate detector in front of the
// durable ledger record. Reserve is a test-and-set: exactly one caller per
// key wins inside the retention window.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	SaveResult(ctx context.Context, key string, result []byte, ttl time.Duration) error
	GetResult(ctx context.Context, key string) ([]byte, bool, error)
}

// RedisStore backs idempotency on redis SETNX with TTL retention
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a redis-backed store
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "ctl:idem:"}
}

func (s *RedisStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.prefix+"lock:"+key, 1, ttl).Result()
}

func (s *RedisStore) SaveResult(ctx context.Context, key string, result []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+"res:"+key, result, ttl).Err()
}

func (s *RedisStore) GetResult(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+"res:"+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

type memEntry struct {
	result  []byte
	expires time.Time
}

// MemoryStore is the in-process fallback used when redis is not configured.
// Semantics match RedisStore within a single process.
type MemoryStore struct {
	mu      sync.Mutex
	locks   map[string]time.Time
	results map[string]memEntry
	nowFn   func() time.Time
}

// NewMemoryStore creates an in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:   make(map[string]time.Time),
		results: make(map[string]memEntry),
		nowFn:   time.Now,
	}
}

func (s *MemoryStore) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	if expires, ok := s.locks[key]; ok && now.Before(expires) {
		return false, nil
	}
	s.locks[key] = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) SaveResult(_ context.Context, key string, result []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[key] = memEntry{result: result, expires: s.nowFn().Add(ttl)}
	return nil
}

func (s *MemoryStore) GetResult(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.results[key]
	if !ok || s.nowFn().After(e.expires) {
		return nil, false, nil
	}
	return e.result, true, nil
}
