package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore keeps keys in process memory. It is only correct with a
// single server instance; use PostgresStore otherwise.
type MemoryStore struct {
	mu sync.Mutex
	c  *cache.Cache
}

func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	return &MemoryStore{c: cache.New(cache.NoExpiration, cleanupInterval)}
}

func (s *MemoryStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, *Record, error) {
	rec := Record{Key: key, State: StateInProgress, ExpiresAt: time.Now().Add(ttl)}
	if err := s.c.Add(key, rec, ttl); err == nil {
		return true, nil, nil
	}
	existing, err := s.Lookup(ctx, key)
	if err != nil {
		return false, nil, err
	}
	if existing == nil {
		// expired between Add and Get
		return s.Claim(ctx, key, ttl)
	}
	return false, existing, nil
}

func (s *MemoryStore) Complete(ctx context.Context, key string, statusCode int, body []byte, ttl time.Duration) error {
	s.c.Set(key, Record{
		Key:        key,
		State:      StateCompleted,
		StatusCode: statusCode,
		Body:       append([]byte(nil), body...),
		ExpiresAt:  time.Now().Add(ttl),
	}, ttl)
	return nil
}

func (s *MemoryStore) Lookup(ctx context.Context, key string) (*Record, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return nil, nil
	}
	rec, ok := v.(Record)
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) Release(ctx context.Context, key string) error {
	s.c.Delete(key)
	return nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.c.Add(key, int64(1), ttl); err == nil {
		return 1, nil
	}
	n, err := s.c.IncrementInt64(key, 1)
	if err != nil {
		// the previous window expired under us
		s.c.Set(key, int64(1), ttl)
		return 1, nil
	}
	return n, nil
}
