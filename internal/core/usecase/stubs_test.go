package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atvirokodosprendimai/keyguard/internal/core/domain"
	"github.com/atvirokodosprendimai/keyguard/internal/core/ports"
)

type stubAPIKeyStore struct {
	createFn     func(ctx context.Context, key domain.NewAPIKey) (domain.APIKey, error)
	findByKeyFn  func(ctx context.Context, key string) (domain.APIKey, error)
	findByOwnFn  func(ctx context.Context, id, userID int64) (domain.APIKey, error)
	countByKeyFn func(ctx context.Context, key string) (int64, error)
	softDeleteFn func(ctx context.Context, id int64) error

	createCalls    atomic.Int64
	findByKeyCalls atomic.Int64
	countCalls     atomic.Int64
}

func (s *stubAPIKeyStore) Create(ctx context.Context, key domain.NewAPIKey) (domain.APIKey, error) {
	s.createCalls.Add(1)
	if s.createFn != nil {
		return s.createFn(ctx, key)
	}
	return domain.APIKey{ID: 1, UserID: key.UserID, Key: key.Key, Level: key.Level, IgnoreLimits: key.IgnoreLimits}, nil
}

func (s *stubAPIKeyStore) FindByKey(ctx context.Context, key string) (domain.APIKey, error) {
	s.findByKeyCalls.Add(1)
	if s.findByKeyFn != nil {
		return s.findByKeyFn(ctx, key)
	}
	return domain.APIKey{}, domain.ErrNotFound
}

func (s *stubAPIKeyStore) FindByIDAndUserID(ctx context.Context, id, userID int64) (domain.APIKey, error) {
	if s.findByOwnFn != nil {
		return s.findByOwnFn(ctx, id, userID)
	}
	return domain.APIKey{}, domain.ErrNotFound
}

func (s *stubAPIKeyStore) CountByKey(ctx context.Context, key string) (int64, error) {
	s.countCalls.Add(1)
	if s.countByKeyFn != nil {
		return s.countByKeyFn(ctx, key)
	}
	return 0, nil
}

func (s *stubAPIKeyStore) SoftDelete(ctx context.Context, id int64) error {
	if s.softDeleteFn != nil {
		return s.softDeleteFn(ctx, id)
	}
	return nil
}

// spyCache is an in-memory ports.Cache that counts calls and can be told to
// fail.
type spyCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	failErr error

	gets    atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
	lastTTL atomic.Int64
}

func newSpyCache() *spyCache {
	return &spyCache{entries: make(map[string][]byte)}
}

func (c *spyCache) Get(_ context.Context, key string) ([]byte, error) {
	c.gets.Add(1)
	if c.failErr != nil {
		return nil, c.failErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	if !ok {
		return nil, ports.ErrCacheMiss
	}
	return v, nil
}

func (c *spyCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.sets.Add(1)
	c.lastTTL.Store(int64(ttl))
	if c.failErr != nil {
		return c.failErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *spyCache) Delete(_ context.Context, key string) error {
	c.deletes.Add(1)
	if c.failErr != nil {
		return c.failErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *spyCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

var errBackend = errors.New("backend unavailable")

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("entropy source closed")
}
