// Package memcache is a process-local TTL cache implementing ports.Cache.
package memcache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/atvirokodosprendimai/keyguard/internal/core/ports"
)

type Cache struct {
	items    *ttlcache.Cache[string, []byte]
	stopOnce sync.Once
}

type Option func(*config)

type config struct {
	capacity uint64
}

// WithCapacity bounds the number of entries; the least recently used entry
// is evicted first. Zero means unbounded.
func WithCapacity(n uint64) Option {
	return func(c *config) {
		c.capacity = n
	}
}

// New returns a cache whose expired entries are removed in the background
// until Close is called.
func New(opts ...Option) *Cache {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}

	ttlOpts := []ttlcache.Option[string, []byte]{
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	}
	if cfg.capacity > 0 {
		ttlOpts = append(ttlOpts, ttlcache.WithCapacity[string, []byte](cfg.capacity))
	}

	c := &Cache{items: ttlcache.New(ttlOpts...)}
	go c.items.Start()
	return c
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	item := c.items.Get(key)
	if item == nil {
		return nil, ports.ErrCacheMiss
	}
	value := item.Value()
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Set stores value for ttl. A ttl of zero keeps the entry until deleted.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	c.items.Set(key, stored, ttl)
	return nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.items.Delete(key)
	return nil
}

func (c *Cache) Len() int {
	return c.items.Len()
}

func (c *Cache) Close() error {
	c.stopOnce.Do(c.items.Stop)
	return nil
}
