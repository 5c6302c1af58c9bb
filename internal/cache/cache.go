// Package cache provides the TTL key-value accelerator used for config and
// weight reads. Values are opaque bytes; callers own the encoding.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// LRU is a size-bounded in-process cache with per-entry expiry.
type LRU struct {
	mu    sync.Mutex
	items *lru.Cache[string, entry]
	Now   func() time.Time
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		size = 1024
	}
	items, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	return &LRU{items: items, Now: time.Now}, nil
}

func (c *LRU) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *LRU) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		c.items.Remove(key)
		return nil, ErrMiss
	}
	return append([]byte(nil), e.value...), nil
}

// Set stores value for ttl. A non-positive ttl never expires.
func (c *LRU) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.items.Add(key, e)
	return nil
}

func (c *LRU) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Remove(key)
	return nil
}

func (c *LRU) Len() int {
	return c.items.Len()
}

// Namespaced prefixes every key with "<prefix>:" so engine entries never
// collide with unrelated data sharing the same backend.
type Namespaced struct {
	Prefix string
	Inner  Cache
}

func (n Namespaced) key(k string) string {
	if n.Prefix == "" {
		return k
	}
	return n.Prefix + ":" + k
}

func (n Namespaced) Get(ctx context.Context, key string) ([]byte, error) {
	return n.Inner.Get(ctx, n.key(key))
}

func (n Namespaced) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return n.Inner.Set(ctx, n.key(key), value, ttl)
}

func (n Namespaced) Delete(ctx context.Context, key string) error {
	return n.Inner.Delete(ctx, n.key(key))
}

// Nop never stores anything; every Get misses.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, error) { return nil, ErrMiss }
func (Nop) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Nop) Delete(context.Context, string) error { return nil }
