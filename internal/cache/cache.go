package cache

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrMiss is returned by Get when no entry exists for a key, or when reads
// are bypassed by force-recompute.
var ErrMiss = errors.New("cache miss")

// Store is a physical cache backend.
type Store interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Put(ctx context.Context, key string, value json.RawMessage) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Cache wraps a Store with the force-recompute switch.
type Cache struct {
	store          Store
	forceRecompute bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithForceRecompute makes every Get a miss while Put keeps writing, so
// fresh results replace stale ones without deleting anything up front.
func WithForceRecompute(force bool) Option {
	return func(c *Cache) { c.forceRecompute = force }
}

// New returns a Cache over store.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{store: store}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ForceRecompute reports whether reads are bypassed.
func (c *Cache) ForceRecompute() bool { return c.forceRecompute }

// Get returns the cached object for key or ErrMiss.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if c.forceRecompute {
		return nil, ErrMiss
	}
	return c.store.Get(ctx, key)
}

// Put stores value under key, replacing any previous entry.
func (c *Cache) Put(ctx context.Context, key string, value json.RawMessage) error {
	return c.store.Put(ctx, key, value)
}

// Bust removes the entry for key. Busting a missing key is not an error.
func (c *Cache) Bust(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}

// Clear removes every entry.
func (c *Cache) Clear(ctx context.Context) error {
	return c.store.Clear(ctx)
}
