// Package cache stores credential records keyed by raw token so repeated
// requests with the same token skip verification.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ggoodman/kcbearer/claims"
	"github.com/ggoodman/kcbearer/storage"
)

// DefaultSegment is used when caching is enabled without a segment name.
const DefaultSegment = "keycloakJwt"

// Options configures a Cache.
type Options struct {
	Enabled bool
	Segment string
}

// Cache is a thin typed layer over a storage.Storage segment. A disabled
// cache always misses and never writes.
type Cache struct {
	store   storage.Storage
	segment string
	enabled bool
}

// New returns a cache writing to store under opts.Segment. A nil store
// disables caching.
func New(store storage.Storage, opts Options) *Cache {
	seg := opts.Segment
	if seg == "" {
		seg = DefaultSegment
	}
	return &Cache{
		store:   store,
		segment: seg,
		enabled: opts.Enabled && store != nil,
	}
}

// Enabled reports whether the cache reads and writes.
func (c *Cache) Enabled() bool { return c.enabled }

// Segment returns the storage segment the cache writes to.
func (c *Cache) Segment() string { return c.segment }

// Get returns the cached credentials for key. The boolean is false on a miss.
func (c *Cache) Get(ctx context.Context, key string) (*claims.Credentials, bool, error) {
	if !c.enabled {
		return nil, false, nil
	}
	item, err := c.store.Get(ctx, key, storage.WithSegment(c.segment))
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	if item == nil {
		return nil, false, nil
	}
	var creds claims.Credentials
	if err := json.Unmarshal(item.Data, &creds); err != nil {
		return nil, false, fmt.Errorf("cache decode: %w", err)
	}
	return &creds, true, nil
}

// Set stores creds under key for ttl. A non-positive ttl counts as already
// expired: any previous entry is dropped and nothing is written.
func (c *Cache) Set(ctx context.Context, key string, creds *claims.Credentials, ttl time.Duration) error {
	if !c.enabled {
		return nil
	}
	if ttl <= 0 {
		if err := c.store.Delete(ctx, storage.WithSegment(c.segment), storage.WithKey(key)); err != nil {
			return fmt.Errorf("cache delete: %w", err)
		}
		return nil
	}
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.store.Set(ctx, key, data, storage.WithSegment(c.segment), storage.WithTTL(ttl)); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}
