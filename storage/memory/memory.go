// Package memory provides an in-memory storage.Storage backed by
// github.com/hashicorp/golang-lru/v2. Expiry is checked on read; a background
// sweep also drops expired entries until Close is called.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ggoodman/kcbearer/storage"
)

// DefaultSweepInterval is how often expired entries are purged.
const DefaultSweepInterval = 5 * time.Minute

// Option configures the memory storage.
type Option func(*Storage)

// WithSweepInterval overrides the background sweep period. Zero or negative
// disables the sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Storage) { s.sweep = d }
}

// Storage implements storage.Storage in memory.
type Storage struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *storage.StorageItem]
	sweep time.Duration

	stop      chan struct{}
	closeOnce sync.Once
}

// New creates an in-memory storage holding at most maxItems entries; the
// least recently used entry is evicted first.
func New(maxItems int, opts ...Option) (*Storage, error) {
	cache, err := lru.New[string, *storage.StorageItem](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	s := &Storage{
		cache: cache,
		sweep: DefaultSweepInterval,
		stop:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.sweep > 0 {
		go s.cleanupExpired(s.sweep)
	}

	return s, nil
}

// Get retrieves data for key within the requested segment.
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.StorageItem, error) {
	options := storage.Apply(opts...)
	storageKey := buildKey(options.Segment, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	item, exists := s.cache.Get(storageKey)
	if !exists {
		return nil, nil
	}
	if item.IsExpired() {
		s.cache.Remove(storageKey)
		return nil, nil
	}
	return item, nil
}

// Set stores data for key within the requested segment.
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.Apply(opts...)
	storageKey := buildKey(options.Segment, key)

	now := time.Now()
	item := &storage.StorageItem{
		Data:      make([]byte, len(data)),
		CreatedAt: now,
	}
	copy(item.Data, data)

	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		item.ExpiresAt = &expiresAt
	}

	s.mu.Lock()
	s.cache.Add(storageKey, item)
	s.mu.Unlock()

	return nil
}

// Delete removes one key or a whole segment.
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Apply(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if options.Key != nil {
		s.cache.Remove(buildKey(options.Segment, *options.Key))
		return nil
	}

	prefix := segmentPrefix(options.Segment)
	for _, key := range s.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.cache.Remove(key)
		}
	}
	return nil
}

// Close stops the sweep and drops every entry.
func (s *Storage) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired or not.
func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

func segmentPrefix(segment string) string {
	if segment == "" {
		return "global:"
	}
	return "segment:" + segment + ":"
}

func buildKey(segment, key string) string {
	return segmentPrefix(segment) + "key:" + key
}

func (s *Storage) cleanupExpired(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.purgeExpired()
		}
	}
}

func (s *Storage) purgeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.cache.Keys() {
		if item, exists := s.cache.Peek(key); exists && item.IsExpired() {
			s.cache.Remove(key)
		}
	}
}

var _ storage.Storage = (*Storage)(nil)
