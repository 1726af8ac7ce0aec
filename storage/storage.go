// Package storage defines the TTL key-value store backing the token result
// cache. Keys live in segments so several strategies can share one backend
// without colliding.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage is a segment-namespaced key-value store with optional TTLs.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Get returns the item stored under key, or nil if it does not exist or
	// has expired. An error is returned only for backend failures.
	Get(ctx context.Context, key string, opts ...Option) (*StorageItem, error)

	// Set stores data under key, replacing any previous value.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes the key given via WithKey, or the whole segment when no
	// key is given.
	Delete(ctx context.Context, opts ...Option) error

	// Close releases backend resources.
	Close() error
}

// StorageItem is a stored value with its metadata.
type StorageItem struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil = no expiration
}

// IsExpired reports whether the item has reached its expiry. An item whose
// expiry equals the current instant is expired.
func (si *StorageItem) IsExpired() bool {
	return si.expiredAt(time.Now())
}

func (si *StorageItem) expiredAt(now time.Time) bool {
	return si.ExpiresAt != nil && !now.Before(*si.ExpiresAt)
}

// Option configures a storage operation.
type Option func(*Options)

// Options holds the resolved options of a storage operation.
type Options struct {
	Segment string         // "" = global segment
	Key     *string        // Delete target
	TTL     *time.Duration // time-to-live for Set
}

// Apply resolves opts into an Options value.
func Apply(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithSegment scopes the operation to a named segment.
func WithSegment(segment string) Option {
	return func(opts *Options) {
		opts.Segment = segment
	}
}

// WithKey selects a single key for Delete.
func WithKey(key string) Option {
	return func(opts *Options) {
		opts.Key = &key
	}
}

// WithTTL sets a time-to-live for the stored data.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = &ttl
	}
}

// ErrInvalidOptions is returned when incompatible options are provided.
var ErrInvalidOptions = errors.New("storage: invalid option combination")
