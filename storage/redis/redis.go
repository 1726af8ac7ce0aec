// Package redis provides a Redis-backed storage.Storage. Items are stored as a
// JSON envelope and Redis key expiry mirrors the item TTL, so several
// processes can share one result cache.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/kcbearer/storage"
)

// DefaultKeyPrefix prefixes every key written by this package.
const DefaultKeyPrefix = "kcbearer:cache:"

// Config contains configuration options for the Redis storage.
type Config struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys.
	// Default: "kcbearer:cache:"
	KeyPrefix string
}

// EnvConfig is the environment form of Config, decoded with envdecode.
type EnvConfig struct {
	URL       string `env:"KCBEARER_REDIS_URL,required"`
	KeyPrefix string `env:"KCBEARER_REDIS_KEY_PREFIX,default=kcbearer:cache:"`
}

// Storage implements storage.Storage using Redis.
type Storage struct {
	client    *redis.Client
	keyPrefix string
}

type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New creates a Redis-backed storage.
func New(config Config) (*Storage, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultKeyPrefix
	}
	return &Storage{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
	}, nil
}

// NewFromEnv builds a Storage from KCBEARER_REDIS_URL and
// KCBEARER_REDIS_KEY_PREFIX.
func NewFromEnv() (*Storage, error) {
	var cfg EnvConfig
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("redis storage env: %w", err)
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis storage env: invalid KCBEARER_REDIS_URL: %w", err)
	}
	return New(Config{Client: redis.NewClient(opts), KeyPrefix: cfg.KeyPrefix})
}

// Get retrieves data for key within the requested segment.
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.StorageItem, error) {
	options := storage.Apply(opts...)
	redisKey := s.buildKey(options.Segment, key)

	raw, err := s.client.Get(ctx, redisKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get key %s: %w", redisKey, err)
	}

	var item storedItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored data: %w", err)
	}

	storageItem := &storage.StorageItem{
		Data:      item.Data,
		CreatedAt: item.CreatedAt,
		ExpiresAt: item.ExpiresAt,
	}
	if storageItem.IsExpired() {
		s.client.Del(ctx, redisKey)
		return nil, nil
	}
	return storageItem, nil
}

// Set stores data for key within the requested segment. A non-positive TTL
// removes the key instead, since Redis treats a zero expiration as "keep
// forever".
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.Apply(opts...)
	redisKey := s.buildKey(options.Segment, key)

	now := time.Now()
	item := storedItem{
		Data:      data,
		CreatedAt: now,
	}

	var redisTTL time.Duration
	if options.TTL != nil {
		if *options.TTL <= 0 {
			if err := s.client.Del(ctx, redisKey).Err(); err != nil {
				return fmt.Errorf("failed to delete key %s: %w", redisKey, err)
			}
			return nil
		}
		expiresAt := now.Add(*options.TTL)
		item.ExpiresAt = &expiresAt
		redisTTL = *options.TTL
	}

	itemData, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal storage item: %w", err)
	}

	if err := s.client.Set(ctx, redisKey, itemData, redisTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", redisKey, err)
	}
	return nil
}

// Delete removes one key or a whole segment.
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Apply(opts...)

	if options.Key != nil {
		redisKey := s.buildKey(options.Segment, *options.Key)
		if err := s.client.Del(ctx, redisKey).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", redisKey, err)
		}
		return nil
	}

	pattern := s.buildKey(options.Segment, "*")
	keys, err := s.scanKeys(ctx, pattern)
	if err != nil {
		return fmt.Errorf("failed to scan keys for pattern %s: %w", pattern, err)
	}
	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to delete keys: %w", err)
		}
	}
	return nil
}

// Close closes the underlying client.
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) buildKey(segment, key string) string {
	if segment == "" {
		return s.keyPrefix + "global:" + key
	}
	return s.keyPrefix + "segment:" + segment + ":" + key
}

func (s *Storage) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64

	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

var _ storage.Storage = (*Storage)(nil)
