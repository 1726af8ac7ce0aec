package kcbearer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ggoodman/kcbearer/cache"
	"github.com/ggoodman/kcbearer/internal/verify"
	"github.com/ggoodman/kcbearer/storage"
	"github.com/ggoodman/kcbearer/storage/memory"
)

// DefaultCacheEntries bounds the default in-memory result cache.
const DefaultCacheEntries = 10000

// Registry holds named strategy configurations together with the verifier
// and result cache built for each. It is safe for concurrent use.
type Registry struct {
	log       *slog.Logger
	client    *http.Client
	store     storage.Storage
	ownsStore bool

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	name     string
	cfg      Config
	verifier verify.Verifier
	cache    *cache.Cache
}

// NewRegistry creates an empty registry. Without WithStorage the result
// caches share an in-memory LRU store owned by the registry.
func NewRegistry(opts ...Option) (*Registry, error) {
	o := applyOptions(opts)
	r := &Registry{
		log:     o.log,
		client:  o.client,
		store:   o.store,
		entries: map[string]*entry{},
	}
	if r.store == nil {
		st, err := memory.New(DefaultCacheEntries)
		if err != nil {
			return nil, err
		}
		r.store = st
		r.ownsStore = true
	}
	return r, nil
}

type registerOptions struct {
	override bool
}

// RegisterOption configures a single Register call.
type RegisterOption func(*registerOptions)

// WithOverride replaces an existing registration of the same name instead of
// failing with ErrDuplicateStrategy.
func WithOverride() RegisterOption {
	return func(o *registerOptions) { o.override = true }
}

// Register validates cfg and stores it under name. Invalid configurations
// never enter the registry.
func (r *Registry) Register(name string, cfg Config, opts ...RegisterOption) error {
	var ro registerOptions
	for _, opt := range opts {
		opt(&ro)
	}
	if name == "" {
		return newError(KindInvalidConfig, name, "strategy name is required", nil)
	}
	cfg = cfg.Copy()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		e, _ := AsError(err)
		e.Strategy = name
		r.log.Warn("registry.register.invalid", slog.String("strategy", name), slog.String("reason", e.Reason))
		return e
	}
	if !ro.override && r.has(name) {
		return newError(KindDuplicateName, name, "strategy already registered", nil)
	}

	v, err := r.newVerifier(cfg)
	if err != nil {
		return newError(KindInvalidConfig, name, "cannot initialize verifier", err)
	}
	e := &entry{
		name:     name,
		cfg:      cfg,
		verifier: v,
		cache:    cache.New(r.store, cache.Options{Enabled: cfg.Cache.Enabled, Segment: cfg.Cache.Segment}),
	}

	r.mu.Lock()
	old, exists := r.entries[name]
	if exists && !ro.override {
		r.mu.Unlock()
		_ = v.Close()
		return newError(KindDuplicateName, name, "strategy already registered", nil)
	}
	r.entries[name] = e
	r.mu.Unlock()

	if exists {
		_ = old.verifier.Close()
	}
	r.log.Info("registry.register.ok",
		slog.String("strategy", name),
		slog.String("verifier", string(cfg.Verifier())),
		slog.Bool("cache", e.cache.Enabled()),
		slog.Bool("override", exists),
	)
	return nil
}

func (r *Registry) newVerifier(cfg Config) (verify.Verifier, error) {
	switch cfg.Verifier() {
	case VerifierEntitlement:
		return verify.NewEntitlement(cfg.RealmURL, cfg.ClientID, r.client), nil
	case VerifierLive:
		return verify.NewLive(cfg.RealmURL, cfg.ClientID, cfg.Secret, r.client), nil
	case VerifierIntrospection:
		return verify.NewIntrospection(cfg.RealmURL, cfg.ClientID, cfg.Secret, r.client), nil
	case VerifierOffline:
		return verify.NewOffline(context.Background(), verify.OfflineConfig{
			RealmURL:                   cfg.RealmURL,
			PublicKey:                  cfg.PublicKey,
			MinTimeBetweenJWKSRequests: cfg.JWKSRefreshInterval(),
			HTTPClient:                 r.client,
			Logger:                     r.log,
		})
	}
	return nil, fmt.Errorf("unknown verifier %q", cfg.Verifier())
}

func (r *Registry) has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Get returns a copy of the configuration registered under name.
func (r *Registry) Get(name string) (Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Config{}, newError(KindNotFound, name, "strategy not registered", nil)
	}
	return e.cfg.Copy(), nil
}

// List returns copies of all registered configurations by name.
func (r *Registry) List() map[string]Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Config, len(r.entries))
	for name, e := range r.entries {
		out[name] = e.cfg.Copy()
	}
	return out
}

// resolve picks the entry for name. An empty name is accepted only when
// exactly one strategy is registered.
func (r *Registry) resolve(name string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name != "" {
		e, ok := r.entries[name]
		if !ok {
			return nil, newError(KindNotFound, name, "strategy not registered", nil)
		}
		return e, nil
	}
	switch len(r.entries) {
	case 0:
		return nil, newError(KindNotFound, "", "no strategy registered", nil)
	case 1:
		for _, e := range r.entries {
			return e, nil
		}
	}
	return nil, newError(KindAmbiguousStrategy, "", "strategy name required when several strategies are registered", nil)
}

// Reset removes every registration and stops their background work.
func (r *Registry) Reset() {
	r.mu.Lock()
	entries := r.entries
	r.entries = map[string]*entry{}
	r.mu.Unlock()
	for _, e := range entries {
		_ = e.verifier.Close()
	}
}

// Close resets the registry and closes the default store.
func (r *Registry) Close() error {
	r.Reset()
	if r.ownsStore {
		return r.store.Close()
	}
	return nil
}
