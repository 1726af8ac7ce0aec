package kcbearer

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/kcbearer/internal/logctx"
	"github.com/ggoodman/kcbearer/storage"
)

type options struct {
	log    *slog.Logger
	store  storage.Storage
	client *http.Client
	now    func() time.Time
	dedup  bool
}

// Option configures a Registry or a Validator. Options that do not apply to
// the value being built are ignored.
type Option func(*options)

// WithLogger sets the logger. Records logged during a validation carry an
// "auth" group naming the strategy. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithStorage sets the backing store of every strategy's result cache. The
// registry does not close a store passed this way. Registry only.
func WithStorage(s storage.Storage) Option {
	return func(o *options) { o.store = s }
}

// WithHTTPClient sets the client used for identity provider calls. No
// timeout is imposed beyond what the client configures. Registry only.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithClock overrides the time source used to derive cache lifetimes.
// Validator only.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithInflightDedup makes concurrent validations of the same token against
// the same strategy share one verification. Validator only.
func WithInflightDedup() Option {
	return func(o *options) { o.dedup = true }
}

func applyOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.New(slog.DiscardHandler)
	}
	o.log = logctx.Wrap(o.log)
	if o.now == nil {
		o.now = time.Now
	}
	return o
}
