package kcbearer

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ggoodman/kcbearer/claims"
	"github.com/ggoodman/kcbearer/internal/logctx"
	"github.com/ggoodman/kcbearer/internal/verify"
	"github.com/ggoodman/kcbearer/token"
)

// Validator resolves Authorization headers to credentials using the
// strategies of a Registry.
type Validator struct {
	reg   *Registry
	log   *slog.Logger
	now   func() time.Time
	dedup bool
	group singleflight.Group
}

// NewValidator returns a validator over reg.
//
// Concurrent validations of the same token are independent unless
// WithInflightDedup is given: each verifies and each writes the cache, the
// last write winning.
func NewValidator(reg *Registry, opts ...Option) *Validator {
	o := applyOptions(opts)
	return &Validator{reg: reg, log: o.log, now: o.now, dedup: o.dedup}
}

// Validate authenticates header against the named strategy. An empty
// strategy name is valid when exactly one strategy is registered.
//
// A call parses the header, returns cached credentials when present, and
// otherwise verifies the token exactly once. Failures are *Error values.
func (v *Validator) Validate(ctx context.Context, header string, strategy string) (*claims.Credentials, error) {
	tok, perr := token.Parse(header)

	e, err := v.reg.resolve(strategy)
	if err != nil {
		v.log.ErrorContext(ctx, "validate.strategy.fail", slog.String("strategy", strategy), slog.String("err", err.Error()))
		return nil, err
	}
	ad := &logctx.AuthData{Strategy: e.name, Verifier: string(e.cfg.Verifier())}
	ctx = logctx.WithAuthData(ctx, ad)

	if perr != nil {
		v.log.DebugContext(ctx, "validate.header.invalid")
		return nil, newError(KindMissingOrInvalidHeader, e.name, MsgMissingOrInvalidHeader, perr)
	}

	key := e.name + ":" + tok
	if creds, ok, err := e.cache.Get(ctx, key); err != nil {
		v.log.WarnContext(ctx, "validate.cache.get.fail", slog.String("err", err.Error()))
	} else if ok {
		ad.UserID = creds.UserID()
		v.log.DebugContext(ctx, "validate.cache.hit")
		return creds, nil
	}

	if !v.dedup {
		return v.verify(ctx, e, tok, key)
	}
	// The shared call outlives any single caller's cancellation.
	sctx := context.WithoutCancel(ctx)
	res, err, shared := v.group.Do(key, func() (any, error) {
		return v.verify(sctx, e, tok, key)
	})
	if shared {
		v.log.DebugContext(ctx, "validate.dedup.shared")
	}
	if err != nil {
		return nil, err
	}
	return res.(*claims.Credentials), nil
}

func (v *Validator) verify(ctx context.Context, e *entry, tok, key string) (*claims.Credentials, error) {
	start := v.now()
	res, err := e.verifier.Verify(ctx, tok)
	if err != nil {
		verr := mapVerifyError(e.name, err)
		attrs := []any{slog.String("kind", verr.Kind.String()), slog.String("reason", verr.Reason), slog.String("err", err.Error())}
		if verr.Kind == KindInvalidCredentials {
			v.log.InfoContext(ctx, "validate.verify.fail", attrs...)
		} else {
			v.log.WarnContext(ctx, "validate.verify.fail", attrs...)
		}
		return nil, verr
	}

	n := claims.Normalizer{ClientID: e.cfg.ClientID, Fields: e.cfg.UserInfo, Now: v.now}
	out := n.Normalize(res.Claims, res.Profile, res.Expiry)
	if ad, ok := logctx.AuthDataFrom(ctx); ok {
		ad.UserID = out.Credentials.UserID()
	}

	if e.cache.Enabled() {
		if err := e.cache.Set(ctx, key, out.Credentials, out.ExpiresIn); err != nil {
			v.log.WarnContext(ctx, "validate.cache.set.fail", slog.String("err", err.Error()))
		}
	}
	v.log.DebugContext(ctx, "validate.ok",
		slog.Int("scopes", len(out.Credentials.Scope)),
		slog.Duration("expires_in", out.ExpiresIn),
		slog.Duration("took", v.now().Sub(start)),
	)
	return out.Credentials, nil
}

func mapVerifyError(strategy string, err error) *Error {
	ve, ok := verify.AsError(err)
	if !ok {
		return newError(KindUpstream, strategy, err.Error(), err)
	}
	switch ve.Kind {
	case verify.KindInvalid:
		return newError(KindInvalidCredentials, strategy, ve.Reason, ve)
	case verify.KindRPT:
		return newError(KindRPTRetrievalFailed, strategy, MsgRPTRetrievalFailed, ve)
	default:
		return newError(KindUpstream, strategy, ve.Reason, ve)
	}
}
