// Package httpauth guards net/http handlers with a kcbearer.Validator.
package httpauth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ggoodman/kcbearer"
	"github.com/ggoodman/kcbearer/claims"
	"github.com/ggoodman/kcbearer/internal/logctx"
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// Option configures Middleware.
type Option func(*config)

type config struct {
	mode       Mode
	strategies []string
	redirectTo string
	log        *slog.Logger
}

// WithMode sets the authentication mode. The default is Required.
func WithMode(m Mode) Option {
	return func(c *config) { c.mode = m }
}

// WithStrategies lists the strategies to try in order. A strategy that
// finds no usable bearer header passes the request on to the next one; any
// other failure ends the attempt with that strategy's error. Without this
// option the registry's sole strategy is used.
func WithStrategies(names ...string) Option {
	return func(c *config) { c.strategies = append([]string(nil), names...) }
}

// WithRedirect sends rejected requests to url instead of answering 401.
// Only applies in Required mode.
func WithRedirect(url string) Option {
	return func(c *config) { c.redirectTo = strings.TrimSpace(url) }
}

// WithLogger sets the logger. Records carry a "req" group with a generated
// request id. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

type ctxKey struct{}

// FromContext returns the authentication attached by Middleware.
func FromContext(ctx context.Context) (Authenticated, bool) {
	a, ok := ctx.Value(ctxKey{}).(Authenticated)
	return a, ok
}

// CredentialsFromContext returns the credentials attached by Middleware.
func CredentialsFromContext(ctx context.Context) (*claims.Credentials, bool) {
	a, ok := FromContext(ctx)
	if !ok {
		return nil, false
	}
	return a.Credentials, true
}

// Middleware authenticates requests before handing them to the next
// handler.
func Middleware(v *kcbearer.Validator, opts ...Option) func(http.Handler) http.Handler {
	cfg := config{mode: Required}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = slog.New(slog.DiscardHandler)
	}
	cfg.log = logctx.Wrap(cfg.log)
	if len(cfg.strategies) == 0 {
		cfg.strategies = []string{""}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
				RequestID:  uuid.NewString(),
				Method:     r.Method,
				UserAgent:  r.UserAgent(),
				RemoteAddr: r.RemoteAddr,
				Path:       r.URL.Path,
			})

			a := authenticate(ctx, v, r.Header.Get(authorizationHeader), cfg.strategies)
			switch out := Decide(cfg.mode, a, cfg.redirectTo).(type) {
			case Authenticated:
				cfg.log.DebugContext(ctx, "auth.check.ok", slog.String("strategy", out.Strategy))
				next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, ctxKey{}, out)))
			case Anonymous:
				if out.Err != nil {
					cfg.log.InfoContext(ctx, "auth.check.tolerated", slog.String("mode", cfg.mode.String()), slog.String("err", out.Err.Error()))
				}
				next.ServeHTTP(w, r.WithContext(ctx))
			case Redirect:
				cfg.log.InfoContext(ctx, "auth.check.redirect", slog.String("err", errString(out.Err)))
				http.Redirect(w, r, out.URL, http.StatusFound)
			case Denied:
				deny(ctx, cfg.log, w, out.Err)
			}
		})
	}
}

func authenticate(ctx context.Context, v *kcbearer.Validator, header string, strategies []string) Attempt {
	a := Attempt{HeaderPresent: header != ""}
	for _, name := range strategies {
		creds, err := v.Validate(ctx, header, name)
		if err == nil {
			return Attempt{HeaderPresent: a.HeaderPresent, Strategy: name, Credentials: creds}
		}
		if !errors.Is(err, kcbearer.ErrMissingOrInvalidHeader) {
			return Attempt{HeaderPresent: a.HeaderPresent, Strategy: name, Err: err}
		}
		if a.Err == nil {
			a.Err, a.Strategy = err, name
		}
	}
	return a
}

func deny(ctx context.Context, log *slog.Logger, w http.ResponseWriter, err error) {
	e, ok := kcbearer.AsError(err)
	if !ok {
		log.ErrorContext(ctx, "auth.check.err", slog.String("err", errString(err)))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	ch := e.Challenge()
	switch {
	case !e.Kind.PerRequest():
		log.ErrorContext(ctx, "auth.check.err", slog.String("err", e.Error()))
		writeJSONError(w, ch.Status, "authentication is misconfigured")
		return
	case e.Kind == kcbearer.KindUpstream:
		log.WarnContext(ctx, "auth.check.upstream", slog.String("err", e.Error()))
	default:
		log.InfoContext(ctx, "auth.check.fail", slog.String("kind", e.Kind.String()), slog.String("reason", e.Reason))
	}
	w.Header().Add(wwwAuthenticateHeader, ch.WWWAuthenticate)
	writeJSONError(w, ch.Status, e.Reason)
}

// RequireScope rejects authenticated requests lacking any of scopes with
// 403. Requests without credentials are rejected with 401. Place it after
// Middleware.
func RequireScope(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a, ok := FromContext(r.Context())
			if !ok {
				w.Header().Add(wwwAuthenticateHeader, "Bearer")
				writeJSONError(w, http.StatusUnauthorized, kcbearer.MsgMissingOrInvalidHeader)
				return
			}
			for _, s := range scopes {
				if !a.Credentials.HasScope(s) {
					w.Header().Add(wwwAuthenticateHeader, insufficientScopeChallenge(a.Strategy, scopes))
					writeJSONError(w, http.StatusForbidden, "insufficient scope")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func insufficientScopeChallenge(realm string, scopes []string) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	pieces := make([]string, 0, 3)
	if realm != "" {
		pieces = append(pieces, `realm="`+esc.Replace(realm)+`"`)
	}
	pieces = append(pieces, `error="insufficient_scope"`, `scope="`+esc.Replace(strings.Join(scopes, " "))+`"`)
	return "Bearer " + strings.Join(pieces, ", ")
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
