package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with request and authentication data carried on
// the context.
type Handler struct {
	slog.Handler
}

// Wrap returns a logger whose handler is decorated by Handler. Loggers that
// are already decorated are returned as is.
func Wrap(l *slog.Logger) *slog.Logger {
	if _, ok := l.Handler().(Handler); ok {
		return l
	}
	return slog.New(Handler{Handler: l.Handler()})
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if ad, ok := ctx.Value(authDataKey{}).(*AuthData); ok {
		r.AddAttrs(slog.Group("auth",
			slog.String("strategy", ad.Strategy),
			slog.String("verifier", ad.Verifier),
			slog.String("user_id", ad.UserID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type authDataKey struct{}

// AuthData describes the validation in progress. UserID is filled in once
// the token has been verified.
type AuthData struct {
	Strategy string
	Verifier string
	UserID   string
}

func WithAuthData(ctx context.Context, data *AuthData) context.Context {
	return context.WithValue(ctx, authDataKey{}, data)
}

// AuthDataFrom returns the AuthData attached to ctx, if any.
func AuthDataFrom(ctx context.Context) (*AuthData, bool) {
	ad, ok := ctx.Value(authDataKey{}).(*AuthData)
	return ad, ok
}
