package verify

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/ggoodman/kcbearer/claims"
)

// Live validates every token against the identity provider and loads the
// user profile from the userinfo endpoint. Every failure, including transport
// errors, is reported as invalid credentials.
type Live struct {
	realmURL      string
	introspection *Introspection
	client        *http.Client

	provider atomic.Pointer[oidc.Provider]
	group    singleflight.Group
}

// NewLive builds a live verifier. Provider discovery is deferred to the first
// verification and retried until it succeeds.
func NewLive(realmURL, clientID, clientSecret string, client *http.Client) *Live {
	client = httpClientOrDefault(client)
	return &Live{
		realmURL:      realmURL,
		introspection: NewIntrospection(realmURL, clientID, clientSecret, client),
		client:        client,
	}
}

func (l *Live) Name() string { return "live" }

func (l *Live) Verify(ctx context.Context, tok string) (*Verified, error) {
	c, err := l.introspection.introspect(ctx, tok)
	if err != nil {
		return nil, invalid(MsgInvalidCredentials, err)
	}

	octx := oidc.ClientContext(ctx, l.client)
	p, err := l.discover(octx)
	if err != nil {
		return nil, invalid(MsgInvalidCredentials, err)
	}
	ui, err := p.UserInfo(octx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok, TokenType: "Bearer"}))
	if err != nil {
		return nil, invalid(MsgInvalidCredentials, err)
	}
	var profile claims.Claims
	if err := ui.Claims(&profile); err != nil {
		return nil, invalid(MsgInvalidCredentials, err)
	}
	return &Verified{Claims: c, Profile: profile, Expiry: claims.ExpiryNow}, nil
}

// discover returns the memoized provider. Concurrent callers share one
// discovery request, and each stops waiting when its own ctx ends.
func (l *Live) discover(ctx context.Context) (*oidc.Provider, error) {
	if p := l.provider.Load(); p != nil {
		return p, nil
	}
	ch := l.group.DoChan("discovery", func() (any, error) {
		if p := l.provider.Load(); p != nil {
			return p, nil
		}
		p, err := oidc.NewProvider(context.WithoutCancel(ctx), l.realmURL)
		if err != nil {
			return nil, err
		}
		l.provider.Store(p)
		return p, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("oidc discovery failed: %w", res.Err)
		}
		return res.Val.(*oidc.Provider), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("oidc discovery: %w", ctx.Err())
	}
}

func (l *Live) Close() error { return nil }
