package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ggoodman/kcbearer/claims"
)

// IntrospectPath is appended to the realm URL to reach the RFC 7662
// introspection endpoint.
const IntrospectPath = "/protocol/openid-connect/token/introspect"

// maxResponseBytes bounds how much of an identity provider response is read.
const maxResponseBytes = 1 << 20

// Introspection asks the identity provider whether a token is active.
type Introspection struct {
	endpoint     string
	clientID     string
	clientSecret string
	client       *http.Client
}

// NewIntrospection builds an introspection verifier for a confidential client.
func NewIntrospection(realmURL, clientID, clientSecret string, client *http.Client) *Introspection {
	return &Introspection{
		endpoint:     realmEndpoint(realmURL, IntrospectPath),
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       httpClientOrDefault(client),
	}
}

func (i *Introspection) Name() string { return "introspection" }

func (i *Introspection) Verify(ctx context.Context, tok string) (*Verified, error) {
	c, err := i.introspect(ctx, tok)
	if err != nil {
		return nil, err
	}
	return &Verified{Claims: c, Expiry: claims.ExpiryNow}, nil
}

func (i *Introspection) Close() error { return nil }

// introspect returns the introspection response of an active token.
func (i *Introspection) introspect(ctx context.Context, tok string) (claims.Claims, error) {
	form := url.Values{}
	form.Set("token", tok)
	form.Set("client_id", i.clientID)
	form.Set("client_secret", i.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, upstream(fmt.Errorf("build introspection request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, upstream(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		reason := fmt.Sprintf("introspection failed, status %d", resp.StatusCode)
		return nil, &Error{Kind: KindUpstream, Reason: reason, Err: fmt.Errorf("%s: %s", reason, strings.TrimSpace(string(body)))}
	}
	if err := checkJSON(resp); err != nil {
		return nil, upstream(fmt.Errorf("introspection: %w", err))
	}

	var c claims.Claims
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&c); err != nil {
		return nil, upstream(fmt.Errorf("decode introspection response: %w", err))
	}
	if active, _ := c["active"].(bool); !active {
		return nil, invalid(MsgInvalidCredentials, errors.New("token is not active"))
	}
	return c, nil
}
