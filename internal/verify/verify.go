// Package verify implements the token verification strategies: offline
// signature checks, token introspection, entitlement (RPT) retrieval and live
// validation with a user info lookup.
//
// Strategies never normalize claims themselves; they hand back the claims
// (and optionally a separate profile) together with the expiry mode the
// caller should use.
package verify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/elnormous/contenttype"

	"github.com/ggoodman/kcbearer/claims"
)

// Fixed failure messages surfaced by strategies that do not report the
// underlying cause.
const (
	MsgInvalidCredentials = "Invalid credentials"
	MsgRPTFailed          = "Retrieving the RPT failed"
)

// Kind classifies a verification failure.
type Kind int

const (
	// KindInvalid means the token is invalid, expired or not active.
	KindInvalid Kind = iota
	// KindUpstream means the identity provider call itself failed.
	KindUpstream
	// KindRPT means the entitlement endpoint did not yield an RPT.
	KindRPT
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindUpstream:
		return "upstream"
	case KindRPT:
		return "rpt"
	default:
		return "unknown"
	}
}

// Error is returned by every Verifier on failure.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.Reason {
		return fmt.Sprintf("verify: %s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("verify: %s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var ve *Error
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

func invalid(reason string, err error) *Error {
	return &Error{Kind: KindInvalid, Reason: reason, Err: err}
}

func upstream(err error) *Error {
	return &Error{Kind: KindUpstream, Reason: err.Error(), Err: err}
}

// Verified is the successful result of a verification.
type Verified struct {
	// Claims drive scope and lifetime.
	Claims claims.Claims
	// Profile, when non-nil, supplies the picked user fields instead of Claims.
	Profile claims.Claims
	// Expiry selects how the cache lifetime is measured.
	Expiry claims.ExpiryMode
}

// Verifier resolves a raw token to verified claims.
type Verifier interface {
	// Name identifies the strategy in logs and errors.
	Name() string
	Verify(ctx context.Context, tok string) (*Verified, error)
	// Close releases background resources such as JWKS refreshers.
	Close() error
}

var jsonMediaType = contenttype.NewMediaType("application/json")

// checkJSON rejects responses that announce a non JSON content type. A
// missing header is tolerated.
func checkJSON(resp *http.Response) error {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		return nil
	}
	if !contenttype.NewMediaType(ct).Matches(jsonMediaType) {
		return fmt.Errorf("unexpected content type %q", ct)
	}
	return nil
}

func realmEndpoint(realmURL, path string) string {
	return strings.TrimSuffix(realmURL, "/") + path
}

func httpClientOrDefault(c *http.Client) *http.Client {
	if c == nil {
		return http.DefaultClient
	}
	return c
}
