// Package claims turns decoded token claims, introspection responses and
// user info documents into the credential record handed to callers.
//
// Scope derivation follows a fixed order: realm roles prefixed with "realm:",
// then resource roles prefixed with the resource name (unprefixed for the
// configured client, "account" skipped), then fine-grained permission scopes
// prefixed with "scope:". Duplicates are kept.
package claims

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultExpiresIn is the cache lifetime used when claims carry no exp.
const DefaultExpiresIn = 60 * time.Second

// Claims is a decoded token payload or an equivalent identity provider
// response. Numbers decode as float64 (or json.Number).
type Claims map[string]any

// Subject returns the sub claim or "" if absent or not a string.
func (c Claims) Subject() string {
	sub, _ := c["sub"].(string)
	return sub
}

// ExpiresAt returns the exp claim. Values of the wrong type count as absent.
func (c Claims) ExpiresAt() (time.Time, bool) {
	nd, err := jwt.MapClaims(c).GetExpirationTime()
	if err != nil || nd == nil {
		return time.Time{}, false
	}
	return nd.Time, true
}

// IssuedAt returns the iat claim. Values of the wrong type count as absent.
func (c Claims) IssuedAt() (time.Time, bool) {
	nd, err := jwt.MapClaims(c).GetIssuedAt()
	if err != nil || nd == nil {
		return time.Time{}, false
	}
	return nd.Time, true
}

// ExpiryMode selects how a strategy measures the remaining token lifetime.
type ExpiryMode int

const (
	// ExpiryIssuedAt measures exp - iat, trusting the issuer's clock. Used by
	// strategies that decode a token locally. Falls back to ExpiryNow when iat
	// is absent.
	ExpiryIssuedAt ExpiryMode = iota
	// ExpiryNow measures exp - now, trusting the local clock. Used by
	// strategies that ask the identity provider.
	ExpiryNow
)

func (m ExpiryMode) String() string {
	switch m {
	case ExpiryIssuedAt:
		return "issued_at"
	case ExpiryNow:
		return "now"
	default:
		return "unknown"
	}
}

// ExpiresIn computes how long a credential derived from c may be cached. The
// result is never negative.
func ExpiresIn(c Claims, mode ExpiryMode, now time.Time) time.Duration {
	exp, ok := c.ExpiresAt()
	if !ok {
		return DefaultExpiresIn
	}
	var d time.Duration
	if iat, hasIat := c.IssuedAt(); mode == ExpiryIssuedAt && hasIat {
		d = exp.Sub(iat)
	} else {
		d = exp.Sub(now)
	}
	if d < 0 {
		return 0
	}
	return d
}

// Scope derives the normalized scope list from c. The order is realm roles,
// resource roles (resources visited in lexicographic order) and permission
// scopes. The result is never nil.
func Scope(c Claims, clientID string) []string {
	scope := []string{}

	if realm, ok := c["realm_access"].(map[string]any); ok {
		for _, role := range stringsOf(realm["roles"]) {
			scope = append(scope, "realm:"+role)
		}
	}

	if resources, ok := c["resource_access"].(map[string]any); ok {
		names := make([]string, 0, len(resources))
		for name := range resources {
			if name == "account" {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			res, ok := resources[name].(map[string]any)
			if !ok {
				continue
			}
			for _, role := range stringsOf(res["roles"]) {
				if name == clientID {
					scope = append(scope, role)
				} else {
					scope = append(scope, name+":"+role)
				}
			}
		}
	}

	if authz, ok := c["authorization"].(map[string]any); ok {
		perms, _ := authz["permissions"].([]any)
		for _, p := range perms {
			perm, ok := p.(map[string]any)
			if !ok {
				continue
			}
			for _, s := range stringsOf(perm["scopes"]) {
				scope = append(scope, "scope:"+s)
			}
		}
	}

	return scope
}

// Pick returns sub plus every listed field present on c. sub is always set,
// even when empty; other absent fields are omitted.
func Pick(c Claims, fields []string) map[string]any {
	out := make(map[string]any, len(fields)+1)
	out["sub"] = c.Subject()
	for _, f := range fields {
		if f == "sub" {
			continue
		}
		if v, ok := c[f]; ok {
			out[f] = v
		}
	}
	return out
}

func stringsOf(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Credentials is the record returned for an authenticated token and the
// value stored in the result cache.
type Credentials struct {
	Scope  []string       `json:"scope"`
	Fields map[string]any `json:"fields"`
}

// UserID returns the subject of the credentials.
func (c *Credentials) UserID() string {
	sub, _ := c.Fields["sub"].(string)
	return sub
}

// HasScope reports whether s is one of the derived scopes.
func (c *Credentials) HasScope(s string) bool {
	for _, have := range c.Scope {
		if have == s {
			return true
		}
	}
	return false
}

// Claims unmarshals the picked fields into ref.
func (c *Credentials) Claims(ref any) error {
	b, err := json.Marshal(c.Fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Result is the output of Normalize.
type Result struct {
	Credentials *Credentials
	ExpiresIn   time.Duration
}

// Normalizer derives credentials for one strategy configuration.
type Normalizer struct {
	ClientID string
	Fields   []string
	// Now defaults to time.Now.
	Now func() time.Time
}

// Normalize builds the credential record. Scope and lifetime come from
// scopeSrc; the picked fields come from fieldSrc, or scopeSrc when fieldSrc
// is nil.
func (n Normalizer) Normalize(scopeSrc, fieldSrc Claims, mode ExpiryMode) Result {
	if fieldSrc == nil {
		fieldSrc = scopeSrc
	}
	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	return Result{
		Credentials: &Credentials{
			Scope:  Scope(scopeSrc, n.ClientID),
			Fields: Pick(fieldSrc, n.Fields),
		},
		ExpiresIn: ExpiresIn(scopeSrc, mode, now()),
	}
}
