package kcbearer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/kcbearer/cache"
	"github.com/ggoodman/kcbearer/internal/verify"
)

// Config describes one named strategy. It is validated when registered and
// immutable afterwards.
//
// At most one of Secret, PublicKey and Entitlement may be set. Live requires
// Secret.
type Config struct {
	RealmURL string `json:"realmUrl" jsonschema:"required,format=uri,description=Absolute URL of the realm; also the expected token issuer,example=https://sso.example.com/realms/main"`
	ClientID string `json:"clientId" jsonschema:"required,minLength=1,description=Client id; its roles are reported without a prefix"`
	// Secret selects introspection (or live validation with Live).
	Secret string `json:"secret,omitempty" jsonschema:"minLength=1,description=Client secret used for token introspection"`
	// PublicKey selects offline verification against a fixed key.
	PublicKey PublicKey `json:"publicKey,omitempty"`
	// Entitlement selects RPT retrieval.
	Entitlement bool `json:"entitlement,omitempty" jsonschema:"description=Exchange tokens for an RPT and derive scopes from its permissions"`
	// Live validates every token with the identity provider and loads the
	// user profile.
	Live  bool        `json:"live,omitempty" jsonschema:"description=Load the user profile from the userinfo endpoint; requires secret"`
	Cache CacheConfig `json:"cache,omitempty"`
	// UserInfo lists extra claim fields copied into the credentials. sub is
	// always included.
	UserInfo []string `json:"userInfo,omitempty" jsonschema:"description=Extra claim fields exposed on the credentials"`
	// MinTimeBetweenJWKSRequests throttles JWKS refreshes, in seconds.
	MinTimeBetweenJWKSRequests int `json:"minTimeBetweenJwksRequests,omitempty" jsonschema:"minimum=0,description=Minimum seconds between JWKS refreshes caused by unknown key ids"`
}

// VerifierKind names the verification strategy a configuration selects.
type VerifierKind string

const (
	// VerifierOffline checks signatures locally against publicKey or the realm JWKS.
	VerifierOffline VerifierKind = "offline"
	// VerifierIntrospection asks the realm's introspection endpoint.
	VerifierIntrospection VerifierKind = "introspection"
	// VerifierEntitlement exchanges the token for an RPT.
	VerifierEntitlement VerifierKind = "entitlement"
	// VerifierLive introspects and then fetches user info.
	VerifierLive VerifierKind = "live"
)

// Verifier reports which strategy the configuration selects.
func (c Config) Verifier() VerifierKind {
	switch {
	case c.Entitlement:
		return VerifierEntitlement
	case c.Secret != "" && c.Live:
		return VerifierLive
	case c.Secret != "":
		return VerifierIntrospection
	default:
		return VerifierOffline
	}
}

// JWKSRefreshInterval returns MinTimeBetweenJWKSRequests as a duration.
func (c Config) JWKSRefreshInterval() time.Duration {
	return time.Duration(c.MinTimeBetweenJWKSRequests) * time.Second
}

// Normalize fills defaults.
func (c *Config) Normalize() {
	c.RealmURL = strings.TrimSuffix(strings.TrimSpace(c.RealmURL), "/")
	if c.Cache.Enabled && c.Cache.Segment == "" {
		c.Cache.Segment = cache.DefaultSegment
	}
}

// Validate returns an *Error of kind KindInvalidConfig describing the first
// violated constraint.
func (c Config) Validate() error {
	u, err := url.Parse(c.RealmURL)
	if c.RealmURL == "" || err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return invalidConfig("realmUrl must be an absolute http(s) URL", err)
	}
	if c.ClientID == "" {
		return invalidConfig("clientId is required", nil)
	}
	set := 0
	if c.Secret != "" {
		set++
	}
	if len(c.PublicKey) > 0 {
		set++
	}
	if c.Entitlement {
		set++
	}
	if set > 1 {
		return invalidConfig("secret, publicKey and entitlement are mutually exclusive", nil)
	}
	if c.Live && c.Secret == "" {
		return invalidConfig("live requires secret", nil)
	}
	if len(c.PublicKey) > 0 {
		if _, err := verify.ParsePublicKey(c.PublicKey); err != nil {
			return invalidConfig("publicKey is not a usable key", err)
		}
	}
	for _, f := range c.UserInfo {
		if f == "" {
			return invalidConfig("userInfo entries must be non-empty", nil)
		}
	}
	if c.MinTimeBetweenJWKSRequests < 0 {
		return invalidConfig("minTimeBetweenJwksRequests must not be negative", nil)
	}
	return nil
}

func invalidConfig(reason string, err error) *Error {
	return newError(KindInvalidConfig, "", reason, err)
}

// Copy returns a deep copy safe for mutation by the caller.
func (c Config) Copy() Config {
	dup := c
	dup.PublicKey = append(PublicKey(nil), c.PublicKey...)
	dup.UserInfo = append([]string(nil), c.UserInfo...)
	return dup
}

// UnmarshalJSON rejects unknown keys and an explicit "entitlement": false.
func (c *Config) UnmarshalJSON(b []byte) error {
	type plain Config
	aux := struct {
		*plain
		Entitlement *bool `json:"entitlement"`
	}{plain: (*plain)(c)}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&aux); err != nil {
		if e, ok := AsError(err); ok {
			return e
		}
		return invalidConfig("malformed configuration", err)
	}
	if aux.Entitlement != nil {
		if !*aux.Entitlement {
			return invalidConfig("entitlement must be true when present", nil)
		}
		c.Entitlement = true
	}
	return nil
}

// CacheConfig enables the result cache. In JSON it is either a boolean or an
// object with a segment name, which implies enabled.
type CacheConfig struct {
	Enabled bool
	Segment string
}

func (cc *CacheConfig) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*cc = CacheConfig{}
		return nil
	}
	var on bool
	if err := json.Unmarshal(b, &on); err == nil {
		*cc = CacheConfig{Enabled: on}
		return nil
	}
	var obj struct {
		Segment string `json:"segment"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&obj); err != nil {
		return fmt.Errorf("cache must be a boolean or {\"segment\": string}: %w", err)
	}
	*cc = CacheConfig{Enabled: true, Segment: obj.Segment}
	return nil
}

func (cc CacheConfig) MarshalJSON() ([]byte, error) {
	if !cc.Enabled {
		return []byte("false"), nil
	}
	if cc.Segment == "" || cc.Segment == cache.DefaultSegment {
		return []byte("true"), nil
	}
	return json.Marshal(struct {
		Segment string `json:"segment"`
	}{cc.Segment})
}

func (CacheConfig) JSONSchema() *jsonschema.Schema {
	props := jsonschema.NewProperties()
	props.Set("segment", &jsonschema.Schema{
		Type:        "string",
		Description: "Storage segment; an empty object uses " + cache.DefaultSegment,
	})
	return &jsonschema.Schema{
		Description: "Cache validated credentials until the token expires",
		OneOf: []*jsonschema.Schema{
			{Type: "boolean"},
			{Type: "object", Properties: props, AdditionalProperties: jsonschema.FalseSchema},
		},
	}
}

// PublicKey holds a PEM encoded key or certificate, or a JSON Web Key. In
// JSON it is a PEM string or a JWK object.
type PublicKey []byte

func (k *PublicKey) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*k = nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*k = PublicKey(s)
	case len(b) > 0 && b[0] == '{':
		*k = append(PublicKey(nil), b...)
	default:
		return fmt.Errorf("publicKey must be a PEM string or a JWK object")
	}
	return nil
}

func (k PublicKey) MarshalJSON() ([]byte, error) {
	trimmed := bytes.TrimSpace(k)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return append([]byte(nil), trimmed...), nil
	}
	return json.Marshal(string(k))
}

func (PublicKey) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Description: "PEM public key or certificate, or a JSON Web Key",
		OneOf: []*jsonschema.Schema{
			{Type: "string", MinLength: ptr(uint64(1))},
			{Type: "object", Required: []string{"kty"}},
		},
	}
}

func ptr[T any](v T) *T { return &v }

// LoadConfigs reads a JSON object mapping strategy names to configurations.
// Every entry is normalized and validated.
func LoadConfigs(r io.Reader) (map[string]Config, error) {
	var raw map[string]Config
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		if e, ok := AsError(err); ok {
			return nil, e
		}
		return nil, invalidConfig("malformed configuration document", err)
	}
	out := make(map[string]Config, len(raw))
	for name, cfg := range raw {
		cfg.Normalize()
		if err := cfg.Validate(); err != nil {
			e, _ := AsError(err)
			e.Strategy = name
			return nil, e
		}
		out[name] = cfg
	}
	return out, nil
}

// ConfigSchema returns the JSON Schema of the document read by LoadConfigs.
func ConfigSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	entry := r.Reflect(new(Config))
	entry.Version = ""
	return &jsonschema.Schema{
		Version:              jsonschema.Version,
		Title:                "kcbearer strategies",
		Type:                 "object",
		AdditionalProperties: entry,
	}
}

// EnvConfig is the environment form of a single Config.
type EnvConfig struct {
	RealmURL                   string   `env:"KEYCLOAK_REALM_URL,required"`
	ClientID                   string   `env:"KEYCLOAK_CLIENT_ID,required"`
	Secret                     string   `env:"KEYCLOAK_SECRET"`
	PublicKey                  string   `env:"KEYCLOAK_PUBLIC_KEY"`
	Entitlement                bool     `env:"KEYCLOAK_ENTITLEMENT"`
	Live                       bool     `env:"KEYCLOAK_LIVE"`
	Cache                      bool     `env:"KEYCLOAK_CACHE"`
	CacheSegment               string   `env:"KEYCLOAK_CACHE_SEGMENT"`
	UserInfo                   []string `env:"KEYCLOAK_USERINFO"`
	MinTimeBetweenJWKSRequests int      `env:"KEYCLOAK_MIN_TIME_BETWEEN_JWKS_REQUESTS,default=0"`
}

// ConfigFromEnv builds a normalized, validated Config from KEYCLOAK_*
// environment variables. KEYCLOAK_USERINFO is semicolon separated. Setting
// KEYCLOAK_CACHE_SEGMENT enables the cache.
func ConfigFromEnv() (Config, error) {
	var env EnvConfig
	if err := envdecode.Decode(&env); err != nil {
		return Config{}, invalidConfig("environment", err)
	}
	cfg := Config{
		RealmURL:                   env.RealmURL,
		ClientID:                   env.ClientID,
		Secret:                     env.Secret,
		Entitlement:                env.Entitlement,
		Live:                       env.Live,
		Cache:                      CacheConfig{Enabled: env.Cache || env.CacheSegment != "", Segment: env.CacheSegment},
		MinTimeBetweenJWKSRequests: env.MinTimeBetweenJWKSRequests,
	}
	if env.PublicKey != "" {
		cfg.PublicKey = PublicKey(env.PublicKey)
	}
	for _, f := range env.UserInfo {
		if f = strings.TrimSpace(f); f != "" {
			cfg.UserInfo = append(cfg.UserInfo, f)
		}
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
