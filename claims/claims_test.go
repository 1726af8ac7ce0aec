package claims

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func mustClaims(t *testing.T, raw string) Claims {
	t.Helper()
	var c Claims
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		t.Fatalf("unmarshal claims: %v", err)
	}
	return c
}

func TestScope_Ordering(t *testing.T) {
	c := mustClaims(t, `{
		"realm_access": {"roles": ["admin"]},
		"resource_access": {"account": {"roles": ["x"]}, "app": {"roles": ["editor"]}},
		"authorization": {"permissions": [{"scopes": ["foo.READ"]}]}
	}`)

	got := Scope(c, "app")
	want := []string{"realm:admin", "editor", "scope:foo.READ"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Scope() = %v, want %v", got, want)
	}
}

func TestScope(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		clientID string
		want     []string
	}{
		{
			name: "empty claims",
			raw:  `{}`,
			want: []string{},
		},
		{
			name:     "foreign resources are prefixed",
			raw:      `{"resource_access": {"other-app": {"roles": ["editor", "reader"]}, "foobar": {"roles": ["admin"]}}}`,
			clientID: "foobar",
			want:     []string{"admin", "other-app:editor", "other-app:reader"},
		},
		{
			name:     "duplicates are kept",
			raw:      `{"realm_access": {"roles": ["a", "a"]}, "authorization": {"permissions": [{"scopes": ["s"]}, {"scopes": ["s"]}]}}`,
			clientID: "app",
			want:     []string{"realm:a", "realm:a", "scope:s", "scope:s"},
		},
		{
			name:     "account only",
			raw:      `{"resource_access": {"account": {"roles": ["manage-account"]}}}`,
			clientID: "app",
			want:     []string{},
		},
		{
			name:     "permissions without scopes",
			raw:      `{"authorization": {"permissions": [{"rsname": "res"}, {"scopes": ["foo.READ", "foo.WRITE"]}]}}`,
			clientID: "app",
			want:     []string{"scope:foo.READ", "scope:foo.WRITE"},
		},
		{
			name:     "garbage shapes are ignored",
			raw:      `{"realm_access": {"roles": "admin"}, "resource_access": {"app": "nope"}, "authorization": {"permissions": ["x", 3]}}`,
			clientID: "app",
			want:     []string{},
		},
		{
			name:     "non string roles are skipped",
			raw:      `{"realm_access": {"roles": ["admin", 3, null, "user"]}}`,
			clientID: "app",
			want:     []string{"realm:admin", "realm:user"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Scope(mustClaims(t, tt.raw), tt.clientID)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Scope() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScope_DoesNotMutateInput(t *testing.T) {
	c := mustClaims(t, `{"resource_access": {"account": {"roles": ["x"]}}}`)
	_ = Scope(c, "app")
	ra := c["resource_access"].(map[string]any)
	if _, ok := ra["account"]; !ok {
		t.Fatalf("account entry was removed from the input claims")
	}
}

func TestExpiresIn(t *testing.T) {
	now := time.Unix(1000, 0)

	tests := []struct {
		name   string
		claims Claims
		mode   ExpiryMode
		want   time.Duration
	}{
		{name: "no exp uses default", claims: Claims{}, mode: ExpiryIssuedAt, want: 60 * time.Second},
		{name: "no exp uses default live", claims: Claims{}, mode: ExpiryNow, want: 60 * time.Second},
		{name: "issued at", claims: Claims{"exp": float64(5), "iat": float64(1)}, mode: ExpiryIssuedAt, want: 4 * time.Second},
		{name: "issued at without iat falls back to now", claims: Claims{"exp": float64(1030)}, mode: ExpiryIssuedAt, want: 30 * time.Second},
		{name: "now", claims: Claims{"exp": float64(1060), "iat": float64(1)}, mode: ExpiryNow, want: 60 * time.Second},
		{name: "expired is clamped", claims: Claims{"exp": float64(10)}, mode: ExpiryNow, want: 0},
		{name: "negative span is clamped", claims: Claims{"exp": float64(1), "iat": float64(5)}, mode: ExpiryIssuedAt, want: 0},
		{name: "garbage exp uses default", claims: Claims{"exp": "tomorrow"}, mode: ExpiryNow, want: 60 * time.Second},
		{name: "json number", claims: Claims{"exp": json.Number("1010")}, mode: ExpiryNow, want: 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpiresIn(tt.claims, tt.mode, now); got != tt.want {
				t.Errorf("ExpiresIn() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPick(t *testing.T) {
	c := Claims{"sub": "u1", "email": "u1@example.com", "name": "User One", "secret": "x"}

	got := Pick(c, []string{"email", "name", "missing"})
	want := map[string]any{"sub": "u1", "email": "u1@example.com", "name": "User One"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Pick() = %v, want %v", got, want)
	}

	got = Pick(Claims{}, nil)
	if v, ok := got["sub"]; !ok || v != "" {
		t.Fatalf("Pick() without sub = %v, want empty sub present", got)
	}
}

func TestNormalizer_Normalize(t *testing.T) {
	now := time.Unix(1000, 0)
	n := Normalizer{ClientID: "app", Fields: []string{"email"}, Now: func() time.Time { return now }}

	scopeSrc := Claims{
		"sub":          "u1",
		"exp":          float64(1120),
		"realm_access": map[string]any{"roles": []any{"admin"}},
	}
	profile := Claims{"sub": "u1", "email": "u1@example.com"}

	res := n.Normalize(scopeSrc, profile, ExpiryNow)
	if res.ExpiresIn != 120*time.Second {
		t.Fatalf("ExpiresIn = %v, want 2m", res.ExpiresIn)
	}
	if !reflect.DeepEqual(res.Credentials.Scope, []string{"realm:admin"}) {
		t.Fatalf("Scope = %v", res.Credentials.Scope)
	}
	if res.Credentials.UserID() != "u1" {
		t.Fatalf("UserID = %q", res.Credentials.UserID())
	}
	if res.Credentials.Fields["email"] != "u1@example.com" {
		t.Fatalf("Fields = %v", res.Credentials.Fields)
	}

	res = n.Normalize(scopeSrc, nil, ExpiryNow)
	if _, ok := res.Credentials.Fields["email"]; ok {
		t.Fatalf("email should be absent when the scope source lacks it: %v", res.Credentials.Fields)
	}
}

func TestCredentials_Claims(t *testing.T) {
	c := &Credentials{Scope: []string{"realm:admin"}, Fields: map[string]any{"sub": "u1", "email": "e@x"}}
	var out struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
	}
	if err := c.Claims(&out); err != nil {
		t.Fatalf("claims: %v", err)
	}
	if out.Sub != "u1" || out.Email != "e@x" {
		t.Fatalf("unexpected claims: %+v", out)
	}
	if !c.HasScope("realm:admin") || c.HasScope("admin") {
		t.Fatalf("HasScope mismatch")
	}
}
