package verify

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ggoodman/kcbearer/claims"
	"github.com/ggoodman/kcbearer/internal/kctest"
)

func wantKind(t *testing.T, err error, kind Kind, reason string) *Error {
	t.Helper()
	ve, ok := AsError(err)
	if !ok {
		t.Fatalf("want *verify.Error, got %T (%v)", err, err)
	}
	if ve.Kind != kind {
		t.Fatalf("want kind %s, got %s (%v)", kind, ve.Kind, err)
	}
	if reason != "" && ve.Reason != reason {
		t.Fatalf("want reason %q, got %q", reason, ve.Reason)
	}
	return ve
}

func TestOffline_StaticKey(t *testing.T) {
	realm := kctest.New(t)
	ctx := context.Background()
	v, err := NewOffline(ctx, OfflineConfig{RealmURL: realm.URL, PublicKey: realm.PublicKeyPEM(t)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer v.Close()

	now := time.Now()
	good := realm.Sign(t, jwt.MapClaims{"iss": realm.URL, "sub": "u1", "iat": now.Unix(), "exp": now.Add(time.Hour).Unix()})
	got, err := v.Verify(ctx, good)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.Claims.Subject() != "u1" {
		t.Fatalf("want sub u1, got %q", got.Claims.Subject())
	}
	if got.Expiry != claims.ExpiryIssuedAt {
		t.Fatalf("want issued-at expiry, got %s", got.Expiry)
	}
	if realm.Calls("certs") != 0 {
		t.Fatalf("static key must not fetch JWKS")
	}
}

func TestOffline_Reasons(t *testing.T) {
	realm := kctest.New(t)
	ctx := context.Background()
	v, err := NewOffline(ctx, OfflineConfig{RealmURL: realm.URL, PublicKey: realm.PublicKeyPEM(t)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	now := time.Now()

	cases := []struct {
		name   string
		tok    string
		reason string
	}{
		{"expired", realm.Sign(t, jwt.MapClaims{"iss": realm.URL, "exp": now.Add(-time.Minute).Unix()}), "invalid token (expired)"},
		{"not yet valid", realm.Sign(t, jwt.MapClaims{"iss": realm.URL, "nbf": now.Add(time.Hour).Unix()}), "invalid token (not yet valid)"},
		{"wrong key", kctest.SignWith(t, other, "", jwt.MapClaims{"iss": realm.URL}), "invalid token (signature invalid)"},
		{"wrong issuer", realm.Sign(t, jwt.MapClaims{"iss": "https://elsewhere/realms/x"}), "invalid token (wrong ISS)"},
		{"unsigned", kctest.Unsigned(t, jwt.MapClaims{"iss": realm.URL}), "invalid token (signature invalid)"},
		{"garbage", "abc.def.ghi", "invalid token (malformed)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Verify(ctx, tc.tok)
			wantKind(t, err, KindInvalid, tc.reason)
		})
	}
}

func TestOffline_MissingIssuerAccepted(t *testing.T) {
	realm := kctest.New(t)
	ctx := context.Background()
	v, err := NewOffline(ctx, OfflineConfig{RealmURL: realm.URL, PublicKey: realm.PublicKeyPEM(t)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := v.Verify(ctx, realm.Sign(t, jwt.MapClaims{"sub": "u1"})); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestOffline_JWKS(t *testing.T) {
	realm := kctest.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewOffline(ctx, OfflineConfig{RealmURL: realm.URL, MinTimeBetweenJWKSRequests: 10 * time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer v.Close()

	tok := realm.Sign(t, jwt.MapClaims{"iss": realm.URL, "sub": "u1", "exp": time.Now().Add(time.Hour).Unix()})
	if _, err := v.Verify(ctx, tok); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if realm.Calls("certs") == 0 {
		t.Fatalf("expected JWKS fetch")
	}

	// An unknown kid triggers at most one refresh inside the throttle window.
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	before := realm.Calls("certs")
	for i := 0; i < 3; i++ {
		bad := kctest.SignWith(t, other, "unknown", jwt.MapClaims{"iss": realm.URL})
		if _, err := v.Verify(ctx, bad); err == nil {
			t.Fatalf("want failure for unknown kid")
		}
	}
	if got := realm.Calls("certs") - before; got > 1 {
		t.Fatalf("want at most one refresh, got %d", got)
	}
}

func TestParsePublicKey(t *testing.T) {
	rk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	pkix, _ := x509.MarshalPKIXPublicKey(&rk.PublicKey)
	ek, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("gen ec: %v", err)
	}
	ecDER, _ := x509.MarshalPKIXPublicKey(&ek.PublicKey)

	cases := []struct {
		name string
		raw  []byte
		ok   bool
	}{
		{"pkix", pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pkix}), true},
		{"pkcs1", pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&rk.PublicKey)}), true},
		{"ecdsa", pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: ecDER}), true},
		{"jwk", []byte(`{"kty":"EC","crv":"P-256","x":"` + b64(ek.X.FillBytes(make([]byte, 32))) + `","y":"` + b64(ek.Y.FillBytes(make([]byte, 32))) + `"}`), true},
		{"jwk bad kty", []byte(`{"kty":"RS","n":"AQAB","e":"AQAB"}`), false},
		{"not pem", []byte("hello"), false},
		{"empty", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePublicKey(tc.raw)
			if tc.ok && err != nil {
				t.Fatalf("parse: %v", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatalf("want error")
				}
				if !errors.Is(err, ErrUnsupportedKey) {
					t.Fatalf("want ErrUnsupportedKey, got %v", err)
				}
			}
		})
	}
}

func TestOffline_JWKPublicKey(t *testing.T) {
	realm := kctest.New(t)
	ctx := context.Background()
	v, err := NewOffline(ctx, OfflineConfig{RealmURL: realm.URL, PublicKey: realm.PublicKeyJWK(t)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := v.Verify(ctx, realm.Sign(t, jwt.MapClaims{"iss": realm.URL})); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestIntrospection(t *testing.T) {
	realm := kctest.New(t)
	ctx := context.Background()
	v := NewIntrospection(realm.URL, "app", "s3cret", nil)

	var gotForm url.Values
	realm.OnIntrospect(func(form url.Values) kctest.Reply {
		gotForm = form
		return kctest.Reply{Status: http.StatusOK, Body: map[string]any{
			"active": true, "sub": "u1", "realm_access": map[string]any{"roles": []string{"admin"}},
		}}
	})
	got, err := v.Verify(ctx, "a.b.c")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if gotForm.Get("token") != "a.b.c" || gotForm.Get("client_id") != "app" || gotForm.Get("client_secret") != "s3cret" {
		t.Fatalf("unexpected form: %v", gotForm)
	}
	if got.Claims.Subject() != "u1" || got.Expiry != claims.ExpiryNow {
		t.Fatalf("unexpected result: %+v", got)
	}

	realm.OnIntrospect(func(url.Values) kctest.Reply {
		return kctest.Reply{Status: http.StatusOK, Body: map[string]any{"active": false}}
	})
	_, err = v.Verify(ctx, "a.b.c")
	wantKind(t, err, KindInvalid, MsgInvalidCredentials)
}

func TestIntrospection_UpstreamFailures(t *testing.T) {
	realm := kctest.New(t)
	ctx := context.Background()
	v := NewIntrospection(realm.URL, "app", "s3cret", nil)

	cases := []struct {
		name  string
		reply kctest.Reply
	}{
		{"server error", kctest.Reply{Status: http.StatusInternalServerError, Body: "boom"}},
		{"html", kctest.Reply{Status: http.StatusOK, Body: "<html></html>", ContentType: "text/html"}},
		{"bad json", kctest.Reply{Status: http.StatusOK, Body: "{"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			realm.OnIntrospect(func(url.Values) kctest.Reply { return tc.reply })
			_, err := v.Verify(ctx, "a.b.c")
			wantKind(t, err, KindUpstream, "")
		})
	}
}

func TestIntrospection_ErrorBodyStaysOutOfReason(t *testing.T) {
	realm := kctest.New(t)
	realm.OnIntrospect(func(url.Values) kctest.Reply {
		return kctest.Reply{Status: http.StatusInternalServerError, Body: "db password rejected"}
	})
	v := NewIntrospection(realm.URL, "app", "s3cret", nil)
	_, err := v.Verify(context.Background(), "a.b.c")
	ve := wantKind(t, err, KindUpstream, "introspection failed, status 500")
	if !strings.Contains(ve.Error(), "db password rejected") {
		t.Fatalf("want body kept in the wrapped error, got %q", ve.Error())
	}
}

func TestIntrospection_TransportErrorKeepsMessage(t *testing.T) {
	realm := kctest.New(t)
	realmURL := realm.URL
	realm.Srv.Close()
	v := NewIntrospection(realmURL, "app", "s3cret", nil)
	_, err := v.Verify(context.Background(), "a.b.c")
	ve := wantKind(t, err, KindUpstream, "")
	if ve.Reason == MsgInvalidCredentials || !strings.Contains(ve.Reason, "introspect") {
		t.Fatalf("want transport message, got %q", ve.Reason)
	}
}

func TestEntitlement(t *testing.T) {
	realm := kctest.New(t)
	ctx := context.Background()
	v := NewEntitlement(realm.URL, "app", nil)

	rpt := kctest.Unsigned(t, jwt.MapClaims{
		"sub": "u1",
		"authorization": map[string]any{
			"permissions": []any{map[string]any{"scopes": []string{"foo.READ"}}},
		},
	})
	var gotAuthz string
	realm.OnEntitlement(func(authz string) kctest.Reply {
		gotAuthz = authz
		return kctest.Reply{Status: http.StatusOK, Body: map[string]any{"rpt": rpt}}
	})
	got, err := v.Verify(ctx, "a.b.c")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if gotAuthz != "bearer a.b.c" {
		t.Fatalf("want bearer header, got %q", gotAuthz)
	}
	if scope := claims.Scope(got.Claims, "app"); len(scope) != 1 || scope[0] != "scope:foo.READ" {
		t.Fatalf("unexpected scope %v", scope)
	}
}

func TestEntitlement_Failures(t *testing.T) {
	realm := kctest.New(t)
	ctx := context.Background()
	v := NewEntitlement(realm.URL, "app", nil)

	cases := []struct {
		name  string
		reply kctest.Reply
	}{
		{"bad request", kctest.Reply{Status: http.StatusBadRequest, Body: map[string]any{"error": "invalid_request"}}},
		{"no rpt", kctest.Reply{Status: http.StatusOK, Body: map[string]any{}}},
		{"rpt not a jwt", kctest.Reply{Status: http.StatusOK, Body: map[string]any{"rpt": "nope"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			realm.OnEntitlement(func(string) kctest.Reply { return tc.reply })
			_, err := v.Verify(ctx, "a.b.c")
			wantKind(t, err, KindRPT, MsgRPTFailed)
		})
	}
}

func TestLive(t *testing.T) {
	realm := kctest.New(t)
	ctx := context.Background()
	v := NewLive(realm.URL, "app", "s3cret", nil)

	realm.OnIntrospect(func(url.Values) kctest.Reply {
		return kctest.Reply{Status: http.StatusOK, Body: map[string]any{"active": true, "sub": "u1", "realm_access": map[string]any{"roles": []string{"admin"}}}}
	})
	var gotAuthz string
	realm.OnUserInfo(func(authz string) kctest.Reply {
		gotAuthz = authz
		return kctest.Reply{Status: http.StatusOK, Body: map[string]any{"sub": "u1", "email": "u1@example.com"}}
	})
	got, err := v.Verify(ctx, "a.b.c")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if gotAuthz != "Bearer a.b.c" {
		t.Fatalf("unexpected userinfo authorization %q", gotAuthz)
	}
	if got.Profile["email"] != "u1@example.com" {
		t.Fatalf("want profile email, got %v", got.Profile)
	}
	if got.Expiry != claims.ExpiryNow {
		t.Fatalf("want now expiry")
	}

	// Discovery is memoized.
	if _, err := v.Verify(ctx, "a.b.c"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if n := realm.Calls("discovery"); n != 1 {
		t.Fatalf("want one discovery call, got %d", n)
	}
}

func TestLive_FailuresAreInvalid(t *testing.T) {
	realm := kctest.New(t)
	ctx := context.Background()
	v := NewLive(realm.URL, "app", "s3cret", nil)

	realm.OnIntrospect(func(url.Values) kctest.Reply {
		return kctest.Reply{Status: http.StatusOK, Body: map[string]any{"active": false}}
	})
	_, err := v.Verify(ctx, "a.b.c")
	wantKind(t, err, KindInvalid, MsgInvalidCredentials)
	if realm.Calls("userinfo") != 0 {
		t.Fatalf("userinfo must not be called for inactive tokens")
	}

	realm.OnIntrospect(func(url.Values) kctest.Reply {
		return kctest.Reply{Status: http.StatusOK, Body: map[string]any{"active": true}}
	})
	realm.OnUserInfo(func(string) kctest.Reply {
		return kctest.Reply{Status: http.StatusUnauthorized, Body: map[string]any{"error": "invalid_token"}}
	})
	_, err = v.Verify(ctx, "a.b.c")
	wantKind(t, err, KindInvalid, MsgInvalidCredentials)
}

func TestLive_PendingDiscoveryHonoursCallerContext(t *testing.T) {
	realm := kctest.New(t)
	v := NewLive(realm.URL, "app", "s3cret", nil)

	release := make(chan struct{})
	unblock := sync.OnceFunc(func() { close(release) })
	t.Cleanup(unblock)
	realm.OnDiscovery(func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := v.Verify(ctx, "a.b.c")
		done <- err
	}()
	select {
	case err := <-done:
		wantKind(t, err, KindInvalid, MsgInvalidCredentials)
	case <-time.After(5 * time.Second):
		t.Fatalf("verification did not return when its context ended")
	}

	unblock()
	if _, err := v.Verify(context.Background(), "a.b.c"); err != nil {
		t.Fatalf("verify after discovery: %v", err)
	}
	if n := realm.Calls("discovery"); n != 1 {
		t.Fatalf("want one shared discovery call, got %d", n)
	}
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
