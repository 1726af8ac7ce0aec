// Package kctest runs an in-process identity provider realm for tests. It
// serves discovery, JWKS, introspection, entitlement and userinfo endpoints
// whose behavior each test can swap.
package kctest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// RealmPath is the path of the realm under the server root.
const RealmPath = "/realms/test"

// Reply is a canned endpoint response.
type Reply struct {
	Status      int
	Body        any
	ContentType string
}

// Realm is a running mock realm.
type Realm struct {
	Srv      *httptest.Server
	URL      string
	Key      *rsa.PrivateKey
	KID      string
	JWKSJSON []byte

	mu          sync.Mutex
	calls       map[string]int
	introspect  func(form url.Values) Reply
	entitlement func(authz string) Reply
	userinfo    func(authz string) Reply
	discovery   func()
}

// New starts a realm with an RSA signing key. Introspection reports every
// token active, entitlement fails with 403 and userinfo returns a fixed
// profile until overridden.
func New(t testing.TB) *Realm {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	r := &Realm{Key: pk, KID: "test-key", calls: map[string]int{}}
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: r.KID, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	if r.JWKSJSON, err = json.Marshal(set); err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	r.introspect = func(url.Values) Reply { return Reply{Status: http.StatusOK, Body: map[string]any{"active": true}} }
	r.entitlement = func(string) Reply { return Reply{Status: http.StatusForbidden, Body: map[string]any{"error": "access_denied"}} }
	r.userinfo = func(string) Reply {
		return Reply{Status: http.StatusOK, Body: map[string]any{"sub": "u1", "email": "u1@example.com"}}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(RealmPath+"/.well-known/openid-configuration", func(w http.ResponseWriter, req *http.Request) {
		r.hit("discovery")
		r.mu.Lock()
		gate := r.discovery
		r.mu.Unlock()
		if gate != nil {
			gate()
		}
		writeReply(w, Reply{Status: http.StatusOK, Body: map[string]any{
			"issuer":                                r.URL,
			"jwks_uri":                              r.URL + "/protocol/openid-connect/certs",
			"authorization_endpoint":                r.URL + "/protocol/openid-connect/auth",
			"token_endpoint":                        r.URL + "/protocol/openid-connect/token",
			"userinfo_endpoint":                     r.URL + "/protocol/openid-connect/userinfo",
			"introspection_endpoint":                r.URL + "/protocol/openid-connect/token/introspect",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		}})
	})
	mux.HandleFunc(RealmPath+"/protocol/openid-connect/certs", func(w http.ResponseWriter, req *http.Request) {
		r.hit("certs")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(r.JWKSJSON)
	})
	mux.HandleFunc(RealmPath+"/protocol/openid-connect/token/introspect", func(w http.ResponseWriter, req *http.Request) {
		r.hit("introspect")
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := req.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		r.mu.Lock()
		fn := r.introspect
		r.mu.Unlock()
		writeReply(w, fn(req.PostForm))
	})
	mux.HandleFunc(RealmPath+"/authz/entitlement/", func(w http.ResponseWriter, req *http.Request) {
		r.hit("entitlement")
		r.mu.Lock()
		fn := r.entitlement
		r.mu.Unlock()
		writeReply(w, fn(req.Header.Get("Authorization")))
	})
	mux.HandleFunc(RealmPath+"/protocol/openid-connect/userinfo", func(w http.ResponseWriter, req *http.Request) {
		r.hit("userinfo")
		r.mu.Lock()
		fn := r.userinfo
		r.mu.Unlock()
		writeReply(w, fn(req.Header.Get("Authorization")))
	})
	r.Srv = httptest.NewServer(mux)
	r.URL = r.Srv.URL + RealmPath
	t.Cleanup(r.Srv.Close)
	return r
}

func writeReply(w http.ResponseWriter, rep Reply) {
	ct := rep.ContentType
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(rep.Status)
	switch b := rep.Body.(type) {
	case nil:
	case string:
		_, _ = w.Write([]byte(b))
	default:
		_ = json.NewEncoder(w).Encode(b)
	}
}

func (r *Realm) hit(name string) {
	r.mu.Lock()
	r.calls[name]++
	r.mu.Unlock()
}

// Calls reports how many requests an endpoint has served. Names are
// discovery, certs, introspect, entitlement and userinfo.
func (r *Realm) Calls(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

// OnIntrospect replaces the introspection behavior.
func (r *Realm) OnIntrospect(fn func(form url.Values) Reply) {
	r.mu.Lock()
	r.introspect = fn
	r.mu.Unlock()
}

// OnEntitlement replaces the entitlement behavior.
func (r *Realm) OnEntitlement(fn func(authz string) Reply) {
	r.mu.Lock()
	r.entitlement = fn
	r.mu.Unlock()
}

// OnDiscovery runs fn before each discovery document is served.
func (r *Realm) OnDiscovery(fn func()) {
	r.mu.Lock()
	r.discovery = fn
	r.mu.Unlock()
}

// OnUserInfo replaces the userinfo behavior.
func (r *Realm) OnUserInfo(fn func(authz string) Reply) {
	r.mu.Lock()
	r.userinfo = fn
	r.mu.Unlock()
}

// Sign issues an RS256 token with the realm key.
func (r *Realm) Sign(t testing.TB, c jwt.MapClaims) string {
	t.Helper()
	return SignWith(t, r.Key, r.KID, c)
}

// SignWith issues an RS256 token with an arbitrary key.
func SignWith(t testing.TB, pk *rsa.PrivateKey, kid string, c jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

// PublicKeyPEM returns the realm key as a PKIX PEM block.
func (r *Realm) PublicKeyPEM(t testing.TB) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&r.Key.PublicKey)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

// PublicKeyJWK returns the realm key as a single JSON Web Key.
func (r *Realm) PublicKeyJWK(t testing.TB) []byte {
	t.Helper()
	b, err := json.Marshal(jose.JSONWebKey{Key: &r.Key.PublicKey, KeyID: r.KID, Algorithm: "RS256", Use: "sig"})
	if err != nil {
		t.Fatalf("marshal jwk: %v", err)
	}
	return b
}

// Unsigned builds a token with alg none, as returned inside RPT responses
// in tests.
func Unsigned(t testing.TB, c jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodNone, c).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	return s
}
