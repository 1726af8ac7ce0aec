package verify

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnsupportedKey is returned when a configured public key cannot be used.
var ErrUnsupportedKey = errors.New("unsupported public key")

// ParsePublicKey accepts a PEM encoded public key (PKIX, PKCS#1 or an X.509
// certificate) or a JSON Web Key.
func ParsePublicKey(raw []byte) (crypto.PublicKey, error) {
	data := bytes.TrimSpace(raw)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty key", ErrUnsupportedKey)
	}
	if data[0] == '{' {
		pemBytes, err := JWKToPEM(data)
		if err != nil {
			return nil, err
		}
		data = pemBytes
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: not PEM encoded", ErrUnsupportedKey)
	}
	if block.Type == "RSA PUBLIC KEY" {
		k, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
		}
		return k, nil
	}
	if k, err := jwt.ParseRSAPublicKeyFromPEM(data); err == nil {
		return k, nil
	}
	if k, err := jwt.ParseECPublicKeyFromPEM(data); err == nil {
		return k, nil
	}
	if k, err := jwt.ParseEdPublicKeyFromPEM(data); err == nil {
		return k, nil
	}
	return nil, fmt.Errorf("%w: unrecognized %q block", ErrUnsupportedKey, block.Type)
}

// JWKToPEM converts a single JSON Web Key into a PKIX PEM block. Private
// material, if present, is discarded.
func JWKToPEM(raw []byte) ([]byte, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("%w: invalid JWK: %v", ErrUnsupportedKey, err)
	}
	pub := jwk.Public()
	if !pub.Valid() {
		return nil, fmt.Errorf("%w: JWK has no usable public key", ErrUnsupportedKey)
	}
	der, err := x509.MarshalPKIXPublicKey(pub.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// methodsFor lists the signing algorithms a key may verify.
func methodsFor(key crypto.PublicKey) []string {
	switch key.(type) {
	case *rsa.PublicKey:
		return []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}
	case *ecdsa.PublicKey:
		return []string{"ES256", "ES384", "ES512"}
	case ed25519.PublicKey:
		return []string{"EdDSA"}
	default:
		return nil
	}
}

// allMethods is used when keys come from a JWKS and may be of any type.
var allMethods = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}
