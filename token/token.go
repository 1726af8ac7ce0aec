// Package token extracts bearer tokens from Authorization header values and
// decodes their payload without verifying them.
//
// Parse is purely syntactic: a token with an empty signature segment is
// accepted here and left for a verification strategy to reject.
package token

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ggoodman/kcbearer/claims"
)

var (
	// ErrMissingOrInvalidHeader is returned when the header is absent or is not
	// a bearer token made of three dot separated segments.
	ErrMissingOrInvalidHeader = errors.New("token: missing or invalid authorization header")

	// ErrMalformed is returned when a token payload cannot be decoded.
	ErrMalformed = errors.New("token: malformed")
)

var bearerPattern = regexp.MustCompile(`(?i)^bearer ([A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*)$`)

// Parse extracts the raw token from an Authorization header value. The scheme
// is matched case-insensitively and must be followed by exactly one space.
func Parse(header string) (string, error) {
	m := bearerPattern.FindStringSubmatch(header)
	if m == nil {
		return "", ErrMissingOrInvalidHeader
	}
	return m[1], nil
}

// Decode returns the payload claims of tok without checking its signature.
// Tokens whose alg is unknown or "none" still decode.
func Decode(tok string) (claims.Claims, error) {
	mc := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(tok, mc)
	if err != nil && !errors.Is(err, jwt.ErrTokenUnverifiable) {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return claims.Claims(mc), nil
}
