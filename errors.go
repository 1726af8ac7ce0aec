package kcbearer

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an Error.
type Kind int

const (
	// KindMissingOrInvalidHeader means the Authorization header is absent or
	// is not a syntactically valid bearer token.
	KindMissingOrInvalidHeader Kind = iota + 1
	// KindInvalidCredentials means the token was rejected as invalid, expired
	// or inactive.
	KindInvalidCredentials
	// KindUpstream means the identity provider could not be consulted.
	KindUpstream
	// KindRPTRetrievalFailed means no RPT could be obtained for the token.
	KindRPTRetrievalFailed
	// KindAmbiguousStrategy means no strategy name was given while several
	// strategies are registered.
	KindAmbiguousStrategy
	// KindNotFound means the named strategy is not registered.
	KindNotFound
	// KindDuplicateName means a strategy of that name is already registered.
	KindDuplicateName
	// KindInvalidConfig means a strategy configuration failed validation.
	KindInvalidConfig
)

var kindNames = map[Kind]string{
	KindMissingOrInvalidHeader: "missing_or_invalid_header",
	KindInvalidCredentials:     "invalid_credentials",
	KindUpstream:               "upstream",
	KindRPTRetrievalFailed:     "rpt_retrieval_failed",
	KindAmbiguousStrategy:      "ambiguous_strategy",
	KindNotFound:               "not_found",
	KindDuplicateName:          "duplicate_name",
	KindInvalidConfig:          "invalid_config",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// PerRequest reports whether the kind describes a rejected request rather
// than a programming or configuration mistake.
func (k Kind) PerRequest() bool {
	switch k {
	case KindMissingOrInvalidHeader, KindInvalidCredentials, KindUpstream, KindRPTRetrievalFailed:
		return true
	}
	return false
}

// Messages used as reasons when no more specific cause is surfaced.
const (
	MsgMissingOrInvalidHeader = "Missing or invalid authorization header"
	MsgInvalidCredentials     = "Invalid credentials"
	MsgRPTRetrievalFailed     = "Retrieving the RPT failed"
)

var (
	// ErrUnauthorized matches every per-request failure.
	ErrUnauthorized = errors.New("kcbearer: unauthorized")

	// ErrMissingOrInvalidHeader matches KindMissingOrInvalidHeader.
	ErrMissingOrInvalidHeader = errors.New("kcbearer: missing or invalid authorization header")
	// ErrInvalidCredentials matches KindInvalidCredentials.
	ErrInvalidCredentials = errors.New("kcbearer: invalid credentials")
	// ErrUpstream matches KindUpstream.
	ErrUpstream = errors.New("kcbearer: identity provider unavailable")
	// ErrRPTRetrievalFailed matches KindRPTRetrievalFailed.
	ErrRPTRetrievalFailed = errors.New("kcbearer: rpt retrieval failed")
	// ErrAmbiguousStrategy matches KindAmbiguousStrategy.
	ErrAmbiguousStrategy = errors.New("kcbearer: ambiguous strategy")
	// ErrStrategyNotFound matches KindNotFound.
	ErrStrategyNotFound = errors.New("kcbearer: strategy not found")
	// ErrDuplicateStrategy matches KindDuplicateName.
	ErrDuplicateStrategy = errors.New("kcbearer: duplicate strategy")
	// ErrInvalidConfig matches KindInvalidConfig.
	ErrInvalidConfig = errors.New("kcbearer: invalid config")
)

func (k Kind) sentinel() error {
	switch k {
	case KindMissingOrInvalidHeader:
		return ErrMissingOrInvalidHeader
	case KindInvalidCredentials:
		return ErrInvalidCredentials
	case KindUpstream:
		return ErrUpstream
	case KindRPTRetrievalFailed:
		return ErrRPTRetrievalFailed
	case KindAmbiguousStrategy:
		return ErrAmbiguousStrategy
	case KindNotFound:
		return ErrStrategyNotFound
	case KindDuplicateName:
		return ErrDuplicateStrategy
	case KindInvalidConfig:
		return ErrInvalidConfig
	}
	return nil
}

// Error is the single error type returned by this package.
type Error struct {
	Kind Kind
	// Reason is safe to show to clients.
	Reason string
	// Strategy is the registration name involved, when known.
	Strategy string
	// Err is the underlying cause. It may carry transport details and is
	// meant for logs.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("kcbearer: ")
	b.WriteString(e.Kind.String())
	if e.Strategy != "" {
		fmt.Fprintf(&b, " (strategy %q)", e.Strategy)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil && e.Err.Error() != e.Reason {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind, and ErrUnauthorized for
// per-request kinds.
func (e *Error) Is(target error) bool {
	if target == ErrUnauthorized {
		return e.Kind.PerRequest()
	}
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// AuthenticationChallenge describes an HTTP challenge (status + WWW-Authenticate header).
type AuthenticationChallenge struct {
	Status          int
	WWWAuthenticate string
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// Challenge returns the HTTP rendering of the error. Per-request kinds map
// to 401 with a Bearer challenge naming the strategy as realm; everything
// else is a server side mistake and maps to 500 without a challenge.
func (e *Error) Challenge() AuthenticationChallenge {
	if !e.Kind.PerRequest() {
		return AuthenticationChallenge{Status: http.StatusInternalServerError}
	}
	code := "invalid_token"
	if e.Kind == KindMissingOrInvalidHeader {
		code = "invalid_request"
	}
	reason := e.Reason
	if reason == "" {
		reason = MsgInvalidCredentials
	}
	return AuthenticationChallenge{
		Status: http.StatusUnauthorized,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm="%s", error="%s", error_description="%s"`,
			quoteEscaper.Replace(e.Strategy), code, quoteEscaper.Replace(reason)),
	}
}

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func newError(kind Kind, strategy, reason string, err error) *Error {
	return &Error{Kind: kind, Strategy: strategy, Reason: reason, Err: err}
}
