package httpauth

import (
	"github.com/ggoodman/kcbearer"
	"github.com/ggoodman/kcbearer/claims"
)

// Mode decides how authentication failures affect a request.
type Mode int

const (
	// Required rejects every request that does not authenticate.
	Required Mode = iota
	// Optional lets requests without an Authorization header through
	// unauthenticated and rejects those with a bad one.
	Optional
	// Try lets every failing request through unauthenticated.
	Try
)

func (m Mode) String() string {
	switch m {
	case Required:
		return "required"
	case Optional:
		return "optional"
	case Try:
		return "try"
	default:
		return "unknown"
	}
}

// Outcome is the decision taken for one request. It is one of
// Authenticated, Anonymous, Redirect or Denied.
type Outcome interface {
	outcome()
}

// Authenticated carries the credentials of a successful validation.
type Authenticated struct {
	Credentials *claims.Credentials
	Strategy    string
}

// Anonymous lets the request through without credentials. Err is the
// failure that was tolerated, nil when no header was sent.
type Anonymous struct {
	Err error
}

// Redirect sends the client elsewhere, typically to a login page.
type Redirect struct {
	URL string
	Err error
}

// Denied rejects the request.
type Denied struct {
	Err error
}

func (Authenticated) outcome() {}
func (Anonymous) outcome()     {}
func (Redirect) outcome()      {}
func (Denied) outcome()        {}

// Attempt is the result of validating one request.
type Attempt struct {
	// HeaderPresent reports whether the request carried an Authorization
	// header at all.
	HeaderPresent bool
	Strategy      string
	Credentials   *claims.Credentials
	Err           error
}

// Decide maps an attempt to an outcome. Registry misuse (an unknown or
// ambiguous strategy) is always denied regardless of mode. Under Required a
// non-empty redirectTo turns rejections into redirects.
func Decide(mode Mode, a Attempt, redirectTo string) Outcome {
	if a.Err == nil && a.Credentials != nil {
		return Authenticated{Credentials: a.Credentials, Strategy: a.Strategy}
	}
	if e, ok := kcbearer.AsError(a.Err); ok && !e.Kind.PerRequest() {
		return Denied{Err: a.Err}
	}
	switch mode {
	case Try:
		return Anonymous{Err: a.Err}
	case Optional:
		if !a.HeaderPresent {
			return Anonymous{}
		}
	case Required:
		if redirectTo != "" {
			return Redirect{URL: redirectTo, Err: a.Err}
		}
	}
	return Denied{Err: a.Err}
}
