// Package kcbearer authenticates HTTP bearer tokens issued by a Keycloak
// compatible OpenID Connect realm.
//
// A Registry holds named strategy configurations. Each configuration selects
// one way of verifying tokens:
//
//   - entitlement: the token is exchanged for a Requesting Party Token whose
//     permissions contribute scopes.
//   - secret with live: the token is introspected and the user profile is
//     loaded from the userinfo endpoint on every request.
//   - secret: the token is introspected.
//   - otherwise: the signature is checked locally, against publicKey when
//     set and against the realm JWKS when not.
//
// A Validator resolves an Authorization header to claims.Credentials. It
// parses the header, consults the per-strategy result cache, verifies the
// token once and derives the scope list (realm roles as "realm:<role>",
// client roles as "<client>:<role>" with the configured client unprefixed,
// and RPT permission scopes as "scope:<name>").
//
// Failures are returned as *Error values carrying a Kind, a reason and the
// strategy name, enough for an HTTP layer to render a WWW-Authenticate
// challenge. See the httpauth package for a net/http middleware.
package kcbearer
