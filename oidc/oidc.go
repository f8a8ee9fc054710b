// Package oidc contains OpenID Connect protocol constants and types shared by
// the provider packages.
package oidc

const (
	// ScopeOpenID is the scope that marks a request as an OpenID Connect
	// request. ID tokens are only issued when it was granted.
	ScopeOpenID = "openid"
	// ScopeOfflineAccess requests a refresh token.
	//
	// https://openid.net/specs/openid-connect-core-1_0.html#OfflineAccess
	ScopeOfflineAccess = "offline_access"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
)

// CodeChallengeMethod is a PKCE transformation.
//
// https://www.rfc-editor.org/rfc/rfc7636#section-4.2
type CodeChallengeMethod string

const (
	CodeChallengeMethodS256  CodeChallengeMethod = "S256"
	CodeChallengeMethodPlain CodeChallengeMethod = "plain"
)

// Valid reports whether the method is one this provider can verify. The
// comparison is case-sensitive.
func (m CodeChallengeMethod) Valid() bool {
	return m == CodeChallengeMethodS256 || m == CodeChallengeMethodPlain
}
