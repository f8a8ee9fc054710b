// Package claims implements the canonical claim set carried inside sealed
// authorization codes, access tokens and refresh tokens, and its strict JSON
// codec.
package claims

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"lds.li/oidctoken/oidc"
)

// Kind tags which token a claim set describes. It is immutable once the set
// has been constructed.
type Kind string

const (
	KindAuthorizationCode Kind = "ac"
	KindAccessToken       Kind = "at"
	KindRefreshToken      Kind = "rt"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindAuthorizationCode, KindAccessToken, KindRefreshToken:
		return true
	}
	return false
}

func (k Kind) String() string {
	switch k {
	case KindAuthorizationCode:
		return "authorization code"
	case KindAccessToken:
		return "access token"
	case KindRefreshToken:
		return "refresh token"
	}
	return fmt.Sprintf("unknown kind %q", string(k))
}

// Claim names used on the wire.
const (
	KeyType              = "type"
	KeyIssuer            = "iss"
	KeySubject           = "sub"
	KeyAudience          = "aud"
	KeyExpiresAt         = "exp"
	KeyIssuedAt          = "iat"
	KeyJWTID             = "jti"
	KeyACR               = "acr"
	KeyNonce             = "nonce"
	KeyAuthTime          = "auth_time"
	KeyRedirectURI       = "redirect_uri"
	KeyScope             = "scope"
	KeyClaimsRequest     = "claims"
	KeyDeliveryClaims    = "dl_claims"
	KeyDeliveryClaimsID  = "dl_claims_id"
	KeyDeliveryClaimsUI  = "dl_claims_ui"
	KeyConsentableClaims = "cnsntl_claims"
	KeyConsentedClaims   = "cnsntd_claims"
	KeyCodeChallenge     = "code_challenge"
	KeyUserPrincipal     = "prncpl"
)

// Set is the canonical claim set. Optional string members are absent when
// empty, optional slices and maps are absent when nil.
//
// A Set is not mutated after it has been encoded; derived tokens get a new
// Set.
type Set struct {
	Type     Kind
	Issuer   string
	Subject  string
	Audience []string
	// ExpiresAt, IssuedAt and AuthTime have one second resolution on the wire.
	ExpiresAt time.Time
	IssuedAt  time.Time
	AuthTime  time.Time
	JWTID     string

	ACR         string
	Nonce       string
	RedirectURI string
	Scope       Scope
	// UserPrincipal is the IdP-internal name of the authenticated user, which
	// may differ from a pairwise Subject.
	UserPrincipal string

	// ClaimsRequestJSON is the compact JSON object of the OIDC claims request
	// from the authorization request.
	ClaimsRequestJSON json.RawMessage

	// DeliveryClaims are visible to both the ID token and UserInfo.
	DeliveryClaims map[string]any
	// DeliveryClaimsID are for the ID token only.
	DeliveryClaimsID map[string]any
	// DeliveryClaimsUI are for UserInfo only.
	DeliveryClaimsUI map[string]any

	ConsentableClaims []string
	ConsentedClaims   []string

	// CodeChallenge is the PKCE challenge in <value>:<method> form.
	CodeChallenge string

	// Extra holds members this version does not know about. They are carried
	// through decode and encode unchanged.
	Extra map[string]json.RawMessage
}

// ClientID returns the single audience of the set, which is the client the
// token was issued to.
func (s *Set) ClientID() string {
	if len(s.Audience) != 1 {
		return ""
	}
	return s.Audience[0]
}

// Expired reports whether the set is expired at now. Expiry is half-open, the
// set is alive while now < exp.
func (s *Set) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// RedirectURL parses the redirect URI.
func (s *Set) RedirectURL() (*url.URL, error) {
	return parseRedirectURI(s.RedirectURI)
}

// ClaimsRequest parses the stored OIDC claims request. It returns nil if no
// claims request was stored.
func (s *Set) ClaimsRequest() (*oidc.ClaimsRequest, error) {
	if s.ClaimsRequestJSON == nil {
		return nil, nil
	}
	cr, err := oidc.ParseClaimsRequest(s.ClaimsRequestJSON)
	if err != nil {
		return nil, &ParseError{Claim: KeyClaimsRequest, Reason: "invalid claims request", Err: err}
	}
	return cr, nil
}

// PKCEChallenge parses the stored code challenge. It returns nil if the set
// carries none.
func (s *Set) PKCEChallenge() (*CodeChallenge, error) {
	if s.CodeChallenge == "" {
		return nil, nil
	}
	cc, err := ParseCodeChallenge(s.CodeChallenge)
	if err != nil {
		return nil, &ParseError{Claim: KeyCodeChallenge, Reason: "invalid code challenge", Err: err}
	}
	return &cc, nil
}

// MarshalJSON encodes the set, see Encode.
func (s *Set) MarshalJSON() ([]byte, error) {
	return Encode(s)
}

// UnmarshalJSON decodes into the set, see Decode.
func (s *Set) UnmarshalJSON(b []byte) error {
	d, err := Decode(b)
	if err != nil {
		return err
	}
	*s = *d
	return nil
}

// ParseError is returned when a claim set is malformed, is missing a claim
// required for its kind, or carries a claim of the wrong shape.
type ParseError struct {
	// Claim is the offending member, empty if the document as a whole is
	// malformed.
	Claim  string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	msg := "claims: "
	if e.Claim != "" {
		msg += fmt.Sprintf("claim %q: ", e.Claim)
	}
	msg += e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
