package token

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"lds.li/oidctoken/claims"
)

// Required holds the inputs every token kind must be constructed with.
type Required struct {
	IDGenerator IDGenerator

	ClientID string
	Issuer   string
	Subject  string
	// UserPrincipal is the IdP-internal name of the authenticated user.
	UserPrincipal string

	IssuedAt  time.Time
	ExpiresAt time.Time
	AuthTime  time.Time

	RedirectURI string
	Scope       claims.Scope
}

// Options holds the optional inputs. Zero values are omitted from the token.
type Options struct {
	// ACR is required for authorization codes and refresh tokens.
	ACR   string
	Nonce string
	// ClaimsRequest is the OIDC claims request object from the authorization
	// request.
	ClaimsRequest json.RawMessage

	// DeliveryClaims and DeliveryClaimsUI may be set on authorization codes
	// and access tokens. DeliveryClaimsID only on authorization codes.
	DeliveryClaims   map[string]any
	DeliveryClaimsID map[string]any
	DeliveryClaimsUI map[string]any

	ConsentableClaims []string
	ConsentedClaims   []string

	// CodeChallenge is the PKCE challenge, authorization codes only.
	CodeChallenge *claims.CodeChallenge
}

// NewAuthorizationCode constructs an authorization code.
func NewAuthorizationCode(req Required, opts *Options) (*Token, error) {
	return build(claims.KindAuthorizationCode, req, opts)
}

// NewAccessToken constructs an access token that is not derived from a parent
// grant.
func NewAccessToken(req Required, opts *Options) (*Token, error) {
	return build(claims.KindAccessToken, req, opts)
}

// NewRefreshToken constructs a refresh token that is not derived from a
// parent grant.
func NewRefreshToken(req Required, opts *Options) (*Token, error) {
	return build(claims.KindRefreshToken, req, opts)
}

func build(kind claims.Kind, req Required, opts *Options) (*Token, error) {
	if opts == nil {
		opts = &Options{}
	}

	if req.IDGenerator == nil {
		return nil, invalidArgument("ID generator is required")
	}
	for name, v := range map[string]string{
		"client ID":      req.ClientID,
		"issuer":         req.Issuer,
		"subject":        req.Subject,
		"user principal": req.UserPrincipal,
		"redirect URI":   req.RedirectURI,
	} {
		if v == "" {
			return nil, invalidArgument("%s is required", name)
		}
	}
	for name, v := range map[string]time.Time{
		"issued at":  req.IssuedAt,
		"expires at": req.ExpiresAt,
		"auth time":  req.AuthTime,
	} {
		if v.IsZero() {
			return nil, invalidArgument("%s is required", name)
		}
	}
	if len(req.Scope) == 0 {
		return nil, invalidArgument("scope is required")
	}
	if opts.CodeChallenge != nil && kind != claims.KindAuthorizationCode {
		return nil, invalidArgument("code challenge can only be set on an authorization code")
	}

	s := &claims.Set{
		Type:              kind,
		Issuer:            req.Issuer,
		Subject:           req.Subject,
		Audience:          []string{req.ClientID},
		ExpiresAt:         truncate(req.ExpiresAt),
		IssuedAt:          truncate(req.IssuedAt),
		AuthTime:          truncate(req.AuthTime),
		JWTID:             req.IDGenerator.NewID(),
		ACR:               opts.ACR,
		Nonce:             opts.Nonce,
		RedirectURI:       req.RedirectURI,
		Scope:             slices.Clone(req.Scope),
		UserPrincipal:     req.UserPrincipal,
		ClaimsRequestJSON: slices.Clone(opts.ClaimsRequest),
		DeliveryClaims:    cloneClaims(opts.DeliveryClaims),
		DeliveryClaimsID:  cloneClaims(opts.DeliveryClaimsID),
		DeliveryClaimsUI:  cloneClaims(opts.DeliveryClaimsUI),
		ConsentableClaims: slices.Clone(opts.ConsentableClaims),
		ConsentedClaims:   slices.Clone(opts.ConsentedClaims),
	}
	if opts.CodeChallenge != nil {
		s.CodeChallenge = opts.CodeChallenge.String()
	}

	return newToken(s)
}

// DeriveOptions are the inputs to a derivation. Everything not listed here is
// inherited from the parent.
type DeriveOptions struct {
	IDGenerator IDGenerator

	IssuedAt  time.Time
	ExpiresAt time.Time

	// Scope is the requested scope, which must be a subset of the parent's.
	// The parent scope is inherited when nil.
	Scope claims.Scope

	// DropACR omits the parent's ACR from a derived access token.
	DropACR bool

	// DeliveryClaims and DeliveryClaimsUI replace the parent's delivery
	// claims on a derived access token when non-nil.
	DeliveryClaims   map[string]any
	DeliveryClaimsUI map[string]any
}

// DeriveAccessToken derives an access token from an authorization code or a
// refresh token. Identity, nonce, auth time, redirect URI, claims request and
// consent are inherited verbatim, the ID, issue time and expiry are fresh.
// Delivery claims for the ID token are dropped.
func DeriveAccessToken(parent *Token, opts DeriveOptions) (*Token, error) {
	if parent.kind == claims.KindAccessToken {
		return nil, invalidArgument("access tokens can not be derived from an access token")
	}
	s, err := derive(parent, claims.KindAccessToken, opts)
	if err != nil {
		return nil, err
	}
	if opts.DropACR {
		s.ACR = ""
	}
	s.DeliveryClaims = cloneClaims(parent.claims.DeliveryClaims)
	s.DeliveryClaimsUI = cloneClaims(parent.claims.DeliveryClaimsUI)
	if opts.DeliveryClaims != nil {
		s.DeliveryClaims = cloneClaims(opts.DeliveryClaims)
	}
	if opts.DeliveryClaimsUI != nil {
		s.DeliveryClaimsUI = cloneClaims(opts.DeliveryClaimsUI)
	}
	return newToken(s)
}

// DeriveRefreshToken derives a refresh token from an authorization code, or
// from a refresh token when rotating. It carries the authorization context
// needed to mint later access tokens, but no delivery claims.
func DeriveRefreshToken(parent *Token, opts DeriveOptions) (*Token, error) {
	if parent.kind == claims.KindAccessToken {
		return nil, invalidArgument("refresh tokens can not be derived from an access token")
	}
	if opts.DropACR {
		return nil, invalidArgument("ACR can only be dropped from access tokens")
	}
	s, err := derive(parent, claims.KindRefreshToken, opts)
	if err != nil {
		return nil, err
	}
	return newToken(s)
}

func derive(parent *Token, kind claims.Kind, opts DeriveOptions) (*claims.Set, error) {
	if opts.IDGenerator == nil {
		return nil, invalidArgument("ID generator is required")
	}
	if opts.IssuedAt.IsZero() || opts.ExpiresAt.IsZero() {
		return nil, invalidArgument("issued at and expires at are required")
	}

	p := parent.claims
	scope := p.Scope
	if opts.Scope != nil {
		if !opts.Scope.SubsetOf(p.Scope) {
			return nil, fmt.Errorf("%w: %q not within %q", ErrScopeViolation, opts.Scope.String(), p.Scope.String())
		}
		scope = opts.Scope
	}

	jti := opts.IDGenerator.NewID()
	if jti == p.JWTID {
		return nil, invalidArgument("ID generator returned the parent's ID")
	}

	return &claims.Set{
		Type:              kind,
		Issuer:            p.Issuer,
		Subject:           p.Subject,
		Audience:          slices.Clone(p.Audience),
		ExpiresAt:         truncate(opts.ExpiresAt),
		IssuedAt:          truncate(opts.IssuedAt),
		AuthTime:          p.AuthTime,
		JWTID:             jti,
		ACR:               p.ACR,
		Nonce:             p.Nonce,
		RedirectURI:       p.RedirectURI,
		Scope:             slices.Clone(scope),
		UserPrincipal:     p.UserPrincipal,
		ClaimsRequestJSON: slices.Clone(p.ClaimsRequestJSON),
		ConsentableClaims: slices.Clone(p.ConsentableClaims),
		ConsentedClaims:   slices.Clone(p.ConsentedClaims),
	}, nil
}

// newToken validates the finished set, so a token that exists always
// encodes.
func newToken(s *claims.Set) (*Token, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return &Token{kind: s.Type, claims: s}, nil
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// truncate drops sub-second precision, which the wire form does not carry.
func truncate(t time.Time) time.Time {
	return time.Unix(t.Unix(), 0)
}
