// Package oauth2as implements the token side of an OpenID Connect provider
// over self-contained sealed tokens. Authorization codes, access tokens and
// refresh tokens carry their full context inside a sealed value, the only
// server side state is the replay store used to make codes single-use.
package oauth2as

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"lds.li/oidctoken/idtoken"
	"lds.li/oidctoken/replay"
	"lds.li/oidctoken/token"
)

// Sealer wraps and unwraps bearer values. *sealer.Sealer implements it.
type Sealer interface {
	token.Wrapper
	token.Unwrapper
}

// RefreshTokenRotation controls whether refresh tokens are single use.
type RefreshTokenRotation string

const (
	// RefreshTokenRotationOff leaves refresh tokens reusable until they
	// expire. No new refresh token is issued on refresh.
	RefreshTokenRotationOff RefreshTokenRotation = "off"
	// RefreshTokenRotationRotateAndRevoke reserves the presented refresh
	// token's ID, so it can be used once, and issues a new refresh token on
	// every refresh.
	RefreshTokenRotationRotateAndRevoke RefreshTokenRotation = "rotate-and-revoke"
)

// PKCEPolicy controls which clients must use PKCE.
type PKCEPolicy string

const (
	PKCERequiredNone          PKCEPolicy = "none"
	PKCERequiredPublicClients PKCEPolicy = "public-clients"
	PKCERequiredAll           PKCEPolicy = "all"
)

const (
	// DefaultAccessTokenTTL is used if AccessTokenTTL is not configured.
	DefaultAccessTokenTTL = 1 * time.Hour
	// DefaultRefreshTokenTTL is used if RefreshTokenTTL is not configured.
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
	// DefaultAuthorizationCodeTTL is used if AuthorizationCodeTTL is not
	// configured.
	DefaultAuthorizationCodeTTL = 60 * time.Second
	// DefaultIDTokenTTL is used if IDTokenTTL is not configured.
	DefaultIDTokenTTL = 1 * time.Hour
)

const (
	DefaultTokenEndpoint    = "/token"
	DefaultUserinfoEndpoint = "/userinfo"
)

// DeliveryClaims are identity attributes to carry in an access token.
type DeliveryClaims struct {
	// Claims are delivered to both the ID token and UserInfo.
	Claims map[string]any
	// UserinfoClaims are delivered to UserInfo only.
	UserinfoClaims map[string]any
}

// ClaimsResolver returns fresh delivery claims for the access token minted
// on a refresh grant. Refresh tokens carry no delivery claims themselves.
type ClaimsResolver func(ctx context.Context, grant *token.Token) (*DeliveryClaims, error)

// Config configures a Server.
type Config struct {
	// Issuer is the issuer we are serving for. It is stamped into every token,
	// and tokens presented with a different issuer are rejected.
	Issuer string
	// Sealer seals and unseals all bearer values.
	Sealer Sealer
	// ReplayStore makes authorization codes, and refresh tokens when rotation
	// is enabled, single use.
	ReplayStore replay.Store
	Clients     ClientSource
	// IDTokenSigner signs ID tokens issued on code redemption.
	IDTokenSigner idtoken.Signer
	// IDGenerator mints token IDs. Defaults to token.RandomIDGenerator.
	IDGenerator token.IDGenerator

	// Logger can be used to configure a logger that will have errors and
	// warning logged. Defaults to discarding this information.
	Logger *slog.Logger

	// AccessTokenTTL is how long issued access tokens are valid. Defaults to
	// DefaultAccessTokenTTL.
	AccessTokenTTL time.Duration
	// RefreshTokenTTL is how long issued refresh tokens are valid. Defaults to
	// DefaultRefreshTokenTTL.
	RefreshTokenTTL time.Duration
	// AuthorizationCodeTTL is the maximum time the authorization code is
	// valid, before it is exchanged for a token. This should be a short value,
	// as the exchange should generally not take long. Defaults to
	// DefaultAuthorizationCodeTTL.
	AuthorizationCodeTTL time.Duration
	// IDTokenTTL sets the validity of issued ID tokens. Defaults to
	// DefaultIDTokenTTL.
	IDTokenTTL time.Duration
	// RefreshTokenRotation defaults to RefreshTokenRotationOff.
	RefreshTokenRotation RefreshTokenRotation
	// ClockSkew is tolerated when checking token expiry and issue times.
	ClockSkew time.Duration
	// PKCERequired defaults to PKCERequiredPublicClients.
	PKCERequired PKCEPolicy
	// DropAccessTokenACR omits the ACR from issued access tokens.
	DropAccessTokenACR bool
	// ClaimsResolver is optional. If nil, access tokens minted on refresh
	// carry no delivery claims.
	ClaimsResolver ClaimsResolver

	TokenPath string
	// UserinfoPath is the path the UserInfo endpoint is served on. Defaults to
	// DefaultUserinfoEndpoint.
	UserinfoPath string

	now func() time.Time
}

// Server issues and redeems sealed tokens.
type Server struct {
	config Config
	mux    *http.ServeMux

	logger *slog.Logger

	now func() time.Time
}

func NewServer(c Config) (*Server, error) {
	// perform validations
	if c.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if _, err := url.Parse(c.Issuer); err != nil {
		return nil, fmt.Errorf("parsing issuer: %w", err)
	}
	if c.Sealer == nil {
		return nil, fmt.Errorf("sealer is required")
	}
	if c.ReplayStore == nil {
		return nil, fmt.Errorf("replay store is required")
	}
	if c.Clients == nil {
		return nil, fmt.Errorf("clients is required")
	}
	if c.IDTokenSigner == nil {
		return nil, fmt.Errorf("ID token signer is required")
	}
	if c.ClockSkew < 0 {
		return nil, fmt.Errorf("clock skew can not be negative")
	}

	// Set defaults

	if c.IDGenerator == nil {
		c.IDGenerator = token.RandomIDGenerator
	}
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.AuthorizationCodeTTL == 0 {
		c.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if c.IDTokenTTL == 0 {
		c.IDTokenTTL = DefaultIDTokenTTL
	}
	for name, ttl := range map[string]time.Duration{
		"access token TTL":       c.AccessTokenTTL,
		"refresh token TTL":      c.RefreshTokenTTL,
		"authorization code TTL": c.AuthorizationCodeTTL,
		"ID token TTL":           c.IDTokenTTL,
	} {
		if ttl < 0 {
			return nil, fmt.Errorf("%s can not be negative", name)
		}
	}

	switch c.RefreshTokenRotation {
	case "":
		c.RefreshTokenRotation = RefreshTokenRotationOff
	case RefreshTokenRotationOff, RefreshTokenRotationRotateAndRevoke:
	default:
		return nil, fmt.Errorf("unknown refresh token rotation %q", c.RefreshTokenRotation)
	}
	switch c.PKCERequired {
	case "":
		c.PKCERequired = PKCERequiredPublicClients
	case PKCERequiredNone, PKCERequiredPublicClients, PKCERequiredAll:
	default:
		return nil, fmt.Errorf("unknown PKCE policy %q", c.PKCERequired)
	}

	if c.TokenPath == "" {
		c.TokenPath = DefaultTokenEndpoint
	}
	if c.UserinfoPath == "" {
		c.UserinfoPath = DefaultUserinfoEndpoint
	}

	svr := &Server{
		config: c,
		mux:    http.NewServeMux(),
		logger: c.Logger,
		now:    c.now,
	}
	if svr.logger == nil {
		svr.logger = slog.New(slog.DiscardHandler)
	}
	if svr.now == nil {
		svr.now = time.Now
	}

	svr.mux.Handle("POST "+c.TokenPath, http.HandlerFunc(svr.TokenHandler))
	svr.mux.Handle("GET "+c.UserinfoPath, http.HandlerFunc(svr.Userinfo))
	svr.mux.Handle("POST "+c.UserinfoPath, http.HandlerFunc(svr.Userinfo))

	return svr, nil
}

// ServeHTTP will handle requests on the following paths:
// * TokenPath
// * UserinfoPath
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.mux.ServeHTTP(w, req)
}
