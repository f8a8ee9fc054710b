package oauth2as

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"lds.li/oidctoken/claims"
	"lds.li/oidctoken/idtoken"
	"lds.li/oidctoken/oauth2as/internal/oauth2"
	"lds.li/oidctoken/oidc"
	"lds.li/oidctoken/token"
)

// TokenRequest is a token endpoint request from an authenticated client.
type TokenRequest struct {
	// GrantType is authorization_code or refresh_token.
	GrantType string
	// Code is the sealed authorization code, for the authorization_code
	// grant.
	Code string
	// RefreshToken is the sealed refresh token, for the refresh_token grant.
	RefreshToken string
	// RedirectURI must match the authorization request byte for byte.
	RedirectURI  string
	CodeVerifier string
	// Scope is the requested scope. The granted scope is used when nil.
	Scope claims.Scope
	// ClientID is the authenticated client.
	ClientID string
}

// TokenResponse holds the sealed and signed tokens issued for a request.
type TokenResponse struct {
	AccessToken string
	// RefreshToken is set if one was issued.
	RefreshToken string
	// IDToken is set if one was issued.
	IDToken   string
	ExpiresIn time.Duration
	Scope     claims.Scope
}

// phase is the furthest state an exchange reached, for logging.
type phase string

const (
	phaseStart            phase = "start"
	phaseGrantParsed      phase = "grant_parsed"
	phaseTokenUnwrapped   phase = "token_unwrapped"
	phaseIdentityVerified phase = "identity_verified"
	phaseReplayReserved   phase = "replay_reserved"
	phaseIssued           phase = "issued"
	phaseDone             phase = "done"
)

// TokenHandler is used to handle the token endpoint for the authorization
// code and refresh token grants. It authenticates the client against the
// ClientSource, then runs Exchange.
//
// This will always return a response to the user, regardless of success or
// failure.
//
// https://openid.net/specs/openid-connect-core-1_0.html#TokenEndpoint
// https://openid.net/specs/openid-connect-core-1_0.html#RefreshTokens
func (s *Server) TokenHandler(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	treq, err := oauth2.ParseTokenRequest(req)
	if err != nil {
		s.logger.WarnContext(req.Context(), "malformed token request", "err", err)
		_ = oauth2.WriteError(w, req, err)
		return
	}

	if err := s.authenticateClient(req.Context(), treq); err != nil {
		terr, serverFault := classify(err)
		if serverFault {
			s.logger.ErrorContext(req.Context(), "client authentication failed", "client_id", treq.ClientID, "err", err)
		} else {
			s.logger.WarnContext(req.Context(), "client authentication rejected", "client_id", treq.ClientID, "err", err)
		}
		_ = oauth2.WriteError(w, req, terr)
		return
	}

	tr := &TokenRequest{
		GrantType:    string(treq.GrantType),
		Code:         treq.Code,
		RefreshToken: treq.RefreshToken,
		RedirectURI:  treq.RedirectURI,
		CodeVerifier: treq.CodeVerifier,
		Scope:        claims.ParseScope(treq.Scope),
		ClientID:     treq.ClientID,
	}

	resp, err := s.Exchange(req.Context(), tr)
	if err != nil {
		_ = oauth2.WriteError(w, req, err)
		return
	}

	oresp := &oauth2.TokenResponse{
		AccessToken:  resp.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: resp.RefreshToken,
		ExpiresIn:    resp.ExpiresIn,
		Scope:        resp.Scope.String(),
	}
	if resp.IDToken != "" {
		oresp.ExtraParams = map[string]any{"id_token": resp.IDToken}
	}
	if err := oauth2.WriteTokenResponse(w, oresp); err != nil {
		s.logger.ErrorContext(req.Context(), "error writing token response", "grant_type", tr.GrantType, "err", err)
	}
}

// Exchange runs a token request through the grant state machine. Time checks
// use a single now captured at the start. The returned error is always a
// *TokenError, safe to return to the client. Every failure is logged once.
func (s *Server) Exchange(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	ex := &exchange{
		s:     s,
		req:   req,
		now:   s.now(),
		phase: phaseStart,
	}

	resp, err := ex.run(ctx)
	if err == nil {
		ex.phase = phaseDone
	}
	attrs := []any{
		"request_id", uuid.NewString(),
		"grant_type", req.GrantType,
		"client_id", req.ClientID,
		"jti", ex.jti,
		"phase", string(ex.phase),
	}
	if err != nil {
		terr, serverFault := classify(err)
		attrs = append(attrs, "error_code", string(terr.ErrorCode), "err", err)
		switch {
		case errors.Is(err, token.ErrInvalidArgument):
			s.logger.ErrorContext(ctx, "programmer error: token construction rejected its inputs", attrs...)
		case serverFault:
			s.logger.ErrorContext(ctx, "token exchange failed", attrs...)
		default:
			s.logger.WarnContext(ctx, "token exchange rejected", attrs...)
		}
		return nil, terr
	}
	s.logger.InfoContext(ctx, "tokens issued", attrs...)
	return resp, nil
}

// exchange holds the per-request state of a token request.
type exchange struct {
	s   *Server
	req *TokenRequest
	now time.Time

	phase phase
	jti   string
}

func (e *exchange) run(ctx context.Context) (*TokenResponse, error) {
	switch gt := oauth2.GrantType(e.req.GrantType); gt {
	case "":
		return nil, requestError("grant_type is required")
	case oauth2.GrantTypeAuthorizationCode:
		e.phase = phaseGrantParsed
		return e.authorizationCode(ctx)
	case oauth2.GrantTypeRefreshToken:
		e.phase = phaseGrantParsed
		return e.refreshToken(ctx)
	case oauth2.GrantTypeClientCredentials,
		oauth2.GrantTypePassword,
		oauth2.GrantTypeDeviceCode,
		oauth2.GrantTypeJWTBearer,
		oauth2.GrantTypeTokenExchange:
		return nil, fmt.Errorf("%w: %s", errUnsupportedGrantType, gt)
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownGrantType, gt)
	}
}

func (e *exchange) authorizationCode(ctx context.Context) (*TokenResponse, error) {
	cfg := &e.s.config

	if e.req.Code == "" {
		return nil, requestError("code is required")
	}
	if e.req.RedirectURI == "" {
		return nil, requestError("redirect_uri is required")
	}

	ac, err := e.unseal(e.req.Code, claims.KindAuthorizationCode)
	if err != nil {
		return nil, err
	}

	if err := e.verifyGrant(ac); err != nil {
		return nil, err
	}
	acc := ac.Claims()
	if acc.RedirectURI != e.req.RedirectURI {
		return nil, fmt.Errorf("%w: redirect URI does not match authorization request", ErrIdentityMismatch)
	}
	if err := e.verifyPKCE(ctx, acc); err != nil {
		return nil, err
	}
	e.phase = phaseIdentityVerified

	if err := e.checkScope(ac); err != nil {
		return nil, err
	}

	if err := e.reserve(ctx, ac); err != nil {
		return nil, err
	}

	at, err := token.DeriveAccessToken(ac, token.DeriveOptions{
		IDGenerator: cfg.IDGenerator,
		IssuedAt:    e.now,
		ExpiresAt:   e.now.Add(cfg.AccessTokenTTL),
		Scope:       e.req.Scope,
		DropACR:     cfg.DropAccessTokenACR,
	})
	if err != nil {
		return nil, fmt.Errorf("deriving access token: %w", err)
	}
	resp, err := e.accessTokenResponse(at)
	if err != nil {
		return nil, err
	}

	if ac.Scope().Contains(oidc.ScopeOfflineAccess) {
		rt, err := token.DeriveRefreshToken(ac, token.DeriveOptions{
			IDGenerator: cfg.IDGenerator,
			IssuedAt:    e.now,
			ExpiresAt:   e.now.Add(cfg.RefreshTokenTTL),
		})
		if err != nil {
			return nil, fmt.Errorf("deriving refresh token: %w", err)
		}
		if resp.RefreshToken, err = rt.Seal(cfg.Sealer); err != nil {
			return nil, fmt.Errorf("%w: %w", errIssuance, err)
		}
	}

	if at.Scope().Contains(oidc.ScopeOpenID) {
		idt, err := idtoken.Sign(cfg.IDTokenSigner, idtoken.RequestFromGrant(ac, e.now, e.now.Add(cfg.IDTokenTTL)))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errIssuance, err)
		}
		resp.IDToken = idt
	}

	e.phase = phaseIssued
	return resp, nil
}

func (e *exchange) refreshToken(ctx context.Context) (*TokenResponse, error) {
	cfg := &e.s.config

	if e.req.RefreshToken == "" {
		return nil, requestError("refresh_token is required")
	}

	rt, err := e.unseal(e.req.RefreshToken, claims.KindRefreshToken)
	if err != nil {
		return nil, err
	}
	if err := e.verifyGrant(rt); err != nil {
		return nil, err
	}
	e.phase = phaseIdentityVerified

	if err := e.checkScope(rt); err != nil {
		return nil, err
	}

	rotate := cfg.RefreshTokenRotation == RefreshTokenRotationRotateAndRevoke
	if rotate {
		if err := e.reserve(ctx, rt); err != nil {
			return nil, err
		}
	}

	opts := token.DeriveOptions{
		IDGenerator: cfg.IDGenerator,
		IssuedAt:    e.now,
		ExpiresAt:   e.now.Add(cfg.AccessTokenTTL),
		Scope:       e.req.Scope,
		DropACR:     cfg.DropAccessTokenACR,
	}
	if cfg.ClaimsResolver != nil {
		dc, err := cfg.ClaimsResolver(ctx, rt)
		if err != nil {
			return nil, fmt.Errorf("resolving delivery claims: %w", err)
		}
		if dc != nil {
			opts.DeliveryClaims = dc.Claims
			opts.DeliveryClaimsUI = dc.UserinfoClaims
		}
	}

	at, err := token.DeriveAccessToken(rt, opts)
	if err != nil {
		return nil, fmt.Errorf("deriving access token: %w", err)
	}
	resp, err := e.accessTokenResponse(at)
	if err != nil {
		return nil, err
	}

	if rotate {
		nrt, err := token.DeriveRefreshToken(rt, token.DeriveOptions{
			IDGenerator: cfg.IDGenerator,
			IssuedAt:    e.now,
			ExpiresAt:   e.now.Add(cfg.RefreshTokenTTL),
		})
		if err != nil {
			return nil, fmt.Errorf("deriving refresh token: %w", err)
		}
		if resp.RefreshToken, err = nrt.Seal(cfg.Sealer); err != nil {
			return nil, fmt.Errorf("%w: %w", errIssuance, err)
		}
	}

	e.phase = phaseIssued
	return resp, nil
}

// unseal opens the presented grant. The sealer checks expiry against now less
// the allowed skew.
func (e *exchange) unseal(sealed string, kind claims.Kind) (*token.Token, error) {
	t, err := token.Unseal(e.s.config.Sealer, sealed, kind, e.now.Add(-e.s.config.ClockSkew))
	if err != nil {
		return nil, fmt.Errorf("unsealing %s: %w", kind, err)
	}
	e.jti = t.ID()
	e.phase = phaseTokenUnwrapped
	return t, nil
}

// verifyGrant checks the bindings common to both grants.
func (e *exchange) verifyGrant(t *token.Token) error {
	skew := e.s.config.ClockSkew
	if t.ClientID() != e.req.ClientID {
		return fmt.Errorf("%w: issued to client %s, presented by %s", ErrIdentityMismatch, t.ClientID(), e.req.ClientID)
	}
	if iss := t.Claims().Issuer; iss != e.s.config.Issuer {
		return fmt.Errorf("%w: issued by %s", ErrIdentityMismatch, iss)
	}
	if t.IssuedAt().After(e.now.Add(skew)) {
		return fmt.Errorf("%w: issued in the future", errGrantTime)
	}
	if !e.now.Add(-skew).Before(t.ExpiresAt()) {
		return fmt.Errorf("%w: expired", errGrantTime)
	}
	return nil
}

func (e *exchange) verifyPKCE(ctx context.Context, c *claims.Set) error {
	cc, err := c.PKCEChallenge()
	if err != nil {
		return err
	}

	if cc == nil {
		if e.req.CodeVerifier != "" {
			return fmt.Errorf("%w: code_verifier presented for a code without a challenge", ErrIdentityMismatch)
		}
		required, err := e.s.pkceRequired(ctx, e.req.ClientID)
		if err != nil {
			return err
		}
		if required {
			return requestError("PKCE is required for this client")
		}
		return nil
	}

	if e.req.CodeVerifier == "" {
		return requestError("code_verifier is required")
	}
	if !cc.Method.Valid() {
		return requestError("unsupported code challenge method")
	}
	ok, err := cc.Verify(e.req.CodeVerifier)
	if err != nil {
		return requestError("unsupported code challenge method")
	}
	if !ok {
		return fmt.Errorf("%w: PKCE verification failed", ErrIdentityMismatch)
	}
	return nil
}

// checkScope runs before the replay reservation, so a bad scope parameter does
// not burn the grant.
func (e *exchange) checkScope(t *token.Token) error {
	if e.req.Scope != nil && !e.req.Scope.SubsetOf(t.Scope()) {
		return fmt.Errorf("%w: requested %q, granted %q", token.ErrScopeViolation, e.req.Scope.String(), t.Scope().String())
	}
	return nil
}

// reserve marks the grant as used. The reservation outlives the grant's
// acceptance window, so it can not be outwaited.
func (e *exchange) reserve(ctx context.Context, t *token.Token) error {
	ttl := t.ExpiresAt().Add(e.s.config.ClockSkew).Sub(e.now)
	if err := e.s.config.ReplayStore.TryReserve(ctx, t.ID(), ttl); err != nil {
		return fmt.Errorf("reserving %s %s: %w", t.Kind(), t.ID(), err)
	}
	e.phase = phaseReplayReserved
	return nil
}

func (e *exchange) accessTokenResponse(at *token.Token) (*TokenResponse, error) {
	sealed, err := at.Seal(e.s.config.Sealer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errIssuance, err)
	}
	return &TokenResponse{
		AccessToken: sealed,
		ExpiresIn:   e.s.config.AccessTokenTTL,
		Scope:       at.Scope(),
	}, nil
}

// pkceRequired applies the PKCE policy to a client.
func (s *Server) pkceRequired(ctx context.Context, clientID string) (bool, error) {
	switch s.config.PKCERequired {
	case PKCERequiredAll:
		return true, nil
	case PKCERequiredPublicClients:
		public, err := s.config.Clients.IsPublic(ctx, clientID)
		if err != nil {
			return false, fmt.Errorf("checking client type: %w", err)
		}
		return public, nil
	}
	return false, nil
}
