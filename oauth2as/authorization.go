package oauth2as

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"lds.li/oidctoken/claims"
	"lds.li/oidctoken/oidc"
	"lds.li/oidctoken/token"
)

// AuthorizationRequest is a completed authorization, ready to be turned into
// a code. The authorization endpoint, user authentication, consent and
// attribute resolution happen before this, and their results are carried
// here.
type AuthorizationRequest struct {
	// ClientID is the client ID that is requesting authentication.
	ClientID string
	// RedirectURI the client specified. It must be registered for the client,
	// and will be required verbatim at the token endpoint.
	RedirectURI string
	// Scope is the granted scope.
	Scope claims.Scope

	// Subject is the public or pairwise subject for this client.
	Subject string
	// UserPrincipal is the IdP internal name of the user.
	UserPrincipal string
	// AuthTime is when the user authenticated.
	AuthTime time.Time
	// ACR is the authentication context class satisfied.
	ACR string
	// Nonce from the authorization request, if any.
	Nonce string

	// CodeChallenge is the PKCE challenge, if provided.
	CodeChallenge string
	// CodeChallengeMethod defaults to plain when a challenge is set without a
	// method.
	CodeChallengeMethod oidc.CodeChallengeMethod

	// ClaimsRequest is the raw OIDC claims request parameter.
	ClaimsRequest json.RawMessage

	DeliveryClaims   map[string]any
	DeliveryClaimsID map[string]any
	DeliveryClaimsUI map[string]any

	ConsentableClaims []string
	ConsentedClaims   []string
}

// IssueAuthorizationCode mints and seals an authorization code for a
// completed authorization. Requests that can not be granted fail with an
// error wrapping ErrInvalidAuthorizationRequest.
func (s *Server) IssueAuthorizationCode(ctx context.Context, areq *AuthorizationRequest) (string, error) {
	ok, err := s.config.Clients.IsValidClientID(ctx, areq.ClientID)
	if err != nil {
		return "", fmt.Errorf("error checking client ID %s: %w", areq.ClientID, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: client ID %s is not valid", ErrInvalidAuthorizationRequest, areq.ClientID)
	}

	redirs, err := s.config.Clients.RedirectURIs(ctx, areq.ClientID)
	if err != nil {
		return "", fmt.Errorf("error getting redirect URIs for client ID %s: %w", areq.ClientID, err)
	}
	if !isValidRedirectURI(areq.RedirectURI, redirs) {
		return "", fmt.Errorf("%w: redirect URI %s is not valid for client ID %s", ErrInvalidAuthorizationRequest, areq.RedirectURI, areq.ClientID)
	}

	var cc *claims.CodeChallenge
	if areq.CodeChallenge != "" {
		method := areq.CodeChallengeMethod
		if method == "" {
			// https://www.rfc-editor.org/rfc/rfc7636#section-4.3
			method = oidc.CodeChallengeMethodPlain
		}
		if !method.Valid() {
			return "", fmt.Errorf("%w: code challenge method %q is not supported", ErrInvalidAuthorizationRequest, method)
		}
		cc = &claims.CodeChallenge{Value: areq.CodeChallenge, Method: method}
	} else {
		required, err := s.pkceRequired(ctx, areq.ClientID)
		if err != nil {
			return "", err
		}
		if required {
			return "", fmt.Errorf("%w: PKCE is required for client ID %s", ErrInvalidAuthorizationRequest, areq.ClientID)
		}
	}

	now := s.now()
	ac, err := token.NewAuthorizationCode(token.Required{
		IDGenerator:   s.config.IDGenerator,
		ClientID:      areq.ClientID,
		Issuer:        s.config.Issuer,
		Subject:       areq.Subject,
		UserPrincipal: areq.UserPrincipal,
		IssuedAt:      now,
		ExpiresAt:     now.Add(s.config.AuthorizationCodeTTL),
		AuthTime:      areq.AuthTime,
		RedirectURI:   areq.RedirectURI,
		Scope:         areq.Scope,
	}, &token.Options{
		ACR:               areq.ACR,
		Nonce:             areq.Nonce,
		ClaimsRequest:     areq.ClaimsRequest,
		DeliveryClaims:    areq.DeliveryClaims,
		DeliveryClaimsID:  areq.DeliveryClaimsID,
		DeliveryClaimsUI:  areq.DeliveryClaimsUI,
		ConsentableClaims: areq.ConsentableClaims,
		ConsentedClaims:   areq.ConsentedClaims,
		CodeChallenge:     cc,
	})
	if err != nil {
		return "", fmt.Errorf("building authorization code: %w", err)
	}

	code, err := ac.Seal(s.config.Sealer)
	if err != nil {
		return "", err
	}
	s.logger.InfoContext(ctx, "authorization code issued", "client_id", areq.ClientID, "jti", ac.ID())
	return code, nil
}
