package oauth2as

import (
	"context"
	"fmt"
	"net/url"

	"lds.li/oidctoken/oauth2as/internal/oauth2"
)

// ClientSource is used for validating client information for the general
// flow.
type ClientSource interface {
	// IsValidClientID should return true if the passed client ID is valid
	IsValidClientID(ctx context.Context, clientID string) (ok bool, err error)
	// IsPublic indicates the client can not keep a secret. Public clients
	// authenticate with their client ID alone, and are subject to the
	// public-clients PKCE policy.
	//
	// https://www.rfc-editor.org/rfc/rfc6749#section-2.1
	IsPublic(ctx context.Context, clientID string) (ok bool, err error)
	// ValidateClientSecret should confirm if the passed secret is valid for the
	// given client. It is only called for confidential clients.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) (ok bool, err error)
	// RedirectURIs should return the list of valid redirect URIs. They will be
	// compared for an exact match, with the exception of loopback addresses,
	// which can have a variable port
	// (https://www.rfc-editor.org/rfc/rfc8252#section-7.3).
	RedirectURIs(ctx context.Context, clientID string) ([]string, error)
}

// authenticateClient checks the credentials on a token request. Any failure
// the client can fix is invalid_client.
func (s *Server) authenticateClient(ctx context.Context, treq *oauth2.TokenRequest) error {
	if treq.ClientID == "" {
		return &oauth2.TokenError{ErrorCode: oauth2.TokenErrorCodeInvalidClient, Description: "client authentication required"}
	}

	ok, err := s.config.Clients.IsValidClientID(ctx, treq.ClientID)
	if err != nil {
		return fmt.Errorf("checking client ID: %w", err)
	}
	if !ok {
		return &oauth2.TokenError{ErrorCode: oauth2.TokenErrorCodeInvalidClient, Description: "invalid client", Cause: fmt.Errorf("unknown client %s", treq.ClientID)}
	}

	public, err := s.config.Clients.IsPublic(ctx, treq.ClientID)
	if err != nil {
		return fmt.Errorf("checking client type: %w", err)
	}
	if public {
		return nil
	}

	ok, err = s.config.Clients.ValidateClientSecret(ctx, treq.ClientID, treq.ClientSecret)
	if err != nil {
		return fmt.Errorf("checking client secret: %w", err)
	}
	if !ok {
		return &oauth2.TokenError{ErrorCode: oauth2.TokenErrorCodeInvalidClient, Description: "invalid client", Cause: fmt.Errorf("invalid secret for client %s", treq.ClientID)}
	}
	return nil
}

// isValidRedirectURI compares a redirect URI from a request against a list of
// registered URIs.
//
// It performs a simple string comparison as required by RFC 3986. It also
// handles the special case for native app loopback URIs (http://127.0.0.1 or
// http://[::1]) where the port number can be variable, as specified in RFC
// 8252, Section 7.3.
func isValidRedirectURI(redirectURI string, registeredURIs []string) bool {
	isLoopbackHost := func(hostname string) bool {
		return hostname == "127.0.0.1" || hostname == "::1"
	}

	for _, registeredURI := range registeredURIs {
		if redirectURI == registeredURI {
			return true
		}

		reqURL, err := url.Parse(redirectURI)
		if err != nil {
			continue
		}
		regURL, err := url.Parse(registeredURI)
		if err != nil {
			continue
		}

		isReqLoopback := reqURL.Scheme == "http" && isLoopbackHost(reqURL.Hostname())
		isRegLoopback := regURL.Scheme == "http" && isLoopbackHost(regURL.Hostname())

		if isReqLoopback && isRegLoopback {
			// ignore the port and IP family, compare everything else.
			reqURL.Host = "localhost"
			regURL.Host = "localhost"

			if reqURL.String() == regURL.String() {
				return true
			}
		}
	}

	return false
}
