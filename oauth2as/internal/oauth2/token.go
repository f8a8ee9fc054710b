// Package oauth2 implements the RFC 6749 wire format of the token endpoint.
package oauth2

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// GrantType is the grant_type parameter of a token request.
type GrantType string

const (
	GrantTypeAuthorizationCode GrantType = "authorization_code"
	GrantTypeRefreshToken      GrantType = "refresh_token"
	GrantTypeClientCredentials GrantType = "client_credentials"
	GrantTypePassword          GrantType = "password"
	GrantTypeDeviceCode        GrantType = "urn:ietf:params:oauth:grant-type:device_code"
	GrantTypeJWTBearer         GrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	GrantTypeTokenExchange     GrantType = "urn:ietf:params:oauth:grant-type:token-exchange"
)

// TokenRequest is a parsed token endpoint request.
//
// https://www.rfc-editor.org/rfc/rfc6749#section-4.1.3
// https://www.rfc-editor.org/rfc/rfc6749#section-6
type TokenRequest struct {
	GrantType    GrantType
	Code         string
	RefreshToken string
	RedirectURI  string
	CodeVerifier string
	// Scope is the raw scope parameter. HasScope distinguishes an empty
	// parameter from an absent one.
	Scope    string
	HasScope bool

	ClientID     string
	ClientSecret string
	// BasicAuth is set if the client credentials came from the Authorization
	// header.
	BasicAuth bool
}

// ParseTokenRequest parses the form body of a token request. Client
// credentials are taken from HTTP Basic authentication if present, otherwise
// from the client_id and client_secret parameters.
func ParseTokenRequest(req *http.Request) (*TokenRequest, error) {
	if err := req.ParseForm(); err != nil {
		return nil, &TokenError{ErrorCode: TokenErrorCodeInvalidRequest, Description: "malformed request body", Cause: err}
	}
	// parameters must not be repeated
	for k, v := range req.PostForm {
		if len(v) > 1 {
			return nil, &TokenError{ErrorCode: TokenErrorCodeInvalidRequest, Description: fmt.Sprintf("parameter %s repeated", k)}
		}
	}

	tr := &TokenRequest{
		GrantType:    GrantType(req.PostForm.Get("grant_type")),
		Code:         req.PostForm.Get("code"),
		RefreshToken: req.PostForm.Get("refresh_token"),
		RedirectURI:  req.PostForm.Get("redirect_uri"),
		CodeVerifier: req.PostForm.Get("code_verifier"),
		Scope:        req.PostForm.Get("scope"),
		HasScope:     req.PostForm.Has("scope"),
	}

	if id, secret, ok := req.BasicAuth(); ok {
		// https://www.rfc-editor.org/rfc/rfc6749#section-2.3.1 requires the
		// credentials to be form encoded before being base64'd.
		var err error
		if tr.ClientID, err = url.QueryUnescape(id); err != nil {
			return nil, &TokenError{ErrorCode: TokenErrorCodeInvalidRequest, Description: "malformed client ID", Cause: err}
		}
		if tr.ClientSecret, err = url.QueryUnescape(secret); err != nil {
			return nil, &TokenError{ErrorCode: TokenErrorCodeInvalidRequest, Description: "malformed client secret", Cause: err}
		}
		tr.BasicAuth = true
		if fid := req.PostForm.Get("client_id"); fid != "" && fid != tr.ClientID {
			return nil, &TokenError{ErrorCode: TokenErrorCodeInvalidRequest, Description: "client_id does not match authorization header"}
		}
	} else {
		tr.ClientID = req.PostForm.Get("client_id")
		tr.ClientSecret = req.PostForm.Get("client_secret")
	}

	return tr, nil
}

// TokenResponse is a successful token endpoint response.
//
// https://www.rfc-editor.org/rfc/rfc6749#section-5.1
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	ExpiresIn    time.Duration
	Scope        string
	ExtraParams  map[string]any
}

// WriteTokenResponse writes resp as JSON, with the no-store cache headers.
func WriteTokenResponse(w http.ResponseWriter, resp *TokenResponse) error {
	body := map[string]any{}
	for k, v := range resp.ExtraParams {
		body[k] = v
	}
	body["access_token"] = resp.AccessToken
	body["token_type"] = resp.TokenType
	if resp.RefreshToken != "" {
		body["refresh_token"] = resp.RefreshToken
	}
	if resp.ExpiresIn != 0 {
		body["expires_in"] = int64(resp.ExpiresIn.Round(time.Second) / time.Second)
	}
	if resp.Scope != "" {
		body["scope"] = resp.Scope
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		return fmt.Errorf("writing token response: %w", err)
	}
	return nil
}
