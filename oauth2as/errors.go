package oauth2as

import (
	"errors"

	"lds.li/oidctoken/claims"
	"lds.li/oidctoken/idtoken"
	"lds.li/oidctoken/oauth2as/internal/oauth2"
	"lds.li/oidctoken/replay"
	"lds.li/oidctoken/sealer"
	"lds.li/oidctoken/token"
)

// TokenError is the error returned from Exchange. Its ErrorCode and
// Description are safe to return to the client, Cause is for logging only.
type TokenError = oauth2.TokenError

// TokenErrorCode is the OAuth2 error code of a TokenError.
type TokenErrorCode = oauth2.TokenErrorCode

const (
	TokenErrorCodeInvalidRequest       = oauth2.TokenErrorCodeInvalidRequest
	TokenErrorCodeInvalidClient        = oauth2.TokenErrorCodeInvalidClient
	TokenErrorCodeInvalidGrant         = oauth2.TokenErrorCodeInvalidGrant
	TokenErrorCodeInvalidScope         = oauth2.TokenErrorCodeInvalidScope
	TokenErrorCodeUnsupportedGrantType = oauth2.TokenErrorCodeUnsupportedGrantType
	TokenErrorCodeServerError          = oauth2.TokenErrorCodeServerError
)

var (
	// ErrIdentityMismatch is returned when a presented grant is bound to a
	// different client, issuer, redirect URI or PKCE verifier than the
	// request.
	ErrIdentityMismatch = errors.New("grant identity mismatch")
	// ErrInvalidAuthorizationRequest is returned from IssueAuthorizationCode
	// when the request can not be granted.
	ErrInvalidAuthorizationRequest = errors.New("invalid authorization request")

	errGrantTime            = errors.New("grant outside validity window")
	errUnknownGrantType     = errors.New("unknown grant type")
	errUnsupportedGrantType = errors.New("unsupported grant type")
	errIssuance             = errors.New("issuing tokens")
)

// requestError is a malformed request. The message is returned to the
// client.
type requestError string

func (r requestError) Error() string {
	return string(r)
}

// classify maps an error from the exchange to the wire error returned to the
// client. serverFault is set when the failure is not attributable to the
// client. Descriptions are fixed per code, the cause never reaches the
// client.
func classify(err error) (_ *oauth2.TokenError, serverFault bool) {
	var (
		terr *oauth2.TokenError
		rerr requestError
		perr *claims.ParseError
		serr *sealer.Error
	)

	te := func(code oauth2.TokenErrorCode, desc string) *oauth2.TokenError {
		return &oauth2.TokenError{ErrorCode: code, Description: desc, Cause: err}
	}

	switch {
	case errors.Is(err, token.ErrInvalidArgument),
		errors.Is(err, idtoken.ErrMissingProfileContext):
		return te(oauth2.TokenErrorCodeServerError, "internal error"), true
	case errors.Is(err, token.ErrScopeViolation):
		return te(oauth2.TokenErrorCodeInvalidScope, "requested scope exceeds granted scope"), false
	case errors.Is(err, errIssuance):
		return te(oauth2.TokenErrorCodeServerError, "internal error"), true
	case errors.As(err, &terr):
		return terr, terr.ErrorCode == oauth2.TokenErrorCodeServerError
	case errors.As(err, &rerr):
		return te(oauth2.TokenErrorCodeInvalidRequest, string(rerr)), false
	case errors.Is(err, errUnsupportedGrantType):
		return te(oauth2.TokenErrorCodeUnsupportedGrantType, "unsupported grant type"), false
	case errors.Is(err, errUnknownGrantType),
		errors.Is(err, ErrIdentityMismatch),
		errors.Is(err, errGrantTime),
		errors.Is(err, replay.ErrAlreadyPresent),
		errors.As(err, &perr),
		errors.As(err, &serr):
		return te(oauth2.TokenErrorCodeInvalidGrant, "invalid grant"), false
	}
	return te(oauth2.TokenErrorCodeServerError, "internal error"), true
}
