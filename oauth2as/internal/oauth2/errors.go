package oauth2

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// TokenErrorCode is an error code returned from the token endpoint.
//
// https://www.rfc-editor.org/rfc/rfc6749#section-5.2
type TokenErrorCode string

const (
	TokenErrorCodeInvalidRequest       TokenErrorCode = "invalid_request"
	TokenErrorCodeInvalidClient        TokenErrorCode = "invalid_client"
	TokenErrorCodeInvalidGrant         TokenErrorCode = "invalid_grant"
	TokenErrorCodeUnauthorizedClient   TokenErrorCode = "unauthorized_client"
	TokenErrorCodeUnsupportedGrantType TokenErrorCode = "unsupported_grant_type"
	TokenErrorCodeInvalidScope         TokenErrorCode = "invalid_scope"
	// TokenErrorCodeServerError is not defined for the token endpoint by RFC
	// 6749, but is widely used for internal failures.
	TokenErrorCodeServerError TokenErrorCode = "server_error"
)

// TokenError is an error returned to the client from the token endpoint. Cause
// is for logging only and is never written to the client.
type TokenError struct {
	ErrorCode   TokenErrorCode
	Description string
	Cause       error
}

func (t *TokenError) Error() string {
	msg := string(t.ErrorCode)
	if t.Description != "" {
		msg += ": " + t.Description
	}
	if t.Cause != nil {
		msg += " (cause: " + t.Cause.Error() + ")"
	}
	return msg
}

func (t *TokenError) Unwrap() error {
	return t.Cause
}

// HTTPStatus returns the status the error is written with. All token endpoint
// errors are a 400, except internal failures.
func (t *TokenError) HTTPStatus() int {
	if t.ErrorCode == TokenErrorCodeServerError {
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

// BearerErrorCode is an error code for protected resource access.
//
// https://www.rfc-editor.org/rfc/rfc6750#section-3.1
type BearerErrorCode string

const (
	BearerErrorCodeInvalidRequest    BearerErrorCode = "invalid_request"
	BearerErrorCodeInvalidToken      BearerErrorCode = "invalid_token"
	BearerErrorCodeInsufficientScope BearerErrorCode = "insufficient_scope"
)

// BearerError renders the WWW-Authenticate challenge for a bearer token
// failure.
type BearerError struct {
	Realm       string
	Code        BearerErrorCode
	Description string
}

func (b *BearerError) String() string {
	var params []string
	if b.Realm != "" {
		params = append(params, fmt.Sprintf("realm=%q", b.Realm))
	}
	if b.Code != "" {
		params = append(params, fmt.Sprintf("error=%q", string(b.Code)))
	}
	if b.Description != "" {
		params = append(params, fmt.Sprintf("error_description=%q", b.Description))
	}
	if len(params) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(params, ", ")
}

// HTTPError is a generic HTTP level error. Message is returned to the user,
// Cause and CauseMsg are only for logging.
type HTTPError struct {
	Code            int
	Message         string
	CauseMsg        string
	Cause           error
	WWWAuthenticate string
}

func (h *HTTPError) Error() string {
	m := fmt.Sprintf("http error %d", h.Code)
	if h.CauseMsg != "" {
		m += ": " + h.CauseMsg
	}
	if h.Cause != nil {
		m += " (cause: " + h.Cause.Error() + ")"
	}
	return m
}

func (h *HTTPError) Unwrap() error {
	return h.Cause
}

// WriteError writes err to w. A *TokenError is written as the JSON error
// body, a *HTTPError as its code and message. Anything else is an internal
// server error with no detail.
func WriteError(w http.ResponseWriter, _ *http.Request, err error) error {
	var (
		terr *TokenError
		herr *HTTPError
	)
	switch {
	case errors.As(err, &terr):
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		w.WriteHeader(terr.HTTPStatus())
		body := struct {
			Error            TokenErrorCode `json:"error"`
			ErrorDescription string         `json:"error_description,omitempty"`
		}{
			Error:            terr.ErrorCode,
			ErrorDescription: terr.Description,
		}
		return json.NewEncoder(w).Encode(body)
	case errors.As(err, &herr):
		if herr.WWWAuthenticate != "" {
			w.Header().Set("WWW-Authenticate", herr.WWWAuthenticate)
		}
		msg := herr.Message
		if msg == "" {
			msg = http.StatusText(herr.Code)
		}
		http.Error(w, msg, herr.Code)
		return nil
	default:
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return nil
	}
}
