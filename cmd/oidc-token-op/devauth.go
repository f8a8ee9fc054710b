package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"lds.li/oidctoken/claims"
	"lds.li/oidctoken/oauth2as"
	"lds.li/oidctoken/oidc"
)

// devAuthorizer is a stand-in authorization endpoint for development. It
// asks for a subject and issues a code for whatever is entered, there is no
// authentication.
type devAuthorizer struct {
	server *oauth2as.Server
	logger *slog.Logger
	now    func() time.Time
}

const loginPage = `<!DOCTYPE html>
<html>
	<head>
		<meta charset="UTF-8">
		<title>LOG IN</title>
	</head>
	<body>
		<h1>Log in to IDP</h1>
		<p>Client: {{ .client_id }}</p>
		{{ if .requested_claims }}<p>Requested claims: {{ .requested_claims }}</p>{{ end }}
		<form action="/finish" method="POST">
			<input type="hidden" name="auth_request" value="{{ .auth_request_data }}">
			<p>Subject: <input type="text" name="subject" value="auser" required size="15"></p>
			<p>Granted Scopes (space delimited): <input type="text" name="scopes" value="{{ .scopes }}" size="15"></p>
			<p>ACR: <input type="text" name="acr" value="0" required size="15"></p>
			<p>Userinfo: <textarea name="userinfo" rows="10" cols="30">{"name": "A User"}</textarea></p>
			<input type="submit" value="Submit">
		</form>
	</body>
</html>`

var loginTmpl = template.Must(template.New("loginPage").Parse(loginPage))

// authParams are the authorization request parameters carried through the
// login form.
type authParams struct {
	ClientID            string          `json:"client_id"`
	RedirectURI         string          `json:"redirect_uri"`
	Scope               string          `json:"scope"`
	State               string          `json:"state,omitempty"`
	Nonce               string          `json:"nonce,omitempty"`
	CodeChallenge       string          `json:"code_challenge,omitempty"`
	CodeChallengeMethod string          `json:"code_challenge_method,omitempty"`
	Claims              json.RawMessage `json:"claims,omitempty"`
}

func (d *devAuthorizer) startAuthorization(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		http.Error(w, fmt.Sprintf("failed to parse auth request: %v", err), http.StatusBadRequest)
		return
	}
	if rt := req.Form.Get("response_type"); rt != "code" {
		http.Error(w, fmt.Sprintf("unsupported response_type %q", rt), http.StatusBadRequest)
		return
	}
	p := authParams{
		ClientID:            req.Form.Get("client_id"),
		RedirectURI:         req.Form.Get("redirect_uri"),
		Scope:               req.Form.Get("scope"),
		State:               req.Form.Get("state"),
		Nonce:               req.Form.Get("nonce"),
		CodeChallenge:       req.Form.Get("code_challenge"),
		CodeChallengeMethod: req.Form.Get("code_challenge_method"),
	}
	if p.ClientID == "" || p.RedirectURI == "" {
		http.Error(w, "client_id and redirect_uri are required", http.StatusBadRequest)
		return
	}
	var requested []string
	if c := req.Form.Get("claims"); c != "" {
		cr, err := oidc.ParseClaimsRequest([]byte(c))
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid claims parameter: %v", err), http.StatusBadRequest)
			return
		}
		p.Claims = json.RawMessage(c)
		requested = append(cr.UserinfoClaimNames(), cr.IDTokenClaimNames()...)
	}

	authReqData, err := json.Marshal(p)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to serialize auth request: %v", err), http.StatusInternalServerError)
		return
	}

	tmplData := map[string]any{
		"auth_request_data": base64.StdEncoding.EncodeToString(authReqData),
		"client_id":         p.ClientID,
		"scopes":            p.Scope,
		"requested_claims":  strings.Join(requested, " "),
	}
	if err := loginTmpl.Execute(w, tmplData); err != nil {
		http.Error(w, fmt.Sprintf("failed to render template: %v", err), http.StatusInternalServerError)
		return
	}
}

func (d *devAuthorizer) finishAuthorization(w http.ResponseWriter, req *http.Request) {
	authReqEncoded := req.FormValue("auth_request")
	if authReqEncoded == "" {
		http.Error(w, "missing auth request data", http.StatusBadRequest)
		return
	}
	authReqData, err := base64.StdEncoding.DecodeString(authReqEncoded)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to decode auth request: %v", err), http.StatusBadRequest)
		return
	}
	var p authParams
	if err := json.Unmarshal(authReqData, &p); err != nil {
		http.Error(w, fmt.Sprintf("failed to deserialize auth request: %v", err), http.StatusBadRequest)
		return
	}

	subject, acr := req.FormValue("subject"), req.FormValue("acr")
	scope := claims.ParseScope(req.FormValue("scopes"))
	if subject == "" || acr == "" || len(scope) == 0 {
		http.Error(w, "subject, acr and scopes are required", http.StatusBadRequest)
		return
	}
	var userinfo map[string]any
	if ui := req.FormValue("userinfo"); ui != "" {
		if err := json.Unmarshal([]byte(ui), &userinfo); err != nil {
			http.Error(w, fmt.Sprintf("userinfo must be a JSON object: %v", err), http.StatusBadRequest)
			return
		}
	}

	code, err := d.server.IssueAuthorizationCode(req.Context(), &oauth2as.AuthorizationRequest{
		ClientID:            p.ClientID,
		RedirectURI:         p.RedirectURI,
		Scope:               scope,
		Subject:             subject,
		UserPrincipal:       subject,
		AuthTime:            d.now(),
		ACR:                 acr,
		Nonce:               p.Nonce,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: oidc.CodeChallengeMethod(p.CodeChallengeMethod),
		ClaimsRequest:       p.Claims,
		DeliveryClaims:      userinfo,
	})
	if err != nil {
		if errors.Is(err, oauth2as.ErrInvalidAuthorizationRequest) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		d.logger.ErrorContext(req.Context(), "error authorizing", "err", err)
		http.Error(w, "error authorizing", http.StatusInternalServerError)
		return
	}

	// the redirect URI was checked against the client's registration when the
	// code was issued
	redir, err := url.Parse(p.RedirectURI)
	if err != nil {
		http.Error(w, "invalid redirect URI", http.StatusBadRequest)
		return
	}
	q := redir.Query()
	q.Set("code", code)
	if p.State != "" {
		q.Set("state", p.State)
	}
	redir.RawQuery = q.Encode()

	http.Redirect(w, req, redir.String(), http.StatusFound)
}
