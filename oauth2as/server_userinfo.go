package oauth2as

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strings"

	"lds.li/oidctoken/claims"
	"lds.li/oidctoken/oauth2as/internal/oauth2"
	"lds.li/oidctoken/oidc"
	"lds.li/oidctoken/token"
)

// Userinfo handles a request to the userinfo endpoint. The bearer access
// token is unsealed, and the response is built from the delivery claims it
// carries. UserInfo specific claims win over the shared ones, and sub always
// comes from the token.
//
// https://openid.net/specs/openid-connect-core-1_0.html#UserInfo
func (s *Server) Userinfo(w http.ResponseWriter, req *http.Request) {
	authSp := strings.SplitN(req.Header.Get("authorization"), " ", 2)
	if !strings.EqualFold(authSp[0], "bearer") || len(authSp) != 2 {
		be := &oauth2.BearerError{} // no content, just request auth
		herr := &oauth2.HTTPError{Code: http.StatusUnauthorized, WWWAuthenticate: be.String(), CauseMsg: "malformed Authorization header"}
		_ = oauth2.WriteError(w, req, herr)
		return
	}

	now := s.now()
	at, err := token.Unseal(s.config.Sealer, authSp[1], claims.KindAccessToken, now.Add(-s.config.ClockSkew))
	if err == nil && at.Claims().Issuer != s.config.Issuer {
		err = fmt.Errorf("%w: issued by %s", ErrIdentityMismatch, at.Claims().Issuer)
	}
	if err != nil {
		s.logger.WarnContext(req.Context(), "invalid access token at userinfo", "err", err)
		be := &oauth2.BearerError{Code: oauth2.BearerErrorCodeInvalidToken, Description: "invalid access token"}
		herr := &oauth2.HTTPError{Code: http.StatusUnauthorized, WWWAuthenticate: be.String(), Cause: err}
		_ = oauth2.WriteError(w, req, herr)
		return
	}

	if !at.Scope().Contains(oidc.ScopeOpenID) {
		s.logger.WarnContext(req.Context(), "access token without openid scope at userinfo", "client_id", at.ClientID(), "jti", at.ID())
		be := &oauth2.BearerError{Code: oauth2.BearerErrorCodeInsufficientScope, Description: "openid scope required"}
		herr := &oauth2.HTTPError{Code: http.StatusForbidden, WWWAuthenticate: be.String()}
		_ = oauth2.WriteError(w, req, herr)
		return
	}

	c := at.Claims()
	resp := map[string]any{}
	maps.Copy(resp, c.DeliveryClaims)
	maps.Copy(resp, c.DeliveryClaimsUI)
	resp["sub"] = c.Subject

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.ErrorContext(req.Context(), "error writing userinfo response", "err", err)
	}
}
