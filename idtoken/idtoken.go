// Package idtoken assembles OpenID Connect ID token claim sets from a
// validated grant, and signs them.
package idtoken

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/tink-crypto/tink-go/v2/jwt"
	"lds.li/oidctoken/claims"
	"lds.li/oidctoken/internal/th"
	"lds.li/oidctoken/token"
)

// ErrMissingProfileContext is returned when there is not enough context about
// the authenticated user to build an ID token.
var ErrMissingProfileContext = errors.New("missing profile context")

// reservedClaims are set from the grant and never taken from delivery claims.
var reservedClaims = map[string]bool{
	"iss":       true,
	"sub":       true,
	"aud":       true,
	"exp":       true,
	"nbf":       true,
	"iat":       true,
	"jti":       true,
	"nonce":     true,
	"auth_time": true,
	"acr":       true,
}

// Request is the input to Assemble.
type Request struct {
	// Issuer is the OP issuer.
	Issuer string
	// ClientID becomes the single audience.
	ClientID string
	// Subject is the pairwise or public subject.
	Subject  string
	AuthTime time.Time
	// ACR and Nonce are only emitted when set.
	ACR   string
	Nonce string

	// DeliveryClaims are flattened into the token. DeliveryClaimsID are
	// flattened after them, so they win on conflicts.
	DeliveryClaims   map[string]any
	DeliveryClaimsID map[string]any

	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RequestFromGrant builds the request for an ID token issued on redemption of
// grant, which is normally an authorization code.
func RequestFromGrant(grant *token.Token, issuedAt, expiresAt time.Time) *Request {
	c := grant.Claims()
	return &Request{
		Issuer:           c.Issuer,
		ClientID:         c.ClientID(),
		Subject:          c.Subject,
		AuthTime:         c.AuthTime,
		ACR:              c.ACR,
		Nonce:            c.Nonce,
		DeliveryClaims:   c.DeliveryClaims,
		DeliveryClaimsID: c.DeliveryClaimsID,
		IssuedAt:         issuedAt,
		ExpiresAt:        expiresAt,
	}
}

// Assemble builds the unsigned ID token.
func Assemble(req *Request) (*jwt.RawJWT, error) {
	if req.Subject == "" {
		return nil, fmt.Errorf("%w: no subject", ErrMissingProfileContext)
	}
	if req.ClientID == "" {
		return nil, fmt.Errorf("%w: no client", ErrMissingProfileContext)
	}
	if req.Issuer == "" {
		return nil, fmt.Errorf("%w: no issuer", ErrMissingProfileContext)
	}
	if req.AuthTime.IsZero() {
		return nil, fmt.Errorf("%w: no authentication time", ErrMissingProfileContext)
	}

	delivered := make(map[string]any, len(req.DeliveryClaims)+len(req.DeliveryClaimsID))
	maps.Copy(delivered, req.DeliveryClaims)
	maps.Copy(delivered, req.DeliveryClaimsID)

	custom := make(map[string]any, len(delivered)+3)
	for k, v := range delivered {
		if reservedClaims[k] {
			continue
		}
		nv, err := normalize(v)
		if err != nil {
			return nil, fmt.Errorf("delivery claim %q: %w", k, err)
		}
		custom[k] = nv
	}
	custom[claims.KeyAuthTime] = req.AuthTime.Unix()
	if req.Nonce != "" {
		custom[claims.KeyNonce] = req.Nonce
	}
	if req.ACR != "" {
		custom[claims.KeyACR] = req.ACR
	}

	raw, err := jwt.NewRawJWT(&jwt.RawJWTOptions{
		Issuer:       th.Ptr(req.Issuer),
		Subject:      th.Ptr(req.Subject),
		Audiences:    []string{req.ClientID},
		IssuedAt:     th.Ptr(req.IssuedAt),
		ExpiresAt:    th.Ptr(req.ExpiresAt),
		CustomClaims: custom,
	})
	if err != nil {
		return nil, fmt.Errorf("creating raw jwt: %w", err)
	}
	return raw, nil
}

// normalize converts a claim value to the plain JSON types the JWT library
// accepts, with numbers as int64 where they are integral.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return convertNumbers(out), nil
}

func convertNumbers(v any) any {
	switch v := v.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		f, _ := v.Float64()
		return f
	case map[string]any:
		for k, e := range v {
			v[k] = convertNumbers(e)
		}
		return v
	case []any:
		for i, e := range v {
			v[i] = convertNumbers(e)
		}
		return v
	}
	return v
}
