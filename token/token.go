// Package token implements the three token kinds issued by the OP,
// authorization codes, access tokens and refresh tokens, as typed views over
// the canonical claim set. Tokens are constructed with the New* functions or
// derived from a parent with the Derive* functions, and are carried to the
// client sealed.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"lds.li/oidctoken/claims"
)

var (
	// ErrInvalidArgument is returned when a token is constructed without a
	// required input, or with inputs that violate the claim schema.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrScopeViolation is returned when a derivation requests scope the
	// parent was not granted.
	ErrScopeViolation = errors.New("requested scope exceeds parent scope")
	// ErrWrongKind is wrapped in the *claims.ParseError returned when a token
	// of one kind is parsed as another.
	ErrWrongKind = errors.New("wrong token kind")
)

// IDGenerator mints token IDs.
type IDGenerator interface {
	NewID() string
}

// IDGeneratorFunc adapts a function to an IDGenerator.
type IDGeneratorFunc func() string

func (f IDGeneratorFunc) NewID() string {
	return f()
}

// RandomIDGenerator returns 128 bit random IDs, URL-safe base64 encoded.
var RandomIDGenerator IDGenerator = IDGeneratorFunc(randomID)

func randomID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// Token is a single authorization code, access token or refresh token. The
// kind is fixed at construction. Tokens are immutable, accessors return
// copies.
type Token struct {
	kind   claims.Kind
	claims *claims.Set
}

// Kind returns the token kind.
func (t *Token) Kind() claims.Kind {
	return t.kind
}

// Claims returns a copy of the token's claim set.
func (t *Token) Claims() *claims.Set {
	return cloneSet(t.claims)
}

// ID returns the token's jti.
func (t *Token) ID() string {
	return t.claims.JWTID
}

// ClientID returns the client the token was issued to.
func (t *Token) ClientID() string {
	return t.claims.ClientID()
}

// Subject returns the subject the token was issued for.
func (t *Token) Subject() string {
	return t.claims.Subject
}

// Scope returns the granted scope.
func (t *Token) Scope() claims.Scope {
	return slices.Clone(t.claims.Scope)
}

// IssuedAt returns the issue time.
func (t *Token) IssuedAt() time.Time {
	return t.claims.IssuedAt
}

// ExpiresAt returns the expiry.
func (t *Token) ExpiresAt() time.Time {
	return t.claims.ExpiresAt
}

// Encode returns the JSON form of the token's claim set.
func (t *Token) Encode() ([]byte, error) {
	return claims.Encode(t.claims)
}

// Wrapper seals bytes until an expiry. *sealer.Sealer implements it.
type Wrapper interface {
	Wrap(plaintext []byte, expiry time.Time) (string, error)
}

// Unwrapper opens values sealed by a Wrapper. *sealer.Sealer implements it.
type Unwrapper interface {
	UnwrapAt(sealed string, now time.Time) ([]byte, error)
}

// Seal encodes the token and seals it with its own expiry, returning the
// opaque bearer value handed to the client.
func (t *Token) Seal(w Wrapper) (string, error) {
	b, err := t.Encode()
	if err != nil {
		return "", fmt.Errorf("encoding %s: %w", t.kind, err)
	}
	s, err := w.Wrap(b, t.claims.ExpiresAt)
	if err != nil {
		return "", fmt.Errorf("sealing %s: %w", t.kind, err)
	}
	return s, nil
}

// Parse decodes a raw JSON claim set as a token of kind want. A valid claim
// set of a different kind fails with a *claims.ParseError wrapping
// ErrWrongKind.
func Parse(b []byte, want claims.Kind) (*Token, error) {
	s, err := claims.Decode(b)
	if err != nil {
		return nil, err
	}
	if s.Type != want {
		return nil, &claims.ParseError{
			Claim:  claims.KeyType,
			Reason: fmt.Sprintf("got %s, want %s", s.Type, want),
			Err:    ErrWrongKind,
		}
	}
	return &Token{kind: want, claims: s}, nil
}

// Unseal opens a sealed bearer value as of now and parses it as kind want.
// Errors from the unwrapper are returned unchanged.
func Unseal(u Unwrapper, sealed string, want claims.Kind, now time.Time) (*Token, error) {
	b, err := u.UnwrapAt(sealed, now)
	if err != nil {
		return nil, err
	}
	return Parse(b, want)
}

func cloneSet(s *claims.Set) *claims.Set {
	c := *s
	c.Audience = slices.Clone(s.Audience)
	c.Scope = slices.Clone(s.Scope)
	c.ClaimsRequestJSON = slices.Clone(s.ClaimsRequestJSON)
	c.DeliveryClaims = cloneClaims(s.DeliveryClaims)
	c.DeliveryClaimsID = cloneClaims(s.DeliveryClaimsID)
	c.DeliveryClaimsUI = cloneClaims(s.DeliveryClaimsUI)
	c.ConsentableClaims = slices.Clone(s.ConsentableClaims)
	c.ConsentedClaims = slices.Clone(s.ConsentedClaims)
	c.Extra = maps.Clone(s.Extra)
	return &c
}

// cloneClaims deep copies a delivery claim map. Values are JSON shaped, so
// only nested objects and arrays need copying.
func cloneClaims(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = cloneValue(v)
	}
	return c
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneClaims(v)
	case []any:
		c := make([]any, len(v))
		for i, e := range v {
			c[i] = cloneValue(e)
		}
		return c
	case json.RawMessage:
		return slices.Clone(v)
	}
	return v
}
