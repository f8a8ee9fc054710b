package claims

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// memberRule describes where an optional member may appear. Members not
// listed here are required on every kind.
type memberRule struct {
	required  []Kind
	permitted []Kind
}

var (
	allKinds = []Kind{KindAuthorizationCode, KindAccessToken, KindRefreshToken}

	optionalMembers = map[string]memberRule{
		KeyACR:               {required: []Kind{KindAuthorizationCode, KindRefreshToken}, permitted: allKinds},
		KeyNonce:             {permitted: allKinds},
		KeyUserPrincipal:     {permitted: allKinds},
		KeyClaimsRequest:     {permitted: allKinds},
		KeyDeliveryClaims:    {permitted: []Kind{KindAuthorizationCode, KindAccessToken}},
		KeyDeliveryClaimsID:  {permitted: []Kind{KindAuthorizationCode}},
		KeyDeliveryClaimsUI:  {permitted: []Kind{KindAuthorizationCode, KindAccessToken}},
		KeyConsentableClaims: {permitted: allKinds},
		KeyConsentedClaims:   {permitted: allKinds},
		KeyCodeChallenge:     {permitted: []Kind{KindAuthorizationCode}},
	}

	knownMembers = map[string]bool{
		KeyType: true, KeyIssuer: true, KeySubject: true, KeyAudience: true,
		KeyExpiresAt: true, KeyIssuedAt: true, KeyJWTID: true, KeyAuthTime: true,
		KeyRedirectURI: true, KeyScope: true,
	}
)

func init() {
	for k := range optionalMembers {
		knownMembers[k] = true
	}
}

func kindIn(k Kind, ks []Kind) bool {
	for _, v := range ks {
		if v == k {
			return true
		}
	}
	return false
}

// Encode serializes the set as a single compact JSON object. Members are
// emitted in lexical order, so encoding a decoded set reproduces the same
// bytes. The set is validated first, an invalid set is never encoded.
func Encode(s *Set) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	m := make(map[string]json.RawMessage, len(s.Extra)+len(knownMembers))
	maps.Copy(m, s.Extra)

	var encErr error
	put := func(key string, v any) {
		if encErr != nil {
			return
		}
		b, err := json.Marshal(v)
		if err != nil {
			encErr = &ParseError{Claim: key, Reason: "not serializable", Err: err}
			return
		}
		m[key] = b
	}

	put(KeyType, string(s.Type))
	put(KeyIssuer, s.Issuer)
	put(KeySubject, s.Subject)
	put(KeyAudience, s.Audience)
	put(KeyExpiresAt, s.ExpiresAt.Unix())
	put(KeyIssuedAt, s.IssuedAt.Unix())
	put(KeyJWTID, s.JWTID)
	put(KeyAuthTime, s.AuthTime.Unix())
	put(KeyRedirectURI, s.RedirectURI)
	put(KeyScope, s.Scope.String())
	if s.ACR != "" {
		put(KeyACR, s.ACR)
	}
	if s.Nonce != "" {
		put(KeyNonce, s.Nonce)
	}
	if s.UserPrincipal != "" {
		put(KeyUserPrincipal, s.UserPrincipal)
	}
	if s.ClaimsRequestJSON != nil {
		put(KeyClaimsRequest, s.ClaimsRequestJSON)
	}
	if s.DeliveryClaims != nil {
		put(KeyDeliveryClaims, s.DeliveryClaims)
	}
	if s.DeliveryClaimsID != nil {
		put(KeyDeliveryClaimsID, s.DeliveryClaimsID)
	}
	if s.DeliveryClaimsUI != nil {
		put(KeyDeliveryClaimsUI, s.DeliveryClaimsUI)
	}
	if s.ConsentableClaims != nil {
		put(KeyConsentableClaims, s.ConsentableClaims)
	}
	if s.ConsentedClaims != nil {
		put(KeyConsentedClaims, s.ConsentedClaims)
	}
	if s.CodeChallenge != "" {
		put(KeyCodeChallenge, s.CodeChallenge)
	}
	if encErr != nil {
		return nil, encErr
	}

	return json.Marshal(m)
}

// Decode parses and validates a claim set. It fails with a *ParseError when
// the document is not a JSON object, a member required for the declared type
// is missing or null, a member has the wrong JSON shape, aud is not a single
// string, or a timestamp is not a non-negative integer. Unknown members are
// kept in Extra.
func Decode(b []byte) (*Set, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, &ParseError{Reason: "malformed JSON object", Err: err}
	}
	if raw == nil {
		return nil, &ParseError{Reason: "not a JSON object"}
	}

	d := &decoder{raw: raw}
	s := &Set{}

	s.Type = Kind(d.str(KeyType, true))
	if d.err == nil && !s.Type.Valid() {
		return nil, &ParseError{Claim: KeyType, Reason: fmt.Sprintf("unknown token type %q", string(s.Type))}
	}

	s.Issuer = d.str(KeyIssuer, true)
	s.Subject = d.str(KeySubject, true)
	s.Audience = d.strArray(KeyAudience, true)
	s.ExpiresAt = d.timestamp(KeyExpiresAt, true)
	s.IssuedAt = d.timestamp(KeyIssuedAt, true)
	s.JWTID = d.str(KeyJWTID, true)
	s.AuthTime = d.timestamp(KeyAuthTime, true)
	s.RedirectURI = d.str(KeyRedirectURI, true)
	s.Scope = ParseScope(d.str(KeyScope, true))

	s.ACR = d.str(KeyACR, false)
	s.Nonce = d.str(KeyNonce, false)
	s.UserPrincipal = d.str(KeyUserPrincipal, false)
	s.ClaimsRequestJSON = d.rawObject(KeyClaimsRequest)
	s.DeliveryClaims = d.object(KeyDeliveryClaims)
	s.DeliveryClaimsID = d.object(KeyDeliveryClaimsID)
	s.DeliveryClaimsUI = d.object(KeyDeliveryClaimsUI)
	s.ConsentableClaims = d.strArray(KeyConsentableClaims, false)
	s.ConsentedClaims = d.strArray(KeyConsentedClaims, false)
	s.CodeChallenge = d.str(KeyCodeChallenge, false)

	if d.err != nil {
		return nil, d.err
	}

	for k, v := range raw {
		if knownMembers[k] {
			continue
		}
		if s.Extra == nil {
			s.Extra = make(map[string]json.RawMessage)
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return nil, &ParseError{Claim: k, Reason: "malformed value", Err: err}
		}
		s.Extra[k] = buf.Bytes()
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the set against the schema for its kind: required members
// are present, restricted members only appear on kinds that may carry them,
// aud holds exactly one client, iat <= exp and auth_time <= iat.
func (s *Set) Validate() error {
	if !s.Type.Valid() {
		return &ParseError{Claim: KeyType, Reason: fmt.Sprintf("unknown token type %q", string(s.Type))}
	}

	for key, v := range map[string]string{
		KeyIssuer:      s.Issuer,
		KeySubject:     s.Subject,
		KeyJWTID:       s.JWTID,
		KeyRedirectURI: s.RedirectURI,
	} {
		if v == "" {
			return missing(key)
		}
	}

	if len(s.Audience) != 1 || s.Audience[0] == "" {
		return &ParseError{Claim: KeyAudience, Reason: "must be an array holding exactly one client ID"}
	}

	for key, t := range map[string]time.Time{
		KeyExpiresAt: s.ExpiresAt,
		KeyIssuedAt:  s.IssuedAt,
		KeyAuthTime:  s.AuthTime,
	} {
		if t.IsZero() {
			return missing(key)
		}
		if t.Unix() < 0 {
			return &ParseError{Claim: key, Reason: "timestamp is negative"}
		}
	}
	if s.IssuedAt.Unix() > s.ExpiresAt.Unix() {
		return &ParseError{Claim: KeyIssuedAt, Reason: "issued after expiry"}
	}
	if s.AuthTime.Unix() > s.IssuedAt.Unix() {
		return &ParseError{Claim: KeyAuthTime, Reason: "authentication after issue"}
	}

	if _, err := parseRedirectURI(s.RedirectURI); err != nil {
		return &ParseError{Claim: KeyRedirectURI, Reason: "invalid redirect URI", Err: err}
	}

	if err := s.Scope.validate(); err != nil {
		return &ParseError{Claim: KeyScope, Reason: "invalid scope", Err: err}
	}

	present := map[string]bool{
		KeyACR:               s.ACR != "",
		KeyNonce:             s.Nonce != "",
		KeyUserPrincipal:     s.UserPrincipal != "",
		KeyClaimsRequest:     s.ClaimsRequestJSON != nil,
		KeyDeliveryClaims:    s.DeliveryClaims != nil,
		KeyDeliveryClaimsID:  s.DeliveryClaimsID != nil,
		KeyDeliveryClaimsUI:  s.DeliveryClaimsUI != nil,
		KeyConsentableClaims: s.ConsentableClaims != nil,
		KeyConsentedClaims:   s.ConsentedClaims != nil,
		KeyCodeChallenge:     s.CodeChallenge != "",
	}
	for key, rule := range optionalMembers {
		if present[key] && !kindIn(s.Type, rule.permitted) {
			return &ParseError{Claim: key, Reason: fmt.Sprintf("not permitted on %s", s.Type)}
		}
		if !present[key] && kindIn(s.Type, rule.required) {
			return missing(key)
		}
	}

	if s.ClaimsRequestJSON != nil && !isObject(s.ClaimsRequestJSON) {
		return &ParseError{Claim: KeyClaimsRequest, Reason: "must be a JSON object"}
	}
	if s.CodeChallenge != "" {
		if _, err := ParseCodeChallenge(s.CodeChallenge); err != nil {
			return &ParseError{Claim: KeyCodeChallenge, Reason: "invalid code challenge", Err: err}
		}
	}

	for k := range s.Extra {
		if knownMembers[k] {
			return &ParseError{Claim: k, Reason: "known claim carried as extra member"}
		}
	}

	return nil
}

func missing(key string) *ParseError {
	return &ParseError{Claim: key, Reason: "required claim missing or null"}
}

func parseRedirectURI(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("%q is not an absolute URI", s)
	}
	if strings.Contains(s, "#") {
		return nil, fmt.Errorf("%q contains a fragment", s)
	}
	return u, nil
}

// decoder pulls typed members out of the raw object, recording the first
// shape error.
type decoder struct {
	raw map[string]json.RawMessage
	err error
}

func (d *decoder) get(key string, required bool) (json.RawMessage, bool) {
	if d.err != nil {
		return nil, false
	}
	v, ok := d.raw[key]
	if !ok || isNull(v) {
		if required {
			d.err = missing(key)
		}
		return nil, false
	}
	return bytes.TrimSpace(v), true
}

func (d *decoder) fail(key, reason string, err error) {
	if d.err == nil {
		d.err = &ParseError{Claim: key, Reason: reason, Err: err}
	}
}

func (d *decoder) str(key string, required bool) string {
	v, ok := d.get(key, required)
	if !ok {
		return ""
	}
	if v[0] != '"' {
		d.fail(key, "must be a string", nil)
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		d.fail(key, "must be a string", err)
		return ""
	}
	if s == "" && required {
		d.err = missing(key)
	}
	return s
}

func (d *decoder) strArray(key string, required bool) []string {
	v, ok := d.get(key, required)
	if !ok {
		return nil
	}
	if v[0] != '[' {
		d.fail(key, "must be an array of strings", nil)
		return nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(v, &elems); err != nil {
		d.fail(key, "must be an array of strings", err)
		return nil
	}
	out := make([]string, 0, len(elems))
	for _, e := range elems {
		e = bytes.TrimSpace(e)
		if len(e) == 0 || e[0] != '"' {
			d.fail(key, "must be an array of strings", nil)
			return nil
		}
		var s string
		if err := json.Unmarshal(e, &s); err != nil {
			d.fail(key, "must be an array of strings", err)
			return nil
		}
		out = append(out, s)
	}
	return out
}

// timestamp accepts only a non-negative JSON integer of seconds since the
// epoch. Fractions and exponents are rejected.
func (d *decoder) timestamp(key string, required bool) time.Time {
	v, ok := d.get(key, required)
	if !ok {
		return time.Time{}
	}
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		d.fail(key, "must be an integer timestamp", err)
		return time.Time{}
	}
	if n < 0 {
		d.fail(key, "timestamp is negative", nil)
		return time.Time{}
	}
	return time.Unix(n, 0)
}

func (d *decoder) rawObject(key string) json.RawMessage {
	v, ok := d.get(key, false)
	if !ok {
		return nil
	}
	if !isObject(v) {
		d.fail(key, "must be a JSON object", nil)
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		d.fail(key, "must be a JSON object", err)
		return nil
	}
	return json.RawMessage(buf.Bytes())
}

func (d *decoder) object(key string) map[string]any {
	v, ok := d.get(key, false)
	if !ok {
		return nil
	}
	if !isObject(v) {
		d.fail(key, "must be a JSON object", nil)
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	m := map[string]any{}
	if err := dec.Decode(&m); err != nil {
		d.fail(key, "must be a JSON object", err)
		return nil
	}
	return m
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func isObject(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) > 0 && v[0] == '{'
}
