package oidc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// ClaimsRequest is the "claims" authorization request parameter, requesting
// individual claims be returned from the UserInfo endpoint or in the ID token.
//
// https://openid.net/specs/openid-connect-core-1_0.html#ClaimsParameter
type ClaimsRequest struct {
	Userinfo map[string]*ClaimRequest `json:"userinfo,omitempty"`
	IDToken  map[string]*ClaimRequest `json:"id_token,omitempty"`
}

// ClaimRequest qualifies a single requested claim. A nil *ClaimRequest means
// the claim was requested in the default manner.
type ClaimRequest struct {
	Essential bool  `json:"essential,omitempty"`
	Value     any   `json:"value,omitempty"`
	Values    []any `json:"values,omitempty"`
}

// ParseClaimsRequest parses the JSON object form of a claims request.
func ParseClaimsRequest(b []byte) (*ClaimsRequest, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var cr ClaimsRequest
	if err := dec.Decode(&cr); err != nil {
		return nil, fmt.Errorf("parsing claims request: %w", err)
	}
	return &cr, nil
}

// IDTokenClaimNames returns the sorted names of claims requested for the ID
// token.
func (c *ClaimsRequest) IDTokenClaimNames() []string {
	if c == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(c.IDToken))
}

// UserinfoClaimNames returns the sorted names of claims requested from the
// UserInfo endpoint.
func (c *ClaimsRequest) UserinfoClaimNames() []string {
	if c == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(c.Userinfo))
}
