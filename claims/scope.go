package claims

import (
	"fmt"
	"slices"
	"strings"
)

// Scope is an ordered set of OAuth 2.0 scope tokens. On the wire it is the
// space-joined string form.
//
// https://www.rfc-editor.org/rfc/rfc6749#section-3.3
type Scope []string

// ParseScope splits s on any ASCII whitespace. Empty and repeated tokens are
// dropped, the order of first appearance is kept.
func ParseScope(s string) Scope {
	fields := strings.FieldsFunc(s, isASCIISpace)
	if len(fields) == 0 {
		return nil
	}
	sc := make(Scope, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(sc, f) {
			sc = append(sc, f)
		}
	}
	return sc
}

func (s Scope) String() string {
	return strings.Join(s, " ")
}

// Contains reports whether the scope contains the token v.
func (s Scope) Contains(v string) bool {
	return slices.Contains(s, v)
}

// SubsetOf reports whether every token of s is also in parent.
func (s Scope) SubsetOf(parent Scope) bool {
	for _, v := range s {
		if !parent.Contains(v) {
			return false
		}
	}
	return true
}

// validate checks each token against the scope-token grammar:
// 1*( %x21 / %x23-5B / %x5D-7E ).
func (s Scope) validate() error {
	if len(s) == 0 {
		return fmt.Errorf("scope is empty")
	}
	for _, v := range s {
		if v == "" {
			return fmt.Errorf("empty scope token")
		}
		for i := 0; i < len(v); i++ {
			c := v[i]
			if c < 0x21 || c == 0x22 || c == 0x5c || c > 0x7e {
				return fmt.Errorf("scope token %q contains invalid character %q", v, c)
			}
		}
	}
	return nil
}

func isASCIISpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}
