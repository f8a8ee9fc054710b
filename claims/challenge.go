package claims

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"lds.li/oidctoken/oidc"
)

// ErrUnsupportedChallengeMethod is returned when verifying a challenge whose
// method is not S256 or plain.
var ErrUnsupportedChallengeMethod = errors.New("unsupported code challenge method")

// CodeChallenge is a PKCE challenge bound to an authorization code.
//
// https://www.rfc-editor.org/rfc/rfc7636
type CodeChallenge struct {
	Value  string
	Method oidc.CodeChallengeMethod
}

// NewCodeChallenge computes the challenge for verifier with the given method.
func NewCodeChallenge(verifier string, method oidc.CodeChallengeMethod) (CodeChallenge, error) {
	switch method {
	case oidc.CodeChallengeMethodS256:
		h := sha256.Sum256([]byte(verifier))
		return CodeChallenge{Value: base64.RawURLEncoding.EncodeToString(h[:]), Method: method}, nil
	case oidc.CodeChallengeMethodPlain:
		return CodeChallenge{Value: verifier, Method: method}, nil
	}
	return CodeChallenge{}, fmt.Errorf("%w: %q", ErrUnsupportedChallengeMethod, method)
}

// ParseCodeChallenge parses the stored <value>:<method> form. The method is
// not checked against the supported set here, callers decide how to treat
// unknown methods.
func ParseCodeChallenge(s string) (CodeChallenge, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return CodeChallenge{}, fmt.Errorf("code challenge must be in <value>:<method> form")
	}
	return CodeChallenge{Value: s[:i], Method: oidc.CodeChallengeMethod(s[i+1:])}, nil
}

// Verify reports whether verifier matches the challenge. Method comparison is
// case-sensitive, an unknown method fails with ErrUnsupportedChallengeMethod.
func (c CodeChallenge) Verify(verifier string) (bool, error) {
	want, err := NewCodeChallenge(verifier, c.Method)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(want.Value), []byte(c.Value)) == 1, nil
}

// String returns the stored form of the challenge.
func (c CodeChallenge) String() string {
	return c.Value + ":" + string(c.Method)
}
