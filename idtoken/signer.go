package idtoken

import (
	"fmt"

	"github.com/tink-crypto/tink-go/v2/jwt"
	"github.com/tink-crypto/tink-go/v2/keyset"
)

// Signer signs assembled ID tokens into compact JWS form.
type Signer interface {
	SignAndEncode(raw *jwt.RawJWT) (string, error)
}

var _ Signer = (*KeysetSigner)(nil)

// KeysetSigner signs with the primary key of a tink JWT signature keyset.
type KeysetSigner struct {
	handle *keyset.Handle
	signer jwt.Signer
}

// NewKeysetSigner creates a signer from a private JWT keyset handle, for
// example one created with keyset.NewHandle(jwt.ES256Template()).
func NewKeysetSigner(h *keyset.Handle) (*KeysetSigner, error) {
	s, err := jwt.NewSigner(h)
	if err != nil {
		return nil, fmt.Errorf("creating jwt signer: %w", err)
	}
	return &KeysetSigner{handle: h, signer: s}, nil
}

func (k *KeysetSigner) SignAndEncode(raw *jwt.RawJWT) (string, error) {
	return k.signer.SignAndEncode(raw)
}

// PublicHandle returns the public keyset, for verifying issued tokens.
func (k *KeysetSigner) PublicHandle() (*keyset.Handle, error) {
	return k.handle.Public()
}

// Sign assembles and signs an ID token.
func Sign(s Signer, req *Request) (string, error) {
	raw, err := Assemble(req)
	if err != nil {
		return "", err
	}
	signed, err := s.SignAndEncode(raw)
	if err != nil {
		return "", fmt.Errorf("signing id token: %w", err)
	}
	return signed, nil
}
