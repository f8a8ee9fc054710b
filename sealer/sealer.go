// Package sealer wraps opaque byte strings with authenticated encryption and
// an embedded expiry, producing URL-safe bearer values.
//
// A sealed value is the unpadded base64url encoding of
//
//	version (1 byte) || expiry in unix milliseconds (8 bytes, big endian) || tink AEAD ciphertext
//
// The version and expiry bytes are the AEAD associated data, so they can not
// be altered without failing authentication. The tink ciphertext starts with
// the TINK output prefix, 0x01 followed by the 4 byte key ID, which lets
// multiple keys coexist for decryption while only the current key encrypts.
package sealer

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/tink"
)

const (
	envelopeVersion = 1

	headerLen = 1 + 8
	// tink prefix (5) + GCM IV (12) + tag (16)
	minCiphertextLen = 5 + 12 + 16
	tinkStartByte    = 0x01
)

var (
	// ErrMalformed is returned when the sealed value can not be decoded.
	ErrMalformed = errors.New("malformed sealed value")
	// ErrUnknownKey is returned when the value was sealed with a key that is
	// not configured.
	ErrUnknownKey = errors.New("unknown key ID")
	// ErrAuthentication is returned when the AEAD tag does not verify.
	ErrAuthentication = errors.New("authentication failed")
	// ErrExpired is returned when the embedded expiry has passed.
	ErrExpired = errors.New("sealed value expired")
)

// Error is returned for every failure to wrap or unwrap. Callers that must not
// disclose the cause can treat all of them alike with errors.As.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "sealer: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Sealer performs the wrapping. It is safe for concurrent use, and the keys
// can be replaced at runtime with Rotate.
type Sealer struct {
	state atomic.Pointer[keyState]

	now func() time.Time
}

type keyState struct {
	aead    tink.AEAD
	primary uint32
	ids     map[uint32]bool
}

// New creates a sealer from the given keys. Exactly one key must have the
// current role.
func New(keys []Key) (*Sealer, error) {
	s := &Sealer{now: time.Now}
	if err := s.Rotate(keys); err != nil {
		return nil, err
	}
	return s, nil
}

// Rotate atomically replaces the keys. Values sealed with a key that is no
// longer configured will fail to unwrap with ErrUnknownKey.
func (s *Sealer) Rotate(keys []Key) error {
	h, primary, err := newKeysetHandle(keys)
	if err != nil {
		return fmt.Errorf("building keyset: %w", err)
	}
	a, err := aead.New(h)
	if err != nil {
		return fmt.Errorf("getting AEAD primitive: %w", err)
	}
	ids := make(map[uint32]bool, len(keys))
	for _, k := range keys {
		ids[k.ID] = true
	}
	s.state.Store(&keyState{aead: a, primary: primary, ids: ids})
	return nil
}

// CurrentKeyID returns the ID of the key new values are sealed with.
func (s *Sealer) CurrentKeyID() uint32 {
	return s.state.Load().primary
}

// Wrap seals plaintext so that it can be unwrapped until expiry.
func (s *Sealer) Wrap(plaintext []byte, expiry time.Time) (string, error) {
	st := s.state.Load()

	hdr := make([]byte, headerLen)
	hdr[0] = envelopeVersion
	binary.BigEndian.PutUint64(hdr[1:], uint64(expiry.UnixMilli()))

	ct, err := st.aead.Encrypt(plaintext, hdr)
	if err != nil {
		return "", &Error{Op: "wrap", Err: err}
	}

	return base64.RawURLEncoding.EncodeToString(append(hdr, ct...)), nil
}

// Unwrap opens a sealed value, checking expiry against the current time.
func (s *Sealer) Unwrap(sealed string) ([]byte, error) {
	return s.UnwrapAt(sealed, s.now())
}

// UnwrapAt opens a sealed value, treating it as expired if now is at or after
// the embedded expiry. The plaintext is only returned once the value has been
// authenticated and found unexpired.
func (s *Sealer) UnwrapAt(sealed string, now time.Time) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return nil, &Error{Op: "unwrap", Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if len(raw) < headerLen+minCiphertextLen || raw[0] != envelopeVersion {
		return nil, &Error{Op: "unwrap", Err: ErrMalformed}
	}
	hdr, ct := raw[:headerLen], raw[headerLen:]

	if ct[0] != tinkStartByte {
		return nil, &Error{Op: "unwrap", Err: ErrMalformed}
	}

	st := s.state.Load()
	kid := binary.BigEndian.Uint32(ct[1:5])
	if !st.ids[kid] {
		return nil, &Error{Op: "unwrap", Err: fmt.Errorf("%w: %d", ErrUnknownKey, kid)}
	}

	pt, err := st.aead.Decrypt(ct, hdr)
	if err != nil {
		return nil, &Error{Op: "unwrap", Err: ErrAuthentication}
	}

	expiry := time.UnixMilli(int64(binary.BigEndian.Uint64(hdr[1:])))
	if !now.Before(expiry) {
		return nil, &Error{Op: "unwrap", Err: ErrExpired}
	}

	return pt, nil
}
