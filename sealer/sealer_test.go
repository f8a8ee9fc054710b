package sealer

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testKey(id uint32, role Role) Key {
	return Key{
		ID:       id,
		Material: bytes.Repeat([]byte{byte(id)}, 32),
		Role:     role,
	}
}

func mustNew(t *testing.T, keys ...Key) *Sealer {
	t.Helper()
	s, err := New(keys)
	if err != nil {
		t.Fatalf("creating sealer: %v", err)
	}
	return s
}

func TestRoundTrip(t *testing.T) {
	s := mustNew(t, testKey(1, RoleCurrent))
	now := time.Now()

	for _, pt := range [][]byte{
		{},
		[]byte(`{"typ":"at"}`),
		bytes.Repeat([]byte("x"), 4096),
	} {
		sealed, err := s.Wrap(pt, now.Add(time.Minute))
		if err != nil {
			t.Fatal(err)
		}
		if strings.ContainsAny(sealed, "+/=") {
			t.Errorf("sealed value %q is not unpadded base64url", sealed)
		}

		got, err := s.UnwrapAt(sealed, now)
		if err != nil {
			t.Fatalf("unwrap: %v", err)
		}
		if !bytes.Equal(got, pt) {
			t.Errorf("want %q, got %q", pt, got)
		}
	}
}

func TestWrapIsRandomized(t *testing.T) {
	s := mustNew(t, testKey(1, RoleCurrent))
	exp := time.Now().Add(time.Minute)

	a, err := s.Wrap([]byte("same"), exp)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Wrap([]byte("same"), exp)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("sealing the same plaintext twice should produce different values")
	}
}

func TestTamperedValuesRejected(t *testing.T) {
	s := mustNew(t, testKey(1, RoleCurrent), testKey(2, RoleDecryptOnly))
	now := time.Now()

	sealed, err := s.Wrap([]byte(`{"sub":"alice"}`), now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		t.Fatal(err)
	}

	for i := range raw {
		for bit := range 8 {
			mod := bytes.Clone(raw)
			mod[i] ^= 1 << bit

			_, err := s.UnwrapAt(base64.RawURLEncoding.EncodeToString(mod), now)
			if err == nil {
				t.Fatalf("flipping bit %d of byte %d was not detected", bit, i)
			}
			var serr *Error
			if !errors.As(err, &serr) {
				t.Fatalf("byte %d bit %d: want *Error, got %T", i, bit, err)
			}
		}
	}

	// truncation
	for _, n := range []int{0, 1, headerLen, headerLen + minCiphertextLen - 1} {
		_, err := s.UnwrapAt(base64.RawURLEncoding.EncodeToString(raw[:n]), now)
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("truncated to %d bytes: want ErrMalformed, got %v", n, err)
		}
	}

	if _, err := s.UnwrapAt("not base64!", now); !errors.Is(err, ErrMalformed) {
		t.Errorf("want ErrMalformed, got %v", err)
	}
}

func TestExpiry(t *testing.T) {
	s := mustNew(t, testKey(1, RoleCurrent))
	exp := time.UnixMilli(time.Now().UnixMilli()).Add(time.Minute)

	sealed, err := s.Wrap([]byte("data"), exp)
	if err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		name    string
		now     time.Time
		wantErr error
	}{
		{name: "before", now: exp.Add(-time.Millisecond)},
		{name: "at expiry", now: exp, wantErr: ErrExpired},
		{name: "after", now: exp.Add(time.Second), wantErr: ErrExpired},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.UnwrapAt(sealed, tc.now)
			if tc.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("want %v, got %v", tc.wantErr, err)
			}
		})
	}

	s.now = func() time.Time { return exp.Add(time.Hour) }
	if _, err := s.Unwrap(sealed); !errors.Is(err, ErrExpired) {
		t.Errorf("Unwrap should use the sealer clock, got %v", err)
	}
}

func TestRotation(t *testing.T) {
	now := time.Now()
	exp := now.Add(time.Hour)

	s := mustNew(t, testKey(1, RoleCurrent))
	oldSealed, err := s.Wrap([]byte("old"), exp)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Rotate([]Key{testKey(2, RoleCurrent), testKey(1, RoleDecryptOnly)}); err != nil {
		t.Fatal(err)
	}
	if got := s.CurrentKeyID(); got != 2 {
		t.Errorf("want current key 2, got %d", got)
	}

	if got, err := s.UnwrapAt(oldSealed, now); err != nil || string(got) != "old" {
		t.Errorf("decrypt-only key should still open old values: %q %v", got, err)
	}

	newSealed, err := s.Wrap([]byte("new"), exp)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := base64.RawURLEncoding.DecodeString(newSealed)
	if kid := raw[headerLen+1 : headerLen+5]; !bytes.Equal(kid, []byte{0, 0, 0, 2}) {
		t.Errorf("new value should be sealed with key 2, prefix is %v", kid)
	}

	// a sealer that never knew key 2
	other := mustNew(t, testKey(1, RoleCurrent))
	if _, err := other.UnwrapAt(newSealed, now); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("want ErrUnknownKey, got %v", err)
	}

	// drop key 1 entirely
	if err := s.Rotate([]Key{testKey(2, RoleCurrent)}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UnwrapAt(oldSealed, now); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("want ErrUnknownKey after removal, got %v", err)
	}
}

func TestSameIDDifferentMaterial(t *testing.T) {
	now := time.Now()
	a := mustNew(t, testKey(1, RoleCurrent))
	k := testKey(1, RoleCurrent)
	k.Material = bytes.Repeat([]byte{0xaa}, 32)
	b := mustNew(t, k)

	sealed, err := a.Wrap([]byte("data"), now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.UnwrapAt(sealed, now); !errors.Is(err, ErrAuthentication) {
		t.Errorf("want ErrAuthentication, got %v", err)
	}
}

func TestInvalidKeys(t *testing.T) {
	short := testKey(1, RoleCurrent)
	short.Material = []byte("short")

	for _, tc := range []struct {
		name string
		keys []Key
	}{
		{name: "empty"},
		{name: "no current", keys: []Key{testKey(1, RoleDecryptOnly)}},
		{name: "two current", keys: []Key{testKey(1, RoleCurrent), testKey(2, RoleCurrent)}},
		{name: "duplicate id", keys: []Key{testKey(1, RoleCurrent), testKey(1, RoleDecryptOnly)}},
		{name: "zero id", keys: []Key{testKey(0, RoleCurrent)}},
		{name: "bad role", keys: []Key{testKey(1, "primary")}},
		{name: "short material", keys: []Key{short}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.keys); err == nil {
				t.Error("want error")
			}
		})
	}

	// a failed rotation leaves the previous keys in place
	s := mustNew(t, testKey(1, RoleCurrent))
	if err := s.Rotate(nil); err == nil {
		t.Fatal("want error")
	}
	if s.CurrentKeyID() != 1 {
		t.Error("failed rotation replaced the keys")
	}
}

func TestLoadKeyFile(t *testing.T) {
	keys := []Key{testKey(7, RoleCurrent), testKey(3, RoleDecryptOnly)}
	b, err := json.Marshal(KeyFile{Keys: keys})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "keys.json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := LoadKeyFile(path)
	if err != nil {
		t.Fatal(err)
	}
	s := mustNew(t, got...)
	if s.CurrentKeyID() != 7 {
		t.Errorf("want current key 7, got %d", s.CurrentKeyID())
	}

	if _, err := LoadKeyFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("want error for missing file")
	}
}
