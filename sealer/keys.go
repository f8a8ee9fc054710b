package sealer

import (
	"crypto/hkdf"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
	gcmpb "github.com/tink-crypto/tink-go/v2/proto/aes_gcm_go_proto"
	tinkpb "github.com/tink-crypto/tink-go/v2/proto/tink_go_proto"
	"google.golang.org/protobuf/proto"
)

// Role is the role of a key in the keyset.
type Role string

const (
	// RoleCurrent keys seal new values. Exactly one key has this role.
	RoleCurrent Role = "current"
	// RoleDecryptOnly keys only unwrap values sealed before a rotation.
	RoleDecryptOnly Role = "decrypt-only"
)

// MinMaterialLength is the minimum length of configured key material.
const MinMaterialLength = 16

const aesGCMTypeURL = "type.googleapis.com/google.crypto.tink.AesGcmKey"

var (
	// generated with salt.go. fixed, to domain separate the derived sealing
	// keys from any other use of the configured material.
	keySalt = []byte{34, 162, 166, 236, 204, 48, 13, 215, 106, 80, 229, 60, 145, 13, 81, 184, 152, 211, 106, 178, 217, 35, 64, 57, 100, 51, 140, 172, 142, 88, 78, 104}

	keyInfo   = "oidctoken sealer aes-256-gcm"
	keyLength = 32
)

// Key is a single configured sealing key. The AES-256 key is derived from
// Material with HKDF-SHA256, so Material can be any secret of at least
// MinMaterialLength bytes.
type Key struct {
	ID       uint32 `json:"id"`
	Material []byte `json:"material"`
	Role     Role   `json:"role"`
}

// KeyFile is the on-disk form of a key list. Material is standard base64.
type KeyFile struct {
	Keys []Key `json:"keys"`
}

// LoadKeyFile reads a JSON key file.
func LoadKeyFile(path string) ([]Key, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	var kf KeyFile
	if err := json.Unmarshal(b, &kf); err != nil {
		return nil, fmt.Errorf("parsing key file %s: %w", path, err)
	}
	return kf.Keys, nil
}

func deriveKey(k Key) ([]byte, error) {
	if len(k.Material) < MinMaterialLength {
		return nil, fmt.Errorf("key %d: material must be at least %d bytes", k.ID, MinMaterialLength)
	}
	return hkdf.Key(sha256.New, k.Material, keySalt, keyInfo, keyLength)
}

// newKeysetHandle builds a tink AES-GCM keyset from the configured keys, with
// the current key as primary.
func newKeysetHandle(keys []Key) (*keyset.Handle, uint32, error) {
	if len(keys) == 0 {
		return nil, 0, fmt.Errorf("no keys configured")
	}

	ks := &tinkpb.Keyset{}
	seen := make(map[uint32]bool, len(keys))
	for _, k := range keys {
		if k.ID == 0 {
			return nil, 0, fmt.Errorf("key ID 0 is reserved")
		}
		if seen[k.ID] {
			return nil, 0, fmt.Errorf("duplicate key ID %d", k.ID)
		}
		seen[k.ID] = true

		switch k.Role {
		case RoleCurrent:
			if ks.PrimaryKeyId != 0 {
				return nil, 0, fmt.Errorf("keys %d and %d are both current", ks.PrimaryKeyId, k.ID)
			}
			ks.PrimaryKeyId = k.ID
		case RoleDecryptOnly:
		default:
			return nil, 0, fmt.Errorf("key %d: unknown role %q", k.ID, k.Role)
		}

		kv, err := deriveKey(k)
		if err != nil {
			return nil, 0, err
		}
		kb, err := proto.Marshal(&gcmpb.AesGcmKey{Version: 0, KeyValue: kv})
		if err != nil {
			return nil, 0, fmt.Errorf("marshaling key %d: %w", k.ID, err)
		}

		ks.Key = append(ks.Key, &tinkpb.Keyset_Key{
			KeyData: &tinkpb.KeyData{
				TypeUrl:         aesGCMTypeURL,
				Value:           kb,
				KeyMaterialType: tinkpb.KeyData_SYMMETRIC,
			},
			Status:           tinkpb.KeyStatusType_ENABLED,
			KeyId:            k.ID,
			OutputPrefixType: tinkpb.OutputPrefixType_TINK,
		})
	}
	if ks.PrimaryKeyId == 0 {
		return nil, 0, fmt.Errorf("no current key")
	}

	h, err := insecurecleartextkeyset.Read(&keyset.MemReaderWriter{Keyset: ks})
	if err != nil {
		return nil, 0, fmt.Errorf("reading keyset: %w", err)
	}
	return h, ks.PrimaryKeyId, nil
}
