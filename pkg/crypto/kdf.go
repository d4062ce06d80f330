package crypto

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
)

// Argon2idParams are the passphrase hashing parameters stored in the
// keystore file. Changing them only affects newly created stores.
type Argon2idParams struct {
	// Memory is the memory cost in KiB.
	Memory uint32

	// Time is the number of passes.
	Time uint32

	// Parallelism is the lane count.
	Parallelism uint8

	// Salt is the per-keystore random salt.
	Salt []byte
}

// DefaultArgon2idParams returns the parameters used for new keystores:
// 256 MiB, 3 passes, 4 lanes. The salt must still be generated by the
// caller.
func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Memory:      256 * 1024,
		Time:        3,
		Parallelism: 4,
	}
}

// DeriveKey stretches a passphrase into a 32-byte key wrap key.
func (p Argon2idParams) DeriveKey(passphrase []byte) ([]byte, error) {
	if len(p.Salt) == 0 {
		return nil, errors.New("crypto: argon2id salt is empty")
	}
	if p.Memory == 0 || p.Time == 0 || p.Parallelism == 0 {
		return nil, errors.New("crypto: invalid argon2id parameters")
	}
	return argon2.IDKey(passphrase, p.Salt, p.Time, p.Memory, p.Parallelism, KeySize), nil
}

// Domain labels for subkey derivation. Fixed forever: changing one makes
// every existing store unreadable.
var (
	labelConfigKey   = []byte("bijou.v1.config")
	labelContentKey  = []byte("bijou.v1.content")
	labelFilenameKey = []byte("bijou.v1.filename")
	labelDBKey       = []byte("bijou.v1.db")
)

// Subkeys are the four purpose-specific keys derived from the master key.
//
// Config encrypts the configuration file holding the superblock. Content
// and Filename are derivation roots for per-file content keys and the
// filename SIV; neither is used directly as a cipher key. DB is handed to
// the at-rest encryption of the key-value engine.
type Subkeys struct {
	Config   [KeySize]byte
	Content  [KeySize]byte
	Filename [KeySize]byte
	DB       [KeySize]byte
}

// DeriveSubkeys expands a 32-byte master key into the four subkeys using
// keyed BLAKE2b over fixed, distinct domain labels.
func DeriveSubkeys(masterKey []byte) (*Subkeys, error) {
	if len(masterKey) != KeySize {
		return nil, errors.New("crypto: master key must be 32 bytes")
	}
	sk := &Subkeys{}
	for _, d := range []struct {
		label []byte
		out   *[KeySize]byte
	}{
		{labelConfigKey, &sk.Config},
		{labelContentKey, &sk.Content},
		{labelFilenameKey, &sk.Filename},
		{labelDBKey, &sk.DB},
	} {
		h, err := blake2b.New256(masterKey)
		if err != nil {
			return nil, err
		}
		h.Write(d.label)
		copy(d.out[:], h.Sum(nil))
	}
	return sk, nil
}

// FileKey derives the per-file content key for a file.
//
// The key is keyed BLAKE2b over the file id and the random salt stored
// in the inode, keyed by the content subkey. It is reproducible for the
// lifetime of the inode.
func FileKey(contentKey []byte, fileID uint64, salt []byte) ([]byte, error) {
	h, err := blake2b.New256(contentKey)
	if err != nil {
		return nil, err
	}
	var id [8]byte
	binary.LittleEndian.PutUint64(id[:], fileID)
	h.Write(id[:])
	h.Write(salt)
	return h.Sum(nil), nil
}
