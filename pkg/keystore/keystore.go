// Package keystore manages the two on-disk artifacts that gate access to
// a Bijou data directory: keystore.json, holding the passphrase-wrapped
// master key, and config.json, holding the superblock fields encrypted
// under the config subkey.
//
// The keystore file itself is plaintext JSON; its only secret, the
// master key, is stored encrypted under a key derived from the
// passphrase with Argon2id. Unlocking returns the unwrapped master key;
// the caller derives the four purpose-specific subkeys from it with
// crypto.DeriveSubkeys.
package keystore

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bijoufs/bijou/pkg/crypto"
	"github.com/bijoufs/bijou/pkg/store/metadata"
)

const (
	// KeystoreFile is the keystore filename within the data directory.
	KeystoreFile = "keystore.json"

	// ConfigFile is the encrypted configuration filename.
	ConfigFile = "config.json"

	// keystoreVersion is the keystore format version written by this
	// build. Unknown versions are rejected as corrupt.
	keystoreVersion = 1

	// saltSize is the Argon2id salt length.
	saltSize = 16
)

// wrapAAD binds the master key wrap to its purpose.
var wrapAAD = []byte("bijou.masterkey")

// keystoreJSON is the wire form of keystore.json.
type keystoreJSON struct {
	Version int    `json:"version"`
	KDF     string `json:"kdf"`
	M       uint32 `json:"m"`
	T       uint32 `json:"t"`
	P       uint8  `json:"p"`
	SaltB64 string `json:"salt_b64"`
	Wrap    struct {
		NonceB64      string `json:"nonce_b64"`
		CiphertextB64 string `json:"ciphertext_b64"`
	} `json:"wrap"`
}

func corrupt(msg string) error {
	return &metadata.StoreError{Code: metadata.ErrCorruptKeystore, Message: msg}
}

// Create generates a fresh master key, wraps it under the passphrase and
// writes keystore.json into dir. It returns the master key so the caller
// can derive subkeys and seal the initial configuration.
//
// params.Salt is ignored; a fresh salt is always generated.
func Create(dir string, passphrase []byte, params crypto.Argon2idParams) ([]byte, error) {
	masterKey, err := crypto.RandBytes(crypto.KeySize)
	if err != nil {
		return nil, err
	}

	salt, err := crypto.RandBytes(saltSize)
	if err != nil {
		return nil, err
	}
	params.Salt = salt

	wrapKey, err := params.DeriveKey(passphrase)
	if err != nil {
		return nil, fmt.Errorf("keystore: deriving wrap key: %w", err)
	}

	aead, err := crypto.CipherXChaCha20Poly1305.NewAEAD(wrapKey)
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.NewNonce(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	wrapped := aead.Seal(nil, nonce, masterKey, wrapAAD)

	ks := keystoreJSON{
		Version: keystoreVersion,
		KDF:     "argon2id",
		M:       params.Memory,
		T:       params.Time,
		P:       params.Parallelism,
		SaltB64: base64.StdEncoding.EncodeToString(salt),
	}
	ks.Wrap.NonceB64 = base64.StdEncoding.EncodeToString(nonce)
	ks.Wrap.CiphertextB64 = base64.StdEncoding.EncodeToString(wrapped)

	data, err := json.MarshalIndent(&ks, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("keystore: encoding keystore: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, KeystoreFile), data, 0o600); err != nil {
		return nil, fmt.Errorf("keystore: writing %s: %w", KeystoreFile, err)
	}

	return masterKey, nil
}

// Unlock reads keystore.json from dir and unwraps the master key with
// the passphrase.
//
// A malformed keystore yields CorruptKeystore; a wrong passphrase
// surfaces as AuthFailed.
func Unlock(dir string, passphrase []byte) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(dir, KeystoreFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, corrupt("keystore file not found")
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: reading %s: %w", KeystoreFile, err)
	}

	var ks keystoreJSON
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, corrupt("malformed keystore: " + err.Error())
	}
	if ks.Version != keystoreVersion {
		return nil, corrupt(fmt.Sprintf("unsupported keystore version %d", ks.Version))
	}
	if ks.KDF != "argon2id" {
		return nil, corrupt("unsupported kdf: " + ks.KDF)
	}

	salt, err := base64.StdEncoding.DecodeString(ks.SaltB64)
	if err != nil || len(salt) != saltSize {
		return nil, corrupt("malformed keystore salt")
	}
	nonce, err := base64.StdEncoding.DecodeString(ks.Wrap.NonceB64)
	if err != nil {
		return nil, corrupt("malformed wrap nonce")
	}
	wrapped, err := base64.StdEncoding.DecodeString(ks.Wrap.CiphertextB64)
	if err != nil {
		return nil, corrupt("malformed wrap ciphertext")
	}

	params := crypto.Argon2idParams{Memory: ks.M, Time: ks.T, Parallelism: ks.P, Salt: salt}
	wrapKey, err := params.DeriveKey(passphrase)
	if err != nil {
		return nil, corrupt("invalid kdf parameters: " + err.Error())
	}

	aead, err := crypto.CipherXChaCha20Poly1305.NewAEAD(wrapKey)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, corrupt("malformed wrap nonce")
	}
	masterKey, err := aead.Open(nil, nonce, wrapped, wrapAAD)
	if err != nil {
		return nil, &metadata.StoreError{Code: metadata.ErrAuthFailed, Message: "incorrect passphrase"}
	}
	if len(masterKey) != crypto.KeySize {
		return nil, corrupt("master key has unexpected size")
	}
	return masterKey, nil
}

// SealConfig encrypts payload under the config subkey and writes it to
// config.json in dir. The file layout is nonce ‖ ciphertext ‖ tag.
func SealConfig(dir string, configKey, payload []byte) error {
	aead, err := crypto.CipherXChaCha20Poly1305.NewAEAD(configKey)
	if err != nil {
		return err
	}
	nonce, err := crypto.NewNonce(aead.NonceSize())
	if err != nil {
		return err
	}
	blob := aead.Seal(nonce, nonce, payload, nil)
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), blob, 0o600); err != nil {
		return fmt.Errorf("keystore: writing %s: %w", ConfigFile, err)
	}
	return nil
}

// OpenConfig reads and decrypts config.json from dir.
//
// A short or missing file yields CorruptConfig; an authentication
// failure (wrong key, tampering) yields AuthFailed per the key hierarchy
// contract: the config file is where a wrong passphrase that survived
// key unwrapping would finally surface.
func OpenConfig(dir string, configKey []byte) ([]byte, error) {
	blob, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, &metadata.StoreError{Code: metadata.ErrCorruptConfig, Message: "config file not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: reading %s: %w", ConfigFile, err)
	}

	aead, err := crypto.CipherXChaCha20Poly1305.NewAEAD(configKey)
	if err != nil {
		return nil, err
	}
	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return nil, &metadata.StoreError{Code: metadata.ErrCorruptConfig, Message: "config file too short"}
	}
	nonce := blob[:aead.NonceSize()]
	payload, err := aead.Open(nil, nonce, blob[aead.NonceSize():], nil)
	if err != nil {
		return nil, &metadata.StoreError{Code: metadata.ErrAuthFailed, Message: "config authentication failed"}
	}
	return payload, nil
}
