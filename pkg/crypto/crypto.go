// Package crypto provides the cryptographic primitives used by Bijou.
//
// It offers a uniform interface over a closed set of AEAD ciphers used for
// file content, a deterministic SIV construction for filename encryption,
// Argon2id passphrase hashing, keyed BLAKE2b for key derivation, and a
// CSPRNG helper.
//
// The cipher choice is represented as a small integer (Cipher) which is
// persisted in the superblock and in every inode. Dispatch happens over
// this closed set; there is no runtime registration.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the size in bytes of every symmetric key in the system:
// the master key, the four derived subkeys and per-file content keys.
const KeySize = 32

// Cipher identifies an AEAD scheme for file content encryption.
//
// The numeric values are persisted on disk (superblock and inodes) and
// must never be renumbered.
type Cipher uint8

const (
	// CipherAES256GCM is AES-256 in Galois/Counter Mode.
	// 12-byte nonce, 16-byte tag. The default.
	CipherAES256GCM Cipher = 1

	// CipherXChaCha20Poly1305 is XChaCha20-Poly1305.
	// 24-byte nonce, 16-byte tag. Slower on AES-NI hardware but immune
	// to nonce-size concerns for long-lived files.
	CipherXChaCha20Poly1305 Cipher = 2
)

// String returns the conventional name of the cipher.
func (c Cipher) String() string {
	switch c {
	case CipherAES256GCM:
		return "aes-256-gcm"
	case CipherXChaCha20Poly1305:
		return "xchacha20-poly1305"
	default:
		return fmt.Sprintf("cipher(%d)", uint8(c))
	}
}

// Valid reports whether c is a known cipher identifier.
func (c Cipher) Valid() bool {
	return c == CipherAES256GCM || c == CipherXChaCha20Poly1305
}

// NonceSize returns the per-record nonce (IV) size in bytes.
// The nonce is the record header in the on-disk block format.
func (c Cipher) NonceSize() int {
	switch c {
	case CipherAES256GCM:
		return 12
	case CipherXChaCha20Poly1305:
		return chacha20poly1305.NonceSizeX
	default:
		return 0
	}
}

// TagSize returns the authentication tag size in bytes.
func (c Cipher) TagSize() int {
	return 16
}

// NewAEAD constructs the AEAD for this cipher with the given key.
//
// The key must be KeySize bytes. The returned AEAD is safe for
// concurrent use.
func (c Cipher) NewAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: invalid key size %d for %s", len(key), c)
	}
	switch c {
	case CipherAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case CipherXChaCha20Poly1305:
		return chacha20poly1305.NewX(key)
	default:
		return nil, fmt.Errorf("crypto: unknown cipher id %d", uint8(c))
	}
}

// RandBytes fills a new buffer of n bytes from the system CSPRNG.
func RandBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("crypto: reading random bytes: %w", err)
	}
	return buf, nil
}

// NewNonce draws a fresh random nonce of n bytes.
//
// An all-zero nonce is reserved as the on-disk marker for a hole record,
// so the (astronomically unlikely) all-zero draw is discarded and redrawn.
func NewNonce(n int) ([]byte, error) {
	for {
		nonce, err := RandBytes(n)
		if err != nil {
			return nil, err
		}
		if !IsZero(nonce) {
			return nonce, nil
		}
	}
}

// IsZero reports whether every byte of b is zero.
func IsZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
