package crypto

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20"
)

// SIVTagSize is the size of the synthetic IV appended to every
// encrypted filename.
const SIVTagSize = 32

// ErrSIVAuth is returned when a filename fails SIV authentication.
var ErrSIVAuth = errors.New("crypto: filename authentication failed")

// SIV implements a deterministic AEAD over XChaCha20 with a BLAKE2b-based
// S2V construction. It is used for filename encryption: the same
// (key, associated data, name) triple always yields the same wire bytes,
// which keeps directory lookups a single point query, while the associated
// data (the parent file id) makes equal names diverge across directories.
//
// Construction: the 64-byte BLAKE2b digest of the empty string keyed by
// the SIV key is split into an authentication subkey ka and an encryption
// subkey ke. The synthetic IV is S2V(ka, ad, plaintext); the first 24
// bytes of it are the XChaCha20 nonce under ke. The full 32-byte IV is
// appended to the ciphertext as the tag.
type SIV struct {
	ka [32]byte
	ke [32]byte
}

// NewSIV derives an SIV instance from a 32-byte key.
func NewSIV(key []byte) (*SIV, error) {
	if len(key) != KeySize {
		return nil, errors.New("crypto: SIV key must be 32 bytes")
	}
	h, err := blake2b.New(64, key)
	if err != nil {
		return nil, err
	}
	digest := h.Sum(nil)
	s := &SIV{}
	copy(s.ka[:], digest[:32])
	copy(s.ke[:], digest[32:])
	return s, nil
}

// Seal encrypts name deterministically and returns ciphertext ‖ tag.
func (s *SIV) Seal(ad, name []byte) ([]byte, error) {
	out := make([]byte, len(name)+SIVTagSize)
	copy(out, name)

	mac, err := s.s2v(out[:len(name)], ad)
	if err != nil {
		return nil, err
	}
	if err := s.stream(out[:len(name)], mac[:chacha20.NonceSizeX]); err != nil {
		return nil, err
	}
	copy(out[len(name):], mac[:])
	return out, nil
}

// Open decrypts wire (ciphertext ‖ tag) and verifies the synthetic IV.
func (s *SIV) Open(ad, wire []byte) ([]byte, error) {
	if len(wire) < SIVTagSize {
		return nil, ErrSIVAuth
	}
	name := make([]byte, len(wire)-SIVTagSize)
	copy(name, wire[:len(name)])
	tag := wire[len(name):]

	if err := s.stream(name, tag[:chacha20.NonceSizeX]); err != nil {
		return nil, err
	}
	mac, err := s.s2v(name, ad)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(mac[:], tag) != 1 {
		return nil, ErrSIVAuth
	}
	return name, nil
}

func (s *SIV) stream(data, nonce []byte) error {
	c, err := chacha20.NewUnauthenticatedCipher(s.ke[:], nonce)
	if err != nil {
		return err
	}
	c.XORKeyStream(data, data)
	return nil
}

// s2v computes the synthetic IV over the message and associated data.
func (s *SIV) s2v(m, ad []byte) ([SIVTagSize]byte, error) {
	var d, iv [SIVTagSize]byte

	if err := s.hashInto(d[:], make([]byte, SIVTagSize)); err != nil {
		return iv, err
	}
	dbl256(&d)
	if err := s.hashInto(iv[:], ad); err != nil {
		return iv, err
	}
	for i := range d {
		d[i] ^= iv[i]
	}

	h, err := blake2b.New(SIVTagSize, s.ka[:])
	if err != nil {
		return iv, err
	}
	if len(m) >= SIVTagSize {
		h.Write(m[:len(m)-SIVTagSize])
		for i, v := range m[len(m)-SIVTagSize:] {
			d[i] ^= v
		}
	} else {
		dbl256(&d)
		for i, v := range m {
			d[i] ^= v
		}
		d[len(m)] ^= 0x80
	}
	h.Write(d[:])
	copy(iv[:], h.Sum(nil))
	return iv, nil
}

func (s *SIV) hashInto(dst, message []byte) error {
	h, err := blake2b.New(len(dst), s.ka[:])
	if err != nil {
		return err
	}
	h.Write(message)
	copy(dst, h.Sum(nil))
	return nil
}

// dbl256 doubles d in GF(2^256) with the S2V reduction polynomial.
func dbl256(d *[SIVTagSize]byte) {
	var t [SIVTagSize]byte
	for i, v := range d {
		t[i] = v << 1
	}
	for i := SIVTagSize - 1; i >= 1; i-- {
		t[i-1] |= d[i] >> 7
	}
	mask := ^((d[0] >> 7) - 1)
	t[30] ^= 0x04 & mask
	t[31] ^= 0x25 & mask
	*d = t
}
