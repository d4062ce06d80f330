package crypto

// Layout describes the on-disk record geometry of an encrypted file.
//
// A file of logical size L with block size B comprises ceil(L/B) plaintext
// blocks. Each block is stored as one fixed-stride record:
//
//	record = nonce ‖ ciphertext(B) ‖ tag
//
// The ciphertext portion is always exactly B bytes; a short final block is
// zero-padded before encryption and the logical size bounds reads. A record
// whose nonce is all zeros denotes a hole and is read as B zero bytes
// without authentication.
type Layout struct {
	// BlockSize is the plaintext block size B in bytes.
	BlockSize uint32

	// NonceSize is the record header size in bytes.
	NonceSize int

	// TagSize is the authentication tag size in bytes.
	TagSize int
}

// NewLayout returns the record geometry for the given cipher and block size.
func NewLayout(c Cipher, blockSize uint32) Layout {
	return Layout{
		BlockSize: blockSize,
		NonceSize: c.NonceSize(),
		TagSize:   c.TagSize(),
	}
}

// RecordSize returns the stride R of one record in bytes.
func (l Layout) RecordSize() uint64 {
	return uint64(l.NonceSize) + uint64(l.BlockSize) + uint64(l.TagSize)
}

// Records returns the number of records needed to hold size plaintext bytes.
func (l Layout) Records(size uint64) uint64 {
	b := uint64(l.BlockSize)
	return (size + b - 1) / b
}

// CiphertextSize returns the total blob size implied by a logical size.
func (l Layout) CiphertextSize(size uint64) uint64 {
	return l.Records(size) * l.RecordSize()
}

// BlockOf returns the block index containing the given plaintext offset.
func (l Layout) BlockOf(offset uint64) uint64 {
	return offset / uint64(l.BlockSize)
}

// BlockOffset returns the offset within its block of a plaintext offset.
func (l Layout) BlockOffset(offset uint64) uint64 {
	return offset % uint64(l.BlockSize)
}
