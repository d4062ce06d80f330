// Package blob defines the raw blob store: the pluggable byte-container
// layer that holds encrypted file content, keyed by file id.
//
// A blob is an opaque sequence of fixed-stride records (the encrypted
// form of content blocks). The content cipher engine above this package
// decides what a record means; stores only move bytes at record
// granularity. Blobs may be sparse: a record that was never written
// reads as zero bytes written, which the cipher layer interprets as a
// hole.
//
// Concrete stores:
//
//   - LocalDir   — one file per blob under a fan-out directory tree,
//     native metadata from the host filesystem.
//   - KVBlob     — whole blobs as values in the KV engine.
//   - ObjectStore — blobs as objects in S3.
//
// Decorators compose by wrapping the same interface:
//
//   - Tracking  — persists the (size, mtime, atime) triple in the KV
//     store for inner stores that cannot.
//   - Clustered — splits the record stream into fixed-size clusters,
//     each stored as its own inner blob.
//
// Stores declaring MetaSupported() == false must be wrapped in Tracking
// before the engine will accept them; construction rejects anything
// else.
package blob

import (
	"github.com/bijoufs/bijou/pkg/store/metadata"
)

// Flags control how a blob is opened.
type Flags uint8

const (
	FlagRead Flags = 1 << iota
	FlagWrite
	FlagTruncate
)

// Has reports whether all bits of f2 are set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// Meta is the raw metadata triple of a blob: the ciphertext size in
// bytes and the last modification and access times (nanosecond Unix).
type Meta struct {
	Size  uint64 `json:"size"`
	Mtime int64  `json:"mtime"`
	Atime int64  `json:"atime"`
}

// Store is a raw blob store keyed by file id.
//
// Implementations must support concurrent operations on distinct ids.
// Concurrent I/O on the same id is serialized above this layer by the
// engine's per-inode locks.
type Store interface {
	// Create creates an empty blob for id. Idempotent: creating an
	// existing blob succeeds and leaves it untouched.
	Create(id metadata.FileID) error

	// Open returns a handle for record I/O on the blob. The caller must
	// ensure the blob exists.
	Open(id metadata.FileID, flags Flags) (File, error)

	// Unlink removes the blob and all storage behind it. The caller must
	// ensure no handle is open on it.
	Unlink(id metadata.FileID) error

	// Exists reports whether a blob exists for id.
	Exists(id metadata.FileID) (bool, error)

	// GetMeta returns the raw metadata triple. Stores that cannot track
	// metadata return Unsupported; they must be wrapped in Tracking.
	GetMeta(id metadata.FileID) (Meta, error)

	// SetMeta overwrites the raw metadata triple. Same support rule as
	// GetMeta.
	SetMeta(id metadata.FileID, meta Meta) error

	// MetaSupported reports whether GetMeta/SetMeta work on this store.
	MetaSupported() bool
}

// File is an open blob handle.
//
// All offsets are derived from the record index and the record size the
// store was built with; callers always pass full-record buffers.
type File interface {
	// ReadRecord fills buf (exactly one record long) from record index
	// rec. It returns the number of bytes read: 0 means the record lies
	// beyond the blob's physical end (a hole or EOF — the engine decides
	// which from the logical size); a short positive count means the
	// blob was truncated mid-record and is surfaced by the cipher layer
	// as data corruption.
	ReadRecord(buf []byte, rec uint64) (int, error)

	// WriteRecord writes buf (exactly one record long) at record index
	// rec, extending the blob as needed. The skipped-over region of a
	// sparse extension reads as zero bytes.
	WriteRecord(buf []byte, rec uint64) error

	// SetLen resizes the blob to length bytes (always a whole number of
	// records when called by the engine). Shrinking discards the tail;
	// growing extends with a region that reads as zeros.
	SetLen(length uint64) error

	// Sync flushes buffered writes to durable storage.
	Sync() error

	// Close releases the handle.
	Close() error
}

// errUnsupportedMeta is the error stores without metadata support return.
func errUnsupportedMeta() error {
	return &metadata.StoreError{
		Code:    metadata.ErrUnsupported,
		Message: "blob store does not track metadata; wrap it in a Tracking store",
	}
}
