package fs

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bijoufs/bijou/internal/logger"
	"github.com/bijoufs/bijou/pkg/crypto"
	"github.com/bijoufs/bijou/pkg/store/blob"
	"github.com/bijoufs/bijou/pkg/store/metadata"
)

// File is an open handle on a regular file's content.
//
// Content is stored as fixed-stride records, one per plaintext block:
// nonce ‖ ciphertext ‖ tag, authenticated with the block index so
// records cannot be transplanted. A record with an all-zero nonce is a
// hole and reads as zeros without touching the AEAD; so does a record
// beyond the blob's physical end but below the logical size.
//
// A handle pins its inode: an unlinked-but-open file stays readable
// until the last handle closes.
type File struct {
	b    *Bijou
	id   metadata.FileID
	opts OpenOptions

	aead   cipher.AEAD
	layout crypto.Layout

	raw   blob.File
	lock  *sync.RWMutex
	count *atomic.Int32

	closed atomic.Bool
}

// OpenFile opens name under parent, creating the file when the options
// ask for it. perm, uid and gid only apply to a created file.
func (b *Bijou) OpenFile(parent metadata.FileID, name string, opts OpenOptions, perm, uid, gid uint32) (*File, error) {
	if opts.Truncate && !opts.Write {
		return nil, &metadata.StoreError{Code: metadata.ErrPermissionDenied, Message: "truncate requires write access"}
	}

	child, _, err := b.Lookup(parent, name)
	switch {
	case err == nil:
		if opts.CreateNew {
			return nil, &metadata.StoreError{Code: metadata.ErrAlreadyExists, Message: "file already exists", Path: name}
		}
		return b.OpenByID(child, opts)
	case metadata.IsCode(err, metadata.ErrNotFound) && (opts.Create || opts.CreateNew):
		ino, err := b.MakeNode(parent, name, metadata.KindRegular, "", perm, uid, gid)
		if err != nil {
			return nil, err
		}
		return b.openInode(ino, opts)
	default:
		return nil, err
	}
}

// OpenByID opens an existing file by id. It never creates.
func (b *Bijou) OpenByID(id metadata.FileID, opts OpenOptions) (*File, error) {
	if opts.Truncate && !opts.Write {
		return nil, &metadata.StoreError{Code: metadata.ErrPermissionDenied, Message: "truncate requires write access"}
	}
	ino, err := b.meta.GetInode(id)
	if err != nil {
		return nil, err
	}
	return b.openInode(ino, opts)
}

func (b *Bijou) openInode(ino *metadata.Inode, opts OpenOptions) (*File, error) {
	switch ino.Kind {
	case metadata.KindDirectory:
		return nil, &metadata.StoreError{Code: metadata.ErrIsDirectory, Message: "is a directory"}
	case metadata.KindSymlink:
		return nil, &metadata.StoreError{Code: metadata.ErrInvalidName, Message: "cannot open a symlink as a file"}
	}
	if opts.Write {
		if err := b.checkWritable(); err != nil {
			return nil, err
		}
	}

	// The blob may be missing if the process died between the metadata
	// commit and first content write. Create is idempotent.
	if err := b.blobs.Create(ino.ID); err != nil {
		return nil, err
	}

	flags := blobFlags(opts)
	if opts.Truncate {
		flags |= blob.FlagTruncate
	}
	raw, err := b.blobs.Open(ino.ID, flags)
	if err != nil {
		return nil, err
	}

	aead, err := b.fileAEAD(ino)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}

	c := ino.Cipher
	if c == 0 {
		c = b.sb.ContentCipher
	}
	blockSize := ino.BlockSize
	if blockSize == 0 {
		blockSize = b.sb.BlockSize
	}

	f := &File{
		b:      b,
		id:     ino.ID,
		opts:   opts,
		aead:   aead,
		layout: crypto.NewLayout(c, blockSize),
		raw:    raw,
		lock:   b.locks.get(ino.ID),
		count:  b.retain(ino.ID),
	}

	if opts.Truncate && ino.Size != 0 {
		f.lock.Lock()
		ino.Size = 0
		ino.Touch(time.Now())
		err := b.meta.PutInode(ino)
		f.lock.Unlock()
		if err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return f, nil
}

// ID returns the file id of the open file.
func (f *File) ID() metadata.FileID {
	return f.id
}

// Metadata returns the current inode of the open file.
func (f *File) Metadata() (*metadata.Inode, error) {
	return f.b.meta.GetInode(f.id)
}

// blockAAD returns the per-block associated data: the block index.
func blockAAD(block uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], block)
	return buf[:]
}

// loadBlock reads and decrypts one block into plain (block-size bytes).
// Holes and records beyond the physical end come back as zeros.
func (f *File) loadBlock(record, plain []byte, block uint64) error {
	n, err := f.raw.ReadRecord(record, block)
	if err != nil {
		return err
	}
	switch {
	case n == 0:
		clear(plain)
		return nil
	case n < len(record):
		return &metadata.StoreError{
			Code:    metadata.ErrDataCorruption,
			Message: fmt.Sprintf("short record for block %d", block),
		}
	}

	nonce := record[:f.layout.NonceSize]
	if crypto.IsZero(nonce) {
		clear(plain)
		return nil
	}
	if _, err := f.aead.Open(plain[:0], nonce, record[f.layout.NonceSize:], blockAAD(block)); err != nil {
		return &metadata.StoreError{
			Code:    metadata.ErrDataCorruption,
			Message: fmt.Sprintf("block %d failed authentication", block),
		}
	}
	return nil
}

// storeBlock encrypts plain (block-size bytes) with a fresh nonce and
// writes its record.
func (f *File) storeBlock(record, plain []byte, block uint64) error {
	nonce, err := crypto.NewNonce(f.layout.NonceSize)
	if err != nil {
		return err
	}
	copy(record[:f.layout.NonceSize], nonce)
	f.aead.Seal(record[f.layout.NonceSize:f.layout.NonceSize], nonce, plain, blockAAD(block))
	return f.raw.WriteRecord(record, block)
}

// ReadAt reads len(p) bytes starting at offset off, decrypting the
// blocks the range spans. Like os.File.ReadAt it returns io.EOF when
// fewer than len(p) bytes are available.
//
// A block that fails authentication yields DataCorruption for this
// range; other blocks of the file remain readable.
func (f *File) ReadAt(p []byte, off uint64) (int, error) {
	if !f.opts.Read {
		return 0, &metadata.StoreError{Code: metadata.ErrPermissionDenied, Message: "file not open for reading"}
	}
	if len(p) == 0 {
		return 0, nil
	}

	f.lock.RLock()
	defer f.lock.RUnlock()

	ino, err := f.b.meta.GetInode(f.id)
	if err != nil {
		return 0, err
	}
	if off >= ino.Size {
		return 0, io.EOF
	}

	n := uint64(len(p))
	if off+n > ino.Size {
		n = ino.Size - off
	}

	blockSize := uint64(f.layout.BlockSize)
	record := make([]byte, f.layout.RecordSize())
	plain := make([]byte, blockSize)

	read := uint64(0)
	for read < n {
		block := (off + read) / blockSize
		blockOff := (off + read) % blockSize

		if err := f.loadBlock(record, plain, block); err != nil {
			return int(read), err
		}

		span := blockSize - blockOff
		if span > n-read {
			span = n - read
		}
		copy(p[read:read+span], plain[blockOff:blockOff+span])
		read += span
	}

	if read < uint64(len(p)) {
		return int(read), io.EOF
	}
	return int(read), nil
}

// WriteAt writes p at offset off. Block-aligned full-block spans are
// encrypted directly; partial spans decrypt, splice and re-encrypt the
// containing block under a fresh nonce. Writing past the end leaves
// hole records in the gap.
//
// The inode size and mtime are updated after the data is written to
// the blob (no Sync is issued), so a crash in between leaves trailing
// ciphertext that the logical size hides.
func (f *File) WriteAt(p []byte, off uint64) (int, error) {
	if !f.opts.Write {
		return 0, &metadata.StoreError{Code: metadata.ErrPermissionDenied, Message: "file not open for writing"}
	}
	if len(p) == 0 {
		return 0, nil
	}

	f.lock.Lock()
	defer f.lock.Unlock()

	ino, err := f.b.meta.GetInode(f.id)
	if err != nil {
		return 0, err
	}
	if f.opts.Append {
		off = ino.Size
	}

	blockSize := uint64(f.layout.BlockSize)
	record := make([]byte, f.layout.RecordSize())
	plain := make([]byte, blockSize)

	n := uint64(len(p))
	written := uint64(0)
	for written < n {
		block := (off + written) / blockSize
		blockOff := (off + written) % blockSize

		span := blockSize - blockOff
		if span > n-written {
			span = n - written
		}

		if span == blockSize {
			copy(plain, p[written:written+span])
		} else {
			if err := f.loadBlock(record, plain, block); err != nil {
				return int(written), err
			}
			copy(plain[blockOff:blockOff+span], p[written:written+span])
		}

		if err := f.storeBlock(record, plain, block); err != nil {
			return int(written), err
		}
		written += span
	}

	end := off + n
	if end > ino.Size {
		ino.Size = end
	}
	ino.Touch(time.Now())
	if err := f.b.meta.PutInode(ino); err != nil {
		return int(written), err
	}
	return int(written), nil
}

// Truncate resizes the file to size bytes.
//
// Shrinking drops whole records past the new end and re-encrypts a
// final partial block with its tail zeroed. Growing extends the blob
// with hole records only; no content I/O happens.
func (f *File) Truncate(size uint64) error {
	if !f.opts.Write {
		return &metadata.StoreError{Code: metadata.ErrPermissionDenied, Message: "file not open for writing"}
	}

	f.lock.Lock()
	defer f.lock.Unlock()

	ino, err := f.b.meta.GetInode(f.id)
	if err != nil {
		return err
	}
	if ino.Size == size {
		return nil
	}

	blockSize := uint64(f.layout.BlockSize)
	records := f.layout.Records(size)

	if size < ino.Size && size%blockSize != 0 {
		// The new final block keeps a prefix of its plaintext; zero the
		// tail and re-encrypt. A hole stays a hole.
		record := make([]byte, f.layout.RecordSize())
		plain := make([]byte, blockSize)
		block := records - 1

		n, err := f.raw.ReadRecord(record, block)
		if err != nil {
			return err
		}
		hole := n == 0 || (n == len(record) && crypto.IsZero(record[:f.layout.NonceSize]))
		if !hole {
			if err := f.loadBlock(record, plain, block); err != nil {
				return err
			}
			clear(plain[size%blockSize:])
			if err := f.storeBlock(record, plain, block); err != nil {
				return err
			}
		}
	}

	if err := f.raw.SetLen(records * f.layout.RecordSize()); err != nil {
		return err
	}

	ino.Size = size
	ino.Touch(time.Now())
	return f.b.meta.PutInode(ino)
}

// Sync flushes buffered content to the blob store.
func (f *File) Sync() error {
	return f.raw.Sync()
}

// Close releases the handle. Closing the last handle of an orphaned
// inode deletes the inode and its blob.
func (f *File) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	err := f.raw.Close()

	if f.count.Add(-1) == 0 {
		ino, gerr := f.b.meta.GetInode(f.id)
		if gerr == nil && ino.Orphan() {
			if derr := f.b.deleteOrphan(f.id); derr != nil {
				logger.Warn("deleting orphan %d on close failed: %v", f.id, derr)
			}
		}
	}
	return err
}
