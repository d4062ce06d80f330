// Package fs implements the Bijou filesystem engine: path resolution,
// directory operations, inode lifecycle, filename encryption, extended
// attributes, open handles and the content cipher engine.
//
// The engine composes the metadata store (inodes, directory entries and
// friends in the KV engine) with a raw blob store holding encrypted
// file content. Every metadata transition is one atomic batch; content
// I/O is ordered so that the inode size always bounds what readers can
// observe.
package fs

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bijoufs/bijou/internal/logger"
	"github.com/bijoufs/bijou/pkg/crypto"
	"github.com/bijoufs/bijou/pkg/keystore"
	"github.com/bijoufs/bijou/pkg/store/blob"
	"github.com/bijoufs/bijou/pkg/store/kvdb"
	"github.com/bijoufs/bijou/pkg/store/metadata"
)

const (
	// SymlinkMaxDepth bounds symlink chains during path resolution.
	SymlinkMaxDepth = 40

	// MaxEncryptedNameLen caps the wire form of one name component.
	MaxEncryptedNameLen = 4096

	// MaxLinks caps the hard link count of one inode.
	MaxLinks = 65000

	// DirNominalSize is the size directories report in attributes.
	DirNominalSize = 512

	// DefaultBlockSize is the plaintext block size for new stores.
	DefaultBlockSize = 4096

	// dbDirName and blobsDirName are the fixed subdirectories of a data
	// directory.
	dbDirName    = "db"
	blobsDirName = "blobs"
)

// BlobStoreBuilder constructs the raw blob store stack for a mount.
// recordSize is the record stride implied by the superblock's cipher
// and block size; dataDir is the data directory root.
type BlobStoreBuilder func(db *kvdb.DB, recordSize uint64, dataDir string) (blob.Store, error)

// CreateOptions configure a new store. Zero values select the defaults:
// AES-256-GCM, 4 KiB blocks, filename encryption on, production
// Argon2id parameters.
type CreateOptions struct {
	// Cipher selects the content AEAD.
	Cipher crypto.Cipher

	// BlockSize is the plaintext block size in bytes.
	BlockSize uint32

	// PlaintextNames disables filename encryption. The choice is
	// recorded in the superblock and cannot be changed later.
	PlaintextNames bool

	// KDF are the Argon2id parameters for the keystore. Salt is
	// ignored; a fresh one is always generated.
	KDF crypto.Argon2idParams
}

func (o CreateOptions) withDefaults() CreateOptions {
	if o.Cipher == 0 {
		o.Cipher = crypto.CipherAES256GCM
	}
	if o.BlockSize == 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.KDF.Memory == 0 && o.KDF.Time == 0 {
		o.KDF = crypto.DefaultArgon2idParams()
	}
	return o
}

// Options configure Open.
type Options struct {
	// BlobStore builds the raw blob store stack. Nil selects a LocalDir
	// store under <dataDir>/blobs.
	BlobStore BlobStoreBuilder

	// ReadOnly rejects every mutating operation with ReadOnlyFs.
	ReadOnly bool
}

// Bijou is one mounted filesystem engine.
//
// All methods are safe for concurrent use. Multiple engines may coexist
// in one process; they share nothing.
type Bijou struct {
	dir string

	db    *kvdb.DB
	meta  *metadata.Store
	blobs blob.Store

	sb *metadata.Superblock

	subkeys *crypto.Subkeys
	siv     *crypto.SIV

	locks      *idLocks
	openCounts sync.Map // metadata.FileID -> *atomic.Int32

	readOnly bool

	// danglingEntries counts directory entries found pointing at
	// missing inodes. Such an entry fails its operation but not the
	// mount.
	danglingEntries atomic.Uint64
}

// Create initializes a new Bijou data directory: keystore, encrypted
// configuration and the directory skeleton. The directory must be empty
// or absent. The database itself is initialized on first Open.
func Create(dir string, passphrase []byte, opts CreateOptions) error {
	opts = opts.withDefaults()
	if !opts.Cipher.Valid() {
		return &metadata.StoreError{Code: metadata.ErrCorruptConfig, Message: fmt.Sprintf("unknown cipher id %d", opts.Cipher)}
	}

	if info, err := os.Stat(dir); err == nil {
		if !info.IsDir() {
			return &metadata.StoreError{Code: metadata.ErrAlreadyExists, Message: "not a directory", Path: dir}
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("fs: reading %s: %w", dir, err)
		}
		if len(entries) > 0 {
			return &metadata.StoreError{Code: metadata.ErrAlreadyExists, Message: "directory is not empty", Path: dir}
		}
	} else if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("fs: creating %s: %w", dir, err)
	}

	logger.Info("creating store at %s (cipher=%s block=%d encrypt_names=%v)",
		dir, opts.Cipher, opts.BlockSize, !opts.PlaintextNames)

	masterKey, err := keystore.Create(dir, passphrase, opts.KDF)
	if err != nil {
		return err
	}
	subkeys, err := crypto.DeriveSubkeys(masterKey)
	if err != nil {
		return err
	}

	sb := &metadata.Superblock{
		Version:       metadata.CurrentVersion,
		ContentCipher: opts.Cipher,
		BlockSize:     opts.BlockSize,
		EncryptNames:  !opts.PlaintextNames,
		NextID:        metadata.RootID + 1,
		CreatedAt:     time.Now().UnixNano(),
	}
	if sb.EncryptNames {
		sb.FilenameCipher = metadata.FilenameCipherXChaCha20SIV
	}

	payload, err := json.Marshal(sb)
	if err != nil {
		return fmt.Errorf("fs: encoding superblock: %w", err)
	}
	return keystore.SealConfig(dir, subkeys.Config[:], payload)
}

// Open mounts an existing Bijou data directory.
//
// The mount sequence: unlock the keystore, derive the subkeys, decrypt
// and validate the configuration, open the KV engine with the db
// subkey, construct the blob store, ensure the root inode and collect
// orphans left by a crashed process.
func Open(dir string, passphrase []byte, opts *Options) (*Bijou, error) {
	if opts == nil {
		opts = &Options{}
	}

	masterKey, err := keystore.Unlock(dir, passphrase)
	if err != nil {
		return nil, err
	}
	subkeys, err := crypto.DeriveSubkeys(masterKey)
	if err != nil {
		return nil, err
	}

	payload, err := keystore.OpenConfig(dir, subkeys.Config[:])
	if err != nil {
		return nil, err
	}
	sb := &metadata.Superblock{}
	if err := json.Unmarshal(payload, sb); err != nil {
		return nil, &metadata.StoreError{Code: metadata.ErrCorruptConfig, Message: "malformed configuration: " + err.Error()}
	}
	if sb.Version != metadata.CurrentVersion {
		return nil, &metadata.StoreError{Code: metadata.ErrCorruptConfig, Message: fmt.Sprintf("unsupported format version %d", sb.Version)}
	}
	if !sb.ContentCipher.Valid() {
		return nil, &metadata.StoreError{Code: metadata.ErrCorruptConfig, Message: fmt.Sprintf("unknown cipher id %d", sb.ContentCipher)}
	}
	if sb.BlockSize == 0 {
		return nil, &metadata.StoreError{Code: metadata.ErrCorruptConfig, Message: "block size is zero"}
	}

	db, err := kvdb.Open(kvdb.Options{
		Path:          filepath.Join(dir, dbDirName),
		EncryptionKey: subkeys.DB[:],
	})
	if err != nil {
		return nil, err
	}

	engine, err := newEngine(dir, db, sb, subkeys, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return engine, nil
}

func newEngine(dir string, db *kvdb.DB, sb *metadata.Superblock, subkeys *crypto.Subkeys, opts *Options) (*Bijou, error) {
	meta, err := metadata.NewStore(db)
	if err != nil {
		return nil, err
	}

	// The KV mirror pins the settings that must never change after
	// creation. A config.json that disagrees means tampering or a
	// rebuilt config; refuse the mount.
	mirror, err := meta.Superblock()
	switch {
	case metadata.IsCode(err, metadata.ErrNotFound):
		if err := meta.PutSuperblock(sb); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if mirror.EncryptNames != sb.EncryptNames {
			return nil, &metadata.StoreError{Code: metadata.ErrCorruptConfig, Message: "filename encryption cannot be toggled after creation"}
		}
		if mirror.ContentCipher != sb.ContentCipher || mirror.BlockSize != sb.BlockSize {
			return nil, &metadata.StoreError{Code: metadata.ErrCorruptConfig, Message: "configuration disagrees with the store"}
		}
	}

	layout := crypto.NewLayout(sb.ContentCipher, sb.BlockSize)

	var siv *crypto.SIV
	if sb.EncryptNames {
		siv, err = crypto.NewSIV(subkeys.Filename[:])
		if err != nil {
			return nil, err
		}
	}

	builder := opts.BlobStore
	if builder == nil {
		builder = func(db *kvdb.DB, recordSize uint64, dataDir string) (blob.Store, error) {
			return blob.NewLocalDir(filepath.Join(dataDir, blobsDirName), recordSize)
		}
	}
	blobs, err := builder(db, layout.RecordSize(), dir)
	if err != nil {
		return nil, err
	}
	if !blobs.MetaSupported() {
		return nil, &metadata.StoreError{
			Code:    metadata.ErrUnsupported,
			Message: "blob store does not track metadata; wrap it in a Tracking store",
		}
	}

	b := &Bijou{
		dir:      dir,
		db:       db,
		meta:     meta,
		blobs:    blobs,
		sb:       sb,
		subkeys:  subkeys,
		siv:      siv,
		locks:    newIDLocks(),
		readOnly: opts.ReadOnly,
	}

	if err := b.ensureRoot(); err != nil {
		return nil, err
	}

	if !b.readOnly {
		collected, err := b.CollectOrphans()
		if err != nil {
			return nil, err
		}
		if collected > 0 {
			logger.Info("collected %d orphaned inodes at mount", collected)
		}
	}

	logger.Info("mounted store at %s", dir)
	return b, nil
}

// ensureRoot creates the root directory inode on the first mount.
func (b *Bijou) ensureRoot() error {
	_, err := b.meta.GetInode(metadata.RootID)
	if err == nil {
		return nil
	}
	if !metadata.IsCode(err, metadata.ErrNotFound) {
		return err
	}

	now := time.Now().UnixNano()
	root := &metadata.Inode{
		ID:    metadata.RootID,
		Kind:  metadata.KindDirectory,
		Perm:  0o755,
		NLink: 2,
		Size:  DirNominalSize,
		Atime: now,
		Mtime: now,
		Ctime: now,
	}
	salt, err := crypto.RandBytes(crypto.KeySize)
	if err != nil {
		return err
	}
	root.ContentKeySalt = salt
	return b.meta.PutInode(root)
}

// Close flushes the id counter and closes the KV engine. The engine
// must not be used afterwards.
func (b *Bijou) Close() error {
	if err := b.meta.FlushIDCounter(); err != nil {
		return err
	}
	return b.db.Close()
}

// Superblock returns a copy of the mounted superblock.
func (b *Bijou) Superblock() metadata.Superblock {
	return *b.sb
}

// DanglingEntries returns the diagnostic count of directory entries
// found pointing at missing inodes since mount.
func (b *Bijou) DanglingEntries() uint64 {
	return b.danglingEntries.Load()
}

// Root returns the root directory id.
func (b *Bijou) Root() metadata.FileID {
	return metadata.RootID
}

// Path returns the data directory this engine was opened from.
func (b *Bijou) Path() string {
	return b.dir
}

func (b *Bijou) checkWritable() error {
	if b.readOnly {
		return &metadata.StoreError{Code: metadata.ErrReadOnly, Message: "filesystem is read-only"}
	}
	return nil
}

// ============================================================================
// Filename encryption
// ============================================================================

// validateName rejects names that can never exist as directory entries.
func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return &metadata.StoreError{Code: metadata.ErrInvalidName, Message: "invalid name", Path: name}
	}
	if strings.ContainsAny(name, "/\x00") {
		return &metadata.StoreError{Code: metadata.ErrInvalidName, Message: "name contains reserved characters", Path: name}
	}
	return nil
}

func parentAD(parent metadata.FileID) []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(parent))
}

// encryptName converts a plaintext component into its wire form under
// parent. Identical names in different directories yield different
// ciphertexts while remaining deterministic for lookup.
func (b *Bijou) encryptName(parent metadata.FileID, name string) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	wire := []byte(name)
	if b.siv != nil {
		var err error
		wire, err = b.siv.Seal(parentAD(parent), wire)
		if err != nil {
			return nil, err
		}
	}
	if len(wire) > MaxEncryptedNameLen {
		return nil, &metadata.StoreError{Code: metadata.ErrNameTooLong, Message: "name too long", Path: name}
	}
	return wire, nil
}

// decryptName recovers the plaintext component from its wire form.
func (b *Bijou) decryptName(parent metadata.FileID, wire []byte) (string, error) {
	if b.siv == nil {
		return string(wire), nil
	}
	name, err := b.siv.Open(parentAD(parent), wire)
	if err != nil {
		return "", &metadata.StoreError{Code: metadata.ErrDataCorruption, Message: "failed to decrypt directory entry name"}
	}
	return string(name), nil
}

// ============================================================================
// Lookup and path resolution
// ============================================================================

// Lookup resolves one name under parent to its file id and kind.
func (b *Bijou) Lookup(parent metadata.FileID, name string) (metadata.FileID, metadata.FileKind, error) {
	encName, err := b.encryptName(parent, name)
	if err != nil {
		return 0, 0, err
	}
	child, kind, err := b.meta.LookupDirEntry(parent, encName)
	if metadata.IsCode(err, metadata.ErrNotFound) {
		return 0, 0, &metadata.StoreError{Code: metadata.ErrNotFound, Message: "no such file or directory", Path: name}
	}
	return child, kind, err
}

// inodeOfEntry loads the inode behind a directory entry, recording a
// diagnostic if the entry dangles.
func (b *Bijou) inodeOfEntry(child metadata.FileID, name string) (*metadata.Inode, error) {
	ino, err := b.meta.GetInode(child)
	if metadata.IsCode(err, metadata.ErrNotFound) {
		b.danglingEntries.Add(1)
		logger.Error("dangling directory entry %q -> inode %d", name, child)
		return nil, &metadata.StoreError{Code: metadata.ErrDataCorruption, Message: "directory entry points at a missing inode", Path: name}
	}
	return ino, err
}

// splitPath splits a slash-separated path into components, dropping
// empty components.
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	comps := parts[:0]
	for _, p := range parts {
		if p != "" {
			comps = append(comps, p)
		}
	}
	return comps
}

// Resolve walks path from the root, following symlinks, and returns the
// id of the final component.
func (b *Bijou) Resolve(path string) (metadata.FileID, error) {
	depth := 0
	return b.resolve([]metadata.FileID{metadata.RootID}, path, &depth)
}

// resolve walks path relative to the directory stack. The stack bottom
// is always the root; ".." pops, symlink targets recurse with a copy of
// the stack.
func (b *Bijou) resolve(stack []metadata.FileID, path string, depth *int) (metadata.FileID, error) {
	if strings.HasPrefix(path, "/") {
		stack = stack[:1]
	}
	for _, comp := range splitPath(path) {
		switch comp {
		case ".":
		case "..":
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		default:
			id, kind, err := b.Lookup(stack[len(stack)-1], comp)
			if err != nil {
				return 0, err
			}
			if kind == metadata.KindSymlink {
				target, err := b.ReadLink(id)
				if err != nil {
					return 0, err
				}
				*depth++
				if *depth > SymlinkMaxDepth {
					return 0, &metadata.StoreError{Code: metadata.ErrLoopDetected, Message: "too many levels of symbolic links", Path: path}
				}
				id, err = b.resolve(append([]metadata.FileID(nil), stack...), target, depth)
				if err != nil {
					return 0, err
				}
			}
			stack = append(stack, id)
		}
	}
	return stack[len(stack)-1], nil
}

// ResolveParent resolves path to its parent directory id and final
// component name. For the root path it returns (RootID, "").
//
// The final component is returned unresolved: it need not exist, and a
// trailing symlink is not followed.
func (b *Bijou) ResolveParent(path string) (metadata.FileID, string, error) {
	type frame struct {
		id   metadata.FileID
		name string
	}
	stack := []frame{{metadata.RootID, ""}}
	current := ""
	hasCurrent := false
	depth := 0

	for _, comp := range splitPath(path) {
		switch comp {
		case ".":
		case "..":
			if len(stack) == 1 {
				current, hasCurrent = "", false
			} else {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				current, hasCurrent = top.name, true
			}
		default:
			if hasCurrent {
				ids := make([]metadata.FileID, len(stack))
				for i, f := range stack {
					ids[i] = f.id
				}
				parent, err := b.resolve(ids, current, &depth)
				if err != nil {
					return 0, "", err
				}
				stack = append(stack, frame{parent, current})
			}
			current, hasCurrent = comp, true
		}
	}

	if !hasCurrent {
		return stack[len(stack)-1].id, "", nil
	}
	return stack[len(stack)-1].id, current, nil
}

// ResolveParentNonRoot is ResolveParent for paths that must name an
// entry, not the root itself.
func (b *Bijou) ResolveParentNonRoot(path string) (metadata.FileID, string, error) {
	parent, name, err := b.ResolveParent(path)
	if err != nil {
		return 0, "", err
	}
	if name == "" {
		return 0, "", &metadata.StoreError{Code: metadata.ErrInvalidName, Message: "expected a non-root path", Path: path}
	}
	return parent, name, nil
}
