package metadata

import (
	"time"

	"github.com/bijoufs/bijou/pkg/crypto"
)

// FileID uniquely identifies a filesystem object within one store.
//
// Ids are allocated monotonically from a persisted counter and are never
// reused within a database's lifetime. Id 1 is reserved for the root
// directory; 0 is never a valid id.
type FileID uint64

// RootID is the file id of the root directory.
const RootID FileID = 1

// FileKind is the type of a filesystem object.
type FileKind uint8

const (
	KindRegular FileKind = iota + 1
	KindDirectory
	KindSymlink
)

// String returns the conventional name of the kind.
func (k FileKind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// Inode flag bits.
const (
	// FlagOrphan marks an inode whose nlink reached zero while open
	// handles still referenced it. Deletion happens when the last handle
	// closes, or at mount time if the process died first.
	FlagOrphan uint32 = 1 << 0
)

// Inode is the metadata record of one filesystem object.
//
// Inodes are owned by the metadata store; open handles hold only the
// file id plus a refcount. An inode exists while nlink >= 1 or at least
// one open handle references it.
type Inode struct {
	// ID is the file id.
	ID FileID `json:"id"`

	// Kind is the object type. Fixed at creation.
	Kind FileKind `json:"kind"`

	// Perm holds the host-style permission bits (lower 12 bits).
	Perm uint32 `json:"perm"`

	// UID and GID identify the owner.
	UID uint32 `json:"uid"`
	GID uint32 `json:"gid"`

	// NLink counts directory entries pointing at this inode. A directory
	// made by Mkdir starts at 1 (its one entry); the root directory, which
	// has no entry, is stored with 2.
	NLink uint32 `json:"nlink"`

	// Size is the logical content size in bytes. For symlinks it is the
	// length of the target. Directories report a fixed nominal size.
	Size uint64 `json:"size"`

	// Atime, Mtime and Ctime are nanosecond Unix timestamps.
	Atime int64 `json:"atime"`
	Mtime int64 `json:"mtime"`
	Ctime int64 `json:"ctime"`

	// ContentKeySalt feeds per-file key derivation. Every inode carries
	// one: regular files encrypt content with the derived key, symlinks
	// their target, and any inode its xattr values.
	ContentKeySalt []byte `json:"salt,omitempty"`

	// Cipher selects the content AEAD. Fixed at creation.
	Cipher crypto.Cipher `json:"cipher,omitempty"`

	// BlockSize is the plaintext block size for content encryption.
	// Fixed at creation.
	BlockSize uint32 `json:"block_size,omitempty"`

	// Flags holds inode flag bits (FlagOrphan).
	Flags uint32 `json:"flags,omitempty"`
}

// IsDir reports whether the inode is a directory.
func (ino *Inode) IsDir() bool {
	return ino.Kind == KindDirectory
}

// Orphan reports whether the orphan flag is set.
func (ino *Inode) Orphan() bool {
	return ino.Flags&FlagOrphan != 0
}

// Touch sets mtime and ctime to now.
func (ino *Inode) Touch(now time.Time) {
	ino.Mtime = now.UnixNano()
	ino.Ctime = now.UnixNano()
}

// DirEntry is one decoded directory entry.
//
// Name is the plaintext component name; the encrypted wire form never
// leaves the store layer. Kind is denormalized into the entry value so
// that directory listings don't need an inode fetch per child.
type DirEntry struct {
	Name  string
	Child FileID
	Kind  FileKind
}

// Superblock holds the store-wide constants fixed at creation time plus
// the id counter's starting value. It lives twice: encrypted in
// config.json under the config subkey, and mirrored in the counter
// table of the KV store. config.json is authoritative for everything
// fixed at creation; the live id counter is kept under its own key
// (KeyNextID), not in either copy.
type Superblock struct {
	// Version of the on-disk format.
	Version uint32 `json:"version"`

	// ContentCipher is the AEAD used for file content.
	ContentCipher crypto.Cipher `json:"content_cipher"`

	// BlockSize is the default plaintext block size in bytes.
	BlockSize uint32 `json:"block_size"`

	// EncryptNames reports whether filename encryption is enabled.
	// Fixed at creation; toggling on an existing store is rejected.
	EncryptNames bool `json:"encrypt_names"`

	// FilenameCipher identifies the filename encryption scheme.
	// Always FilenameCipherXChaCha20SIV when EncryptNames is set.
	FilenameCipher uint8 `json:"filename_cipher,omitempty"`

	// NextID is the first id handed out after the root, recorded when
	// the superblock is written. It is not updated as ids are allocated;
	// the live counter is persisted under KeyNextID.
	NextID FileID `json:"next_id"`

	// CreatedAt is the creation time (nanosecond Unix).
	CreatedAt int64 `json:"created_at"`
}

// FilenameCipherXChaCha20SIV is the only filename encryption scheme.
const FilenameCipherXChaCha20SIV uint8 = 1

// CurrentVersion is the on-disk format version written by this build.
const CurrentVersion uint32 = 1
