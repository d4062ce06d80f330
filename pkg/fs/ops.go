package fs

import (
	"crypto/cipher"
	"sync/atomic"
	"time"

	"github.com/bijoufs/bijou/internal/logger"
	"github.com/bijoufs/bijou/pkg/crypto"
	"github.com/bijoufs/bijou/pkg/store/blob"
	"github.com/bijoufs/bijou/pkg/store/metadata"
)

// fileAEAD builds the per-file AEAD for an inode.
func (b *Bijou) fileAEAD(ino *metadata.Inode) (cipher.AEAD, error) {
	key, err := crypto.FileKey(b.subkeys.Content[:], uint64(ino.ID), ino.ContentKeySalt)
	if err != nil {
		return nil, err
	}
	c := ino.Cipher
	if c == 0 {
		c = b.sb.ContentCipher
	}
	return c.NewAEAD(key)
}

// sealValue encrypts a small metadata payload (symlink target, xattr
// value) under the inode's file key: nonce ‖ ciphertext ‖ tag.
func (b *Bijou) sealValue(ino *metadata.Inode, ad, plain []byte) ([]byte, error) {
	aead, err := b.fileAEAD(ino)
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.NewNonce(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plain, ad), nil
}

// openValue decrypts a payload sealed by sealValue.
func (b *Bijou) openValue(ino *metadata.Inode, ad, wire []byte) ([]byte, error) {
	aead, err := b.fileAEAD(ino)
	if err != nil {
		return nil, err
	}
	if len(wire) < aead.NonceSize()+aead.Overhead() {
		return nil, &metadata.StoreError{Code: metadata.ErrDataCorruption, Message: "stored value too short"}
	}
	plain, err := aead.Open(nil, wire[:aead.NonceSize()], wire[aead.NonceSize():], ad)
	if err != nil {
		return nil, &metadata.StoreError{Code: metadata.ErrDataCorruption, Message: "stored value failed authentication"}
	}
	return plain, nil
}

// newInode assembles an inode for a fresh object.
func (b *Bijou) newInode(id metadata.FileID, kind metadata.FileKind, perm, uid, gid uint32, now time.Time) (*metadata.Inode, error) {
	salt, err := crypto.RandBytes(crypto.KeySize)
	if err != nil {
		return nil, err
	}
	ino := &metadata.Inode{
		ID:             id,
		Kind:           kind,
		Perm:           perm,
		UID:            uid,
		GID:            gid,
		NLink:          1,
		Atime:          now.UnixNano(),
		Mtime:          now.UnixNano(),
		Ctime:          now.UnixNano(),
		ContentKeySalt: salt,
		Cipher:         b.sb.ContentCipher,
		BlockSize:      b.sb.BlockSize,
	}
	if kind == metadata.KindDirectory {
		ino.Size = DirNominalSize
	}
	return ino, nil
}

// MakeNode creates a file, directory or symlink under parent in one
// atomic batch: new inode, directory entry, parent timestamps, and for
// directories the parent pointer, for symlinks the encrypted target.
//
// target is only meaningful for symlinks.
func (b *Bijou) MakeNode(parent metadata.FileID, name string, kind metadata.FileKind, target string, perm, uid, gid uint32) (*metadata.Inode, error) {
	if err := b.checkWritable(); err != nil {
		return nil, err
	}
	encName, err := b.encryptName(parent, name)
	if err != nil {
		return nil, err
	}
	if kind == metadata.KindSymlink && target == "" {
		return nil, &metadata.StoreError{Code: metadata.ErrInvalidName, Message: "symlink target must not be empty", Path: name}
	}

	lock := b.locks.get(parent)
	lock.Lock()
	defer lock.Unlock()

	parentIno, err := b.meta.GetInode(parent)
	if err != nil {
		return nil, err
	}
	if !parentIno.IsDir() {
		return nil, &metadata.StoreError{Code: metadata.ErrNotDirectory, Message: "not a directory"}
	}

	exists, err := b.meta.HasDirEntry(parent, encName)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, &metadata.StoreError{Code: metadata.ErrAlreadyExists, Message: "file already exists", Path: name}
	}

	id, err := b.meta.AllocateID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ino, err := b.newInode(id, kind, perm, uid, gid, now)
	if err != nil {
		return nil, err
	}
	if kind == metadata.KindSymlink {
		ino.Size = uint64(len(target))
	}
	parentIno.Touch(now)

	batch := b.meta.NewBatch()
	batch.PutInode(ino)
	batch.PutInode(parentIno)
	batch.InsertDirEntry(parent, encName, id, kind)

	switch kind {
	case metadata.KindDirectory:
		batch.PutParent(id, parent)
	case metadata.KindSymlink:
		sealed, err := b.sealValue(ino, nil, []byte(target))
		if err != nil {
			return nil, err
		}
		batch.PutSymlink(id, sealed)
	}

	if err := batch.Commit(); err != nil {
		return nil, err
	}
	logger.Debug("created %s %q (id=%d) under %d", kind, name, id, parent)
	return ino, nil
}

// Mkdir creates an empty directory.
func (b *Bijou) Mkdir(parent metadata.FileID, name string, perm, uid, gid uint32) (*metadata.Inode, error) {
	return b.MakeNode(parent, name, metadata.KindDirectory, "", perm, uid, gid)
}

// Symlink creates a symbolic link named name under parent pointing at
// target. Dangling targets are allowed; the target is resolved when the
// link is followed.
func (b *Bijou) Symlink(target string, parent metadata.FileID, name string, uid, gid uint32) (*metadata.Inode, error) {
	return b.MakeNode(parent, name, metadata.KindSymlink, target, 0o777, uid, gid)
}

// ReadLink returns the target of a symlink.
func (b *Bijou) ReadLink(id metadata.FileID) (string, error) {
	ino, err := b.meta.GetInode(id)
	if err != nil {
		return "", err
	}
	if ino.Kind != metadata.KindSymlink {
		return "", &metadata.StoreError{Code: metadata.ErrInvalidName, Message: "not a symlink"}
	}
	sealed, err := b.meta.GetSymlink(id)
	if err != nil {
		return "", err
	}
	target, err := b.openValue(ino, nil, sealed)
	if err != nil {
		return "", err
	}
	return string(target), nil
}

// Link creates a hard link to target under newParent. Directories
// cannot be hard-linked.
func (b *Bijou) Link(target, newParent metadata.FileID, name string) (*metadata.Inode, error) {
	if err := b.checkWritable(); err != nil {
		return nil, err
	}
	encName, err := b.encryptName(newParent, name)
	if err != nil {
		return nil, err
	}

	unlock := b.locks.lockPair(target, newParent)
	defer unlock()

	ino, err := b.meta.GetInode(target)
	if err != nil {
		return nil, err
	}
	if ino.IsDir() {
		return nil, &metadata.StoreError{Code: metadata.ErrPermissionDenied, Message: "hard links to directories are forbidden"}
	}
	if ino.NLink >= MaxLinks {
		return nil, &metadata.StoreError{Code: metadata.ErrTooManyLinks, Message: "too many links", Path: name}
	}

	parentIno, err := b.meta.GetInode(newParent)
	if err != nil {
		return nil, err
	}
	if !parentIno.IsDir() {
		return nil, &metadata.StoreError{Code: metadata.ErrNotDirectory, Message: "not a directory"}
	}

	exists, err := b.meta.HasDirEntry(newParent, encName)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, &metadata.StoreError{Code: metadata.ErrAlreadyExists, Message: "file already exists", Path: name}
	}

	now := time.Now()
	ino.NLink++
	ino.Ctime = now.UnixNano()
	parentIno.Touch(now)

	batch := b.meta.NewBatch()
	batch.PutInode(ino)
	batch.PutInode(parentIno)
	batch.InsertDirEntry(newParent, encName, target, ino.Kind)
	if err := batch.Commit(); err != nil {
		return nil, err
	}
	return ino, nil
}

// scheduleRemoval appends the removal of an entry (and, when the link
// count hits zero, its inode) to batch. It returns the blob id to
// unlink after the batch commits, or 0.
//
// Callers must hold the parent's lock and must have loaded child via
// the entry being removed.
func (b *Bijou) scheduleRemoval(batch *metadata.Batch, parent metadata.FileID, encName []byte, child *metadata.Inode, now time.Time) (metadata.FileID, error) {
	batch.RemoveDirEntry(parent, encName)

	if child.IsDir() {
		// Directories cannot be hard-linked, so removal of the entry is
		// removal of the directory.
		batch.DeleteInode(child.ID)
		batch.DeleteParent(child.ID)
		batch.DeleteAllXattrs(child.ID)
		return 0, nil
	}

	child.NLink--
	child.Ctime = now.UnixNano()
	if child.NLink > 0 {
		batch.PutInode(child)
		return 0, nil
	}

	if b.openCount(child.ID) > 0 {
		// Open handles pin the inode: mark it orphaned and defer
		// deletion to the last Close (or the next mount's sweep).
		child.Flags |= metadata.FlagOrphan
		batch.PutInode(child)
		return 0, nil
	}

	batch.DeleteInode(child.ID)
	batch.DeleteAllXattrs(child.ID)
	if child.Kind == metadata.KindSymlink {
		batch.DeleteSymlink(child.ID)
		return 0, nil
	}
	return child.ID, nil
}

// Unlink removes a non-directory entry. When the last link goes and no
// handle is open, the inode, its dependent keys and its blob go with it
// in one transition.
func (b *Bijou) Unlink(parent metadata.FileID, name string) error {
	if err := b.checkWritable(); err != nil {
		return err
	}
	encName, err := b.encryptName(parent, name)
	if err != nil {
		return err
	}

	child, _, err := b.meta.LookupDirEntry(parent, encName)
	if err != nil {
		return err
	}

	unlock := b.locks.lockPair(parent, child)
	defer unlock()

	// Re-verify under the lock; the entry may have moved.
	child, _, err = b.meta.LookupDirEntry(parent, encName)
	if err != nil {
		return err
	}
	childIno, err := b.inodeOfEntry(child, name)
	if err != nil {
		return err
	}
	if childIno.IsDir() {
		return &metadata.StoreError{Code: metadata.ErrIsDirectory, Message: "is a directory", Path: name}
	}

	parentIno, err := b.meta.GetInode(parent)
	if err != nil {
		return err
	}

	now := time.Now()
	parentIno.Touch(now)

	batch := b.meta.NewBatch()
	batch.PutInode(parentIno)
	blobID, err := b.scheduleRemoval(batch, parent, encName, childIno, now)
	if err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return err
	}

	if blobID != 0 {
		if err := b.blobs.Unlink(blobID); err != nil {
			// The metadata is gone; the blob stays behind in the store.
			logger.Warn("unlinking blob %d failed: %v", blobID, err)
		}
	}
	return nil
}

// Rmdir removes an empty directory.
func (b *Bijou) Rmdir(parent metadata.FileID, name string) error {
	if err := b.checkWritable(); err != nil {
		return err
	}
	encName, err := b.encryptName(parent, name)
	if err != nil {
		return err
	}

	child, _, err := b.meta.LookupDirEntry(parent, encName)
	if err != nil {
		return err
	}

	unlock := b.locks.lockPair(parent, child)
	defer unlock()

	child, _, err = b.meta.LookupDirEntry(parent, encName)
	if err != nil {
		return err
	}
	childIno, err := b.inodeOfEntry(child, name)
	if err != nil {
		return err
	}
	if !childIno.IsDir() {
		return &metadata.StoreError{Code: metadata.ErrNotDirectory, Message: "not a directory", Path: name}
	}

	empty, err := b.meta.DirEmpty(child)
	if err != nil {
		return err
	}
	if !empty {
		return &metadata.StoreError{Code: metadata.ErrDirectoryNotEmpty, Message: "directory not empty", Path: name}
	}

	parentIno, err := b.meta.GetInode(parent)
	if err != nil {
		return err
	}

	now := time.Now()
	parentIno.Touch(now)

	batch := b.meta.NewBatch()
	batch.PutInode(parentIno)
	if _, err := b.scheduleRemoval(batch, parent, encName, childIno, now); err != nil {
		return err
	}
	return batch.Commit()
}

// ReadDir returns the entries of a directory with decrypted names.
// The order is the KV iteration order; it is not stable across
// modification.
func (b *Bijou) ReadDir(dir metadata.FileID) ([]metadata.DirEntry, error) {
	ino, err := b.meta.GetInode(dir)
	if err != nil {
		return nil, err
	}
	if !ino.IsDir() {
		return nil, &metadata.StoreError{Code: metadata.ErrNotDirectory, Message: "not a directory"}
	}

	var entries []metadata.DirEntry
	err = b.meta.IterDirEntries(dir, func(encName []byte, child metadata.FileID, kind metadata.FileKind) error {
		name, err := b.decryptName(dir, encName)
		if err != nil {
			return err
		}
		entries = append(entries, metadata.DirEntry{Name: name, Child: child, Kind: kind})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// isAncestorOf reports whether candidate is dir itself or one of dir's
// ancestors, walking parent pointers up to the root.
func (b *Bijou) isAncestorOf(candidate, dir metadata.FileID) (bool, error) {
	for cur := dir; ; {
		if cur == candidate {
			return true, nil
		}
		if cur == metadata.RootID {
			return false, nil
		}
		parent, err := b.meta.GetParent(cur)
		if err != nil {
			return false, err
		}
		cur = parent
	}
}

// Rename moves an entry, replacing an existing destination. The
// destination is removed in one batch and the entry moved in a second,
// so the replacement as a whole is not atomic.
// Renaming an entry onto itself is a no-op, the kinds of source and
// replaced destination must match, a replaced directory must be empty,
// and a directory can never move into its own descendant.
func (b *Bijou) Rename(srcParent metadata.FileID, srcName string, dstParent metadata.FileID, dstName string) error {
	if err := b.checkWritable(); err != nil {
		return err
	}
	srcEnc, err := b.encryptName(srcParent, srcName)
	if err != nil {
		return err
	}
	dstEnc, err := b.encryptName(dstParent, dstName)
	if err != nil {
		return err
	}
	if srcParent == dstParent && srcName == dstName {
		return nil
	}

	unlock := b.locks.lockPair(srcParent, dstParent)
	defer unlock()

	child, _, err := b.meta.LookupDirEntry(srcParent, srcEnc)
	if err != nil {
		return err
	}
	childIno, err := b.inodeOfEntry(child, srcName)
	if err != nil {
		return err
	}

	if childIno.IsDir() && srcParent != dstParent {
		inside, err := b.isAncestorOf(child, dstParent)
		if err != nil {
			return err
		}
		if inside {
			return &metadata.StoreError{Code: metadata.ErrInvalidName, Message: "cannot move a directory into its own descendant", Path: dstName}
		}
	}

	now := time.Now()

	// Replace semantics: an existing destination is unlinked first, in
	// a preceding batch.
	dstChild, _, err := b.meta.LookupDirEntry(dstParent, dstEnc)
	switch {
	case err == nil:
		if dstChild == child {
			// Both names are links to the same inode.
			return nil
		}
		dstIno, err := b.inodeOfEntry(dstChild, dstName)
		if err != nil {
			return err
		}
		if childIno.IsDir() && !dstIno.IsDir() {
			return &metadata.StoreError{Code: metadata.ErrNotDirectory, Message: "not a directory", Path: dstName}
		}
		if !childIno.IsDir() && dstIno.IsDir() {
			return &metadata.StoreError{Code: metadata.ErrIsDirectory, Message: "is a directory", Path: dstName}
		}
		if dstIno.IsDir() {
			empty, err := b.meta.DirEmpty(dstChild)
			if err != nil {
				return err
			}
			if !empty {
				return &metadata.StoreError{Code: metadata.ErrDirectoryNotEmpty, Message: "directory not empty", Path: dstName}
			}
		}

		pre := b.meta.NewBatch()
		blobID, err := b.scheduleRemoval(pre, dstParent, dstEnc, dstIno, now)
		if err != nil {
			return err
		}
		if err := pre.Commit(); err != nil {
			return err
		}
		if blobID != 0 {
			if err := b.blobs.Unlink(blobID); err != nil {
				logger.Warn("unlinking blob %d failed: %v", blobID, err)
			}
		}
	case !metadata.IsCode(err, metadata.ErrNotFound):
		return err
	}

	childIno.Ctime = now.UnixNano()

	batch := b.meta.NewBatch()
	batch.RemoveDirEntry(srcParent, srcEnc)
	batch.InsertDirEntry(dstParent, dstEnc, child, childIno.Kind)
	batch.PutInode(childIno)
	if childIno.IsDir() {
		batch.PutParent(child, dstParent)
	}

	srcIno, err := b.meta.GetInode(srcParent)
	if err != nil {
		return err
	}
	srcIno.Touch(now)
	batch.PutInode(srcIno)

	if dstParent != srcParent {
		dstIno, err := b.meta.GetInode(dstParent)
		if err != nil {
			return err
		}
		dstIno.Touch(now)
		batch.PutInode(dstIno)
	}

	return batch.Commit()
}

// ============================================================================
// Attributes
// ============================================================================

// GetAttr returns a copy of the inode for id.
func (b *Bijou) GetAttr(id metadata.FileID) (*metadata.Inode, error) {
	ino, err := b.meta.GetInode(id)
	if err != nil {
		return nil, err
	}
	if ino.IsDir() {
		ino.Size = DirNominalSize
	}
	return ino, nil
}

// SetPerm updates the permission bits.
func (b *Bijou) SetPerm(id metadata.FileID, perm uint32) error {
	return b.updateInode(id, func(ino *metadata.Inode) {
		ino.Perm = perm & 0o7777
	})
}

// SetOwner updates uid and gid.
func (b *Bijou) SetOwner(id metadata.FileID, uid, gid uint32) error {
	return b.updateInode(id, func(ino *metadata.Inode) {
		ino.UID = uid
		ino.GID = gid
	})
}

// SetTimes updates atime and mtime (nanosecond Unix timestamps).
func (b *Bijou) SetTimes(id metadata.FileID, atime, mtime int64) error {
	return b.updateInode(id, func(ino *metadata.Inode) {
		ino.Atime = atime
		ino.Mtime = mtime
	})
}

// updateInode applies fn to the inode under its lock and bumps ctime.
func (b *Bijou) updateInode(id metadata.FileID, fn func(*metadata.Inode)) error {
	if err := b.checkWritable(); err != nil {
		return err
	}
	lock := b.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	ino, err := b.meta.GetInode(id)
	if err != nil {
		return err
	}
	fn(ino)
	ino.Ctime = time.Now().UnixNano()
	return b.meta.PutInode(ino)
}

// StatFS describes the mounted filesystem.
type StatFS struct {
	// BlockSize is the content block size.
	BlockSize uint32

	// NameMax is the longest plaintext name the engine accepts. The
	// real bound is the encrypted wire form; this is the conventional
	// host-facing value.
	NameMax uint32

	// Files is the number of inodes currently stored.
	Files uint64
}

// StatFs gathers filesystem-level statistics.
func (b *Bijou) StatFs() (*StatFS, error) {
	var files uint64
	if err := b.meta.IterInodes(func(*metadata.Inode) error {
		files++
		return nil
	}); err != nil {
		return nil, err
	}
	return &StatFS{
		BlockSize: b.sb.BlockSize,
		NameMax:   255,
		Files:     files,
	}, nil
}

// ============================================================================
// Orphan collection
// ============================================================================

// CollectOrphans deletes every orphaned inode that no open handle pins.
// Called once at mount; also available to the periodic collector.
func (b *Bijou) CollectOrphans() (int, error) {
	var orphans []metadata.FileID
	err := b.meta.IterInodes(func(ino *metadata.Inode) error {
		if ino.Orphan() && b.openCount(ino.ID) == 0 {
			orphans = append(orphans, ino.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	collected := 0
	for _, id := range orphans {
		if err := b.deleteOrphan(id); err != nil {
			logger.Warn("collecting orphan %d failed: %v", id, err)
			continue
		}
		collected++
	}
	return collected, nil
}

// deleteOrphan removes an orphaned inode, its dependent keys and blob.
func (b *Bijou) deleteOrphan(id metadata.FileID) error {
	lock := b.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	ino, err := b.meta.GetInode(id)
	if metadata.IsCode(err, metadata.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !ino.Orphan() || b.openCount(id) > 0 {
		return nil
	}

	batch := b.meta.NewBatch()
	batch.DeleteInode(id)
	batch.DeleteAllXattrs(id)
	if ino.Kind == metadata.KindSymlink {
		batch.DeleteSymlink(id)
	}
	if err := batch.Commit(); err != nil {
		return err
	}
	if ino.Kind == metadata.KindRegular {
		if err := b.blobs.Unlink(id); err != nil {
			logger.Warn("unlinking blob %d failed: %v", id, err)
		}
	}
	return nil
}

// openCount returns the number of open handles on id.
func (b *Bijou) openCount(id metadata.FileID) int32 {
	if v, ok := b.openCounts.Load(id); ok {
		return v.(*atomic.Int32).Load()
	}
	return 0
}

// retain increments the open handle count for id.
func (b *Bijou) retain(id metadata.FileID) *atomic.Int32 {
	v, _ := b.openCounts.LoadOrStore(id, &atomic.Int32{})
	count := v.(*atomic.Int32)
	count.Add(1)
	return count
}

// blobFlags translates open options to blob store flags. Reads are
// always requested: partial-block writes need decrypt-modify-encrypt.
func blobFlags(opts OpenOptions) blob.Flags {
	flags := blob.FlagRead
	if opts.Write {
		flags |= blob.FlagWrite
	}
	return flags
}
