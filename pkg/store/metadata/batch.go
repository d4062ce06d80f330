package metadata

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/bijoufs/bijou/pkg/store/kvdb"
)

// Batch collects metadata mutations and commits them atomically.
//
// The filesystem engine builds one batch per transition (create, rename,
// unlink, ...) under the relevant per-inode locks; existence checks
// happen before the batch is built, so batched inserts are unconditional
// puts.
type Batch struct {
	store *Store
	inner *kvdb.Batch
	err   error
}

// NewBatch starts an empty batch.
func (s *Store) NewBatch() *Batch {
	return &Batch{store: s, inner: s.db.NewBatch()}
}

// PutInode schedules a write of ino.
func (b *Batch) PutInode(ino *Inode) *Batch {
	if b.err != nil {
		return b
	}
	value, err := json.Marshal(ino)
	if err != nil {
		b.err = fmt.Errorf("metadata: encoding inode %d: %w", ino.ID, err)
		return b
	}
	b.inner.Put(KeyInode(ino.ID), value)
	return b
}

// DeleteInode schedules removal of the inode record.
func (b *Batch) DeleteInode(id FileID) *Batch {
	if b.err != nil {
		return b
	}
	b.inner.Delete(KeyInode(id))
	return b
}

// InsertDirEntry schedules an entry under parent. The caller must have
// verified the name is free while holding the parent's lock.
func (b *Batch) InsertDirEntry(parent FileID, encName []byte, child FileID, kind FileKind) *Batch {
	if b.err != nil {
		return b
	}
	b.inner.Put(KeyDirEntry(parent, encName), encodeDirValue(child, kind))
	return b
}

// RemoveDirEntry schedules removal of an entry under parent.
func (b *Batch) RemoveDirEntry(parent FileID, encName []byte) *Batch {
	if b.err != nil {
		return b
	}
	b.inner.Delete(KeyDirEntry(parent, encName))
	return b
}

// PutParent schedules a write of a directory's parent pointer.
func (b *Batch) PutParent(child, parent FileID) *Batch {
	if b.err != nil {
		return b
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(parent))
	b.inner.Put(KeyParent(child), buf[:])
	return b
}

// DeleteParent schedules removal of a directory's parent pointer.
func (b *Batch) DeleteParent(child FileID) *Batch {
	if b.err != nil {
		return b
	}
	b.inner.Delete(KeyParent(child))
	return b
}

// PutSymlink schedules a write of the (encrypted) symlink target.
func (b *Batch) PutSymlink(id FileID, target []byte) *Batch {
	if b.err != nil {
		return b
	}
	b.inner.Put(KeySymlink(id), target)
	return b
}

// DeleteSymlink schedules removal of the symlink target.
func (b *Batch) DeleteSymlink(id FileID) *Batch {
	if b.err != nil {
		return b
	}
	b.inner.Delete(KeySymlink(id))
	return b
}

// PutXattr schedules a write of one attribute value.
func (b *Batch) PutXattr(id FileID, attr, value []byte) *Batch {
	if b.err != nil {
		return b
	}
	b.inner.Put(KeyXattr(id, attr), value)
	return b
}

// DeleteXattr schedules removal of one attribute.
func (b *Batch) DeleteXattr(id FileID, attr []byte) *Batch {
	if b.err != nil {
		return b
	}
	b.inner.Delete(KeyXattr(id, attr))
	return b
}

// DeleteAllXattrs schedules removal of every attribute of id. The scan
// runs now; the deletions commit with the batch.
func (b *Batch) DeleteAllXattrs(id FileID) *Batch {
	if b.err != nil {
		return b
	}
	err := b.store.IterXattrs(id, func(attr []byte) error {
		b.inner.Delete(KeyXattr(id, attr))
		return nil
	})
	if err != nil {
		b.err = fmt.Errorf("metadata: scanning xattrs of %d: %w", id, err)
	}
	return b
}

// Commit applies every scheduled mutation in one atomic write, or
// returns the first error recorded while building the batch.
func (b *Batch) Commit() error {
	if b.err != nil {
		return b.err
	}
	return b.inner.Commit()
}
