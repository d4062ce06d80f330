// Package metadata implements the KV-backed metadata store for Bijou.
//
// It defines the logical tables (inodes, directory entries, extended
// attributes, symlink targets, id counter and superblock) over the
// key-value engine, and exposes the atomic multi-key batch that the
// filesystem engine composes its transitions from.
//
// The store is deliberately thin: it knows how records are keyed and
// encoded, but not why they change together. Invariants such as "every
// directory entry resolves to an inode" are the engine's to maintain;
// this package only guarantees that a committed batch is all-or-nothing.
package metadata

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/bijoufs/bijou/pkg/store/kvdb"
)

// idReserveChunk is how many ids are reserved per counter flush. A crash
// skips at most this many ids; ids are never reused.
const idReserveChunk = 256

// Store is the metadata store over an open KV database.
//
// All methods are safe for concurrent use. Single-key reads observe the
// engine's consistent snapshots; multi-key writes go through Batch.
type Store struct {
	db *kvdb.DB

	// id allocator: next is the next id to hand out, reserved is the
	// exclusive upper bound persisted in the counter key.
	idMu     sync.Mutex
	next     uint64
	reserved uint64
}

// NewStore opens the metadata tables over db and loads the id counter.
//
// A fresh database starts the counter right after RootID.
func NewStore(db *kvdb.DB) (*Store, error) {
	s := &Store{db: db}

	value, err := db.Get(KeyNextID())
	switch {
	case errors.Is(err, kvdb.ErrNotFound):
		s.next = uint64(RootID) + 1
		s.reserved = s.next
	case err != nil:
		return nil, fmt.Errorf("metadata: loading id counter: %w", err)
	default:
		if len(value) != 8 {
			return nil, &StoreError{Code: ErrCorruptConfig, Message: "metadata: malformed id counter"}
		}
		s.next = binary.BigEndian.Uint64(value)
		s.reserved = s.next
	}
	return s, nil
}

// DB exposes the underlying database for the blob store wrappers that
// share it (Tracking, Clustered, KVBlob).
func (s *Store) DB() *kvdb.DB {
	return s.db
}

// ============================================================================
// Id allocation
// ============================================================================

// AllocateID returns a fresh, never-before-used file id.
//
// Allocation is an in-memory increment; the persisted counter is bumped
// ahead in chunks so that the stored value is always >= any id in use,
// even across a crash.
func (s *Store) AllocateID() (FileID, error) {
	s.idMu.Lock()
	defer s.idMu.Unlock()

	if s.next >= s.reserved {
		bound := s.next + idReserveChunk
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], bound)
		if err := s.db.Put(KeyNextID(), buf[:]); err != nil {
			return 0, fmt.Errorf("metadata: persisting id counter: %w", err)
		}
		s.reserved = bound
	}

	id := FileID(s.next)
	s.next++
	return id, nil
}

// FlushIDCounter persists the exact next id. Called on clean shutdown so
// a reopen doesn't skip the rest of the reserved chunk.
func (s *Store) FlushIDCounter() error {
	s.idMu.Lock()
	defer s.idMu.Unlock()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], s.next)
	if err := s.db.Put(KeyNextID(), buf[:]); err != nil {
		return fmt.Errorf("metadata: flushing id counter: %w", err)
	}
	s.reserved = s.next
	return nil
}

// ============================================================================
// Inodes
// ============================================================================

// GetInode loads the inode for id.
func (s *Store) GetInode(id FileID) (*Inode, error) {
	value, err := s.db.Get(KeyInode(id))
	if errors.Is(err, kvdb.ErrNotFound) {
		return nil, &StoreError{Code: ErrNotFound, Message: fmt.Sprintf("inode %d not found", id)}
	}
	if err != nil {
		return nil, fmt.Errorf("metadata: reading inode %d: %w", id, err)
	}
	ino := &Inode{}
	if err := json.Unmarshal(value, ino); err != nil {
		return nil, fmt.Errorf("metadata: decoding inode %d: %w", id, err)
	}
	return ino, nil
}

// PutInode stores ino, replacing any existing record.
func (s *Store) PutInode(ino *Inode) error {
	value, err := json.Marshal(ino)
	if err != nil {
		return fmt.Errorf("metadata: encoding inode %d: %w", ino.ID, err)
	}
	if err := s.db.Put(KeyInode(ino.ID), value); err != nil {
		return fmt.Errorf("metadata: writing inode %d: %w", ino.ID, err)
	}
	return nil
}

// DeleteInode removes the inode record for id.
func (s *Store) DeleteInode(id FileID) error {
	if err := s.db.Delete(KeyInode(id)); err != nil {
		return fmt.Errorf("metadata: deleting inode %d: %w", id, err)
	}
	return nil
}

// IterInodes calls fn for every inode in the store, in id order.
// Used by the orphan collector at mount time.
func (s *Store) IterInodes(fn func(*Inode) error) error {
	return s.db.IteratePrefix([]byte{prefixInode}, func(key, value []byte) error {
		ino := &Inode{}
		if err := json.Unmarshal(value, ino); err != nil {
			return fmt.Errorf("metadata: decoding inode record %x: %w", key, err)
		}
		return fn(ino)
	})
}

// ============================================================================
// Directory entries
// ============================================================================

func encodeDirValue(child FileID, kind FileKind) []byte {
	var buf [9]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(child))
	buf[8] = byte(kind)
	return buf[:]
}

func decodeDirValue(value []byte) (FileID, FileKind, error) {
	if len(value) != 9 {
		return 0, 0, &StoreError{Code: ErrDataCorruption, Message: "malformed directory entry value"}
	}
	return FileID(binary.BigEndian.Uint64(value[:8])), FileKind(value[8]), nil
}

// LookupDirEntry resolves an encrypted name under parent.
func (s *Store) LookupDirEntry(parent FileID, encName []byte) (FileID, FileKind, error) {
	value, err := s.db.Get(KeyDirEntry(parent, encName))
	if errors.Is(err, kvdb.ErrNotFound) {
		return 0, 0, &StoreError{Code: ErrNotFound, Message: "no such directory entry"}
	}
	if err != nil {
		return 0, 0, fmt.Errorf("metadata: looking up entry under %d: %w", parent, err)
	}
	return decodeDirValue(value)
}

// InsertDirEntry adds an entry under parent, failing with AlreadyExists
// if the name is taken. For use outside a batch; batched inserts are
// pre-checked by the engine under the parent's lock.
func (s *Store) InsertDirEntry(parent FileID, encName []byte, child FileID, kind FileKind) error {
	key := KeyDirEntry(parent, encName)
	ok, err := s.db.Has(key)
	if err != nil {
		return fmt.Errorf("metadata: checking entry under %d: %w", parent, err)
	}
	if ok {
		return &StoreError{Code: ErrAlreadyExists, Message: "directory entry already exists"}
	}
	if err := s.db.Put(key, encodeDirValue(child, kind)); err != nil {
		return fmt.Errorf("metadata: inserting entry under %d: %w", parent, err)
	}
	return nil
}

// RemoveDirEntry deletes an entry under parent.
func (s *Store) RemoveDirEntry(parent FileID, encName []byte) error {
	if err := s.db.Delete(KeyDirEntry(parent, encName)); err != nil {
		return fmt.Errorf("metadata: removing entry under %d: %w", parent, err)
	}
	return nil
}

// HasDirEntry reports whether the encrypted name exists under parent.
func (s *Store) HasDirEntry(parent FileID, encName []byte) (bool, error) {
	return s.db.Has(KeyDirEntry(parent, encName))
}

// IterDirEntries calls fn for every entry of parent with the encrypted
// name and decoded child. Iteration order is KV key order; callers must
// not assume stability across modification.
func (s *Store) IterDirEntries(parent FileID, fn func(encName []byte, child FileID, kind FileKind) error) error {
	return s.db.IteratePrefix(KeyDirPrefix(parent), func(key, value []byte) error {
		child, kind, err := decodeDirValue(value)
		if err != nil {
			return err
		}
		return fn(nameFromDirKey(key), child, kind)
	})
}

// DirEmpty reports whether parent has no entries at all.
func (s *Store) DirEmpty(parent FileID) (bool, error) {
	empty := true
	err := s.db.IteratePrefix(KeyDirPrefix(parent), func(key, value []byte) error {
		empty = false
		return errStopIteration
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return false, err
	}
	return empty, nil
}

var errStopIteration = errors.New("stop iteration")

// ============================================================================
// Directory parent pointers
// ============================================================================

// GetParent returns the parent directory of a directory. The root has
// no parent pointer and yields ErrNotFound.
func (s *Store) GetParent(child FileID) (FileID, error) {
	value, err := s.db.Get(KeyParent(child))
	if errors.Is(err, kvdb.ErrNotFound) {
		return 0, &StoreError{Code: ErrNotFound, Message: fmt.Sprintf("no parent pointer for %d", child)}
	}
	if err != nil {
		return 0, fmt.Errorf("metadata: reading parent of %d: %w", child, err)
	}
	if len(value) != 8 {
		return 0, &StoreError{Code: ErrDataCorruption, Message: "malformed parent pointer"}
	}
	return FileID(binary.BigEndian.Uint64(value)), nil
}

// ============================================================================
// Symlink targets
// ============================================================================

// GetSymlink returns the stored (encrypted) symlink target of id.
func (s *Store) GetSymlink(id FileID) ([]byte, error) {
	value, err := s.db.Get(KeySymlink(id))
	if errors.Is(err, kvdb.ErrNotFound) {
		return nil, &StoreError{Code: ErrNotFound, Message: fmt.Sprintf("symlink target of %d not found", id)}
	}
	if err != nil {
		return nil, fmt.Errorf("metadata: reading symlink %d: %w", id, err)
	}
	return value, nil
}

// ============================================================================
// Extended attributes
// ============================================================================

// GetXattr returns the stored (encrypted) value of one attribute.
func (s *Store) GetXattr(id FileID, attr []byte) ([]byte, error) {
	value, err := s.db.Get(KeyXattr(id, attr))
	if errors.Is(err, kvdb.ErrNotFound) {
		return nil, &StoreError{Code: ErrNotFound, Message: "no such extended attribute"}
	}
	if err != nil {
		return nil, fmt.Errorf("metadata: reading xattr of %d: %w", id, err)
	}
	return value, nil
}

// HasXattr reports whether the attribute exists on id.
func (s *Store) HasXattr(id FileID, attr []byte) (bool, error) {
	return s.db.Has(KeyXattr(id, attr))
}

// PutXattr stores an attribute value.
func (s *Store) PutXattr(id FileID, attr, value []byte) error {
	if err := s.db.Put(KeyXattr(id, attr), value); err != nil {
		return fmt.Errorf("metadata: writing xattr of %d: %w", id, err)
	}
	return nil
}

// DeleteXattr removes an attribute.
func (s *Store) DeleteXattr(id FileID, attr []byte) error {
	if err := s.db.Delete(KeyXattr(id, attr)); err != nil {
		return fmt.Errorf("metadata: deleting xattr of %d: %w", id, err)
	}
	return nil
}

// IterXattrs calls fn with each attribute name of id.
func (s *Store) IterXattrs(id FileID, fn func(attr []byte) error) error {
	return s.db.IteratePrefix(KeyXattrPrefix(id), func(key, value []byte) error {
		return fn(attrFromXattrKey(key))
	})
}

// ============================================================================
// Superblock
// ============================================================================

// Superblock loads the superblock mirror, or ErrNotFound on a database
// that was never initialized.
func (s *Store) Superblock() (*Superblock, error) {
	value, err := s.db.Get(KeySuperblock())
	if errors.Is(err, kvdb.ErrNotFound) {
		return nil, &StoreError{Code: ErrNotFound, Message: "superblock not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("metadata: reading superblock: %w", err)
	}
	sb := &Superblock{}
	if err := json.Unmarshal(value, sb); err != nil {
		return nil, &StoreError{Code: ErrCorruptConfig, Message: "malformed superblock: " + err.Error()}
	}
	return sb, nil
}

// PutSuperblock stores the superblock mirror.
func (s *Store) PutSuperblock(sb *Superblock) error {
	value, err := json.Marshal(sb)
	if err != nil {
		return fmt.Errorf("metadata: encoding superblock: %w", err)
	}
	if err := s.db.Put(KeySuperblock(), value); err != nil {
		return fmt.Errorf("metadata: writing superblock: %w", err)
	}
	return nil
}
