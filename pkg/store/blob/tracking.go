package blob

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bijoufs/bijou/pkg/store/kvdb"
	"github.com/bijoufs/bijou/pkg/store/metadata"
)

// Tracking decorates a blob store that cannot track its own metadata
// (Clustered, KVBlob, ObjectStore) by persisting the (size, mtime,
// atime) triple in the KV store under a dedicated prefix.
//
// The triple is updated on every write, resize and explicit SetMeta.
// The tracked size is the ciphertext size: the byte length the blob
// would have on a store with native metadata.
type Tracking struct {
	inner Store
	db    *kvdb.DB
}

// NewTracking wraps inner, persisting blob metadata in db.
func NewTracking(inner Store, db *kvdb.DB) *Tracking {
	return &Tracking{inner: inner, db: db}
}

func (t *Tracking) load(id metadata.FileID) (Meta, error) {
	value, err := t.db.Get(metadata.KeyTracking(id))
	if errors.Is(err, kvdb.ErrNotFound) {
		return Meta{}, &metadata.StoreError{Code: metadata.ErrNotFound, Message: fmt.Sprintf("blob %d not found", id)}
	}
	if err != nil {
		return Meta{}, fmt.Errorf("blob: loading tracked meta of %d: %w", id, err)
	}
	var meta Meta
	if err := json.Unmarshal(value, &meta); err != nil {
		return Meta{}, fmt.Errorf("blob: decoding tracked meta of %d: %w", id, err)
	}
	return meta, nil
}

func (t *Tracking) save(id metadata.FileID, meta Meta) error {
	value, err := json.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("blob: encoding tracked meta of %d: %w", id, err)
	}
	if err := t.db.Put(metadata.KeyTracking(id), value); err != nil {
		return fmt.Errorf("blob: saving tracked meta of %d: %w", id, err)
	}
	return nil
}

// Create creates the inner blob and initializes its tracked metadata.
func (t *Tracking) Create(id metadata.FileID) error {
	if err := t.inner.Create(id); err != nil {
		return err
	}
	ok, err := t.db.Has(metadata.KeyTracking(id))
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	now := time.Now().UnixNano()
	return t.save(id, Meta{Size: 0, Mtime: now, Atime: now})
}

// Open opens the inner blob and stamps access/modification times per
// the requested flags.
func (t *Tracking) Open(id metadata.FileID, flags Flags) (File, error) {
	meta, err := t.load(id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixNano()
	dirty := false
	if flags.Has(FlagTruncate) {
		meta.Size = 0
		dirty = true
	}
	if flags.Has(FlagRead) {
		meta.Atime = now
		dirty = true
	}
	if flags.Has(FlagWrite) {
		meta.Mtime = now
		dirty = true
	}
	if dirty {
		if err := t.save(id, meta); err != nil {
			return nil, err
		}
	}

	inner, err := t.inner.Open(id, flags)
	if err != nil {
		return nil, err
	}
	return &trackingFile{inner: inner, t: t, id: id}, nil
}

// Unlink removes the inner blob and its tracked metadata.
func (t *Tracking) Unlink(id metadata.FileID) error {
	if err := t.inner.Unlink(id); err != nil {
		return err
	}
	if err := t.db.Delete(metadata.KeyTracking(id)); err != nil {
		return fmt.Errorf("blob: deleting tracked meta of %d: %w", id, err)
	}
	return nil
}

// Exists consults the tracked metadata, which exists iff the blob does.
func (t *Tracking) Exists(id metadata.FileID) (bool, error) {
	return t.db.Has(metadata.KeyTracking(id))
}

// GetMeta returns the tracked triple.
func (t *Tracking) GetMeta(id metadata.FileID) (Meta, error) {
	return t.load(id)
}

// SetMeta overwrites the tracked triple.
func (t *Tracking) SetMeta(id metadata.FileID, meta Meta) error {
	return t.save(id, meta)
}

// MetaSupported reports true: providing metadata is this store's job.
func (t *Tracking) MetaSupported() bool {
	return true
}

// trackingFile passes I/O through and maintains the triple.
type trackingFile struct {
	inner File
	t     *Tracking
	id    metadata.FileID
}

func (f *trackingFile) ReadRecord(buf []byte, rec uint64) (int, error) {
	return f.inner.ReadRecord(buf, rec)
}

func (f *trackingFile) WriteRecord(buf []byte, rec uint64) error {
	if err := f.inner.WriteRecord(buf, rec); err != nil {
		return err
	}
	meta, err := f.t.load(f.id)
	if err != nil {
		return err
	}
	end := (rec + 1) * uint64(len(buf))
	if end > meta.Size {
		meta.Size = end
	}
	meta.Mtime = time.Now().UnixNano()
	return f.t.save(f.id, meta)
}

func (f *trackingFile) SetLen(length uint64) error {
	if err := f.inner.SetLen(length); err != nil {
		return err
	}
	meta, err := f.t.load(f.id)
	if err != nil {
		return err
	}
	meta.Size = length
	meta.Mtime = time.Now().UnixNano()
	return f.t.save(f.id, meta)
}

func (f *trackingFile) Sync() error {
	return f.inner.Sync()
}

func (f *trackingFile) Close() error {
	return f.inner.Close()
}
