package blob

import (
	"errors"
	"fmt"

	"github.com/bijoufs/bijou/pkg/store/kvdb"
	"github.com/bijoufs/bijou/pkg/store/metadata"
)

// KVBlob stores entire blobs as single values in the KV engine.
//
// Random access is emulated by whole-value get and put, so this store
// only makes sense for small blobs: testing setups, or as the inner
// store of a Clustered wrapper with a small cluster size where each
// stored value is one cluster.
//
// KVBlob does not track metadata; compose it with Tracking.
type KVBlob struct {
	db *kvdb.DB
}

// NewKVBlob creates a KV-backed blob store over db.
func NewKVBlob(db *kvdb.DB) *KVBlob {
	return &KVBlob{db: db}
}

func (k *KVBlob) load(id metadata.FileID) ([]byte, error) {
	value, err := k.db.Get(metadata.KeyKVBlob(id))
	if errors.Is(err, kvdb.ErrNotFound) {
		return nil, &metadata.StoreError{Code: metadata.ErrNotFound, Message: fmt.Sprintf("blob %d not found", id)}
	}
	if err != nil {
		return nil, fmt.Errorf("blob: loading kv blob %d: %w", id, err)
	}
	return value, nil
}

func (k *KVBlob) save(id metadata.FileID, data []byte) error {
	if err := k.db.Put(metadata.KeyKVBlob(id), data); err != nil {
		return fmt.Errorf("blob: saving kv blob %d: %w", id, err)
	}
	return nil
}

// Create stores an empty value for id. Idempotent.
func (k *KVBlob) Create(id metadata.FileID) error {
	ok, err := k.db.Has(metadata.KeyKVBlob(id))
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return k.save(id, []byte{})
}

// Open returns a handle operating on the whole stored value.
func (k *KVBlob) Open(id metadata.FileID, flags Flags) (File, error) {
	if _, err := k.load(id); err != nil {
		return nil, err
	}
	if flags.Has(FlagTruncate) {
		if err := k.save(id, []byte{}); err != nil {
			return nil, err
		}
	}
	return &kvFile{k: k, id: id}, nil
}

// Unlink deletes the stored value.
func (k *KVBlob) Unlink(id metadata.FileID) error {
	if err := k.db.Delete(metadata.KeyKVBlob(id)); err != nil {
		return fmt.Errorf("blob: unlinking kv blob %d: %w", id, err)
	}
	return nil
}

// Exists reports whether a value exists for id.
func (k *KVBlob) Exists(id metadata.FileID) (bool, error) {
	return k.db.Has(metadata.KeyKVBlob(id))
}

// GetMeta is unsupported; compose with Tracking.
func (k *KVBlob) GetMeta(id metadata.FileID) (Meta, error) {
	return Meta{}, errUnsupportedMeta()
}

// SetMeta is unsupported; compose with Tracking.
func (k *KVBlob) SetMeta(id metadata.FileID, meta Meta) error {
	return errUnsupportedMeta()
}

// MetaSupported reports false.
func (k *KVBlob) MetaSupported() bool {
	return false
}

// kvFile reads and rewrites the whole value per record operation.
type kvFile struct {
	k  *KVBlob
	id metadata.FileID
}

func (f *kvFile) ReadRecord(buf []byte, rec uint64) (int, error) {
	data, err := f.k.load(f.id)
	if err != nil {
		return 0, err
	}
	offset := rec * uint64(len(buf))
	if offset >= uint64(len(data)) {
		return 0, nil
	}
	return copy(buf, data[offset:]), nil
}

func (f *kvFile) WriteRecord(buf []byte, rec uint64) error {
	data, err := f.k.load(f.id)
	if err != nil {
		return err
	}
	offset := rec * uint64(len(buf))
	end := offset + uint64(len(buf))
	if end > uint64(len(data)) {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	copy(data[offset:end], buf)
	return f.k.save(f.id, data)
}

func (f *kvFile) SetLen(length uint64) error {
	data, err := f.k.load(f.id)
	if err != nil {
		return err
	}
	if uint64(len(data)) == length {
		return nil
	}
	resized := make([]byte, length)
	copy(resized, data)
	return f.k.save(f.id, resized)
}

func (f *kvFile) Sync() error {
	return nil
}

func (f *kvFile) Close() error {
	return nil
}
