// Package kvdb wraps BadgerDB with the small key-value surface the rest
// of Bijou builds on: point get/put/delete, ordered prefix iteration and
// atomic multi-key batches.
//
// The wrapper also owns the at-rest encryption of the store's on-disk
// files: when opened with an encryption key, Badger encrypts every block
// it writes with that key. The key is the db subkey derived from the
// master key; nothing above this package ever sees database files in
// plaintext.
package kvdb

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kvdb: key not found")

// Options configures Open.
type Options struct {
	// Path is the database directory. Badger creates it if missing.
	Path string

	// EncryptionKey enables at-rest encryption of the database files
	// when non-nil. Must be 16, 24 or 32 bytes.
	EncryptionKey []byte

	// IndexCacheMB sizes Badger's index cache. Required to be non-zero
	// when EncryptionKey is set; defaults to 64.
	IndexCacheMB int64

	// InMemory runs the database without touching disk. Used by tests.
	InMemory bool
}

// DB is an open key-value database.
//
// All methods are safe for concurrent use.
type DB struct {
	db *badger.DB
}

// Open opens (creating if necessary) the database at opts.Path.
func Open(opts Options) (*DB, error) {
	bopts := badger.DefaultOptions(opts.Path)
	bopts = bopts.WithLoggingLevel(badger.WARNING)
	bopts = bopts.WithInMemory(opts.InMemory)

	indexCacheMB := opts.IndexCacheMB
	if indexCacheMB == 0 {
		indexCacheMB = 64
	}
	bopts = bopts.WithIndexCacheSize(indexCacheMB << 20)

	if len(opts.EncryptionKey) > 0 {
		bopts = bopts.WithEncryptionKey(opts.EncryptionKey)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("kvdb: opening database at %s: %w", opts.Path, err)
	}
	return &DB{db: db}, nil
}

// Close flushes and closes the database.
func (d *DB) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("kvdb: closing database: %w", err)
	}
	return nil
}

// Get returns a copy of the value stored under key, or ErrNotFound.
func (d *DB) Get(key []byte) ([]byte, error) {
	var value []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	return value, err
}

// Has reports whether key exists.
func (d *DB) Has(key []byte) (bool, error) {
	_, err := d.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Put stores value under key, replacing any existing value.
func (d *DB) Put(key, value []byte) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (d *DB) Delete(key []byte) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// IteratePrefix calls fn for every key with the given prefix, in key
// order. The slices passed to fn are only valid for the duration of the
// call; fn must copy anything it keeps. Returning an error from fn stops
// the iteration and is returned verbatim.
func (d *DB) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	return d.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = prefix
		it := txn.NewIterator(iopts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(value []byte) error {
				return fn(item.Key(), value)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// NewBatch starts a batch of mutations to be committed atomically.
func (d *DB) NewBatch() *Batch {
	return &Batch{db: d}
}

type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}

// Batch collects puts and deletes and applies them in one transaction.
//
// A batch observes nothing: it is write-only, and reads performed while
// a batch is pending do not see its mutations until Commit.
type Batch struct {
	db  *DB
	ops []batchOp
}

// Put schedules a set of key to value.
func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, batchOp{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
}

// Delete schedules a deletion of key.
func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{
		key:    append([]byte(nil), key...),
		delete: true,
	})
}

// Len returns the number of scheduled operations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Commit applies all scheduled operations in a single transaction.
// Either every operation is applied or none is.
func (b *Batch) Commit() error {
	if len(b.ops) == 0 {
		return nil
	}
	err := b.db.db.Update(func(txn *badger.Txn) error {
		for _, op := range b.ops {
			if op.delete {
				if err := txn.Delete(op.key); err != nil {
					return err
				}
			} else {
				if err := txn.Set(op.key, op.value); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("kvdb: committing batch of %d ops: %w", len(b.ops), err)
	}
	b.ops = b.ops[:0]
	return nil
}
