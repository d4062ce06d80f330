// Package blobtest provides a conformance suite run against every blob
// store implementation and composition.
package blobtest

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bijoufs/bijou/pkg/store/blob"
	"github.com/bijoufs/bijou/pkg/store/metadata"
)

// RecordSize is the record stride the suite uses. Small on purpose so
// tests exercise multi-record blobs cheaply.
const RecordSize = 64

// Factory builds a fresh store for one subtest.
type Factory func(t *testing.T) blob.Store

// Run exercises the full blob store contract against stores built by
// factory.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateIsIdempotent", func(t *testing.T) { testCreateIdempotent(t, factory(t)) })
	t.Run("OpenMissing", func(t *testing.T) { testOpenMissing(t, factory(t)) })
	t.Run("WriteReadRecords", func(t *testing.T) { testWriteRead(t, factory(t)) })
	t.Run("SparseRecords", func(t *testing.T) { testSparse(t, factory(t)) })
	t.Run("SetLen", func(t *testing.T) { testSetLen(t, factory(t)) })
	t.Run("Unlink", func(t *testing.T) { testUnlink(t, factory(t)) })
	t.Run("Meta", func(t *testing.T) { testMeta(t, factory(t)) })
	t.Run("IndependentBlobs", func(t *testing.T) { testIndependent(t, factory(t)) })
}

func record(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, RecordSize)
}

func testCreateIdempotent(t *testing.T, store blob.Store) {
	const id metadata.FileID = 10

	exists, err := store.Exists(id)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.Create(id))
	require.NoError(t, store.Create(id))

	exists, err = store.Exists(id)
	require.NoError(t, err)
	assert.True(t, exists)
}

func testOpenMissing(t *testing.T, store blob.Store) {
	_, err := store.Open(99, blob.FlagRead)
	assert.True(t, metadata.IsCode(err, metadata.ErrNotFound), "got %v", err)
}

func testWriteRead(t *testing.T, store blob.Store) {
	const id metadata.FileID = 11
	require.NoError(t, store.Create(id))

	f, err := store.Open(id, blob.FlagRead|blob.FlagWrite)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	require.NoError(t, f.WriteRecord(record('a'), 0))
	require.NoError(t, f.WriteRecord(record('b'), 1))
	require.NoError(t, f.WriteRecord(record('c'), 2))

	buf := make([]byte, RecordSize)
	for i, fill := range []byte{'a', 'b', 'c'} {
		n, err := f.ReadRecord(buf, uint64(i))
		require.NoError(t, err)
		assert.Equal(t, RecordSize, n)
		assert.Equal(t, record(fill), buf)
	}

	// Overwrite in place.
	require.NoError(t, f.WriteRecord(record('B'), 1))
	n, err := f.ReadRecord(buf, 1)
	require.NoError(t, err)
	assert.Equal(t, RecordSize, n)
	assert.Equal(t, record('B'), buf)

	// Past the end.
	n, err = f.ReadRecord(buf, 3)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, f.Sync())
}

func testSparse(t *testing.T, store blob.Store) {
	const id metadata.FileID = 12
	require.NoError(t, store.Create(id))

	f, err := store.Open(id, blob.FlagRead|blob.FlagWrite)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	// Write record 3 only; 0..2 become holes.
	require.NoError(t, f.WriteRecord(record('z'), 3))

	buf := make([]byte, RecordSize)
	for rec := uint64(0); rec < 3; rec++ {
		n, err := f.ReadRecord(buf, rec)
		require.NoError(t, err)
		if n != 0 {
			// Stores that materialize the gap must read it as zeros.
			assert.Equal(t, RecordSize, n, "record %d", rec)
			assert.Equal(t, make([]byte, RecordSize), buf, "record %d", rec)
		}
	}

	n, err := f.ReadRecord(buf, 3)
	require.NoError(t, err)
	assert.Equal(t, RecordSize, n)
	assert.Equal(t, record('z'), buf)
}

func testSetLen(t *testing.T, store blob.Store) {
	const id metadata.FileID = 13
	require.NoError(t, store.Create(id))

	f, err := store.Open(id, blob.FlagRead|blob.FlagWrite)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	for rec := uint64(0); rec < 4; rec++ {
		require.NoError(t, f.WriteRecord(record(byte('0'+rec)), rec))
	}

	// Shrink to two records.
	require.NoError(t, f.SetLen(2*RecordSize))

	buf := make([]byte, RecordSize)
	n, err := f.ReadRecord(buf, 1)
	require.NoError(t, err)
	assert.Equal(t, RecordSize, n)
	assert.Equal(t, record('1'), buf)

	n, err = f.ReadRecord(buf, 2)
	require.NoError(t, err)
	assert.Zero(t, n, "records beyond the new length must be gone")

	// Grow back; the extension must read as zeros (or absent).
	require.NoError(t, f.SetLen(3*RecordSize))
	n, err = f.ReadRecord(buf, 2)
	require.NoError(t, err)
	if n != 0 {
		assert.Equal(t, RecordSize, n)
		assert.Equal(t, make([]byte, RecordSize), buf)
	}
}

func testUnlink(t *testing.T, store blob.Store) {
	const id metadata.FileID = 14
	require.NoError(t, store.Create(id))

	f, err := store.Open(id, blob.FlagWrite)
	require.NoError(t, err)
	require.NoError(t, f.WriteRecord(record('x'), 0))
	require.NoError(t, f.Close())

	require.NoError(t, store.Unlink(id))

	exists, err := store.Exists(id)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.Open(id, blob.FlagRead)
	assert.True(t, metadata.IsCode(err, metadata.ErrNotFound))
}

func testMeta(t *testing.T, store blob.Store) {
	const id metadata.FileID = 15
	require.NoError(t, store.Create(id))

	if !store.MetaSupported() {
		_, err := store.GetMeta(id)
		assert.True(t, metadata.IsCode(err, metadata.ErrUnsupported))
		assert.True(t, metadata.IsCode(store.SetMeta(id, blob.Meta{}), metadata.ErrUnsupported))
		return
	}

	f, err := store.Open(id, blob.FlagWrite)
	require.NoError(t, err)
	require.NoError(t, f.WriteRecord(record('m'), 0))
	require.NoError(t, f.WriteRecord(record('m'), 1))
	require.NoError(t, f.Close())

	meta, err := store.GetMeta(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2*RecordSize), meta.Size)
	assert.NotZero(t, meta.Mtime)
}

func testIndependent(t *testing.T, store blob.Store) {
	require.NoError(t, store.Create(20))
	require.NoError(t, store.Create(21))

	f1, err := store.Open(20, blob.FlagRead|blob.FlagWrite)
	require.NoError(t, err)
	defer func() { _ = f1.Close() }()
	f2, err := store.Open(21, blob.FlagRead|blob.FlagWrite)
	require.NoError(t, err)
	defer func() { _ = f2.Close() }()

	require.NoError(t, f1.WriteRecord(record('1'), 0))
	require.NoError(t, f2.WriteRecord(record('2'), 0))

	buf := make([]byte, RecordSize)
	n, err := f1.ReadRecord(buf, 0)
	require.NoError(t, err)
	require.Equal(t, RecordSize, n)
	assert.Equal(t, record('1'), buf)

	require.NoError(t, store.Unlink(21))
	exists, err := store.Exists(20)
	require.NoError(t, err)
	assert.True(t, exists, "unlinking one blob must not affect another")
}
