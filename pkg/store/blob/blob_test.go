package blob_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bijoufs/bijou/pkg/store/blob"
	"github.com/bijoufs/bijou/pkg/store/blob/blobtest"
	"github.com/bijoufs/bijou/pkg/store/kvdb"
	"github.com/bijoufs/bijou/pkg/store/metadata"
)

func openTestDB(t *testing.T) *kvdb.DB {
	t.Helper()
	db, err := kvdb.Open(kvdb.Options{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestLocalDir(t *testing.T) {
	blobtest.Run(t, func(t *testing.T) blob.Store {
		store, err := blob.NewLocalDir(t.TempDir(), blobtest.RecordSize)
		require.NoError(t, err)
		return store
	})
}

func TestKVBlobTracking(t *testing.T) {
	blobtest.Run(t, func(t *testing.T) blob.Store {
		db := openTestDB(t)
		return blob.NewTracking(blob.NewKVBlob(db), db)
	})
}

func TestClusteredLocalDirTracking(t *testing.T) {
	blobtest.Run(t, func(t *testing.T) blob.Store {
		db := openTestDB(t)
		inner, err := blob.NewLocalDir(t.TempDir(), blobtest.RecordSize)
		require.NoError(t, err)
		clustered, err := blob.NewClustered(inner, db, 4, blobtest.RecordSize)
		require.NoError(t, err)
		return blob.NewTracking(clustered, db)
	})
}

func TestClusteredSingleRecordClusters(t *testing.T) {
	blobtest.Run(t, func(t *testing.T) blob.Store {
		db := openTestDB(t)
		clustered, err := blob.NewClustered(blob.NewKVBlob(db), db, 1, blobtest.RecordSize)
		require.NoError(t, err)
		return blob.NewTracking(clustered, db)
	})
}

func TestLocalDirLayout(t *testing.T) {
	dir := t.TempDir()
	store, err := blob.NewLocalDir(dir, blobtest.RecordSize)
	require.NoError(t, err)

	// The highest byte of the id selects the fan-out directory.
	id := metadata.FileID(0xa1<<56 | 0x42)
	require.NoError(t, store.Create(id))

	exists, err := store.Exists(id)
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = os.Stat(filepath.Join(dir, "a1", "a100000000000042"))
	assert.NoError(t, err)
}

func TestClusteredSpreadsRecords(t *testing.T) {
	db := openTestDB(t)
	inner := blob.NewKVBlob(db)
	clustered, err := blob.NewClustered(inner, db, 2, blobtest.RecordSize)
	require.NoError(t, err)
	store := blob.NewTracking(clustered, db)

	const id metadata.FileID = 30
	require.NoError(t, store.Create(id))

	f, err := store.Open(id, blob.FlagRead|blob.FlagWrite)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	// Five records across three clusters (2+2+1).
	payload := make([]byte, blobtest.RecordSize)
	for rec := uint64(0); rec < 5; rec++ {
		for i := range payload {
			payload[i] = byte(rec)
		}
		require.NoError(t, f.WriteRecord(payload, rec))
	}

	buf := make([]byte, blobtest.RecordSize)
	for rec := uint64(0); rec < 5; rec++ {
		n, err := f.ReadRecord(buf, rec)
		require.NoError(t, err)
		require.Equal(t, blobtest.RecordSize, n)
		assert.Equal(t, byte(rec), buf[0], "record %d", rec)
	}

	// Shrinking to three records drops the third cluster and trims the
	// second.
	require.NoError(t, f.SetLen(3*blobtest.RecordSize))
	n, err := f.ReadRecord(buf, 3)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = f.ReadRecord(buf, 2)
	require.NoError(t, err)
	require.Equal(t, blobtest.RecordSize, n)
	assert.Equal(t, byte(2), buf[0])
}

func TestClusteredUnlinkRemovesClusterBlobs(t *testing.T) {
	db := openTestDB(t)
	inner := blob.NewKVBlob(db)
	clustered, err := blob.NewClustered(inner, db, 1, blobtest.RecordSize)
	require.NoError(t, err)
	store := blob.NewTracking(clustered, db)

	const id metadata.FileID = 31
	require.NoError(t, store.Create(id))

	f, err := store.Open(id, blob.FlagWrite)
	require.NoError(t, err)
	payload := make([]byte, blobtest.RecordSize)
	for rec := uint64(0); rec < 4; rec++ {
		require.NoError(t, f.WriteRecord(payload, rec))
	}
	require.NoError(t, f.Close())

	require.NoError(t, store.Unlink(id))

	// No KV blob values may remain anywhere: the cluster blobs carry
	// synthesized ids, so scan the whole namespace.
	count := 0
	err = db.IteratePrefix([]byte{'B'}, func(key, value []byte) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, count, "cluster blobs must be removed with the logical blob")
}

func TestTrackingMetaFollowsWrites(t *testing.T) {
	db := openTestDB(t)
	store := blob.NewTracking(blob.NewKVBlob(db), db)

	const id metadata.FileID = 32
	require.NoError(t, store.Create(id))

	meta, err := store.GetMeta(id)
	require.NoError(t, err)
	assert.Zero(t, meta.Size)

	f, err := store.Open(id, blob.FlagWrite)
	require.NoError(t, err)
	payload := make([]byte, blobtest.RecordSize)
	require.NoError(t, f.WriteRecord(payload, 2))
	require.NoError(t, f.Close())

	meta, err = store.GetMeta(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(3*blobtest.RecordSize), meta.Size)

	// Explicit SetMeta round-trips.
	meta.Atime = 12345
	require.NoError(t, store.SetMeta(id, meta))
	got, err := store.GetMeta(id)
	require.NoError(t, err)
	assert.Equal(t, meta, got)
}

func TestClusteredRejectsZeroClusterSize(t *testing.T) {
	db := openTestDB(t)
	_, err := blob.NewClustered(blob.NewKVBlob(db), db, 0, blobtest.RecordSize)
	assert.Error(t, err)
}
