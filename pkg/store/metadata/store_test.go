package metadata

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bijoufs/bijou/pkg/crypto"
	"github.com/bijoufs/bijou/pkg/store/kvdb"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := kvdb.Open(kvdb.Options{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func testInode(id FileID, kind FileKind) *Inode {
	now := time.Now().UnixNano()
	return &Inode{
		ID:        id,
		Kind:      kind,
		Perm:      0o644,
		NLink:     1,
		Atime:     now,
		Mtime:     now,
		Ctime:     now,
		Cipher:    crypto.CipherAES256GCM,
		BlockSize: 4096,
	}
}

func TestInodeRoundTrip(t *testing.T) {
	store := openTestStore(t)

	ino := testInode(7, KindRegular)
	ino.ContentKeySalt = []byte("0123456789abcdef0123456789abcdef")
	require.NoError(t, store.PutInode(ino))

	got, err := store.GetInode(7)
	require.NoError(t, err)
	assert.Equal(t, ino, got)

	require.NoError(t, store.DeleteInode(7))
	_, err = store.GetInode(7)
	assert.True(t, IsCode(err, ErrNotFound))
}

func TestAllocateIDMonotonic(t *testing.T) {
	store := openTestStore(t)

	var last FileID = RootID
	for i := 0; i < 600; i++ {
		id, err := store.AllocateID()
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}

	// The persisted counter must be ahead of every allocated id.
	sbNext, err := store.db.Get(KeyNextID())
	require.NoError(t, err)
	require.Len(t, sbNext, 8)
	assert.Greater(t, FileID(binary.BigEndian.Uint64(sbNext)), last)
}

func TestIDCounterSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := kvdb.Open(kvdb.Options{Path: dir})
	require.NoError(t, err)

	store, err := NewStore(db)
	require.NoError(t, err)

	id1, err := store.AllocateID()
	require.NoError(t, err)
	require.NoError(t, store.FlushIDCounter())
	require.NoError(t, db.Close())

	db, err = kvdb.Open(kvdb.Options{Path: dir})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store, err = NewStore(db)
	require.NoError(t, err)
	id2, err := store.AllocateID()
	require.NoError(t, err)
	assert.Greater(t, id2, id1, "ids must never be reused across reopen")
}

func TestDirEntries(t *testing.T) {
	store := openTestStore(t)

	const parent FileID = 2
	require.NoError(t, store.InsertDirEntry(parent, []byte("alpha"), 10, KindRegular))
	require.NoError(t, store.InsertDirEntry(parent, []byte("beta"), 11, KindDirectory))

	// Duplicate insert fails.
	err := store.InsertDirEntry(parent, []byte("alpha"), 12, KindRegular)
	assert.True(t, IsCode(err, ErrAlreadyExists))

	child, kind, err := store.LookupDirEntry(parent, []byte("alpha"))
	require.NoError(t, err)
	assert.Equal(t, FileID(10), child)
	assert.Equal(t, KindRegular, kind)

	_, _, err = store.LookupDirEntry(parent, []byte("gamma"))
	assert.True(t, IsCode(err, ErrNotFound))

	var names []string
	err = store.IterDirEntries(parent, func(encName []byte, child FileID, kind FileKind) error {
		names = append(names, string(encName))
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, names)

	empty, err := store.DirEmpty(parent)
	require.NoError(t, err)
	assert.False(t, empty)

	require.NoError(t, store.RemoveDirEntry(parent, []byte("alpha")))
	require.NoError(t, store.RemoveDirEntry(parent, []byte("beta")))

	empty, err = store.DirEmpty(parent)
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestDirEntriesScopedToParent(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.InsertDirEntry(1, []byte("shared"), 10, KindRegular))
	require.NoError(t, store.InsertDirEntry(2, []byte("shared"), 20, KindRegular))

	child, _, err := store.LookupDirEntry(1, []byte("shared"))
	require.NoError(t, err)
	assert.Equal(t, FileID(10), child)

	child, _, err = store.LookupDirEntry(2, []byte("shared"))
	require.NoError(t, err)
	assert.Equal(t, FileID(20), child)
}

func TestXattrs(t *testing.T) {
	store := openTestStore(t)

	const id FileID = 5
	require.NoError(t, store.PutXattr(id, []byte("user.tag"), []byte("v1")))
	require.NoError(t, store.PutXattr(id, []byte("user.other"), []byte("v2")))

	value, err := store.GetXattr(id, []byte("user.tag"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)

	_, err = store.GetXattr(id, []byte("user.missing"))
	assert.True(t, IsCode(err, ErrNotFound))

	var attrs []string
	require.NoError(t, store.IterXattrs(id, func(attr []byte) error {
		attrs = append(attrs, string(attr))
		return nil
	}))
	assert.ElementsMatch(t, []string{"user.tag", "user.other"}, attrs)

	require.NoError(t, store.DeleteXattr(id, []byte("user.tag")))
	_, err = store.GetXattr(id, []byte("user.tag"))
	assert.True(t, IsCode(err, ErrNotFound))
}

func TestSuperblockRoundTrip(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Superblock()
	assert.True(t, IsCode(err, ErrNotFound))

	sb := &Superblock{
		Version:        CurrentVersion,
		ContentCipher:  crypto.CipherXChaCha20Poly1305,
		BlockSize:      4096,
		EncryptNames:   true,
		FilenameCipher: FilenameCipherXChaCha20SIV,
		NextID:         2,
		CreatedAt:      time.Now().UnixNano(),
	}
	require.NoError(t, store.PutSuperblock(sb))

	got, err := store.Superblock()
	require.NoError(t, err)
	assert.Equal(t, sb, got)
}

func TestBatchCommitsAtomically(t *testing.T) {
	store := openTestStore(t)

	parent := testInode(2, KindDirectory)
	parent.NLink = 2
	require.NoError(t, store.PutInode(parent))

	child := testInode(3, KindRegular)
	batch := store.NewBatch()
	batch.PutInode(child)
	batch.InsertDirEntry(2, []byte("file"), 3, KindRegular)
	parent.Touch(time.Now())
	batch.PutInode(parent)
	require.NoError(t, batch.Commit())

	got, err := store.GetInode(3)
	require.NoError(t, err)
	assert.Equal(t, child, got)

	id, _, err := store.LookupDirEntry(2, []byte("file"))
	require.NoError(t, err)
	assert.Equal(t, FileID(3), id)
}

func TestBatchUnlinkRemovesDependents(t *testing.T) {
	store := openTestStore(t)

	ino := testInode(4, KindSymlink)
	require.NoError(t, store.PutInode(ino))
	require.NoError(t, store.PutXattr(4, []byte("user.a"), []byte("1")))
	require.NoError(t, store.PutXattr(4, []byte("user.b"), []byte("2")))
	require.NoError(t, store.db.Put(KeySymlink(4), []byte("enc-target")))

	batch := store.NewBatch()
	batch.DeleteInode(4)
	batch.DeleteSymlink(4)
	batch.DeleteAllXattrs(4)
	require.NoError(t, batch.Commit())

	_, err := store.GetInode(4)
	assert.True(t, IsCode(err, ErrNotFound))
	_, err = store.GetSymlink(4)
	assert.True(t, IsCode(err, ErrNotFound))

	count := 0
	require.NoError(t, store.IterXattrs(4, func(attr []byte) error {
		count++
		return nil
	}))
	assert.Zero(t, count)
}

func TestErrorCodeMatching(t *testing.T) {
	err := &StoreError{Code: ErrNotFound, Message: "x"}
	assert.True(t, IsCode(err, ErrNotFound))
	assert.False(t, IsCode(err, ErrAlreadyExists))
	assert.Equal(t, ErrNotFound, CodeOf(err))
	assert.Equal(t, ErrIO, CodeOf(assert.AnError))
	assert.Equal(t, "NotFound", ErrNotFound.String())
	assert.Equal(t, "LoopDetected", ErrLoopDetected.String())
}
