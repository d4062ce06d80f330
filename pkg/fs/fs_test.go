package fs

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bijoufs/bijou/pkg/crypto"
	"github.com/bijoufs/bijou/pkg/store/blob"
	"github.com/bijoufs/bijou/pkg/store/kvdb"
	"github.com/bijoufs/bijou/pkg/store/metadata"
)

var testPassphrase = []byte("correct horse battery staple")

// testKDF keeps Argon2id cheap in tests.
var testKDF = crypto.Argon2idParams{Memory: 64, Time: 1, Parallelism: 1}

func createTestStore(t *testing.T, opts CreateOptions) string {
	t.Helper()
	dir := t.TempDir()
	opts.KDF = testKDF
	require.NoError(t, Create(dir, testPassphrase, opts))
	return dir
}

func openTestEngine(t *testing.T) (*Bijou, string) {
	t.Helper()
	dir := createTestStore(t, CreateOptions{})
	b, err := Open(dir, testPassphrase, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, dir
}

func writeFile(t *testing.T, b *Bijou, parent metadata.FileID, name string, data []byte) metadata.FileID {
	t.Helper()
	f, err := b.OpenFile(parent, name, OpenOptions{Read: true, Write: true, Create: true, Truncate: true}, 0o644, 0, 0)
	require.NoError(t, err)
	if len(data) > 0 {
		n, err := f.WriteAt(data, 0)
		require.NoError(t, err)
		require.Equal(t, len(data), n)
	}
	id := f.ID()
	require.NoError(t, f.Close())
	return id
}

func readFile(t *testing.T, b *Bijou, id metadata.FileID) []byte {
	t.Helper()
	f, err := b.OpenByID(id, ReadOnly())
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	ino, err := f.Metadata()
	require.NoError(t, err)
	data := make([]byte, ino.Size)
	if len(data) > 0 {
		n, err := f.ReadAt(data, 0)
		require.NoError(t, err)
		require.Equal(t, len(data), n)
	}
	return data
}

func TestCreateRejectsNonEmptyDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk"), []byte("x"), 0o600))

	err := Create(dir, testPassphrase, CreateOptions{KDF: testKDF})
	assert.True(t, metadata.IsCode(err, metadata.ErrAlreadyExists))
}

func TestOpenWrongPassphrase(t *testing.T) {
	dir := createTestStore(t, CreateOptions{})

	_, err := Open(dir, []byte("nope"), nil)
	assert.True(t, metadata.IsCode(err, metadata.ErrAuthFailed))

	// The failed attempt leaves the store mountable.
	b, err := Open(dir, testPassphrase, nil)
	require.NoError(t, err)
	require.NoError(t, b.Close())
}

func TestWriteReadRoundTrip(t *testing.T) {
	b, _ := openTestEngine(t)

	id := writeFile(t, b, b.Root(), "hello.txt", []byte("Hi"))
	assert.Equal(t, []byte("Hi"), readFile(t, b, id))

	ino, err := b.GetAttr(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ino.Size)
	assert.Equal(t, metadata.KindRegular, ino.Kind)
	assert.Equal(t, uint32(1), ino.NLink)
}

func TestRoundTripAcrossRemount(t *testing.T) {
	dir := createTestStore(t, CreateOptions{})

	b, err := Open(dir, testPassphrase, nil)
	require.NoError(t, err)
	id := writeFile(t, b, b.Root(), "persist.bin", bytes.Repeat([]byte{0xab}, 10000))
	require.NoError(t, b.Close())

	b, err = Open(dir, testPassphrase, nil)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	got, _, err := b.Lookup(b.Root(), "persist.bin")
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.Equal(t, bytes.Repeat([]byte{0xab}, 10000), readFile(t, b, id))
}

func TestMultiBlockReadWrite(t *testing.T) {
	b, _ := openTestEngine(t)

	// Three full blocks plus a tail, with a recognizable pattern.
	data := make([]byte, 3*4096+123)
	for i := range data {
		data[i] = byte(i % 251)
	}
	id := writeFile(t, b, b.Root(), "big", data)
	assert.Equal(t, data, readFile(t, b, id))

	// Partial-block overwrite in the middle.
	f, err := b.OpenByID(id, ReadWrite())
	require.NoError(t, err)
	patch := bytes.Repeat([]byte{0xff}, 100)
	_, err = f.WriteAt(patch, 4000) // spans blocks 0 and 1
	require.NoError(t, err)
	require.NoError(t, f.Close())

	copy(data[4000:], patch)
	assert.Equal(t, data, readFile(t, b, id))
}

func TestSparseWrite(t *testing.T) {
	b, dir := openTestEngine(t)

	f, err := b.OpenFile(b.Root(), "s", CreateRW(), 0o644, 0, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("Z"), 8192)
	require.NoError(t, err)
	id := f.ID()
	require.NoError(t, f.Close())

	ino, err := b.GetAttr(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(8193), ino.Size)

	// The hole reads as zeros.
	f, err = b.OpenByID(id, ReadOnly())
	require.NoError(t, err)
	buf := make([]byte, 8192)
	n, err := f.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 8192, n)
	assert.Equal(t, make([]byte, 8192), buf)

	one := make([]byte, 1)
	n, err = f.ReadAt(one, 8192)
	if err != nil {
		require.ErrorIs(t, err, io.EOF)
	}
	require.Equal(t, 1, n)
	assert.Equal(t, []byte("Z"), one)
	require.NoError(t, f.Close())

	// At the blob layer the first two records are hole records: their
	// header IVs are all zero.
	layout := crypto.NewLayout(crypto.CipherAES256GCM, 4096)
	raw := readRawBlob(t, dir, id)
	require.GreaterOrEqual(t, uint64(len(raw)), 3*layout.RecordSize())
	for rec := uint64(0); rec < 2; rec++ {
		header := raw[rec*layout.RecordSize() : rec*layout.RecordSize()+uint64(layout.NonceSize)]
		assert.True(t, crypto.IsZero(header), "record %d must be a hole", rec)
	}
	header := raw[2*layout.RecordSize() : 2*layout.RecordSize()+uint64(layout.NonceSize)]
	assert.False(t, crypto.IsZero(header), "record 2 carries data")
}

// readRawBlob reads a blob's ciphertext straight from the default
// LocalDir layout.
func readRawBlob(t *testing.T, dataDir string, id metadata.FileID) []byte {
	t.Helper()
	name := name16(uint64(id))
	data, err := os.ReadFile(filepath.Join(dataDir, "blobs", name[:2], name))
	require.NoError(t, err)
	return data
}

func name16(v uint64) string {
	const digits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf)
}

func TestCorruptionIsScopedToBlock(t *testing.T) {
	b, dir := openTestEngine(t)

	f, err := b.OpenFile(b.Root(), "s", CreateRW(), 0o644, 0, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("A"), 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("Z"), 8192)
	require.NoError(t, err)
	id := f.ID()
	require.NoError(t, f.Close())

	// Flip one ciphertext byte inside block 0 at the blob layer.
	layout := crypto.NewLayout(crypto.CipherAES256GCM, 4096)
	path := filepath.Join(dir, "blobs", name16(uint64(id))[:2], name16(uint64(id)))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[layout.NonceSize+10] ^= 0x01
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	f, err = b.OpenByID(id, ReadOnly())
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	one := make([]byte, 1)
	_, err = f.ReadAt(one, 0)
	assert.True(t, metadata.IsCode(err, metadata.ErrDataCorruption), "got %v", err)

	// Other blocks remain readable.
	n, err := f.ReadAt(one, 8192)
	if err != nil {
		require.ErrorIs(t, err, io.EOF)
	}
	require.Equal(t, 1, n)
	assert.Equal(t, []byte("Z"), one)
}

func TestTruncate(t *testing.T) {
	b, _ := openTestEngine(t)

	data := bytes.Repeat([]byte{0x5a}, 10000)
	id := writeFile(t, b, b.Root(), "t", data)

	f, err := b.OpenByID(id, ReadWrite())
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	// Shrink mid-block.
	require.NoError(t, f.Truncate(5000))
	ino, err := f.Metadata()
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), ino.Size)
	assert.Equal(t, data[:5000], readFile(t, b, id))

	// Reads past the new end return nothing.
	buf := make([]byte, 10)
	_, err = f.ReadAt(buf, 5000)
	assert.ErrorIs(t, err, io.EOF)

	// Grow back: the re-exposed region reads as zeros.
	require.NoError(t, f.Truncate(9000))
	got := readFile(t, b, id)
	assert.Equal(t, data[:5000], got[:5000])
	assert.Equal(t, make([]byte, 4000), got[5000:])

	// Truncate to zero.
	require.NoError(t, f.Truncate(0))
	assert.Empty(t, readFile(t, b, id))
}

func TestAppendMode(t *testing.T) {
	b, _ := openTestEngine(t)

	id := writeFile(t, b, b.Root(), "log", []byte("one\n"))

	f, err := b.OpenByID(id, OpenOptions{Write: true, Append: true})
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("two\n"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.Equal(t, []byte("one\ntwo\n"), readFile(t, b, id))
}

func TestHardLinkSemantics(t *testing.T) {
	b, _ := openTestEngine(t)

	id := writeFile(t, b, b.Root(), "a", nil)

	_, err := b.Link(id, b.Root(), "b")
	require.NoError(t, err)

	for _, name := range []string{"a", "b"} {
		got, _, err := b.Lookup(b.Root(), name)
		require.NoError(t, err)
		ino, err := b.GetAttr(got)
		require.NoError(t, err)
		assert.Equal(t, id, got)
		assert.Equal(t, uint32(2), ino.NLink, name)
	}

	require.NoError(t, b.Unlink(b.Root(), "a"))

	ino, err := b.GetAttr(id)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), ino.NLink)

	_, _, err = b.Lookup(b.Root(), "a")
	assert.True(t, metadata.IsCode(err, metadata.ErrNotFound))

	// Content still reachable through the surviving link.
	_, _, err = b.Lookup(b.Root(), "b")
	require.NoError(t, err)
}

func TestLinkDirectoryForbidden(t *testing.T) {
	b, _ := openTestEngine(t)

	dir, err := b.Mkdir(b.Root(), "d", 0o755, 0, 0)
	require.NoError(t, err)

	_, err = b.Link(dir.ID, b.Root(), "d2")
	assert.True(t, metadata.IsCode(err, metadata.ErrPermissionDenied))
}

func TestUnlinkDirectoryRejected(t *testing.T) {
	b, _ := openTestEngine(t)

	_, err := b.Mkdir(b.Root(), "d", 0o755, 0, 0)
	require.NoError(t, err)

	err = b.Unlink(b.Root(), "d")
	assert.True(t, metadata.IsCode(err, metadata.ErrIsDirectory))
}

func TestRmdir(t *testing.T) {
	b, _ := openTestEngine(t)

	dir, err := b.Mkdir(b.Root(), "d", 0o755, 0, 0)
	require.NoError(t, err)

	writeFile(t, b, dir.ID, "child", []byte("x"))

	err = b.Rmdir(b.Root(), "d")
	assert.True(t, metadata.IsCode(err, metadata.ErrDirectoryNotEmpty))

	require.NoError(t, b.Unlink(dir.ID, "child"))
	require.NoError(t, b.Rmdir(b.Root(), "d"))

	_, _, err = b.Lookup(b.Root(), "d")
	assert.True(t, metadata.IsCode(err, metadata.ErrNotFound))
}

func TestRenameBasics(t *testing.T) {
	b, _ := openTestEngine(t)

	id := writeFile(t, b, b.Root(), "old", []byte("data"))

	// Rename onto itself is a no-op.
	require.NoError(t, b.Rename(b.Root(), "old", b.Root(), "old"))

	require.NoError(t, b.Rename(b.Root(), "old", b.Root(), "new"))
	got, _, err := b.Lookup(b.Root(), "new")
	require.NoError(t, err)
	assert.Equal(t, id, got)
	_, _, err = b.Lookup(b.Root(), "old")
	assert.True(t, metadata.IsCode(err, metadata.ErrNotFound))
}

func TestRenameReplacesExistingFile(t *testing.T) {
	b, _ := openTestEngine(t)

	dir, err := b.Mkdir(b.Root(), "d", 0o755, 0, 0)
	require.NoError(t, err)

	writeFile(t, b, dir.ID, "x", []byte("1"))
	yID := writeFile(t, b, b.Root(), "y", []byte("2"))

	require.NoError(t, b.Rename(b.Root(), "y", dir.ID, "x"))

	got, _, err := b.Lookup(dir.ID, "x")
	require.NoError(t, err)
	assert.Equal(t, yID, got)
	assert.Equal(t, []byte("2"), readFile(t, b, got))

	_, _, err = b.Lookup(b.Root(), "y")
	assert.True(t, metadata.IsCode(err, metadata.ErrNotFound))
}

func TestRenameKindMismatch(t *testing.T) {
	b, _ := openTestEngine(t)

	_, err := b.Mkdir(b.Root(), "d", 0o755, 0, 0)
	require.NoError(t, err)
	writeFile(t, b, b.Root(), "f", []byte("x"))

	err = b.Rename(b.Root(), "f", b.Root(), "d")
	assert.True(t, metadata.IsCode(err, metadata.ErrIsDirectory))

	err = b.Rename(b.Root(), "d", b.Root(), "f")
	assert.True(t, metadata.IsCode(err, metadata.ErrNotDirectory))
}

func TestRenameReplacesEmptyDirectoryOnly(t *testing.T) {
	b, _ := openTestEngine(t)

	d1, err := b.Mkdir(b.Root(), "d1", 0o755, 0, 0)
	require.NoError(t, err)
	_, err = b.Mkdir(b.Root(), "d2", 0o755, 0, 0)
	require.NoError(t, err)

	writeFile(t, b, d1.ID, "junk", nil)

	// Replacing the non-empty d1 fails; replacing the empty d2 works.
	err = b.Rename(b.Root(), "d2", b.Root(), "d1")
	assert.True(t, metadata.IsCode(err, metadata.ErrDirectoryNotEmpty))

	require.NoError(t, b.Unlink(d1.ID, "junk"))
	require.NoError(t, b.Rename(b.Root(), "d2", b.Root(), "d1"))
}

func TestRenameIntoDescendantRejected(t *testing.T) {
	b, _ := openTestEngine(t)

	a, err := b.Mkdir(b.Root(), "a", 0o755, 0, 0)
	require.NoError(t, err)
	bdir, err := b.Mkdir(a.ID, "b", 0o755, 0, 0)
	require.NoError(t, err)

	err = b.Rename(b.Root(), "a", bdir.ID, "a")
	assert.True(t, metadata.IsCode(err, metadata.ErrInvalidName))

	// Moving into itself is also rejected.
	err = b.Rename(b.Root(), "a", a.ID, "a2")
	assert.True(t, metadata.IsCode(err, metadata.ErrInvalidName))
}

func TestRenameDirectoryUpdatesParentPointer(t *testing.T) {
	b, _ := openTestEngine(t)

	a, err := b.Mkdir(b.Root(), "a", 0o755, 0, 0)
	require.NoError(t, err)
	c, err := b.Mkdir(b.Root(), "c", 0o755, 0, 0)
	require.NoError(t, err)

	require.NoError(t, b.Rename(b.Root(), "a", c.ID, "a"))

	// A subsequent descendant check must see the new lineage: moving c
	// under the relocated a is a cycle.
	err = b.Rename(b.Root(), "c", a.ID, "c")
	assert.True(t, metadata.IsCode(err, metadata.ErrInvalidName))
}

func TestReadDir(t *testing.T) {
	b, _ := openTestEngine(t)

	writeFile(t, b, b.Root(), "file1", nil)
	writeFile(t, b, b.Root(), "file2", nil)
	_, err := b.Mkdir(b.Root(), "sub", 0o755, 0, 0)
	require.NoError(t, err)

	entries, err := b.ReadDir(b.Root())
	require.NoError(t, err)

	names := make(map[string]metadata.FileKind)
	for _, e := range entries {
		names[e.Name] = e.Kind
	}
	assert.Equal(t, map[string]metadata.FileKind{
		"file1": metadata.KindRegular,
		"file2": metadata.KindRegular,
		"sub":   metadata.KindDirectory,
	}, names)

	_, err = b.ReadDir(entries[0].Child)
	if entries[0].Kind != metadata.KindDirectory {
		assert.True(t, metadata.IsCode(err, metadata.ErrNotDirectory))
	}
}

func TestSymlinkResolution(t *testing.T) {
	b, _ := openTestEngine(t)

	dir, err := b.Mkdir(b.Root(), "d", 0o755, 0, 0)
	require.NoError(t, err)
	id := writeFile(t, b, dir.ID, "target", []byte("via link"))

	link, err := b.Symlink("/d/target", b.Root(), "ln", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(len("/d/target")), link.Size)

	got, err := b.ReadLink(link.ID)
	require.NoError(t, err)
	assert.Equal(t, "/d/target", got)

	resolved, err := b.Resolve("/ln")
	require.NoError(t, err)
	assert.Equal(t, id, resolved)

	// Relative target resolution.
	_, err = b.Symlink("target", dir.ID, "rel", 0, 0)
	require.NoError(t, err)
	resolved, err = b.Resolve("/d/rel")
	require.NoError(t, err)
	assert.Equal(t, id, resolved)
}

func TestSymlinkLoopDetected(t *testing.T) {
	b, _ := openTestEngine(t)

	_, err := b.Symlink("/b", b.Root(), "a", 0, 0)
	require.NoError(t, err)
	_, err = b.Symlink("/a", b.Root(), "b", 0, 0)
	require.NoError(t, err)

	_, err = b.Resolve("/a")
	assert.True(t, metadata.IsCode(err, metadata.ErrLoopDetected))
}

func TestResolveParent(t *testing.T) {
	b, _ := openTestEngine(t)

	a, err := b.Mkdir(b.Root(), "a", 0o755, 0, 0)
	require.NoError(t, err)
	_, err = b.Mkdir(a.ID, "b", 0o755, 0, 0)
	require.NoError(t, err)

	parent, name, err := b.ResolveParent("/a/b/c.txt")
	require.NoError(t, err)
	bID, _, _ := b.Lookup(a.ID, "b")
	assert.Equal(t, bID, parent)
	assert.Equal(t, "c.txt", name)

	parent, name, err = b.ResolveParent("/")
	require.NoError(t, err)
	assert.Equal(t, b.Root(), parent)
	assert.Empty(t, name)

	_, _, err = b.ResolveParentNonRoot("/")
	assert.True(t, metadata.IsCode(err, metadata.ErrInvalidName))
}

func TestInvalidNames(t *testing.T) {
	b, _ := openTestEngine(t)

	for _, name := range []string{"", ".", "..", "a/b", "nul\x00byte"} {
		_, err := b.Mkdir(b.Root(), name, 0o755, 0, 0)
		assert.True(t, metadata.IsCode(err, metadata.ErrInvalidName), "name %q", name)
	}
}

func TestNameTooLong(t *testing.T) {
	b, _ := openTestEngine(t)

	long := bytes.Repeat([]byte("x"), MaxEncryptedNameLen+1)
	_, err := b.Mkdir(b.Root(), string(long), 0o755, 0, 0)
	assert.True(t, metadata.IsCode(err, metadata.ErrNameTooLong))
}

func TestOrphanDeletionOnClose(t *testing.T) {
	b, dir := openTestEngine(t)

	id := writeFile(t, b, b.Root(), "doomed", []byte("still here"))

	f, err := b.OpenByID(id, ReadOnly())
	require.NoError(t, err)

	require.NoError(t, b.Unlink(b.Root(), "doomed"))

	// The open handle pins the inode: content is still readable.
	buf := make([]byte, 10)
	n, err := f.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("still here"), buf[:n])

	ino, err := b.GetAttr(id)
	require.NoError(t, err)
	assert.True(t, ino.Orphan())
	assert.Zero(t, ino.NLink)

	require.NoError(t, f.Close())

	// Inode and blob are gone.
	_, err = b.GetAttr(id)
	assert.True(t, metadata.IsCode(err, metadata.ErrNotFound))
	_, err = os.Stat(filepath.Join(dir, "blobs", name16(uint64(id))[:2], name16(uint64(id))))
	assert.True(t, os.IsNotExist(err))
}

func TestOrphanCollectedAtMount(t *testing.T) {
	dir := createTestStore(t, CreateOptions{})

	b, err := Open(dir, testPassphrase, nil)
	require.NoError(t, err)

	id := writeFile(t, b, b.Root(), "doomed", []byte("x"))
	f, err := b.OpenByID(id, ReadOnly())
	require.NoError(t, err)
	require.NoError(t, b.Unlink(b.Root(), "doomed"))

	// Simulate a crash: close the engine with the handle still open.
	// The file is never deleted because Close never runs for it.
	_ = f
	require.NoError(t, b.Close())

	b, err = Open(dir, testPassphrase, nil)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	_, err = b.GetAttr(id)
	assert.True(t, metadata.IsCode(err, metadata.ErrNotFound), "mount-time sweep must collect the orphan")
}

func TestXattrs(t *testing.T) {
	b, _ := openTestEngine(t)

	id := writeFile(t, b, b.Root(), "f", nil)

	require.NoError(t, b.SetXattr(id, "user.tag", []byte("v1"), XattrAny))

	value, err := b.GetXattr(id, "user.tag")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)

	err = b.SetXattr(id, "user.tag", []byte("v2"), XattrCreate)
	assert.True(t, metadata.IsCode(err, metadata.ErrAlreadyExists))

	require.NoError(t, b.SetXattr(id, "user.tag", []byte("v2"), XattrReplace))
	value, err = b.GetXattr(id, "user.tag")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), value)

	err = b.SetXattr(id, "user.other", []byte("x"), XattrReplace)
	assert.True(t, metadata.IsCode(err, metadata.ErrNotFound))

	require.NoError(t, b.SetXattr(id, "user.other", []byte("x"), XattrAny))
	names, err := b.ListXattr(id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user.tag", "user.other"}, names)

	require.NoError(t, b.RemoveXattr(id, "user.other"))
	err = b.RemoveXattr(id, "user.other")
	assert.True(t, metadata.IsCode(err, metadata.ErrNotFound))
}

func TestSetattr(t *testing.T) {
	b, _ := openTestEngine(t)

	id := writeFile(t, b, b.Root(), "f", nil)

	require.NoError(t, b.SetPerm(id, 0o600))
	require.NoError(t, b.SetOwner(id, 1000, 1000))
	require.NoError(t, b.SetTimes(id, 111, 222))

	ino, err := b.GetAttr(id)
	require.NoError(t, err)
	assert.Equal(t, uint32(0o600), ino.Perm)
	assert.Equal(t, uint32(1000), ino.UID)
	assert.Equal(t, uint32(1000), ino.GID)
	assert.Equal(t, int64(111), ino.Atime)
	assert.Equal(t, int64(222), ino.Mtime)
}

func TestReadOnlyEngine(t *testing.T) {
	dir := createTestStore(t, CreateOptions{})

	b, err := Open(dir, testPassphrase, nil)
	require.NoError(t, err)
	writeFile(t, b, b.Root(), "f", []byte("x"))
	require.NoError(t, b.Close())

	b, err = Open(dir, testPassphrase, &Options{ReadOnly: true})
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	_, err = b.Mkdir(b.Root(), "d", 0o755, 0, 0)
	assert.True(t, metadata.IsCode(err, metadata.ErrReadOnly))

	err = b.Unlink(b.Root(), "f")
	assert.True(t, metadata.IsCode(err, metadata.ErrReadOnly))

	// Reading still works.
	id, _, err := b.Lookup(b.Root(), "f")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), readFile(t, b, id))
}

func TestXChaChaCipherStore(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Create(dir, testPassphrase, CreateOptions{
		Cipher: crypto.CipherXChaCha20Poly1305,
		KDF:    testKDF,
	}))

	b, err := Open(dir, testPassphrase, nil)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	assert.Equal(t, crypto.CipherXChaCha20Poly1305, b.Superblock().ContentCipher)

	data := bytes.Repeat([]byte{0x42}, 9000)
	id := writeFile(t, b, b.Root(), "f", data)
	assert.Equal(t, data, readFile(t, b, id))
}

func TestPlaintextNamesStore(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Create(dir, testPassphrase, CreateOptions{
		PlaintextNames: true,
		KDF:            testKDF,
	}))

	b, err := Open(dir, testPassphrase, nil)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	assert.False(t, b.Superblock().EncryptNames)
	writeFile(t, b, b.Root(), "visible.txt", []byte("x"))

	entries, err := b.ReadDir(b.Root())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "visible.txt", entries[0].Name)
}

func TestKVBlobStack(t *testing.T) {
	dir := createTestStore(t, CreateOptions{})

	builder := func(db *kvdb.DB, recordSize uint64, dataDir string) (blob.Store, error) {
		clustered, err := blob.NewClustered(blob.NewKVBlob(db), db, 4, recordSize)
		if err != nil {
			return nil, err
		}
		return blob.NewTracking(clustered, db), nil
	}

	b, err := Open(dir, testPassphrase, &Options{BlobStore: builder})
	require.NoError(t, err)

	data := bytes.Repeat([]byte{0x77}, 3*4096+50)
	id := writeFile(t, b, b.Root(), "f", data)
	assert.Equal(t, data, readFile(t, b, id))

	// Overwrite through truncate-on-open.
	id2 := writeFile(t, b, b.Root(), "f", []byte("short"))
	assert.Equal(t, id, id2)
	assert.Equal(t, []byte("short"), readFile(t, b, id))

	require.NoError(t, b.Unlink(b.Root(), "f"))
	require.NoError(t, b.Close())

	// Everything survives a remount on the same stack.
	b, err = Open(dir, testPassphrase, &Options{BlobStore: builder})
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	id3 := writeFile(t, b, b.Root(), "g", []byte("again"))
	assert.Equal(t, []byte("again"), readFile(t, b, id3))
}

func TestOpenRejectsMetaLessBlobStack(t *testing.T) {
	dir := createTestStore(t, CreateOptions{})

	builder := func(db *kvdb.DB, recordSize uint64, dataDir string) (blob.Store, error) {
		// Clustered without Tracking cannot serve the engine.
		return blob.NewClustered(blob.NewKVBlob(db), db, 4, recordSize)
	}

	_, err := Open(dir, testPassphrase, &Options{BlobStore: builder})
	assert.True(t, metadata.IsCode(err, metadata.ErrUnsupported))
}

func TestStatFs(t *testing.T) {
	b, _ := openTestEngine(t)

	writeFile(t, b, b.Root(), "f", nil)

	st, err := b.StatFs()
	require.NoError(t, err)
	assert.Equal(t, uint32(4096), st.BlockSize)
	assert.Equal(t, uint64(2), st.Files) // root + f
}

func TestBlobLengthMatchesRecords(t *testing.T) {
	b, dir := openTestEngine(t)

	layout := crypto.NewLayout(crypto.CipherAES256GCM, 4096)
	tests := []struct {
		name string
		size int
	}{
		{"one byte", 1},
		{"one block", 4096},
		{"block and a bit", 4097},
		{"three blocks", 12288},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := writeFile(t, b, b.Root(), tt.name, bytes.Repeat([]byte{1}, tt.size))
			raw := readRawBlob(t, dir, id)
			assert.Equal(t, layout.CiphertextSize(uint64(tt.size)), uint64(len(raw)))
		})
	}
}
