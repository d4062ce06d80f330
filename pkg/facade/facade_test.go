package facade_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bijoufs/bijou/pkg/crypto"
	"github.com/bijoufs/bijou/pkg/facade"
	"github.com/bijoufs/bijou/pkg/fs"
	"github.com/bijoufs/bijou/pkg/store/metadata"
)

var testKDF = crypto.Argon2idParams{Memory: 64, Time: 1, Parallelism: 1}

func openTestFs(t *testing.T) *facade.BijouFs {
	t.Helper()
	dir := t.TempDir()
	passphrase := []byte("pw")
	require.NoError(t, fs.Create(dir, passphrase, fs.CreateOptions{KDF: testKDF}))
	engine, err := fs.Open(dir, passphrase, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return facade.New(engine)
}

func TestWriteReadFile(t *testing.T) {
	bfs := openTestFs(t)

	require.NoError(t, bfs.WriteFile("/hello.txt", []byte("Hi"), 0o644))

	data, err := bfs.ReadFile("/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("Hi"), data)

	ino, err := bfs.Stat("/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ino.Size)

	// Overwrite truncates.
	require.NoError(t, bfs.WriteFile("/hello.txt", []byte("x"), 0o644))
	data, err = bfs.ReadFile("/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
}

func TestReadFileMissing(t *testing.T) {
	bfs := openTestFs(t)

	_, err := bfs.ReadFile("/absent")
	assert.True(t, metadata.IsCode(err, metadata.ErrNotFound))
}

func TestEmptyFile(t *testing.T) {
	bfs := openTestFs(t)

	require.NoError(t, bfs.WriteFile("/empty", nil, 0o644))
	data, err := bfs.ReadFile("/empty")
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestMkdirAll(t *testing.T) {
	bfs := openTestFs(t)

	require.NoError(t, bfs.MkdirAll("/a/b/c", 0o755))
	require.NoError(t, bfs.MkdirAll("/a/b/c", 0o755)) // idempotent

	ino, err := bfs.Stat("/a/b/c")
	require.NoError(t, err)
	assert.True(t, ino.IsDir())

	// A file in the way fails with NotDirectory.
	require.NoError(t, bfs.WriteFile("/a/b/file", nil, 0o644))
	err = bfs.MkdirAll("/a/b/file/d", 0o755)
	assert.True(t, metadata.IsCode(err, metadata.ErrNotDirectory))
}

func TestRemoveAll(t *testing.T) {
	bfs := openTestFs(t)

	require.NoError(t, bfs.MkdirAll("/tree/sub", 0o755))
	require.NoError(t, bfs.WriteFile("/tree/f1", []byte("1"), 0o644))
	require.NoError(t, bfs.WriteFile("/tree/sub/f2", []byte("2"), 0o644))

	require.NoError(t, bfs.RemoveAll("/tree"))

	_, err := bfs.Stat("/tree")
	assert.True(t, metadata.IsCode(err, metadata.ErrNotFound))

	// Removing a missing path succeeds.
	require.NoError(t, bfs.RemoveAll("/tree"))
}

func TestRenameIntoExistingDirectoryEntry(t *testing.T) {
	bfs := openTestFs(t)

	require.NoError(t, bfs.Mkdir("/d", 0o755))
	require.NoError(t, bfs.WriteFile("/d/x", []byte("1"), 0o644))
	require.NoError(t, bfs.WriteFile("/y", []byte("2"), 0o644))

	require.NoError(t, bfs.Rename("/y", "/d/x"))

	data, err := bfs.ReadFile("/d/x")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), data)

	_, err = bfs.Stat("/y")
	assert.True(t, metadata.IsCode(err, metadata.ErrNotFound))
}

func TestLinkAndUnlinkThroughPaths(t *testing.T) {
	bfs := openTestFs(t)

	require.NoError(t, bfs.WriteFile("/a", nil, 0o644))
	require.NoError(t, bfs.Link("/a", "/b"))

	for _, p := range []string{"/a", "/b"} {
		ino, err := bfs.Stat(p)
		require.NoError(t, err)
		assert.Equal(t, uint32(2), ino.NLink, p)
	}

	require.NoError(t, bfs.Remove("/a"))

	ino, err := bfs.Stat("/b")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), ino.NLink)

	_, err = bfs.Stat("/a")
	assert.True(t, metadata.IsCode(err, metadata.ErrNotFound))
}

func TestSymlinkFacade(t *testing.T) {
	bfs := openTestFs(t)

	require.NoError(t, bfs.WriteFile("/target", []byte("data"), 0o644))
	require.NoError(t, bfs.Symlink("/target", "/link"))

	got, err := bfs.ReadLink("/link")
	require.NoError(t, err)
	assert.Equal(t, "/target", got)

	// Stat follows, Lstat doesn't.
	ino, err := bfs.Stat("/link")
	require.NoError(t, err)
	assert.Equal(t, metadata.KindRegular, ino.Kind)

	lino, err := bfs.Lstat("/link")
	require.NoError(t, err)
	assert.Equal(t, metadata.KindSymlink, lino.Kind)

	data, err := bfs.ReadFile("/link")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)
}

func TestReadDirFacade(t *testing.T) {
	bfs := openTestFs(t)

	require.NoError(t, bfs.WriteFile("/f1", nil, 0o644))
	require.NoError(t, bfs.Mkdir("/d1", 0o755))

	entries, err := bfs.ReadDir("/")
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"d1", "f1"}, names)
}

func TestWalk(t *testing.T) {
	bfs := openTestFs(t)

	require.NoError(t, bfs.MkdirAll("/a/b", 0o755))
	require.NoError(t, bfs.WriteFile("/a/f", nil, 0o644))
	require.NoError(t, bfs.WriteFile("/a/b/g", nil, 0o644))

	var visited []string
	err := bfs.Walk("/a", func(name string, ino *metadata.Inode) error {
		visited = append(visited, name)
		return nil
	})
	require.NoError(t, err)
	sort.Strings(visited)
	assert.Equal(t, []string{"/a", "/a/b", "/a/b/g", "/a/f"}, visited)
}

func TestCreateUnlinkLeavesNoTrace(t *testing.T) {
	bfs := openTestFs(t)

	before, err := bfs.ReadDir("/")
	require.NoError(t, err)

	require.NoError(t, bfs.WriteFile("/tmp.bin", []byte("transient"), 0o644))
	require.NoError(t, bfs.Remove("/tmp.bin"))

	after, err := bfs.ReadDir("/")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	st, err := bfs.Engine().StatFs()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Files, "only the root inode remains")
}
