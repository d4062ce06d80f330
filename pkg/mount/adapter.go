// Package mount provides the host-side adapter contract: the surface a
// FUSE (or similar) bridge drives the engine through.
//
// The adapter owns the translation from kernel file handles (plain
// uint64s) to open engine files, and nothing else. The kernel transport
// itself, errno mapping included, lives with the host bridge; this
// package only exposes the inward-facing operations.
package mount

import (
	"sync"
	"sync/atomic"

	"github.com/bijoufs/bijou/pkg/fs"
	"github.com/bijoufs/bijou/pkg/store/metadata"
)

// Adapter maps handle-indexed host operations onto one engine.
//
// All methods are safe for concurrent use.
type Adapter struct {
	engine *fs.Bijou

	nextHandle atomic.Uint64
	handles    sync.Map // uint64 -> *fs.File
}

// New creates an adapter over engine.
func New(engine *fs.Bijou) *Adapter {
	return &Adapter{engine: engine}
}

// Engine exposes the wrapped engine.
func (a *Adapter) Engine() *fs.Bijou {
	return a.engine
}

func (a *Adapter) file(fh uint64) (*fs.File, error) {
	v, ok := a.handles.Load(fh)
	if !ok {
		return nil, &metadata.StoreError{Code: metadata.ErrNotFound, Message: "unknown file handle"}
	}
	return v.(*fs.File), nil
}

// ============================================================================
// Node operations
// ============================================================================

// Lookup resolves one name under a directory.
func (a *Adapter) Lookup(parent metadata.FileID, name string) (*metadata.Inode, error) {
	child, _, err := a.engine.Lookup(parent, name)
	if err != nil {
		return nil, err
	}
	return a.engine.GetAttr(child)
}

// Getattr returns the attributes of id.
func (a *Adapter) Getattr(id metadata.FileID) (*metadata.Inode, error) {
	return a.engine.GetAttr(id)
}

// SetattrRequest selects which attributes Setattr applies.
type SetattrRequest struct {
	Perm  *uint32
	UID   *uint32
	GID   *uint32
	Size  *uint64
	Atime *int64
	Mtime *int64
}

// Setattr applies the selected attribute changes and returns the
// resulting attributes.
func (a *Adapter) Setattr(id metadata.FileID, req SetattrRequest) (*metadata.Inode, error) {
	if req.Perm != nil {
		if err := a.engine.SetPerm(id, *req.Perm); err != nil {
			return nil, err
		}
	}
	if req.UID != nil || req.GID != nil {
		cur, err := a.engine.GetAttr(id)
		if err != nil {
			return nil, err
		}
		uid, gid := cur.UID, cur.GID
		if req.UID != nil {
			uid = *req.UID
		}
		if req.GID != nil {
			gid = *req.GID
		}
		if err := a.engine.SetOwner(id, uid, gid); err != nil {
			return nil, err
		}
	}
	if req.Size != nil {
		file, err := a.engine.OpenByID(id, fs.OpenOptions{Write: true})
		if err != nil {
			return nil, err
		}
		err = file.Truncate(*req.Size)
		if cerr := file.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, err
		}
	}
	if req.Atime != nil || req.Mtime != nil {
		cur, err := a.engine.GetAttr(id)
		if err != nil {
			return nil, err
		}
		atime, mtime := cur.Atime, cur.Mtime
		if req.Atime != nil {
			atime = *req.Atime
		}
		if req.Mtime != nil {
			mtime = *req.Mtime
		}
		if err := a.engine.SetTimes(id, atime, mtime); err != nil {
			return nil, err
		}
	}
	return a.engine.GetAttr(id)
}

// Mkdir creates a directory.
func (a *Adapter) Mkdir(parent metadata.FileID, name string, perm, uid, gid uint32) (*metadata.Inode, error) {
	return a.engine.Mkdir(parent, name, perm, uid, gid)
}

// Rmdir removes an empty directory.
func (a *Adapter) Rmdir(parent metadata.FileID, name string) error {
	return a.engine.Rmdir(parent, name)
}

// Unlink removes a non-directory entry.
func (a *Adapter) Unlink(parent metadata.FileID, name string) error {
	return a.engine.Unlink(parent, name)
}

// Rename moves an entry.
func (a *Adapter) Rename(srcParent metadata.FileID, srcName string, dstParent metadata.FileID, dstName string) error {
	return a.engine.Rename(srcParent, srcName, dstParent, dstName)
}

// Link creates a hard link.
func (a *Adapter) Link(target, parent metadata.FileID, name string) (*metadata.Inode, error) {
	return a.engine.Link(target, parent, name)
}

// Symlink creates a symbolic link.
func (a *Adapter) Symlink(target string, parent metadata.FileID, name string, uid, gid uint32) (*metadata.Inode, error) {
	return a.engine.Symlink(target, parent, name, uid, gid)
}

// Readlink reads a symlink's target.
func (a *Adapter) Readlink(id metadata.FileID) (string, error) {
	return a.engine.ReadLink(id)
}

// ReadDir lists a directory.
func (a *Adapter) ReadDir(id metadata.FileID) ([]metadata.DirEntry, error) {
	return a.engine.ReadDir(id)
}

// Statfs returns filesystem statistics.
func (a *Adapter) Statfs() (*fs.StatFS, error) {
	return a.engine.StatFs()
}

// ============================================================================
// Handle operations
// ============================================================================

// Create creates and opens a file, returning its attributes and handle.
func (a *Adapter) Create(parent metadata.FileID, name string, perm, uid, gid uint32) (*metadata.Inode, uint64, error) {
	file, err := a.engine.OpenFile(parent, name, fs.OpenOptions{Read: true, Write: true, Create: true}, perm, uid, gid)
	if err != nil {
		return nil, 0, err
	}
	ino, err := file.Metadata()
	if err != nil {
		_ = file.Close()
		return nil, 0, err
	}
	return ino, a.register(file), nil
}

// Open opens an existing file by id and returns its handle.
func (a *Adapter) Open(id metadata.FileID, opts fs.OpenOptions) (uint64, error) {
	file, err := a.engine.OpenByID(id, opts)
	if err != nil {
		return 0, err
	}
	return a.register(file), nil
}

func (a *Adapter) register(file *fs.File) uint64 {
	fh := a.nextHandle.Add(1)
	a.handles.Store(fh, file)
	return fh
}

// Read reads up to len(p) bytes at offset off through a handle.
func (a *Adapter) Read(fh uint64, p []byte, off uint64) (int, error) {
	file, err := a.file(fh)
	if err != nil {
		return 0, err
	}
	return file.ReadAt(p, off)
}

// Write writes p at offset off through a handle.
func (a *Adapter) Write(fh uint64, p []byte, off uint64) (int, error) {
	file, err := a.file(fh)
	if err != nil {
		return 0, err
	}
	return file.WriteAt(p, off)
}

// Flush syncs buffered content for a handle.
func (a *Adapter) Flush(fh uint64) error {
	file, err := a.file(fh)
	if err != nil {
		return err
	}
	return file.Sync()
}

// Release closes a handle. The last release of an unlinked file
// triggers its deletion.
func (a *Adapter) Release(fh uint64) error {
	file, err := a.file(fh)
	if err != nil {
		return err
	}
	a.handles.Delete(fh)
	return file.Close()
}

// ============================================================================
// Xattr operations
// ============================================================================

// Getxattr reads one extended attribute.
func (a *Adapter) Getxattr(id metadata.FileID, name string) ([]byte, error) {
	return a.engine.GetXattr(id, name)
}

// Setxattr writes one extended attribute.
func (a *Adapter) Setxattr(id metadata.FileID, name string, value []byte, flag fs.XattrFlag) error {
	return a.engine.SetXattr(id, name, value, flag)
}

// Listxattr lists attribute names.
func (a *Adapter) Listxattr(id metadata.FileID) ([]string, error) {
	return a.engine.ListXattr(id)
}

// Removexattr removes one extended attribute.
func (a *Adapter) Removexattr(id metadata.FileID, name string) error {
	return a.engine.RemoveXattr(id, name)
}
