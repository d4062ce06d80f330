// Package facade provides BijouFs, the high-level path-oriented API
// over the filesystem engine.
//
// Every operation is a scripted sequence of engine calls; no invariant
// lives here. Paths are slash-separated and resolved from the root.
package facade

import (
	"path"
	"strings"

	"github.com/bijoufs/bijou/pkg/fs"
	"github.com/bijoufs/bijou/pkg/store/metadata"
)

// BijouFs wraps an engine with convenience operations.
type BijouFs struct {
	b *fs.Bijou
}

// New wraps an engine.
func New(b *fs.Bijou) *BijouFs {
	return &BijouFs{b: b}
}

// Engine exposes the wrapped engine for callers that need the
// id-oriented API.
func (f *BijouFs) Engine() *fs.Bijou {
	return f.b
}

// OpenFile opens a file at path with explicit options.
func (f *BijouFs) OpenFile(name string, opts fs.OpenOptions, perm uint32) (*fs.File, error) {
	if opts.Create || opts.CreateNew {
		parent, base, err := f.b.ResolveParentNonRoot(name)
		if err != nil {
			return nil, err
		}
		return f.b.OpenFile(parent, base, opts, perm, 0, 0)
	}
	id, err := f.b.Resolve(name)
	if err != nil {
		return nil, err
	}
	return f.b.OpenByID(id, opts)
}

// ReadFile returns the entire content of the file at path.
func (f *BijouFs) ReadFile(name string) ([]byte, error) {
	file, err := f.OpenFile(name, fs.ReadOnly(), 0)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	ino, err := file.Metadata()
	if err != nil {
		return nil, err
	}
	data := make([]byte, ino.Size)
	if len(data) == 0 {
		return data, nil
	}
	n, err := file.ReadAt(data, 0)
	return data[:n], err
}

// WriteFile replaces the content of the file at path, creating it if
// needed.
func (f *BijouFs) WriteFile(name string, data []byte, perm uint32) error {
	opts := fs.OpenOptions{Write: true, Create: true, Truncate: true}
	file, err := f.OpenFile(name, opts, perm)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		if _, err := file.WriteAt(data, 0); err != nil {
			_ = file.Close()
			return err
		}
	}
	return file.Close()
}

// Mkdir creates one directory.
func (f *BijouFs) Mkdir(name string, perm uint32) error {
	parent, base, err := f.b.ResolveParentNonRoot(name)
	if err != nil {
		return err
	}
	_, err = f.b.Mkdir(parent, base, perm, 0, 0)
	return err
}

// MkdirAll creates a directory and any missing parents. It succeeds if
// the directory already exists.
func (f *BijouFs) MkdirAll(name string, perm uint32) error {
	cur := f.b.Root()
	prefix := "/"

	for _, comp := range strings.Split(name, "/") {
		if comp == "" || comp == "." {
			continue
		}
		if comp == ".." {
			return &metadata.StoreError{Code: metadata.ErrInvalidName, Message: "parent references are not allowed here", Path: name}
		}

		child, kind, err := f.b.Lookup(cur, comp)
		switch {
		case err == nil:
			if kind == metadata.KindSymlink {
				child, err = f.b.Resolve(path.Join(prefix, comp))
				if err != nil {
					return err
				}
				ino, err := f.b.GetAttr(child)
				if err != nil {
					return err
				}
				kind = ino.Kind
			}
			if kind != metadata.KindDirectory {
				return &metadata.StoreError{Code: metadata.ErrNotDirectory, Message: "not a directory", Path: path.Join(prefix, comp)}
			}
		case metadata.IsCode(err, metadata.ErrNotFound):
			ino, err := f.b.Mkdir(cur, comp, perm, 0, 0)
			if err != nil {
				if metadata.IsCode(err, metadata.ErrAlreadyExists) {
					// Raced with a concurrent MkdirAll.
					child, _, err = f.b.Lookup(cur, comp)
					if err != nil {
						return err
					}
					cur = child
					prefix = path.Join(prefix, comp)
					continue
				}
				return err
			}
			child = ino.ID
		default:
			return err
		}

		cur = child
		prefix = path.Join(prefix, comp)
	}
	return nil
}

// Remove deletes a file, symlink or empty directory.
func (f *BijouFs) Remove(name string) error {
	parent, base, err := f.b.ResolveParentNonRoot(name)
	if err != nil {
		return err
	}
	_, kind, err := f.b.Lookup(parent, base)
	if err != nil {
		return err
	}
	if kind == metadata.KindDirectory {
		return f.b.Rmdir(parent, base)
	}
	return f.b.Unlink(parent, base)
}

// RemoveAll deletes a path and, for directories, everything below it.
// Removing a missing path succeeds.
func (f *BijouFs) RemoveAll(name string) error {
	parent, base, err := f.b.ResolveParentNonRoot(name)
	if metadata.IsCode(err, metadata.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	err = f.removeAll(parent, base)
	if metadata.IsCode(err, metadata.ErrNotFound) {
		return nil
	}
	return err
}

func (f *BijouFs) removeAll(parent metadata.FileID, name string) error {
	child, kind, err := f.b.Lookup(parent, name)
	if err != nil {
		return err
	}
	if kind != metadata.KindDirectory {
		return f.b.Unlink(parent, name)
	}

	err = f.b.Rmdir(parent, name)
	if !metadata.IsCode(err, metadata.ErrDirectoryNotEmpty) {
		return err
	}

	entries, err := f.b.ReadDir(child)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := f.removeAll(child, entry.Name); err != nil {
			return err
		}
	}
	return f.b.Rmdir(parent, name)
}

// Rename moves a file or directory, replacing an existing destination
// per the engine's rename semantics.
func (f *BijouFs) Rename(oldname, newname string) error {
	srcParent, srcBase, err := f.b.ResolveParentNonRoot(oldname)
	if err != nil {
		return err
	}
	dstParent, dstBase, err := f.b.ResolveParentNonRoot(newname)
	if err != nil {
		return err
	}
	return f.b.Rename(srcParent, srcBase, dstParent, dstBase)
}

// Link creates newname as a hard link to the file at oldname.
func (f *BijouFs) Link(oldname, newname string) error {
	target, err := f.b.Resolve(oldname)
	if err != nil {
		return err
	}
	parent, base, err := f.b.ResolveParentNonRoot(newname)
	if err != nil {
		return err
	}
	_, err = f.b.Link(target, parent, base)
	return err
}

// Symlink creates linkname pointing at target.
func (f *BijouFs) Symlink(target, linkname string) error {
	parent, base, err := f.b.ResolveParentNonRoot(linkname)
	if err != nil {
		return err
	}
	_, err = f.b.Symlink(target, parent, base, 0, 0)
	return err
}

// ReadLink returns the target of the symlink at path.
func (f *BijouFs) ReadLink(name string) (string, error) {
	parent, base, err := f.b.ResolveParentNonRoot(name)
	if err != nil {
		return "", err
	}
	id, _, err := f.b.Lookup(parent, base)
	if err != nil {
		return "", err
	}
	return f.b.ReadLink(id)
}

// Stat returns the inode at path, following symlinks.
func (f *BijouFs) Stat(name string) (*metadata.Inode, error) {
	id, err := f.b.Resolve(name)
	if err != nil {
		return nil, err
	}
	return f.b.GetAttr(id)
}

// Lstat returns the inode at path without following a final symlink.
func (f *BijouFs) Lstat(name string) (*metadata.Inode, error) {
	parent, base, err := f.b.ResolveParent(name)
	if err != nil {
		return nil, err
	}
	if base == "" {
		return f.b.GetAttr(f.b.Root())
	}
	id, _, err := f.b.Lookup(parent, base)
	if err != nil {
		return nil, err
	}
	return f.b.GetAttr(id)
}

// ReadDir lists the directory at path.
func (f *BijouFs) ReadDir(name string) ([]metadata.DirEntry, error) {
	id, err := f.b.Resolve(name)
	if err != nil {
		return nil, err
	}
	return f.b.ReadDir(id)
}

// Walk visits root and every path below it depth-first, calling fn
// with the full path and inode of each object. Symlinks are reported,
// not followed.
func (f *BijouFs) Walk(root string, fn func(name string, ino *metadata.Inode) error) error {
	ino, err := f.Lstat(root)
	if err != nil {
		return err
	}
	return f.walk(path.Clean("/"+root), ino, fn)
}

func (f *BijouFs) walk(name string, ino *metadata.Inode, fn func(string, *metadata.Inode) error) error {
	if err := fn(name, ino); err != nil {
		return err
	}
	if !ino.IsDir() {
		return nil
	}
	entries, err := f.b.ReadDir(ino.ID)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		child, err := f.b.GetAttr(entry.Child)
		if err != nil {
			return err
		}
		if err := f.walk(path.Join(name, entry.Name), child, fn); err != nil {
			return err
		}
	}
	return nil
}
