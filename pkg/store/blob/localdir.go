package blob

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bijoufs/bijou/pkg/store/metadata"
)

// LocalDir stores each blob as one file under a root directory.
//
// A blob for file id 0xa1...ff maps to the path "a1/<16 hex chars>":
// the first path component is the two hex digits of the id's highest
// byte, fanning blobs out over at most 256 subdirectories. Metadata is
// native: size from stat, times from the host filesystem.
type LocalDir struct {
	root       string
	recordSize uint64
}

// NewLocalDir creates a LocalDir store rooted at root, creating the
// directory if needed. recordSize is the stride of record I/O.
func NewLocalDir(root string, recordSize uint64) (*LocalDir, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("blob: creating local root %s: %w", root, err)
	}
	return &LocalDir{root: root, recordSize: recordSize}, nil
}

// path maps id to its blob path, creating the fan-out directory.
func (l *LocalDir) path(id metadata.FileID) (string, error) {
	name := fmt.Sprintf("%016x", uint64(id))
	dir := filepath.Join(l.root, name[:2])
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("blob: creating fan-out dir %s: %w", dir, err)
	}
	return filepath.Join(dir, name), nil
}

// Create creates an empty blob file. Idempotent.
func (l *LocalDir) Create(id metadata.FileID) error {
	path, err := l.path(id)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("blob: creating local blob %d: %w", id, err)
	}
	return f.Close()
}

// Open opens the blob file for record I/O.
func (l *LocalDir) Open(id metadata.FileID, flags Flags) (File, error) {
	path, err := l.path(id)
	if err != nil {
		return nil, err
	}

	osflags := 0
	switch {
	case flags.Has(FlagRead | FlagWrite):
		osflags = os.O_RDWR
	case flags.Has(FlagWrite):
		osflags = os.O_WRONLY
	default:
		osflags = os.O_RDONLY
	}
	if flags.Has(FlagTruncate) {
		osflags |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, osflags, 0o600)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &metadata.StoreError{Code: metadata.ErrNotFound, Message: fmt.Sprintf("blob %d not found", id)}
	}
	if err != nil {
		return nil, fmt.Errorf("blob: opening local blob %d: %w", id, err)
	}
	return &localFile{f: f, recordSize: l.recordSize}, nil
}

// Unlink removes the blob file.
func (l *LocalDir) Unlink(id metadata.FileID) error {
	path, err := l.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("blob: unlinking local blob %d: %w", id, err)
	}
	return nil
}

// Exists reports whether the blob file exists.
func (l *LocalDir) Exists(id metadata.FileID) (bool, error) {
	path, err := l.path(id)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blob: statting local blob %d: %w", id, err)
	}
	return true, nil
}

// GetMeta returns size and times from the host filesystem.
func (l *LocalDir) GetMeta(id metadata.FileID) (Meta, error) {
	path, err := l.path(id)
	if err != nil {
		return Meta{}, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return Meta{}, &metadata.StoreError{Code: metadata.ErrNotFound, Message: fmt.Sprintf("blob %d not found", id)}
	}
	if err != nil {
		return Meta{}, fmt.Errorf("blob: statting local blob %d: %w", id, err)
	}
	return Meta{
		Size:  uint64(info.Size()),
		Mtime: info.ModTime().UnixNano(),
		Atime: atimeOf(info),
	}, nil
}

// SetMeta applies mtime and atime with utimes. Size is ignored; it
// always tracks the file itself.
func (l *LocalDir) SetMeta(id metadata.FileID, meta Meta) error {
	path, err := l.path(id)
	if err != nil {
		return err
	}
	atime := time.Unix(0, meta.Atime)
	mtime := time.Unix(0, meta.Mtime)
	if err := os.Chtimes(path, atime, mtime); err != nil {
		return fmt.Errorf("blob: setting times of local blob %d: %w", id, err)
	}
	return nil
}

// MetaSupported reports native metadata support.
func (l *LocalDir) MetaSupported() bool {
	return true
}

// localFile is an open LocalDir blob.
type localFile struct {
	f          *os.File
	recordSize uint64
}

func (f *localFile) ReadRecord(buf []byte, rec uint64) (int, error) {
	n, err := f.f.ReadAt(buf, int64(rec*f.recordSize))
	if err == io.EOF {
		return n, nil
	}
	if err != nil {
		return n, fmt.Errorf("blob: reading record %d: %w", rec, err)
	}
	return n, nil
}

func (f *localFile) WriteRecord(buf []byte, rec uint64) error {
	if _, err := f.f.WriteAt(buf, int64(rec*f.recordSize)); err != nil {
		return fmt.Errorf("blob: writing record %d: %w", rec, err)
	}
	return nil
}

func (f *localFile) SetLen(length uint64) error {
	if err := f.f.Truncate(int64(length)); err != nil {
		return fmt.Errorf("blob: resizing blob to %d: %w", length, err)
	}
	return nil
}

func (f *localFile) Sync() error {
	return f.f.Sync()
}

func (f *localFile) Close() error {
	return f.f.Close()
}
