package fs

import (
	"github.com/bijoufs/bijou/pkg/store/metadata"
)

// XattrFlag controls SetXattr's create/replace behavior.
type XattrFlag int

const (
	// XattrAny creates or replaces.
	XattrAny XattrFlag = iota

	// XattrCreate fails if the attribute already exists.
	XattrCreate

	// XattrReplace fails if the attribute does not exist.
	XattrReplace
)

func validateAttrName(name string) error {
	if name == "" {
		return &metadata.StoreError{Code: metadata.ErrInvalidName, Message: "empty attribute name"}
	}
	if len(name) > 255 {
		return &metadata.StoreError{Code: metadata.ErrNameTooLong, Message: "attribute name too long", Path: name}
	}
	return nil
}

// SetXattr stores an extended attribute. The value is encrypted under
// the inode's file key with the attribute name as associated data;
// names are stored as opaque bytes.
func (b *Bijou) SetXattr(id metadata.FileID, name string, value []byte, flag XattrFlag) error {
	if err := b.checkWritable(); err != nil {
		return err
	}
	if err := validateAttrName(name); err != nil {
		return err
	}

	lock := b.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	ino, err := b.meta.GetInode(id)
	if err != nil {
		return err
	}

	attr := []byte(name)
	if flag != XattrAny {
		exists, err := b.meta.HasXattr(id, attr)
		if err != nil {
			return err
		}
		if flag == XattrCreate && exists {
			return &metadata.StoreError{Code: metadata.ErrAlreadyExists, Message: "attribute already exists", Path: name}
		}
		if flag == XattrReplace && !exists {
			return &metadata.StoreError{Code: metadata.ErrNotFound, Message: "no such attribute", Path: name}
		}
	}

	sealed, err := b.sealValue(ino, attr, value)
	if err != nil {
		return err
	}
	return b.meta.PutXattr(id, attr, sealed)
}

// GetXattr returns the decrypted value of one extended attribute.
func (b *Bijou) GetXattr(id metadata.FileID, name string) ([]byte, error) {
	if err := validateAttrName(name); err != nil {
		return nil, err
	}
	ino, err := b.meta.GetInode(id)
	if err != nil {
		return nil, err
	}
	sealed, err := b.meta.GetXattr(id, []byte(name))
	if err != nil {
		return nil, err
	}
	return b.openValue(ino, []byte(name), sealed)
}

// ListXattr returns the attribute names of id.
func (b *Bijou) ListXattr(id metadata.FileID) ([]string, error) {
	if _, err := b.meta.GetInode(id); err != nil {
		return nil, err
	}
	var names []string
	err := b.meta.IterXattrs(id, func(attr []byte) error {
		names = append(names, string(attr))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// RemoveXattr deletes one extended attribute.
func (b *Bijou) RemoveXattr(id metadata.FileID, name string) error {
	if err := b.checkWritable(); err != nil {
		return err
	}
	if err := validateAttrName(name); err != nil {
		return err
	}

	lock := b.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	exists, err := b.meta.HasXattr(id, []byte(name))
	if err != nil {
		return err
	}
	if !exists {
		return &metadata.StoreError{Code: metadata.ErrNotFound, Message: "no such attribute", Path: name}
	}
	return b.meta.DeleteXattr(id, []byte(name))
}
