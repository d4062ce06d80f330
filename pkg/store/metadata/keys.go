package metadata

import "encoding/binary"

// Database Key Namespace
// ======================
//
// The KV store holds several logical tables distinguished by a one-byte
// prefix. File ids are encoded big-endian so that prefix scans iterate
// in id order and the fixed 8-byte id can be sliced back out of any key.
//
// Table            Prefix  Key Format                    Value
// ================================================================
// Inodes           'I'     I <id8>                       Inode (JSON)
// Directory        'D'     D <parent8> <encrypted name>  <child8><kind>
// Dir parents      'P'     P <child8>                    <parent8>
// Xattrs           'X'     X <id8> <attr name>           value bytes
// Symlink targets  'S'     S <id8>                       encrypted target
// Counter          'C'     C nextid                      <id8>
// Superblock       'C'     C super                       Superblock (JSON)
// Tracking meta    'T'     T <id8>                       blob meta (JSON)
// Cluster maps     'L'     L <id8>                       cluster map (JSON)
// KV blobs         'B'     B <id8>                       ciphertext records
//
// Parent pointers exist only for directories (a directory has exactly
// one parent entry; the root has none). They serve upward walks such as
// the rename-into-descendant check.
//
// The 'T', 'L' and 'B' namespaces belong to the blob store wrappers
// (Tracking, Clustered, KVBlob); they share the database but not this
// package's value encodings. Their key constructors live here so the
// namespace layout has a single home.

const (
	prefixInode    = 'I'
	prefixDirEntry = 'D'
	prefixParent   = 'P'
	prefixXattr    = 'X'
	prefixSymlink  = 'S'
	prefixCounter  = 'C'
	prefixTracking = 'T'
	prefixCluster  = 'L'
	prefixKVBlob   = 'B'
)

func appendID(key []byte, id FileID) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	return append(key, buf[:]...)
}

// KeyInode returns the inode key for id.
func KeyInode(id FileID) []byte {
	return appendID([]byte{prefixInode}, id)
}

// KeyDirEntry returns the directory entry key for an encrypted name
// under parent.
func KeyDirEntry(parent FileID, encName []byte) []byte {
	return append(appendID([]byte{prefixDirEntry}, parent), encName...)
}

// KeyDirPrefix returns the scan prefix covering all entries of parent.
func KeyDirPrefix(parent FileID) []byte {
	return appendID([]byte{prefixDirEntry}, parent)
}

// KeyParent returns the parent pointer key for a directory id.
func KeyParent(child FileID) []byte {
	return appendID([]byte{prefixParent}, child)
}

// KeyXattr returns the xattr key for an attribute of id.
func KeyXattr(id FileID, attr []byte) []byte {
	return append(appendID([]byte{prefixXattr}, id), attr...)
}

// KeyXattrPrefix returns the scan prefix covering all xattrs of id.
func KeyXattrPrefix(id FileID) []byte {
	return appendID([]byte{prefixXattr}, id)
}

// KeySymlink returns the symlink target key for id.
func KeySymlink(id FileID) []byte {
	return appendID([]byte{prefixSymlink}, id)
}

// KeyNextID returns the id counter key.
func KeyNextID() []byte {
	return []byte{prefixCounter, 'n', 'e', 'x', 't', 'i', 'd'}
}

// KeySuperblock returns the superblock mirror key.
func KeySuperblock() []byte {
	return []byte{prefixCounter, 's', 'u', 'p', 'e', 'r'}
}

// KeyTracking returns the tracked blob metadata key for id.
func KeyTracking(id FileID) []byte {
	return appendID([]byte{prefixTracking}, id)
}

// KeyClusterMap returns the cluster map key for id.
func KeyClusterMap(id FileID) []byte {
	return appendID([]byte{prefixCluster}, id)
}

// KeyKVBlob returns the KV blob value key for id.
func KeyKVBlob(id FileID) []byte {
	return appendID([]byte{prefixKVBlob}, id)
}

// nameFromDirKey slices the encrypted name out of a directory entry key.
func nameFromDirKey(key []byte) []byte {
	return key[1+8:]
}

// attrFromXattrKey slices the attribute name out of an xattr key.
func attrFromXattrKey(key []byte) []byte {
	return key[1+8:]
}
