package blob

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bijoufs/bijou/pkg/crypto"
	"github.com/bijoufs/bijou/pkg/store/kvdb"
	"github.com/bijoufs/bijou/pkg/store/metadata"
)

// clusterIDBit marks synthesized cluster blob ids. Engine-allocated file
// ids grow monotonically from 1 and never reach this range, so cluster
// blobs can share the inner store's id space without collisions.
const clusterIDBit = uint64(1) << 63

// clusterMap records which inner blob holds each cluster of a file.
//
// The common case of densely written files is a plain slice; sparse
// files park out-of-order clusters in the overflow map until the dense
// prefix catches up.
type clusterMap struct {
	IDs    []metadata.FileID          `json:"ids"`
	Sparse map[uint64]metadata.FileID `json:"sparse,omitempty"`
}

func (m *clusterMap) get(cluster uint64) (metadata.FileID, bool) {
	if cluster < uint64(len(m.IDs)) {
		return m.IDs[cluster], true
	}
	id, ok := m.Sparse[cluster]
	return id, ok
}

func (m *clusterMap) insert(cluster uint64, id metadata.FileID) {
	if cluster == uint64(len(m.IDs)) {
		m.IDs = append(m.IDs, id)
		// Drain the sparse overflow while it continues the dense prefix.
		for {
			next, ok := m.Sparse[uint64(len(m.IDs))]
			if !ok {
				break
			}
			delete(m.Sparse, uint64(len(m.IDs)))
			m.IDs = append(m.IDs, next)
		}
		return
	}
	if cluster < uint64(len(m.IDs)) {
		m.IDs[cluster] = id
		return
	}
	if m.Sparse == nil {
		m.Sparse = make(map[uint64]metadata.FileID)
	}
	m.Sparse[cluster] = id
}

// truncate drops every cluster with index >= clusters and returns the
// removed blob ids.
func (m *clusterMap) truncate(clusters uint64) []metadata.FileID {
	var removed []metadata.FileID
	if clusters < uint64(len(m.IDs)) {
		removed = append(removed, m.IDs[clusters:]...)
		m.IDs = m.IDs[:clusters]
	}
	for cluster, id := range m.Sparse {
		if cluster >= clusters {
			removed = append(removed, id)
			delete(m.Sparse, cluster)
		}
	}
	return removed
}

func (m *clusterMap) all() []metadata.FileID {
	ids := append([]metadata.FileID(nil), m.IDs...)
	for _, id := range m.Sparse {
		ids = append(ids, id)
	}
	return ids
}

// Clustered splits a blob's record stream into clusters of clusterSize
// records, each stored as a separate blob in the inner store under a
// synthesized id. Random I/O touches only the affected cluster.
//
// With clusterSize == 1 every record becomes its own inner blob, which
// suits backends without efficient random access and makes all stored
// objects the same size.
//
// Clustered does not track metadata; compose it with Tracking.
type Clustered struct {
	inner       Store
	db          *kvdb.DB
	clusterSize uint64
	recordSize  uint64
}

// NewClustered wraps inner, keeping cluster maps in db. clusterSize is
// the number of records per cluster and must be >= 1.
func NewClustered(inner Store, db *kvdb.DB, clusterSize, recordSize uint64) (*Clustered, error) {
	if clusterSize == 0 {
		return nil, errors.New("blob: cluster size must be at least 1")
	}
	return &Clustered{inner: inner, db: db, clusterSize: clusterSize, recordSize: recordSize}, nil
}

func (c *Clustered) loadMap(id metadata.FileID) (*clusterMap, error) {
	value, err := c.db.Get(metadata.KeyClusterMap(id))
	if errors.Is(err, kvdb.ErrNotFound) {
		return nil, &metadata.StoreError{Code: metadata.ErrNotFound, Message: fmt.Sprintf("blob %d not found", id)}
	}
	if err != nil {
		return nil, fmt.Errorf("blob: loading cluster map of %d: %w", id, err)
	}
	m := &clusterMap{}
	if err := json.Unmarshal(value, m); err != nil {
		return nil, fmt.Errorf("blob: decoding cluster map of %d: %w", id, err)
	}
	return m, nil
}

func (c *Clustered) saveMap(id metadata.FileID, m *clusterMap) error {
	value, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("blob: encoding cluster map of %d: %w", id, err)
	}
	if err := c.db.Put(metadata.KeyClusterMap(id), value); err != nil {
		return fmt.Errorf("blob: saving cluster map of %d: %w", id, err)
	}
	return nil
}

// newClusterID synthesizes an id for a cluster blob that is free in the
// inner store.
func (c *Clustered) newClusterID() (metadata.FileID, error) {
	for {
		raw, err := crypto.RandBytes(8)
		if err != nil {
			return 0, err
		}
		id := metadata.FileID(binary.BigEndian.Uint64(raw) | clusterIDBit)
		exists, err := c.inner.Exists(id)
		if err != nil {
			return 0, err
		}
		if !exists {
			return id, nil
		}
	}
}

// Create initializes an empty cluster map. Idempotent.
func (c *Clustered) Create(id metadata.FileID) error {
	ok, err := c.db.Has(metadata.KeyClusterMap(id))
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return c.saveMap(id, &clusterMap{})
}

// Open returns a handle that routes record I/O to cluster blobs.
func (c *Clustered) Open(id metadata.FileID, flags Flags) (File, error) {
	m, err := c.loadMap(id)
	if err != nil {
		return nil, err
	}

	if flags.Has(FlagTruncate) {
		for _, clusterID := range m.all() {
			if err := c.inner.Unlink(clusterID); err != nil {
				return nil, err
			}
		}
		m = &clusterMap{}
		if err := c.saveMap(id, m); err != nil {
			return nil, err
		}
		flags &^= FlagTruncate
	}

	return &clusteredFile{c: c, id: id, m: m, flags: flags}, nil
}

// Unlink removes every cluster blob and the map.
func (c *Clustered) Unlink(id metadata.FileID) error {
	m, err := c.loadMap(id)
	if err != nil {
		return err
	}
	for _, clusterID := range m.all() {
		if err := c.inner.Unlink(clusterID); err != nil {
			return err
		}
	}
	if err := c.db.Delete(metadata.KeyClusterMap(id)); err != nil {
		return fmt.Errorf("blob: deleting cluster map of %d: %w", id, err)
	}
	return nil
}

// Exists reports whether a cluster map exists for id.
func (c *Clustered) Exists(id metadata.FileID) (bool, error) {
	return c.db.Has(metadata.KeyClusterMap(id))
}

// GetMeta is unsupported; compose with Tracking.
func (c *Clustered) GetMeta(id metadata.FileID) (Meta, error) {
	return Meta{}, errUnsupportedMeta()
}

// SetMeta is unsupported; compose with Tracking.
func (c *Clustered) SetMeta(id metadata.FileID, meta Meta) error {
	return errUnsupportedMeta()
}

// MetaSupported reports false.
func (c *Clustered) MetaSupported() bool {
	return false
}

// clusteredFile is an open clustered blob. It caches the most recently
// used cluster handle; sequential I/O reopens nothing.
type clusteredFile struct {
	c     *Clustered
	id    metadata.FileID
	m     *clusterMap
	flags Flags

	currentCluster uint64
	current        File
}

// open positions the handle on the cluster containing rec and returns
// the record index within it. create controls whether a missing cluster
// blob is allocated (writes) or reported as absent (reads).
func (f *clusteredFile) open(rec uint64, create bool) (File, uint64, error) {
	cluster := rec / f.c.clusterSize
	local := rec % f.c.clusterSize

	if f.current != nil && f.currentCluster == cluster {
		return f.current, local, nil
	}

	clusterID, ok := f.m.get(cluster)
	if !ok {
		if !create {
			return nil, local, nil
		}
		var err error
		clusterID, err = f.c.newClusterID()
		if err != nil {
			return nil, 0, err
		}
		if err := f.c.inner.Create(clusterID); err != nil {
			return nil, 0, err
		}
		f.m.insert(cluster, clusterID)
		if err := f.c.saveMap(f.id, f.m); err != nil {
			return nil, 0, err
		}
	}

	file, err := f.c.inner.Open(clusterID, f.flags)
	if err != nil {
		return nil, 0, err
	}
	if f.current != nil {
		_ = f.current.Close()
	}
	f.current = file
	f.currentCluster = cluster
	return file, local, nil
}

func (f *clusteredFile) ReadRecord(buf []byte, rec uint64) (int, error) {
	file, local, err := f.open(rec, false)
	if err != nil {
		return 0, err
	}
	if file == nil {
		// No blob for this cluster: a hole or past the end.
		return 0, nil
	}
	return file.ReadRecord(buf, local)
}

func (f *clusteredFile) WriteRecord(buf []byte, rec uint64) error {
	file, local, err := f.open(rec, true)
	if err != nil {
		return err
	}
	return file.WriteRecord(buf, local)
}

func (f *clusteredFile) SetLen(length uint64) error {
	recordSize := f.c.recordSize
	clusterBytes := f.c.clusterSize * recordSize

	records := (length + recordSize - 1) / recordSize
	clusters := (records + f.c.clusterSize - 1) / f.c.clusterSize

	removed := f.m.truncate(clusters)
	for _, clusterID := range removed {
		if err := f.c.inner.Unlink(clusterID); err != nil {
			return err
		}
	}
	if err := f.c.saveMap(f.id, f.m); err != nil {
		return err
	}

	// Trim the final cluster to the remaining byte length.
	if clusters > 0 {
		if clusterID, ok := f.m.get(clusters - 1); ok {
			tail := length - (clusters-1)*clusterBytes
			file, err := f.c.inner.Open(clusterID, f.flags)
			if err != nil {
				return err
			}
			defer func() { _ = file.Close() }()
			if err := file.SetLen(tail); err != nil {
				return err
			}
		}
	}

	// Invalidate the cached handle; it may point at a removed cluster.
	if f.current != nil {
		_ = f.current.Close()
		f.current = nil
	}
	return nil
}

func (f *clusteredFile) Sync() error {
	if f.current != nil {
		return f.current.Sync()
	}
	return nil
}

func (f *clusteredFile) Close() error {
	if f.current != nil {
		err := f.current.Close()
		f.current = nil
		return err
	}
	return nil
}
