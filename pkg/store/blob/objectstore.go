package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/bijoufs/bijou/pkg/store/metadata"
)

// ObjectStore stores blobs as objects in an S3-compatible object store.
// Experimental.
//
// Each blob is one object under <prefix>/<16 hex chars of the id>.
// Record I/O is emulated by whole-object get and put, which is only
// reasonable for small objects: always compose this store behind
// Clustered (so each object is one cluster) plus Tracking.
//
// The client is built by the configuration layer; this store only
// issues requests against it.
type ObjectStore struct {
	client *s3.Client
	bucket string
	prefix string
	ctx    context.Context
}

// NewObjectStore creates an S3-backed blob store.
//
// ctx bounds every request the store makes; pass the mount's lifetime
// context.
func NewObjectStore(ctx context.Context, client *s3.Client, bucket, prefix string) (*ObjectStore, error) {
	if bucket == "" {
		return nil, errors.New("blob: object store bucket is required")
	}
	if prefix == "" {
		prefix = "blobs"
	}
	return &ObjectStore{client: client, bucket: bucket, prefix: prefix, ctx: ctx}, nil
}

func (o *ObjectStore) key(id metadata.FileID) string {
	return fmt.Sprintf("%s/%016x", o.prefix, uint64(id))
}

func (o *ObjectStore) get(id metadata.FileID) ([]byte, error) {
	out, err := o.client.GetObject(o.ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.key(id)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, &metadata.StoreError{Code: metadata.ErrNotFound, Message: fmt.Sprintf("blob %d not found", id)}
		}
		return nil, fmt.Errorf("blob: fetching object for %d: %w", id, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("blob: reading object body for %d: %w", id, err)
	}
	return data, nil
}

func (o *ObjectStore) put(id metadata.FileID, data []byte) error {
	_, err := o.client.PutObject(o.ctx, &s3.PutObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.key(id)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("blob: storing object for %d: %w", id, err)
	}
	return nil
}

// Create stores an empty object. Idempotent.
func (o *ObjectStore) Create(id metadata.FileID) error {
	exists, err := o.Exists(id)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return o.put(id, []byte{})
}

// Open returns a handle operating on the whole object.
func (o *ObjectStore) Open(id metadata.FileID, flags Flags) (File, error) {
	exists, err := o.Exists(id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &metadata.StoreError{Code: metadata.ErrNotFound, Message: fmt.Sprintf("blob %d not found", id)}
	}
	if flags.Has(FlagTruncate) {
		if err := o.put(id, []byte{}); err != nil {
			return nil, err
		}
	}
	return &objectFile{o: o, id: id}, nil
}

// Unlink deletes the object. Idempotent.
func (o *ObjectStore) Unlink(id metadata.FileID) error {
	_, err := o.client.DeleteObject(o.ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.key(id)),
	})
	if err != nil {
		return fmt.Errorf("blob: deleting object for %d: %w", id, err)
	}
	return nil
}

// Exists checks for the object with a HEAD request.
func (o *ObjectStore) Exists(id metadata.FileID) (bool, error) {
	_, err := o.client.HeadObject(o.ctx, &s3.HeadObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.key(id)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("blob: checking object for %d: %w", id, err)
	}
	return true, nil
}

// GetMeta is unsupported; compose with Tracking.
func (o *ObjectStore) GetMeta(id metadata.FileID) (Meta, error) {
	return Meta{}, errUnsupportedMeta()
}

// SetMeta is unsupported; compose with Tracking.
func (o *ObjectStore) SetMeta(id metadata.FileID, meta Meta) error {
	return errUnsupportedMeta()
}

// MetaSupported reports false.
func (o *ObjectStore) MetaSupported() bool {
	return false
}

// objectFile routes record I/O through whole-object reads and writes.
type objectFile struct {
	o  *ObjectStore
	id metadata.FileID
}

func (f *objectFile) ReadRecord(buf []byte, rec uint64) (int, error) {
	data, err := f.o.get(f.id)
	if err != nil {
		return 0, err
	}
	offset := rec * uint64(len(buf))
	if offset >= uint64(len(data)) {
		return 0, nil
	}
	return copy(buf, data[offset:]), nil
}

func (f *objectFile) WriteRecord(buf []byte, rec uint64) error {
	data, err := f.o.get(f.id)
	if err != nil {
		return err
	}
	offset := rec * uint64(len(buf))
	end := offset + uint64(len(buf))
	if end > uint64(len(data)) {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	copy(data[offset:end], buf)
	return f.o.put(f.id, data)
}

func (f *objectFile) SetLen(length uint64) error {
	data, err := f.o.get(f.id)
	if err != nil {
		return err
	}
	if uint64(len(data)) == length {
		return nil
	}
	resized := make([]byte, length)
	copy(resized, data)
	return f.o.put(f.id, resized)
}

func (f *objectFile) Sync() error {
	return nil
}

func (f *objectFile) Close() error {
	return nil
}
