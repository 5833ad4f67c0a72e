// Package blobstore stores binary objects in named buckets and keeps a
// catalog of finalized records so they can be looked up by identifier.
//
// Bytes live in a Backend (S3, MinIO or memory); records live in a Catalog
// (Postgres or memory). A record is only written to the catalog after its
// bytes are fully uploaded, so readers never observe a partial blob.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/trunov/photothumb/internal/entities"
)

var (
	// ErrNotFound is returned when no record or object exists for a name or id.
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidID is returned when an identifier is not a valid id token.
	ErrInvalidID = errors.New("invalid blob id")
	// ErrStoreUnavailable wraps connectivity failures of a backend or catalog.
	ErrStoreUnavailable = errors.New("blob store unavailable")
	// ErrBucketNotFound means the configured physical bucket is missing.
	// It is a deployment error, not a property of any one blob.
	ErrBucketNotFound = errors.New("bucket does not exist")
	// ErrWriterClosed is returned by writes after Commit or Abort.
	ErrWriterClosed = errors.New("blob writer closed")
)

// Store is the contract used by the pipeline and the producer.
type Store interface {
	// OpenWrite begins a streamed upload. Nothing is visible until Commit.
	OpenWrite(ctx context.Context, bucket, name string, meta map[string]string, opts ...WriteOption) (Writer, error)
	// OpenRead streams a committed blob by its stored name.
	OpenRead(ctx context.Context, bucket, name string) (io.ReadCloser, error)
	// Open is OpenRead that also returns the record the name resolved to.
	Open(ctx context.Context, bucket, name string) (entities.Record, io.ReadCloser, error)
	// FindByID resolves a record by identifier.
	FindByID(ctx context.Context, bucket, id string) (entities.Record, error)
}

// Writer is a streamed upload handle.
type Writer interface {
	io.Writer
	// Commit finalizes the upload and returns the stored record.
	Commit(ctx context.Context) (entities.Record, error)
	// Abort discards the upload. Safe to call after Commit.
	Abort() error
}

// Backend stores raw bytes under bucket/key.
type Backend interface {
	Put(ctx context.Context, bucket, key string, r io.Reader, contentType string) (int64, error)
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, key string) error
}

// Catalog stores records. (bucket, name) is unique: Upsert on an existing
// name keeps its id and replaces the rest.
type Catalog interface {
	Upsert(ctx context.Context, rec entities.Record) (entities.Record, error)
	ByID(ctx context.Context, bucket, id string) (entities.Record, error)
	ByName(ctx context.Context, bucket, name string) (entities.Record, error)
}

type WriteOption func(*writeOptions)

type writeOptions struct {
	id string
}

// WithID commits the record under a caller supplied id instead of a
// generated one. Used for imports.
func WithID(id string) WriteOption {
	return func(o *writeOptions) { o.id = id }
}

type store struct {
	backend Backend
	catalog Catalog
}

// New composes a Store from a byte backend and a record catalog.
func New(backend Backend, catalog Catalog) Store {
	return &store{backend: backend, catalog: catalog}
}

func (s *store) OpenWrite(ctx context.Context, bucket, name string, meta map[string]string, opts ...WriteOption) (Writer, error) {
	if bucket == "" || name == "" {
		return nil, fmt.Errorf("open write: bucket and name are required")
	}
	o := writeOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id != "" && !ValidID(o.id) {
		return nil, fmt.Errorf("open write %s/%s: %w", bucket, name, ErrInvalidID)
	}

	md := make(map[string]string, len(meta))
	for k, v := range meta {
		md[k] = v
	}
	return newUploadWriter(ctx, s, bucket, name, md, o.id), nil
}

func (s *store) OpenRead(ctx context.Context, bucket, name string) (io.ReadCloser, error) {
	_, rc, err := s.Open(ctx, bucket, name)
	return rc, err
}

func (s *store) Open(ctx context.Context, bucket, name string) (entities.Record, io.ReadCloser, error) {
	rec, err := s.catalog.ByName(ctx, bucket, name)
	if err != nil {
		return entities.Record{}, nil, fmt.Errorf("open read %s/%s: %w", bucket, name, err)
	}
	rc, err := s.backend.Get(ctx, bucket, name)
	if err != nil {
		return entities.Record{}, nil, fmt.Errorf("open read %s/%s: %w", bucket, name, err)
	}
	return rec, rc, nil
}

func (s *store) FindByID(ctx context.Context, bucket, id string) (entities.Record, error) {
	if !ValidID(id) {
		return entities.Record{}, fmt.Errorf("find %q: %w", id, ErrInvalidID)
	}
	rec, err := s.catalog.ByID(ctx, bucket, id)
	if err != nil {
		return entities.Record{}, fmt.Errorf("find %s/%s: %w", bucket, id, err)
	}
	return rec, nil
}
