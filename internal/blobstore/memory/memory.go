// Package memory holds in-process implementations of blobstore.Backend and
// blobstore.Catalog. They back the "memory" storage driver and the tests.
package memory

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/trunov/photothumb/internal/blobstore"
	"github.com/trunov/photothumb/internal/entities"
)

type object struct {
	data        []byte
	contentType string
}

// Backend is an in-memory implementation of blobstore.Backend.
type Backend struct {
	mu      sync.RWMutex
	objects map[string]object
}

func NewBackend() *Backend {
	return &Backend{objects: make(map[string]object)}
}

func objectKey(bucket, key string) string { return bucket + "/" + key }

// Put buffers the whole reader; a failing reader stores nothing.
func (b *Backend) Put(ctx context.Context, bucket, key string, r io.Reader, contentType string) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[objectKey(bucket, key)] = object{data: data, contentType: contentType}
	return int64(len(data)), nil
}

func (b *Backend) Get(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, ok := b.objects[objectKey(bucket, key)]
	if !ok {
		return nil, blobstore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (b *Backend) Delete(_ context.Context, bucket, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.objects[objectKey(bucket, key)]; !ok {
		return blobstore.ErrNotFound
	}
	delete(b.objects, objectKey(bucket, key))
	return nil
}

// Len returns the number of stored objects in bucket.
func (b *Backend) Len(bucket string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	prefix := bucket + "/"
	n := 0
	for k := range b.objects {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

// Catalog is an in-memory implementation of blobstore.Catalog.
type Catalog struct {
	mu     sync.RWMutex
	byID   map[string]entities.Record
	byName map[string]string
}

func NewCatalog() *Catalog {
	return &Catalog{
		byID:   make(map[string]entities.Record),
		byName: make(map[string]string),
	}
}

func (c *Catalog) Upsert(_ context.Context, rec entities.Record) (entities.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nameKey := objectKey(rec.Bucket, rec.Name)
	if id, ok := c.byName[nameKey]; ok {
		prev := c.byID[objectKey(rec.Bucket, id)]
		rec.ID = prev.ID
		rec.CreatedAt = prev.CreatedAt
	}
	rec.Metadata = cloneMeta(rec.Metadata)

	c.byID[objectKey(rec.Bucket, rec.ID)] = rec
	c.byName[nameKey] = rec.ID
	return rec, nil
}

func (c *Catalog) ByID(_ context.Context, bucket, id string) (entities.Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.byID[objectKey(bucket, id)]
	if !ok {
		return entities.Record{}, blobstore.ErrNotFound
	}
	rec.Metadata = cloneMeta(rec.Metadata)
	return rec, nil
}

func (c *Catalog) ByName(ctx context.Context, bucket, name string) (entities.Record, error) {
	c.mu.RLock()
	id, ok := c.byName[objectKey(bucket, name)]
	c.mu.RUnlock()
	if !ok {
		return entities.Record{}, blobstore.ErrNotFound
	}
	return c.ByID(ctx, bucket, id)
}

// Records returns every record in bucket.
func (c *Catalog) Records(bucket string) []entities.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []entities.Record
	for _, rec := range c.byID {
		if rec.Bucket == bucket {
			rec.Metadata = cloneMeta(rec.Metadata)
			out = append(out, rec)
		}
	}
	return out
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// NewStore wires a memory Backend and Catalog into a blobstore.Store.
func NewStore() (blobstore.Store, *Backend, *Catalog) {
	b, c := NewBackend(), NewCatalog()
	return blobstore.New(b, c), b, c
}
