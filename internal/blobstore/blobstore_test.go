package blobstore_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trunov/photothumb/internal/blobstore"
	"github.com/trunov/photothumb/internal/blobstore/memory"
	"github.com/trunov/photothumb/internal/entities"
	"github.com/trunov/photothumb/internal/logging"
)

func TestStoreWriteReadFind(t *testing.T) {
	ctx := context.Background()
	store, backend, _ := memory.NewStore()

	meta := map[string]string{
		entities.MetaContentType: "image/png",
		entities.MetaOwnerID:     "biz-1",
		entities.MetaCaption:     "front door",
	}

	w, err := store.OpenWrite(ctx, "images", "a1b2.png", meta)
	require.NoError(t, err)

	_, err = io.Copy(w, strings.NewReader("hello "))
	require.NoError(t, err)
	_, err = w.Write([]byte("world"))
	require.NoError(t, err)

	t.Run("not visible before commit", func(t *testing.T) {
		_, err := store.OpenRead(ctx, "images", "a1b2.png")
		assert.ErrorIs(t, err, blobstore.ErrNotFound)
	})

	rec, err := w.Commit(ctx)
	require.NoError(t, err)
	assert.True(t, blobstore.ValidID(rec.ID))
	assert.Equal(t, "images", rec.Bucket)
	assert.Equal(t, "a1b2.png", rec.Name)
	assert.Equal(t, int64(11), rec.Size)
	assert.Equal(t, "image/png", rec.ContentType)
	assert.Equal(t, "biz-1", rec.Metadata[entities.MetaOwnerID])
	assert.Equal(t, 1, backend.Len("images"))

	t.Run("read by name", func(t *testing.T) {
		rc, err := store.OpenRead(ctx, "images", "a1b2.png")
		require.NoError(t, err)
		defer rc.Close()

		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "hello world", string(b))
	})

	t.Run("open returns the record", func(t *testing.T) {
		got, rc, err := store.Open(ctx, "images", "a1b2.png")
		require.NoError(t, err)
		defer rc.Close()
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, "image/png", got.ContentType)
	})

	t.Run("find by id", func(t *testing.T) {
		got, err := store.FindByID(ctx, "images", rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.Name, got.Name)
		assert.Equal(t, "front door", got.Metadata[entities.MetaCaption])
	})

	t.Run("find in wrong bucket", func(t *testing.T) {
		_, err := store.FindByID(ctx, "thumbs", rec.ID)
		assert.ErrorIs(t, err, blobstore.ErrNotFound)
	})

	t.Run("write after commit", func(t *testing.T) {
		_, err := w.Write([]byte("x"))
		assert.ErrorIs(t, err, blobstore.ErrWriterClosed)
		_, err = w.Commit(ctx)
		assert.ErrorIs(t, err, blobstore.ErrWriterClosed)
		assert.NoError(t, w.Abort())
	})
}

func TestStoreFindByIDValidation(t *testing.T) {
	ctx := context.Background()
	store, _, _ := memory.NewStore()

	_, err := store.FindByID(ctx, "images", "not-an-id")
	assert.ErrorIs(t, err, blobstore.ErrInvalidID)

	_, err = store.FindByID(ctx, "images", "")
	assert.ErrorIs(t, err, blobstore.ErrInvalidID)

	_, err = store.FindByID(ctx, "images", "abc123")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestStoreAbortLeavesNothing(t *testing.T) {
	ctx := context.Background()
	store, backend, catalog := memory.NewStore()

	w, err := store.OpenWrite(ctx, "thumbs", "abc.jpg", nil)
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	assert.Equal(t, 0, backend.Len("thumbs"))
	assert.Empty(t, catalog.Records("thumbs"))

	_, err = store.OpenRead(ctx, "thumbs", "abc.jpg")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestStoreOverwriteKeepsID(t *testing.T) {
	ctx := context.Background()
	store, backend, catalog := memory.NewStore()

	put := func(body string) entities.Record {
		w, err := store.OpenWrite(ctx, "thumbs", "abc123.jpg", map[string]string{entities.MetaContentType: "image/jpeg"})
		require.NoError(t, err)
		_, err = io.WriteString(w, body)
		require.NoError(t, err)
		rec, err := w.Commit(ctx)
		require.NoError(t, err)
		return rec
	}

	first := put("one")
	second := put("second")

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(6), second.Size)
	assert.Len(t, catalog.Records("thumbs"), 1)
	assert.Equal(t, 1, backend.Len("thumbs"))
}

func TestStoreWithID(t *testing.T) {
	ctx := context.Background()
	store, _, _ := memory.NewStore()

	w, err := store.OpenWrite(ctx, "images", "photo.jpg", nil, blobstore.WithID("abc123"))
	require.NoError(t, err)
	rec, err := w.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc123", rec.ID)
	assert.Equal(t, "application/octet-stream", rec.ContentType)

	_, err = store.OpenWrite(ctx, "images", "photo.jpg", nil, blobstore.WithID("zz"))
	assert.ErrorIs(t, err, blobstore.ErrInvalidID)
}

type brokenBackend struct{ *memory.Backend }

func (brokenBackend) Put(_ context.Context, _, _ string, r io.Reader, _ string) (int64, error) {
	return 0, blobstore.ErrStoreUnavailable
}

func TestStoreBackendFailure(t *testing.T) {
	ctx := context.Background()
	catalog := memory.NewCatalog()
	store := blobstore.New(brokenBackend{memory.NewBackend()}, catalog)

	w, err := store.OpenWrite(ctx, "thumbs", "x.jpg", nil)
	require.NoError(t, err)

	_, err = w.Write([]byte("data"))
	assert.ErrorIs(t, err, blobstore.ErrStoreUnavailable)

	_, err = w.Commit(ctx)
	assert.ErrorIs(t, err, blobstore.ErrStoreUnavailable)
	assert.Empty(t, catalog.Records("thumbs"))
}

type rejectingCatalog struct {
	*memory.Catalog
	err error
}

func (c rejectingCatalog) Upsert(context.Context, entities.Record) (entities.Record, error) {
	return entities.Record{}, c.err
}

func TestStoreCatalogFailureRemovesBytes(t *testing.T) {
	ctx := context.Background()

	t.Run("new name", func(t *testing.T) {
		backend := memory.NewBackend()
		store := blobstore.New(backend, rejectingCatalog{memory.NewCatalog(), errors.New("check constraint")})

		w, err := store.OpenWrite(ctx, "thumbs", "abc.jpg", nil)
		require.NoError(t, err)
		_, err = w.Write([]byte("data"))
		require.NoError(t, err)

		_, err = w.Commit(ctx)
		assert.Error(t, err)
		assert.Zero(t, backend.Len("thumbs"))
	})

	t.Run("existing record keeps its bytes", func(t *testing.T) {
		backend := memory.NewBackend()
		catalog := memory.NewCatalog()
		_, err := catalog.Upsert(ctx, entities.Record{ID: "abc", Bucket: "thumbs", Name: "abc.jpg"})
		require.NoError(t, err)
		store := blobstore.New(backend, rejectingCatalog{catalog, blobstore.ErrStoreUnavailable})

		w, err := store.OpenWrite(ctx, "thumbs", "abc.jpg", nil)
		require.NoError(t, err)
		_, err = w.Write([]byte("data"))
		require.NoError(t, err)

		_, err = w.Commit(ctx)
		assert.ErrorIs(t, err, blobstore.ErrStoreUnavailable)
		assert.Equal(t, 1, backend.Len("thumbs"))
	})
}

func TestValidID(t *testing.T) {
	assert.True(t, blobstore.ValidID("abc123"))
	assert.True(t, blobstore.ValidID("5F3A"))
	assert.True(t, blobstore.ValidID(blobstore.NewID()))
	assert.Len(t, blobstore.NewID(), 24)

	assert.False(t, blobstore.ValidID(""))
	assert.False(t, blobstore.ValidID("not-an-id"))
	assert.False(t, blobstore.ValidID("abc 123"))
	assert.False(t, blobstore.ValidID(strings.Repeat("a", blobstore.MaxIDLen+1)))
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	gets    int
	failGet bool
}

func (m *mapCache) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.failGet {
		return nil, errors.New("redis down")
	}
	v, ok := m.entries[key]
	if !ok {
		return nil, errors.New("miss")
	}
	return v, nil
}

func (m *mapCache) Store(_ context.Context, key string, _ time.Duration, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
	return nil
}

func (m *mapCache) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

type countingCatalog struct {
	*memory.Catalog
	byID int
}

func (c *countingCatalog) ByID(ctx context.Context, bucket, id string) (entities.Record, error) {
	c.byID++
	return c.Catalog.ByID(ctx, bucket, id)
}

func TestCachedCatalog(t *testing.T) {
	ctx := context.Background()
	inner := &countingCatalog{Catalog: memory.NewCatalog()}
	cache := &mapCache{entries: map[string][]byte{}}
	cc := blobstore.NewCachedCatalog(inner, cache, time.Minute, logging.Discard())

	rec, err := cc.Upsert(ctx, entities.Record{ID: "abc123", Bucket: "images", Name: "a.jpg", Size: 3})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := cc.ByID(ctx, "images", rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "a.jpg", got.Name)
	}
	assert.Equal(t, 1, inner.byID, "only the first lookup reaches the catalog")

	t.Run("upsert invalidates", func(t *testing.T) {
		_, err := cc.Upsert(ctx, entities.Record{ID: "abc123", Bucket: "images", Name: "a.jpg", Size: 9})
		require.NoError(t, err)

		got, err := cc.ByID(ctx, "images", "abc123")
		require.NoError(t, err)
		assert.Equal(t, int64(9), got.Size)
		assert.Equal(t, 2, inner.byID)
	})

	t.Run("cache failure falls through", func(t *testing.T) {
		cache.failGet = true
		got, err := cc.ByID(ctx, "images", "abc123")
		require.NoError(t, err)
		assert.Equal(t, "a.jpg", got.Name)
	})

	t.Run("misses are not cached", func(t *testing.T) {
		_, err := cc.ByID(ctx, "images", "ffff")
		assert.ErrorIs(t, err, blobstore.ErrNotFound)
	})
}
