package blobstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/trunov/photothumb/internal/entities"
)

// RecordCache is the subset of internal/cache used for record lookups.
type RecordCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, ttl time.Duration, value []byte) error
	Remove(ctx context.Context, key string) error
}

// CachedCatalog serves ByID lookups from a cache before the wrapped catalog.
// Cache failures are logged and never fail a lookup.
type CachedCatalog struct {
	next  Catalog
	cache RecordCache
	ttl   time.Duration
	log   *slog.Logger
}

func NewCachedCatalog(next Catalog, cache RecordCache, ttl time.Duration, log *slog.Logger) *CachedCatalog {
	return &CachedCatalog{next: next, cache: cache, ttl: ttl, log: log}
}

func idKey(bucket, id string) string { return "id:" + bucket + ":" + id }

func (c *CachedCatalog) Upsert(ctx context.Context, rec entities.Record) (entities.Record, error) {
	out, err := c.next.Upsert(ctx, rec)
	if err != nil {
		return out, err
	}
	if err := c.cache.Remove(ctx, idKey(out.Bucket, out.ID)); err != nil {
		c.log.Warn("cache invalidate failed", "bucket", out.Bucket, "id", out.ID, "err", err)
	}
	return out, nil
}

func (c *CachedCatalog) ByID(ctx context.Context, bucket, id string) (entities.Record, error) {
	key := idKey(bucket, id)
	if raw, err := c.cache.Get(ctx, key); err == nil && len(raw) > 0 {
		var rec entities.Record
		if err := json.Unmarshal(raw, &rec); err == nil {
			return rec, nil
		}
	}

	rec, err := c.next.ByID(ctx, bucket, id)
	if err != nil {
		return rec, err
	}

	raw, err := json.Marshal(rec)
	if err == nil {
		err = c.cache.Store(ctx, key, c.ttl, raw)
	}
	if err != nil {
		c.log.Warn("cache store failed", "key", key, "err", err)
	}
	return rec, nil
}

func (c *CachedCatalog) ByName(ctx context.Context, bucket, name string) (entities.Record, error) {
	return c.next.ByName(ctx, bucket, name)
}
