// Package catalog keeps blob records in PostgreSQL (table blobs).
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trunov/photothumb/internal/blobstore"
	"github.com/trunov/photothumb/internal/entities"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

type dbCatalog struct {
	db   DBTX
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseDSN string) (*dbCatalog, error) {
	pool, err := pgxpool.New(ctx, databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &dbCatalog{db: pool, pool: pool}, nil
}

func (s *dbCatalog) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	if err := s.pool.Ping(ctx); err != nil {
		return mapError("ping", err)
	}
	return nil
}

func (s *dbCatalog) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const upsertBlob = `
	INSERT INTO blobs (id, bucket, name, size, content_type, metadata, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (bucket, name) DO UPDATE SET
		size         = EXCLUDED.size,
		content_type = EXCLUDED.content_type,
		metadata     = EXCLUDED.metadata,
		updated_at   = now()
	RETURNING id, created_at`

// Upsert inserts rec or replaces the row with the same (bucket, name),
// keeping that row's id.
func (s *dbCatalog) Upsert(ctx context.Context, rec entities.Record) (entities.Record, error) {
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	err := s.db.QueryRow(ctx, upsertBlob,
		rec.ID, rec.Bucket, rec.Name, rec.Size, rec.ContentType, meta, rec.CreatedAt,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return entities.Record{}, mapError("upsert", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

const selectBlob = `SELECT id, bucket, name, size, content_type, metadata, created_at FROM blobs `

func (s *dbCatalog) ByID(ctx context.Context, bucket, id string) (entities.Record, error) {
	return s.one(ctx, "by id", selectBlob+`WHERE bucket = $1 AND id = $2`, bucket, id)
}

func (s *dbCatalog) ByName(ctx context.Context, bucket, name string) (entities.Record, error) {
	return s.one(ctx, "by name", selectBlob+`WHERE bucket = $1 AND name = $2`, bucket, name)
}

func (s *dbCatalog) one(ctx context.Context, op, query string, args ...any) (entities.Record, error) {
	var rec entities.Record
	err := s.db.QueryRow(ctx, query, args...).Scan(
		&rec.ID, &rec.Bucket, &rec.Name, &rec.Size, &rec.ContentType, &rec.Metadata, &rec.CreatedAt,
	)
	if err != nil {
		return entities.Record{}, mapError(op, err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

// mapError sorts failures into not-found, connectivity (retriable) and
// everything else.
func mapError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("catalog %s: %w", op, blobstore.ErrNotFound)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("catalog %s: %w", op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		// connection_exception, insufficient_resources, operator_intervention
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"), strings.HasPrefix(pgErr.Code, "57P"):
			return fmt.Errorf("catalog %s: %w: %s (code: %s)", op, blobstore.ErrStoreUnavailable, pgErr.Message, pgErr.Code)
		case pgErr.Code == "42P01":
			return fmt.Errorf("catalog %s: table does not exist - database migration required: %w", op, err)
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", op, pgErr.Message, pgErr.Code)
		}
	}

	return fmt.Errorf("catalog %s: %w: %v", op, blobstore.ErrStoreUnavailable, err)
}

var _ blobstore.Catalog = (*dbCatalog)(nil)
