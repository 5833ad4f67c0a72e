// Package minio stores blob bytes in a MinIO bucket. Logical buckets are
// key prefixes inside the configured bucket.
package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/trunov/photothumb/internal/blobstore"
	"github.com/trunov/photothumb/internal/config"
)

type Storage struct {
	cl     *minio.Client
	bucket string
	log    *slog.Logger
}

func New(cfg config.MinioConfig, log *slog.Logger) (*Storage, error) {
	if cfg.Endpoint == "" || cfg.BucketName == "" {
		return nil, errors.New("minio: endpoint and bucket_name are required")
	}
	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}
	return NewWithClient(cl, cfg.BucketName, log), nil
}

func NewWithClient(cl *minio.Client, bucket string, log *slog.Logger) *Storage {
	return &Storage{cl: cl, bucket: bucket, log: log.With("component", "minio")}
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.cl.BucketExists(ctx, s.bucket)
	if err != nil {
		return mapError("bucket exists", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.cl.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return mapError("make bucket", s.bucket, err)
	}
	s.log.Info("bucket created", "bucket", s.bucket)
	return nil
}

func objectKey(bucket, name string) string { return path.Join(bucket, name) }

// Put streams r with unknown size; minio-go switches to multipart uploads.
func (s *Storage) Put(ctx context.Context, bucket, key string, r io.Reader, contentType string) (int64, error) {
	k := objectKey(bucket, key)
	info, err := s.cl.PutObject(ctx, s.bucket, k, r, -1, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return 0, mapError("put", k, err)
	}
	return info.Size, nil
}

// Get stats the object first: GetObject is lazy and would only fail on Read.
func (s *Storage) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	k := objectKey(bucket, key)
	if _, err := s.cl.StatObject(ctx, s.bucket, k, minio.StatObjectOptions{}); err != nil {
		return nil, mapError("stat", k, err)
	}
	obj, err := s.cl.GetObject(ctx, s.bucket, k, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapError("get", k, err)
	}
	return obj, nil
}

func (s *Storage) Delete(ctx context.Context, bucket, key string) error {
	k := objectKey(bucket, key)
	if err := s.cl.RemoveObject(ctx, s.bucket, k, minio.RemoveObjectOptions{}); err != nil {
		return mapError("delete", k, err)
	}
	return nil
}

func (s *Storage) Ping(ctx context.Context) error {
	ok, err := s.cl.BucketExists(ctx, s.bucket)
	if err != nil {
		return mapError("ping", s.bucket, err)
	}
	if !ok {
		return fmt.Errorf("ping %q: %w", s.bucket, blobstore.ErrBucketNotFound)
	}
	return nil
}

func mapError(op, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s %q: %w", op, key, err)
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NotFound":
		return fmt.Errorf("%s %q: %w", op, key, blobstore.ErrNotFound)
	case resp.Code == "NoSuchBucket":
		return fmt.Errorf("%s %q: %w", op, key, blobstore.ErrBucketNotFound)
	case resp.Code == "" || resp.StatusCode >= http.StatusInternalServerError || resp.Code == "SlowDown":
		return fmt.Errorf("%s %q: %w: %v", op, key, blobstore.ErrStoreUnavailable, err)
	default:
		return fmt.Errorf("%s %q: %w", op, key, err)
	}
}

var _ blobstore.Backend = (*Storage)(nil)
