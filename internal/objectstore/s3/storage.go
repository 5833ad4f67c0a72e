// Package s3 stores blob bytes in an S3 compatible bucket (AWS S3 or
// Cloudflare R2). Logical buckets become key prefixes inside one physical
// bucket: originals/<name>, thumbs/<name>.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/trunov/photothumb/internal/blobstore"
	"github.com/trunov/photothumb/internal/config"
)

// ObjectAPI is the subset of *s3.Client the backend uses.
type ObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Uploader is satisfied by *manager.Uploader.
type Uploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type Storage struct {
	Bucket         string
	MaxRetries     int
	RetryBaseDelay time.Duration

	client   ObjectAPI
	uploader Uploader
	log      *slog.Logger
}

// New builds an S3 client with static credentials. An empty Endpoint with
// an AccountID targets Cloudflare R2.
func New(ctx context.Context, cfg config.S3Config, retry config.RetryConfig, log *slog.Logger) (*Storage, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("s3: bucket_name is required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretKey, "",
		)),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := Endpoint(cfg)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	s := NewWithClient(client, manager.NewUploader(client), cfg.BucketName, retry, log)
	s.log.Info("s3 client initialized", "bucket", cfg.BucketName, "endpoint", endpoint)
	return s, nil
}

// NewWithClient wires pre-built clients.
func NewWithClient(client ObjectAPI, uploader Uploader, bucket string, retry config.RetryConfig, log *slog.Logger) *Storage {
	return &Storage{
		Bucket:         bucket,
		MaxRetries:     retry.MaxRetries,
		RetryBaseDelay: retry.BaseDelay,
		client:         client,
		uploader:       uploader,
		log:            log.With("component", "s3"),
	}
}

// Endpoint resolves the base endpoint for cfg; empty means the AWS default.
func Endpoint(cfg config.S3Config) string {
	if cfg.Endpoint != "" {
		return cfg.Endpoint
	}
	if cfg.AccountID != "" {
		return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}
	return ""
}

// ObjectKey maps a logical bucket and name to a key in the physical bucket.
func ObjectKey(bucket, name string) string { return bucket + "/" + name }

type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// Put streams r to the object. The uploader switches to multipart for
// large bodies; nothing is visible under the key until it completes.
func (s *Storage) Put(ctx context.Context, bucket, key string, r io.Reader, contentType string) (int64, error) {
	cr := &countingReader{r: r}
	objectKey := ObjectKey(bucket, key)
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(objectKey),
		Body:        cr,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return 0, mapError("upload", objectKey, err)
	}
	return cr.n.Load(), nil
}

// Get retries transient failures with exponential backoff.
func (s *Storage) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	objectKey := ObjectKey(bucket, key)

	var err error
	for attempt := 1; ; attempt++ {
		var out *s3.GetObjectOutput
		out, err = s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.Bucket),
			Key:    aws.String(objectKey),
		})
		if err == nil {
			return out.Body, nil
		}
		err = mapError("download", objectKey, err)
		if !errors.Is(err, blobstore.ErrStoreUnavailable) || attempt > s.MaxRetries {
			return nil, err
		}

		backoff := s.backoffDelay(attempt)
		s.log.Warn("download failed, retrying", "key", objectKey, "attempt", attempt, "backoff", backoff, "err", err)
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, err
		}
	}
}

func (s *Storage) Delete(ctx context.Context, bucket, key string) error {
	objectKey := ObjectKey(bucket, key)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return mapError("delete", objectKey, err)
	}
	return nil
}

// Ping checks that the bucket is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.Bucket)})
	if err == nil {
		return nil
	}
	// HEAD responses carry no body, so a missing bucket is a bare NotFound
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
		return fmt.Errorf("head bucket %q: %w", s.Bucket, blobstore.ErrBucketNotFound)
	}
	return mapError("head bucket", s.Bucket, err)
}

// backoff with jitter
func (s *Storage) backoffDelay(attempt int) time.Duration {
	base := s.RetryBaseDelay
	if base <= 0 {
		base = 300 * time.Millisecond
	}
	delay := base << (attempt - 1)
	jitter := int64(delay) / 10
	if jitter <= 0 {
		return delay
	}
	return delay - time.Duration(jitter/2) + time.Duration(rand.Int64N(jitter))
}

func mapError(op, key string, err error) error {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("%s %q: %w", op, key, blobstore.ErrNotFound)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%s %q: %w", op, key, blobstore.ErrNotFound)
		case "NoSuchBucket":
			return fmt.Errorf("%s %q: %w", op, key, blobstore.ErrBucketNotFound)
		case "SlowDown", "RequestTimeout", "ServiceUnavailable", "InternalError":
			return fmt.Errorf("%s %q: %w: %v", op, key, blobstore.ErrStoreUnavailable, err)
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return fmt.Errorf("%s %q: %w: %v", op, key, blobstore.ErrStoreUnavailable, err)
		}
		return fmt.Errorf("failed to %s %q: %w", op, key, err)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s %q: %w", op, key, err)
	}
	return fmt.Errorf("%s %q: %w: %v", op, key, blobstore.ErrStoreUnavailable, err)
}

var _ blobstore.Backend = (*Storage)(nil)
