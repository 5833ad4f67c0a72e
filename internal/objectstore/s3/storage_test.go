package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trunov/photothumb/internal/blobstore"
	"github.com/trunov/photothumb/internal/config"
	"github.com/trunov/photothumb/internal/logging"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	getErrs []error
	gets    int
	headErr error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"|"+aws.ToString(in.Key)] = data
	f.types[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &manager.UploadOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if len(f.getErrs) > 0 {
		err := f.getErrs[0]
		f.getErrs = f.getErrs[1:]
		return nil, err
	}
	data, ok := f.objects[aws.ToString(in.Bucket)+"|"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Bucket)+"|"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	return &s3.HeadBucketOutput{}, nil
}

func newTestStorage(f *fakeS3) *Storage {
	retry := config.RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond}
	return NewWithClient(f, f, "media", retry, logging.Discard())
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	f := newFakeS3()
	s := newTestStorage(f)

	n, err := s.Put(ctx, "images", "abc.jpg", strings.NewReader("payload"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Contains(t, f.objects, "media|images/abc.jpg")
	assert.Equal(t, "image/jpeg", f.types["images/abc.jpg"])

	rc, err := s.Get(ctx, "images", "abc.jpg")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "payload", string(data))

	require.NoError(t, s.Delete(ctx, "images", "abc.jpg"))
	_, err = s.Get(ctx, "images", "abc.jpg")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	require.NoError(t, s.Ping(ctx))
}

func TestGetRetriesTransient(t *testing.T) {
	ctx := context.Background()
	f := newFakeS3()
	s := newTestStorage(f)
	_, err := s.Put(ctx, "thumbs", "a.jpg", strings.NewReader("x"), "image/jpeg")
	require.NoError(t, err)

	f.getErrs = []error{errors.New("connection reset"), &smithy.GenericAPIError{Code: "SlowDown"}}
	rc, err := s.Get(ctx, "thumbs", "a.jpg")
	require.NoError(t, err)
	_ = rc.Close()
	assert.Equal(t, 3, f.gets)
}

func TestGetGivesUpAfterMaxRetries(t *testing.T) {
	f := newFakeS3()
	s := newTestStorage(f)
	f.getErrs = []error{errors.New("down"), errors.New("down"), errors.New("down"), errors.New("down")}

	_, err := s.Get(context.Background(), "thumbs", "a.jpg")
	assert.ErrorIs(t, err, blobstore.ErrStoreUnavailable)
	assert.Equal(t, 3, f.gets)
}

func TestGetDoesNotRetryNotFound(t *testing.T) {
	f := newFakeS3()
	s := newTestStorage(f)

	_, err := s.Get(context.Background(), "thumbs", "missing.jpg")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
	assert.Equal(t, 1, f.gets)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no such key type", &types.NoSuchKey{}, blobstore.ErrNotFound},
		{"not found code", &smithy.GenericAPIError{Code: "NotFound"}, blobstore.ErrNotFound},
		{"no such bucket", &smithy.GenericAPIError{Code: "NoSuchBucket"}, blobstore.ErrBucketNotFound},
		{"throttled", &smithy.GenericAPIError{Code: "SlowDown"}, blobstore.ErrStoreUnavailable},
		{"server fault", &smithy.GenericAPIError{Code: "Weird", Fault: smithy.FaultServer}, blobstore.ErrStoreUnavailable},
		{"network", errors.New("dial tcp: connection refused"), blobstore.ErrStoreUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapError("get", "k", tt.err), tt.want)
		})
	}

	denied := mapError("get", "k", &smithy.GenericAPIError{Code: "AccessDenied", Fault: smithy.FaultClient})
	assert.NotErrorIs(t, denied, blobstore.ErrStoreUnavailable)
	assert.NotErrorIs(t, denied, blobstore.ErrNotFound)

	canceled := mapError("get", "k", context.Canceled)
	assert.ErrorIs(t, canceled, context.Canceled)
	assert.NotErrorIs(t, canceled, blobstore.ErrStoreUnavailable)
}

func TestPing(t *testing.T) {
	f := newFakeS3()
	s := newTestStorage(f)
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))

	f.headErr = &types.NotFound{}
	err := s.Ping(ctx)
	assert.ErrorIs(t, err, blobstore.ErrBucketNotFound)
	assert.NotErrorIs(t, err, blobstore.ErrNotFound)

	f.headErr = errors.New("dial tcp: i/o timeout")
	assert.ErrorIs(t, s.Ping(ctx), blobstore.ErrStoreUnavailable)
}

func TestGetMissingBucket(t *testing.T) {
	f := newFakeS3()
	f.getErrs = []error{&smithy.GenericAPIError{Code: "NoSuchBucket"}}
	s := newTestStorage(f)

	_, err := s.Get(context.Background(), "images", "abc.jpg")
	assert.ErrorIs(t, err, blobstore.ErrBucketNotFound)
	assert.NotErrorIs(t, err, blobstore.ErrNotFound)
	assert.Equal(t, 1, f.gets)
}

func TestEndpoint(t *testing.T) {
	assert.Equal(t, "https://acc.r2.cloudflarestorage.com", Endpoint(config.S3Config{AccountID: "acc"}))
	assert.Equal(t, "http://localhost:9000", Endpoint(config.S3Config{AccountID: "acc", Endpoint: "http://localhost:9000"}))
	assert.Empty(t, Endpoint(config.S3Config{}))
}

func TestBackoffDelay(t *testing.T) {
	s := &Storage{RetryBaseDelay: 100 * time.Millisecond}
	for attempt, want := range map[int]time.Duration{1: 100 * time.Millisecond, 3: 400 * time.Millisecond} {
		d := s.backoffDelay(attempt)
		assert.InDelta(t, float64(want), float64(d), float64(want)/10)
	}
}
