package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/trunov/photothumb/internal/entities"
)

var errAborted = errors.New("upload aborted")

type putResult struct {
	n   int64
	err error
}

// uploadWriter pipes written bytes into a background Backend.Put and only
// records the blob in the catalog on Commit.
type uploadWriter struct {
	s      *store
	bucket string
	name   string
	meta   map[string]string
	id     string

	pw       *io.PipeWriter
	done     chan putResult
	finished atomic.Bool
}

func newUploadWriter(ctx context.Context, s *store, bucket, name string, meta map[string]string, id string) *uploadWriter {
	pr, pw := io.Pipe()
	w := &uploadWriter{
		s:      s,
		bucket: bucket,
		name:   name,
		meta:   meta,
		id:     id,
		pw:     pw,
		done:   make(chan putResult, 1),
	}

	go func() {
		n, err := s.backend.Put(ctx, bucket, name, pr, contentTypeOf(meta))
		_ = pr.CloseWithError(err)
		w.done <- putResult{n: n, err: err}
	}()

	return w
}

func (w *uploadWriter) Write(p []byte) (int, error) {
	if w.finished.Load() {
		return 0, ErrWriterClosed
	}
	return w.pw.Write(p)
}

func (w *uploadWriter) Commit(ctx context.Context) (entities.Record, error) {
	if !w.finished.CompareAndSwap(false, true) {
		return entities.Record{}, ErrWriterClosed
	}
	if err := w.pw.Close(); err != nil {
		return entities.Record{}, err
	}
	res := <-w.done
	if res.err != nil {
		return entities.Record{}, fmt.Errorf("upload %s/%s: %w", w.bucket, w.name, res.err)
	}

	id := w.id
	if id == "" {
		id = NewID()
	}
	rec, err := w.s.catalog.Upsert(ctx, entities.Record{
		ID:          id,
		Bucket:      w.bucket,
		Name:        w.name,
		Size:        res.n,
		ContentType: contentTypeOf(w.meta),
		Metadata:    w.meta,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		w.discard(ctx)
		return entities.Record{}, fmt.Errorf("record %s/%s: %w", w.bucket, w.name, err)
	}
	return rec, nil
}

// discard removes uploaded bytes that no record points at. Bytes under a
// name that already has a record are left alone.
func (w *uploadWriter) discard(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if _, err := w.s.catalog.ByName(ctx, w.bucket, w.name); !errors.Is(err, ErrNotFound) {
		return
	}
	_ = w.s.backend.Delete(ctx, w.bucket, w.name)
}

func (w *uploadWriter) Abort() error {
	if !w.finished.CompareAndSwap(false, true) {
		return nil
	}
	_ = w.pw.CloseWithError(errAborted)
	<-w.done
	return nil
}

func contentTypeOf(meta map[string]string) string {
	if ct := meta[entities.MetaContentType]; ct != "" {
		return ct
	}
	return "application/octet-stream"
}
