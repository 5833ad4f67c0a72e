// Package ingest stores uploaded originals and publishes one derivation
// trigger per committed original.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"

	"github.com/trunov/photothumb/internal/blobstore"
	"github.com/trunov/photothumb/internal/entities"
	"github.com/trunov/photothumb/internal/processor"
)

// sniffLen matches mimetype's default read limit.
const sniffLen = 3072

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file exceeds maximum allowed size")
)

var allowedMIMEs = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
}

type Params struct {
	OwnerID string `validate:"required,max=64"`
	Caption string `validate:"omitempty,max=255"`
}

type Publisher interface {
	Publish(ctx context.Context, name string, payload []byte) error
}

type Config struct {
	Bucket   string
	Queue    string
	MaxBytes int64
}

type Ingester struct {
	store     blobstore.Store
	publisher Publisher
	cfg       Config
	validator *validator.Validate
	log       *slog.Logger
}

func New(store blobstore.Store, publisher Publisher, cfg Config, log *slog.Logger) *Ingester {
	return &Ingester{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		validator: validator.New(),
		log:       log.With("component", "ingest"),
	}
}

// Validate checks p against its struct tags. The error is a
// validator.ValidationErrors when p is invalid.
func (i *Ingester) Validate(p Params) error {
	return i.validator.Struct(p)
}

// Ingest sniffs r, stores it as <id><ext> and publishes id. The trigger is
// only published after Commit, so the original is readable by the time a
// worker sees it.
func (i *Ingester) Ingest(ctx context.Context, p Params, r io.Reader) (entities.Record, error) {
	if err := i.Validate(p); err != nil {
		return entities.Record{}, err
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return entities.Record{}, fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]

	mime := mimetype.Detect(head)
	if !mimetype.EqualsAny(mime.String(), allowedMIMEs...) {
		return entities.Record{}, fmt.Errorf("%w: %s", ErrUnsupportedType, mime.String())
	}

	id := blobstore.NewID()
	meta := map[string]string{
		entities.MetaContentType: mime.String(),
		entities.MetaOwnerID:     p.OwnerID,
	}
	if p.Caption != "" {
		meta[entities.MetaCaption] = p.Caption
	}
	// JPEGs with large EXIF blocks keep their size frame past the head
	if width, height, err := processor.Dimensions(head); err == nil {
		meta[entities.MetaWidth] = strconv.Itoa(width)
		meta[entities.MetaHeight] = strconv.Itoa(height)
	}

	w, err := i.store.OpenWrite(ctx, i.cfg.Bucket, id+mime.Extension(), meta, blobstore.WithID(id))
	if err != nil {
		return entities.Record{}, err
	}

	body := io.MultiReader(bytes.NewReader(head), r)
	if i.cfg.MaxBytes > 0 {
		body = io.LimitReader(body, i.cfg.MaxBytes+1)
	}
	written, err := io.Copy(w, body)
	if err != nil {
		_ = w.Abort()
		return entities.Record{}, fmt.Errorf("upload original: %w", err)
	}
	if i.cfg.MaxBytes > 0 && written > i.cfg.MaxBytes {
		_ = w.Abort()
		return entities.Record{}, ErrTooLarge
	}

	rec, err := w.Commit(ctx)
	if err != nil {
		return entities.Record{}, err
	}

	if err := i.publisher.Publish(ctx, i.cfg.Queue, []byte(rec.ID)); err != nil {
		return rec, fmt.Errorf("publish trigger for %s: %w", rec.ID, err)
	}
	i.log.Info("original stored", "id", rec.ID, "name", rec.Name, "size", rec.Size, "content_type", rec.ContentType)
	return rec, nil
}

// Trigger re-publishes the derivation trigger of an existing original.
func (i *Ingester) Trigger(ctx context.Context, id string) error {
	rec, err := i.store.FindByID(ctx, i.cfg.Bucket, id)
	if err != nil {
		return err
	}
	if err := i.publisher.Publish(ctx, i.cfg.Queue, []byte(rec.ID)); err != nil {
		return fmt.Errorf("publish trigger for %s: %w", rec.ID, err)
	}
	return nil
}
