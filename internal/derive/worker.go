// Package derive turns derivation trigger messages into fixed-size
// thumbnails.
//
// Each delivery carries the identifier of an original blob. The worker
// resolves it, reads the original fully into memory, decodes, resizes,
// encodes and writes the derivative as <id><ext> into the derivatives
// bucket. Success and permanent failures acknowledge the delivery;
// transient failures nack it so the broker redelivers.
package derive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/trunov/photothumb/internal/blobstore"
	"github.com/trunov/photothumb/internal/entities"
	"github.com/trunov/photothumb/internal/processor"
	"github.com/trunov/photothumb/internal/queue"
	"github.com/trunov/photothumb/internal/report"
)

const (
	settleTimeout      = 5 * time.Second
	maxLoggedPayload   = 64
	DefaultMaxSource   = 64 << 20
	DefaultMaxPixels   = 50_000_000
	DefaultThumbWidth  = 100
	DefaultThumbHeight = 100
)

type Config struct {
	Queue           string
	Originals       string
	Derivatives     string
	Width           int
	Height          int
	MessageTimeout  time.Duration
	MaxSourceBytes  int64
	// MaxSourcePixels bounds width*height read from the header before the
	// full decode allocates the bitmap.
	MaxSourcePixels int64
}

// Locker serializes work on one original across workers.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(context.Context) error, err error)
}

type Stats struct {
	Processed            int64 `json:"processed"`
	Acknowledged         int64 `json:"acknowledged"`
	FailedAcknowledged   int64 `json:"failed_acknowledged"`
	FailedUnacknowledged int64 `json:"failed_unacknowledged"`
}

type Worker struct {
	store    blobstore.Store
	broker   queue.Broker
	encoder  processor.Encoder
	resizer  processor.ImageModifier
	reporter report.Reporter
	locker   Locker
	cfg      Config
	log      *slog.Logger

	processed, acked, failedAcked, failedUnacked atomic.Int64
}

type Option func(*Worker)

func WithReporter(r report.Reporter) Option {
	return func(w *Worker) { w.reporter = r }
}

func WithLocker(l Locker) Option {
	return func(w *Worker) { w.locker = l }
}

func New(store blobstore.Store, broker queue.Broker, enc processor.Encoder, cfg Config, log *slog.Logger, opts ...Option) *Worker {
	if cfg.Width <= 0 {
		cfg.Width = DefaultThumbWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = DefaultThumbHeight
	}
	if cfg.MaxSourceBytes <= 0 {
		cfg.MaxSourceBytes = DefaultMaxSource
	}
	if cfg.MaxSourcePixels <= 0 {
		cfg.MaxSourcePixels = DefaultMaxPixels
	}
	if enc == nil {
		enc = processor.JPEGEncoder{Quality: processor.DefaultQuality}
	}

	w := &Worker{
		store:    store,
		broker:   broker,
		encoder:  enc,
		resizer:  &processor.ImageResizer{Width: cfg.Width, Height: cfg.Height},
		reporter: report.Noop{},
		cfg:      cfg,
		log:      log.With("component", "derive"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run declares the trigger queue and blocks handling deliveries until ctx
// is done.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.broker.DeclareQueue(ctx, w.cfg.Queue); err != nil {
		return err
	}
	w.log.Info("worker started",
		"queue", w.cfg.Queue,
		"originals", w.cfg.Originals,
		"derivatives", w.cfg.Derivatives,
		"size", fmt.Sprintf("%dx%d", w.cfg.Width, w.cfg.Height),
		"format", w.encoder.ContentType(),
	)
	return w.broker.Subscribe(ctx, w.cfg.Queue, w.Handle)
}

// Handle is the queue.Handler of the worker.
func (w *Worker) Handle(ctx context.Context, d queue.Delivery) {
	w.Process(ctx, d)
}

// Process runs one delivery to a terminal disposition. It never panics.
func (w *Worker) Process(ctx context.Context, d queue.Delivery) Result {
	start := time.Now()
	res := Result{MessageID: d.ID, Stage: StageReceived}

	mctx := ctx
	if w.cfg.MessageTimeout > 0 {
		var cancel context.CancelFunc
		mctx, cancel = context.WithTimeout(ctx, w.cfg.MessageTimeout)
		defer cancel()
	}

	res.Derivative, res.Err = w.safeDerive(mctx, d, &res)
	res.Disposition = w.settle(ctx, d, &res)
	res.Duration = time.Since(start)

	w.record(res)
	w.logResult(d, res)
	return res
}

func (w *Worker) safeDerive(ctx context.Context, d queue.Delivery, res *Result) (rec entities.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("panic while deriving", "msg_id", d.ID, "panic", r, "stack", string(debug.Stack()))
			rec = entities.Record{}
			err = stageErr(res.Stage, fmt.Errorf("%w: %v", ErrPanic, r))
		}
	}()
	return w.derive(ctx, d, res)
}

func (w *Worker) derive(ctx context.Context, d queue.Delivery, res *Result) (entities.Record, error) {
	// 1. payload -> identifier
	id := strings.TrimSpace(string(d.Payload))
	if !utf8.Valid(d.Payload) || !blobstore.ValidID(id) {
		return entities.Record{}, stageErr(StageReceived, ErrMalformedTrigger)
	}
	res.OriginalID = id

	// 2. identifier -> original record
	res.Stage = StageResolving
	if w.locker != nil {
		unlock, err := w.locker.Lock(ctx, id)
		if err != nil {
			return entities.Record{}, stageErr(StageResolving, fmt.Errorf("lock %s: %w", id, err))
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				w.log.Warn("unlock failed", "id", id, "err", err)
			}
		}()
	}
	orig, err := w.store.FindByID(ctx, w.cfg.Originals, id)
	if err != nil {
		return entities.Record{}, stageErr(StageResolving, unresolvable(err))
	}

	// 3. read the whole original
	res.Stage = StageStreaming
	data, err := w.readOriginal(ctx, orig)
	if err != nil {
		return entities.Record{}, stageErr(StageStreaming, err)
	}

	// 4. decode
	res.Stage = StageDecoding
	if err := w.checkPixels(data); err != nil {
		return entities.Record{}, stageErr(StageDecoding, err)
	}
	img, _, err := processor.Decode(bytes.NewReader(data))
	if err != nil {
		return entities.Record{}, stageErr(StageDecoding, fmt.Errorf("%w: %v", ErrUnsupportedMedia, err))
	}

	// 5. resize
	res.Stage = StageResizing
	thumb := w.resizer.Modify(img)

	// 6. encode
	res.Stage = StageEncoding
	out, err := processor.Encode(w.encoder, thumb)
	if err != nil {
		return entities.Record{}, stageErr(StageEncoding, err)
	}
	width, height, err := processor.Dimensions(out)
	if err != nil {
		return entities.Record{}, stageErr(StageEncoding, err)
	}

	// 7. write <id><ext>; the name is unique so redelivery overwrites
	res.Stage = StageWriting
	rec, err := w.write(ctx, id+w.encoder.Extension(), out, width, height)
	if err != nil {
		return entities.Record{}, stageErr(StageWriting, err)
	}
	return rec, nil
}

func unresolvable(err error) error {
	if errors.Is(err, blobstore.ErrNotFound) || errors.Is(err, blobstore.ErrInvalidID) {
		return fmt.Errorf("%w: %v", ErrUnresolvableReference, err)
	}
	return err
}

func (w *Worker) readOriginal(ctx context.Context, orig entities.Record) ([]byte, error) {
	if orig.Size > w.cfg.MaxSourceBytes {
		return nil, fmt.Errorf("%w: original is %d bytes, limit %d", ErrUnsupportedMedia, orig.Size, w.cfg.MaxSourceBytes)
	}

	rc, err := w.store.OpenRead(ctx, w.cfg.Originals, orig.Name)
	if err != nil {
		return nil, unresolvable(err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, w.cfg.MaxSourceBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrStoreUnavailable, orig.Name, err)
	}
	if int64(len(data)) > w.cfg.MaxSourceBytes {
		return nil, fmt.Errorf("%w: original exceeds %d bytes", ErrUnsupportedMedia, w.cfg.MaxSourceBytes)
	}
	return data, nil
}

func (w *Worker) checkPixels(data []byte) error {
	width, height, err := processor.Dimensions(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedMedia, err)
	}
	if int64(width)*int64(height) > w.cfg.MaxSourcePixels {
		return fmt.Errorf("%w: original is %dx%d, limit %d pixels", ErrUnsupportedMedia, width, height, w.cfg.MaxSourcePixels)
	}
	return nil
}

func (w *Worker) write(ctx context.Context, name string, data []byte, width, height int) (entities.Record, error) {
	meta := map[string]string{
		entities.MetaContentType: w.encoder.ContentType(),
		entities.MetaWidth:       strconv.Itoa(width),
		entities.MetaHeight:      strconv.Itoa(height),
	}
	wr, err := w.store.OpenWrite(ctx, w.cfg.Derivatives, name, meta)
	if err != nil {
		return entities.Record{}, err
	}
	if _, err := wr.Write(data); err != nil {
		_ = wr.Abort()
		return entities.Record{}, fmt.Errorf("%w: %s: %w", ErrPartialWrite, name, err)
	}
	rec, err := wr.Commit(ctx)
	if err != nil {
		return entities.Record{}, fmt.Errorf("%w: %s: %w", ErrPartialWrite, name, err)
	}
	return rec, nil
}

// settle acknowledges on success or permanent failure and nacks on
// transient failure. It uses its own deadline so an expired message
// deadline still gets settled.
func (w *Worker) settle(ctx context.Context, d queue.Delivery, res *Result) Disposition {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if res.Err != nil && Classify(res.Err) == Transient {
		if err := d.Nack(sctx); err != nil {
			w.log.Warn("nack failed; broker will redeliver", "msg_id", d.ID, "err", err)
		}
		return FailedUnacknowledged
	}

	if res.Err != nil {
		w.reporter.CaptureError(res.Err, map[string]string{
			"queue": d.Queue,
			"stage": res.Stage.String(),
		})
	}

	if err := d.Ack(sctx); err != nil {
		w.log.Warn("ack failed; broker will redeliver", "msg_id", d.ID, "err", err)
		if res.Err == nil {
			res.Err = fmt.Errorf("ack: %w", err)
		}
		return FailedUnacknowledged
	}
	if res.Err == nil {
		res.Stage = StageAcknowledged
		return Acknowledged
	}
	return FailedAcknowledged
}

func (w *Worker) record(res Result) {
	w.processed.Add(1)
	switch res.Disposition {
	case Acknowledged:
		w.acked.Add(1)
	case FailedAcknowledged:
		w.failedAcked.Add(1)
	case FailedUnacknowledged:
		w.failedUnacked.Add(1)
	}
}

// Stats returns counters since start.
func (w *Worker) Stats() Stats {
	return Stats{
		Processed:            w.processed.Load(),
		Acknowledged:         w.acked.Load(),
		FailedAcknowledged:   w.failedAcked.Load(),
		FailedUnacknowledged: w.failedUnacked.Load(),
	}
}

func (w *Worker) logResult(d queue.Delivery, res Result) {
	payload := string(d.Payload)
	if len(payload) > maxLoggedPayload {
		payload = payload[:maxLoggedPayload] + "..."
	}
	attrs := []any{
		"msg_id", d.ID,
		"queue", d.Queue,
		"payload", payload,
		"attempt", d.Attempt,
		"stage", res.Stage.String(),
		"disposition", res.Disposition.String(),
		"duration", res.Duration,
	}

	switch {
	case res.Err == nil:
		w.log.Info("derivative written", append(attrs, "name", res.Derivative.Name, "size", res.Derivative.Size)...)
	case res.Disposition == FailedAcknowledged:
		w.log.Warn("message dropped", append(attrs, "class", Permanent.String(), "err", res.Err)...)
	default:
		w.log.Warn("message left for redelivery", append(attrs, "class", Classify(res.Err).String(), "err", res.Err)...)
	}
}
