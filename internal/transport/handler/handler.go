package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/trunov/photothumb/internal/blobstore"
	"github.com/trunov/photothumb/internal/entities"
	"github.com/trunov/photothumb/internal/ingest"
)

const maxMultipartMemory = 8 << 20

type Ingester interface {
	Ingest(ctx context.Context, p ingest.Params, r io.Reader) (entities.Record, error)
}

// Check is one dependency probed by /readyz.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type Options struct {
	// Buckets maps the {kind} URL segment to a store bucket.
	Buckets      map[string]string
	Checks       []Check
	Stats        func() any
	MaxUpload    int64
	ReadyTimeout time.Duration
}

type Handler struct {
	ingester Ingester
	store    blobstore.Store
	opts     Options
	log      *slog.Logger
}

func New(ingester Ingester, store blobstore.Store, opts Options, log *slog.Logger) *Handler {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 2 * time.Second
	}
	return &Handler{
		ingester: ingester,
		store:    store,
		opts:     opts,
		log:      log.With("component", "http"),
	}
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if h.opts.Stats != nil {
		resp.Worker = h.opts.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.opts.ReadyTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Checks: map[string]string{}}
	code := http.StatusOK
	for _, c := range h.opts.Checks {
		if err := c.Ping(ctx); err != nil {
			resp.Checks[c.Name] = err.Error()
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.Name] = "ok"
	}
	writeJSON(w, code, resp)
}

func (h *Handler) UploadImage(w http.ResponseWriter, r *http.Request) {
	if h.opts.MaxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUpload+maxMultipartMemory)
	}

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeMultipartError(w, err)
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			writeJSONError(w, `missing image file: form field key should be "image"`, http.StatusBadRequest)
		} else {
			writeJSONError(w, "an error occurred while uploading the file: "+err.Error(), http.StatusBadRequest)
		}
		return
	}
	defer file.Close()

	params := ingest.Params{
		OwnerID: r.Form.Get("ownerId"),
		Caption: r.Form.Get("caption"),
	}

	rec, err := h.ingester.Ingest(r.Context(), params, file)
	if err != nil {
		h.writeIngestError(w, rec, err)
		return
	}

	writeJSON(w, http.StatusCreated, newUploadResponse(rec))
}

func (h *Handler) writeIngestError(w http.ResponseWriter, rec entities.Record, err error) {
	var verrs validator.ValidationErrors
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &verrs):
		writeJSON(w, http.StatusBadRequest, validationErrorsToMap(err))
	case errors.Is(err, ingest.ErrUnsupportedType):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ingest.ErrTooLarge), errors.As(err, &tooLarge):
		writeJSONError(w, "uploaded file exceeds maximum allowed size", http.StatusRequestEntityTooLarge)
	case errors.Is(err, blobstore.ErrStoreUnavailable):
		writeJSONError(w, "storage unavailable", http.StatusServiceUnavailable)
	default:
		h.log.Error("upload failed", "id", rec.ID, "err", err)
		writeJSONError(w, "upload failed", http.StatusInternalServerError)
	}
}

// GetImage resolves an original by id.
func (h *Handler) GetImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.store.FindByID(r.Context(), h.opts.Buckets["images"], id)
	switch {
	case errors.Is(err, blobstore.ErrInvalidID):
		writeJSONError(w, "invalid image id", http.StatusBadRequest)
		return
	case errors.Is(err, blobstore.ErrNotFound):
		writeJSONError(w, "not found", http.StatusNotFound)
		return
	case errors.Is(err, blobstore.ErrStoreUnavailable):
		writeJSONError(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	case err != nil:
		h.log.Error("find image failed", "id", id, "err", err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, newImageResponse(rec))
}

// ServeMedia streams /media/{kind}/{name} out of the store with the
// content type recorded at upload.
func (h *Handler) ServeMedia(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	bucket, ok := h.opts.Buckets[kind]
	if !ok {
		writeJSONError(w, "not found", http.StatusNotFound)
		return
	}
	name := chi.URLParam(r, "name")

	rec, rc, err := h.store.Open(r.Context(), bucket, name)
	switch {
	case errors.Is(err, blobstore.ErrNotFound):
		writeJSONError(w, "not found", http.StatusNotFound)
		return
	case errors.Is(err, blobstore.ErrStoreUnavailable):
		writeJSONError(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	case err != nil:
		h.log.Error("open media failed", "bucket", bucket, "name", name, "err", err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	var body io.Reader = rc
	contentType := rec.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		// records written without a type: sniff the head, then replay it
		head := make([]byte, 512)
		n, err := io.ReadFull(rc, head)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			writeJSONError(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		contentType = mimetype.Detect(head[:n]).String()
		body = io.MultiReader(bytes.NewReader(head[:n]), rc)
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if rec.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	}
	if width, height, ok := rec.Dimensions(); ok {
		w.Header().Set("X-Image-Width", strconv.Itoa(width))
		w.Header().Set("X-Image-Height", strconv.Itoa(height))
	}
	if kind == "thumbs" {
		w.Header().Set("Cache-Control", "public, max-age=86400")
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.log.Warn("media stream interrupted", "name", name, "err", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
