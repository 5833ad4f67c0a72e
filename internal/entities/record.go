package entities

import (
	"strconv"
	"time"
)

// Metadata keys attached to stored blobs.
const (
	MetaContentType = "contentType"
	MetaOwnerID     = "ownerId"
	MetaCaption     = "caption"
	MetaWidth       = "width"
	MetaHeight      = "height"
)

// Record is one finalized blob in a bucket. Records are immutable once
// committed; only a re-commit under the same name replaces the content.
type Record struct {
	ID          string            `json:"id"`
	Bucket      string            `json:"bucket"`
	Name        string            `json:"name"`
	Size        int64             `json:"size"`
	ContentType string            `json:"content_type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Dimensions reads the width/height metadata of a derivative.
func (r Record) Dimensions() (width, height int, ok bool) {
	w, err := strconv.Atoi(r.Metadata[MetaWidth])
	if err != nil {
		return 0, 0, false
	}
	h, err := strconv.Atoi(r.Metadata[MetaHeight])
	if err != nil {
		return 0, 0, false
	}
	return w, h, true
}
