package processor

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"

	"github.com/chai2010/webp"
)

const DefaultQuality = 90

// Encoder writes an image in one fixed output format.
type Encoder interface {
	Encode(w io.Writer, img image.Image) error
	ContentType() string
	// Extension includes the leading dot.
	Extension() string
}

type JPEGEncoder struct {
	Quality int
}

func (e JPEGEncoder) Encode(w io.Writer, img image.Image) error {
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality(e.Quality)})
}

func (JPEGEncoder) ContentType() string { return "image/jpeg" }
func (JPEGEncoder) Extension() string   { return ".jpg" }

type WebPEncoder struct {
	Quality  int
	Lossless bool
}

func (e WebPEncoder) Encode(w io.Writer, img image.Image) error {
	return webp.Encode(w, img, &webp.Options{
		Lossless: e.Lossless,
		Quality:  float32(quality(e.Quality)),
		Exact:    true,
	})
}

func (WebPEncoder) ContentType() string { return "image/webp" }
func (WebPEncoder) Extension() string   { return ".webp" }

// NewEncoder returns the encoder for format ("jpeg" or "webp").
func NewEncoder(format string, q int) (Encoder, error) {
	switch format {
	case "", "jpeg", "jpg":
		return JPEGEncoder{Quality: q}, nil
	case "webp":
		return WebPEncoder{Quality: q}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

// Encode renders img with enc into memory.
func Encode(enc Encoder, img image.Image) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := enc.Encode(buf, img); err != nil {
		return nil, fmt.Errorf("encode %s: %w", enc.ContentType(), err)
	}
	return buf.Bytes(), nil
}

func quality(q int) int {
	if q <= 0 || q > 100 {
		return DefaultQuality
	}
	return q
}
