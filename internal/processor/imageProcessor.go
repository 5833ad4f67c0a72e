package processor

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

// ErrUnsupportedFormat is returned for bytes that do not decode as a
// supported raster image.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// ImageModifier defines an image modifier
type ImageModifier interface {
	Modify(img image.Image) image.Image
}

// ImageResizer resizes to exactly Width x Height.
type ImageResizer struct {
	Width  int
	Height int
}

// Modify to implement ImageModifier interface
func (r *ImageResizer) Modify(img image.Image) image.Image {
	size := img.Bounds().Size()
	if size.X == 0 || size.Y == 0 || r.Width <= 0 || r.Height <= 0 {
		return img
	}
	if size.X == r.Width && size.Y == r.Height {
		return img
	}
	return imaging.Resize(img, r.Width, r.Height, imaging.Lanczos)
}

// Decode reads a JPEG, PNG, GIF or WebP image and reports its format name.
func Decode(r io.Reader) (image.Image, string, error) {
	br := bufio.NewReader(r)
	if isWebP(br) {
		img, err := webp.Decode(br)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		return img, "webp", nil
	}

	img, format, err := image.Decode(br)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	return img, format, nil
}

// Dimensions reads the pixel size from an encoded image header.
func Dimensions(data []byte) (int, int, error) {
	br := bufio.NewReader(bytes.NewReader(data))
	var (
		cfg image.Config
		err error
	)
	if isWebP(br) {
		cfg, err = webp.DecodeConfig(br)
	} else {
		cfg, _, err = image.DecodeConfig(br)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	return cfg.Width, cfg.Height, nil
}

// RIFF????WEBP
func isWebP(br *bufio.Reader) bool {
	hdr, err := br.Peek(12)
	if err != nil {
		return false
	}
	return string(hdr[:4]) == "RIFF" && string(hdr[8:12]) == "WEBP"
}
