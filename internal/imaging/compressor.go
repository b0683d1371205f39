package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ContentType of every compressed photo.
const ContentType = "image/jpeg"

const (
	DefaultMaxDimension = 1024
	DefaultQuality      = 70
	// DefaultMaxPixels bounds the decoded size of an upload.
	DefaultMaxPixels = 40_000_000
)

// ErrUnsupportedImage is returned when the input cannot be decoded.
var ErrUnsupportedImage = errors.New("unsupported or corrupt image")

// Compressor downsizes photos before they are sent for analysis and stored.
type Compressor struct {
	MaxDimension int
	Quality      int
	// MaxPixels rejects images whose header declares more pixels; zero
	// means DefaultMaxPixels.
	MaxPixels int
}

// Result is a compressed photo.
type Result struct {
	Data         []byte
	Width        int
	Height       int
	SourceFormat string
}

// NewCompressor returns a compressor; non-positive arguments take defaults.
func NewCompressor(maxDimension, quality int) *Compressor {
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &Compressor{MaxDimension: maxDimension, Quality: quality, MaxPixels: DefaultMaxPixels}
}

// Compress decodes a JPEG, PNG, GIF or WebP photo, scales it so the longest
// side is at most MaxDimension (keeping aspect ratio) and re-encodes it as
// JPEG at Quality.
func (c *Compressor) Compress(raw []byte) (*Result, error) {
	if len(raw) == 0 {
		return nil, ErrUnsupportedImage
	}
	// Check the declared size before the decoder allocates the pixel buffer.
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if err := c.checkSize(cfg.Width, cfg.Height); err != nil {
		return nil, err
	}

	src, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}

	b := src.Bounds()
	w, h := scaledSize(b.Dx(), b.Dy(), c.MaxDimension)

	var img image.Image = src
	if w != b.Dx() || h != b.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.Quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}

	return &Result{
		Data:         buf.Bytes(),
		Width:        w,
		Height:       h,
		SourceFormat: format,
	}, nil
}

func (c *Compressor) checkSize(w, h int) error {
	limit := c.MaxPixels
	if limit <= 0 {
		limit = DefaultMaxPixels
	}
	if w <= 0 || h <= 0 || int64(w)*int64(h) > int64(limit) {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrUnsupportedImage, w, h, limit)
	}
	return nil
}

// scaledSize fits w x h inside a limit x limit box.
func scaledSize(w, h, limit int) (int, int) {
	if limit <= 0 || (w <= limit && h <= limit) {
		return w, h
	}
	if w >= h {
		return limit, atLeastOne(h * limit / w)
	}
	return atLeastOne(w * limit / h), limit
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
