package thumbnail

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/image/draw"
	"golang.org/x/image/webp"
)

// ErrNotImage is returned for payloads that are not images at all.
var ErrNotImage = errors.New("payload is not an image")

// Options controls normalization.
type Options struct {
	MaxDimension int
	JPEGQuality  int
}

// DefaultOptions returns the thumbnail defaults.
func DefaultOptions() Options {
	return Options{MaxDimension: 604, JPEGQuality: 85}
}

// Normalized is an image ready for storage.
type Normalized struct {
	Data   []byte
	MIME   string
	Width  int
	Height int
}

// Normalize downscales an image to fit within opts.MaxDimension and
// re-encodes it as JPEG. Images in a format we cannot decode are kept as-is
// with their sniffed MIME type and zero dimensions.
func Normalize(data []byte, opts Options) (*Normalized, error) {
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = DefaultOptions().MaxDimension
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = DefaultOptions().JPEGQuality
	}

	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return nil, fmt.Errorf("%w: %s", ErrNotImage, mtype.String())
	}

	img, err := decode(data, mtype)
	if err != nil {
		return &Normalized{Data: data, MIME: mtype.String()}, nil
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: empty bounds", ErrNotImage)
	}
	tw, th := fit(w, h, opts.MaxDimension)

	// Flatten transparency onto white; JPEG has no alpha.
	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: opts.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return &Normalized{Data: out.Bytes(), MIME: "image/jpeg", Width: tw, Height: th}, nil
}

func decode(data []byte, mtype *mimetype.MIME) (image.Image, error) {
	r := bytes.NewReader(data)
	switch {
	case mtype.Is("image/jpeg"):
		return jpeg.Decode(r)
	case mtype.Is("image/png"):
		return png.Decode(r)
	case mtype.Is("image/gif"):
		return gif.Decode(r)
	case mtype.Is("image/webp"):
		return webp.Decode(r)
	default:
		return nil, fmt.Errorf("unsupported image type %s", mtype.String())
	}
}

// fit scales (w, h) to fit within limit, preserving aspect and never upscaling.
func fit(w, h, limit int) (int, int) {
	if w <= limit && h <= limit {
		return w, h
	}
	var tw, th int
	if w >= h {
		tw = limit
		th = int(float64(h) * float64(limit) / float64(w))
	} else {
		th = limit
		tw = int(float64(w) * float64(limit) / float64(h))
	}
	return max(tw, 1), max(th, 1)
}
