// Package imaging bounds a captured photo before it is submitted to an
// identification provider. Raw captures can be multi-megabyte; providers want
// something small, and a bounded JPEG does not hurt recognition accuracy.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"math"

	xdraw "golang.org/x/image/draw"
)

const (
	// DefaultMaxDimension bounds the longest side of the normalized image.
	DefaultMaxDimension = 1024
	// DefaultQuality is the JPEG quality factor used for re-encoding.
	DefaultQuality = 82
)

var (
	// ErrDecode means the source payload is not a decodable image.
	ErrDecode = errors.New("image decode failed")
	// ErrEncode means re-encoding produced no usable output.
	ErrEncode = errors.New("jpeg encode failed")
)

// Normalize decodes the source payload, downscales it uniformly so the
// longest side fits maxDimension (never upscaling), and re-encodes it as JPEG
// at the given quality. The input is never mutated; the result is an
// independently owned payload. A source already within bounds keeps its
// dimensions but is still re-encoded.
func Normalize(data []byte, maxDimension, quality int) ([]byte, error) {
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	bounds := src.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrDecode)
	}

	longest := width
	if height > longest {
		longest = height
	}
	scale := 1.0
	if longest > maxDimension {
		scale = float64(maxDimension) / float64(longest)
	}
	targetWidth := scaled(width, scale)
	targetHeight := scaled(height, scale)

	dst := image.NewRGBA(image.Rect(0, 0, targetWidth, targetHeight))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, xdraw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	if buf.Len() == 0 {
		return nil, ErrEncode
	}
	return buf.Bytes(), nil
}

// scaled rounds half away from zero with a one-pixel floor, matching the
// capture pipeline's behavior on extreme aspect ratios.
func scaled(dim int, scale float64) int {
	out := int(math.Round(float64(dim) * scale))
	if out < 1 {
		out = 1
	}
	return out
}

// Dimensions decodes just the image header and reports pixel dimensions.
// Used by tests and by callers that want to validate a payload cheaply.
func Dimensions(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return cfg.Width, cfg.Height, nil
}
