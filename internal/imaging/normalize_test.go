package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"
)

func encodeTestImage(t *testing.T, width, height int, asPNG bool) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y += 16 {
		for x := 0; x < width; x += 16 {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	if asPNG {
		require.NoError(t, png.Encode(&buf, img))
	} else {
		require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	}
	return buf.Bytes()
}

func TestNormalizeDownscalesToBound(t *testing.T) {
	// 1600x1200 with a 1024 bound: scale = 0.64, so 1024x768 exactly.
	src := encodeTestImage(t, 1600, 1200, false)

	out, err := Normalize(src, 1024, 82)
	require.NoError(t, err)

	width, height, err := Dimensions(out)
	require.NoError(t, err)
	require.Equal(t, 1024, width)
	require.Equal(t, 768, height)
}

func TestNormalizeNeverUpscales(t *testing.T) {
	src := encodeTestImage(t, 640, 480, false)

	out, err := Normalize(src, 1024, 82)
	require.NoError(t, err)

	width, height, err := Dimensions(out)
	require.NoError(t, err)
	require.Equal(t, 640, width)
	require.Equal(t, 480, height)
}

func TestNormalizeIsIdempotentOnDimensions(t *testing.T) {
	src := encodeTestImage(t, 1600, 1200, false)
	first, err := Normalize(src, 1024, 82)
	require.NoError(t, err)

	second, err := Normalize(first, 1024, 82)
	require.NoError(t, err)

	w1, h1, err := Dimensions(first)
	require.NoError(t, err)
	w2, h2, err := Dimensions(second)
	require.NoError(t, err)
	require.Equal(t, w1, w2)
	require.Equal(t, h1, h2)
}

func TestNormalizeReencodesPNGAsJPEG(t *testing.T) {
	src := encodeTestImage(t, 320, 200, true)

	out, err := Normalize(src, 1024, 82)
	require.NoError(t, err)

	_, format, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, "jpeg", format)
}

func TestNormalizeExtremeAspectRatioKeepsOnePixelFloor(t *testing.T) {
	// 4096x1 scaled by 0.25 would round height to 0 without the floor.
	src := encodeTestImage(t, 4096, 1, true)

	out, err := Normalize(src, 1024, 82)
	require.NoError(t, err)

	width, height, err := Dimensions(out)
	require.NoError(t, err)
	require.Equal(t, 1024, width)
	require.Equal(t, 1, height)
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	src := encodeTestImage(t, 320, 200, false)
	original := append([]byte(nil), src...)

	_, err := Normalize(src, 64, 82)
	require.NoError(t, err)
	require.Equal(t, original, src)
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	_, err := Normalize([]byte("not an image"), 1024, 82)
	require.ErrorIs(t, err, ErrDecode)

	_, err = Normalize(nil, 1024, 82)
	require.ErrorIs(t, err, ErrDecode)
}

func TestNormalizeDefaultsApply(t *testing.T) {
	src := encodeTestImage(t, 1600, 1200, false)

	out, err := Normalize(src, 0, 0)
	require.NoError(t, err)

	width, height, err := Dimensions(out)
	require.NoError(t, err)
	require.Equal(t, DefaultMaxDimension, width)
	require.Equal(t, 768, height)
}
