package testutil

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// SolidImage returns a w x h RGBA image filled with c.
func SolidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}

// SolidGray returns a w x h single-channel image.
func SolidGray(w, h int, v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

// MarkerImage returns an opaque w x h image whose pixel (x, y) carries
// R = Marker(0,x,y), G = Marker(1,x,y), B = Marker(2,x,y).
func MarkerImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, color.NRGBA{
				R: Marker(0, x, y),
				G: Marker(1, x, y),
				B: Marker(2, x, y),
				A: 255,
			})
		}
	}
	return img
}

// Marker is the byte MarkerImage stores for channel c at (x, y).
func Marker(c, x, y int) uint8 {
	return uint8((c*97 + y*31 + x*7 + 11) % 256)
}

// GradientImage returns a horizontal red-to-blue gradient.
func GradientImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			v := uint8(x * 255 / max(w-1, 1))
			img.SetNRGBA(x, y, color.NRGBA{R: 255 - v, G: uint8(y % 256), B: v, A: 255})
		}
	}
	return img
}

// EncodePNG encodes img as PNG.
func EncodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// PNGWithSize returns a grayscale PNG whose header claims width x height.
// Only the header is valid, so it exercises code that stops before the pixels.
func PNGWithSize(t *testing.T, width, height uint32) []byte {
	t.Helper()
	data := EncodePNG(t, image.NewGray(image.Rect(0, 0, 1, 1)))
	// 8-byte signature, then the IHDR length and type.
	const ihdr = 8 + 4
	require.Equal(t, "IHDR", string(data[ihdr:ihdr+4]))
	binary.BigEndian.PutUint32(data[ihdr+4:], width)
	binary.BigEndian.PutUint32(data[ihdr+8:], height)
	binary.BigEndian.PutUint32(data[ihdr+4+13:], crc32.ChecksumIEEE(data[ihdr:ihdr+4+13]))
	return data
}

// EncodeJPEG encodes img as JPEG at quality 95.
func EncodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

// EncodeGIF encodes img as GIF.
func EncodeGIF(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, gif.Encode(&buf, img, nil))
	return buf.Bytes()
}

// EncodeBMP encodes img as BMP.
func EncodeBMP(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, bmp.Encode(&buf, img))
	return buf.Bytes()
}

// EncodeTIFF encodes img as TIFF.
func EncodeTIFF(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, tiff.Encode(&buf, img, nil))
	return buf.Bytes()
}

// SaveImage writes img to path, choosing the format from the extension.
func SaveImage(t *testing.T, img image.Image, path string) {
	t.Helper()
	require.NoError(t, imaging.Save(img, path))
}

// RedPNG is a 300x300 opaque red PNG, the canonical end-to-end input.
func RedPNG(t *testing.T) []byte {
	t.Helper()
	return EncodePNG(t, SolidImage(300, 300, color.RGBA{R: 255, A: 255}))
}
