// Package preprocess turns encoded images into normalized planar tensors.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"sort"
	"strings"

	"github.com/MeKo-Tech/imgclass/internal/mempool"
	"github.com/MeKo-Tech/imgclass/internal/onnx"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder
)

// Default ImageNet input geometry and statistics.
const (
	DefaultSize     = 224
	DefaultChannels = 3
	DefaultFilter   = "lanczos"

	// DefaultMaxPixels caps decoded sources at 16383x16383.
	DefaultMaxPixels = 0x3FFF * 0x3FFF
)

var (
	imageNetMean = []float32{0.485, 0.456, 0.406}
	imageNetStd  = []float32{0.229, 0.224, 0.225}
)

var filters = map[string]imaging.ResampleFilter{
	"nearest":    imaging.NearestNeighbor,
	"box":        imaging.Box,
	"linear":     imaging.Linear,
	"catmullrom": imaging.CatmullRom,
	"mitchell":   imaging.MitchellNetravali,
	"lanczos":    imaging.Lanczos,
}

// FilterNames lists the accepted resize filter names.
func FilterNames() []string {
	names := make([]string, 0, len(filters))
	for n := range filters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Options describes the model's expected input. Mean and Std hold one entry per channel.
type Options struct {
	Width    int
	Height   int
	Channels int
	Mean     []float32
	Std      []float32
	Filter   string
	// ExpandGray replicates single-channel sources to RGB instead of rejecting them.
	ExpandGray bool
	// MaxPixels bounds the width*height of a source before it is decoded. Zero means no limit.
	MaxPixels int
}

// DefaultOptions returns 224x224 RGB with ImageNet statistics.
func DefaultOptions() Options {
	return Options{
		Width:     DefaultSize,
		Height:    DefaultSize,
		Channels:  DefaultChannels,
		Mean:      append([]float32(nil), imageNetMean...),
		Std:       append([]float32(nil), imageNetStd...),
		Filter:    DefaultFilter,
		MaxPixels: DefaultMaxPixels,
	}
}

// Validate checks geometry and that the per-channel constants agree with Channels.
func (o Options) Validate() error {
	if o.Width <= 0 || o.Height <= 0 {
		return fmt.Errorf("invalid target size %dx%d", o.Width, o.Height)
	}
	if o.Channels != 1 && o.Channels != 3 {
		return fmt.Errorf("unsupported channel count %d (must be 1 or 3)", o.Channels)
	}
	if len(o.Mean) != o.Channels {
		return fmt.Errorf("mean has %d values, want %d (one per channel)", len(o.Mean), o.Channels)
	}
	if len(o.Std) != o.Channels {
		return fmt.Errorf("std has %d values, want %d (one per channel)", len(o.Std), o.Channels)
	}
	for i, s := range o.Std {
		if s == 0 {
			return fmt.Errorf("std[%d] must be non-zero", i)
		}
	}
	if o.MaxPixels < 0 {
		return fmt.Errorf("max pixels must be >= 0, got %d", o.MaxPixels)
	}
	if _, ok := filters[strings.ToLower(o.Filter)]; !ok {
		return fmt.Errorf("unknown resize filter %q (must be one of: %s)", o.Filter, strings.Join(FilterNames(), ", "))
	}
	return nil
}

// Preprocessor converts encoded images into model input tensors.
// It holds no mutable state and is safe for concurrent use.
type Preprocessor struct {
	opts   Options
	filter imaging.ResampleFilter
}

// New validates opts and returns a Preprocessor.
func New(opts Options) (*Preprocessor, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("preprocess options: %w", err)
	}
	opts.Mean = append([]float32(nil), opts.Mean...)
	opts.Std = append([]float32(nil), opts.Std...)
	return &Preprocessor{opts: opts, filter: filters[strings.ToLower(opts.Filter)]}, nil
}

// Options returns a copy of the configured options.
func (p *Preprocessor) Options() Options {
	o := p.opts
	o.Mean = append([]float32(nil), p.opts.Mean...)
	o.Std = append([]float32(nil), p.opts.Std...)
	return o
}

// Preprocess decodes data and returns a [1, C, H, W] tensor.
// It returns *DecodeError or *UnsupportedFormatError on bad input.
func (p *Preprocessor) Preprocess(data []byte) (onnx.Tensor, error) {
	img, _, err := DecodeLimited(data, p.opts.MaxPixels)
	if err != nil {
		return onnx.Tensor{}, err
	}
	return p.PreprocessImage(img)
}

// PreprocessImage runs resize, alpha removal, normalization and planar re-layout
// on an already decoded image.
func (p *Preprocessor) PreprocessImage(img image.Image) (onnx.Tensor, error) {
	if img == nil {
		return onnx.Tensor{}, &DecodeError{Err: errors.New("nil image")}
	}

	got := Channels(img)
	if got == 1 && p.opts.Channels == 3 && p.opts.ExpandGray {
		got = 3
	}
	if got != p.opts.Channels {
		return onnx.Tensor{}, &UnsupportedFormatError{Channels: got, Want: p.opts.Channels}
	}

	var raster *image.NRGBA
	b := img.Bounds()
	if b.Dx() == p.opts.Width && b.Dy() == p.opts.Height {
		raster = imaging.Clone(img)
	} else {
		raster = imaging.Resize(img, p.opts.Width, p.opts.Height, p.filter)
	}

	data := planarize(raster, p.opts.Channels, p.opts.Mean, p.opts.Std)
	return onnx.NewImageTensor(data, p.opts.Channels, p.opts.Height, p.opts.Width)
}

// Release hands the buffer behind t back for reuse. t must not be read afterwards.
func (p *Preprocessor) Release(t onnx.Tensor) {
	mempool.PutFloat32(t.Data)
}

// Decode decodes an encoded image of any registered format.
func Decode(data []byte) (image.Image, string, error) {
	return DecodeLimited(data, 0)
}

// DecodeLimited is Decode with a cap on width*height. The header is read
// first so that oversized sources are rejected before any pixels are allocated.
// A maxPixels of zero disables the check.
func DecodeLimited(data []byte, maxPixels int) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", &DecodeError{Err: errors.New("empty image buffer")}
	}
	if maxPixels > 0 {
		cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, "", &DecodeError{Err: err}
		}
		if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
			return nil, format, &DecodeError{
				Format: format,
				Err:    fmt.Errorf("image %dx%d exceeds %d pixels", cfg.Width, cfg.Height, maxPixels),
			}
		}
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", &DecodeError{Err: err}
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, format, &DecodeError{Format: format, Err: fmt.Errorf("empty image %dx%d", b.Dx(), b.Dy())}
	}
	return img, format, nil
}

// Channels reports the number of colour channels of img, excluding alpha.
func Channels(img image.Image) int {
	switch img.ColorModel() {
	case color.GrayModel, color.Gray16Model:
		return 1
	case color.AlphaModel, color.Alpha16Model:
		return 0
	default:
		return 3
	}
}

// planarize reads the interleaved NRGBA raster (4 bytes per pixel, alpha last)
// and writes out[c*H*W + y*W + x] = (pix/255 - mean[c]) / std[c].
func planarize(src *image.NRGBA, channels int, mean, std []float32) []float32 {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	out := mempool.GetFloat32(channels * plane)

	for y := range h {
		row := src.Pix[y*src.Stride : y*src.Stride+w*4]
		for x := range w {
			px := row[x*4 : x*4+4]
			for c := range channels {
				v := float32(px[c]) / 255.0
				out[c*plane+y*w+x] = (v - mean[c]) / std[c]
			}
		}
	}
	return out
}
