package preprocess

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/MeKo-Tech/imgclass/internal/onnx"
	"github.com/MeKo-Tech/imgclass/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDefault(t *testing.T) *Preprocessor {
	t.Helper()
	p, err := New(DefaultOptions())
	require.NoError(t, err)
	return p
}

func TestPreprocessSolidRed(t *testing.T) {
	p := newDefault(t)

	ten, err := p.Preprocess(testutil.RedPNG(t))
	require.NoError(t, err)
	require.Equal(t, []int64{1, 3, 224, 224}, ten.Shape)
	require.Len(t, ten.Data, 3*224*224)

	plane := 224 * 224
	want := []float32{
		(1 - 0.485) / 0.229,
		(0 - 0.456) / 0.224,
		(0 - 0.406) / 0.225,
	}
	for c := range 3 {
		for i, v := range ten.Data[c*plane : (c+1)*plane] {
			if !assert.InDelta(t, want[c], v, 1e-5, "channel %d index %d", c, i) {
				return
			}
		}
	}
}

func TestPreprocessShapeIndependentOfSource(t *testing.T) {
	p := newDefault(t)
	sizes := []struct{ w, h int }{{1, 1}, {300, 100}, {50, 400}, {224, 224}, {1000, 700}}

	for _, s := range sizes {
		ten, err := p.Preprocess(testutil.EncodePNG(t, testutil.GradientImage(s.w, s.h)))
		require.NoError(t, err, "%dx%d", s.w, s.h)
		assert.Equal(t, []int64{1, 3, 224, 224}, ten.Shape)
		assert.Len(t, ten.Data, 150528)
	}
}

func TestPreprocessFormats(t *testing.T) {
	p := newDefault(t)
	img := testutil.GradientImage(64, 48)

	tests := []struct {
		name string
		data []byte
	}{
		{"png", testutil.EncodePNG(t, img)},
		{"jpeg", testutil.EncodeJPEG(t, img)},
		{"gif", testutil.EncodeGIF(t, img)},
		{"bmp", testutil.EncodeBMP(t, img)},
		{"tiff", testutil.EncodeTIFF(t, img)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ten, err := p.Preprocess(tt.data)
			require.NoError(t, err)
			assert.Equal(t, []int64{1, 3, 224, 224}, ten.Shape)
		})
	}
}

func TestPlanarLayout(t *testing.T) {
	const w, h = 4, 3
	p, err := New(Options{
		Width: w, Height: h, Channels: 3,
		Mean: []float32{0, 0, 0}, Std: []float32{1, 1, 1},
		Filter: "nearest",
	})
	require.NoError(t, err)

	check := func(t *testing.T, data []float32) {
		t.Helper()
		require.Len(t, data, 3*w*h)
		for c := range 3 {
			for y := range h {
				for x := range w {
					want := float32(testutil.Marker(c, x, y)) / 255.0
					assert.InDelta(t, want, data[c*w*h+y*w+x], 1e-6, "c=%d y=%d x=%d", c, y, x)
				}
			}
		}
	}

	t.Run("image", func(t *testing.T) {
		ten, err := p.PreprocessImage(testutil.MarkerImage(w, h))
		require.NoError(t, err)
		check(t, ten.Data)
	})
	t.Run("png bytes", func(t *testing.T) {
		ten, err := p.Preprocess(testutil.EncodePNG(t, testutil.MarkerImage(w, h)))
		require.NoError(t, err)
		check(t, ten.Data)
	})
}

func TestPreprocessDropsAlpha(t *testing.T) {
	p := newDefault(t)
	img := image.NewNRGBA(image.Rect(0, 0, 224, 224))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 255, 0, 0, 64
	}

	ten, err := p.Preprocess(testutil.EncodePNG(t, img))
	require.NoError(t, err)
	assert.InDelta(t, (1-0.485)/0.229, ten.Data[0], 1e-5)
	assert.InDelta(t, (0-0.456)/0.224, ten.Data[224*224], 1e-5)
}

func TestPreprocessGrayscale(t *testing.T) {
	data := testutil.EncodePNG(t, testutil.SolidGray(32, 32, 128))

	_, err := newDefault(t).Preprocess(data)
	var ufe *UnsupportedFormatError
	require.ErrorAs(t, err, &ufe)
	assert.Equal(t, 1, ufe.Channels)
	assert.Equal(t, 3, ufe.Want)

	opts := DefaultOptions()
	opts.ExpandGray = true
	p, err := New(opts)
	require.NoError(t, err)
	ten, err := p.Preprocess(data)
	require.NoError(t, err)

	plane := 224 * 224
	v := float32(128) / 255.0
	for c, m := range opts.Mean {
		assert.InDelta(t, (v-m)/opts.Std[c], ten.Data[c*plane+100], 2e-2)
	}
}

func TestPreprocessSingleChannelModel(t *testing.T) {
	p, err := New(Options{Width: 8, Height: 8, Channels: 1, Mean: []float32{0.5}, Std: []float32{0.5}, Filter: "box"})
	require.NoError(t, err)

	ten, err := p.Preprocess(testutil.EncodePNG(t, testutil.SolidGray(16, 16, 255)))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1, 8, 8}, ten.Shape)
	assert.InDelta(t, 1.0, ten.Data[0], 1e-5)

	_, err = p.Preprocess(testutil.RedPNG(t))
	var ufe *UnsupportedFormatError
	assert.ErrorAs(t, err, &ufe)
}

func TestPreprocessDecodeErrors(t *testing.T) {
	p := newDefault(t)
	png := testutil.RedPNG(t)

	tests := []struct {
		name string
		data []byte
	}{
		{"nil", nil},
		{"empty", []byte{}},
		{"garbage", []byte("definitely not an image")},
		{"truncated png", png[:len(png)/3]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Preprocess(tt.data)
			var de *DecodeError
			require.ErrorAs(t, err, &de)
			assert.Contains(t, err.Error(), "decode")
		})
	}

	_, err := p.PreprocessImage(nil)
	var de *DecodeError
	assert.ErrorAs(t, err, &de)
}

func TestPreprocessRejectsOversizedSource(t *testing.T) {
	p := newDefault(t)

	_, err := p.Preprocess(testutil.PNGWithSize(t, 12000, 12000))
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "png", de.Format)
	assert.Contains(t, err.Error(), "12000x12000 exceeds 268402689 pixels")

	// Area is what counts, not either side alone.
	_, err = p.Preprocess(testutil.PNGWithSize(t, 0x3FFF+1, 0x3FFF))
	require.ErrorAs(t, err, &de)
}

func TestPreprocessMaxPixels(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxPixels = 64 * 48
	p, err := New(opts)
	require.NoError(t, err)

	_, err = p.Preprocess(testutil.EncodePNG(t, testutil.GradientImage(64, 48)))
	require.NoError(t, err, "exactly at the limit")

	for _, data := range [][]byte{
		testutil.EncodePNG(t, testutil.GradientImage(65, 48)),
		testutil.EncodeJPEG(t, testutil.GradientImage(64, 49)),
	} {
		_, err = p.Preprocess(data)
		var de *DecodeError
		require.ErrorAs(t, err, &de)
		assert.Contains(t, err.Error(), "exceeds 3072 pixels")
	}

	// Decode itself has no cap.
	img, format, err := Decode(testutil.EncodePNG(t, testutil.GradientImage(65, 48)))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 65, img.Bounds().Dx())
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr string
	}{
		{"defaults", func(*Options) {}, ""},
		{"zero width", func(o *Options) { o.Width = 0 }, "target size"},
		{"negative height", func(o *Options) { o.Height = -1 }, "target size"},
		{"four channels", func(o *Options) { o.Channels = 4 }, "channel count"},
		{"short mean", func(o *Options) { o.Mean = o.Mean[:2] }, "mean has 2"},
		{"long std", func(o *Options) { o.Std = append(o.Std, 1) }, "std has 4"},
		{"zero std", func(o *Options) { o.Std[1] = 0 }, "std[1]"},
		{"bad filter", func(o *Options) { o.Filter = "bicubic" }, "unknown resize filter"},
		{"filter case", func(o *Options) { o.Filter = "Lanczos" }, ""},
		{"negative max pixels", func(o *Options) { o.MaxPixels = -1 }, "max pixels"},
		{"unlimited pixels", func(o *Options) { o.MaxPixels = 0 }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := DefaultOptions()
			tt.mutate(&o)
			err := o.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			_, err = New(o)
			assert.Error(t, err)
		})
	}
}

func TestOptionsCopied(t *testing.T) {
	o := DefaultOptions()
	p, err := New(o)
	require.NoError(t, err)

	o.Mean[0] = 99
	got := p.Options()
	assert.InDelta(t, 0.485, got.Mean[0], 1e-6)

	got.Std[0] = 99
	assert.InDelta(t, 0.229, p.Options().Std[0], 1e-6)
}

func TestChannels(t *testing.T) {
	rect := image.Rect(0, 0, 1, 1)
	assert.Equal(t, 3, Channels(image.NewRGBA(rect)))
	assert.Equal(t, 3, Channels(image.NewNRGBA64(rect)))
	assert.Equal(t, 3, Channels(image.NewYCbCr(rect, image.YCbCrSubsampleRatio420)))
	assert.Equal(t, 3, Channels(image.NewPaletted(rect, color.Palette{color.Black})))
	assert.Equal(t, 1, Channels(image.NewGray(rect)))
	assert.Equal(t, 1, Channels(image.NewGray16(rect)))
	assert.Equal(t, 0, Channels(image.NewAlpha(rect)))
}

func TestErrorTypes(t *testing.T) {
	base := errors.New("bad magic")
	de := &DecodeError{Format: "png", Err: base}
	assert.ErrorIs(t, de, base)
	assert.Contains(t, de.Error(), "png")

	ue := &UnsupportedFormatError{Channels: 1, Want: 3}
	assert.Contains(t, ue.Error(), "1 colour channel")
}

func TestFilterNamesSorted(t *testing.T) {
	names := FilterNames()
	assert.Contains(t, names, "lanczos")
	assert.IsNonDecreasing(t, names)
}

func TestReleaseRecyclesBuffer(t *testing.T) {
	p := newDefault(t)

	first, err := p.Preprocess(testutil.RedPNG(t))
	require.NoError(t, err)
	want := append([]float32(nil), first.Data...)
	p.Release(first)

	second, err := p.Preprocess(testutil.RedPNG(t))
	require.NoError(t, err)
	assert.Equal(t, want, second.Data, "recycled buffer is fully overwritten")

	p.Release(onnx.Tensor{})
}
