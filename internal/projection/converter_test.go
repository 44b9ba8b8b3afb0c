package projection

import (
	"image"
	"image/color"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panocap/internal/pano"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func solid(w, h int, c color.RGBA) *pano.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return pano.Wrap(img)
}

func TestConvertHeightIsHalfWidth(t *testing.T) {
	c := NewConverter(Options{Mode: ModeResize, MaxPixels: 1 << 24}, testLogger())
	for _, size := range [][2]int{{2, 1}, {3, 7}, {101, 10}, {640, 480}, {1000, 37}} {
		out, err := c.Convert(solid(size[0], size[1], color.RGBA{10, 20, 30, 255}))
		require.NoError(t, err, "%v", size)
		assert.Equal(t, size[0], out.Width())
		assert.Equal(t, size[0]/2, out.Height())
	}
}

func TestConvertPreservesUniformColour(t *testing.T) {
	c := NewConverter(Options{Mode: ModeResize, MaxPixels: 1 << 24}, testLogger())
	out, err := c.Convert(solid(64, 10, color.RGBA{200, 100, 50, 255}))
	require.NoError(t, err)
	got := out.RGBAAt(31, 15)
	assert.InDelta(t, 200, int(got.R), 1)
	assert.InDelta(t, 100, int(got.G), 1)
	assert.InDelta(t, 50, int(got.B), 1)
	assert.InDelta(t, 255, int(got.A), 1)
}

func TestConvertFailsOnEmptyOrOversizedInput(t *testing.T) {
	c := NewConverter(Options{MaxPixels: 100}, testLogger())
	_, err := c.Convert(pano.Wrap(image.NewRGBA(image.Rect(0, 0, 0, 0))))
	assert.ErrorIs(t, err, pano.ErrEncodingFailed)

	_, err = c.Convert(solid(1, 5, color.RGBA{}))
	assert.ErrorIs(t, err, pano.ErrEncodingFailed, "one pixel wide gives zero rows")

	_, err = c.Convert(solid(100, 10, color.RGBA{}))
	assert.ErrorIs(t, err, pano.ErrEncodingFailed, "100x50 exceeds a 100 pixel budget")
}

func TestRemapCentresCompositeOnHorizon(t *testing.T) {
	c := NewConverter(Options{Mode: ModeRemap, MaxPixels: 1 << 24}, testLogger())
	src := solid(200, 60, color.RGBA{0, 255, 0, 255})
	out, err := c.Remap(src, 100, 29.5)
	require.NoError(t, err)
	assert.Equal(t, 200, out.Width())
	assert.Equal(t, 100, out.Height())

	assert.Equal(t, color.RGBA{0, 255, 0, 255}, out.RGBAAt(100, 50), "equator at centre is covered")
	assert.Equal(t, uint8(0), out.RGBAAt(100, 0).A, "poles are outside a cylinder")
	// 200px at focal 100 span two radians, about 64px of a 200px wide 360° row.
	assert.Equal(t, uint8(0), out.RGBAAt(10, 50).A)

	_, err = c.Remap(src, 0, 30)
	assert.ErrorIs(t, err, pano.ErrEncodingFailed)
}

func TestProjectAutoPicksModeFromFocal(t *testing.T) {
	c := NewConverter(Options{MaxPixels: 1 << 24}, testLogger())
	img := solid(120, 40, color.RGBA{1, 2, 3, 255})

	out, mode, err := c.Project(img, 0, 20)
	require.NoError(t, err)
	assert.Equal(t, ModeResize, mode)
	assert.Equal(t, 60, out.Height())

	out, mode, err = c.Project(img, 60, 20)
	require.NoError(t, err)
	assert.Equal(t, ModeRemap, mode)
	assert.Equal(t, 60, out.Height())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeAuto, m)
	m, err = ParseMode("remap")
	require.NoError(t, err)
	assert.Equal(t, ModeRemap, m)
	_, err = ParseMode("fisheye")
	assert.Error(t, err)
}
