package pano

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 13), B: uint8(x ^ y), A: 255})
		}
	}
	return img
}

func TestWrapNormalisesOrigin(t *testing.T) {
	src := gradient(20, 10)
	sub := src.SubImage(image.Rect(5, 2, 15, 8)).(*image.RGBA)

	img := Wrap(sub)
	require.NotNil(t, img)
	assert.Equal(t, image.Rect(0, 0, 10, 6), img.Bounds())
	assert.Equal(t, src.RGBAAt(5, 2), img.RGBAAt(0, 0))
}

func TestFromImageCopies(t *testing.T) {
	src := gradient(8, 8)
	img := FromImage(src)
	src.SetRGBA(0, 0, color.RGBA{1, 2, 3, 4})
	assert.NotEqual(t, color.RGBA{1, 2, 3, 4}, img.RGBAAt(0, 0))
}

func TestPNGRoundTripIsLossless(t *testing.T) {
	img := Wrap(gradient(33, 17))

	var buf bytes.Buffer
	require.NoError(t, EncodePNG(&buf, img))

	back, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, img.Pix(), back.Pix())
}

func TestWritePNGAndDecodeFile(t *testing.T) {
	img := Wrap(gradient(12, 9))
	path := filepath.Join(t.TempDir(), "nested", "frame.png")

	require.NoError(t, WritePNG(path, img))
	back, err := DecodeFile(path)
	require.NoError(t, err)
	assert.Equal(t, img.Pix(), back.Pix())
}

func TestEncodeEmptyImageFails(t *testing.T) {
	err := EncodePNG(&bytes.Buffer{}, Wrap(image.NewRGBA(image.Rect(0, 0, 0, 0))))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEncodingFailed)
}

func TestErrorKindsMatchSentinels(t *testing.T) {
	err := fmt.Errorf("session: %w", Errorf(KindHomographyEstimationFailed, "match", "pair %d: %d inliers", 3, 4))

	assert.ErrorIs(t, err, ErrHomographyEstimationFailed)
	assert.False(t, errors.Is(err, ErrInsufficientFrames))
	assert.Equal(t, KindHomographyEstimationFailed, KindOf(err))
	assert.Contains(t, err.Error(), "HomographyEstimationFailed")
	assert.Equal(t, ErrorKind(0), KindOf(errors.New("plain")))
}

func TestSequenceKeepsOrder(t *testing.T) {
	a, b, c := Wrap(gradient(2, 2)), Wrap(gradient(3, 2)), Wrap(gradient(4, 2))
	seq := NewSequence(a, b, c)

	require.Equal(t, 3, seq.Len())
	assert.Equal(t, []*Image{a, b, c}, seq.Images())
	for i, f := range seq.Frames {
		assert.Equal(t, i, f.Slot)
	}
}

func TestStageNames(t *testing.T) {
	for s := StageIdle; s <= StageComplete; s++ {
		assert.Equal(t, s, ParseStage(s.String()))
	}
	assert.Equal(t, "unknown", Stage(99).String())
}
