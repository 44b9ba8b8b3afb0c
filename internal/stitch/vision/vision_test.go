package vision

import (
	"errors"
	"image"
	"image/color"
	"image/draw"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scene paints seeded random rectangles, a texture rich in corners.
func scene(w, h int, seed int64) *image.RGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 90, G: 90, B: 90, A: 255}}, image.Point{}, draw.Src)
	for i := 0; i < w*h/300; i++ {
		x, y := rng.Intn(w), rng.Intn(h)
		rw, rh := 6+rng.Intn(30), 6+rng.Intn(30)
		c := color.RGBA{R: uint8(rng.Intn(256)), G: uint8(rng.Intn(256)), B: uint8(rng.Intn(256)), A: 255}
		draw.Draw(img, image.Rect(x, y, x+rw, y+rh), &image.Uniform{C: c}, image.Point{}, draw.Src)
	}
	return img
}

func crop(src *image.RGBA, r image.Rectangle) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), src, r.Min, draw.Src)
	return out
}

func gray(img *image.RGBA) *Plane {
	return GrayFromRGBA(img.Pix, img.Stride, img.Rect.Dx(), img.Rect.Dy())
}

func assertHomographyNear(t *testing.T, want, got Homography, tol float64) {
	t.Helper()
	for _, p := range []Point{{0, 0}, {100, 0}, {0, 100}, {150, 120}} {
		wx, wy, _ := want.Apply(p.X, p.Y)
		gx, gy, ok := got.Apply(p.X, p.Y)
		require.True(t, ok)
		assert.InDelta(t, wx, gx, tol)
		assert.InDelta(t, wy, gy, tol)
	}
}

func TestHomographyAlgebra(t *testing.T) {
	h := Homography{1.1, 0.05, 12, -0.02, 0.95, -7, 1e-4, 2e-4, 1}
	inv, ok := h.Inverse()
	require.True(t, ok)
	assertHomographyNear(t, Identity(), h.Mul(inv), 1e-9)

	x, y, ok := Translation(3, -4).Mul(PixelScale(2)).Apply(0, 0)
	require.True(t, ok)
	assert.InDelta(t, 3.5, x, 1e-12)
	assert.InDelta(t, -3.5, y, 1e-12)

	_, ok = Homography{}.Inverse()
	assert.False(t, ok)
	assert.InDelta(t, 1.0, Identity().Det(), 1e-12)
}

func TestEstimateDLTRecoversKnownTransform(t *testing.T) {
	want := Homography{0.98, -0.03, 40, 0.02, 1.01, -5, 1e-5, -2e-5, 1}
	src := []Point{{0, 0}, {200, 0}, {0, 150}, {200, 150}, {90, 60}, {30, 120}}
	dst := make([]Point, len(src))
	for i, p := range src {
		dst[i].X, dst[i].Y, _ = want.Apply(p.X, p.Y)
	}
	got, err := EstimateDLT(src, dst)
	require.NoError(t, err)
	assertHomographyNear(t, want, got, 1e-6)

	_, err = EstimateDLT(src[:3], dst[:3])
	assert.ErrorIs(t, err, ErrTooFewPoints)
}

func TestEstimateRANSACRejectsOutliersDeterministically(t *testing.T) {
	want := Translation(100, 2)
	rng := rand.New(rand.NewSource(7))
	var src, dst []Point
	for i := 0; i < 60; i++ {
		p := Point{X: rng.Float64() * 200, Y: rng.Float64() * 150}
		q := Point{}
		if i%4 == 3 {
			q = Point{X: rng.Float64() * 300, Y: rng.Float64() * 150}
		} else {
			q.X, q.Y, _ = want.Apply(p.X, p.Y)
		}
		src = append(src, p)
		dst = append(dst, q)
	}
	cfg := RANSACConfig{Iterations: 500, Threshold: 2, MinInliers: 12, Seed: 42}
	a, err := EstimateRANSAC(src, dst, cfg)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(a.Inliers), 45)
	assertHomographyNear(t, want, a.H, 0.1)

	b, err := EstimateRANSAC(src, dst, cfg)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEstimateRANSACFailsWithoutConsensus(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	var src, dst []Point
	for i := 0; i < 20; i++ {
		src = append(src, Point{X: rng.Float64() * 1000, Y: rng.Float64() * 1000})
		dst = append(dst, Point{X: rng.Float64() * 1000, Y: rng.Float64() * 1000})
	}
	_, err := EstimateRANSAC(src, dst, RANSACConfig{Threshold: 1, MinInliers: 12, Seed: 1})
	assert.True(t, errors.Is(err, ErrNoConsensus))

	_, err = EstimateRANSAC(src[:3], dst[:3], RANSACConfig{})
	assert.ErrorIs(t, err, ErrTooFewPoints)
}

func TestDetectAndMatchFindTranslation(t *testing.T) {
	s := scene(300, 150, 11)
	a := gray(crop(s, image.Rect(0, 0, 200, 150)))
	b := gray(crop(s, image.Rect(100, 0, 300, 150)))

	cfg := DefaultDetectorConfig()
	fa := Detect(a, nil, cfg)
	fb := Detect(b, nil, cfg)
	require.NotEmpty(t, fa)
	require.NotEmpty(t, fb)
	assert.LessOrEqual(t, len(fa), cfg.MaxFeatures+cfg.Levels)

	matches := MatchFeatures(fb, fa, 0.8)
	require.GreaterOrEqual(t, len(matches), 12)
	src := make([]Point, len(matches))
	dst := make([]Point, len(matches))
	for i, m := range matches {
		src[i] = Point{X: fb[m.Query].X, Y: fb[m.Query].Y}
		dst[i] = Point{X: fa[m.Train].X, Y: fa[m.Train].Y}
	}
	res, err := EstimateRANSAC(src, dst, RANSACConfig{Threshold: 3, MinInliers: 12, Seed: 42})
	require.NoError(t, err)
	x, y, ok := res.H.Apply(50, 75)
	require.True(t, ok)
	assert.InDelta(t, 150, x, 1)
	assert.InDelta(t, 75, y, 1)
}

func TestDetectIsDeterministicAndHonoursMask(t *testing.T) {
	p := gray(scene(200, 150, 5))
	assert.Equal(t, Detect(p, nil, DefaultDetectorConfig()), Detect(p, nil, DefaultDetectorConfig()))

	mask := NewPlane(p.W, p.H)
	for y := 0; y < p.H; y++ {
		for x := 0; x < 100; x++ {
			mask.Set(x, y, 1)
		}
	}
	for _, f := range Detect(p, mask, DefaultDetectorConfig()) {
		assert.Less(t, f.X, 100.0)
	}
	assert.Empty(t, Detect(NewPlane(200, 150), nil, DefaultDetectorConfig()), "flat image has no corners")
}

func TestMatchFeaturesNeedsTwoCandidates(t *testing.T) {
	f := []Feature{{Desc: Descriptor{1}}}
	assert.Nil(t, MatchFeatures(f, f, 0.8))
	assert.Equal(t, 3, Descriptor{0b111}.Distance(Descriptor{}))
}

func TestCylinderRoundTrip(t *testing.T) {
	c := NewCylinder(200, 150, FocalFromFOV(200, 65))
	assert.Less(t, c.W, 200)
	assert.Equal(t, 150, c.H)
	for _, p := range []Point{{0, 0}, {40, 100}, {88, 74}, {170, 10}} {
		x, y := c.ToSource(p.X, p.Y)
		u, v := c.FromSource(x, y)
		assert.InDelta(t, p.X, u, 1e-9)
		assert.InDelta(t, p.Y, v, 1e-9)
	}

	warped, mask := c.WarpPlane(gray(scene(200, 150, 2)))
	assert.Equal(t, c.W, warped.W)
	assert.Equal(t, float32(1), mask.At(c.W/2, c.H/2))
	assert.Equal(t, float32(0), mask.At(0, 0), "corners fall outside the projected frame")
}

func solidLayer(r image.Rectangle, v float32) *Layer {
	l := NewLayer(r)
	for i := range l.Mask {
		l.Mask[i] = 1
		l.Pix[3*i], l.Pix[3*i+1], l.Pix[3*i+2] = v, v, v
	}
	return l
}

func TestBlendCoversOverlapAndLeavesGapsTransparent(t *testing.T) {
	layers := []*Layer{
		solidLayer(image.Rect(0, 0, 40, 32), 120),
		solidLayer(image.Rect(30, 0, 64, 32), 120),
	}
	for _, mode := range []BlendMode{BlendMultiBand, BlendFeather} {
		out := Blend(layers, 80, 32, mode, 5)
		assert.Equal(t, color.RGBA{120, 120, 120, 255}, out.RGBAAt(35, 16), mode.String())
		assert.Equal(t, color.RGBA{120, 120, 120, 255}, out.RGBAAt(2, 2), mode.String())
		assert.Equal(t, uint8(0), out.RGBAAt(70, 16).A, mode.String())
	}
}

func TestMultiBandReconstructsSingleLayer(t *testing.T) {
	src := scene(64, 64, 9)
	l := WarpLayer(src, image.Rect(0, 0, 64, 64), func(x, y float64) (float64, float64, bool) { return x, y, true })
	out := Blend([]*Layer{l}, 64, 64, BlendMultiBand, 4)
	var diff float64
	for i := 0; i < len(src.Pix); i += 4 {
		diff += math.Abs(float64(src.Pix[i]) - float64(out.Pix[i]))
	}
	assert.Less(t, diff/float64(64*64), 1.0)
}

func TestFillInvalidUsesNearestRowValue(t *testing.T) {
	img := newFimg(4, 2, 1)
	img.Pix = []float32{0, 5, 0, 9, 0, 0, 0, 0}
	fillInvalid(img, []float32{0, 1, 0, 1, 0, 0, 0, 0})
	assert.Equal(t, []float32{5, 5, 5, 9, 5, 5, 5, 9}, img.Pix)
}

func TestParseBlendMode(t *testing.T) {
	m, ok := ParseBlendMode("feather")
	assert.True(t, ok)
	assert.Equal(t, BlendFeather, m)
	_, ok = ParseBlendMode("bogus")
	assert.False(t, ok)
}
