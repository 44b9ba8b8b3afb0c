package stitch

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"runtime"
	"sync"

	"golang.org/x/image/draw"

	"panocap/internal/pano"
	"panocap/internal/stitch/vision"
)

// FeatureConfig tunes the pure-Go registration pipeline.
type FeatureConfig struct {
	WorkMegapixels   float64 `json:"work_megapixels" yaml:"work_megapixels"`
	WarpMode         string  `json:"warp_mode" yaml:"warp_mode"`
	FOVDegrees       float64 `json:"fov_degrees" yaml:"fov_degrees"`
	MaxFeatures      int     `json:"max_features" yaml:"max_features"`
	PyramidLevels    int     `json:"pyramid_levels" yaml:"pyramid_levels"`
	ScaleFactor      float64 `json:"scale_factor" yaml:"scale_factor"`
	MatchRatio       float64 `json:"match_ratio" yaml:"match_ratio"`
	RANSACIterations int     `json:"ransac_iterations" yaml:"ransac_iterations"`
	RANSACThreshold  float64 `json:"ransac_threshold" yaml:"ransac_threshold"`
	MinInliers       int     `json:"min_inliers" yaml:"min_inliers"`
	Seed             int64   `json:"seed" yaml:"seed"`
	Blending         string  `json:"blending" yaml:"blending"`
	Bands            int     `json:"bands" yaml:"bands"`
	MaxCanvasPixels  int64   `json:"max_canvas_pixels" yaml:"max_canvas_pixels"`
	Workers          int     `json:"workers" yaml:"workers"`
}

// Warp modes.
const (
	WarpCylindrical = "cylindrical"
	WarpPlanar      = "planar"
)

// DefaultFeatureConfig returns the settings used when nothing is configured.
func DefaultFeatureConfig() FeatureConfig {
	return FeatureConfig{
		WorkMegapixels:   0.3,
		WarpMode:         WarpCylindrical,
		FOVDegrees:       65,
		MaxFeatures:      800,
		PyramidLevels:    3,
		ScaleFactor:      1.3,
		MatchRatio:       0.8,
		RANSACIterations: 2000,
		RANSACThreshold:  3,
		MinInliers:       12,
		Seed:             42,
		Blending:         "multiband",
		Bands:            5,
		MaxCanvasPixels:  60_000_000,
	}
}

// withDefaults fills zero fields so a partially populated config still works.
func (c FeatureConfig) withDefaults() FeatureConfig {
	d := DefaultFeatureConfig()
	if c.WorkMegapixels <= 0 {
		c.WorkMegapixels = d.WorkMegapixels
	}
	if c.WarpMode == "" {
		c.WarpMode = d.WarpMode
	}
	if c.FOVDegrees <= 0 || c.FOVDegrees >= 180 {
		c.FOVDegrees = d.FOVDegrees
	}
	if c.MaxFeatures <= 0 {
		c.MaxFeatures = d.MaxFeatures
	}
	if c.PyramidLevels <= 0 {
		c.PyramidLevels = d.PyramidLevels
	}
	if c.ScaleFactor <= 1 {
		c.ScaleFactor = d.ScaleFactor
	}
	if c.MatchRatio <= 0 || c.MatchRatio >= 1 {
		c.MatchRatio = d.MatchRatio
	}
	if c.RANSACIterations <= 0 {
		c.RANSACIterations = d.RANSACIterations
	}
	if c.RANSACThreshold <= 0 {
		c.RANSACThreshold = d.RANSACThreshold
	}
	if c.MinInliers < 4 {
		c.MinInliers = d.MinInliers
	}
	if c.Blending == "" {
		c.Blending = d.Blending
	}
	if c.Bands < 0 {
		c.Bands = d.Bands
	}
	if c.MaxCanvasPixels <= 0 {
		c.MaxCanvasPixels = d.MaxCanvasPixels
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	return c
}

// FeatureStitcher registers neighbouring frames with oriented corner features
// and RANSAC homographies, warps them onto a shared canvas and blends seams.
type FeatureStitcher struct {
	cfg FeatureConfig
	log *slog.Logger
}

// NewFeatureStitcher builds the registration stitcher.
func NewFeatureStitcher(cfg FeatureConfig, logger *slog.Logger) *FeatureStitcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeatureStitcher{cfg: cfg.withDefaults(), log: logger}
}

// Name implements Stitcher.
func (s *FeatureStitcher) Name() string { return "feature" }

// IsAvailable implements Stitcher. The pure-Go path has no external needs.
func (s *FeatureStitcher) IsAvailable() bool { return true }

// frameGeom describes one frame in work space.
type frameGeom struct {
	w, h     int // work-scale source size
	cyl      vision.Cylinder
	features []vision.Feature
}

func (g frameGeom) size(cylindrical bool) (int, int) {
	if cylindrical {
		return g.cyl.W, g.cyl.H
	}
	return g.w, g.h
}

// Stitch implements Stitcher.
func (s *FeatureStitcher) Stitch(ctx context.Context, frames []*pano.Image, rep Reporter) (*Composite, error) {
	n := len(frames)
	if n < 2 {
		return nil, pano.Errorf(pano.KindInsufficientFrames, "feature stitch", "%d frames", n)
	}
	cylindrical := s.cfg.WarpMode != WarpPlanar
	blend, ok := vision.ParseBlendMode(s.cfg.Blending)
	if !ok {
		s.log.Warn("unknown blending mode, using multiband", "blending", s.cfg.Blending)
	}

	workScale := 1.0
	for _, f := range frames {
		area := float64(f.Width() * f.Height())
		workScale = math.Min(workScale, math.Sqrt(s.cfg.WorkMegapixels*1e6/area))
	}

	rep.Stage(pano.StageDetecting, 30, fmt.Sprintf("detecting features in %d frames", n))
	geoms, err := s.detectAll(ctx, frames, workScale, cylindrical)
	if err != nil {
		return nil, err
	}

	pairs := make([]vision.Homography, n-1)
	inliers := 0
	for i := 0; i < n-1; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("feature stitch: %w", err)
		}
		rep.Stage(pano.StageMatching, between(40, 50, i, n-1), fmt.Sprintf("matching frames %d and %d", i+1, i+2))
		h, count, err := s.register(i, geoms[i], geoms[i+1])
		if err != nil {
			return nil, err
		}
		pairs[i] = h
		inliers += count
	}

	// Chain pairwise transforms into frame-0 space: T[i+1] = T[i]·H[i].
	chain := make([]vision.Homography, n)
	chain[0] = vision.Identity()
	for i := 1; i < n; i++ {
		chain[i] = chain[i-1].Mul(pairs[i-1]).Normalized()
		if _, ok := chain[i].Inverse(); !ok {
			return nil, pano.Errorf(pano.KindHomographyEstimationFailed, "feature stitch", "transform for frame %d is not invertible", i+1)
		}
	}

	workBox, err := canvasBounds(geoms, chain, cylindrical)
	if err != nil {
		return nil, err
	}
	workArea := (workBox.maxX - workBox.minX) * (workBox.maxY - workBox.minY)
	var frameArea float64
	for _, g := range geoms {
		w, h := g.size(cylindrical)
		frameArea += float64(w * h)
	}
	if workArea > 4*frameArea {
		return nil, pano.Errorf(pano.KindHomographyEstimationFailed, "feature stitch",
			"canvas of %.0f px exceeds four times the frame area", workArea)
	}

	// Compose at full resolution unless the canvas would exceed the limit.
	composeScale := 1.0
	if full := workArea / (workScale * workScale); full > float64(s.cfg.MaxCanvasPixels) {
		composeScale = math.Sqrt(float64(s.cfg.MaxCanvasPixels) / full)
	}
	toCompose := composeScale / workScale
	s.log.Debug("feature stitch geometry", "work_scale", workScale, "compose_scale", composeScale, "inliers", inliers)

	up := vision.PixelScale(toCompose)
	down, _ := up.Inverse()
	composeChain := make([]vision.Homography, n)
	for i := range chain {
		composeChain[i] = up.Mul(chain[i]).Mul(down)
	}

	composeFrames := make([]*image.RGBA, n)
	cyls := make([]vision.Cylinder, n)
	for i, f := range frames {
		composeFrames[i] = scaleRGBA(f, composeScale)
		b := composeFrames[i].Bounds()
		cyls[i] = vision.NewCylinder(b.Dx(), b.Dy(), vision.FocalFromFOV(b.Dx(), s.cfg.FOVDegrees))
	}
	box := composeBounds(composeFrames, cyls, composeChain, cylindrical)
	width := int(math.Ceil(box.maxX - box.minX - 1e-3))
	height := int(math.Ceil(box.maxY - box.minY - 1e-3))
	if width < 1 || height < 1 {
		return nil, pano.Errorf(pano.KindHomographyEstimationFailed, "feature stitch", "empty canvas")
	}
	offset := vision.Translation(-(box.minX + 0.5), -(box.minY + 0.5))

	layers := make([]*vision.Layer, n)
	var horizon float64
	for i := range frames {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("feature stitch: %w", err)
		}
		toCanvas := offset.Mul(composeChain[i])
		inv, _ := toCanvas.Inverse()
		w, h := layerSize(composeFrames[i], cyls[i], cylindrical)
		r := projectedRect(toCanvas, w, h).Intersect(image.Rect(0, 0, width, height))
		layers[i] = vision.WarpLayer(composeFrames[i], r, layerMapper(inv, cyls[i], cylindrical))

		_, cy, _ := toCanvas.Apply(float64(w-1)/2, float64(h-1)/2)
		horizon += cy / float64(n)
		rep.Stage(pano.StageWarping, between(50, 80, i+1, n), fmt.Sprintf("warped frame %d/%d", i+1, n))
	}

	rep.Stage(pano.StageBlending, 80, fmt.Sprintf("blending %d layers (%s)", n, blend))
	out := vision.Blend(layers, width, height, blend, s.cfg.Bands)

	comp := &Composite{
		Image:    pano.Wrap(out),
		Horizon:  horizon,
		Stitcher: s.Name(),
		Inliers:  inliers,
	}
	if cylindrical {
		comp.Focal = cyls[0].F
	}
	return comp, nil
}

// detectAll converts frames to work-scale gray, optionally warps them onto
// the cylinder and detects features. Frames fan out to a bounded set of
// workers; results are indexed so order is preserved.
func (s *FeatureStitcher) detectAll(ctx context.Context, frames []*pano.Image, workScale float64, cylindrical bool) ([]frameGeom, error) {
	geoms := make([]frameGeom, len(frames))
	errs := make([]error, len(frames))
	dcfg := vision.DetectorConfig{
		MaxFeatures:  s.cfg.MaxFeatures,
		Levels:       s.cfg.PyramidLevels,
		ScaleFactor:  s.cfg.ScaleFactor,
		HarrisK:      0.04,
		QualityLevel: 0.005,
		PatchRadius:  12,
		GridCells:    4,
	}

	sem := make(chan struct{}, s.cfg.Workers)
	var wg sync.WaitGroup
	for i, f := range frames {
		wg.Add(1)
		go func(i int, f *pano.Image) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return
			}

			rgba := f.RGBA()
			gray := vision.GrayFromRGBA(rgba.Pix, rgba.Stride, f.Width(), f.Height())
			w := max(1, int(math.Round(float64(f.Width())*workScale)))
			h := max(1, int(math.Round(float64(f.Height())*workScale)))
			gray = vision.Resize(gray, w, h)

			g := frameGeom{w: w, h: h}
			if cylindrical {
				g.cyl = vision.NewCylinder(w, h, vision.FocalFromFOV(w, s.cfg.FOVDegrees))
				warped, mask := g.cyl.WarpPlane(gray)
				g.features = vision.Detect(warped, mask, dcfg)
			} else {
				g.features = vision.Detect(gray, nil, dcfg)
			}
			geoms[i] = g
		}(i, f)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("feature stitch: %w", err)
		}
		if got := len(geoms[i].features); got < s.cfg.MinInliers {
			return nil, pano.Errorf(pano.KindFeatureDetectionFailed, "feature stitch",
				"frame %d has %d keypoints, need %d", i+1, got, s.cfg.MinInliers)
		}
	}
	return geoms, nil
}

// register estimates the homography mapping frame i+1 onto frame i.
func (s *FeatureStitcher) register(i int, a, b frameGeom) (vision.Homography, int, error) {
	matches := vision.MatchFeatures(b.features, a.features, s.cfg.MatchRatio)
	if len(matches) < s.cfg.MinInliers {
		return vision.Homography{}, 0, pano.Errorf(pano.KindHomographyEstimationFailed, "feature stitch",
			"frames %d and %d share %d matches, need %d", i+1, i+2, len(matches), s.cfg.MinInliers)
	}
	src := make([]vision.Point, len(matches))
	dst := make([]vision.Point, len(matches))
	for k, m := range matches {
		src[k] = vision.Point{X: b.features[m.Query].X, Y: b.features[m.Query].Y}
		dst[k] = vision.Point{X: a.features[m.Train].X, Y: a.features[m.Train].Y}
	}
	res, err := vision.EstimateRANSAC(src, dst, vision.RANSACConfig{
		Iterations: s.cfg.RANSACIterations,
		Threshold:  s.cfg.RANSACThreshold,
		MinInliers: s.cfg.MinInliers,
		Seed:       s.cfg.Seed + int64(i),
	})
	if err != nil {
		return vision.Homography{}, 0, &pano.Error{
			Kind: pano.KindHomographyEstimationFailed,
			Op:   fmt.Sprintf("register frames %d and %d", i+1, i+2),
			Err:  err,
		}
	}
	if d := res.H.AffineDet(); d < 0.25 || d > 4 || math.IsNaN(d) {
		return vision.Homography{}, 0, pano.Errorf(pano.KindHomographyEstimationFailed, "feature stitch",
			"frames %d and %d: degenerate transform (scale %.3f)", i+1, i+2, d)
	}
	s.log.Debug("registered frame pair", "pair", i+1, "matches", len(matches), "inliers", len(res.Inliers))
	return res.H, len(res.Inliers), nil
}

type bounds struct{ minX, minY, maxX, maxY float64 }

func emptyBounds() bounds {
	return bounds{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
}

func (b *bounds) add(x, y float64) {
	b.minX = math.Min(b.minX, x)
	b.minY = math.Min(b.minY, y)
	b.maxX = math.Max(b.maxX, x)
	b.maxY = math.Max(b.maxY, y)
}

// cornerPoints samples the pixel-edge outline of a w x h raster.
func cornerPoints(w, h int) []vision.Point {
	fw, fh := float64(w)-0.5, float64(h)-0.5
	return []vision.Point{{X: -0.5, Y: -0.5}, {X: fw, Y: -0.5}, {X: -0.5, Y: fh}, {X: fw, Y: fh}}
}

func canvasBounds(geoms []frameGeom, chain []vision.Homography, cylindrical bool) (bounds, error) {
	b := emptyBounds()
	for i, g := range geoms {
		w, h := g.size(cylindrical)
		for _, p := range cornerPoints(w, h) {
			x, y, ok := chain[i].Apply(p.X, p.Y)
			if !ok || math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
				return bounds{}, pano.Errorf(pano.KindHomographyEstimationFailed, "feature stitch",
					"frame %d projects to infinity", i+1)
			}
			b.add(x, y)
		}
	}
	return b, nil
}

func layerSize(src *image.RGBA, cyl vision.Cylinder, cylindrical bool) (int, int) {
	if cylindrical {
		return cyl.W, cyl.H
	}
	return src.Bounds().Dx(), src.Bounds().Dy()
}

func composeBounds(frames []*image.RGBA, cyls []vision.Cylinder, chain []vision.Homography, cylindrical bool) bounds {
	b := emptyBounds()
	for i := range frames {
		w, h := layerSize(frames[i], cyls[i], cylindrical)
		for _, p := range cornerPoints(w, h) {
			x, y, _ := chain[i].Apply(p.X, p.Y)
			b.add(x, y)
		}
	}
	return b
}

func projectedRect(h vision.Homography, w, hh int) image.Rectangle {
	b := emptyBounds()
	for _, p := range cornerPoints(w, hh) {
		x, y, _ := h.Apply(p.X, p.Y)
		b.add(x, y)
	}
	return image.Rect(int(math.Floor(b.minX)), int(math.Floor(b.minY)), int(math.Ceil(b.maxX))+1, int(math.Ceil(b.maxY))+1)
}

// layerMapper maps canvas pixels back to source pixels, through the cylinder
// when one is in use.
func layerMapper(inv vision.Homography, cyl vision.Cylinder, cylindrical bool) vision.Mapper {
	return func(x, y float64) (float64, float64, bool) {
		u, v, ok := inv.Apply(x, y)
		if !ok {
			return 0, 0, false
		}
		if !cylindrical {
			return u, v, true
		}
		if u < -0.5 || u > float64(cyl.W)-0.5 {
			return 0, 0, false
		}
		sx, sy := cyl.ToSource(u, v)
		return sx, sy, true
	}
}

// scaleRGBA returns the frame's pixels at the given scale.
func scaleRGBA(img *pano.Image, scale float64) *image.RGBA {
	if scale >= 1 {
		return img.RGBA()
	}
	w := max(1, int(math.Round(float64(img.Width())*scale)))
	h := max(1, int(math.Round(float64(img.Height())*scale)))
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(out, out.Bounds(), img.RGBA(), img.Bounds(), draw.Src, nil)
	return out
}
