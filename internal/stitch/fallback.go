package stitch

import (
	"context"
	"fmt"
	"image"
	"log/slog"

	"golang.org/x/image/draw"

	"panocap/internal/pano"
)

// FallbackStitcher places frames side by side in capture order without any
// registration. It only fails when it has nothing to place.
type FallbackStitcher struct {
	log *slog.Logger
}

// NewFallbackStitcher returns the degraded strategy.
func NewFallbackStitcher(logger *slog.Logger) *FallbackStitcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackStitcher{log: logger}
}

// Name implements Stitcher.
func (f *FallbackStitcher) Name() string { return "fallback" }

// IsAvailable implements Stitcher.
func (f *FallbackStitcher) IsAvailable() bool { return true }

// Stitch draws every frame at the running sum of the previous widths on a
// canvas of sum(widths) x max(heights). Rows below a shorter frame stay
// transparent.
func (f *FallbackStitcher) Stitch(ctx context.Context, frames []*pano.Image, rep Reporter) (*Composite, error) {
	var valid []*pano.Image
	for _, fr := range frames {
		if !fr.Empty() {
			valid = append(valid, fr)
		}
	}
	switch len(valid) {
	case 0:
		return nil, pano.Errorf(pano.KindFeatureDetectionFailed, "fallback", "no valid frames")
	case 1:
		return nil, pano.Errorf(pano.KindInsufficientFrames, "fallback", "only one valid frame")
	}

	rep.Stage(pano.StageDetecting, 30, "fallback: skipping feature detection")
	rep.Stage(pano.StageMatching, 40, "fallback: trusting capture order")

	width, height := 0, 0
	for _, fr := range valid {
		width += fr.Width()
		height = max(height, fr.Height())
	}
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))

	x := 0
	for i, fr := range valid {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("fallback stitch: %w", err)
		}
		dst := image.Rect(x, 0, x+fr.Width(), fr.Height())
		draw.Draw(canvas, dst, fr.RGBA(), image.Point{}, draw.Src)
		x += fr.Width()
		rep.Stage(pano.StageWarping, between(50, 80, i+1, len(valid)), fmt.Sprintf("placed frame %d/%d", i+1, len(valid)))
	}

	rep.Stage(pano.StageBlending, 80, "fallback: no seam blending")
	f.log.Debug("fallback composite ready", "frames", len(valid), "width", width, "height", height)
	return &Composite{
		Image:    pano.Wrap(canvas),
		Horizon:  float64(height) / 2,
		Stitcher: f.Name(),
	}, nil
}
