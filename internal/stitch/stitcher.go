// Package stitch turns an ordered frame sequence into a single composite and
// then an equirectangular panorama, reporting staged progress as it goes.
package stitch

import (
	"context"

	"panocap/internal/pano"
)

// Reporter receives progress checkpoints from a stitcher.
type Reporter interface {
	Stage(stage pano.Stage, percent int, msg string)
}

// Composite is the stitched, not yet projected, image. Focal is the
// cylinder radius in composite pixels, zero when the composite is not
// cylindrical. Horizon is the composite row of the optical axis.
type Composite struct {
	Image    *pano.Image
	Focal    float64
	Horizon  float64
	Stitcher string
	Inliers  int
}

// Stitcher is one strategy for combining frames.
type Stitcher interface {
	Name() string
	IsAvailable() bool
	Stitch(ctx context.Context, frames []*pano.Image, rep Reporter) (*Composite, error)
}

// Capability describes a stitcher and whether it can run here.
type Capability struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// between interpolates a checkpoint percent for step done of total.
func between(lo, hi, done, total int) int {
	if total <= 0 {
		return hi
	}
	return lo + (hi-lo)*done/total
}
