//go:build !gocv

package stitch

import (
	"context"
	"log/slog"

	"panocap/internal/pano"
)

// OpenCVStitcher is never available in builds without the gocv tag.
type OpenCVStitcher struct{}

// NewOpenCVStitcher returns a placeholder that reports itself unavailable.
func NewOpenCVStitcher(enabled bool, logger *slog.Logger) *OpenCVStitcher { return &OpenCVStitcher{} }

// Name implements Stitcher.
func (o *OpenCVStitcher) Name() string { return "opencv" }

// IsAvailable implements Stitcher.
func (o *OpenCVStitcher) IsAvailable() bool { return false }

// Stitch implements Stitcher.
func (o *OpenCVStitcher) Stitch(ctx context.Context, frames []*pano.Image, rep Reporter) (*Composite, error) {
	return nil, pano.Errorf(pano.KindEngineUnavailable, "opencv stitch", "built without -tags gocv")
}
