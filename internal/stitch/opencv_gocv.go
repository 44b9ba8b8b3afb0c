//go:build gocv

package stitch

import (
	"context"
	"fmt"
	"log/slog"

	"gocv.io/x/gocv"

	"panocap/internal/pano"
)

// OpenCVStitcher delegates the whole registration and blending chain to
// OpenCV's panorama stitcher.
type OpenCVStitcher struct {
	enabled bool
	log     *slog.Logger
}

// NewOpenCVStitcher returns the OpenCV strategy; enabled toggles it off
// without a rebuild.
func NewOpenCVStitcher(enabled bool, logger *slog.Logger) *OpenCVStitcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenCVStitcher{enabled: enabled, log: logger}
}

// Name implements Stitcher.
func (o *OpenCVStitcher) Name() string { return "opencv" }

// IsAvailable implements Stitcher.
func (o *OpenCVStitcher) IsAvailable() bool { return o.enabled }

// Stitch implements Stitcher.
func (o *OpenCVStitcher) Stitch(ctx context.Context, frames []*pano.Image, rep Reporter) (*Composite, error) {
	if !o.enabled {
		return nil, pano.Errorf(pano.KindEngineUnavailable, "opencv stitch", "disabled by configuration")
	}
	rep.Stage(pano.StageDetecting, 30, "converting frames for OpenCV")
	mats := make([]gocv.Mat, 0, len(frames))
	defer func() {
		for i := range mats {
			mats[i].Close()
		}
	}()
	for i, f := range frames {
		m, err := gocv.ImageToMatRGB(f)
		if err != nil {
			return nil, pano.Errorf(pano.KindFeatureDetectionFailed, "opencv stitch", "frame %d: %v", i+1, err)
		}
		mats = append(mats, m)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("opencv stitch: %w", err)
	}

	st := gocv.NewStitcher(gocv.StitcherPanorama)
	defer st.Close()
	out := gocv.NewMat()
	defer out.Close()

	rep.Stage(pano.StageMatching, 40, "OpenCV registration")
	status := st.Stitch(mats, &out)
	switch status {
	case gocv.StitcherOK:
	case gocv.StitcherErrNeedMoreImgs:
		return nil, pano.Errorf(pano.KindFeatureDetectionFailed, "opencv stitch", "not enough overlapping frames")
	default:
		return nil, pano.Errorf(pano.KindHomographyEstimationFailed, "opencv stitch", "stitcher status %d", int(status))
	}
	if out.Empty() {
		return nil, pano.Errorf(pano.KindHomographyEstimationFailed, "opencv stitch", "empty result")
	}

	rep.Stage(pano.StageWarping, 80, "OpenCV composite ready")
	img, err := out.ToImage()
	if err != nil {
		return nil, pano.Errorf(pano.KindEncodingFailed, "opencv stitch", "%v", err)
	}
	rep.Stage(pano.StageBlending, 80, "OpenCV blended seams")
	res := pano.FromImage(img)
	o.log.Debug("opencv composite ready", "width", res.Width(), "height", res.Height())
	return &Composite{Image: res, Horizon: float64(res.Height()) / 2, Stitcher: o.Name()}, nil
}
