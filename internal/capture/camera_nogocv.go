//go:build !gocv

package capture

import (
	"errors"
	"log/slog"

	"panocap/internal/pano"
)

// CameraSource is unavailable without the gocv build tag.
type CameraSource struct{}

// NewCameraSource always fails in builds without OpenCV.
func NewCameraSource(deviceID, width, height int, logger *slog.Logger) (*CameraSource, error) {
	return nil, errors.New("camera capture requires a build with -tags gocv")
}

// CaptureFrame implements FrameSource.
func (cs *CameraSource) CaptureFrame() *pano.Image { return nil }

// Close is a no-op.
func (cs *CameraSource) Close() error { return nil }
