//go:build gocv

package capture

import (
	"fmt"
	"log/slog"
	"sync"

	"gocv.io/x/gocv"

	"panocap/internal/pano"
)

// CameraSource pulls frames from a local video device through OpenCV. A
// background reader drains the device so CaptureFrame only hands over the
// newest frame.
type CameraSource struct {
	webcam *gocv.VideoCapture
	frame  gocv.Mat // owned by the reader goroutine
	reader *frameReader
	log    *slog.Logger

	closeOnce sync.Once
}

// NewCameraSource opens the device and optionally requests a resolution.
func NewCameraSource(deviceID, width, height int, logger *slog.Logger) (*CameraSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cam, err := gocv.VideoCaptureDevice(deviceID)
	if err != nil {
		return nil, fmt.Errorf("open video device %d: %w", deviceID, err)
	}
	if width > 0 && height > 0 {
		cam.Set(gocv.VideoCaptureFrameWidth, float64(width))
		cam.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}
	cs := &CameraSource{webcam: cam, frame: gocv.NewMat(), log: logger}
	cs.reader = startFrameReader(cs.read)
	return cs, nil
}

func (cs *CameraSource) read() *pano.Image {
	if !cs.webcam.Read(&cs.frame) || cs.frame.Empty() {
		return nil
	}
	img, err := cs.frame.ToImage()
	if err != nil {
		cs.log.Debug("camera frame conversion failed", "error", err)
		return nil
	}
	return pano.FromImage(img)
}

// CaptureFrame implements FrameSource.
func (cs *CameraSource) CaptureFrame() *pano.Image {
	return cs.reader.Take()
}

// Close stops the reader and releases the device.
func (cs *CameraSource) Close() error {
	var err error
	cs.closeOnce.Do(func() {
		cs.reader.Stop()
		cs.frame.Close()
		err = cs.webcam.Close()
	})
	return err
}
