package pano

import (
	"time"

	"github.com/google/uuid"
)

// Frame is one captured raster together with the slot it was requested for.
type Frame struct {
	Slot       int
	Image      *Image
	CapturedAt time.Time
}

// FrameSequence is an ordered list of frames in capture order. Capture order is
// trusted to be left-to-right angular order; nothing verifies device motion.
type FrameSequence struct {
	Frames []Frame
}

// NewSequence builds a sequence from images in the given order.
func NewSequence(images ...*Image) FrameSequence {
	now := time.Now()
	seq := FrameSequence{Frames: make([]Frame, 0, len(images))}
	for i, img := range images {
		seq.Frames = append(seq.Frames, Frame{Slot: i, Image: img, CapturedAt: now})
	}
	return seq
}

// Len returns the number of frames.
func (s FrameSequence) Len() int { return len(s.Frames) }

// Images returns the frame rasters in order.
func (s FrameSequence) Images() []*Image {
	out := make([]*Image, len(s.Frames))
	for i, f := range s.Frames {
		out[i] = f.Image
	}
	return out
}

// Append adds a frame at the end.
func (s *FrameSequence) Append(f Frame) {
	s.Frames = append(s.Frames, f)
}

// Panorama is the final equirectangular image and its provenance.
type Panorama struct {
	ID         string
	Image      *Image
	FrameCount int
	CreatedAt  time.Time
	Stitcher   string
	Projection string
}

// NewPanorama stamps a fresh id and creation time.
func NewPanorama(img *Image, frameCount int, stitcher, projection string) *Panorama {
	return &Panorama{
		ID:         uuid.NewString(),
		Image:      img,
		FrameCount: frameCount,
		CreatedAt:  time.Now(),
		Stitcher:   stitcher,
		Projection: projection,
	}
}
