package capture

import (
	"sync"

	"panocap/internal/pano"
)

// FrameSource supplies the latest frame on demand.
//
// Implementations must not block: when no fresh frame is ready CaptureFrame
// returns nil and the scheduler skips that slot.
type FrameSource interface {
	CaptureFrame() *pano.Image
}

// SourceFunc adapts a function to FrameSource.
type SourceFunc func() *pano.Image

// CaptureFrame implements FrameSource.
func (f SourceFunc) CaptureFrame() *pano.Image { return f() }

// SliceSource replays a fixed list of frames, then reports "not ready".
type SliceSource struct {
	mu     sync.Mutex
	frames []*pano.Image
	next   int
}

// NewSliceSource returns a source that yields frames in order.
func NewSliceSource(frames ...*pano.Image) *SliceSource {
	return &SliceSource{frames: frames}
}

// CaptureFrame implements FrameSource.
func (s *SliceSource) CaptureFrame() *pano.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.frames) {
		return nil
	}
	img := s.frames[s.next]
	s.next++
	return img
}
