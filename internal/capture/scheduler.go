package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"panocap/internal/pano"
)

// Defaults for an operator-held 360° pan.
const (
	DefaultDuration   = 12 * time.Second
	DefaultFrameCount = 18
	DefaultCountdown  = 3
)

// Params describes one capture session.
type Params struct {
	Duration   time.Duration
	FrameCount int
	// Countdown is the number of one-second ticks before the first capture.
	Countdown int
}

// DefaultParams returns the standard session parameters.
func DefaultParams() Params {
	return Params{Duration: DefaultDuration, FrameCount: DefaultFrameCount, Countdown: DefaultCountdown}
}

// Interval is the spacing between capture attempts.
func (p Params) Interval() time.Duration {
	if p.FrameCount <= 0 {
		return 0
	}
	return p.Duration / time.Duration(p.FrameCount)
}

func (p Params) validate() error {
	if p.FrameCount < 1 {
		return fmt.Errorf("capture: frame count must be positive, got %d", p.FrameCount)
	}
	if p.Duration <= 0 {
		return fmt.Errorf("capture: duration must be positive, got %v", p.Duration)
	}
	if p.Countdown < 0 {
		return fmt.Errorf("capture: countdown must not be negative, got %d", p.Countdown)
	}
	return nil
}

// EventKind identifies a capture event.
type EventKind int

const (
	// EventCountdown is one countdown tick; Remaining counts down to 1.
	EventCountdown EventKind = iota
	// EventCaptured reports a frame added to the sequence.
	EventCaptured
	// EventSkipped reports a slot where the source had no frame ready.
	EventSkipped
	// EventProgress carries the capture fraction after each attempt.
	EventProgress
)

// Event is emitted synchronously while a session runs. Capture progress is a
// separate channel from stitch progress.
type Event struct {
	Kind      EventKind
	Remaining int
	Slot      int
	Captured  int
	Fraction  float64
}

// Observer receives capture events.
type Observer func(Event)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithObserver registers an event observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// Scheduler runs the countdown and the fixed-interval acquisition loop.
type Scheduler struct {
	clock    Clock
	log      *slog.Logger
	observer Observer
}

// NewScheduler creates a scheduler.
func NewScheduler(logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{clock: RealClock, log: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) emit(ev Event) {
	if s.observer != nil {
		s.observer(ev)
	}
}

// Run performs the countdown and then calls src.CaptureFrame once per slot at
// start+i*interval. A slot with no frame is skipped, never retried.
//
// If ctx is cancelled between captures, Run returns the frames gathered so far
// together with an error wrapping ctx.Err(). A completed run with fewer than
// two frames fails with pano.ErrInsufficientFrames.
func (s *Scheduler) Run(ctx context.Context, p Params, src FrameSource) (pano.FrameSequence, error) {
	var seq pano.FrameSequence
	if err := p.validate(); err != nil {
		return seq, err
	}
	if src == nil {
		return seq, fmt.Errorf("capture: no frame source")
	}

	interval := p.Interval()
	s.log.Info("capture session starting",
		"duration_ms", p.Duration.Milliseconds(),
		"frame_count", p.FrameCount,
		"interval_ms", interval.Milliseconds(),
		"countdown", p.Countdown,
	)

	for remaining := p.Countdown; remaining > 0; remaining-- {
		s.emit(Event{Kind: EventCountdown, Remaining: remaining})
		if err := s.sleep(ctx, time.Second); err != nil {
			return seq, fmt.Errorf("capture cancelled during countdown: %w", err)
		}
	}

	seq.Frames = make([]pano.Frame, 0, p.FrameCount)
	start := s.clock.Now()
	for i := 0; i < p.FrameCount; i++ {
		if err := ctx.Err(); err != nil {
			return seq, s.cancelled(seq, err)
		}
		if wait := start.Add(time.Duration(i) * interval).Sub(s.clock.Now()); wait > 0 {
			if err := s.sleep(ctx, wait); err != nil {
				return seq, s.cancelled(seq, err)
			}
		}

		if img := src.CaptureFrame(); img != nil && !img.Empty() {
			seq.Append(pano.Frame{Slot: i, Image: img, CapturedAt: s.clock.Now()})
			s.emit(Event{Kind: EventCaptured, Slot: i, Captured: seq.Len()})
		} else {
			s.log.Debug("frame source not ready, slot skipped", "slot", i)
			s.emit(Event{Kind: EventSkipped, Slot: i, Captured: seq.Len()})
		}
		s.emit(Event{
			Kind:     EventProgress,
			Slot:     i,
			Captured: seq.Len(),
			Fraction: float64(i+1) / float64(p.FrameCount),
		})
	}

	s.log.Info("capture session finished", "captured", seq.Len(), "requested", p.FrameCount)
	if seq.Len() < 2 {
		return seq, pano.Errorf(pano.KindInsufficientFrames, "capture", "captured %d of %d frames", seq.Len(), p.FrameCount)
	}
	return seq, nil
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(d):
		return ctx.Err()
	}
}

func (s *Scheduler) cancelled(seq pano.FrameSequence, err error) error {
	s.log.Info("capture session cancelled", "captured", seq.Len())
	return fmt.Errorf("capture cancelled after %d frames: %w", seq.Len(), err)
}
