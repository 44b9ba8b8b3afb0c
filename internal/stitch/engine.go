package stitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"panocap/internal/pano"
	"panocap/internal/projection"
)

// ErrEngineBusy is returned when Stitch is called while another stitch on the
// same engine is still running.
var ErrEngineBusy = errors.New("stitch engine is busy")

// Engine runs one stitch at a time: it validates frames, picks the first
// available strategy, falls back to side-by-side placement when that
// strategy cannot run or fails, and projects the composite.
type Engine struct {
	log        *slog.Logger
	stitchers  []Stitcher
	fallback   Stitcher
	projection *projection.Converter

	busy  atomic.Bool
	stage atomic.Int32
}

// NewEngine builds an engine. stitchers are tried in preference order; the
// fallback is always FallbackStitcher.
func NewEngine(logger *slog.Logger, conv *projection.Converter, stitchers ...Stitcher) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if conv == nil {
		conv = projection.NewConverter(projection.DefaultOptions(), logger)
	}
	return &Engine{
		log:        logger,
		stitchers:  stitchers,
		fallback:   NewFallbackStitcher(logger),
		projection: conv,
	}
}

// DefaultStitchers returns the preferred strategies: OpenCV when built in and
// enabled, then the pure-Go feature stitcher.
func DefaultStitchers(cfg FeatureConfig, useOpenCV bool, logger *slog.Logger) []Stitcher {
	return []Stitcher{
		NewOpenCVStitcher(useOpenCV, logger),
		NewFeatureStitcher(cfg, logger),
	}
}

// Stage reports the stage of the stitch in flight, or idle.
func (e *Engine) Stage() pano.Stage { return pano.Stage(e.stage.Load()) }

// Capabilities lists every configured strategy and whether it can run.
func (e *Engine) Capabilities() []Capability {
	out := make([]Capability, 0, len(e.stitchers)+1)
	for _, s := range append(append([]Stitcher{}, e.stitchers...), e.fallback) {
		out = append(out, Capability{Name: s.Name(), Available: s.IsAvailable()})
	}
	return out
}

// engineReporter records the current stage on the engine as it is reported.
type engineReporter struct {
	e *Engine
	t *tracker
}

func (r engineReporter) Stage(stage pano.Stage, percent int, msg string) {
	r.t.Stage(stage, percent, msg)
	r.e.stage.Store(int32(r.t.current()))
}

// Stitch turns seq into a panorama, calling obs for every progress event.
// It is all-or-nothing: on error no panorama is returned.
func (e *Engine) Stitch(ctx context.Context, seq pano.FrameSequence, obs Observer) (*pano.Panorama, error) {
	if seq.Len() < 2 {
		return nil, pano.Errorf(pano.KindInsufficientFrames, "stitch", "got %d frames, need at least 2", seq.Len())
	}
	if !e.busy.CompareAndSwap(false, true) {
		return nil, ErrEngineBusy
	}
	defer func() {
		e.stage.Store(int32(pano.StageIdle))
		e.busy.Store(false)
	}()

	start := time.Now()
	rep := engineReporter{e: e, t: newTracker(obs, e.log)}
	n := seq.Len()
	rep.Stage(pano.StageLoading, 0, fmt.Sprintf("loading %d frames", n))

	rep.Stage(pano.StagePreprocessing, 10, "validating frames")
	frames := make([]*pano.Image, 0, n)
	for i, img := range seq.Images() {
		if img.Empty() {
			e.log.Warn("dropping empty frame", "slot", seq.Frames[i].Slot)
		} else {
			frames = append(frames, img)
		}
		rep.Stage(pano.StagePreprocessing, between(10, 30, i+1, n), fmt.Sprintf("loaded frame %d/%d", i+1, n))
	}
	if len(frames) < 2 {
		return nil, pano.Errorf(pano.KindInsufficientFrames, "stitch", "%d of %d frames are usable", len(frames), n)
	}

	comp, err := e.composite(ctx, frames, rep)
	if err != nil {
		return nil, err
	}

	rep.Stage(pano.StageBlending, 90, "projecting to equirectangular")
	out, mode, err := e.projection.Project(comp.Image, comp.Focal, comp.Horizon)
	if err != nil {
		return nil, err
	}

	p := pano.NewPanorama(out, len(frames), comp.Stitcher, string(mode))
	rep.Stage(pano.StageComplete, 100, fmt.Sprintf("panorama %dx%d ready", out.Width(), out.Height()))
	e.log.Info("stitch complete",
		"id", p.ID,
		"stitcher", comp.Stitcher,
		"frames", len(frames),
		"width", out.Width(),
		"height", out.Height(),
		"projection", string(mode),
		"duration", time.Since(start).Round(time.Millisecond).String(),
	)
	return p, nil
}

// composite runs the preferred strategy and degrades to the fallback.
func (e *Engine) composite(ctx context.Context, frames []*pano.Image, rep Reporter) (*Composite, error) {
	var chosen Stitcher
	for _, s := range e.stitchers {
		if s.IsAvailable() {
			chosen = s
			break
		}
		e.log.Debug("stitcher unavailable", "stitcher", s.Name())
	}

	if chosen != nil {
		comp, err := chosen.Stitch(ctx, frames, rep)
		if err == nil {
			return comp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("stitch: %w", ctxErr)
		}
		e.log.Warn("stitcher failed, using fallback", "stitcher", chosen.Name(), "error", err)
	} else {
		e.log.Info("no registration stitcher available, using fallback")
	}

	comp, err := e.fallback.Stitch(ctx, frames, rep)
	if err != nil {
		var perr *pano.Error
		if errors.As(err, &perr) {
			return nil, err
		}
		return nil, &pano.Error{Kind: pano.KindFeatureDetectionFailed, Op: "fallback stitch", Err: err}
	}
	return comp, nil
}

// Run is a stitch executing on its own goroutine.
type Run struct {
	events chan pano.ProgressEvent
	done   chan struct{}
	result *pano.Panorama
	err    error
}

// Start launches Stitch in the background. The events channel is buffered for
// every checkpoint a stitch can emit and is closed once the stitch finishes.
func (e *Engine) Start(ctx context.Context, seq pano.FrameSequence) *Run {
	r := &Run{
		events: make(chan pano.ProgressEvent, 8*seq.Len()+32),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		defer close(r.events)
		r.result, r.err = e.Stitch(ctx, seq, func(ev pano.ProgressEvent) {
			select {
			case r.events <- ev:
			default:
				e.log.Warn("progress buffer full, dropping event", "stage", ev.Stage.String(), "percent", ev.Percent)
			}
		})
	}()
	return r
}

// Events yields progress in order and is closed when the stitch ends.
func (r *Run) Events() <-chan pano.ProgressEvent { return r.events }

// Done is closed when the stitch has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the stitch finishes and returns its result.
func (r *Run) Wait() (*pano.Panorama, error) {
	<-r.done
	return r.result, r.err
}
