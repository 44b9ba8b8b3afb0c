package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"panocap/internal/capture"
	"panocap/internal/config"
	"panocap/internal/fsutil"
	"panocap/internal/logging"
	"panocap/internal/pano"
	"panocap/internal/projection"
	"panocap/internal/stitch"
	"panocap/internal/stitch/vision"
	"panocap/internal/storage"
)

// SourceOpener opens the frame source named by kind ("camera" or "dir").
type SourceOpener func(kind string) (capture.FrameSource, func() error, error)

// EngineFactory builds a fresh stitch engine for one job.
type EngineFactory func() *stitch.Engine

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log       *slog.Logger
	store     *storage.Store
	cfg       *config.Config
	newEngine EngineFactory
	open      SourceOpener
	clock     capture.Clock
}

// RouterOption customises NewRouter.
type RouterOption func(*router)

// WithEngineFactory replaces the engine built from configuration.
func WithEngineFactory(f EngineFactory) RouterOption {
	return func(r *router) { r.newEngine = f }
}

// WithSourceOpener replaces the camera/directory frame sources.
func WithSourceOpener(o SourceOpener) RouterOption {
	return func(r *router) { r.open = o }
}

// WithClock replaces the capture clock.
func WithClock(c capture.Clock) RouterOption {
	return func(r *router) { r.clock = c }
}

// NewRouter builds the processor used by the CLI and servers.
func NewRouter(cfg *config.Config, logger *slog.Logger, store *storage.Store, opts ...RouterOption) Processor {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &router{
		log:   logger,
		store: store,
		cfg:   cfg,
		clock: capture.RealClock,
	}
	r.newEngine = func() *stitch.Engine { return NewEngine(cfg, logger) }
	r.open = r.openSource
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewEngine assembles a stitch engine from configuration.
func NewEngine(cfg *config.Config, logger *slog.Logger) *stitch.Engine {
	conv := projection.NewConverter(ProjectionOptions(cfg.Projection), logger)
	stitchers := stitch.DefaultStitchers(FeatureConfig(cfg.Stitch), cfg.Stitch.UseOpenCV, logger)
	for _, s := range stitchers {
		logging.LogStitcherStatus(logger, s.Name(), s.IsAvailable())
	}
	return stitch.NewEngine(logger, conv, stitchers...)
}

// FeatureConfig maps the stitch config section onto the feature stitcher.
func FeatureConfig(c config.Stitch) stitch.FeatureConfig {
	fc := stitch.DefaultFeatureConfig()
	fc.WorkMegapixels = c.WorkMegapixels
	fc.WarpMode = c.WarpMode
	fc.FOVDegrees = c.FOVDegrees
	fc.MaxFeatures = c.MaxFeatures
	fc.PyramidLevels = c.PyramidLevels
	fc.ScaleFactor = c.ScaleFactor
	fc.MatchRatio = c.MatchRatio
	fc.RANSACIterations = c.RANSACIterations
	fc.RANSACThreshold = c.RANSACThreshold
	fc.MinInliers = c.MinInliers
	fc.Seed = c.Seed
	if mode, ok := vision.ParseBlendMode(c.Blending); ok {
		fc.Blending = mode.String()
	}
	fc.Bands = c.Bands
	fc.MaxCanvasPixels = c.MaxCanvasPixels
	fc.Workers = c.Workers
	return fc
}

// ProjectionOptions maps the projection config section onto the converter.
func ProjectionOptions(c config.Projection) projection.Options {
	opts := projection.DefaultOptions()
	if mode, err := projection.ParseMode(c.Mode); err == nil {
		opts.Mode = mode
	}
	opts.MaxPixels = c.MaxPixels
	if c.MemoryShare > 0 {
		opts.MemoryShare = c.MemoryShare
	}
	return opts
}

func (r *router) Process(ctx context.Context, job Job, progress ProgressFunc) Result {
	if progress == nil {
		progress = func(Update) {}
	}
	switch job.Type {
	case JobCapture:
		return r.handleCapture(ctx, job, progress)
	case JobStitch:
		return r.handleStitch(ctx, job, progress)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleStitch(ctx context.Context, job Job, progress ProgressFunc) Result {
	seq := job.Frames
	var paths []string
	// Jobs carrying frames never fall back to the disk, even when they
	// carry fewer than the engine accepts.
	if seq.Frames == nil && job.InputPath != "" {
		var err error
		seq, paths, err = loadSequence(job.InputPath, r.log)
		if err != nil {
			return Result{Job: job, Error: err}
		}
	}
	logging.LogProcessingStep(r.log, job.ID, "load", "done", map[string]any{"frames": seq.Len()})
	return r.stitchSequence(ctx, job, seq, paths, progress)
}

func (r *router) stitchSequence(ctx context.Context, job Job, seq pano.FrameSequence, paths []string, progress ProgressFunc) Result {
	engine := r.newEngine()
	p, err := engine.Stitch(ctx, seq, func(ev pano.ProgressEvent) {
		logging.LogStageProgress(r.log, job.ID, ev)
		progress(Update{JobID: job.ID, Phase: "stitch", Stage: ev.Stage, Percent: ev.Percent, Message: ev.Message})
	})
	if err != nil {
		return Result{Job: job, Error: err, Meta: map[string]any{
			"frames": seq.Len(),
			"kind":   pano.KindOf(err).String(),
		}}
	}

	out := job.Output
	if out == "" {
		out = filepath.Join(r.cfg.Paths.OutputDir, p.ID+".png")
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return Result{Job: job, Error: fmt.Errorf("create output dir: %w", err)}
	}
	if err := pano.WritePNG(out, p.Image); err != nil {
		return Result{Job: job, Error: err}
	}

	if r.store != nil {
		rec := storage.PanoramaRecord{
			ID:         p.ID,
			JobID:      job.ID,
			Path:       out,
			Width:      p.Image.Width(),
			Height:     p.Image.Height(),
			FrameCount: p.FrameCount,
			Stitcher:   p.Stitcher,
			Projection: p.Projection,
			CreatedAt:  p.CreatedAt,
		}
		for i, f := range seq.Frames {
			fr := storage.FrameRecord{Slot: f.Slot, CapturedAt: f.CapturedAt}
			if f.Image != nil {
				fr.Width, fr.Height = f.Image.Width(), f.Image.Height()
			}
			if i < len(paths) {
				fr.Path = paths[i]
			}
			rec.Frames = append(rec.Frames, fr)
		}
		if err := r.store.RecordPanorama(rec); err != nil {
			r.log.Warn("failed to record panorama", "id", p.ID, "error", err)
		}
	}

	return Result{
		Job:      job,
		Panorama: p,
		Meta: map[string]any{
			"panorama":   p.ID,
			"output":     out,
			"width":      p.Image.Width(),
			"height":     p.Image.Height(),
			"frames":     p.FrameCount,
			"stitcher":   p.Stitcher,
			"projection": p.Projection,
		},
	}
}

func (r *router) handleCapture(ctx context.Context, job Job, progress ProgressFunc) Result {
	params := r.captureParams(job.Options)
	kind := stringOption(job.Options, "source", r.cfg.Capture.Source)

	src, closeSrc, err := r.open(kind)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("open %s source: %w", kind, err)}
	}
	if closeSrc != nil {
		defer closeSrc()
	}

	sched := capture.NewScheduler(r.log,
		capture.WithClock(r.clock),
		capture.WithObserver(func(ev capture.Event) {
			switch ev.Kind {
			case capture.EventCountdown:
				progress(Update{JobID: job.ID, Phase: "capture", Message: fmt.Sprintf("starting in %d", ev.Remaining)})
			case capture.EventProgress:
				progress(Update{JobID: job.ID, Phase: "capture", Percent: int(ev.Fraction * 100),
					Message: fmt.Sprintf("%d frames captured", ev.Captured)})
			}
		}),
	)

	seq, runErr := sched.Run(ctx, params, src)

	dir := job.InputPath
	if dir == "" {
		dir = filepath.Join(r.cfg.Paths.FramesDir, job.ID)
	}
	paths, err := saveFrames(dir, seq)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	meta := map[string]any{
		"frames_dir": dir,
		"captured":   seq.Len(),
		"requested":  params.FrameCount,
	}
	if runErr != nil {
		meta["kind"] = pano.KindOf(runErr).String()
		return Result{Job: job, Error: runErr, Meta: meta}
	}

	if !boolOption(job.Options, "stitch") {
		return Result{Job: job, Meta: meta}
	}
	res := r.stitchSequence(ctx, job, seq, paths, progress)
	if res.Meta == nil {
		res.Meta = map[string]any{}
	}
	for k, v := range meta {
		res.Meta[k] = v
	}
	return res
}

func (r *router) captureParams(opts map[string]any) capture.Params {
	p := capture.Params{
		Duration:   time.Duration(r.cfg.Capture.DurationMS) * time.Millisecond,
		FrameCount: r.cfg.Capture.FrameCount,
		Countdown:  r.cfg.Capture.CountdownSec,
	}
	if v := intOption(opts, "durationMs"); v > 0 {
		p.Duration = time.Duration(v) * time.Millisecond
	}
	if v := intOption(opts, "frames"); v > 0 {
		p.FrameCount = v
	}
	if v, ok := opts["countdown"]; ok {
		p.Countdown = toInt(v)
	}
	return p
}

func (r *router) openSource(kind string) (capture.FrameSource, func() error, error) {
	switch kind {
	case "dir":
		ds, err := capture.NewDirSource(r.cfg.Capture.WatchDir, r.log)
		if err != nil {
			return nil, nil, err
		}
		return ds, ds.Close, nil
	case "camera", "":
		cs, err := capture.NewCameraSource(r.cfg.Capture.Device, r.cfg.Capture.Width, r.cfg.Capture.Height, r.log)
		if err != nil {
			return nil, nil, err
		}
		return cs, cs.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown frame source %q", kind)
	}
}

// loadSequence decodes every image in dir, in natural file-name order. RAW
// files are skipped unless a decoder for them is compiled in.
func loadSequence(dir string, logger *slog.Logger) (pano.FrameSequence, []string, error) {
	var seq pano.FrameSequence
	files, err := fsutil.ListImages(dir)
	if err != nil {
		return seq, nil, fmt.Errorf("list frames: %w", err)
	}
	paths := make([]string, 0, len(files))
	for _, f := range files {
		if fsutil.IsRAWFile(f) {
			if _, ok := pano.DecoderFor(filepath.Ext(f)); !ok {
				logger.Warn("skipping frame without decoder", "file", filepath.Base(f))
				continue
			}
		}
		img, err := pano.DecodeFile(f)
		if err != nil {
			return seq, nil, fmt.Errorf("decode %s: %w", filepath.Base(f), err)
		}
		info, _ := os.Stat(f)
		captured := time.Time{}
		if info != nil {
			captured = info.ModTime()
		}
		seq.Append(pano.Frame{Slot: len(paths), Image: img, CapturedAt: captured})
		paths = append(paths, f)
	}
	return seq, paths, nil
}

// saveFrames writes frames as frame_NNN.png, numbered by capture slot.
func saveFrames(dir string, seq pano.FrameSequence) ([]string, error) {
	if seq.Len() == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create frames dir: %w", err)
	}
	paths := make([]string, 0, seq.Len())
	for _, f := range seq.Frames {
		path := filepath.Join(dir, fmt.Sprintf("frame_%03d.png", f.Slot))
		if err := pano.WritePNG(path, f.Image); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// Helper functions to safely extract typed options from job.Options map
func boolOption(options map[string]any, key string) bool {
	if val, ok := options[key].(bool); ok {
		return val
	}
	return false
}

func stringOption(options map[string]any, key, def string) string {
	if val, ok := options[key].(string); ok && val != "" {
		return val
	}
	return def
}

func intOption(options map[string]any, key string) int {
	return toInt(options[key])
}

// toInt accepts the numeric types JSON decoding and callers produce.
func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
