package pipeline

import (
	"context"
	"image"
	"image/color"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/draw"

	"panocap/internal/capture"
	"panocap/internal/config"
	"panocap/internal/pano"
	"panocap/internal/projection"
	"panocap/internal/stitch"
	"panocap/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func solid(w, h int, c color.RGBA) *pano.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return pano.Wrap(img)
}

// stepClock advances only when asked to sleep.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

// fallbackOnly stitches with side-by-side placement and plain resizing.
func fallbackOnly() *stitch.Engine {
	conv := projection.NewConverter(projection.Options{Mode: projection.ModeResize, MaxPixels: 1 << 24}, quietLogger())
	return stitch.NewEngine(quietLogger(), conv)
}

type updates struct {
	mu  sync.Mutex
	all []Update
}

func (u *updates) add(up Update) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.all = append(u.all, up)
}

func (u *updates) phase(p string) []Update {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []Update
	for _, up := range u.all {
		if up.Phase == p {
			out = append(out, up)
		}
	}
	return out
}

func testRouter(t *testing.T, store *storage.Store, opts ...RouterOption) (*router, *config.Config) {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Paths.OutputDir = filepath.Join(dir, "out")
	cfg.Paths.FramesDir = filepath.Join(dir, "frames")
	opts = append([]RouterOption{WithEngineFactory(fallbackOnly), WithClock(&stepClock{now: time.Unix(0, 0)})}, opts...)
	return NewRouter(cfg, quietLogger(), store, opts...).(*router), cfg
}

func TestRouterStitchesDirectory(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "db.sqlite"))
	require.NoError(t, err)
	defer store.Close()

	r, cfg := testRouter(t, store)
	in := t.TempDir()
	// natural order: frame_2 before frame_10
	require.NoError(t, pano.WritePNG(filepath.Join(in, "frame_10.png"), solid(30, 10, color.RGBA{B: 255, A: 255})))
	require.NoError(t, pano.WritePNG(filepath.Join(in, "frame_1.png"), solid(20, 10, color.RGBA{R: 255, A: 255})))
	require.NoError(t, pano.WritePNG(filepath.Join(in, "frame_2.png"), solid(24, 10, color.RGBA{G: 255, A: 255})))

	var ups updates
	res := r.Process(context.Background(), Job{ID: "job-1", Type: JobStitch, InputPath: in}, ups.add)
	require.NoError(t, res.Error)
	require.NotNil(t, res.Panorama)

	assert.Equal(t, 74, res.Meta["width"])
	assert.Equal(t, 37, res.Meta["height"])
	assert.Equal(t, "fallback", res.Meta["stitcher"])
	out := res.Meta["output"].(string)
	assert.Equal(t, filepath.Join(cfg.Paths.OutputDir, res.Panorama.ID+".png"), out)
	assert.FileExists(t, out)

	stitchUps := ups.phase("stitch")
	require.NotEmpty(t, stitchUps)
	last := stitchUps[len(stitchUps)-1]
	assert.Equal(t, pano.StageComplete, last.Stage)
	assert.Equal(t, 100, last.Percent)
	assert.Equal(t, "job-1", last.JobID)

	rec, err := store.GetPanorama(res.Panorama.ID)
	require.NoError(t, err)
	assert.Equal(t, "job-1", rec.JobID)
	require.Len(t, rec.Frames, 3)
	assert.Equal(t, filepath.Join(in, "frame_1.png"), rec.Frames[0].Path)
	assert.Equal(t, 24, rec.Frames[1].Width)
	assert.Equal(t, filepath.Join(in, "frame_10.png"), rec.Frames[2].Path)
}

func TestRouterStitchInMemoryFramesToExplicitOutput(t *testing.T) {
	r, _ := testRouter(t, nil)
	out := filepath.Join(t.TempDir(), "nested", "pano.png")
	seq := pano.NewSequence(solid(8, 4, color.RGBA{R: 9, A: 255}), solid(8, 4, color.RGBA{G: 9, A: 255}))

	res := r.Process(context.Background(), Job{ID: "mem", Type: JobStitch, Output: out, Frames: seq}, nil)
	require.NoError(t, res.Error)
	assert.FileExists(t, out)

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	img, err := pano.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 16, img.Width())
	assert.Equal(t, 8, img.Height())
}

func TestRouterStitchReportsTypedFailure(t *testing.T) {
	r, _ := testRouter(t, nil)
	in := t.TempDir()
	require.NoError(t, pano.WritePNG(filepath.Join(in, "only.png"), solid(8, 8, color.RGBA{A: 255})))

	res := r.Process(context.Background(), Job{ID: "one", Type: JobStitch, InputPath: in}, nil)
	require.Error(t, res.Error)
	assert.ErrorIs(t, res.Error, pano.ErrInsufficientFrames)
	assert.Equal(t, "InsufficientFrames", res.Meta["kind"])
}

func TestRouterInMemoryJobsNeverReadDisk(t *testing.T) {
	r, _ := testRouter(t, nil)
	in := t.TempDir()
	require.NoError(t, pano.WritePNG(filepath.Join(in, "a.png"), solid(8, 4, color.RGBA{R: 9, A: 255})))
	require.NoError(t, pano.WritePNG(filepath.Join(in, "b.png"), solid(8, 4, color.RGBA{G: 9, A: 255})))

	tests := []struct {
		name string
		job  Job
	}{
		{name: "no frames no input", job: Job{ID: "m0", Type: JobStitch}},
		{name: "empty frames with input", job: Job{ID: "m1", Type: JobStitch, InputPath: in, Frames: pano.FrameSequence{Frames: []pano.Frame{}}}},
		{name: "one frame with input", job: Job{ID: "m2", Type: JobStitch, InputPath: in, Frames: pano.NewSequence(solid(8, 4, color.RGBA{A: 255}))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ups updates
			res := r.Process(context.Background(), tt.job, ups.add)
			require.Error(t, res.Error)
			assert.ErrorIs(t, res.Error, pano.ErrInsufficientFrames)
			assert.Nil(t, res.Panorama)
			assert.Equal(t, tt.job.Frames.Len(), res.Meta["frames"])
			assert.Empty(t, ups.phase("stitch"))
		})
	}
}

func TestRouterCaptureSavesFramesAndStitches(t *testing.T) {
	frames := []*pano.Image{
		solid(10, 6, color.RGBA{R: 200, A: 255}),
		nil, // source not ready: slot skipped
		solid(12, 6, color.RGBA{G: 200, A: 255}),
		solid(14, 6, color.RGBA{B: 200, A: 255}),
	}
	opener := func(kind string) (capture.FrameSource, func() error, error) {
		assert.Equal(t, "test", kind)
		return capture.NewSliceSource(frames...), nil, nil
	}
	r, cfg := testRouter(t, nil, WithSourceOpener(opener))

	var ups updates
	res := r.Process(context.Background(), Job{
		ID:   "cap",
		Type: JobCapture,
		Options: map[string]any{
			"source":     "test",
			"frames":     4,
			"durationMs": 400,
			"countdown":  2,
			"stitch":     true,
		},
	}, ups.add)
	require.NoError(t, res.Error)

	dir := filepath.Join(cfg.Paths.FramesDir, "cap")
	assert.Equal(t, dir, res.Meta["frames_dir"])
	assert.Equal(t, 3, res.Meta["captured"])
	assert.Equal(t, 4, res.Meta["requested"])
	assert.FileExists(t, filepath.Join(dir, "frame_000.png"))
	assert.NoFileExists(t, filepath.Join(dir, "frame_001.png"))
	assert.FileExists(t, filepath.Join(dir, "frame_003.png"))
	assert.Equal(t, 36, res.Meta["width"])

	capUps := ups.phase("capture")
	require.Len(t, capUps, 6, "two countdown ticks and four progress updates")
	assert.Equal(t, "starting in 2", capUps[0].Message)
	assert.Equal(t, 100, capUps[len(capUps)-1].Percent)
	assert.NotEmpty(t, ups.phase("stitch"))
}

func TestRouterCaptureInsufficientFrames(t *testing.T) {
	opener := func(string) (capture.FrameSource, func() error, error) {
		return capture.NewSliceSource(solid(4, 4, color.RGBA{A: 255})), func() error { return nil }, nil
	}
	r, _ := testRouter(t, nil, WithSourceOpener(opener))

	res := r.Process(context.Background(), Job{ID: "short", Type: JobCapture, Options: map[string]any{"frames": 3, "countdown": 0, "stitch": true}}, nil)
	require.Error(t, res.Error)
	assert.ErrorIs(t, res.Error, pano.ErrInsufficientFrames)
	assert.Equal(t, 1, res.Meta["captured"])
}

func TestRouterUnknownSourceAndJobType(t *testing.T) {
	r, _ := testRouter(t, nil)

	res := r.Process(context.Background(), Job{ID: "x", Type: JobCapture, Options: map[string]any{"source": "carrier-pigeon"}}, nil)
	assert.ErrorContains(t, res.Error, "carrier-pigeon")

	res = r.Process(context.Background(), Job{ID: "y", Type: "timelapse"}, nil)
	assert.ErrorContains(t, res.Error, "unknown job type")
}

func TestConfigMapping(t *testing.T) {
	c := config.Default().Stitch
	c.Blending = "feather"
	c.WarpMode = "planar"
	fc := FeatureConfig(c)
	assert.Equal(t, "feather", fc.Blending)
	assert.Equal(t, "planar", fc.WarpMode)
	assert.Equal(t, c.Seed, fc.Seed)

	opts := ProjectionOptions(config.Projection{Mode: "remap", MaxPixels: 100})
	assert.Equal(t, projection.ModeRemap, opts.Mode)
	assert.Equal(t, int64(100), opts.MaxPixels)
	assert.Equal(t, 0.25, opts.MemoryShare)
}

func TestRouterSkipsUndecodableRAWFrames(t *testing.T) {
	if _, ok := pano.DecoderFor(".cr2"); ok {
		t.Skip("RAW decoder compiled in")
	}
	r, _ := testRouter(t, nil)
	in := t.TempDir()
	require.NoError(t, pano.WritePNG(filepath.Join(in, "a_1.png"), solid(8, 4, color.RGBA{R: 255, A: 255})))
	require.NoError(t, os.WriteFile(filepath.Join(in, "a_2.cr2"), []byte("not a raw file"), 0o644))
	require.NoError(t, pano.WritePNG(filepath.Join(in, "a_3.png"), solid(8, 4, color.RGBA{G: 255, A: 255})))

	res := r.Process(context.Background(), Job{ID: "raw", Type: JobStitch, InputPath: in}, func(Update) {})
	require.NoError(t, res.Error)
	assert.Equal(t, 2, res.Meta["frames"])
	assert.Equal(t, 16, res.Meta["width"])
}
