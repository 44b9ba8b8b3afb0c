package stitch

import (
	"log/slog"
	"sync"

	"panocap/internal/pano"
)

// Observer receives progress events synchronously, in order.
type Observer func(pano.ProgressEvent)

// tracker keeps emitted progress monotonic. Stages only move forward and the
// percent never falls; a checkpoint that would go backwards (for example a
// fallback restarting after a failed registration) is dropped.
type tracker struct {
	mu      sync.Mutex
	started bool
	stage   pano.Stage
	percent int
	obs     Observer
	log     *slog.Logger
}

func newTracker(obs Observer, logger *slog.Logger) *tracker {
	return &tracker{obs: obs, log: logger}
}

func (t *tracker) Stage(stage pano.Stage, percent int, msg string) {
	percent = max(0, min(100, percent))

	t.mu.Lock()
	if t.started && (stage < t.stage || percent < t.percent) {
		t.mu.Unlock()
		t.log.Debug("dropping out-of-order progress", "stage", stage.String(), "percent", percent, "current_stage", t.stage.String(), "current_percent", t.percent)
		return
	}
	t.started = true
	t.stage = stage
	t.percent = percent
	t.mu.Unlock()

	t.log.Debug("stitch progress", "stage", stage.String(), "percent", percent, "message", msg)
	if t.obs != nil {
		t.obs(pano.ProgressEvent{Stage: stage, Percent: percent, Message: msg})
	}
}

func (t *tracker) current() pano.Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage
}
