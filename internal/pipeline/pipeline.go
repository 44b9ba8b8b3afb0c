package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"panocap/internal/logging"
	"panocap/internal/pano"
	"panocap/internal/storage"
)

// ErrQueueFull is returned by Submit when no worker can take the job.
var ErrQueueFull = errors.New("job queue is full")

// JobType enumerates supported processing categories.
type JobType string

const (
	// JobCapture runs a timed capture session and saves the frames.
	JobCapture JobType = "capture"
	// JobStitch stitches frames from a directory or from memory.
	JobStitch JobType = "stitch"
)

// Job represents a single processing request.
type Job struct {
	ID        string
	Type      JobType
	InputPath string
	Output    string
	Options   map[string]any
	// Frames, when non-nil, are stitched directly and InputPath is not read.
	Frames pano.FrameSequence
}

// Result captures the outcome of a Job.
type Result struct {
	Job      Job
	Error    error
	Meta     map[string]any
	Panorama *pano.Panorama
}

// Update is one progress notification for a running job. Phase is "capture"
// or "stitch"; capture updates carry Percent only.
type Update struct {
	JobID   string     `json:"job_id"`
	Phase   string     `json:"phase"`
	Stage   pano.Stage `json:"stage"`
	Percent int        `json:"percent"`
	Message string     `json:"message,omitempty"`
}

// ProgressFunc receives updates from a processor while a job runs.
type ProgressFunc func(Update)

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job, progress ProgressFunc) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	store     *storage.Store

	mu        sync.Mutex
	stopped   bool
	subs      map[int]chan Result
	progress  map[int]chan Update
	nextSubID int
}

// New creates a Pipeline running concurrency workers over proc. queueSize
// bounds pending jobs; values below one mean twice the concurrency.
func New(ctx context.Context, concurrency, queueSize int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if queueSize < 1 {
		queueSize = concurrency * 2
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		jobs:      make(chan Job, queueSize),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
		progress:  make(map[int]chan Update),
	}
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return p
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return errors.New("pipeline stopped")
	}

	select {
	case p.jobs <- job:
	default:
		return ErrQueueFull
	}

	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		if err := p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			InputPath:   job.InputPath,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		}); err != nil {
			p.log.Warn("failed to record queued job", "job", job.ID, "error", err)
		}
	}
	return nil
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()

		p.cancel()
		p.wg.Wait()

		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		for id, ch := range p.progress {
			close(ch)
			delete(p.progress, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(ctx, job)
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.Options)

	if p.store != nil {
		_ = p.store.RecordJobStart(job.ID)
	}
	res := p.processor.Process(ctx, job, p.publish)
	res.Job = job
	duration := time.Since(start)

	status := "completed"
	if res.Error != nil {
		status = "failed"
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"input":  job.InputPath,
			"output": job.Output,
		})
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	}
	if p.store != nil {
		if err := p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error)); err != nil {
			p.log.Warn("failed to record job result", "job", job.ID, "error", err)
		}
	}

	p.broadcast(res)
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	if p.stopped {
		close(ch)
		return ch, func() {}
	}
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

// SubscribeProgress returns a channel of progress updates for every job and
// an unsubscribe function. Slow subscribers miss updates rather than block.
func (p *Pipeline) SubscribeProgress() (<-chan Update, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Update, 64)
	if p.stopped {
		close(ch)
		return ch, func() {}
	}
	p.progress[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.progress[id]; ok {
			close(c)
			delete(p.progress, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) publish(u Update) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.progress {
		select {
		case ch <- u:
		default:
			p.log.Debug("progress channel full", "subscriber", id, "job", u.JobID)
		}
	}
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
