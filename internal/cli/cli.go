package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"panocap/internal/config"
	"panocap/internal/grpcserver"
	"panocap/internal/pipeline"
	"panocap/internal/server"
	"panocap/internal/stitch"
	"panocap/internal/storage"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
	SubscribeProgress() (<-chan pipeline.Update, func())
}

type serverFunc func(ctx context.Context, r *Root, httpAddr, grpcAddr string) error

// defaultServe runs the HTTP API and the gRPC service side by side. The first
// one to fail cancels the other.
func defaultServe(ctx context.Context, r *Root, httpAddr, grpcAddr string) error {
	pipe, ok := r.pipeline.(*pipeline.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline does not support server operation")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	running := 0
	if httpAddr != "" {
		running++
		httpSrv := server.NewServer(httpAddr, r.store, pipe, r.caps, r.log)
		go func() { errs <- httpSrv.Start(ctx) }()
	}
	if grpcAddr != "" {
		running++
		grpcSrv := grpcserver.New(pipe, r.store, r.log)
		go func() { errs <- grpcSrv.Start(ctx, grpcAddr) }()
	}
	if running == 0 {
		return fmt.Errorf("no listen address configured")
	}

	var first error
	for i := 0; i < running; i++ {
		if err := <-errs; err != nil && first == nil {
			first = err
			cancel()
		}
	}
	return first
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	caps     []stitch.Capability
	out      io.Writer
	serveFn  serverFunc
}

// NewRoot constructs the state shared by every command.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		caps:     pipeline.NewEngine(cfg, logger).Capabilities(),
		out:      os.Stdout,
		serveFn:  defaultServe,
	}
}

func (r *Root) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

// enqueueAndWait submits job, echoes its progress and returns its result.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	progCh, unsubProgress := r.pipeline.SubscribeProgress()
	defer unsubProgress()

	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{Job: job}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{Job: job}, ctx.Err()
		case u, ok := <-progCh:
			if !ok {
				progCh = nil
				continue
			}
			if u.JobID == job.ID {
				r.printUpdate(u)
			}
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{Job: job}, errors.New("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				r.drainUpdates(progCh, job.ID)
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

// drainUpdates prints progress already published ahead of the result.
func (r *Root) drainUpdates(progCh <-chan pipeline.Update, jobID string) {
	for {
		select {
		case u, ok := <-progCh:
			if !ok {
				return
			}
			if u.JobID == jobID {
				r.printUpdate(u)
			}
		default:
			return
		}
	}
}

func (r *Root) printUpdate(u pipeline.Update) {
	switch {
	case u.Phase == "capture":
		r.printf("  capture %3d%%  %s\n", u.Percent, u.Message)
	case u.Message != "":
		r.printf("  %-9s %3d%%  %s\n", u.Stage, u.Percent, u.Message)
	default:
		r.printf("  %-9s %3d%%\n", u.Stage, u.Percent)
	}
}

func newID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%04d", prefix, ts, rand.Intn(10000))
}
