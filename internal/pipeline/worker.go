package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/voxdeck/internal/storage"
)

const (
	finishTimeout     = 10 * time.Second
	heartbeatInterval = time.Minute
)

// Processor executes a claimed run.
type Processor interface {
	Process(ctx context.Context, run storage.Run) storage.Result
}

// RunStore abstracts the queue operations the worker needs.
type RunStore interface {
	ClaimNextRun(ctx context.Context) (*storage.Run, error)
	FinishRun(ctx context.Context, id string, status storage.RunStatus, result storage.Result) error
	TouchRun(ctx context.Context, id string) error
}

// Worker processes pending runs one at a time.
type Worker struct {
	store     RunStore
	proc      Processor
	poll      time.Duration
	heartbeat time.Duration
	logger    *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store RunStore, proc Processor, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:     store,
		proc:      proc,
		poll:      pollInterval,
		heartbeat: heartbeatInterval,
		logger:    slog.Default(),
	}
}

// Run polls for runs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single run.
// Returns true if a run was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	run, err := w.store.ClaimNextRun(ctx)
	if err != nil {
		return false, fmt.Errorf("claiming run: %w", err)
	}
	if run == nil {
		return false, nil
	}

	logger := w.logger.With("run_id", run.ID)
	logger.Info("run started", "input", run.InputAudioPath, "source", run.Source)
	start := time.Now()

	stopBeat := w.beat(ctx, run.ID, logger)
	res := w.proc.Process(ctx, *run)
	stopBeat()
	status := StatusFor(res)

	// The terminal state is written even when ctx was cancelled mid-run.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if err := w.store.FinishRun(fctx, run.ID, status, res); err != nil {
		return true, fmt.Errorf("finishing run %s: %w", run.ID, err)
	}

	logger.Info("run finished", "status", status, "degraded", res.Degraded, "duration", time.Since(start))
	return true, nil
}

// beat touches the run every heartbeat interval until the returned stop
// function is called, so a live run is never reaped as stale.
func (w *Worker) beat(ctx context.Context, id string, logger *slog.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(w.heartbeat)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := w.store.TouchRun(ctx, id); err != nil && ctx.Err() == nil {
					logger.Warn("run heartbeat failed", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
