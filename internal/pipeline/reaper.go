package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/voxdeck/internal/storage"
)

// StaleRunStore fails runs whose worker stopped updating them.
type StaleRunStore interface {
	FailStaleRuns(ctx context.Context, cutoff time.Time, result storage.Result) ([]string, error)
}

// Reaper periodically fails runs left running by a worker that died, so
// every claimed run still reaches a terminal state.
type Reaper struct {
	store      StaleRunStore
	staleAfter time.Duration
	interval   time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewReaper creates a Reaper. Runs not touched for staleAfter are failed
// with kind interrupted. The sweep runs every staleAfter/4, at least once a
// second.
func NewReaper(store StaleRunStore, staleAfter time.Duration) *Reaper {
	interval := staleAfter / 4
	if interval < time.Second {
		interval = time.Second
	}
	return &Reaper{
		store:      store,
		staleAfter: staleAfter,
		interval:   interval,
		now:        time.Now,
		logger:     slog.Default(),
	}
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reaper sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// RunOnce performs a single sweep and returns the ids it failed.
func (r *Reaper) RunOnce(ctx context.Context) ([]string, error) {
	res := storage.Result{Error: &storage.RunError{
		Kind:    KindInterrupted,
		Message: fmt.Sprintf("worker stopped reporting for more than %s", r.staleAfter),
	}}
	ids, err := r.store.FailStaleRuns(ctx, r.now().Add(-r.staleAfter), res)
	for _, id := range ids {
		r.logger.Warn("stale run failed", "run_id", id, "stale_after", r.staleAfter)
	}
	if err != nil {
		return ids, fmt.Errorf("failing stale runs: %w", err)
	}
	return ids, nil
}
