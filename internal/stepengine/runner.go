package stepengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NunoMbM/feedback-digestive-system/internal/storage"
)

// Queue hands out runs to execute.
type Queue interface {
	ClaimNextRun(ctx context.Context, workflows []string) (*storage.Run, error)
	RequeueStaleRuns(ctx context.Context) (int, error)
}

// Runner polls the queue and executes claimed runs on a fixed pool of workers.
type Runner struct {
	queue       Queue
	engine      *Engine
	concurrency int
	poll        time.Duration
	logger      *slog.Logger
}

// NewRunner creates a Runner. concurrency <= 0 means 1; pollInterval <= 0
// defaults to 500ms.
func NewRunner(queue Queue, engine *Engine, concurrency int, pollInterval time.Duration) *Runner {
	if concurrency <= 0 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Runner{
		queue:       queue,
		engine:      engine,
		concurrency: concurrency,
		poll:        pollInterval,
		logger:      slog.Default(),
	}
}

// Run requeues runs orphaned by a previous process, then executes runs until
// ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	n, err := r.queue.RequeueStaleRuns(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Info("requeued interrupted runs", "count", n)
	}

	var g errgroup.Group
	for i := 0; i < r.concurrency; i++ {
		g.Go(func() error {
			r.work(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) work(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		did, err := r.RunOnce(ctx)
		if err != nil {
			// Errors wait out a poll interval before the next claim.
			r.logger.Error("runner iteration failed", "error", err)
		} else if did {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.poll):
		}
	}
}

// RunOnce claims and executes a single due run. It returns true if a run was
// claimed, whatever its outcome.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	run, err := r.queue.ClaimNextRun(ctx, r.engine.Workflows())
	if err != nil {
		return false, fmt.Errorf("claiming run: %w", err)
	}
	if run == nil {
		return false, nil
	}

	if _, err := r.engine.Execute(ctx, *run); err != nil {
		return true, fmt.Errorf("executing run %s: %w", run.ID, err)
	}
	return true, nil
}
