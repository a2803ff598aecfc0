package stepengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/NunoMbM/feedback-digestive-system/internal/storage"
)

// Store is the RunState persistence the engine needs.
type Store interface {
	RunSteps(ctx context.Context, runID string) ([]storage.StepState, error)
	CommitStep(ctx context.Context, runID, name, status, resultJSON string) error
	FailStep(ctx context.Context, runID, name, errMsg string, maxAttempts int, delay func(attempt int) time.Duration) (storage.StepFailure, error)
	CompleteRun(ctx context.Context, runID, resultJSON string) error
	MarkCancelled(ctx context.Context, runID string) error
	IsCancelRequested(ctx context.Context, runID string) (bool, error)
	ReleaseRun(ctx context.Context, runID string) error
}

// Options tune retries and timeouts. Zero values get defaults.
type Options struct {
	MaxAttempts    int
	RetryBaseDelay time.Duration
	StepTimeout    time.Duration
}

const (
	DefaultMaxAttempts    = 3
	DefaultRetryBaseDelay = time.Second
	DefaultStepTimeout    = 60 * time.Second
)

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryBaseDelay < 0 {
		o.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = DefaultStepTimeout
	}
	return o
}

// Outcome reports where a single Execute call left the run. Status is one of
// the storage run statuses; pending means the run was handed back to the
// queue, either for a retry at RetryAt or because ctx was cancelled.
type Outcome struct {
	Status     string
	Result     json.RawMessage
	FailedStep string
	RetryAt    time.Time
	Err        error
}

// Engine executes registered workflows against durable RunState.
type Engine struct {
	store     Store
	opts      Options
	workflows map[string]Workflow
	logger    *slog.Logger
}

// New creates an Engine. Workflows are added with Register.
func New(store Store, opts Options) *Engine {
	return &Engine{
		store:     store,
		opts:      opts.withDefaults(),
		workflows: make(map[string]Workflow),
		logger:    slog.Default(),
	}
}

// Register adds wf, replacing any workflow with the same name.
func (e *Engine) Register(wf Workflow) {
	e.workflows[wf.Name] = wf
}

// Workflows returns the registered workflow names, sorted.
func (e *Engine) Workflows() []string {
	names := make([]string, 0, len(e.workflows))
	for n := range e.workflows {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) delay(attempt int) time.Duration {
	return Backoff(e.opts.RetryBaseDelay, attempt)
}

// Execute drives a claimed run as far as it can go in one pass. Completed and
// skipped steps are not re-executed; their stored results feed later steps.
// The returned error is reserved for RunState persistence failures; step
// failures are reported through Outcome. When a persistence write fails the
// run is still handed back: the failure counts as an attempt of the current
// step, or the run is released if no step is in progress.
func (e *Engine) Execute(ctx context.Context, run storage.Run) (Outcome, error) {
	// Bookkeeping writes must land even when ctx is cancelled mid-step.
	bg := context.WithoutCancel(ctx)
	logger := e.logger.With("run_id", run.ID, "workflow", run.Workflow)

	wf, ok := e.workflows[run.Workflow]
	if !ok {
		return Outcome{}, fmt.Errorf("run %s: unknown workflow %q", run.ID, run.Workflow)
	}

	states, err := e.store.RunSteps(bg, run.ID)
	if err != nil {
		return e.abandon(bg, run.ID, "", fmt.Errorf("loading steps of run %s: %w", run.ID, err), logger)
	}
	done := make(map[string]storage.StepState, len(states))
	for _, st := range states {
		if st.Status == storage.StepCompleted || st.Status == storage.StepSkipped {
			done[st.Name] = st
		}
	}

	payload := json.RawMessage(run.PayloadJSON)
	results := make(Results, len(wf.Steps))
	var last json.RawMessage

	for _, step := range wf.Steps {
		if st, ok := done[step.Name]; ok {
			raw := json.RawMessage(st.ResultJSON)
			if len(raw) == 0 {
				raw = json.RawMessage("null")
			}
			results[step.Name] = raw
			if st.Status == storage.StepCompleted {
				last = raw
			}
			continue
		}

		if ctx.Err() != nil {
			return e.release(bg, run.ID, logger)
		}

		cancelled, err := e.store.IsCancelRequested(bg, run.ID)
		if err != nil {
			return e.abandon(bg, run.ID, step.Name, fmt.Errorf("checking cancellation of run %s: %w", run.ID, err), logger)
		}
		if cancelled {
			if err := e.store.MarkCancelled(bg, run.ID); err != nil {
				return e.abandon(bg, run.ID, "", fmt.Errorf("cancelling run %s: %w", run.ID, err), logger)
			}
			logger.Info("run cancelled", "before_step", step.Name)
			return Outcome{Status: storage.RunCancelled}, nil
		}

		if step.When != nil && !step.When(payload, results) {
			if err := e.store.CommitStep(bg, run.ID, step.Name, storage.StepSkipped, "null"); err != nil {
				return e.abandon(bg, run.ID, step.Name, fmt.Errorf("recording skipped step %s: %w", step.Name, err), logger)
			}
			results[step.Name] = json.RawMessage("null")
			logger.Debug("step skipped", "step", step.Name)
			continue
		}

		raw, stepErr := e.runStep(ctx, step, payload, results)
		if stepErr != nil {
			if ctx.Err() != nil {
				// Shutdown, not a failure of the step itself.
				return e.release(bg, run.ID, logger)
			}
			return e.fail(bg, run.ID, step.Name, stepErr, logger)
		}

		if err := e.store.CommitStep(bg, run.ID, step.Name, storage.StepCompleted, string(raw)); err != nil {
			return e.abandon(bg, run.ID, step.Name, fmt.Errorf("committing step %s: %w", step.Name, err), logger)
		}
		results[step.Name] = raw
		last = raw
		logger.Debug("step completed", "step", step.Name)
	}

	if last == nil {
		last = json.RawMessage("null")
	}
	if err := e.store.CompleteRun(bg, run.ID, string(last)); err != nil {
		return e.abandon(bg, run.ID, "", fmt.Errorf("completing run %s: %w", run.ID, err), logger)
	}
	logger.Info("run completed")
	return Outcome{Status: storage.RunCompleted, Result: last}, nil
}

func (e *Engine) runStep(ctx context.Context, step Step, payload json.RawMessage, results Results) (json.RawMessage, error) {
	stepCtx, cancel := context.WithTimeout(ctx, e.opts.StepTimeout)
	defer cancel()

	out, err := step.Fn(stepCtx, payload, results)
	if err != nil {
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("step timed out after %s: %w", e.opts.StepTimeout, err)
		}
		return nil, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encoding step result: %w", err)
	}
	return raw, nil
}

func (e *Engine) fail(ctx context.Context, runID, step string, stepErr error, logger *slog.Logger) (Outcome, error) {
	f, err := e.store.FailStep(ctx, runID, step, stepErr.Error(), e.opts.MaxAttempts, e.delay)
	if err != nil {
		return e.abandon(ctx, runID, "", fmt.Errorf("recording failure of step %s: %w", step, err), logger)
	}
	if f.Exhausted {
		logger.Error("run failed", "step", step, "attempt", f.Attempts, "error", stepErr)
		return Outcome{Status: storage.RunFailed, FailedStep: step, Err: stepErr}, nil
	}
	logger.Warn("step failed, will retry", "step", step, "attempt", f.Attempts, "retry_at", f.RetryAt, "error", stepErr)
	return Outcome{Status: storage.RunPending, FailedStep: step, RetryAt: f.RetryAt, Err: stepErr}, nil
}

func (e *Engine) release(ctx context.Context, runID string, logger *slog.Logger) (Outcome, error) {
	if err := e.store.ReleaseRun(ctx, runID); err != nil {
		return Outcome{}, fmt.Errorf("releasing run %s: %w", runID, err)
	}
	logger.Info("run released on shutdown")
	return Outcome{Status: storage.RunPending}, nil
}

// abandon hands a claimed run back after a RunState write failed, so it is
// never left running. With a step name the failure is charged to that step
// under the usual backoff and attempt limit; otherwise the run is released.
// cause is always returned.
func (e *Engine) abandon(ctx context.Context, runID, step string, cause error, logger *slog.Logger) (Outcome, error) {
	if step != "" {
		f, err := e.store.FailStep(ctx, runID, step, cause.Error(), e.opts.MaxAttempts, e.delay)
		if err == nil {
			status := storage.RunPending
			if f.Exhausted {
				status = storage.RunFailed
			}
			logger.Error("run state write failed", "step", step, "attempt", f.Attempts, "status", status, "error", cause)
			return Outcome{Status: status, FailedStep: step, RetryAt: f.RetryAt, Err: cause}, cause
		}
		cause = errors.Join(cause, err)
	}
	if err := e.store.ReleaseRun(ctx, runID); err != nil {
		return Outcome{}, errors.Join(cause, fmt.Errorf("releasing run %s: %w", runID, err))
	}
	logger.Error("run state write failed, run released", "error", cause)
	return Outcome{Status: storage.RunPending, Err: cause}, cause
}
