// Package engine wires the dispatcher, aggregator, state machine, timeout
// manager and dead letter store together per execution. One engine instance
// serves many concurrent executions; per-execution state is never shared
// between them.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/brandpulse/internal/aggregate"
	"github.com/sells-group/brandpulse/internal/deadletter"
	"github.com/sells-group/brandpulse/internal/dispatch"
	"github.com/sells-group/brandpulse/internal/model"
	"github.com/sells-group/brandpulse/internal/provider"
	"github.com/sells-group/brandpulse/internal/resilience"
	"github.com/sells-group/brandpulse/internal/store"
	"github.com/sells-group/brandpulse/internal/timeout"
)

// Config controls engine behavior.
type Config struct {
	// Workers bounds concurrent provider calls per execution. Default: 3.
	Workers int

	// CallTimeout bounds a single provider call. Default: 60s.
	CallTimeout time.Duration

	// Policy is the per-task retry policy.
	Policy resilience.Policy

	// Execution deadline scales with matrix size: BaseTimeout plus
	// PerTaskTimeout per task, capped at MaxTimeout.
	BaseTimeout    time.Duration
	PerTaskTimeout time.Duration
	MaxTimeout     time.Duration

	// Scoring parameters for the aggregator.
	Weights aggregate.Weights
	Buckets aggregate.VisibilityBuckets
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 60 * time.Second
	}
	if c.BaseTimeout <= 0 {
		c.BaseTimeout = time.Minute
	}
	if c.PerTaskTimeout <= 0 {
		c.PerTaskTimeout = 30 * time.Second
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 15 * time.Minute
	}
	return c
}

// SubmitRequest describes one diagnostic run.
type SubmitRequest struct {
	MainBrand        string
	CompetitorBrands []string
	Questions        []string
	Models           []string

	// TimeoutHint overrides the computed execution deadline when positive.
	// Still capped at MaxTimeout.
	TimeoutHint time.Duration
}

// run is the live per-execution state owned by the engine.
type run struct {
	machine    *Machine
	aggregator *aggregate.Aggregator
	cancel     context.CancelFunc
	total      int

	mu              sync.Mutex
	completed       int
	deadLetterCount int
	done            chan struct{}
}

// Engine executes diagnostics and exposes their snapshots.
type Engine struct {
	cfg      Config
	registry *provider.Registry
	breakers *resilience.ProviderBreakers
	timeouts *timeout.Manager
	letters  deadletter.Store
	results  store.ResultStore // optional
	repo     ExecutionRepository

	mu   sync.RWMutex
	runs map[string]*run
}

// New creates an engine. The result store may be nil, in which case records
// are held only in aggregator state.
func New(cfg Config, registry *provider.Registry, timeouts *timeout.Manager,
	letters deadletter.Store, results store.ResultStore, repo ExecutionRepository) *Engine {
	return &Engine{
		cfg:      cfg.withDefaults(),
		registry: registry,
		breakers: resilience.NewProviderBreakers(resilience.DefaultBreakerConfig()),
		timeouts: timeouts,
		letters:  letters,
		results:  results,
		repo:     repo,
		runs:     make(map[string]*run),
	}
}

// Submit validates the request, builds the task matrix and starts the
// execution. Returns immediately with the execution id; work proceeds in the
// background.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.MainBrand == "" {
		return "", eris.New("submit: main brand is required")
	}
	if len(req.Questions) == 0 {
		return "", eris.New("submit: at least one question is required")
	}
	if len(req.Models) == 0 {
		return "", eris.New("submit: at least one model is required")
	}
	for _, m := range req.Models {
		if e.registry.Get(m) == nil {
			return "", eris.Errorf("submit: no adapter registered for model %q", m)
		}
	}

	executionID := uuid.New().String()
	deadline := e.deadlineFor(len(req.Questions)*len(req.Models), req.TimeoutHint)

	exec := model.ExecutionContext{
		ExecutionID:      executionID,
		MainBrand:        req.MainBrand,
		CompetitorBrands: req.CompetitorBrands,
		Questions:        req.Questions,
		Models:           req.Models,
		CreatedAt:        time.Now().UTC(),
		TimeoutAt:        time.Now().UTC().Add(deadline),
		State:            model.StateInit,
	}
	if err := e.repo.Create(exec); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		machine:    NewMachine(executionID),
		aggregator: aggregate.New(req.MainBrand, exec.TaskCount(), e.cfg.Weights, e.cfg.Buckets),
		cancel:     cancel,
		total:      exec.TaskCount(),
		done:       make(chan struct{}),
	}

	e.mu.Lock()
	e.runs[executionID] = r
	e.mu.Unlock()

	e.timeouts.Start(executionID, deadline, func() {
		e.onTimeout(executionID)
	})

	go e.execute(runCtx, exec, r)

	zap.L().Info("execution submitted",
		zap.String("execution_id", executionID),
		zap.String("brand", req.MainBrand),
		zap.Int("tasks", exec.TaskCount()),
		zap.Duration("deadline", deadline),
	)
	return executionID, nil
}

// deadlineFor computes the execution deadline from the matrix size. A larger
// matrix earns a longer allowance, capped at MaxTimeout.
func (e *Engine) deadlineFor(taskCount int, hint time.Duration) time.Duration {
	d := e.cfg.BaseTimeout + time.Duration(taskCount)*e.cfg.PerTaskTimeout
	if hint > 0 {
		d = hint
	}
	if d > e.cfg.MaxTimeout {
		d = e.cfg.MaxTimeout
	}
	return d
}

// execute runs the task matrix to completion and drives the state machine.
func (e *Engine) execute(ctx context.Context, exec model.ExecutionContext, r *run) {
	defer close(r.done)

	tasks := model.BuildTasks(&exec)

	d := dispatch.New(dispatch.Config{
		Workers:     e.cfg.Workers,
		CallTimeout: e.cfg.CallTimeout,
		Policy:      e.cfg.Policy,
	}, e.registry, e.breakers)

	if r.machine.Transition(model.StateAiFetching, "") {
		e.persistState(exec.ExecutionID, model.StateAiFetching, "")
	}

	for outcome := range d.Submit(ctx, tasks) {
		r.mu.Lock()
		r.completed++
		r.mu.Unlock()

		switch {
		case outcome.Record != nil:
			r.aggregator.AddResult(*outcome.Record)
			if e.results != nil {
				if err := e.results.SaveResult(ctx, *outcome.Record); err != nil {
					zap.L().Error("failed to persist result",
						zap.String("execution_id", exec.ExecutionID),
						zap.String("task", outcome.Record.Key()),
						zap.Error(err),
					)
				}
			}
		case outcome.DeadLetter != nil:
			r.mu.Lock()
			r.deadLetterCount++
			r.mu.Unlock()
			if err := e.letters.Add(context.WithoutCancel(ctx), *outcome.DeadLetter); err != nil {
				zap.L().Error("failed to persist dead letter",
					zap.String("execution_id", exec.ExecutionID),
					zap.String("task", outcome.DeadLetter.TaskKey),
					zap.Error(err),
				)
			}
		}
	}

	if ctx.Err() != nil {
		// Cancelled or timed out; the terminal transition was already made
		// by Cancel or onTimeout.
		return
	}

	e.timeouts.Cancel(exec.ExecutionID)

	if !r.machine.Transition(model.StateAnalyzing, "") {
		return
	}
	e.persistState(exec.ExecutionID, model.StateAnalyzing, "")

	if r.aggregator.TotalResults() == 0 {
		if r.machine.Transition(model.StateFailed, "no usable results") {
			e.persistState(exec.ExecutionID, model.StateFailed, "no usable results")
		}
		return
	}
	if r.machine.Transition(model.StateCompleted, "") {
		e.persistState(exec.ExecutionID, model.StateCompleted, "")
	}
}

// onTimeout forces the execution into TimedOut, preserving partial results.
func (e *Engine) onTimeout(executionID string) {
	e.mu.RLock()
	r, ok := e.runs[executionID]
	e.mu.RUnlock()
	if !ok {
		return
	}

	if r.machine.Transition(model.StateTimedOut, "execution deadline exceeded") {
		r.mu.Lock()
		completed, total := r.completed, r.total
		r.mu.Unlock()
		zap.L().Warn("execution timed out",
			zap.String("execution_id", executionID),
			zap.Int("completed", completed),
			zap.Int("total", total),
		)
		e.persistState(executionID, model.StateTimedOut, "execution deadline exceeded")
	}
	r.cancel()
}

// Cancel stops an execution immediately and idempotently. In-flight provider
// calls are abandoned without fabricating results.
func (e *Engine) Cancel(executionID string) error {
	e.mu.RLock()
	r, ok := e.runs[executionID]
	e.mu.RUnlock()
	if !ok {
		return eris.Errorf("execution not found: %s", executionID)
	}

	e.timeouts.Cancel(executionID)
	if r.machine.Transition(model.StateCancelled, "cancelled by request") {
		e.persistState(executionID, model.StateCancelled, "cancelled by request")
	}
	r.cancel()
	return nil
}

// Snapshot returns the current view of an execution: state, progress, the
// aggregated metrics so far and the dead letter count. Never blocks on
// in-flight tasks.
func (e *Engine) Snapshot(executionID string) (*model.ExecutionSnapshot, error) {
	e.mu.RLock()
	r, ok := e.runs[executionID]
	e.mu.RUnlock()
	if !ok {
		// Fall back to the repository for executions from before a restart.
		exec, err := e.repo.Get(executionID)
		if err != nil {
			return nil, err
		}
		return &model.ExecutionSnapshot{
			ExecutionID:   executionID,
			State:         exec.State,
			FailureReason: exec.FailureReason,
		}, nil
	}

	r.mu.Lock()
	completed, deadLetters := r.completed, r.deadLetterCount
	r.mu.Unlock()

	return &model.ExecutionSnapshot{
		ExecutionID:     executionID,
		State:           r.machine.State(),
		FailureReason:   r.machine.Reason(),
		Progress:        model.Progress{Completed: completed, Total: r.total},
		Aggregated:      r.aggregator.Snapshot(),
		DeadLetterCount: deadLetters,
	}, nil
}

// Wait blocks until the execution's dispatch loop has drained, or ctx is
// done. Used by tests and the CLI.
func (e *Engine) Wait(ctx context.Context, executionID string) error {
	e.mu.RLock()
	r, ok := e.runs[executionID]
	e.mu.RUnlock()
	if !ok {
		return eris.Errorf("execution not found: %s", executionID)
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryDeadLetter re-executes one dead-lettered task. On success the result
// folds into the original execution's aggregator; on failure the entry is
// re-added to the store.
func (e *Engine) RetryDeadLetter(ctx context.Context, deadLetterID string) error {
	task, err := e.letters.RequestRetry(ctx, deadLetterID)
	if err != nil {
		return err
	}

	e.mu.RLock()
	r, ok := e.runs[task.ExecutionID]
	e.mu.RUnlock()
	if !ok {
		return eris.Errorf("execution no longer tracked: %s", task.ExecutionID)
	}

	d := dispatch.New(dispatch.Config{
		Workers:     1,
		CallTimeout: e.cfg.CallTimeout,
		Policy:      e.cfg.Policy,
	}, e.registry, e.breakers)

	for outcome := range d.Submit(ctx, []model.ExecutionTask{*task}) {
		switch {
		case outcome.Record != nil:
			r.aggregator.AddResult(*outcome.Record)
			if e.results != nil {
				if err := e.results.SaveResult(ctx, *outcome.Record); err != nil {
					zap.L().Error("failed to persist retried result",
						zap.String("execution_id", task.ExecutionID),
						zap.Error(err),
					)
				}
			}
			if err := e.letters.Resolve(ctx, deadLetterID, "retry", "succeeded on manual retry"); err != nil {
				zap.L().Warn("failed to resolve dead letter after retry",
					zap.String("dead_letter_id", deadLetterID),
					zap.Error(err),
				)
			}
		case outcome.DeadLetter != nil:
			if err := e.letters.Add(ctx, *outcome.DeadLetter); err != nil {
				return err
			}
			return eris.Errorf("retry of dead letter %s failed again: %s",
				deadLetterID, outcome.DeadLetter.ErrorKind)
		}
	}
	return nil
}

// BreakerStates exposes per-provider circuit state for observability.
func (e *Engine) BreakerStates() map[string]resilience.CircuitState {
	return e.breakers.States()
}

// persistState writes the state change through to the repository.
func (e *Engine) persistState(executionID string, state model.ExecutionState, reason string) {
	exec, err := e.repo.Get(executionID)
	if err != nil {
		zap.L().Error("failed to load execution for state update",
			zap.String("execution_id", executionID),
			zap.Error(err),
		)
		return
	}
	exec.State = state
	exec.FailureReason = reason
	if err := e.repo.Update(*exec); err != nil {
		zap.L().Error("failed to persist execution state",
			zap.String("execution_id", executionID),
			zap.String("state", string(state)),
			zap.Error(err),
		)
	}
}
