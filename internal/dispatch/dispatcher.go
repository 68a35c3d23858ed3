// Package dispatch runs execution tasks through a bounded worker pool,
// applying the retry policy and per-provider circuit breakers, and emitting
// exactly one terminal outcome per task.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/brandpulse/internal/extract"
	"github.com/sells-group/brandpulse/internal/model"
	"github.com/sells-group/brandpulse/internal/provider"
	"github.com/sells-group/brandpulse/internal/resilience"
)

// Outcome is the terminal result of one task: exactly one of Record or
// DeadLetter is set.
type Outcome struct {
	Record     *model.ResultRecord
	DeadLetter *model.DeadLetterEntry
}

// Config controls dispatcher behavior.
type Config struct {
	// Workers bounds concurrent provider calls. Kept small by default:
	// upstream providers impose aggressive per-key rate limits, and
	// exceeding them causes cascading timeouts. Default: 3.
	Workers int

	// CallTimeout bounds a single provider call. Default: 60s.
	CallTimeout time.Duration

	// Policy is the retry policy applied per task.
	Policy resilience.Policy
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 60 * time.Second
	}
	return c
}

// Dispatcher executes task batches against registered provider adapters.
type Dispatcher struct {
	cfg      Config
	registry *provider.Registry
	breakers *resilience.ProviderBreakers

	completed atomic.Int64
	onDone    func(completed int64)
}

// New creates a dispatcher over the given adapter registry.
func New(cfg Config, registry *provider.Registry, breakers *resilience.ProviderBreakers) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		registry: registry,
		breakers: breakers,
	}
}

// OnTaskDone registers a callback invoked with the running completed-task
// count after each terminal outcome. Used for progress tracking.
func (d *Dispatcher) OnTaskDone(fn func(completed int64)) {
	d.onDone = fn
}

// Completed returns the number of tasks that reached a terminal state.
func (d *Dispatcher) Completed() int64 {
	return d.completed.Load()
}

// Submit runs all tasks through the worker pool and streams their outcomes.
// The returned channel is closed once every pulled task is terminal or the
// context is cancelled. No task is ever dispatched twice: each is owned by
// exactly one worker from pull to terminal state. Cancellation stops workers
// from pulling new tasks; no outcome is fabricated for abandoned tasks.
func (d *Dispatcher) Submit(ctx context.Context, tasks []model.ExecutionTask) <-chan Outcome {
	queue := make(chan *model.ExecutionTask, len(tasks))
	for i := range tasks {
		queue <- &tasks[i]
	}
	close(queue)

	out := make(chan Outcome, len(tasks))

	var wg sync.WaitGroup
	for w := 0; w < d.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range queue {
				if ctx.Err() != nil {
					return
				}
				outcome := d.runTask(ctx, task)
				if outcome == nil {
					// Cancelled mid-flight; the task stays non-terminal.
					return
				}
				count := d.completed.Add(1)
				if d.onDone != nil {
					d.onDone(count)
				}
				out <- *outcome
			}
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

// runTask drives one task to a terminal state. Returns nil only when the
// context was cancelled before a terminal outcome was reached.
func (d *Dispatcher) runTask(ctx context.Context, task *model.ExecutionTask) *Outcome {
	log := zap.L().With(
		zap.String("execution_id", task.ExecutionID),
		zap.String("task", task.Key()),
		zap.String("model", task.ModelID),
	)

	adapter := d.registry.Get(task.ModelID)
	if adapter == nil {
		task.State = model.TaskDeadLettered
		log.Error("dispatch: no adapter registered for model")
		return &Outcome{DeadLetter: d.deadLetter(task,
			resilience.KindValidationError,
			eris.Errorf("no adapter registered for model %q", task.ModelID))}
	}

	task.State = model.TaskInFlight
	onRetry := resilience.RetryLogger(task.ModelID, task.Key())

	var lastErr error
	var lastKind resilience.ErrorKind

	for {
		resp, err := d.callProvider(ctx, adapter, task.RenderedQuestion)
		if err == nil {
			record := d.record(task, resp)
			task.State = model.TaskSucceeded
			log.Debug("dispatch: task succeeded",
				zap.Int("attempt", task.Attempt),
				zap.Int64("latency_ms", resp.LatencyMs),
			)
			return &Outcome{Record: record}
		}

		if ctx.Err() != nil {
			return nil
		}

		lastErr = err
		lastKind = resilience.Classify(err)

		if !d.cfg.Policy.ShouldRetry(task.Attempt, lastKind) {
			break
		}

		onRetry(task.Attempt+1, lastKind, err)
		if sleepErr := d.cfg.Policy.Sleep(ctx, task.Attempt); sleepErr != nil {
			return nil
		}
		task.Attempt++
	}

	task.State = model.TaskDeadLettered
	log.Warn("dispatch: task dead-lettered",
		zap.String("kind", string(lastKind)),
		zap.Int("attempts", task.Attempt+1),
		zap.Error(lastErr),
	)
	return &Outcome{DeadLetter: d.deadLetter(task, lastKind, lastErr)}
}

// callProvider invokes the adapter through its circuit breaker. Failures are
// classified at this boundary and never propagate as panics past the worker.
func (d *Dispatcher) callProvider(ctx context.Context, adapter provider.Adapter, prompt string) (resp *model.ProviderResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = resilience.NewProviderError(resilience.KindUnknown,
				eris.Errorf("provider %s panicked: %v", adapter.Name(), r))
			zap.L().Error("dispatch: provider panic recovered",
				zap.String("provider", adapter.Name()),
				zap.Any("panic", r),
			)
		}
	}()

	breaker := d.breakers.Get(adapter.Name())
	if allowErr := breaker.Allow(); allowErr != nil {
		return nil, allowErr
	}

	resp, err = adapter.Send(ctx, prompt, d.cfg.CallTimeout)
	breaker.Record(err)
	return resp, err
}

// record builds the ResultRecord for a successful call, running the
// extractor on the provider's output. Extraction never fails the task: a
// parse miss yields the default analysis flagged low-confidence.
func (d *Dispatcher) record(task *model.ExecutionTask, resp *model.ProviderResponse) *model.ResultRecord {
	return &model.ResultRecord{
		ExecutionID:   task.ExecutionID,
		QuestionIndex: task.QuestionIndex,
		ModelID:       task.ModelID,
		Response:      *resp,
		Geo:           extract.Extract(resp.Content),
		Attempt:       task.Attempt,
		CompletedAt:   time.Now().UTC(),
	}
}

func (d *Dispatcher) deadLetter(task *model.ExecutionTask, kind resilience.ErrorKind, err error) *model.DeadLetterEntry {
	entry := &model.DeadLetterEntry{
		ID:          uuid.New().String(),
		ExecutionID: task.ExecutionID,
		TaskKey:     task.Key(),
		ErrorKind:   string(kind),
		Context:     *task,
		RetryCount:  task.Attempt,
		MaxRetries:  d.cfg.Policy.MaxRetries,
		Status:      model.DeadLetterPending,
		FailedAt:    time.Now().UTC(),
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
		entry.ErrorTrace = eris.ToString(err, true)
	}
	return entry
}
