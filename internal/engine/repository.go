package engine

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/brandpulse/internal/model"
)

// ExecutionRepository stores execution contexts. It is an explicit
// dependency of the engine so callers can swap the backing store.
type ExecutionRepository interface {
	Create(exec model.ExecutionContext) error
	Get(executionID string) (*model.ExecutionContext, error)
	Update(exec model.ExecutionContext) error
	List() []model.ExecutionContext
	Delete(executionID string) error
}

// MemoryRepository is an in-memory ExecutionRepository. Terminal executions
// older than the retention window are swept on write.
type MemoryRepository struct {
	mu         sync.RWMutex
	executions map[string]model.ExecutionContext
	finishedAt map[string]time.Time
	retention  time.Duration
}

// NewMemoryRepository creates a repository retaining terminal executions for
// the given window. Zero retention keeps them forever.
func NewMemoryRepository(retention time.Duration) *MemoryRepository {
	return &MemoryRepository{
		executions: make(map[string]model.ExecutionContext),
		finishedAt: make(map[string]time.Time),
		retention:  retention,
	}
}

func (r *MemoryRepository) Create(exec model.ExecutionContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executions[exec.ExecutionID]; exists {
		return eris.Errorf("execution already exists: %s", exec.ExecutionID)
	}
	r.executions[exec.ExecutionID] = exec
	r.sweepLocked()
	return nil
}

func (r *MemoryRepository) Get(executionID string) (*model.ExecutionContext, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executions[executionID]
	if !ok {
		return nil, eris.Errorf("execution not found: %s", executionID)
	}
	return &exec, nil
}

func (r *MemoryRepository) Update(exec model.ExecutionContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.executions[exec.ExecutionID]; !ok {
		return eris.Errorf("execution not found: %s", exec.ExecutionID)
	}
	r.executions[exec.ExecutionID] = exec
	if exec.State.Terminal() {
		if _, marked := r.finishedAt[exec.ExecutionID]; !marked {
			r.finishedAt[exec.ExecutionID] = time.Now()
		}
	}
	r.sweepLocked()
	return nil
}

func (r *MemoryRepository) List() []model.ExecutionContext {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.ExecutionContext, 0, len(r.executions))
	for _, exec := range r.executions {
		out = append(out, exec)
	}
	return out
}

func (r *MemoryRepository) Delete(executionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.executions[executionID]; !ok {
		return eris.Errorf("execution not found: %s", executionID)
	}
	delete(r.executions, executionID)
	delete(r.finishedAt, executionID)
	return nil
}

func (r *MemoryRepository) sweepLocked() {
	if r.retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.retention)
	for id, finished := range r.finishedAt {
		if finished.Before(cutoff) {
			delete(r.executions, id)
			delete(r.finishedAt, id)
		}
	}
}
