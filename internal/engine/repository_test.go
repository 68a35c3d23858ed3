package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/brandpulse/internal/model"
)

func testExecution(id string) model.ExecutionContext {
	return model.ExecutionContext{
		ExecutionID: id,
		MainBrand:   "Acme",
		Questions:   []string{"q1"},
		Models:      []string{"openai"},
		CreatedAt:   time.Now().UTC(),
		State:       model.StateInit,
	}
}

func TestMemoryRepository_CreateAndGet(t *testing.T) {
	r := NewMemoryRepository(0)

	require.NoError(t, r.Create(testExecution("exec-1")))
	got, err := r.Get("exec-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.MainBrand)

	// Duplicate ids are rejected.
	require.Error(t, r.Create(testExecution("exec-1")))

	_, err = r.Get("missing")
	require.Error(t, err)
}

func TestMemoryRepository_Update(t *testing.T) {
	r := NewMemoryRepository(0)
	require.NoError(t, r.Create(testExecution("exec-1")))

	exec := testExecution("exec-1")
	exec.State = model.StateCompleted
	require.NoError(t, r.Update(exec))

	got, err := r.Get("exec-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, got.State)

	require.Error(t, r.Update(testExecution("missing")))
}

func TestMemoryRepository_GetReturnsCopy(t *testing.T) {
	r := NewMemoryRepository(0)
	require.NoError(t, r.Create(testExecution("exec-1")))

	got, err := r.Get("exec-1")
	require.NoError(t, err)
	got.MainBrand = "Mutated"

	again, err := r.Get("exec-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", again.MainBrand)
}

func TestMemoryRepository_ListAndDelete(t *testing.T) {
	r := NewMemoryRepository(0)
	require.NoError(t, r.Create(testExecution("exec-1")))
	require.NoError(t, r.Create(testExecution("exec-2")))

	assert.Len(t, r.List(), 2)

	require.NoError(t, r.Delete("exec-1"))
	assert.Len(t, r.List(), 1)
	require.Error(t, r.Delete("exec-1"))
}

func TestMemoryRepository_RetentionSweep(t *testing.T) {
	r := NewMemoryRepository(10 * time.Millisecond)
	require.NoError(t, r.Create(testExecution("exec-done")))
	require.NoError(t, r.Create(testExecution("exec-live")))

	done := testExecution("exec-done")
	done.State = model.StateCompleted
	require.NoError(t, r.Update(done))

	time.Sleep(20 * time.Millisecond)
	// Sweep runs on the next write.
	require.NoError(t, r.Create(testExecution("exec-new")))

	_, err := r.Get("exec-done")
	require.Error(t, err, "terminal execution past retention should be swept")
	_, err = r.Get("exec-live")
	require.NoError(t, err, "non-terminal executions are never swept")
}
