package deadletter

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/brandpulse/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testEntry(id, executionID, taskKey string) model.DeadLetterEntry {
	return model.DeadLetterEntry{
		ID:           id,
		ExecutionID:  executionID,
		TaskKey:      taskKey,
		ErrorKind:    "server_error",
		ErrorMessage: "502 Bad Gateway",
		Context: model.ExecutionTask{
			ExecutionID:      executionID,
			QuestionIndex:    0,
			RenderedQuestion: "What is the best CRM?",
			ModelID:          "openai",
			Attempt:          2,
			State:            model.TaskDeadLettered,
		},
		RetryCount: 2,
		MaxRetries: 3,
		Status:     model.DeadLetterPending,
		FailedAt:   time.Now().UTC(),
	}
}

func TestSQLite_AddAndGet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	entry := testEntry("dl-1", "exec-1", "0:openai")
	require.NoError(t, st.Add(ctx, entry))

	got, err := st.Get(ctx, "dl-1")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Equal(t, "0:openai", got.TaskKey)
	assert.Equal(t, "server_error", got.ErrorKind)
	assert.Equal(t, model.DeadLetterPending, got.Status)
	assert.Equal(t, "What is the best CRM?", got.Context.RenderedQuestion)
	assert.Equal(t, 2, got.RetryCount)
}

func TestSQLite_Get_NotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLite_Add_UpsertsOnTaskIdentity(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first := testEntry("dl-1", "exec-1", "0:openai")
	require.NoError(t, st.Add(ctx, first))
	require.NoError(t, st.Resolve(ctx, "dl-1", "ops", "fixed upstream"))

	// Same task fails again: the entry refreshes in place and reopens.
	second := testEntry("dl-2", "exec-1", "0:openai")
	second.ErrorKind = "timeout"
	second.RetryCount = 3
	require.NoError(t, st.Add(ctx, second))

	entries, err := st.List(ctx, Filter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dl-1", entries[0].ID)
	assert.Equal(t, "timeout", entries[0].ErrorKind)
	assert.Equal(t, 3, entries[0].RetryCount)
	assert.Equal(t, model.DeadLetterPending, entries[0].Status)
	assert.Nil(t, entries[0].ResolvedAt)
	assert.Empty(t, entries[0].HandledBy)
}

func TestSQLite_Add_DistinctTasksKeepSeparateEntries(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Add(ctx, testEntry("dl-1", "exec-1", "0:openai")))
	require.NoError(t, st.Add(ctx, testEntry("dl-2", "exec-1", "1:openai")))
	require.NoError(t, st.Add(ctx, testEntry("dl-3", "exec-2", "0:openai")))

	all, err := st.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byExec, err := st.List(ctx, Filter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	assert.Len(t, byExec, 2)
}

func TestSQLite_List_Filters(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	timeout := testEntry("dl-1", "exec-1", "0:openai")
	timeout.ErrorKind = "timeout"
	auth := testEntry("dl-2", "exec-1", "0:anthropic")
	auth.ErrorKind = "auth_error"
	require.NoError(t, st.Add(ctx, timeout))
	require.NoError(t, st.Add(ctx, auth))
	require.NoError(t, st.Ignore(ctx, "dl-2", "ops", "bad key, rotating"))

	byKind, err := st.List(ctx, Filter{ErrorKind: "timeout"})
	require.NoError(t, err)
	require.Len(t, byKind, 1)
	assert.Equal(t, "dl-1", byKind[0].ID)

	byStatus, err := st.List(ctx, Filter{Status: model.DeadLetterIgnored})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "dl-2", byStatus[0].ID)
}

func TestSQLite_Resolve(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Add(ctx, testEntry("dl-1", "exec-1", "0:openai")))
	require.NoError(t, st.Resolve(ctx, "dl-1", "ops", "provider recovered"))

	got, err := st.Get(ctx, "dl-1")
	require.NoError(t, err)
	assert.Equal(t, model.DeadLetterResolved, got.Status)
	assert.Equal(t, "ops", got.HandledBy)
	assert.Equal(t, "provider recovered", got.Notes)
	require.NotNil(t, got.ResolvedAt)

	// Resolving twice fails: the entry is already handled.
	err = st.Resolve(ctx, "dl-1", "ops", "again")
	require.Error(t, err)
}

func TestSQLite_Resolve_NotFound(t *testing.T) {
	st := newTestStore(t)
	err := st.Resolve(context.Background(), "missing", "ops", "")
	require.Error(t, err)
}

func TestSQLite_RequestRetry(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Add(ctx, testEntry("dl-1", "exec-1", "0:openai")))

	task, err := st.RequestRetry(ctx, "dl-1")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", task.ExecutionID)
	assert.Equal(t, "openai", task.ModelID)
	assert.Equal(t, 0, task.Attempt)
	assert.Equal(t, model.TaskPending, task.State)

	got, err := st.Get(ctx, "dl-1")
	require.NoError(t, err)
	assert.Equal(t, model.DeadLetterRetryRequested, got.Status)

	// Only pending entries can be retried.
	_, err = st.RequestRetry(ctx, "dl-1")
	require.Error(t, err)
}

func TestSQLite_Statistics(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	timeout := testEntry("dl-1", "exec-1", "0:openai")
	timeout.ErrorKind = "timeout"
	server := testEntry("dl-2", "exec-1", "1:openai")
	auth := testEntry("dl-3", "exec-2", "0:openai")
	auth.ErrorKind = "auth_error"
	require.NoError(t, st.Add(ctx, timeout))
	require.NoError(t, st.Add(ctx, server))
	require.NoError(t, st.Add(ctx, auth))
	require.NoError(t, st.Resolve(ctx, "dl-3", "ops", ""))

	stats, err := st.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[string(model.DeadLetterPending)])
	assert.Equal(t, 1, stats.ByStatus[string(model.DeadLetterResolved)])
	assert.Equal(t, 1, stats.ByErrorKind["timeout"])
	assert.Equal(t, 1, stats.ByErrorKind["server_error"])
	assert.Equal(t, 3, stats.Last24h)
	require.NotNil(t, stats.OldestPending)
}

func TestSQLite_Statistics_Empty(t *testing.T) {
	st := newTestStore(t)

	stats, err := st.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
	assert.Nil(t, stats.OldestPending)
}

func TestSQLite_Cleanup(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	old := testEntry("dl-old", "exec-1", "0:openai")
	old.FailedAt = time.Now().UTC().Add(-48 * time.Hour)
	oldPending := testEntry("dl-old-pending", "exec-1", "1:openai")
	oldPending.FailedAt = time.Now().UTC().Add(-48 * time.Hour)
	fresh := testEntry("dl-fresh", "exec-2", "0:openai")

	require.NoError(t, st.Add(ctx, old))
	require.NoError(t, st.Add(ctx, oldPending))
	require.NoError(t, st.Add(ctx, fresh))
	require.NoError(t, st.Resolve(ctx, "dl-old", "ops", ""))
	require.NoError(t, st.Resolve(ctx, "dl-fresh", "ops", ""))

	// Only handled entries past the cutoff are removed. Pending entries
	// survive regardless of age.
	n, err := st.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = st.Get(ctx, "dl-old")
	require.Error(t, err)
	_, err = st.Get(ctx, "dl-old-pending")
	require.NoError(t, err)
	_, err = st.Get(ctx, "dl-fresh")
	require.NoError(t, err)
}
