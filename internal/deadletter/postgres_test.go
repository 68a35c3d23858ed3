package deadletter

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/brandpulse/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresWithPool(mock), mock
}

func TestPostgres_Add_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT \(execution_id, task_key\) DO UPDATE`).
		WithArgs("dl-1", "exec-1", "0:openai", "timeout", "deadline exceeded", "",
			pgxmock.AnyArg(), 2, 3, "pending", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.Add(context.Background(), model.DeadLetterEntry{
		ID:           "dl-1",
		ExecutionID:  "exec-1",
		TaskKey:      "0:openai",
		ErrorKind:    "timeout",
		ErrorMessage: "deadline exceeded",
		Context:      model.ExecutionTask{ExecutionID: "exec-1", ModelID: "openai"},
		RetryCount:   2,
		MaxRetries:   3,
		Status:       model.DeadLetterPending,
		FailedAt:     time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Get_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .* FROM dead_letters WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Get_ScansEntry(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	contextJSON, err := json.Marshal(model.ExecutionTask{
		ExecutionID: "exec-1",
		ModelID:     "openai",
	})
	require.NoError(t, err)

	failedAt := time.Now().UTC()
	mock.ExpectQuery(`SELECT .* FROM dead_letters WHERE id = \$1`).
		WithArgs("dl-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "execution_id", "task_key", "error_kind", "error_message",
			"error_trace", "context", "retry_count", "max_retries", "status",
			"failed_at", "resolved_at", "handled_by", "notes",
		}).AddRow("dl-1", "exec-1", "0:openai", "server_error", "502", "",
			contextJSON, 2, 3, "pending", failedAt, (*time.Time)(nil), "", ""))

	got, err := s.Get(context.Background(), "dl-1")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Equal(t, "openai", got.Context.ModelID)
	assert.Equal(t, model.DeadLetterPending, got.Status)
	assert.Nil(t, got.ResolvedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Resolve_AlreadyHandled(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE dead_letters`).
		WithArgs("resolved", pgxmock.AnyArg(), "ops", "done", "dl-1",
			"pending", "retry_requested").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.Resolve(context.Background(), "dl-1", "ops", "done")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already handled")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Cleanup(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM dead_letters WHERE status IN \(\$1, \$2\)`).
		WithArgs("resolved", "ignored", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	n, err := s.Cleanup(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
