package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/brandpulse/internal/model"
)

// Pool is the subset of pgxpool.Pool used by the store. Satisfied by
// pgxmock in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool, used by tests.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id            TEXT PRIMARY KEY,
	execution_id  TEXT NOT NULL,
	task_key      TEXT NOT NULL,
	error_kind    TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	error_trace   TEXT NOT NULL DEFAULT '',
	context       JSONB NOT NULL,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	max_retries   INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT 'pending',
	failed_at     TIMESTAMPTZ NOT NULL,
	resolved_at   TIMESTAMPTZ,
	handled_by    TEXT NOT NULL DEFAULT '',
	notes         TEXT NOT NULL DEFAULT '',
	UNIQUE(execution_id, task_key)
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_execution_id ON dead_letters(execution_id);
CREATE INDEX IF NOT EXISTS idx_dead_letters_status ON dead_letters(status);
CREATE INDEX IF NOT EXISTS idx_dead_letters_failed_at ON dead_letters(failed_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Add(ctx context.Context, entry model.DeadLetterEntry) error {
	contextJSON, err := json.Marshal(entry.Context)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal task context")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letters
			(id, execution_id, task_key, error_kind, error_message, error_trace,
			 context, retry_count, max_retries, status, failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (execution_id, task_key) DO UPDATE SET
			error_kind    = EXCLUDED.error_kind,
			error_message = EXCLUDED.error_message,
			error_trace   = EXCLUDED.error_trace,
			context       = EXCLUDED.context,
			retry_count   = EXCLUDED.retry_count,
			status        = EXCLUDED.status,
			failed_at     = EXCLUDED.failed_at,
			resolved_at   = NULL,
			handled_by    = '',
			notes         = ''`,
		entry.ID, entry.ExecutionID, entry.TaskKey, entry.ErrorKind,
		entry.ErrorMessage, entry.ErrorTrace, contextJSON,
		entry.RetryCount, entry.MaxRetries, string(model.DeadLetterPending),
		entry.FailedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: add dead letter %s/%s", entry.ExecutionID, entry.TaskKey)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*model.DeadLetterEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, execution_id, task_key, error_kind, error_message, error_trace,
		        context, retry_count, max_retries, status, failed_at, resolved_at,
		        handled_by, notes
		 FROM dead_letters WHERE id = $1`,
		id,
	)
	return scanPgEntry(row)
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]model.DeadLetterEntry, error) {
	query := `SELECT id, execution_id, task_key, error_kind, error_message, error_trace,
	                 context, retry_count, max_retries, status, failed_at, resolved_at,
	                 handled_by, notes
	          FROM dead_letters WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.ExecutionID != "" {
		query += ` AND execution_id = ` + arg(filter.ExecutionID)
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.ErrorKind != "" {
		query += ` AND error_kind = ` + arg(filter.ErrorKind)
	}
	query += ` ORDER BY failed_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dead letters")
	}
	defer rows.Close()

	var entries []model.DeadLetterEntry
	for rows.Next() {
		e, err := scanPgEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list dead letters iterate")
}

func (s *PostgresStore) Resolve(ctx context.Context, id, handledBy, notes string) error {
	return s.handle(ctx, id, model.DeadLetterResolved, handledBy, notes)
}

func (s *PostgresStore) Ignore(ctx context.Context, id, handledBy, notes string) error {
	return s.handle(ctx, id, model.DeadLetterIgnored, handledBy, notes)
}

func (s *PostgresStore) handle(ctx context.Context, id string, status model.DeadLetterStatus, handledBy, notes string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letters
		 SET status = $1, resolved_at = $2, handled_by = $3, notes = $4
		 WHERE id = $5 AND status IN ($6, $7)`,
		string(status), time.Now().UTC(), handledBy, notes, id,
		string(model.DeadLetterPending), string(model.DeadLetterRetryRequested),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: %s dead letter %s", status, id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("dead letter not found or already handled: %s", id)
	}
	return nil
}

func (s *PostgresStore) RequestRetry(ctx context.Context, id string) (*model.ExecutionTask, error) {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Status != model.DeadLetterPending {
		return nil, eris.Errorf("dead letter %s is %s, only pending entries can be retried", id, entry.Status)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letters SET status = $1 WHERE id = $2 AND status = $3`,
		string(model.DeadLetterRetryRequested), id, string(model.DeadLetterPending),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: request retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return nil, eris.Errorf("dead letter not found or already handled: %s", id)
	}

	task := entry.Context
	task.Attempt = 0
	task.State = model.TaskPending
	return &task, nil
}

func (s *PostgresStore) Statistics(ctx context.Context) (*model.DeadLetterStats, error) {
	stats := &model.DeadLetterStats{
		ByStatus:    make(map[string]int),
		ByErrorKind: make(map[string]int),
	}

	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM dead_letters GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dead letter stats by status")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		stats.ByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: stats by status iterate")
	}

	kindRows, err := s.pool.Query(ctx,
		`SELECT error_kind, COUNT(*) FROM dead_letters GROUP BY error_kind`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dead letter stats by kind")
	}
	defer kindRows.Close()
	for kindRows.Next() {
		var kind string
		var n int
		if err := kindRows.Scan(&kind, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan kind count")
		}
		stats.ByErrorKind[kind] = n
	}
	if err := kindRows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: stats by kind iterate")
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM dead_letters WHERE failed_at > now() - interval '24 hours'`,
	).Scan(&stats.Last24h)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dead letter stats last 24h")
	}

	var oldest *time.Time
	err = s.pool.QueryRow(ctx,
		`SELECT MIN(failed_at) FROM dead_letters WHERE status = $1`,
		string(model.DeadLetterPending),
	).Scan(&oldest)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dead letter oldest pending")
	}
	stats.OldestPending = oldest
	return stats, nil
}

func (s *PostgresStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM dead_letters WHERE status IN ($1, $2) AND failed_at <= $3`,
		string(model.DeadLetterResolved), string(model.DeadLetterIgnored),
		time.Now().UTC().Add(-olderThan),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: cleanup dead letters")
	}
	return int(tag.RowsAffected()), nil
}

// helpers

func scanPgEntry(row pgx.Row) (*model.DeadLetterEntry, error) {
	var e model.DeadLetterEntry
	var contextJSON []byte
	var resolvedAt *time.Time

	err := row.Scan(&e.ID, &e.ExecutionID, &e.TaskKey, &e.ErrorKind,
		&e.ErrorMessage, &e.ErrorTrace, &contextJSON, &e.RetryCount,
		&e.MaxRetries, &e.Status, &e.FailedAt, &resolvedAt,
		&e.HandledBy, &e.Notes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.New("dead letter not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan dead letter")
	}

	if err := json.Unmarshal(contextJSON, &e.Context); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal task context")
	}
	e.ResolvedAt = resolvedAt
	return &e, nil
}
