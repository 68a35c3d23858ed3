package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/brandpulse/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id            TEXT PRIMARY KEY,
	execution_id  TEXT NOT NULL,
	task_key      TEXT NOT NULL,
	error_kind    TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	error_trace   TEXT NOT NULL DEFAULT '',
	context       TEXT NOT NULL,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	max_retries   INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT 'pending',
	failed_at     DATETIME NOT NULL,
	resolved_at   DATETIME,
	handled_by    TEXT NOT NULL DEFAULT '',
	notes         TEXT NOT NULL DEFAULT '',
	UNIQUE(execution_id, task_key)
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_execution_id ON dead_letters(execution_id);
CREATE INDEX IF NOT EXISTS idx_dead_letters_status ON dead_letters(status);
CREATE INDEX IF NOT EXISTS idx_dead_letters_failed_at ON dead_letters(failed_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Add(ctx context.Context, entry model.DeadLetterEntry) error {
	contextJSON, err := json.Marshal(entry.Context)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal task context")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters
			(id, execution_id, task_key, error_kind, error_message, error_trace,
			 context, retry_count, max_retries, status, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, task_key) DO UPDATE SET
			error_kind    = excluded.error_kind,
			error_message = excluded.error_message,
			error_trace   = excluded.error_trace,
			context       = excluded.context,
			retry_count   = excluded.retry_count,
			status        = excluded.status,
			failed_at     = excluded.failed_at,
			resolved_at   = NULL,
			handled_by    = '',
			notes         = ''`,
		entry.ID, entry.ExecutionID, entry.TaskKey, entry.ErrorKind,
		entry.ErrorMessage, entry.ErrorTrace, string(contextJSON),
		entry.RetryCount, entry.MaxRetries, string(model.DeadLetterPending),
		entry.FailedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: add dead letter %s/%s", entry.ExecutionID, entry.TaskKey)
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.DeadLetterEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, execution_id, task_key, error_kind, error_message, error_trace,
		        context, retry_count, max_retries, status, failed_at, resolved_at,
		        handled_by, notes
		 FROM dead_letters WHERE id = ?`,
		id,
	)
	return scanEntry(row)
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]model.DeadLetterEntry, error) {
	query := `SELECT id, execution_id, task_key, error_kind, error_message, error_trace,
	                 context, retry_count, max_retries, status, failed_at, resolved_at,
	                 handled_by, notes
	          FROM dead_letters WHERE 1=1`
	var args []any

	if filter.ExecutionID != "" {
		query += ` AND execution_id = ?`
		args = append(args, filter.ExecutionID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ErrorKind != "" {
		query += ` AND error_kind = ?`
		args = append(args, filter.ErrorKind)
	}
	query += ` ORDER BY failed_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dead letters")
	}
	defer rows.Close()

	var entries []model.DeadLetterEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list dead letters iterate")
}

func (s *SQLiteStore) Resolve(ctx context.Context, id, handledBy, notes string) error {
	return s.handle(ctx, id, model.DeadLetterResolved, handledBy, notes)
}

func (s *SQLiteStore) Ignore(ctx context.Context, id, handledBy, notes string) error {
	return s.handle(ctx, id, model.DeadLetterIgnored, handledBy, notes)
}

func (s *SQLiteStore) handle(ctx context.Context, id string, status model.DeadLetterStatus, handledBy, notes string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters
		 SET status = ?, resolved_at = ?, handled_by = ?, notes = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(status), time.Now().UTC(), handledBy, notes, id,
		string(model.DeadLetterPending), string(model.DeadLetterRetryRequested),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: %s dead letter %s", status, id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) RequestRetry(ctx context.Context, id string) (*model.ExecutionTask, error) {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Status != model.DeadLetterPending {
		return nil, eris.Errorf("dead letter %s is %s, only pending entries can be retried", id, entry.Status)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET status = ? WHERE id = ? AND status = ?`,
		string(model.DeadLetterRetryRequested), id, string(model.DeadLetterPending),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: request retry %s", id)
	}
	if err := checkRowsAffected(res, id); err != nil {
		return nil, err
	}

	task := entry.Context
	task.Attempt = 0
	task.State = model.TaskPending
	return &task, nil
}

func (s *SQLiteStore) Statistics(ctx context.Context) (*model.DeadLetterStats, error) {
	stats := &model.DeadLetterStats{
		ByStatus:    make(map[string]int),
		ByErrorKind: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM dead_letters GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dead letter stats by status")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		stats.ByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: stats by status iterate")
	}

	kindRows, err := s.db.QueryContext(ctx,
		`SELECT error_kind, COUNT(*) FROM dead_letters GROUP BY error_kind`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dead letter stats by kind")
	}
	defer kindRows.Close()
	for kindRows.Next() {
		var kind string
		var n int
		if err := kindRows.Scan(&kind, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan kind count")
		}
		stats.ByErrorKind[kind] = n
	}
	if err := kindRows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: stats by kind iterate")
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letters WHERE failed_at > ?`,
		time.Now().UTC().Add(-24*time.Hour),
	).Scan(&stats.Last24h)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dead letter stats last 24h")
	}

	var oldest sql.NullTime
	err = s.db.QueryRowContext(ctx,
		`SELECT MIN(failed_at) FROM dead_letters WHERE status = ?`,
		string(model.DeadLetterPending),
	).Scan(&oldest)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dead letter oldest pending")
	}
	if oldest.Valid {
		t := oldest.Time
		stats.OldestPending = &t
	}
	return stats, nil
}

func (s *SQLiteStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dead_letters WHERE status IN (?, ?) AND failed_at <= ?`,
		string(model.DeadLetterResolved), string(model.DeadLetterIgnored),
		time.Now().UTC().Add(-olderThan),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: cleanup dead letters")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// helpers

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("dead letter not found or already handled: %s", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEntry(row scannable) (*model.DeadLetterEntry, error) {
	var e model.DeadLetterEntry
	var contextJSON string
	var resolvedAt sql.NullTime

	err := row.Scan(&e.ID, &e.ExecutionID, &e.TaskKey, &e.ErrorKind,
		&e.ErrorMessage, &e.ErrorTrace, &contextJSON, &e.RetryCount,
		&e.MaxRetries, &e.Status, &e.FailedAt, &resolvedAt,
		&e.HandledBy, &e.Notes)
	if err == sql.ErrNoRows {
		return nil, eris.New("dead letter not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan dead letter")
	}

	if err := json.Unmarshal([]byte(contextJSON), &e.Context); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal task context")
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		e.ResolvedAt = &t
	}
	return &e, nil
}
