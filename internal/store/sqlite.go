package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/brandpulse/internal/model"
)

// SQLiteStore implements ResultStore using modernc.org/sqlite.
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
CREATE TABLE IF NOT EXISTS results (
	execution_id   TEXT NOT NULL,
	question_index INTEGER NOT NULL,
	model_id       TEXT NOT NULL,
	attempt        INTEGER NOT NULL,
	response       TEXT NOT NULL,
	geo            TEXT NOT NULL,
	completed_at   DATETIME NOT NULL,
	PRIMARY KEY (execution_id, question_index, model_id, attempt)
);

CREATE INDEX IF NOT EXISTS idx_results_execution_id ON results(execution_id);
CREATE INDEX IF NOT EXISTS idx_results_model_id ON results(model_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveResult(ctx context.Context, record model.ResultRecord) error {
	responseJSON, err := json.Marshal(record.Response)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal response")
	}
	geoJSON, err := json.Marshal(record.Geo)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal geo analysis")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO results
			(execution_id, question_index, model_id, attempt, response, geo, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, question_index, model_id, attempt) DO UPDATE SET
			response     = excluded.response,
			geo          = excluded.geo,
			completed_at = excluded.completed_at`,
		record.ExecutionID, record.QuestionIndex, record.ModelID, record.Attempt,
		string(responseJSON), string(geoJSON), record.CompletedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save result %s/%s", record.ExecutionID, record.Key())
}

func (s *SQLiteStore) ListResults(ctx context.Context, filter ResultFilter) ([]model.ResultRecord, error) {
	query := `SELECT execution_id, question_index, model_id, attempt, response, geo, completed_at
	          FROM results WHERE 1=1`
	var args []any

	if filter.ExecutionID != "" {
		query += ` AND execution_id = ?`
		args = append(args, filter.ExecutionID)
	}
	if filter.ModelID != "" {
		query += ` AND model_id = ?`
		args = append(args, filter.ModelID)
	}
	if filter.QuestionIndex >= 0 {
		query += ` AND question_index = ?`
		args = append(args, filter.QuestionIndex)
	}
	query += ` ORDER BY completed_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list results")
	}
	defer rows.Close()

	var records []model.ResultRecord
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: list results iterate")
}

func (s *SQLiteStore) CountResults(ctx context.Context, executionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM results WHERE execution_id = ?`,
		executionID,
	).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count results %s", executionID)
}

func (s *SQLiteStore) DeleteResults(ctx context.Context, executionID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM results WHERE execution_id = ?`,
		executionID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: delete results %s", executionID)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanResult(row scannable) (*model.ResultRecord, error) {
	var r model.ResultRecord
	var responseJSON, geoJSON string

	err := row.Scan(&r.ExecutionID, &r.QuestionIndex, &r.ModelID, &r.Attempt,
		&responseJSON, &geoJSON, &r.CompletedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan result")
	}

	if err := json.Unmarshal([]byte(responseJSON), &r.Response); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal response")
	}
	if err := json.Unmarshal([]byte(geoJSON), &r.Geo); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal geo analysis")
	}
	return &r, nil
}
