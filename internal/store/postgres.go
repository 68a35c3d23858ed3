package store

import (
	"context"
	"encoding/json"
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

// PostgresStore implements ResultStore using pgxpool.
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
CREATE TABLE IF NOT EXISTS results (
	execution_id   TEXT NOT NULL,
	question_index INTEGER NOT NULL,
	model_id       TEXT NOT NULL,
	attempt        INTEGER NOT NULL,
	response       JSONB NOT NULL,
	geo            JSONB NOT NULL,
	completed_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (execution_id, question_index, model_id, attempt)
);

CREATE INDEX IF NOT EXISTS idx_results_execution_id ON results(execution_id);
CREATE INDEX IF NOT EXISTS idx_results_model_id ON results(model_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) SaveResult(ctx context.Context, record model.ResultRecord) error {
	responseJSON, err := json.Marshal(record.Response)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal response")
	}
	geoJSON, err := json.Marshal(record.Geo)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal geo analysis")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO results
			(execution_id, question_index, model_id, attempt, response, geo, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (execution_id, question_index, model_id, attempt) DO UPDATE SET
			response     = EXCLUDED.response,
			geo          = EXCLUDED.geo,
			completed_at = EXCLUDED.completed_at`,
		record.ExecutionID, record.QuestionIndex, record.ModelID, record.Attempt,
		responseJSON, geoJSON, record.CompletedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: save result %s/%s", record.ExecutionID, record.Key())
}

func (s *PostgresStore) ListResults(ctx context.Context, filter ResultFilter) ([]model.ResultRecord, error) {
	query := `SELECT execution_id, question_index, model_id, attempt, response, geo, completed_at
	          FROM results WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.ExecutionID != "" {
		query += ` AND execution_id = ` + arg(filter.ExecutionID)
	}
	if filter.ModelID != "" {
		query += ` AND model_id = ` + arg(filter.ModelID)
	}
	if filter.QuestionIndex >= 0 {
		query += ` AND question_index = ` + arg(filter.QuestionIndex)
	}
	query += ` ORDER BY completed_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += ` LIMIT ` + arg(limit)
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list results")
	}
	defer rows.Close()

	var records []model.ResultRecord
	for rows.Next() {
		r, err := scanPgResult(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list results iterate")
}

func (s *PostgresStore) CountResults(ctx context.Context, executionID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM results WHERE execution_id = $1`,
		executionID,
	).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count results %s", executionID)
}

func (s *PostgresStore) DeleteResults(ctx context.Context, executionID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM results WHERE execution_id = $1`,
		executionID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: delete results %s", executionID)
	}
	return int(tag.RowsAffected()), nil
}

func scanPgResult(row pgx.Row) (*model.ResultRecord, error) {
	var r model.ResultRecord
	var responseJSON, geoJSON []byte

	err := row.Scan(&r.ExecutionID, &r.QuestionIndex, &r.ModelID, &r.Attempt,
		&responseJSON, &geoJSON, &r.CompletedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan result")
	}

	if err := json.Unmarshal(responseJSON, &r.Response); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal response")
	}
	if err := json.Unmarshal(geoJSON, &r.Geo); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal geo analysis")
	}
	return &r, nil
}
