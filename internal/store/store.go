// Package store persists result records so completed diagnostics survive a
// process restart and can be re-aggregated or audited later.
package store

import (
	"context"

	"github.com/sells-group/brandpulse/internal/model"
)

// ResultFilter specifies criteria for listing result records.
type ResultFilter struct {
	ExecutionID   string `json:"execution_id,omitempty"`
	ModelID       string `json:"model_id,omitempty"`
	QuestionIndex int    `json:"question_index,omitempty"` // -1 means any
	Limit         int    `json:"limit,omitempty"`
	Offset        int    `json:"offset,omitempty"`
}

// ResultStore defines the persistence interface for result records.
type ResultStore interface {
	// SaveResult upserts a record keyed by
	// (execution_id, question_index, model_id, attempt).
	SaveResult(ctx context.Context, record model.ResultRecord) error

	// ListResults returns records matching the filter, oldest first.
	ListResults(ctx context.Context, filter ResultFilter) ([]model.ResultRecord, error)

	// CountResults returns the number of records for an execution.
	CountResults(ctx context.Context, executionID string) (int, error)

	// DeleteResults removes all records for an execution and returns the
	// number deleted.
	DeleteResults(ctx context.Context, executionID string) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
