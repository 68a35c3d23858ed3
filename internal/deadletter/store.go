// Package deadletter persists permanently failed tasks for operator review.
// Entries are keyed by (execution_id, task_key): re-adding the same failed
// task updates the existing entry instead of duplicating it.
package deadletter

import (
	"context"
	"time"

	"github.com/sells-group/brandpulse/internal/model"
)

// Filter specifies criteria for listing dead letter entries.
type Filter struct {
	ExecutionID string                 `json:"execution_id,omitempty"`
	Status      model.DeadLetterStatus `json:"status,omitempty"`
	ErrorKind   string                 `json:"error_kind,omitempty"`
	Limit       int                    `json:"limit,omitempty"`
	Offset      int                    `json:"offset,omitempty"`
}

// Store defines the persistence interface for dead letter entries.
type Store interface {
	// Add upserts an entry keyed by (execution_id, task_key). A repeat
	// failure of the same task refreshes the existing entry and resets it
	// to pending.
	Add(ctx context.Context, entry model.DeadLetterEntry) error

	// Get returns an entry by id. Errors when no entry exists.
	Get(ctx context.Context, id string) (*model.DeadLetterEntry, error)

	// List returns entries matching the filter, newest failures first.
	List(ctx context.Context, filter Filter) ([]model.DeadLetterEntry, error)

	// Resolve marks an unhandled entry resolved. Errors when the entry is
	// missing or already handled.
	Resolve(ctx context.Context, id, handledBy, notes string) error

	// Ignore marks an unhandled entry ignored. Errors when the entry is
	// missing or already handled.
	Ignore(ctx context.Context, id, handledBy, notes string) error

	// RequestRetry marks a pending entry retry_requested and returns a
	// fresh task rebuilt from the stored context, with the attempt counter
	// reset.
	RequestRetry(ctx context.Context, id string) (*model.ExecutionTask, error)

	// Statistics summarizes the store for operators.
	Statistics(ctx context.Context) (*model.DeadLetterStats, error)

	// Cleanup deletes resolved and ignored entries that failed more than
	// olderThan ago. Pending and retry_requested entries are never removed.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
