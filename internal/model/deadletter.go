package model

import "time"

// DeadLetterStatus is the operator-facing lifecycle of a dead letter entry.
type DeadLetterStatus string

const (
	DeadLetterPending        DeadLetterStatus = "pending"
	DeadLetterResolved       DeadLetterStatus = "resolved"
	DeadLetterIgnored        DeadLetterStatus = "ignored"
	DeadLetterRetryRequested DeadLetterStatus = "retry_requested"
)

// DeadLetterEntry holds a task that permanently failed: either its retries
// were exhausted or it hit a non-retryable error on the first attempt.
type DeadLetterEntry struct {
	ID           string           `json:"id"`
	ExecutionID  string           `json:"execution_id"`
	TaskKey      string           `json:"task_key"`
	ErrorKind    string           `json:"error_kind"`
	ErrorMessage string           `json:"error_message"`
	ErrorTrace   string           `json:"error_trace,omitempty"`
	Context      ExecutionTask    `json:"context"`
	RetryCount   int              `json:"retry_count"`
	MaxRetries   int              `json:"max_retries"`
	Status       DeadLetterStatus `json:"status"`
	FailedAt     time.Time        `json:"failed_at"`
	ResolvedAt   *time.Time       `json:"resolved_at,omitempty"`
	HandledBy    string           `json:"handled_by,omitempty"`
	Notes        string           `json:"notes,omitempty"`
}

// DeadLetterStats summarizes the dead letter store for operators.
type DeadLetterStats struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByErrorKind   map[string]int `json:"by_error_kind"`
	Last24h       int            `json:"last_24h"`
	OldestPending *time.Time     `json:"oldest_pending,omitempty"`
}
