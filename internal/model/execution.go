package model

import (
	"fmt"
	"strings"
	"time"
)

// ExecutionState is the lifecycle state of a diagnostic execution.
type ExecutionState string

const (
	StateInit       ExecutionState = "init"
	StateAiFetching ExecutionState = "ai_fetching"
	StateAnalyzing  ExecutionState = "analyzing"
	StateCompleted  ExecutionState = "completed"
	StateFailed     ExecutionState = "failed"
	StateTimedOut   ExecutionState = "timed_out"
	StateCancelled  ExecutionState = "cancelled"
)

// Terminal reports whether no further transitions are permitted out of s.
func (s ExecutionState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// TaskState is the per-task lifecycle state.
type TaskState string

const (
	TaskPending      TaskState = "pending"
	TaskInFlight     TaskState = "in_flight"
	TaskSucceeded    TaskState = "succeeded"
	TaskDeadLettered TaskState = "dead_lettered"
)

// ExecutionContext describes one diagnostic run: one main brand, a question
// set, and a model set. Competitor brands are used only for prompt templating
// and post-hoc comparison; they never affect the task matrix.
type ExecutionContext struct {
	ExecutionID      string         `json:"execution_id"`
	MainBrand        string         `json:"main_brand"`
	CompetitorBrands []string       `json:"competitor_brands,omitempty"`
	Questions        []string       `json:"questions"`
	Models           []string       `json:"models"`
	CreatedAt        time.Time      `json:"created_at"`
	TimeoutAt        time.Time      `json:"timeout_at"`
	State            ExecutionState `json:"state"`
	FailureReason    string         `json:"failure_reason,omitempty"`
}

// TaskCount returns the size of the task matrix.
func (e *ExecutionContext) TaskCount() int {
	return len(e.Questions) * len(e.Models)
}

// ExecutionTask is one unit of work: a rendered question sent to one model.
// Owned exclusively by the dispatcher for its lifetime; immutable once terminal.
type ExecutionTask struct {
	ExecutionID      string    `json:"execution_id"`
	QuestionIndex    int       `json:"question_index"`
	RenderedQuestion string    `json:"rendered_question"`
	ModelID          string    `json:"model_id"`
	Attempt          int       `json:"attempt"`
	State            TaskState `json:"state"`
}

// Key returns the task identity within its execution.
func (t *ExecutionTask) Key() string {
	return TaskKey(t.QuestionIndex, t.ModelID)
}

// TaskKey builds the canonical (questionIndex, modelID) identity string.
func TaskKey(questionIndex int, modelID string) string {
	return fmt.Sprintf("%d:%s", questionIndex, modelID)
}

// RenderQuestion substitutes brand placeholders into a question template.
// {brandName} becomes the main brand; {competitorBrand} becomes the first
// competitor, or the empty string when there are none.
func RenderQuestion(template, mainBrand string, competitors []string) string {
	competitor := ""
	if len(competitors) > 0 {
		competitor = competitors[0]
	}
	rendered := strings.ReplaceAll(template, "{brandName}", mainBrand)
	return strings.ReplaceAll(rendered, "{competitorBrand}", competitor)
}

// BuildTasks expands the execution's question and model sets into the full
// task matrix. Task count is always len(questions) × len(models), independent
// of the competitor list.
func BuildTasks(exec *ExecutionContext) []ExecutionTask {
	tasks := make([]ExecutionTask, 0, exec.TaskCount())
	for qi, q := range exec.Questions {
		rendered := RenderQuestion(q, exec.MainBrand, exec.CompetitorBrands)
		for _, m := range exec.Models {
			tasks = append(tasks, ExecutionTask{
				ExecutionID:      exec.ExecutionID,
				QuestionIndex:    qi,
				RenderedQuestion: rendered,
				ModelID:          m,
				Attempt:          0,
				State:            TaskPending,
			})
		}
	}
	return tasks
}
