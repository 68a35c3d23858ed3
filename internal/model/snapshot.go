package model

// BrandRanking is one brand's position in the share-of-voice ordering.
type BrandRanking struct {
	Brand             string  `json:"brand"`
	Rank              int     `json:"rank"`
	Responses         int     `json:"responses"`
	SOVShare          float64 `json:"sov_share"`
	AvgSentiment      float64 `json:"avg_sentiment"`
	AvgPositionalRank float64 `json:"avg_positional_rank"`
}

// QuestionStats accumulates per-question outcomes.
type QuestionStats struct {
	QuestionIndex int     `json:"question_index"`
	Results       int     `json:"results"`
	Mentions      int     `json:"mentions"`
	AvgSentiment  float64 `json:"avg_sentiment"`
}

// ModelStats accumulates per-model outcomes.
type ModelStats struct {
	ModelID      string  `json:"model_id"`
	Results      int     `json:"results"`
	Mentions     int     `json:"mentions"`
	AvgSentiment float64 `json:"avg_sentiment"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// AggregatedSnapshot is the read-only projection of the aggregator's running
// state. It is computed on demand from accumulators, never by recomputing over
// the full result list.
type AggregatedSnapshot struct {
	HealthScore      float64               `json:"health_score"`
	ShareOfVoice     float64               `json:"share_of_voice"`
	AvgSentiment     float64               `json:"avg_sentiment"`
	SuccessRate      float64               `json:"success_rate"`
	TotalResults     int                   `json:"total_results"`
	BrandRankings    []BrandRanking        `json:"brand_rankings"`
	PerQuestionStats map[int]QuestionStats `json:"per_question_stats"`
	PerModelStats    map[string]ModelStats `json:"per_model_stats"`
}

// Progress reports task completion for an execution.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// ExecutionSnapshot is the polled view of one execution: lifecycle state,
// progress, aggregated metrics so far, and dead letter count.
type ExecutionSnapshot struct {
	ExecutionID     string             `json:"execution_id"`
	State           ExecutionState     `json:"state"`
	FailureReason   string             `json:"failure_reason,omitempty"`
	Progress        Progress           `json:"progress"`
	Aggregated      AggregatedSnapshot `json:"aggregated"`
	DeadLetterCount int                `json:"dead_letter_count"`
}
