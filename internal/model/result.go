package model

import "time"

// ProviderResponse is the raw outcome of a single provider call.
type ProviderResponse struct {
	Success   bool           `json:"success"`
	Content   string         `json:"content"`
	ErrorKind string         `json:"error_kind,omitempty"`
	LatencyMs int64          `json:"latency_ms"`
	Model     string         `json:"model"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SourceAttitude classifies a cited source's stance toward the main brand.
type SourceAttitude string

const (
	AttitudePositive SourceAttitude = "positive"
	AttitudeNegative SourceAttitude = "negative"
	AttitudeNeutral  SourceAttitude = "neutral"
)

// CitedSource is one source referenced by a provider's answer.
type CitedSource struct {
	URL      string         `json:"url"`
	SiteName string         `json:"site_name"`
	Attitude SourceAttitude `json:"attitude"`
}

// GeoAnalysis is the structured extraction derived from a provider's freeform
// answer about a brand. Rank -1 means not ranked/mentioned. Interception names
// a competitor recommended instead of the main brand, empty if none.
type GeoAnalysis struct {
	BrandMentioned bool          `json:"brand_mentioned"`
	Rank           int           `json:"rank"`
	Sentiment      float64       `json:"sentiment"`
	CitedSources   []CitedSource `json:"cited_sources"`
	Interception   string        `json:"interception"`

	// LowConfidence marks records where extraction fell back to defaults.
	LowConfidence bool `json:"low_confidence,omitempty"`
}

// DefaultGeoAnalysis returns the fallback record used when no structured
// analysis can be located in a provider's output.
func DefaultGeoAnalysis() GeoAnalysis {
	return GeoAnalysis{
		BrandMentioned: false,
		Rank:           -1,
		Sentiment:      0.0,
		CitedSources:   []CitedSource{},
		Interception:   "",
		LowConfidence:  true,
	}
}

// ResultRecord is the unit consumed by the aggregator: one successfully
// completed task with its provider response and extracted analysis.
// Immutable after creation.
type ResultRecord struct {
	ExecutionID   string           `json:"execution_id"`
	QuestionIndex int              `json:"question_index"`
	ModelID       string           `json:"model_id"`
	Response      ProviderResponse `json:"response"`
	Geo           GeoAnalysis      `json:"geo"`
	Attempt       int              `json:"attempt"`
	CompletedAt   time.Time        `json:"completed_at"`
}

// Key returns the task identity this record resolves.
func (r *ResultRecord) Key() string {
	return TaskKey(r.QuestionIndex, r.ModelID)
}
