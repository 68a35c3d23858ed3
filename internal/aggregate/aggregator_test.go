package aggregate

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/brandpulse/internal/model"
)

func record(qi int, modelID string, mentioned bool, rank int, sentiment float64) model.ResultRecord {
	return model.ResultRecord{
		ExecutionID:   "exec-1",
		QuestionIndex: qi,
		ModelID:       modelID,
		Response:      model.ProviderResponse{Success: true, LatencyMs: 100},
		Geo: model.GeoAnalysis{
			BrandMentioned: mentioned,
			Rank:           rank,
			Sentiment:      sentiment,
		},
	}
}

func TestVisibilityBuckets_Points(t *testing.T) {
	b := DefaultVisibilityBuckets()
	tests := []struct {
		rank int
		want float64
	}{
		{1, 100}, {2, 100}, {3, 100},
		{4, 60}, {5, 60}, {6, 60},
		{7, 30}, {10, 30},
		{11, 0}, {0, 0}, {-1, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Points(tt.rank), "rank %d", tt.rank)
	}
}

func TestAggregator_SingleResult(t *testing.T) {
	a := New("Acme", 4, DefaultWeights(), DefaultVisibilityBuckets())

	snap := a.AddResult(record(0, "openai", true, 1, 0.8))

	assert.Equal(t, 1, snap.TotalResults)
	// One result at rank 1: full visibility.
	assert.InDelta(t, 100.0, snap.ShareOfVoice, 1e-9)
	assert.InDelta(t, 0.8, snap.AvgSentiment, 1e-9)
	// 1 of 4 tasks done.
	assert.InDelta(t, 25.0, snap.SuccessRate, 1e-9)
	// 0.5×100 + 0.3×90 + 0.2×25 = 82
	assert.InDelta(t, 82.0, snap.HealthScore, 1e-9)
}

func TestAggregator_NotMentionedScoresZeroVisibility(t *testing.T) {
	a := New("Acme", 2, DefaultWeights(), DefaultVisibilityBuckets())

	a.AddResult(record(0, "openai", true, 1, 0.5))
	snap := a.AddResult(record(1, "openai", false, -1, 0))

	// 100 points over 2 results.
	assert.InDelta(t, 50.0, snap.ShareOfVoice, 1e-9)
	// Sentiment averages only over mentioned records.
	assert.InDelta(t, 0.5, snap.AvgSentiment, 1e-9)
}

func TestAggregator_OrderIndependence(t *testing.T) {
	records := []model.ResultRecord{
		record(0, "openai", true, 1, 0.9),
		record(0, "anthropic", true, 4, 0.2),
		record(1, "openai", true, 8, -0.5),
		record(1, "anthropic", false, -1, 0),
		record(2, "openai", true, 2, 0.7),
		record(2, "anthropic", true, 11, 0.1),
	}

	var want model.AggregatedSnapshot
	for i := 0; i < 25; i++ {
		shuffled := make([]model.ResultRecord, len(records))
		copy(shuffled, records)
		rand.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})

		a := New("Acme", 6, DefaultWeights(), DefaultVisibilityBuckets())
		var snap model.AggregatedSnapshot
		for _, r := range shuffled {
			snap = a.AddResult(r)
		}

		if i == 0 {
			want = snap
			continue
		}
		assert.Equal(t, want, snap, "snapshot must not depend on arrival order")
	}
}

func TestAggregator_InvariantsUnderMixedInput(t *testing.T) {
	a := New("Acme", 50, DefaultWeights(), DefaultVisibilityBuckets())

	for i := 0; i < 50; i++ {
		rank := i%13 - 1 // includes -1, 0 and ranks past 10
		sentiment := float64(i%21-10) / 10.0
		snap := a.AddResult(record(i%5, "openai", i%3 != 0, rank, sentiment))

		assert.GreaterOrEqual(t, snap.ShareOfVoice, 0.0)
		assert.LessOrEqual(t, snap.ShareOfVoice, 100.0)
		assert.GreaterOrEqual(t, snap.HealthScore, 0.0)
		assert.LessOrEqual(t, snap.HealthScore, 100.0)
		assert.GreaterOrEqual(t, snap.AvgSentiment, -1.0)
		assert.LessOrEqual(t, snap.AvgSentiment, 1.0)
		assert.GreaterOrEqual(t, snap.SuccessRate, 0.0)
		assert.LessOrEqual(t, snap.SuccessRate, 100.0)
	}
}

func TestAggregator_InterceptionCreditsCompetitor(t *testing.T) {
	a := New("Acme", 2, DefaultWeights(), DefaultVisibilityBuckets())

	r := record(0, "openai", false, -1, 0)
	r.Geo.Interception = "Globex"
	snap := a.AddResult(r)

	require.Len(t, snap.BrandRankings, 2)
	assert.Equal(t, "Globex", snap.BrandRankings[0].Brand)
	assert.Equal(t, 1, snap.BrandRankings[0].Rank)
	assert.Equal(t, 1, snap.BrandRankings[0].Responses)
	assert.Greater(t, snap.BrandRankings[0].SOVShare, 0.0)
	assert.Equal(t, "Acme", snap.BrandRankings[1].Brand)
	assert.Equal(t, 0.0, snap.BrandRankings[1].SOVShare)
}

func TestAggregator_RankingsSortedBySOV(t *testing.T) {
	a := New("Acme", 4, DefaultWeights(), DefaultVisibilityBuckets())

	a.AddResult(record(0, "openai", true, 5, 0.3))

	intercepted := record(1, "openai", false, -1, 0)
	intercepted.Geo.Interception = "Globex"
	a.AddResult(intercepted)

	snap := a.Snapshot()
	require.Len(t, snap.BrandRankings, 2)
	for i := 1; i < len(snap.BrandRankings); i++ {
		assert.GreaterOrEqual(t,
			snap.BrandRankings[i-1].SOVShare,
			snap.BrandRankings[i].SOVShare)
		assert.Equal(t, i+1, snap.BrandRankings[i].Rank)
	}
}

func TestAggregator_PerQuestionAndPerModelStats(t *testing.T) {
	a := New("Acme", 4, DefaultWeights(), DefaultVisibilityBuckets())

	a.AddResult(record(0, "openai", true, 1, 0.6))
	a.AddResult(record(0, "anthropic", true, 3, 0.2))
	a.AddResult(record(1, "openai", false, -1, 0))

	snap := a.Snapshot()

	q0 := snap.PerQuestionStats[0]
	assert.Equal(t, 2, q0.Results)
	assert.Equal(t, 2, q0.Mentions)
	assert.InDelta(t, 0.4, q0.AvgSentiment, 1e-9)

	q1 := snap.PerQuestionStats[1]
	assert.Equal(t, 1, q1.Results)
	assert.Equal(t, 0, q1.Mentions)

	mOpenAI := snap.PerModelStats["openai"]
	assert.Equal(t, 2, mOpenAI.Results)
	assert.Equal(t, 1, mOpenAI.Mentions)
	assert.InDelta(t, 100.0, mOpenAI.AvgLatencyMs, 1e-9)
}

func TestAggregator_EmptySnapshot(t *testing.T) {
	a := New("Acme", 4, DefaultWeights(), DefaultVisibilityBuckets())

	snap := a.Snapshot()
	assert.Equal(t, 0, snap.TotalResults)
	assert.Equal(t, 0.0, snap.ShareOfVoice)
	assert.Equal(t, 0.0, snap.SuccessRate)
	// With no results the health score reduces to the neutral-sentiment term.
	assert.InDelta(t, 15.0, snap.HealthScore, 1e-9)
}

func TestAggregator_CustomWeights(t *testing.T) {
	a := New("Acme", 1, Weights{ShareOfVoice: 1, Sentiment: 0, SuccessRate: 0}, DefaultVisibilityBuckets())

	snap := a.AddResult(record(0, "openai", true, 1, -1))
	assert.InDelta(t, 100.0, snap.HealthScore, 1e-9)
}

func TestAggregator_ZeroWeightsFallBackToDefaults(t *testing.T) {
	a := New("Acme", 1, Weights{}, VisibilityBuckets{})

	snap := a.AddResult(record(0, "openai", true, 1, 1))
	// 0.5×100 + 0.3×100 + 0.2×100
	assert.InDelta(t, 100.0, snap.HealthScore, 1e-9)
}
