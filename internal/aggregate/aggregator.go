// Package aggregate maintains running brand-health metrics over a stream of
// result records. Every accumulator is a commutative running sum, so the
// snapshot is independent of arrival order and never requires a recompute
// over the full result list.
package aggregate

import (
	"sort"
	"sync"

	"github.com/sells-group/brandpulse/internal/model"
)

// Weights are the health-score component weights. They are empirical
// business constants, kept configurable rather than hard-coded.
type Weights struct {
	ShareOfVoice float64 `yaml:"share_of_voice" mapstructure:"share_of_voice"`
	Sentiment    float64 `yaml:"sentiment" mapstructure:"sentiment"`
	SuccessRate  float64 `yaml:"success_rate" mapstructure:"success_rate"`
}

// DefaultWeights returns the standard 0.5/0.3/0.2 split.
func DefaultWeights() Weights {
	return Weights{
		ShareOfVoice: 0.5,
		Sentiment:    0.3,
		SuccessRate:  0.2,
	}
}

// VisibilityBuckets map a brand's answer rank to visibility points.
type VisibilityBuckets struct {
	Top    float64 `yaml:"top" mapstructure:"top"`       // ranks 1-3
	Middle float64 `yaml:"middle" mapstructure:"middle"` // ranks 4-6
	Low    float64 `yaml:"low" mapstructure:"low"`       // ranks 7-10
}

// DefaultVisibilityBuckets returns the standard 100/60/30 buckets.
func DefaultVisibilityBuckets() VisibilityBuckets {
	return VisibilityBuckets{Top: 100, Middle: 60, Low: 30}
}

// Points returns the visibility points for a rank. Rank -1 (not mentioned)
// and ranks past 10 score zero.
func (v VisibilityBuckets) Points(rank int) float64 {
	switch {
	case rank >= 1 && rank <= 3:
		return v.Top
	case rank >= 4 && rank <= 6:
		return v.Middle
	case rank >= 7 && rank <= 10:
		return v.Low
	default:
		return 0
	}
}

// brandAccum is the per-brand running state.
type brandAccum struct {
	mentions         int
	visibilityPoints float64
	sentimentSum     float64
	sentimentCount   int
	rankSum          float64
	rankCount        int
}

type questionAccum struct {
	results      int
	mentions     int
	sentimentSum float64
}

type modelAccum struct {
	results      int
	mentions     int
	sentimentSum float64
	latencySumMs int64
}

// Aggregator folds result records into running brand-health metrics for one
// execution. Safe for concurrent AddResult and Snapshot calls.
type Aggregator struct {
	mu sync.Mutex

	mainBrand  string
	totalTasks int
	weights    Weights
	buckets    VisibilityBuckets

	totalResults int
	brands       map[string]*brandAccum
	questions    map[int]*questionAccum
	models       map[string]*modelAccum
}

// New creates an aggregator for one execution. totalTasks is the matrix size
// and denominates the success-rate component.
func New(mainBrand string, totalTasks int, weights Weights, buckets VisibilityBuckets) *Aggregator {
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	if buckets == (VisibilityBuckets{}) {
		buckets = DefaultVisibilityBuckets()
	}
	return &Aggregator{
		mainBrand:  mainBrand,
		totalTasks: totalTasks,
		weights:    weights,
		buckets:    buckets,
		brands:     make(map[string]*brandAccum),
		questions:  make(map[int]*questionAccum),
		models:     make(map[string]*modelAccum),
	}
}

// AddResult folds one record into the running state and returns the updated
// snapshot. Each record contributes exactly once; the fold is commutative,
// so arrival order never changes the final snapshot.
func (a *Aggregator) AddResult(record model.ResultRecord) model.AggregatedSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalResults++

	main := a.brand(a.mainBrand)
	if record.Geo.BrandMentioned {
		main.mentions++
		main.sentimentSum += record.Geo.Sentiment
		main.sentimentCount++
	}
	main.visibilityPoints += a.buckets.Points(record.Geo.Rank)
	if record.Geo.Rank >= 1 {
		main.rankSum += float64(record.Geo.Rank)
		main.rankCount++
	}

	// An interception means the provider recommended a competitor in the
	// main brand's place; credit that competitor with a top-bucket mention.
	if record.Geo.Interception != "" && record.Geo.Interception != a.mainBrand {
		comp := a.brand(record.Geo.Interception)
		comp.mentions++
		comp.visibilityPoints += a.buckets.Top
		comp.rankSum++
		comp.rankCount++
	}

	q := a.question(record.QuestionIndex)
	q.results++
	m := a.model(record.ModelID)
	m.results++
	m.latencySumMs += record.Response.LatencyMs
	if record.Geo.BrandMentioned {
		q.mentions++
		q.sentimentSum += record.Geo.Sentiment
		m.mentions++
		m.sentimentSum += record.Geo.Sentiment
	}

	return a.snapshotLocked()
}

// Snapshot returns the metrics over all results processed so far. It never
// blocks on in-flight tasks.
func (a *Aggregator) Snapshot() model.AggregatedSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// TotalResults returns the number of records folded so far.
func (a *Aggregator) TotalResults() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalResults
}

func (a *Aggregator) snapshotLocked() model.AggregatedSnapshot {
	snap := model.AggregatedSnapshot{
		TotalResults:     a.totalResults,
		PerQuestionStats: make(map[int]model.QuestionStats, len(a.questions)),
		PerModelStats:    make(map[string]model.ModelStats, len(a.models)),
	}

	mainSOV := a.sov(a.brand(a.mainBrand))
	snap.ShareOfVoice = mainSOV

	main := a.brands[a.mainBrand]
	if main != nil && main.sentimentCount > 0 {
		snap.AvgSentiment = clamp(main.sentimentSum/float64(main.sentimentCount), -1, 1)
	}

	if a.totalTasks > 0 {
		snap.SuccessRate = clamp(float64(a.totalResults)/float64(a.totalTasks)*100, 0, 100)
	}

	normSentiment := clamp((snap.AvgSentiment+1)*50, 0, 100)
	snap.HealthScore = clamp(
		a.weights.ShareOfVoice*mainSOV+
			a.weights.Sentiment*normSentiment+
			a.weights.SuccessRate*snap.SuccessRate,
		0, 100)

	snap.BrandRankings = a.rankingsLocked()

	for qi, q := range a.questions {
		stats := model.QuestionStats{
			QuestionIndex: qi,
			Results:       q.results,
			Mentions:      q.mentions,
		}
		if q.mentions > 0 {
			stats.AvgSentiment = clamp(q.sentimentSum/float64(q.mentions), -1, 1)
		}
		snap.PerQuestionStats[qi] = stats
	}
	for id, m := range a.models {
		stats := model.ModelStats{
			ModelID:  id,
			Results:  m.results,
			Mentions: m.mentions,
		}
		if m.mentions > 0 {
			stats.AvgSentiment = clamp(m.sentimentSum/float64(m.mentions), -1, 1)
		}
		if m.results > 0 {
			stats.AvgLatencyMs = float64(m.latencySumMs) / float64(m.results)
		}
		snap.PerModelStats[id] = stats
	}

	return snap
}

// rankingsLocked sorts brand accumulators by SOV descending. Cost is
// O(k log k) in the number of brands, not the number of results.
func (a *Aggregator) rankingsLocked() []model.BrandRanking {
	rankings := make([]model.BrandRanking, 0, len(a.brands))
	for brand, acc := range a.brands {
		r := model.BrandRanking{
			Brand:     brand,
			Responses: acc.mentions,
			SOVShare:  a.sov(acc),
		}
		if acc.sentimentCount > 0 {
			r.AvgSentiment = clamp(acc.sentimentSum/float64(acc.sentimentCount), -1, 1)
		}
		if acc.rankCount > 0 {
			r.AvgPositionalRank = acc.rankSum / float64(acc.rankCount)
		}
		rankings = append(rankings, r)
	}

	sort.Slice(rankings, func(i, j int) bool {
		if rankings[i].SOVShare != rankings[j].SOVShare {
			return rankings[i].SOVShare > rankings[j].SOVShare
		}
		return rankings[i].Brand < rankings[j].Brand
	})
	for i := range rankings {
		rankings[i].Rank = i + 1
	}
	return rankings
}

// sov computes one brand's share of voice: its visibility points over the
// maximum attainable points across all results, as a percentage.
func (a *Aggregator) sov(acc *brandAccum) float64 {
	if a.totalResults == 0 || a.buckets.Top <= 0 {
		return 0
	}
	return clamp(acc.visibilityPoints/(float64(a.totalResults)*a.buckets.Top)*100, 0, 100)
}

func (a *Aggregator) brand(name string) *brandAccum {
	acc, ok := a.brands[name]
	if !ok {
		acc = &brandAccum{}
		a.brands[name] = acc
	}
	return acc
}

func (a *Aggregator) question(qi int) *questionAccum {
	acc, ok := a.questions[qi]
	if !ok {
		acc = &questionAccum{}
		a.questions[qi] = acc
	}
	return acc
}

func (a *Aggregator) model(id string) *modelAccum {
	acc, ok := a.models[id]
	if !ok {
		acc = &modelAccum{}
		a.models[id] = acc
	}
	return acc
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
