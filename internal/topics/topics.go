// Package topics folds graded answers into per-topic accuracy metrics
// and weak-topic lists. Everything here is a pure function over
// immutable result slices.
package topics

import (
	"math"
	"sort"

	"github.com/examhall/examhall/internal/model"
)

// DefaultWeakThreshold is the accuracy below which a topic counts as
// weak. Tunable via configuration, never per call site.
const DefaultWeakThreshold = 0.60

// Uncategorized is the bucket for answers whose question carries no
// topic. Such answers are grouped here, never dropped.
const Uncategorized = "uncategorized"

// Breakdown groups results by topic and computes per-topic accuracy.
// Every emitted metric has Total > 0. Metrics are sorted by topic name
// for stable output.
func Breakdown(results []model.AnswerResult) []model.TopicMetric {
	tallies := make(map[string]*model.TopicMetric)
	for _, r := range results {
		topic := r.Topic
		if topic == "" {
			topic = Uncategorized
		}
		m, ok := tallies[topic]
		if !ok {
			m = &model.TopicMetric{Topic: topic}
			tallies[topic] = m
		}
		m.Total++
		if r.IsCorrect {
			m.Correct++
		}
	}

	metrics := make([]model.TopicMetric, 0, len(tallies))
	for _, m := range tallies {
		m.Accuracy = Round4(float64(m.Correct) / float64(m.Total))
		metrics = append(metrics, *m)
	}
	sort.Slice(metrics, func(i, j int) bool { return metrics[i].Topic < metrics[j].Topic })
	return metrics
}

// WeakTopics returns the metrics with accuracy below threshold, sorted
// ascending by accuracy (weakest first, topic name as tiebreak). The
// ordering matters: the question selector consumes it to bias sampling.
func WeakTopics(metrics []model.TopicMetric, threshold float64) []model.TopicMetric {
	var weak []model.TopicMetric
	for _, m := range metrics {
		if m.Accuracy < threshold {
			weak = append(weak, m)
		}
	}
	sort.Slice(weak, func(i, j int) bool {
		if weak[i].Accuracy != weak[j].Accuracy {
			return weak[i].Accuracy < weak[j].Accuracy
		}
		return weak[i].Topic < weak[j].Topic
	})
	return weak
}

// Summarize builds a session-level summary: correct count, total, and
// the per-topic breakdown with weak topics below threshold.
func Summarize(results []model.AnswerResult, threshold float64) model.Summary {
	sum := model.Summary{Total: len(results)}
	for _, r := range results {
		if r.IsCorrect {
			sum.Score++
		}
	}
	if sum.Total > 0 {
		sum.Accuracy = Round4(float64(sum.Score) / float64(sum.Total))
	}
	sum.Breakdown = Breakdown(results)
	for _, m := range WeakTopics(sum.Breakdown, threshold) {
		sum.WeakTopics = append(sum.WeakTopics, m.Topic)
	}
	return sum
}

// Round4 rounds to four decimal places, matching how accuracies are
// reported everywhere in the system.
func Round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
