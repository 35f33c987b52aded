// Package selector chooses questions for sessions: weighted-random
// picks biased toward weak topics for adaptive practice, and a one-time
// shuffle for timed quizzes.
package selector

import (
	"errors"
	"math/rand/v2"

	"github.com/examhall/examhall/internal/model"
	"github.com/examhall/examhall/internal/topics"
)

// ErrPoolExhausted means no eligible question remains after excluding
// those already issued. Callers treat this as natural completion, not
// as a failure surfaced to the student.
var ErrPoolExhausted = errors.New("question pool exhausted")

// ErrInsufficientQuestions means the pool cannot satisfy an explicitly
// requested question count.
var ErrInsufficientQuestions = errors.New("not enough questions in pool")

const (
	// DefaultEpsilon floors topic weights so a mastered topic stays
	// barely reachable instead of vanishing from rotation.
	DefaultEpsilon = 0.05
	// DefaultNeutralWeight applies to topics the student never
	// attempted: explorable but not dominant.
	DefaultNeutralWeight = 0.5
)

// Selector holds the adaptive weighting parameters and the random
// source. A nil Rand uses the shared global source; tests inject a
// seeded one.
type Selector struct {
	Epsilon       float64
	NeutralWeight float64
	Rand          *rand.Rand
}

func New(epsilon, neutralWeight float64, rng *rand.Rand) *Selector {
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	if neutralWeight <= 0 {
		neutralWeight = DefaultNeutralWeight
	}
	return &Selector{Epsilon: epsilon, NeutralWeight: neutralWeight, Rand: rng}
}

func (s *Selector) float64() float64 {
	if s.Rand != nil {
		return s.Rand.Float64()
	}
	return rand.Float64()
}

func (s *Selector) shuffle(n int, swap func(i, j int)) {
	if s.Rand != nil {
		s.Rand.Shuffle(n, swap)
		return
	}
	rand.Shuffle(n, swap)
}

// Next picks one question for an adaptive session from pool, excluding
// ids already issued. history carries the student's per-topic metrics;
// with no history every candidate is equally likely (cold start).
// Sampling weight per topic is max(epsilon, 1-accuracy); topics absent
// from history get the neutral weight.
func (s *Selector) Next(pool []model.Question, issued []int64, history []model.TopicMetric) (model.Question, error) {
	seen := make(map[int64]bool, len(issued))
	for _, id := range issued {
		seen[id] = true
	}
	var candidates []model.Question
	for _, q := range pool {
		if !seen[q.ID] {
			candidates = append(candidates, q)
		}
	}
	if len(candidates) == 0 {
		return model.Question{}, ErrPoolExhausted
	}

	if len(history) == 0 {
		return candidates[int(s.float64()*float64(len(candidates)))], nil
	}

	accuracy := make(map[string]float64, len(history))
	for _, m := range history {
		accuracy[m.Topic] = m.Accuracy
	}

	weights := make([]float64, len(candidates))
	var total float64
	for i, q := range candidates {
		// History metrics file topic-less results under the
		// uncategorized bucket; look questions up the same way.
		topic := q.Topic
		if topic == "" {
			topic = topics.Uncategorized
		}
		w := s.NeutralWeight
		if acc, ok := accuracy[topic]; ok {
			w = 1 - acc
			if w < s.Epsilon {
				w = s.Epsilon
			}
		}
		weights[i] = w
		total += w
	}

	target := s.float64() * total
	var cum float64
	for i, w := range weights {
		cum += w
		if target < cum {
			return candidates[i], nil
		}
	}
	// Floating point slack: the last candidate absorbs the remainder.
	return candidates[len(candidates)-1], nil
}

// Draw materializes the fixed question list for a timed quiz: a
// one-time shuffle of the eligible pool, truncated to count. A count of
// zero or less means the whole pool (real-exam semantics: every
// question in the source paper). Fails with ErrInsufficientQuestions
// when an explicit count exceeds the pool.
func (s *Selector) Draw(pool []model.Question, count int) ([]model.Question, error) {
	if len(pool) == 0 {
		return nil, ErrInsufficientQuestions
	}
	if count > len(pool) {
		return nil, ErrInsufficientQuestions
	}

	drawn := make([]model.Question, len(pool))
	copy(drawn, pool)
	s.shuffle(len(drawn), func(i, j int) {
		drawn[i], drawn[j] = drawn[j], drawn[i]
	})

	if count > 0 {
		drawn = drawn[:count]
	}
	return drawn, nil
}
