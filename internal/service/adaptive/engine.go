// Package adaptive implements the multidimensional IRT engine: response
// probability, Fisher information, gradient proficiency updates, item
// selection and stopping rules. It is pure and stateless; all inputs are
// passed in and nothing blocks.
package adaptive

import (
	"math"

	"github.com/fairyhunter13/adaptive-testing/internal/domain"
	"github.com/fairyhunter13/adaptive-testing/pkg/vecx"
)

const (
	// DefaultLearningRate is the gradient step size for proficiency updates.
	DefaultLearningRate = 0.1

	// Proficiency values are clipped elementwise into [ThetaMin, ThetaMax].
	ThetaMin = -3.0
	ThetaMax = 3.0

	// Probabilities are clamped away from 0 and 1 to keep gradients finite.
	probFloor   = 0.01
	probCeiling = 0.99

	// precisionWindow bounds how many trailing proficiency snapshots feed
	// the precision estimate.
	precisionWindow = 5
)

// Engine scores items with a 2PL model over a Q-matrix. The guessing
// parameter rides along in transport but does not enter scoring.
type Engine struct {
	LearningRate float64
}

// NewEngine returns an Engine; a non-positive rate falls back to the default.
func NewEngine(learningRate float64) *Engine {
	if learningRate <= 0 {
		learningRate = DefaultLearningRate
	}
	return &Engine{LearningRate: learningRate}
}

// qVector returns the item's concept indicator, defaulting to concept 0 only
// when the item carries none.
func qVector(q domain.Question, k int) []float64 {
	if len(q.Concepts) > 0 {
		return q.Concepts
	}
	v := make([]float64, k)
	if k > 0 {
		v[0] = 1
	}
	return v
}

func discrimination(q domain.Question) float64 {
	if q.Discrimination == 0 {
		return 1.0
	}
	return q.Discrimination
}

// Probability returns p(correct | theta, q) = sigmoid(a*(qvec . theta) - b),
// clamped into [0.01, 0.99].
func (e *Engine) Probability(theta []float64, q domain.Question) float64 {
	a := discrimination(q)
	linear := a*vecx.Dot(qVector(q, len(theta)), theta) - q.Difficulty
	p := 1.0 / (1.0 + math.Exp(-linear))
	return vecx.ClampValue(p, probFloor, probCeiling)
}

// Information returns the Fisher information a^2 * p * (1-p) of the item at
// theta; it is the item-selection score.
func (e *Engine) Information(theta []float64, q domain.Question) float64 {
	a := discrimination(q)
	p := e.Probability(theta, q)
	return a * a * p * (1 - p)
}

// UpdateProficiency applies one gradient-ascent step on the response
// log-likelihood and returns the new bounded estimate. Concepts the item does
// not load on are left untouched.
func (e *Engine) UpdateProficiency(theta []float64, q domain.Question, response int) []float64 {
	p := e.Probability(theta, q)
	a := discrimination(q)
	step := float64(response) - p
	gradient := vecx.Scale(qVector(q, len(theta)), step*p*(1-p)*a*e.LearningRate)
	return vecx.Clamp(vecx.Add(theta, gradient), ThetaMin, ThetaMax)
}

// SelectNextQuestion picks the unanswered item with maximal Fisher
// information at theta. Ties keep the earliest pool position. The second
// return is false when the pool is exhausted.
func (e *Engine) SelectNextQuestion(pool []domain.Question, theta []float64, history []domain.ResponseRecord) (domain.Question, bool) {
	answered := make(map[string]struct{}, len(history))
	for _, r := range history {
		answered[r.QuestionID] = struct{}{}
	}

	var best domain.Question
	bestInfo := -1.0
	found := false
	for _, q := range pool {
		if _, ok := answered[q.ID]; ok {
			continue
		}
		if info := e.Information(theta, q); info > bestInfo {
			bestInfo = info
			best = q
			found = true
		}
	}
	return best, found
}

// ShouldContinue evaluates the stopping rule. MinQuestions always continues,
// MaxQuestions always stops; between the bounds the criteria type decides.
// Unrecognized types stop.
func (e *Engine) ShouldContinue(history []domain.ResponseRecord, theta []float64, criteria domain.EndCriteria) bool {
	answered := len(history)

	minQ := criteria.MinQuestions
	if minQ <= 0 {
		minQ = 5
	}
	if answered < minQ {
		return true
	}

	maxQ := criteria.MaxQuestions
	if maxQ <= 0 {
		maxQ = 20
	}
	if answered >= maxQ {
		return false
	}

	switch criteria.Type {
	case domain.CriteriaFixedLength, "":
		return true
	case domain.CriteriaPrecision:
		threshold := criteria.PrecisionThreshold
		if threshold == 0 {
			threshold = 0.3
		}
		return e.estimatePrecision(history, len(theta)) > threshold
	case domain.CriteriaClassification:
		threshold := criteria.ClassificationThreshold
		if threshold == 0 {
			threshold = 0.8
		}
		return classificationConfidence(theta) < threshold
	}
	return false
}

// estimatePrecision is 1/(1+v) where v is the mean per-concept variance of
// the trailing proficiency snapshots. Fewer than two snapshots report 1.0,
// i.e. not yet precise enough to stop on.
func (e *Engine) estimatePrecision(history []domain.ResponseRecord, k int) float64 {
	if len(history) < 2 {
		return 1.0
	}
	start := len(history) - precisionWindow
	if start < 0 {
		start = 0
	}
	recent := history[start:]

	variances := make([]float64, 0, k)
	series := make([]float64, 0, len(recent))
	for i := 0; i < k; i++ {
		series = series[:0]
		for _, r := range recent {
			if i < len(r.ProficiencyAfter) {
				series = append(series, r.ProficiencyAfter[i])
			}
		}
		if len(series) > 1 {
			variances = append(variances, vecx.Variance(series))
		}
	}
	avg := 1.0
	if len(variances) > 0 {
		avg = vecx.Mean(variances)
	}
	return 1.0 / (1.0 + avg)
}

// classificationConfidence maps mean |theta_i| onto [0,1], saturating at a
// distance of 2 from neutral.
func classificationConfidence(theta []float64) float64 {
	return math.Min(vecx.MeanAbs(theta)/2.0, 1.0)
}

// Summary reports totals, accuracy and the proficiency trajectory metrics of
// a finished session.
func (e *Engine) Summary(initial, final []float64, history []domain.ResponseRecord) domain.TestSummary {
	total := len(history)
	correct := 0
	for _, r := range history {
		if r.Response == 1 {
			correct++
		}
	}
	accuracy := 0.0
	if total > 0 {
		accuracy = float64(correct) / float64(total)
	}

	change := vecx.Sub(final, initial)

	return domain.TestSummary{
		TotalQuestions:     total,
		CorrectCount:       correct,
		Accuracy:           accuracy,
		InitialProficiency: initial,
		FinalProficiency:   final,
		ProficiencyChange:  change,
		LearningGain:       vecx.MeanAbs(change),
		Efficiency:         efficiency(history),
	}
}

// efficiency is the mean per-step Euclidean proficiency change divided by
// the number of questions answered.
func efficiency(history []domain.ResponseRecord) float64 {
	if len(history) == 0 {
		return 0
	}
	var changes []float64
	for _, r := range history {
		if len(r.ProficiencyBefore) > 0 && len(r.ProficiencyAfter) > 0 {
			changes = append(changes, vecx.Norm(vecx.Sub(r.ProficiencyAfter, r.ProficiencyBefore)))
		}
	}
	if len(changes) == 0 {
		return 0
	}
	return vecx.Mean(changes) / float64(len(history))
}
