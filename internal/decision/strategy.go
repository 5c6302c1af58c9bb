package decision

import "github.com/okatech-org/sgg.ga-sub007/internal/domain"

// Outcome is the observed correctness of an earlier verdict.
type Outcome string

const (
	OutcomeCorrect   Outcome = "correct"
	OutcomeIncorrect Outcome = "incorrect"
)

func (o Outcome) Valid() bool {
	return o == OutcomeCorrect || o == OutcomeIncorrect
}

// Strategy decides how much a criterion's weight should move after an
// outcome is known. Bounds are enforced by the weight store, not here.
type Strategy interface {
	Delta(outcome Outcome, b domain.ScoreBreakdown) float64
}

type StrategyFunc func(outcome Outcome, b domain.ScoreBreakdown) float64

func (f StrategyFunc) Delta(outcome Outcome, b domain.ScoreBreakdown) float64 {
	return f(outcome, b)
}

const DefaultAdjustRate = 0.05

// ProportionalStrategy moves each weight by Rate times the criterion's raw
// score: up when the verdict was correct, down when it was not.
type ProportionalStrategy struct {
	Rate float64
}

func (p ProportionalStrategy) Delta(outcome Outcome, b domain.ScoreBreakdown) float64 {
	switch outcome {
	case OutcomeCorrect:
		return p.Rate * b.RawScore
	case OutcomeIncorrect:
		return -p.Rate * b.RawScore
	default:
		return 0
	}
}
