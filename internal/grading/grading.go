// Package grading turns observed weather values into wager outcomes. Every
// function here is pure.
package grading

import (
	"fmt"

	"github.com/alanyoungcy/wxwager/internal/domain"
)

// GradeOdds returns the label of the first bucket, in declared order, whose
// inclusive range contains observed, or "none" when no bucket matches.
func GradeOdds(outcomes []domain.OddsOutcome, observed float64) string {
	for _, o := range outcomes {
		if o.Min <= observed && observed <= o.Max {
			return o.Label
		}
	}
	return domain.OutcomeNone
}

// GradeOverUnder compares observed against line.
func GradeOverUnder(line, observed float64) string {
	switch {
	case observed > line:
		return domain.OutcomeOver
	case observed < line:
		return domain.OutcomeUnder
	default:
		return domain.OutcomePush
	}
}

// GradePointspread compares (observedA - observedB) against spread. Location A
// covers when the difference exceeds the spread.
func GradePointspread(spread, observedA, observedB float64) string {
	diff := observedA - observedB
	switch {
	case diff > spread:
		return domain.OutcomeLocationA
	case diff < spread:
		return domain.OutcomeLocationB
	default:
		return domain.OutcomePush
	}
}

// Grade dispatches on the terms variant. Pointspread terms take two observed
// values (A then B); the others take one.
func Grade(terms domain.Terms, observed ...float64) (string, error) {
	switch t := terms.(type) {
	case domain.OddsTerms:
		if len(observed) != 1 {
			return "", fmt.Errorf("grading: odds needs 1 observed value, got %d", len(observed))
		}
		return GradeOdds(t.Outcomes, observed[0]), nil
	case domain.OverUnderTerms:
		if len(observed) != 1 {
			return "", fmt.Errorf("grading: over-under needs 1 observed value, got %d", len(observed))
		}
		return GradeOverUnder(t.Line, observed[0]), nil
	case domain.PointspreadTerms:
		if len(observed) != 2 {
			return "", fmt.Errorf("grading: pointspread needs 2 observed values, got %d", len(observed))
		}
		return GradePointspread(t.Spread, observed[0], observed[1]), nil
	}
	return "", fmt.Errorf("grading: unsupported terms %T", terms)
}

// ValidOutcome reports whether outcome is a result Grade could produce for
// terms. Used to check manual grade overrides.
func ValidOutcome(terms domain.Terms, outcome string) bool {
	switch t := terms.(type) {
	case domain.OddsTerms:
		if outcome == domain.OutcomeNone {
			return true
		}
		for _, o := range t.Outcomes {
			if o.Label == outcome {
				return true
			}
		}
	case domain.OverUnderTerms:
		return outcome == domain.OutcomeOver || outcome == domain.OutcomeUnder || outcome == domain.OutcomePush
	case domain.PointspreadTerms:
		return outcome == domain.OutcomeLocationA || outcome == domain.OutcomeLocationB || outcome == domain.OutcomePush
	}
	return false
}
