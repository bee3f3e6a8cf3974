package grading

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/wxwager/internal/domain"
)

var buckets = []domain.OddsOutcome{
	{Label: "60-62", Min: 60, Max: 62, Odds: 150},
	{Label: "63-65", Min: 63, Max: 65, Odds: 200},
}

func TestGradeOdds(t *testing.T) {
	assert.Equal(t, "60-62", GradeOdds(buckets, 61))
	assert.Equal(t, "60-62", GradeOdds(buckets, 60), "min is inclusive")
	assert.Equal(t, "63-65", GradeOdds(buckets, 65), "max is inclusive")
	assert.Equal(t, "none", GradeOdds(buckets, 70))
	assert.Equal(t, "none", GradeOdds(buckets, 62.5), "gap between buckets")
}

func TestGradeOddsFirstMatchWins(t *testing.T) {
	overlapping := []domain.OddsOutcome{
		{Label: "wide", Min: 50, Max: 70},
		{Label: "narrow", Min: 60, Max: 62},
	}
	assert.Equal(t, "wide", GradeOdds(overlapping, 61))
}

func TestGradeOverUnder(t *testing.T) {
	assert.Equal(t, "push", GradeOverUnder(61.0, 61.0))
	assert.Equal(t, "over", GradeOverUnder(61.0, 61.5))
	assert.Equal(t, "under", GradeOverUnder(61.0, 60.5))
}

func TestGradePointspread(t *testing.T) {
	assert.Equal(t, "locationA", GradePointspread(10, 50, 38))
	assert.Equal(t, "locationB", GradePointspread(10, 45, 38))
	assert.Equal(t, "push", GradePointspread(10, 48, 38))
	assert.Equal(t, "locationB", GradePointspread(-3, 30, 40), "negative spread")
}

func TestGradeDispatch(t *testing.T) {
	out, err := Grade(domain.OddsTerms{Outcomes: buckets}, 64)
	require.NoError(t, err)
	assert.Equal(t, "63-65", out)

	out, err = Grade(domain.PointspreadTerms{Spread: 10}, 50, 38)
	require.NoError(t, err)
	assert.Equal(t, "locationA", out)

	_, err = Grade(domain.PointspreadTerms{Spread: 10}, 50)
	assert.Error(t, err)

	_, err = Grade(domain.OverUnderTerms{Line: 1}, 1, 2)
	assert.Error(t, err)
}

func TestValidOutcome(t *testing.T) {
	odds := domain.OddsTerms{Outcomes: buckets}
	assert.True(t, ValidOutcome(odds, "60-62"))
	assert.True(t, ValidOutcome(odds, "none"))
	assert.False(t, ValidOutcome(odds, "over"))

	assert.True(t, ValidOutcome(domain.OverUnderTerms{}, "push"))
	assert.False(t, ValidOutcome(domain.OverUnderTerms{}, "locationA"))
	assert.True(t, ValidOutcome(domain.PointspreadTerms{}, "locationB"))
}
