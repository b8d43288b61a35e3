// Package cm computes cognitocratic measure points for passed proposals.
package cm

import "math"

// DefaultMultiplierTimes10 applies when a chamber has no configured multiplier.
const DefaultMultiplierTimes10 = 10

// Points is the award derived from a chamber's yes-vote scores.
type Points struct {
	AvgScore                 int
	LCM                      int
	ChamberMultiplierTimes10 int
	MCM                      int
}

// MultiplierTimes10 converts a decimal chamber multiplier to fixed point.
func MultiplierTimes10(multiplier float64) int {
	if multiplier <= 0 || math.IsNaN(multiplier) {
		return DefaultMultiplierTimes10
	}
	return int(math.Round(multiplier * 10))
}

// Compute returns the award for a score sum over count yes votes. ok is
// false when no yes vote carried a score.
func Compute(scoreSum, scoreCount, multiplierTimes10 int) (Points, bool) {
	if scoreCount <= 0 {
		return Points{}, false
	}
	if multiplierTimes10 <= 0 {
		multiplierTimes10 = DefaultMultiplierTimes10
	}
	avg := float64(scoreSum) / float64(scoreCount)
	lcm := int(math.Round(avg * 10))
	return Points{
		AvgScore:                 int(math.Round(avg)),
		LCM:                      lcm,
		ChamberMultiplierTimes10: multiplierTimes10,
		MCM:                      int(math.Round(float64(lcm*multiplierTimes10) / 10)),
	}, true
}
