package quorum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluatePoolScenario(t *testing.T) {
	result := EvaluatePool(
		PoolInputs{AttentionQuorum: 0.2, ActiveGovernors: 100, UpvoteFloor: 10},
		PoolCounts{Upvotes: 20, Downvotes: 2},
	)
	assert.Equal(t, 22, result.Engaged)
	assert.Equal(t, 20, result.EngagedNeeded)
	assert.True(t, result.AttentionMet)
	assert.True(t, result.UpvoteMet)
	assert.True(t, result.ShouldAdvance)
}

func TestEvaluatePoolNeedsUpvoteFloor(t *testing.T) {
	result := EvaluatePool(
		PoolInputs{AttentionQuorum: 0.2, ActiveGovernors: 100, UpvoteFloor: 10},
		PoolCounts{Upvotes: 9, Downvotes: 30},
	)
	assert.True(t, result.AttentionMet)
	assert.False(t, result.UpvoteMet)
	assert.False(t, result.ShouldAdvance)
}

func TestEvaluatePoolWithoutGovernors(t *testing.T) {
	result := EvaluatePool(
		PoolInputs{AttentionQuorum: 0.2, ActiveGovernors: 0, UpvoteFloor: 0},
		PoolCounts{Upvotes: 5},
	)
	assert.Equal(t, 0, result.EngagedNeeded)
	assert.False(t, result.AttentionMet)
	assert.False(t, result.ShouldAdvance)
}

func TestEvaluatePoolClampsNegativeCounts(t *testing.T) {
	result := EvaluatePool(
		PoolInputs{AttentionQuorum: 0.5, ActiveGovernors: 4, UpvoteFloor: 1},
		PoolCounts{Upvotes: 2, Downvotes: -7},
	)
	assert.Equal(t, 2, result.Engaged)
	assert.True(t, result.ShouldAdvance)
}

func TestNeededMatchesCeiling(t *testing.T) {
	cases := []struct {
		active   int
		fraction float64
		want     int
	}{
		{active: 100, fraction: 0.2, want: 20},
		{active: 10, fraction: 0.33, want: 4},
		{active: 10, fraction: 0.7, want: 7},
		{active: 150, fraction: 0.1, want: 15},
		{active: 7, fraction: 0.1, want: 1},
		{active: 3, fraction: 1, want: 3},
		{active: 3, fraction: 0, want: 0},
		{active: 0, fraction: 0.5, want: 0},
		{active: 5, fraction: 2, want: 5},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, Needed(tc.active, tc.fraction), "Needed(%d, %v)", tc.active, tc.fraction)
	}
}

func TestAttentionMonotonicInEngagement(t *testing.T) {
	for _, active := range []int{1, 7, 10, 100, 150} {
		for _, q := range []float64{0, 0.1, 0.2, 0.33, 0.5, 1} {
			inputs := PoolInputs{AttentionQuorum: q, ActiveGovernors: active}
			previous := false
			for engaged := 0; engaged <= active+2; engaged++ {
				met := EvaluatePool(inputs, PoolCounts{Upvotes: engaged}).AttentionMet
				if previous {
					require.Truef(t, met, "attention regressed at active=%d q=%v engaged=%d", active, q, engaged)
				}
				previous = met
			}
			require.True(t, previous, "attention never met for active=%d q=%v", active, q)
		}
	}
}

func TestEvaluateChamberScenario(t *testing.T) {
	result := EvaluateChamber(
		ChamberInputs{QuorumFraction: 0.33, ActiveGovernors: 10, PassingFraction: 2.0 / 3.0},
		ChamberCounts{Yes: 3, No: 1},
	)
	assert.Equal(t, 4, result.QuorumNeeded)
	assert.Equal(t, 4, result.Engaged)
	assert.True(t, result.QuorumMet)
	assert.InDelta(t, 0.75, result.YesFraction, 1e-9)
	assert.True(t, result.PassMet)
	assert.True(t, result.ShouldAdvance)
}

func TestEvaluateChamberSingleYesPasses(t *testing.T) {
	result := EvaluateChamber(
		ChamberInputs{QuorumFraction: 0.1, ActiveGovernors: 1, PassingFraction: 1},
		ChamberCounts{Yes: 1},
	)
	assert.True(t, result.PassMet)
	assert.True(t, result.ShouldAdvance)
}

func TestEvaluateChamberRequiresAYesVote(t *testing.T) {
	result := EvaluateChamber(
		ChamberInputs{QuorumFraction: 0.1, ActiveGovernors: 10, PassingFraction: 0},
		ChamberCounts{Abstain: 5},
	)
	assert.True(t, result.QuorumMet)
	assert.False(t, result.PassMet)
	assert.False(t, result.ShouldAdvance)
}

func TestEvaluateChamberBelowPassingFraction(t *testing.T) {
	result := EvaluateChamber(
		ChamberInputs{QuorumFraction: 0.33, ActiveGovernors: 10, PassingFraction: 2.0 / 3.0},
		ChamberCounts{Yes: 2, No: 2},
	)
	assert.True(t, result.QuorumMet)
	assert.False(t, result.PassMet)
}

func TestEvaluateChamberEmpty(t *testing.T) {
	result := EvaluateChamber(ChamberInputs{QuorumFraction: 0.33, ActiveGovernors: 0, PassingFraction: 0.5}, ChamberCounts{})
	assert.Equal(t, ChamberResult{}, result)
}

func TestEvaluatorsAreDeterministic(t *testing.T) {
	pool := PoolInputs{AttentionQuorum: 0.2, ActiveGovernors: 37, UpvoteFloor: 4}
	chamber := ChamberInputs{QuorumFraction: 0.33, ActiveGovernors: 37, PassingFraction: 2.0 / 3.0}
	for i := 0; i < 3; i++ {
		assert.Equal(t, EvaluatePool(pool, PoolCounts{Upvotes: 6, Downvotes: 2}), EvaluatePool(pool, PoolCounts{Upvotes: 6, Downvotes: 2}))
		assert.Equal(t, EvaluateChamber(chamber, ChamberCounts{Yes: 9, No: 3, Abstain: 1}), EvaluateChamber(chamber, ChamberCounts{Yes: 9, No: 3, Abstain: 1}))
	}
}

func TestUpvoteFloor(t *testing.T) {
	assert.Equal(t, 10, UpvoteFloor(100, 0.1))
	assert.Equal(t, 15, UpvoteFloor(150, 0.1))
	assert.Equal(t, 0, UpvoteFloor(0, 0.1))
	assert.Equal(t, 1, UpvoteFloor(5, 0.1))
	assert.Equal(t, 1, UpvoteFloor(10, 0))
}

func TestEvaluatePoolDownvotesAloneNeverAdvance(t *testing.T) {
	result := EvaluatePool(PoolInputs{AttentionQuorum: 0.2, ActiveGovernors: 10, UpvoteFloor: 0}, PoolCounts{Downvotes: 2})
	assert.True(t, result.AttentionMet)
	assert.Equal(t, 1, result.UpvoteFloor)
	assert.False(t, result.UpvoteMet)
	assert.False(t, result.ShouldAdvance)
}
