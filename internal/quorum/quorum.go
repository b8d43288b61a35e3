// Package quorum evaluates whether pool and chamber ledgers have gathered
// enough participation to move a proposal forward. Every function here is
// pure; callers re-evaluate on each vote.
package quorum

import "math"

// PoolInputs configures the attention check for the proposal pool.
type PoolInputs struct {
	AttentionQuorum float64
	ActiveGovernors int
	UpvoteFloor     int
}

type PoolCounts struct {
	Upvotes   int
	Downvotes int
}

type PoolResult struct {
	Engaged       int  `json:"engaged"`
	EngagedNeeded int  `json:"engagedNeeded"`
	UpvoteFloor   int  `json:"upvoteFloor"`
	AttentionMet  bool `json:"attentionMet"`
	UpvoteMet     bool `json:"upvoteMet"`
	ShouldAdvance bool `json:"shouldAdvance"`
}

// ChamberInputs configures a chamber vote.
type ChamberInputs struct {
	QuorumFraction  float64
	ActiveGovernors int
	PassingFraction float64
}

type ChamberCounts struct {
	Yes     int
	No      int
	Abstain int
}

type ChamberResult struct {
	Engaged       int     `json:"engaged"`
	QuorumNeeded  int     `json:"quorumNeeded"`
	QuorumMet     bool    `json:"quorumMet"`
	YesFraction   float64 `json:"yesFraction"`
	PassMet       bool    `json:"passMet"`
	ShouldAdvance bool    `json:"shouldAdvance"`
}

// EvaluatePool reports whether a pool proposal drew enough attention and
// upvotes to enter the chamber vote.
func EvaluatePool(inputs PoolInputs, counts PoolCounts) PoolResult {
	active := nonNegative(inputs.ActiveGovernors)
	quorum := clampFraction(inputs.AttentionQuorum)
	upvotes := nonNegative(counts.Upvotes)
	engaged := upvotes + nonNegative(counts.Downvotes)

	needed := Needed(active, quorum)
	floor := inputs.UpvoteFloor
	if active > 0 && floor < 1 {
		floor = 1
	}
	attentionMet := active > 0 && engaged >= needed
	upvoteMet := upvotes >= floor

	return PoolResult{
		Engaged:       engaged,
		EngagedNeeded: needed,
		UpvoteFloor:   floor,
		AttentionMet:  attentionMet,
		UpvoteMet:     upvoteMet,
		ShouldAdvance: attentionMet && upvoteMet,
	}
}

// EvaluateChamber reports whether a chamber vote reached quorum and passed.
func EvaluateChamber(inputs ChamberInputs, counts ChamberCounts) ChamberResult {
	active := nonNegative(inputs.ActiveGovernors)
	quorum := clampFraction(inputs.QuorumFraction)
	passing := clampFraction(inputs.PassingFraction)

	yes := nonNegative(counts.Yes)
	engaged := yes + nonNegative(counts.No) + nonNegative(counts.Abstain)

	needed := Needed(active, quorum)
	quorumMet := active > 0 && engaged >= needed

	var yesFraction float64
	if engaged > 0 {
		yesFraction = float64(yes) / float64(engaged)
	}
	passMet := engaged > 0 && yesFraction >= passing && yes >= 1

	return ChamberResult{
		Engaged:       engaged,
		QuorumNeeded:  needed,
		QuorumMet:     quorumMet,
		YesFraction:   yesFraction,
		PassMet:       passMet,
		ShouldAdvance: quorumMet && passMet,
	}
}

// ceilSlack absorbs binary rounding so that 10*0.7 needs 7, not 8.
const ceilSlack = 1e-9

// Needed is ceil(active*fraction), or 0 with no active governors.
func Needed(active int, fraction float64) int {
	if active <= 0 {
		return 0
	}
	return int(math.Ceil(float64(active)*clampFraction(fraction) - ceilSlack))
}

// UpvoteFloor derives the absolute pool upvote floor from a fraction of the
// active governor set. At least one upvote is always required.
func UpvoteFloor(active int, fraction float64) int {
	if active <= 0 {
		return 0
	}
	return max(1, Needed(active, fraction))
}

func clampFraction(value float64) float64 {
	if math.IsNaN(value) || value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func nonNegative(value int) int {
	if value < 0 {
		return 0
	}
	return value
}
