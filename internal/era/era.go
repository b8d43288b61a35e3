// Package era classifies governor activity at era boundaries.
package era

import "time"

// Kind names a quota-bearing activity counter.
type Kind string

const (
	KindPoolVotes        Kind = "poolVotes"
	KindChamberVotes     Kind = "chamberVotes"
	KindCourtActions     Kind = "courtActions"
	KindFormationActions Kind = "formationActions"
)

// Kinds lists every counter in a stable order.
var Kinds = []Kind{KindPoolVotes, KindChamberVotes, KindCourtActions, KindFormationActions}

type Status string

const (
	StatusAhead         Status = "Ahead"
	StatusStable        Status = "Stable"
	StatusFallingBehind Status = "Falling behind"
	StatusAtRisk        Status = "At risk"
	StatusLosingStatus  Status = "Losing status"
)

// Statuses lists the governing statuses from best to worst.
var Statuses = []Status{StatusAhead, StatusStable, StatusFallingBehind, StatusAtRisk, StatusLosingStatus}

// Counters is a per-kind tally, used both for activity and requirements.
type Counters struct {
	PoolVotes        int `json:"poolVotes" yaml:"poolVotes"`
	ChamberVotes     int `json:"chamberVotes" yaml:"chamberVotes"`
	CourtActions     int `json:"courtActions" yaml:"courtActions"`
	FormationActions int `json:"formationActions" yaml:"formationActions"`
}

func (c Counters) Total() int {
	return c.PoolVotes + c.ChamberVotes + c.CourtActions + c.FormationActions
}

func (c Counters) Get(kind Kind) int {
	switch kind {
	case KindPoolVotes:
		return c.PoolVotes
	case KindChamberVotes:
		return c.ChamberVotes
	case KindCourtActions:
		return c.CourtActions
	case KindFormationActions:
		return c.FormationActions
	default:
		return 0
	}
}

// Delta returns a Counters value with one unit of kind.
func Delta(kind Kind) Counters {
	var c Counters
	switch kind {
	case KindPoolVotes:
		c.PoolVotes = 1
	case KindChamberVotes:
		c.ChamberVotes = 1
	case KindCourtActions:
		c.CourtActions = 1
	case KindFormationActions:
		c.FormationActions = 1
	}
	return c
}

// Activity is one governor's counters for an era.
type Activity struct {
	Address string
	Counters
}

// UserStatus is the classification written for each active address.
type UserStatus struct {
	Address         string `json:"address"`
	Status          Status `json:"status"`
	CompletedTotal  int    `json:"completedTotal"`
	IsActiveNextEra bool   `json:"isActiveNextEra"`
}

// Rollup is the frozen era summary.
type Rollup struct {
	Era                    int       `json:"era"`
	Requirements           Counters  `json:"requirements"`
	RequiredTotal          int       `json:"requiredTotal"`
	ActiveGovernorsNextEra int       `json:"activeGovernorsNextEra"`
	RolledAt               time.Time `json:"rolledAt"`
}

// Classify maps completed actions against the era requirement onto a status band.
// An era without requirements leaves everyone Stable.
func Classify(completed, required int) Status {
	if required <= 0 {
		return StatusStable
	}
	if completed >= required+2 {
		return StatusAhead
	}
	if completed >= required {
		return StatusStable
	}
	ratio := float64(completed) / float64(required)
	switch {
	case ratio >= 0.75:
		return StatusFallingBehind
	case ratio >= 0.55:
		return StatusAtRisk
	default:
		return StatusLosingStatus
	}
}

// MeetsRequirements is true when every non-zero per-kind minimum is reached.
func MeetsRequirements(activity, requirements Counters) bool {
	for _, kind := range Kinds {
		need := requirements.Get(kind)
		if need <= 0 {
			continue
		}
		if activity.Get(kind) < need {
			return false
		}
	}
	return true
}

// Compute derives the rollup and per-address statuses for an era.
func Compute(eraNumber int, requirements Counters, activity []Activity, now time.Time) (Rollup, []UserStatus) {
	required := requirements.Total()
	statuses := make([]UserStatus, 0, len(activity))
	activeNext := 0
	for _, entry := range activity {
		completed := entry.Total()
		active := MeetsRequirements(entry.Counters, requirements)
		if active {
			activeNext++
		}
		statuses = append(statuses, UserStatus{
			Address:         entry.Address,
			Status:          Classify(completed, required),
			CompletedTotal:  completed,
			IsActiveNextEra: active,
		})
	}
	return Rollup{
		Era:                    eraNumber,
		Requirements:           requirements,
		RequiredTotal:          required,
		ActiveGovernorsNextEra: activeNext,
		RolledAt:               now.UTC(),
	}, statuses
}

// CountStatuses tallies statuses; every band is present in the result.
func CountStatuses(statuses []UserStatus) map[Status]int {
	counts := make(map[Status]int, len(Statuses))
	for _, status := range Statuses {
		counts[status] = 0
	}
	for _, entry := range statuses {
		counts[entry.Status]++
	}
	return counts
}
