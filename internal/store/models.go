package store

import (
	"errors"
	"fmt"
	"time"
)

const (
	StagePool  = "pool"
	StageVote  = "vote"
	StageBuild = "build"
)

const (
	ChoiceYes     = "yes"
	ChoiceNo      = "no"
	ChoiceAbstain = "abstain"
)

const (
	MilestonePending   = "pending"
	MilestoneSubmitted = "submitted"
	MilestoneUnlocked  = "unlocked"
)

const (
	CaseOpen     = "open"
	CaseLive     = "live"
	CaseResolved = "resolved"
)

const (
	VerdictGuilty    = "guilty"
	VerdictNotGuilty = "not_guilty"
)

var (
	ErrTeamFull        = errors.New("formation team is full")
	ErrScoreWithoutYes = errors.New("score is only valid with a yes vote")
	ErrDuplicate       = errors.New("record already exists")
)

func errDuplicate(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrDuplicate)
}

// ProposalPayload holds the typed part of a proposal form.
type ProposalPayload struct {
	// FormationEligible defaults to true when absent.
	FormationEligible *bool  `json:"formationEligible,omitempty"`
	TeamSlots         int    `json:"teamSlots"`
	Milestones        int    `json:"milestones"`
	Body              string `json:"body,omitempty"`
}

func (p ProposalPayload) FormationEnabled() bool {
	return p.FormationEligible == nil || *p.FormationEligible
}

type Proposal struct {
	ID            string
	Stage         string
	AuthorAddress string
	ChamberID     string
	Title         string
	Summary       string
	Payload       ProposalPayload
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Chamber struct {
	ID                string
	Title             string
	MultiplierTimes10 int
	CreatedAt         time.Time
}

type PoolCounts struct {
	Upvotes   int
	Downvotes int
}

type ChamberVote struct {
	ProposalID   string
	VoterAddress string
	Choice       string
	Score        *int
}

// ChamberCounts aggregates a chamber ledger. ScoreSum and ScoreCount cover
// yes votes that carried a score.
type ChamberCounts struct {
	Yes        int
	No         int
	Abstain    int
	ScoreSum   int
	ScoreCount int
}

type ClockState struct {
	CurrentEra int
	UpdatedAt  time.Time
}

type EraSnapshot struct {
	Era             int
	ActiveGovernors int
	UpdatedAt       time.Time
}

type CmAward struct {
	ProposalID               string
	ProposerAddress          string
	ChamberID                string
	AvgScore                 int
	LCMPoints                int
	ChamberMultiplierTimes10 int
	MCMPoints                int
	AwardedAt                time.Time
}

type CmChamberTotals struct {
	ChamberID string
	Awards    int
	LCM       int
	MCM       int
}

type FormationProject struct {
	ProposalID          string
	TeamSlotsTotal      int
	TeamFilled          int
	MilestonesTotal     int
	MilestonesCompleted int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type FormationMember struct {
	ProposalID    string
	MemberAddress string
	Role          string
	JoinedAt      time.Time
}

type FormationMilestone struct {
	ProposalID  string
	Index       int
	Status      string
	Note        string
	SubmittedBy string
	SubmittedAt *time.Time
	UnlockedAt  *time.Time
}

type CourtCase struct {
	ID             string
	Title          string
	SubjectAddress string
	Status         string
	BaseReports    int
	Decision       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type VerdictTally struct {
	Guilty    int
	NotGuilty int
}

func (t VerdictTally) Total() int {
	return t.Guilty + t.NotGuilty
}

type IdempotencyRecord struct {
	Key         string
	Address     string
	CommandType string
	Fingerprint string
	Response    []byte
	CreatedAt   time.Time
}

type EligibilityRecord struct {
	Address   string
	Eligible  bool
	Reason    string
	CheckedAt time.Time
	ExpiresAt time.Time
}

type AdminState struct {
	WritesFrozen bool
	UpdatedAt    time.Time
}

type ActionLock struct {
	Address     string
	LockedUntil time.Time
	Reason      string
	CreatedAt   time.Time
}
