package store

import (
	"context"
	"time"

	"vortex/api/internal/era"
)

// Store is the canonical persistence boundary. Lookups of a single missing
// record return sql.ErrNoRows; optional lookups return a nil pointer.
type Store interface {
	Ping(ctx context.Context) error

	EnsureChambers(ctx context.Context, chambers []Chamber) error
	GetChamber(ctx context.Context, id string) (Chamber, error)
	ListChambers(ctx context.Context) ([]Chamber, error)

	CreateProposal(ctx context.Context, proposal Proposal) error
	GetProposal(ctx context.Context, id string) (Proposal, error)
	ListProposals(ctx context.Context, stage string) ([]Proposal, error)
	// TransitionProposalStage moves a proposal from one stage to the next
	// only if it is still in from. It returns false when another writer won.
	TransitionProposalStage(ctx context.Context, id, from, to string) (bool, error)

	HasPoolVote(ctx context.Context, proposalID, voter string) (bool, error)
	UpsertPoolVote(ctx context.Context, proposalID, voter string, direction int) (bool, error)
	PoolVoteCounts(ctx context.Context, proposalID string) (PoolCounts, error)

	HasChamberVote(ctx context.Context, proposalID, voter string) (bool, error)
	UpsertChamberVote(ctx context.Context, vote ChamberVote) (bool, error)
	ChamberVoteCounts(ctx context.Context, proposalID string) (ChamberCounts, error)

	GetClock(ctx context.Context) (ClockState, error)
	// AdvanceEra bumps the clock only if it still reads from.
	AdvanceEra(ctx context.Context, from int, at time.Time) (ClockState, bool, error)
	EnsureEraSnapshot(ctx context.Context, eraNumber, activeGovernors int) error
	SetEraSnapshot(ctx context.Context, eraNumber, activeGovernors int) error
	GetEraSnapshot(ctx context.Context, eraNumber int) (*EraSnapshot, error)
	GetEraActivity(ctx context.Context, eraNumber int, address string) (era.Counters, error)
	IncrementEraActivity(ctx context.Context, eraNumber int, address string, delta era.Counters) error
	ListEraActivity(ctx context.Context, eraNumber int) ([]era.Activity, error)
	GetEraRollup(ctx context.Context, eraNumber int) (*era.Rollup, error)
	// InsertEraRollup writes the rollup and its statuses unless the era is
	// already rolled up, in which case it returns false and writes nothing.
	InsertEraRollup(ctx context.Context, rollup era.Rollup, statuses []era.UserStatus) (bool, error)
	ListEraUserStatuses(ctx context.Context, eraNumber int) ([]era.UserStatus, error)
	GetEraUserStatus(ctx context.Context, eraNumber int, address string) (*era.UserStatus, error)

	InsertCmAward(ctx context.Context, award CmAward) (bool, error)
	GetCmAward(ctx context.Context, proposalID string) (*CmAward, error)
	SumACM(ctx context.Context, proposer string) (int, error)
	// CmTotalsByChamber sums awards per chamber, limited to proposer when set.
	CmTotalsByChamber(ctx context.Context, proposer string) ([]CmChamberTotals, error)

	// SeedFormationProject creates the project and its pending milestones
	// once; later calls return false.
	SeedFormationProject(ctx context.Context, project FormationProject) (bool, error)
	GetFormationProject(ctx context.Context, proposalID string) (FormationProject, error)
	IsFormationMember(ctx context.Context, proposalID, address string) (bool, error)
	// JoinFormationProject returns ErrTeamFull when every slot is taken.
	JoinFormationProject(ctx context.Context, member FormationMember) (bool, error)
	ListFormationMembers(ctx context.Context, proposalID string) ([]FormationMember, error)
	GetFormationMilestone(ctx context.Context, proposalID string, index int) (FormationMilestone, error)
	ListFormationMilestones(ctx context.Context, proposalID string) ([]FormationMilestone, error)
	SubmitFormationMilestone(ctx context.Context, proposalID string, index int, submittedBy, note string) (bool, error)
	UnlockFormationMilestone(ctx context.Context, proposalID string, index int) (bool, error)

	CreateCourtCase(ctx context.Context, courtCase CourtCase) error
	GetCourtCase(ctx context.Context, id string) (CourtCase, error)
	HasCourtReport(ctx context.Context, caseID, reporter string) (bool, error)
	InsertCourtReport(ctx context.Context, caseID, reporter string) (bool, error)
	CountCourtReports(ctx context.Context, caseID string) (int, error)
	TransitionCourtCase(ctx context.Context, id, from, to, decision string) (bool, error)
	HasCourtVerdict(ctx context.Context, caseID, voter string) (bool, error)
	UpsertCourtVerdict(ctx context.Context, caseID, voter, verdict string) (bool, error)
	CourtVerdictTally(ctx context.Context, caseID string) (VerdictTally, error)

	GetIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error)
	// SaveIdempotency keeps the first record stored under a key.
	SaveIdempotency(ctx context.Context, record IdempotencyRecord) error

	GetEligibility(ctx context.Context, address string) (*EligibilityRecord, error)
	SaveEligibility(ctx context.Context, record EligibilityRecord) error

	GetAdminState(ctx context.Context) (AdminState, error)
	SetWritesFrozen(ctx context.Context, frozen bool) error
	GetActionLock(ctx context.Context, address string) (*ActionLock, error)
	SetActionLock(ctx context.Context, lock ActionLock) error
	ClearActionLock(ctx context.Context, address string) error
}
