package store

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"vortex/api/internal/era"
)

var _ Store = (*MemoryStore)(nil)

type voteKey struct {
	subject string
	address string
}

type eraKey struct {
	era     int
	address string
}

type milestoneKey struct {
	proposalID string
	index      int
}

// MemoryStore keeps every table in process memory. A single mutex makes each
// method atomic, mirroring the row-level guarantees of the SQL store.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	chambers     map[string]Chamber
	proposals    map[string]Proposal
	poolVotes    map[voteKey]int
	chamberVotes map[voteKey]ChamberVote

	clock        ClockState
	snapshots    map[int]EraSnapshot
	activity     map[eraKey]era.Counters
	rollups      map[int]era.Rollup
	userStatuses map[eraKey]era.UserStatus

	awards map[string]CmAward

	projects   map[string]FormationProject
	members    map[voteKey]FormationMember
	milestones map[milestoneKey]FormationMilestone

	cases    map[string]CourtCase
	reports  map[voteKey]time.Time
	verdicts map[voteKey]string

	idempotency map[string]IdempotencyRecord
	eligibility map[string]EligibilityRecord
	admin       AdminState
	locks       map[string]ActionLock
}

func NewMemoryStore() *MemoryStore {
	now := func() time.Time { return time.Now().UTC() }
	return &MemoryStore{
		now:          now,
		chambers:     map[string]Chamber{},
		proposals:    map[string]Proposal{},
		poolVotes:    map[voteKey]int{},
		chamberVotes: map[voteKey]ChamberVote{},
		clock:        ClockState{UpdatedAt: now()},
		snapshots:    map[int]EraSnapshot{},
		activity:     map[eraKey]era.Counters{},
		rollups:      map[int]era.Rollup{},
		userStatuses: map[eraKey]era.UserStatus{},
		awards:       map[string]CmAward{},
		projects:     map[string]FormationProject{},
		members:      map[voteKey]FormationMember{},
		milestones:   map[milestoneKey]FormationMilestone{},
		cases:        map[string]CourtCase{},
		reports:      map[voteKey]time.Time{},
		verdicts:     map[voteKey]string{},
		idempotency:  map[string]IdempotencyRecord{},
		eligibility:  map[string]EligibilityRecord{},
		locks:        map[string]ActionLock{},
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) EnsureChambers(_ context.Context, chambers []Chamber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, chamber := range chambers {
		if _, ok := s.chambers[chamber.ID]; ok {
			continue
		}
		chamber.CreatedAt = s.now()
		s.chambers[chamber.ID] = chamber
	}
	return nil
}

func (s *MemoryStore) GetChamber(_ context.Context, id string) (Chamber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chamber, ok := s.chambers[id]
	if !ok {
		return Chamber{}, sql.ErrNoRows
	}
	return chamber, nil
}

func (s *MemoryStore) ListChambers(context.Context) ([]Chamber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chambers := make([]Chamber, 0, len(s.chambers))
	for _, chamber := range s.chambers {
		chambers = append(chambers, chamber)
	}
	sort.Slice(chambers, func(i, j int) bool { return chambers[i].ID < chambers[j].ID })
	return chambers, nil
}

func (s *MemoryStore) CreateProposal(_ context.Context, proposal Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proposals[proposal.ID]; ok {
		return errDuplicate("proposal", proposal.ID)
	}
	now := s.now()
	if proposal.CreatedAt.IsZero() {
		proposal.CreatedAt = now
	}
	proposal.UpdatedAt = proposal.CreatedAt
	s.proposals[proposal.ID] = proposal
	return nil
}

func (s *MemoryStore) GetProposal(_ context.Context, id string) (Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proposal, ok := s.proposals[id]
	if !ok {
		return Proposal{}, sql.ErrNoRows
	}
	return proposal, nil
}

func (s *MemoryStore) ListProposals(_ context.Context, stage string) ([]Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proposals := make([]Proposal, 0, len(s.proposals))
	for _, proposal := range s.proposals {
		if stage != "" && proposal.Stage != stage {
			continue
		}
		proposals = append(proposals, proposal)
	}
	sort.Slice(proposals, func(i, j int) bool {
		if proposals[i].UpdatedAt.Equal(proposals[j].UpdatedAt) {
			return proposals[i].ID < proposals[j].ID
		}
		return proposals[i].UpdatedAt.After(proposals[j].UpdatedAt)
	})
	return proposals, nil
}

func (s *MemoryStore) TransitionProposalStage(_ context.Context, id, from, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proposal, ok := s.proposals[id]
	if !ok || proposal.Stage != from {
		return false, nil
	}
	proposal.Stage = to
	proposal.UpdatedAt = s.now()
	s.proposals[id] = proposal
	return true, nil
}

func (s *MemoryStore) HasPoolVote(_ context.Context, proposalID, voter string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.poolVotes[voteKey{proposalID, voter}]
	return ok, nil
}

func (s *MemoryStore) UpsertPoolVote(_ context.Context, proposalID, voter string, direction int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proposals[proposalID]; !ok {
		return false, sql.ErrNoRows
	}
	key := voteKey{proposalID, voter}
	_, existed := s.poolVotes[key]
	s.poolVotes[key] = direction
	return !existed, nil
}

func (s *MemoryStore) PoolVoteCounts(_ context.Context, proposalID string) (PoolCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var counts PoolCounts
	for key, direction := range s.poolVotes {
		if key.subject != proposalID {
			continue
		}
		if direction > 0 {
			counts.Upvotes++
		} else {
			counts.Downvotes++
		}
	}
	return counts, nil
}

func (s *MemoryStore) HasChamberVote(_ context.Context, proposalID, voter string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.chamberVotes[voteKey{proposalID, voter}]
	return ok, nil
}

func (s *MemoryStore) UpsertChamberVote(_ context.Context, vote ChamberVote) (bool, error) {
	if vote.Score != nil && vote.Choice != ChoiceYes {
		return false, ErrScoreWithoutYes
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proposals[vote.ProposalID]; !ok {
		return false, sql.ErrNoRows
	}
	key := voteKey{vote.ProposalID, vote.VoterAddress}
	_, existed := s.chamberVotes[key]
	if vote.Score != nil {
		score := *vote.Score
		vote.Score = &score
	}
	s.chamberVotes[key] = vote
	return !existed, nil
}

func (s *MemoryStore) ChamberVoteCounts(_ context.Context, proposalID string) (ChamberCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var counts ChamberCounts
	for key, vote := range s.chamberVotes {
		if key.subject != proposalID {
			continue
		}
		switch vote.Choice {
		case ChoiceYes:
			counts.Yes++
			if vote.Score != nil {
				counts.ScoreSum += *vote.Score
				counts.ScoreCount++
			}
		case ChoiceNo:
			counts.No++
		case ChoiceAbstain:
			counts.Abstain++
		}
	}
	return counts, nil
}

func (s *MemoryStore) GetClock(context.Context) (ClockState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock, nil
}

func (s *MemoryStore) AdvanceEra(_ context.Context, from int, at time.Time) (ClockState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clock.CurrentEra != from {
		return s.clock, false, nil
	}
	s.clock = ClockState{CurrentEra: from + 1, UpdatedAt: at.UTC()}
	return s.clock, true, nil
}

func (s *MemoryStore) EnsureEraSnapshot(_ context.Context, eraNumber, activeGovernors int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[eraNumber]; ok {
		return nil
	}
	s.snapshots[eraNumber] = EraSnapshot{Era: eraNumber, ActiveGovernors: activeGovernors, UpdatedAt: s.now()}
	return nil
}

func (s *MemoryStore) SetEraSnapshot(_ context.Context, eraNumber, activeGovernors int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[eraNumber] = EraSnapshot{Era: eraNumber, ActiveGovernors: activeGovernors, UpdatedAt: s.now()}
	return nil
}

func (s *MemoryStore) GetEraSnapshot(_ context.Context, eraNumber int) (*EraSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, ok := s.snapshots[eraNumber]
	if !ok {
		return nil, nil
	}
	return &snapshot, nil
}

func (s *MemoryStore) GetEraActivity(_ context.Context, eraNumber int, address string) (era.Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activity[eraKey{eraNumber, address}], nil
}

func (s *MemoryStore) IncrementEraActivity(_ context.Context, eraNumber int, address string, delta era.Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := eraKey{eraNumber, address}
	current := s.activity[key]
	current.PoolVotes += max(delta.PoolVotes, 0)
	current.ChamberVotes += max(delta.ChamberVotes, 0)
	current.CourtActions += max(delta.CourtActions, 0)
	current.FormationActions += max(delta.FormationActions, 0)
	s.activity[key] = current
	return nil
}

func (s *MemoryStore) ListEraActivity(_ context.Context, eraNumber int) ([]era.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []era.Activity
	for key, counters := range s.activity {
		if key.era != eraNumber {
			continue
		}
		entries = append(entries, era.Activity{Address: key.address, Counters: counters})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Address < entries[j].Address })
	return entries, nil
}

func (s *MemoryStore) GetEraRollup(_ context.Context, eraNumber int) (*era.Rollup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rollup, ok := s.rollups[eraNumber]
	if !ok {
		return nil, nil
	}
	return &rollup, nil
}

func (s *MemoryStore) InsertEraRollup(_ context.Context, rollup era.Rollup, statuses []era.UserStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rollups[rollup.Era]; ok {
		return false, nil
	}
	s.rollups[rollup.Era] = rollup
	for _, status := range statuses {
		s.userStatuses[eraKey{rollup.Era, status.Address}] = status
	}
	return true, nil
}

func (s *MemoryStore) ListEraUserStatuses(_ context.Context, eraNumber int) ([]era.UserStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var statuses []era.UserStatus
	for key, status := range s.userStatuses {
		if key.era == eraNumber {
			statuses = append(statuses, status)
		}
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Address < statuses[j].Address })
	return statuses, nil
}

func (s *MemoryStore) GetEraUserStatus(_ context.Context, eraNumber int, address string) (*era.UserStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.userStatuses[eraKey{eraNumber, address}]
	if !ok {
		return nil, nil
	}
	return &status, nil
}

func (s *MemoryStore) InsertCmAward(_ context.Context, award CmAward) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.awards[award.ProposalID]; ok {
		return false, nil
	}
	award.AwardedAt = s.now()
	s.awards[award.ProposalID] = award
	return true, nil
}

func (s *MemoryStore) GetCmAward(_ context.Context, proposalID string) (*CmAward, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	award, ok := s.awards[proposalID]
	if !ok {
		return nil, nil
	}
	return &award, nil
}

func (s *MemoryStore) SumACM(_ context.Context, proposer string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, award := range s.awards {
		if award.ProposerAddress == proposer {
			total += award.MCMPoints
		}
	}
	return total, nil
}

func (s *MemoryStore) CmTotalsByChamber(_ context.Context, proposer string) ([]CmChamberTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byChamber := map[string]*CmChamberTotals{}
	for _, award := range s.awards {
		if proposer != "" && award.ProposerAddress != proposer {
			continue
		}
		totals, ok := byChamber[award.ChamberID]
		if !ok {
			totals = &CmChamberTotals{ChamberID: award.ChamberID}
			byChamber[award.ChamberID] = totals
		}
		totals.Awards++
		totals.LCM += award.LCMPoints
		totals.MCM += award.MCMPoints
	}
	result := make([]CmChamberTotals, 0, len(byChamber))
	for _, totals := range byChamber {
		result = append(result, *totals)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ChamberID < result[j].ChamberID })
	return result, nil
}

func (s *MemoryStore) SeedFormationProject(_ context.Context, project FormationProject) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[project.ProposalID]; ok {
		return false, nil
	}
	now := s.now()
	project.TeamFilled = 0
	project.MilestonesCompleted = 0
	project.CreatedAt = now
	project.UpdatedAt = now
	s.projects[project.ProposalID] = project
	for index := 1; index <= project.MilestonesTotal; index++ {
		s.milestones[milestoneKey{project.ProposalID, index}] = FormationMilestone{
			ProposalID: project.ProposalID,
			Index:      index,
			Status:     MilestonePending,
		}
	}
	return true, nil
}

func (s *MemoryStore) GetFormationProject(_ context.Context, proposalID string) (FormationProject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, ok := s.projects[proposalID]
	if !ok {
		return FormationProject{}, sql.ErrNoRows
	}
	return project, nil
}

func (s *MemoryStore) IsFormationMember(_ context.Context, proposalID, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[voteKey{proposalID, address}]
	return ok, nil
}

func (s *MemoryStore) JoinFormationProject(_ context.Context, member FormationMember) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, ok := s.projects[member.ProposalID]
	if !ok {
		return false, sql.ErrNoRows
	}
	key := voteKey{member.ProposalID, member.MemberAddress}
	if _, exists := s.members[key]; exists {
		return false, nil
	}
	if project.TeamFilled >= project.TeamSlotsTotal {
		return false, ErrTeamFull
	}
	member.JoinedAt = s.now()
	s.members[key] = member
	project.TeamFilled++
	project.UpdatedAt = member.JoinedAt
	s.projects[member.ProposalID] = project
	return true, nil
}

func (s *MemoryStore) ListFormationMembers(_ context.Context, proposalID string) ([]FormationMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var members []FormationMember
	for key, member := range s.members {
		if key.subject == proposalID {
			members = append(members, member)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].MemberAddress < members[j].MemberAddress
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members, nil
}

func (s *MemoryStore) GetFormationMilestone(_ context.Context, proposalID string, index int) (FormationMilestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	milestone, ok := s.milestones[milestoneKey{proposalID, index}]
	if !ok {
		return FormationMilestone{}, sql.ErrNoRows
	}
	return milestone, nil
}

func (s *MemoryStore) ListFormationMilestones(_ context.Context, proposalID string) ([]FormationMilestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var milestones []FormationMilestone
	for key, milestone := range s.milestones {
		if key.proposalID == proposalID {
			milestones = append(milestones, milestone)
		}
	}
	sort.Slice(milestones, func(i, j int) bool { return milestones[i].Index < milestones[j].Index })
	return milestones, nil
}

func (s *MemoryStore) SubmitFormationMilestone(_ context.Context, proposalID string, index int, submittedBy, note string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := milestoneKey{proposalID, index}
	milestone, ok := s.milestones[key]
	if !ok || milestone.Status != MilestonePending {
		return false, nil
	}
	now := s.now()
	milestone.Status = MilestoneSubmitted
	milestone.SubmittedBy = submittedBy
	milestone.Note = note
	milestone.SubmittedAt = &now
	s.milestones[key] = milestone
	return true, nil
}

func (s *MemoryStore) UnlockFormationMilestone(_ context.Context, proposalID string, index int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := milestoneKey{proposalID, index}
	milestone, ok := s.milestones[key]
	if !ok || milestone.Status != MilestoneSubmitted {
		return false, nil
	}
	now := s.now()
	milestone.Status = MilestoneUnlocked
	milestone.UnlockedAt = &now
	s.milestones[key] = milestone

	project := s.projects[proposalID]
	if project.MilestonesCompleted < project.MilestonesTotal {
		project.MilestonesCompleted++
	}
	project.UpdatedAt = now
	s.projects[proposalID] = project
	return true, nil
}

func (s *MemoryStore) CreateCourtCase(_ context.Context, courtCase CourtCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[courtCase.ID]; ok {
		return errDuplicate("court case", courtCase.ID)
	}
	now := s.now()
	if courtCase.Status == "" {
		courtCase.Status = CaseOpen
	}
	courtCase.CreatedAt = now
	courtCase.UpdatedAt = now
	s.cases[courtCase.ID] = courtCase
	return nil
}

func (s *MemoryStore) GetCourtCase(_ context.Context, id string) (CourtCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	courtCase, ok := s.cases[id]
	if !ok {
		return CourtCase{}, sql.ErrNoRows
	}
	return courtCase, nil
}

func (s *MemoryStore) HasCourtReport(_ context.Context, caseID, reporter string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.reports[voteKey{caseID, reporter}]
	return ok, nil
}

func (s *MemoryStore) InsertCourtReport(_ context.Context, caseID, reporter string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[caseID]; !ok {
		return false, sql.ErrNoRows
	}
	key := voteKey{caseID, reporter}
	if _, ok := s.reports[key]; ok {
		return false, nil
	}
	s.reports[key] = s.now()
	return true, nil
}

func (s *MemoryStore) CountCourtReports(_ context.Context, caseID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for key := range s.reports {
		if key.subject == caseID {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) TransitionCourtCase(_ context.Context, id, from, to, decision string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	courtCase, ok := s.cases[id]
	if !ok || courtCase.Status != from {
		return false, nil
	}
	courtCase.Status = to
	if decision != "" {
		courtCase.Decision = decision
	}
	courtCase.UpdatedAt = s.now()
	s.cases[id] = courtCase
	return true, nil
}

func (s *MemoryStore) HasCourtVerdict(_ context.Context, caseID, voter string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.verdicts[voteKey{caseID, voter}]
	return ok, nil
}

func (s *MemoryStore) UpsertCourtVerdict(_ context.Context, caseID, voter, verdict string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[caseID]; !ok {
		return false, sql.ErrNoRows
	}
	key := voteKey{caseID, voter}
	_, existed := s.verdicts[key]
	s.verdicts[key] = verdict
	return !existed, nil
}

func (s *MemoryStore) CourtVerdictTally(_ context.Context, caseID string) (VerdictTally, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tally VerdictTally
	for key, verdict := range s.verdicts {
		if key.subject != caseID {
			continue
		}
		switch verdict {
		case VerdictGuilty:
			tally.Guilty++
		case VerdictNotGuilty:
			tally.NotGuilty++
		}
	}
	return tally, nil
}

func (s *MemoryStore) GetIdempotency(_ context.Context, key string) (*IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.idempotency[key]
	if !ok {
		return nil, nil
	}
	record.Response = append([]byte(nil), record.Response...)
	return &record, nil
}

func (s *MemoryStore) SaveIdempotency(_ context.Context, record IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.idempotency[record.Key]; ok {
		return nil
	}
	record.Response = append([]byte(nil), record.Response...)
	record.CreatedAt = s.now()
	s.idempotency[record.Key] = record
	return nil
}

func (s *MemoryStore) GetEligibility(_ context.Context, address string) (*EligibilityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.eligibility[address]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (s *MemoryStore) SaveEligibility(_ context.Context, record EligibilityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eligibility[record.Address] = record
	return nil
}

func (s *MemoryStore) GetAdminState(context.Context) (AdminState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admin, nil
}

func (s *MemoryStore) SetWritesFrozen(_ context.Context, frozen bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admin = AdminState{WritesFrozen: frozen, UpdatedAt: s.now()}
	return nil
}

func (s *MemoryStore) GetActionLock(_ context.Context, address string) (*ActionLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[address]
	if !ok {
		return nil, nil
	}
	return &lock, nil
}

func (s *MemoryStore) SetActionLock(_ context.Context, lock ActionLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock.CreatedAt = s.now()
	s.locks[lock.Address] = lock
	return nil
}

func (s *MemoryStore) ClearActionLock(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, address)
	return nil
}
