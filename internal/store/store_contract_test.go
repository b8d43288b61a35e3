package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vortex/api/internal/era"
)

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestPostgresStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewPostgresStore(openTestPostgres(t))
	})
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	cases := []struct {
		name string
		run  func(t *testing.T, s Store)
	}{
		{"pool votes overwrite per voter", testPoolVoteOverwrite},
		{"chamber votes aggregate scores", testChamberVoteScores},
		{"stage transition is compare and set", testStageTransition},
		{"concurrent transitions have one winner", testConcurrentTransition},
		{"era activity accumulates", testEraActivity},
		{"era rollup is write once", testEraRollupWriteOnce},
		{"cm award is write once", testCmAwardOnce},
		{"formation team capacity", testFormationCapacity},
		{"formation milestones move forward", testFormationMilestones},
		{"court reports and verdicts", testCourtLedgers},
		{"idempotency keeps first record", testIdempotencyFirstWins},
		{"clock advances by compare and set", testClockAdvance},
		{"admin controls", testAdminControls},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			tc.run(t, s)
		})
	}
}

func seedProposal(t *testing.T, s Store, id, stage string) Proposal {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.EnsureChambers(ctx, []Chamber{{ID: "general", Title: "General", MultiplierTimes10: 12}}))
	proposal := Proposal{
		ID:            id,
		Stage:         stage,
		AuthorAddress: "hmAuthor",
		ChamberID:     "general",
		Title:         "Fund the relay",
		Payload:       ProposalPayload{TeamSlots: 3, Milestones: 2},
	}
	require.NoError(t, s.CreateProposal(ctx, proposal))
	return proposal
}

func testPoolVoteOverwrite(t *testing.T, s Store) {
	ctx := context.Background()
	seedProposal(t, s, "prop-pool", StagePool)

	created, err := s.UpsertPoolVote(ctx, "prop-pool", "hmA", 1)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.UpsertPoolVote(ctx, "prop-pool", "hmA", -1)
	require.NoError(t, err)
	assert.False(t, created)

	counts, err := s.PoolVoteCounts(ctx, "prop-pool")
	require.NoError(t, err)
	assert.Equal(t, PoolCounts{Upvotes: 0, Downvotes: 1}, counts)

	has, err := s.HasPoolVote(ctx, "prop-pool", "hmA")
	require.NoError(t, err)
	assert.True(t, has)

	err = s.CreateProposal(ctx, Proposal{ID: "prop-pool", Stage: StagePool, AuthorAddress: "x", ChamberID: "general", Title: "dup"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func testChamberVoteScores(t *testing.T, s Store) {
	ctx := context.Background()
	seedProposal(t, s, "prop-ch", StageVote)
	eight, nine := 8, 9

	_, err := s.UpsertChamberVote(ctx, ChamberVote{ProposalID: "prop-ch", VoterAddress: "hmA", Choice: ChoiceYes, Score: &eight})
	require.NoError(t, err)
	_, err = s.UpsertChamberVote(ctx, ChamberVote{ProposalID: "prop-ch", VoterAddress: "hmB", Choice: ChoiceYes, Score: &nine})
	require.NoError(t, err)
	_, err = s.UpsertChamberVote(ctx, ChamberVote{ProposalID: "prop-ch", VoterAddress: "hmC", Choice: ChoiceYes})
	require.NoError(t, err)
	_, err = s.UpsertChamberVote(ctx, ChamberVote{ProposalID: "prop-ch", VoterAddress: "hmD", Choice: ChoiceAbstain})
	require.NoError(t, err)

	_, err = s.UpsertChamberVote(ctx, ChamberVote{ProposalID: "prop-ch", VoterAddress: "hmE", Choice: ChoiceNo, Score: &eight})
	assert.ErrorIs(t, err, ErrScoreWithoutYes)

	created, err := s.UpsertChamberVote(ctx, ChamberVote{ProposalID: "prop-ch", VoterAddress: "hmB", Choice: ChoiceNo})
	require.NoError(t, err)
	assert.False(t, created)

	counts, err := s.ChamberVoteCounts(ctx, "prop-ch")
	require.NoError(t, err)
	assert.Equal(t, ChamberCounts{Yes: 2, No: 1, Abstain: 1, ScoreSum: 8, ScoreCount: 1}, counts)
}

func testStageTransition(t *testing.T, s Store) {
	ctx := context.Background()
	seedProposal(t, s, "prop-st", StagePool)

	ok, err := s.TransitionProposalStage(ctx, "prop-st", StagePool, StageVote)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionProposalStage(ctx, "prop-st", StagePool, StageVote)
	require.NoError(t, err)
	assert.False(t, ok)

	proposal, err := s.GetProposal(ctx, "prop-st")
	require.NoError(t, err)
	assert.Equal(t, StageVote, proposal.Stage)
	assert.True(t, proposal.Payload.FormationEnabled())

	_, err = s.GetProposal(ctx, "missing")
	assert.True(t, errors.Is(err, sql.ErrNoRows))

	votes, err := s.ListProposals(ctx, StageVote)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	pool, err := s.ListProposals(ctx, StagePool)
	require.NoError(t, err)
	assert.Empty(t, pool)
}

func testConcurrentTransition(t *testing.T, s Store) {
	ctx := context.Background()
	seedProposal(t, s, "prop-race", StagePool)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TransitionProposalStage(ctx, "prop-race", StagePool, StageVote)
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func testEraActivity(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.IncrementEraActivity(ctx, 1, "hmA", era.Delta(era.KindPoolVotes)))
	require.NoError(t, s.IncrementEraActivity(ctx, 1, "hmA", era.Delta(era.KindPoolVotes)))
	require.NoError(t, s.IncrementEraActivity(ctx, 1, "hmA", era.Delta(era.KindCourtActions)))
	require.NoError(t, s.IncrementEraActivity(ctx, 2, "hmA", era.Delta(era.KindChamberVotes)))

	counters, err := s.GetEraActivity(ctx, 1, "hmA")
	require.NoError(t, err)
	assert.Equal(t, era.Counters{PoolVotes: 2, CourtActions: 1}, counters)

	empty, err := s.GetEraActivity(ctx, 1, "hmNobody")
	require.NoError(t, err)
	assert.Equal(t, era.Counters{}, empty)

	entries, err := s.ListEraActivity(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].ChamberVotes)

	snapshot, err := s.GetEraSnapshot(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, snapshot)

	require.NoError(t, s.EnsureEraSnapshot(ctx, 1, 150))
	require.NoError(t, s.EnsureEraSnapshot(ctx, 1, 9))
	snapshot, err = s.GetEraSnapshot(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, 150, snapshot.ActiveGovernors)

	require.NoError(t, s.SetEraSnapshot(ctx, 1, 9))
	snapshot, err = s.GetEraSnapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 9, snapshot.ActiveGovernors)
}

func testEraRollupWriteOnce(t *testing.T, s Store) {
	ctx := context.Background()
	rolledAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	first := era.Rollup{Era: 4, Requirements: era.Counters{PoolVotes: 1}, RequiredTotal: 1, ActiveGovernorsNextEra: 1, RolledAt: rolledAt}

	inserted, err := s.InsertEraRollup(ctx, first, []era.UserStatus{{Address: "hmA", Status: era.StatusStable, CompletedTotal: 1, IsActiveNextEra: true}})
	require.NoError(t, err)
	assert.True(t, inserted)

	second := first
	second.ActiveGovernorsNextEra = 42
	inserted, err = s.InsertEraRollup(ctx, second, []era.UserStatus{{Address: "hmB", Status: era.StatusAhead}})
	require.NoError(t, err)
	assert.False(t, inserted)

	stored, err := s.GetEraRollup(ctx, 4)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 1, stored.ActiveGovernorsNextEra)
	assert.True(t, stored.RolledAt.Equal(rolledAt))

	statuses, err := s.ListEraUserStatuses(ctx, 4)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "hmA", statuses[0].Address)

	status, err := s.GetEraUserStatus(ctx, 4, "hmB")
	require.NoError(t, err)
	assert.Nil(t, status)
}

func testCmAwardOnce(t *testing.T, s Store) {
	ctx := context.Background()
	seedProposal(t, s, "prop-cm", StageVote)
	award := CmAward{ProposalID: "prop-cm", ProposerAddress: "hmAuthor", ChamberID: "general", AvgScore: 8, LCMPoints: 80, ChamberMultiplierTimes10: 12, MCMPoints: 96}

	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.InsertCmAward(ctx, award)
			if err == nil && ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, inserted)

	acm, err := s.SumACM(ctx, "hmAuthor")
	require.NoError(t, err)
	assert.Equal(t, 96, acm)

	totals, err := s.CmTotalsByChamber(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []CmChamberTotals{{ChamberID: "general", Awards: 1, LCM: 80, MCM: 96}}, totals)

	none, err := s.CmTotalsByChamber(ctx, "hmSomeoneElse")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testFormationCapacity(t *testing.T, s Store) {
	ctx := context.Background()
	seedProposal(t, s, "prop-team", StageBuild)
	seeded, err := s.SeedFormationProject(ctx, FormationProject{ProposalID: "prop-team", TeamSlotsTotal: 3, MilestonesTotal: 2})
	require.NoError(t, err)
	assert.True(t, seeded)
	seeded, err = s.SeedFormationProject(ctx, FormationProject{ProposalID: "prop-team", TeamSlotsTotal: 9, MilestonesTotal: 9})
	require.NoError(t, err)
	assert.False(t, seeded)

	for _, address := range []string{"hmA", "hmB", "hmC"} {
		joined, err := s.JoinFormationProject(ctx, FormationMember{ProposalID: "prop-team", MemberAddress: address})
		require.NoError(t, err)
		assert.True(t, joined)
	}
	joined, err := s.JoinFormationProject(ctx, FormationMember{ProposalID: "prop-team", MemberAddress: "hmA"})
	require.NoError(t, err)
	assert.False(t, joined)

	_, err = s.JoinFormationProject(ctx, FormationMember{ProposalID: "prop-team", MemberAddress: "hmD"})
	assert.ErrorIs(t, err, ErrTeamFull)

	project, err := s.GetFormationProject(ctx, "prop-team")
	require.NoError(t, err)
	assert.Equal(t, 3, project.TeamFilled)
	assert.Equal(t, 2, project.MilestonesTotal)

	members, err := s.ListFormationMembers(ctx, "prop-team")
	require.NoError(t, err)
	assert.Len(t, members, 3)
}

func testFormationMilestones(t *testing.T, s Store) {
	ctx := context.Background()
	seedProposal(t, s, "prop-ms", StageBuild)
	_, err := s.SeedFormationProject(ctx, FormationProject{ProposalID: "prop-ms", TeamSlotsTotal: 1, MilestonesTotal: 2})
	require.NoError(t, err)

	milestones, err := s.ListFormationMilestones(ctx, "prop-ms")
	require.NoError(t, err)
	require.Len(t, milestones, 2)
	assert.Equal(t, MilestonePending, milestones[0].Status)

	unlocked, err := s.UnlockFormationMilestone(ctx, "prop-ms", 1)
	require.NoError(t, err)
	assert.False(t, unlocked, "pending milestones cannot unlock")

	submitted, err := s.SubmitFormationMilestone(ctx, "prop-ms", 1, "hmA", "shipped")
	require.NoError(t, err)
	assert.True(t, submitted)
	submitted, err = s.SubmitFormationMilestone(ctx, "prop-ms", 1, "hmA", "again")
	require.NoError(t, err)
	assert.False(t, submitted)

	unlocked, err = s.UnlockFormationMilestone(ctx, "prop-ms", 1)
	require.NoError(t, err)
	assert.True(t, unlocked)
	unlocked, err = s.UnlockFormationMilestone(ctx, "prop-ms", 1)
	require.NoError(t, err)
	assert.False(t, unlocked)

	milestone, err := s.GetFormationMilestone(ctx, "prop-ms", 1)
	require.NoError(t, err)
	assert.Equal(t, MilestoneUnlocked, milestone.Status)
	assert.Equal(t, "shipped", milestone.Note)
	assert.NotNil(t, milestone.UnlockedAt)

	project, err := s.GetFormationProject(ctx, "prop-ms")
	require.NoError(t, err)
	assert.Equal(t, 1, project.MilestonesCompleted)

	_, err = s.GetFormationMilestone(ctx, "prop-ms", 3)
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func testCourtLedgers(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateCourtCase(ctx, CourtCase{ID: "case-1", Title: "Spam", BaseReports: 2}))

	created, err := s.InsertCourtReport(ctx, "case-1", "hmA")
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.InsertCourtReport(ctx, "case-1", "hmA")
	require.NoError(t, err)
	assert.False(t, created)

	count, err := s.CountCourtReports(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	ok, err := s.TransitionCourtCase(ctx, "case-1", CaseOpen, CaseLive, "")
	require.NoError(t, err)
	assert.True(t, ok)

	created, err = s.UpsertCourtVerdict(ctx, "case-1", "hmA", VerdictGuilty)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.UpsertCourtVerdict(ctx, "case-1", "hmA", VerdictNotGuilty)
	require.NoError(t, err)
	assert.False(t, created)
	_, err = s.UpsertCourtVerdict(ctx, "case-1", "hmB", VerdictNotGuilty)
	require.NoError(t, err)

	tally, err := s.CourtVerdictTally(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, VerdictTally{Guilty: 0, NotGuilty: 2}, tally)

	ok, err = s.TransitionCourtCase(ctx, "case-1", CaseLive, CaseResolved, VerdictNotGuilty)
	require.NoError(t, err)
	assert.True(t, ok)

	courtCase, err := s.GetCourtCase(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, CaseResolved, courtCase.Status)
	assert.Equal(t, VerdictNotGuilty, courtCase.Decision)
	assert.Equal(t, 2, courtCase.BaseReports)
}

func testIdempotencyFirstWins(t *testing.T, s Store) {
	ctx := context.Background()
	record, err := s.GetIdempotency(ctx, "key-00000001")
	require.NoError(t, err)
	assert.Nil(t, record)

	require.NoError(t, s.SaveIdempotency(ctx, IdempotencyRecord{Key: "key-00000001", Address: "hmA", CommandType: "pool.vote", Fingerprint: "f1", Response: []byte(`{"ok":true}`)}))
	require.NoError(t, s.SaveIdempotency(ctx, IdempotencyRecord{Key: "key-00000001", Address: "hmB", CommandType: "pool.vote", Fingerprint: "f2", Response: []byte(`{"ok":false}`)}))

	record, err = s.GetIdempotency(ctx, "key-00000001")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "hmA", record.Address)
	assert.Equal(t, "f1", record.Fingerprint)
	assert.JSONEq(t, `{"ok":true}`, string(record.Response))
}

func testClockAdvance(t *testing.T, s Store) {
	ctx := context.Background()
	clock, err := s.GetClock(ctx)
	require.NoError(t, err)
	start := clock.CurrentEra

	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	next, advanced, err := s.AdvanceEra(ctx, start, at)
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, start+1, next.CurrentEra)

	again, advanced, err := s.AdvanceEra(ctx, start, at)
	require.NoError(t, err)
	assert.False(t, advanced)
	assert.Equal(t, start+1, again.CurrentEra)
}

func testAdminControls(t *testing.T, s Store) {
	ctx := context.Background()
	state, err := s.GetAdminState(ctx)
	require.NoError(t, err)
	assert.False(t, state.WritesFrozen)

	require.NoError(t, s.SetWritesFrozen(ctx, true))
	state, err = s.GetAdminState(ctx)
	require.NoError(t, err)
	assert.True(t, state.WritesFrozen)

	until := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, s.SetActionLock(ctx, ActionLock{Address: "hmA", LockedUntil: until, Reason: "abuse"}))
	lock, err := s.GetActionLock(ctx, "hmA")
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.True(t, lock.LockedUntil.Equal(until))

	require.NoError(t, s.ClearActionLock(ctx, "hmA"))
	lock, err = s.GetActionLock(ctx, "hmA")
	require.NoError(t, err)
	assert.Nil(t, lock)

	record := EligibilityRecord{Address: "hmA", Eligible: true, CheckedAt: until, ExpiresAt: until.Add(10 * time.Minute)}
	require.NoError(t, s.SaveEligibility(ctx, record))
	cached, err := s.GetEligibility(ctx, "hmA")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.True(t, cached.Eligible)
}
