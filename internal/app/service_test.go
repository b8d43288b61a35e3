package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"vortex/api/internal/config"
	"vortex/api/internal/era"
	"vortex/api/internal/readmodel"
	"vortex/api/internal/store"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Storage = config.StorageMemory
	cfg.DevLogin = true
	cfg.Gate.Bypass = true
	cfg.RateLimit.PerIP = 0
	cfg.RateLimit.PerAddress = 0
	cfg.Era.FallbackActiveGovernors = 10
	return cfg
}

func newTestService(t *testing.T, mutate func(*config.Config)) (*Service, *store.MemoryStore) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	memStore := store.NewMemoryStore()
	svc := New(cfg, memStore, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return svc, memStore
}

func governor(i int) string {
	return fmt.Sprintf("0x%040x", i)
}

func runCommand(t *testing.T, svc *Service, address, commandType string, payload any, key string) (map[string]any, error) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	response, err := svc.ExecuteCommand(context.Background(), CommandContext{Address: address, Role: "governor"}, Command{
		Type:           commandType,
		Payload:        raw,
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, err
	}
	var decoded map[string]any
	if err := json.Unmarshal(response, &decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return decoded, nil
}

func mustRun(t *testing.T, svc *Service, address, commandType string, payload any) map[string]any {
	t.Helper()
	response, err := runCommand(t, svc, address, commandType, payload, "")
	if err != nil {
		t.Fatalf("%s by %s: %v", commandType, address, err)
	}
	return response
}

func expectCode(t *testing.T, err error, code string) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected domain error %s, got %v", code, err)
	}
	if domainErr.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, domainErr.Code, domainErr.Message)
	}
	return domainErr
}

func seedProposal(t *testing.T, memStore *store.MemoryStore, id, stage string, payload store.ProposalPayload) {
	t.Helper()
	now := time.Now().UTC()
	err := memStore.CreateProposal(context.Background(), store.Proposal{
		ID:            id,
		Stage:         stage,
		AuthorAddress: governor(0),
		ChamberID:     "general",
		Title:         "Proposal " + id,
		Payload:       payload,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		t.Fatalf("seed proposal: %v", err)
	}
}

func seedBuildProposal(t *testing.T, memStore *store.MemoryStore, id string, slots, milestones int) {
	t.Helper()
	seedProposal(t, memStore, id, store.StageBuild, store.ProposalPayload{TeamSlots: slots, Milestones: milestones})
	_, err := memStore.SeedFormationProject(context.Background(), store.FormationProject{
		ProposalID:      id,
		TeamSlotsTotal:  slots,
		MilestonesTotal: milestones,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed formation: %v", err)
	}
}

func intPtr(v int) *int { return &v }

func TestProposalCreateStartsInPool(t *testing.T) {
	svc, _ := newTestService(t, nil)

	response := mustRun(t, svc, governor(1), "proposal.create", map[string]any{"title": "Fund the bridge"})
	if response["stage"] != store.StagePool {
		t.Fatalf("expected pool stage, got %v", response["stage"])
	}
	if response["chamberId"] != "general" {
		t.Fatalf("expected default chamber general, got %v", response["chamberId"])
	}

	view, err := svc.GetProposal(context.Background(), response["proposalId"].(string))
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if view.Author != governor(1) {
		t.Fatalf("expected author %s, got %s", governor(1), view.Author)
	}
}

func TestProposalCreateRejectsUnknownChamber(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := runCommand(t, svc, governor(1), "proposal.create", map[string]any{"title": "x", "chamberId": "nowhere"}, "")
	expectCode(t, err, codeChamberNotFound)
}

func TestUnknownCommandIsInvalid(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := runCommand(t, svc, governor(1), "pool.shout", map[string]any{}, "")
	expectCode(t, err, codeInvalidCommand)
}

func TestPoolScenarioAdvancesToVote(t *testing.T) {
	svc, memStore := newTestService(t, func(cfg *config.Config) {
		cfg.Era.FallbackActiveGovernors = 100
	})
	seedProposal(t, memStore, "prop-pool", store.StagePool, store.ProposalPayload{})

	var last map[string]any
	for i := 1; i <= 20; i++ {
		proposal, err := memStore.GetProposal(context.Background(), "prop-pool")
		if err != nil {
			t.Fatalf("get proposal: %v", err)
		}
		if proposal.Stage != store.StagePool {
			t.Fatalf("advanced early after %d upvotes", i-1)
		}
		last = mustRun(t, svc, governor(i), "pool.vote", map[string]any{"proposalId": "prop-pool", "direction": "up"})
	}
	if last["advanced"] != true {
		t.Fatalf("expected final vote to advance, got %v", last)
	}
	proposal, err := memStore.GetProposal(context.Background(), "prop-pool")
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if proposal.Stage != store.StageVote {
		t.Fatalf("expected vote stage, got %s", proposal.Stage)
	}

	for i := 1; i <= 2; i++ {
		_, err = runCommand(t, svc, governor(100+i), "pool.vote", map[string]any{"proposalId": "prop-pool", "direction": "down"}, "")
		expectCode(t, err, codeStageMismatch)
	}
}

func TestPoolVoteChangeCountsOnce(t *testing.T) {
	svc, memStore := newTestService(t, func(cfg *config.Config) {
		cfg.Era.FallbackActiveGovernors = 100
	})
	seedProposal(t, memStore, "prop-flip", store.StagePool, store.ProposalPayload{})

	mustRun(t, svc, governor(1), "pool.vote", map[string]any{"proposalId": "prop-flip", "direction": "up"})
	response := mustRun(t, svc, governor(1), "pool.vote", map[string]any{"proposalId": "prop-flip", "direction": "down"})

	counts := response["counts"].(map[string]any)
	if counts["upvotes"] != float64(0) || counts["downvotes"] != float64(1) {
		t.Fatalf("expected up=0 down=1, got %v", counts)
	}
	activity, err := memStore.GetEraActivity(context.Background(), 0, governor(1))
	if err != nil {
		t.Fatalf("get activity: %v", err)
	}
	if activity.PoolVotes != 1 {
		t.Fatalf("expected one counted pool vote, got %d", activity.PoolVotes)
	}
}

func TestIdempotentReplayReturnsStoredResponse(t *testing.T) {
	svc, memStore := newTestService(t, func(cfg *config.Config) {
		cfg.Era.FallbackActiveGovernors = 100
	})
	seedProposal(t, memStore, "prop-idem", store.StagePool, store.ProposalPayload{})
	payload, _ := json.Marshal(map[string]any{"proposalId": "prop-idem", "direction": "up"})
	caller := CommandContext{Address: governor(1), Role: "governor", HeaderKey: "vote-key-0001"}
	cmd := Command{Type: "pool.vote", Payload: payload}

	first, err := svc.ExecuteCommand(context.Background(), caller, cmd)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	second, err := svc.ExecuteCommand(context.Background(), caller, cmd)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("expected identical replay\nfirst=%s\nsecond=%s", first, second)
	}
	activity, err := memStore.GetEraActivity(context.Background(), 0, governor(1))
	if err != nil {
		t.Fatalf("get activity: %v", err)
	}
	if activity.PoolVotes != 1 {
		t.Fatalf("expected a single side effect, got %d pool votes", activity.PoolVotes)
	}

	downPayload, _ := json.Marshal(map[string]any{"proposalId": "prop-idem", "direction": "down"})
	_, err = svc.ExecuteCommand(context.Background(), caller, Command{Type: "pool.vote", Payload: downPayload})
	expectCode(t, err, codeIdempotencyConflict)

	_, err = svc.ExecuteCommand(context.Background(), CommandContext{Address: governor(2), Role: "governor", HeaderKey: "vote-key-0001"}, cmd)
	expectCode(t, err, codeIdempotencyConflict)

	counts, err := memStore.PoolVoteCounts(context.Background(), "prop-idem")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Upvotes != 1 || counts.Downvotes != 0 {
		t.Fatalf("expected first effect intact, got %+v", counts)
	}
}

func TestShortIdempotencyKeyRejected(t *testing.T) {
	svc, memStore := newTestService(t, nil)
	seedProposal(t, memStore, "prop-short", store.StagePool, store.ProposalPayload{})

	_, err := runCommand(t, svc, governor(1), "pool.vote", map[string]any{"proposalId": "prop-short", "direction": "up"}, "abc")
	expectCode(t, err, codeInvalidCommand)
}

func TestConcurrentIdempotentCommandsRunOnce(t *testing.T) {
	svc, memStore := newTestService(t, func(cfg *config.Config) {
		cfg.Era.FallbackActiveGovernors = 100
	})
	seedProposal(t, memStore, "prop-race", store.StagePool, store.ProposalPayload{})
	payload, _ := json.Marshal(map[string]any{"proposalId": "prop-race", "direction": "up"})

	var wg sync.WaitGroup
	responses := make([]string, 8)
	errs := make([]error, 8)
	for i := range responses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := svc.ExecuteCommand(context.Background(), CommandContext{Address: governor(1), Role: "governor"}, Command{
				Type:           "pool.vote",
				Payload:        payload,
				IdempotencyKey: "race-key-0001",
			})
			responses[i], errs[i] = string(raw), err
		}(i)
	}
	wg.Wait()

	for i := range responses {
		if errs[i] != nil {
			t.Fatalf("execute %d: %v", i, errs[i])
		}
		if responses[i] != responses[0] {
			t.Fatalf("expected identical responses, got %s and %s", responses[0], responses[i])
		}
	}
	activity, err := memStore.GetEraActivity(context.Background(), 0, governor(1))
	if err != nil {
		t.Fatalf("get activity: %v", err)
	}
	if activity.PoolVotes != 1 {
		t.Fatalf("expected one pool vote, got %d", activity.PoolVotes)
	}
}

func TestConcurrentPoolVotesTransitionOnce(t *testing.T) {
	svc, memStore := newTestService(t, func(cfg *config.Config) {
		cfg.Era.FallbackActiveGovernors = 10
	})
	seedProposal(t, memStore, "prop-once", store.StagePool, store.ProposalPayload{})

	const voters = 12
	var wg sync.WaitGroup
	advanced := make([]bool, voters)
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			response, err := runCommand(t, svc, governor(i+1), "pool.vote", map[string]any{"proposalId": "prop-once", "direction": "up"}, "")
			if err != nil {
				return
			}
			advanced[i] = response["advanced"] == true
		}(i)
	}
	wg.Wait()

	transitions := 0
	for _, moved := range advanced {
		if moved {
			transitions++
		}
	}
	if transitions != 1 {
		t.Fatalf("expected exactly one transition, got %d", transitions)
	}
}

func TestChamberScenarioAwardsCmAndStartsFormation(t *testing.T) {
	svc, memStore := newTestService(t, func(cfg *config.Config) {
		cfg.Era.FallbackActiveGovernors = 10
	})
	seedProposal(t, memStore, "prop-chamber", store.StageVote, store.ProposalPayload{TeamSlots: 3, Milestones: 2})

	for i, score := range []int{8, 9, 10} {
		response := mustRun(t, svc, governor(i+1), "chamber.vote", map[string]any{"proposalId": "prop-chamber", "choice": "yes", "score": score})
		if response["advanced"] != false {
			t.Fatalf("advanced before quorum at vote %d", i+1)
		}
	}
	response := mustRun(t, svc, governor(4), "chamber.vote", map[string]any{"proposalId": "prop-chamber", "choice": "no"})
	if response["advanced"] != true {
		t.Fatalf("expected 3/1/0 to advance, got %v", response)
	}
	award, ok := response["cmAward"].(map[string]any)
	if !ok {
		t.Fatalf("expected cm award in response, got %v", response)
	}
	if award["lcm"] != float64(90) || award["mcm"] != float64(108) {
		t.Fatalf("expected lcm 90 mcm 108, got %v", award)
	}

	page, err := svc.FormationPage(context.Background(), "prop-chamber")
	if err != nil {
		t.Fatalf("formation page: %v", err)
	}
	if page.TeamSlotsTotal != 3 || len(page.Milestones) != 2 {
		t.Fatalf("unexpected formation seed %+v", page)
	}

	summary, err := svc.CmSummary(context.Background(), governor(0))
	if err != nil {
		t.Fatalf("cm summary: %v", err)
	}
	if summary.ACM != 108 {
		t.Fatalf("expected acm 108, got %d", summary.ACM)
	}
}

func TestChamberVoteScoreRequiresYes(t *testing.T) {
	svc, memStore := newTestService(t, nil)
	seedProposal(t, memStore, "prop-score", store.StageVote, store.ProposalPayload{})

	_, err := runCommand(t, svc, governor(1), "chamber.vote", map[string]any{"proposalId": "prop-score", "choice": "no", "score": 5}, "")
	expectCode(t, err, codeScoreRequiresYes)
	_, err = runCommand(t, svc, governor(1), "chamber.vote", map[string]any{"proposalId": "prop-score", "choice": "yes", "score": 11}, "")
	expectCode(t, err, codeInvalidCommand)
}

func TestNonFormationProposalStaysInVote(t *testing.T) {
	svc, memStore := newTestService(t, func(cfg *config.Config) {
		cfg.Era.FallbackActiveGovernors = 3
	})
	eligible := false
	seedProposal(t, memStore, "prop-noform", store.StageVote, store.ProposalPayload{FormationEligible: &eligible})

	response := mustRun(t, svc, governor(1), "chamber.vote", map[string]any{"proposalId": "prop-noform", "choice": "yes", "score": 6})
	if response["advanced"] != false {
		t.Fatalf("expected no build transition, got %v", response)
	}
	if _, ok := response["cmAward"]; !ok {
		t.Fatalf("expected cm award for a passing proposal")
	}
	proposal, err := memStore.GetProposal(context.Background(), "prop-noform")
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if proposal.Stage != store.StageVote {
		t.Fatalf("expected vote stage, got %s", proposal.Stage)
	}
}

func TestCmAwardedOnceUnderConcurrency(t *testing.T) {
	svc, memStore := newTestService(t, func(cfg *config.Config) {
		cfg.Era.FallbackActiveGovernors = 3
	})
	eligible := false
	seedProposal(t, memStore, "prop-award", store.StageVote, store.ProposalPayload{FormationEligible: &eligible})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = runCommand(t, svc, governor(i+1), "chamber.vote", map[string]any{"proposalId": "prop-award", "choice": "yes", "score": 7}, "")
		}(i)
	}
	wg.Wait()

	totals, err := memStore.CmTotalsByChamber(context.Background(), governor(0))
	if err != nil {
		t.Fatalf("cm totals: %v", err)
	}
	if len(totals) != 1 || totals[0].Awards != 1 {
		t.Fatalf("expected exactly one award, got %+v", totals)
	}
}

func TestFormationJoinTeamFull(t *testing.T) {
	svc, memStore := newTestService(t, nil)
	seedBuildProposal(t, memStore, "prop-team", 3, 1)

	for i := 1; i <= 3; i++ {
		response := mustRun(t, svc, governor(i), "formation.join", map[string]any{"proposalId": "prop-team"})
		if response["joined"] != true {
			t.Fatalf("expected join %d to succeed, got %v", i, response)
		}
	}
	again := mustRun(t, svc, governor(1), "formation.join", map[string]any{"proposalId": "prop-team"})
	if again["joined"] != false {
		t.Fatalf("expected existing member join to be a no-op, got %v", again)
	}

	_, err := runCommand(t, svc, governor(4), "formation.join", map[string]any{"proposalId": "prop-team"}, "")
	expectCode(t, err, codeTeamFull)

	project, err := memStore.GetFormationProject(context.Background(), "prop-team")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if project.TeamFilled != 3 {
		t.Fatalf("expected team filled 3, got %d", project.TeamFilled)
	}
}

func TestFormationJoinRequiresBuildStage(t *testing.T) {
	svc, memStore := newTestService(t, nil)
	seedProposal(t, memStore, "prop-early", store.StagePool, store.ProposalPayload{})

	_, err := runCommand(t, svc, governor(1), "formation.join", map[string]any{"proposalId": "prop-early"}, "")
	expectCode(t, err, codeStageMismatch)
}

func TestMilestoneLifecycle(t *testing.T) {
	svc, memStore := newTestService(t, nil)
	seedBuildProposal(t, memStore, "prop-ms", 2, 2)
	author := governor(0)

	_, err := runCommand(t, svc, governor(9), "formation.milestone.submit", map[string]any{"proposalId": "prop-ms", "milestoneIndex": 1}, "")
	expectCode(t, err, codeNotFormationMember)

	_, err = runCommand(t, svc, author, "formation.milestone.submit", map[string]any{"proposalId": "prop-ms", "milestoneIndex": 3}, "")
	expectCode(t, err, codeMilestoneOutOfRange)

	_, err = runCommand(t, svc, author, "formation.milestone.requestUnlock", map[string]any{"proposalId": "prop-ms", "milestoneIndex": 1}, "")
	expectCode(t, err, codeMilestoneNotSubmitted)

	submitted := mustRun(t, svc, author, "formation.milestone.submit", map[string]any{"proposalId": "prop-ms", "milestoneIndex": 1, "note": "shipped"})
	if submitted["status"] != store.MilestoneSubmitted || submitted["changed"] != true {
		t.Fatalf("unexpected submit response %v", submitted)
	}
	resubmitted := mustRun(t, svc, author, "formation.milestone.submit", map[string]any{"proposalId": "prop-ms", "milestoneIndex": 1})
	if resubmitted["changed"] != false {
		t.Fatalf("expected resubmit to be idempotent, got %v", resubmitted)
	}

	unlocked := mustRun(t, svc, author, "formation.milestone.requestUnlock", map[string]any{"proposalId": "prop-ms", "milestoneIndex": 1})
	if unlocked["milestonesCompleted"] != float64(1) {
		t.Fatalf("expected one completed milestone, got %v", unlocked)
	}

	_, err = runCommand(t, svc, author, "formation.milestone.requestUnlock", map[string]any{"proposalId": "prop-ms", "milestoneIndex": 1}, "")
	expectCode(t, err, codeMilestoneAlreadyUnlocked)
	_, err = runCommand(t, svc, author, "formation.milestone.submit", map[string]any{"proposalId": "prop-ms", "milestoneIndex": 1}, "")
	expectCode(t, err, codeMilestoneAlreadyUnlocked)

	activity, err := memStore.GetEraActivity(context.Background(), 0, author)
	if err != nil {
		t.Fatalf("get activity: %v", err)
	}
	if activity.FormationActions != 2 {
		t.Fatalf("expected submit and unlock to count once each, got %d", activity.FormationActions)
	}
}

func TestEraQuotaRejectsOnlyCountedActions(t *testing.T) {
	svc, memStore := newTestService(t, func(cfg *config.Config) {
		cfg.Era.FallbackActiveGovernors = 100
		cfg.Era.Quotas.PoolVotes = intPtr(1)
	})
	seedProposal(t, memStore, "prop-q1", store.StagePool, store.ProposalPayload{})
	seedProposal(t, memStore, "prop-q2", store.StagePool, store.ProposalPayload{})

	mustRun(t, svc, governor(1), "pool.vote", map[string]any{"proposalId": "prop-q1", "direction": "up"})
	mustRun(t, svc, governor(1), "pool.vote", map[string]any{"proposalId": "prop-q1", "direction": "down"})

	_, err := runCommand(t, svc, governor(1), "pool.vote", map[string]any{"proposalId": "prop-q2", "direction": "up"}, "")
	domainErr := expectCode(t, err, codeEraQuotaExceeded)
	if domainErr.Status != 429 {
		t.Fatalf("expected 429, got %d", domainErr.Status)
	}
	details := domainErr.Details.(map[string]any)
	if details["kind"] != era.KindPoolVotes || details["limit"] != 1 || details["used"] != 1 {
		t.Fatalf("unexpected quota details %v", details)
	}
}

func TestCourtCaseGoesLiveAndResolves(t *testing.T) {
	svc, _ := newTestService(t, func(cfg *config.Config) {
		cfg.Courts.LiveReportThreshold = 3
		cfg.Courts.VerdictThreshold = 2
	})
	courtCase, err := svc.OpenCourtCase(context.Background(), OpenCourtCaseInput{Title: "Vote buying", Subject: governor(7), BaseReports: 1})
	if err != nil {
		t.Fatalf("open case: %v", err)
	}
	if courtCase.Status != store.CaseOpen {
		t.Fatalf("expected open case, got %s", courtCase.Status)
	}

	_, err = runCommand(t, svc, governor(1), "court.case.verdict", map[string]any{"caseId": courtCase.ID, "verdict": "guilty"}, "")
	expectCode(t, err, codeCaseNotLive)

	mustRun(t, svc, governor(1), "court.case.report", map[string]any{"caseId": courtCase.ID})
	repeat := mustRun(t, svc, governor(1), "court.case.report", map[string]any{"caseId": courtCase.ID})
	if repeat["reported"] != false || repeat["status"] != store.CaseOpen {
		t.Fatalf("expected duplicate report to change nothing, got %v", repeat)
	}
	live := mustRun(t, svc, governor(2), "court.case.report", map[string]any{"caseId": courtCase.ID})
	if live["status"] != store.CaseLive {
		t.Fatalf("expected case live at threshold, got %v", live)
	}

	mustRun(t, svc, governor(1), "court.case.verdict", map[string]any{"caseId": courtCase.ID, "verdict": "not_guilty"})
	mustRun(t, svc, governor(1), "court.case.verdict", map[string]any{"caseId": courtCase.ID, "verdict": "guilty"})
	resolved := mustRun(t, svc, governor(2), "court.case.verdict", map[string]any{"caseId": courtCase.ID, "verdict": "guilty"})
	if resolved["status"] != store.CaseResolved || resolved["decision"] != store.VerdictGuilty {
		t.Fatalf("expected guilty resolution, got %v", resolved)
	}

	_, err = runCommand(t, svc, governor(3), "court.case.report", map[string]any{"caseId": courtCase.ID}, "")
	expectCode(t, err, codeCaseClosed)
	_, err = runCommand(t, svc, governor(3), "court.case.report", map[string]any{"caseId": "case_missing"}, "")
	expectCode(t, err, codeCourtCaseMissing)
}

func TestRollupIsFrozen(t *testing.T) {
	svc, memStore := newTestService(t, nil)
	ctx := context.Background()
	if err := memStore.IncrementEraActivity(ctx, 0, governor(1), era.Counters{PoolVotes: 1, ChamberVotes: 1}); err != nil {
		t.Fatalf("increment: %v", err)
	}

	first, err := svc.RollupEra(ctx, 0)
	if err != nil {
		t.Fatalf("first rollup: %v", err)
	}
	if !first.Created || first.ActiveGovernorsNextEra != 1 {
		t.Fatalf("unexpected first rollup %+v", first)
	}

	if err := memStore.IncrementEraActivity(ctx, 0, governor(2), era.Counters{PoolVotes: 1, ChamberVotes: 1}); err != nil {
		t.Fatalf("increment: %v", err)
	}
	second, err := svc.RollupEra(ctx, 0)
	if err != nil {
		t.Fatalf("second rollup: %v", err)
	}
	if second.Created || second.ActiveGovernorsNextEra != 1 || len(second.Statuses) != 1 {
		t.Fatalf("expected frozen rollup, got %+v", second)
	}
}

func TestTickAdvancesWhenForced(t *testing.T) {
	svc, memStore := newTestService(t, func(cfg *config.Config) {
		cfg.Era.DynamicActiveGovernors = true
	})
	ctx := context.Background()
	if err := memStore.IncrementEraActivity(ctx, 0, governor(1), era.Counters{PoolVotes: 1, ChamberVotes: 1}); err != nil {
		t.Fatalf("increment: %v", err)
	}

	idle, err := svc.Tick(ctx, TickOptions{})
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if idle.Due || idle.Advanced || idle.ToEra != 0 {
		t.Fatalf("expected a fresh era not to advance, got %+v", idle)
	}

	forced, err := svc.Tick(ctx, TickOptions{ForceAdvance: true})
	if err != nil {
		t.Fatalf("forced tick: %v", err)
	}
	if !forced.Advanced || forced.FromEra != 0 || forced.ToEra != 1 {
		t.Fatalf("expected advance 0 -> 1, got %+v", forced)
	}
	clock, err := svc.Clock(ctx)
	if err != nil {
		t.Fatalf("clock: %v", err)
	}
	if clock.CurrentEra != 1 || clock.ActiveGovernors != 1 {
		t.Fatalf("expected era 1 sized from rollup, got %+v", clock)
	}
}

func TestWritesFrozenAndActionLocks(t *testing.T) {
	svc, memStore := newTestService(t, nil)
	seedProposal(t, memStore, "prop-admin", store.StagePool, store.ProposalPayload{})
	ctx := context.Background()

	if _, err := svc.SetWritesFrozen(ctx, true); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	_, err := runCommand(t, svc, governor(1), "pool.vote", map[string]any{"proposalId": "prop-admin", "direction": "up"}, "")
	if domainErr := expectCode(t, err, codeWritesFrozen); domainErr.Status != 503 {
		t.Fatalf("expected 503, got %d", domainErr.Status)
	}
	if _, err := svc.SetWritesFrozen(ctx, false); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}

	if _, err := svc.SetActionLock(ctx, ActionLockInput{Address: governor(1), LockedUntil: time.Now().Add(time.Hour), Reason: "spam"}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	_, err = runCommand(t, svc, governor(1), "pool.vote", map[string]any{"proposalId": "prop-admin", "direction": "up"}, "")
	expectCode(t, err, codeActionLocked)

	if _, err := svc.SetActionLock(ctx, ActionLockInput{Address: governor(1), Clear: true}); err != nil {
		t.Fatalf("clear lock: %v", err)
	}
	mustRun(t, svc, governor(1), "pool.vote", map[string]any{"proposalId": "prop-admin", "direction": "up"})
}

func TestGateRejectsUnknownAddress(t *testing.T) {
	svc, memStore := newTestService(t, func(cfg *config.Config) {
		cfg.Gate.Bypass = false
		cfg.Gate.EligibleAddresses = []string{governor(1)}
	})
	seedProposal(t, memStore, "prop-gate", store.StagePool, store.ProposalPayload{})

	mustRun(t, svc, governor(1), "pool.vote", map[string]any{"proposalId": "prop-gate", "direction": "up"})
	_, err := runCommand(t, svc, governor(2), "pool.vote", map[string]any{"proposalId": "prop-gate", "direction": "up"}, "")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403 gate rejection, got %v", err)
	}
}

func TestMyGovernanceReportsQuotas(t *testing.T) {
	svc, memStore := newTestService(t, func(cfg *config.Config) {
		cfg.Era.FallbackActiveGovernors = 100
		cfg.Era.Quotas.PoolVotes = intPtr(3)
	})
	seedProposal(t, memStore, "prop-me", store.StagePool, store.ProposalPayload{})
	mustRun(t, svc, governor(1), "pool.vote", map[string]any{"proposalId": "prop-me", "direction": "up"})

	view, err := svc.MyGovernance(context.Background(), governor(1))
	if err != nil {
		t.Fatalf("my governance: %v", err)
	}
	if view.Activity.PoolVotes != 1 {
		t.Fatalf("expected one pool vote, got %+v", view.Activity)
	}
	quota := view.Quotas[era.KindPoolVotes]
	if quota.Limit == nil || *quota.Limit != 3 || quota.Remaining == nil || *quota.Remaining != 2 {
		t.Fatalf("unexpected pool vote quota %+v", quota)
	}
	if view.Quotas[era.KindCourtActions].Limit != nil {
		t.Fatalf("expected unlimited court actions")
	}
}

type fakeIndex struct {
	mu      sync.Mutex
	docs    map[string]readmodel.ProposalDoc
	queries []readmodel.Query
}

func (f *fakeIndex) Search(_ context.Context, q readmodel.Query) readmodel.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	results := make([]readmodel.ProposalDoc, 0, len(f.docs))
	for _, doc := range f.docs {
		results = append(results, doc)
	}
	return readmodel.Response{Results: results, Total: len(results), Query: q.Text, Source: readmodel.SourceIndex}
}

func (f *fakeIndex) Upsert(doc readmodel.ProposalDoc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.ID] = doc
}

func TestCommandsProjectIntoReadModel(t *testing.T) {
	index := &fakeIndex{docs: map[string]readmodel.ProposalDoc{}}
	cfg := testConfig()
	cfg.Era.FallbackActiveGovernors = 100
	memStore := store.NewMemoryStore()
	svc := New(cfg, memStore, Options{ReadModel: index, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	created := mustRun(t, svc, governor(1), "proposal.create", map[string]any{"title": "Treasury audit"})
	id := created["proposalId"].(string)
	mustRun(t, svc, governor(2), "pool.vote", map[string]any{"proposalId": id, "direction": "up"})

	index.mu.Lock()
	doc := index.docs[id]
	index.mu.Unlock()
	if doc.Title != "Treasury audit" || doc.Upvotes != 1 {
		t.Fatalf("expected projected doc with one upvote, got %+v", doc)
	}

	listing, err := svc.ListProposals(context.Background(), ProposalListInput{Query: "treasury"})
	if err != nil {
		t.Fatalf("list proposals: %v", err)
	}
	if listing["source"] != readmodel.SourceIndex || listing["total"] != 1 {
		t.Fatalf("expected search through the index, got %v", listing)
	}

	plain, err := svc.ListProposals(context.Background(), ProposalListInput{Stage: store.StagePool})
	if err != nil {
		t.Fatalf("list proposals: %v", err)
	}
	if plain["source"] != readmodel.SourceStore || plain["total"] != 1 {
		t.Fatalf("expected store listing, got %v", plain)
	}
}

// preemptingStore resolves a court case as guilty right before the caller's
// own resolution, as a concurrent verdict would.
type preemptingStore struct {
	*store.MemoryStore
}

func (s preemptingStore) TransitionCourtCase(ctx context.Context, id, from, to, decision string) (bool, error) {
	if to == store.CaseResolved {
		if _, err := s.MemoryStore.TransitionCourtCase(ctx, id, from, to, store.VerdictGuilty); err != nil {
			return false, err
		}
	}
	return s.MemoryStore.TransitionCourtCase(ctx, id, from, to, decision)
}

func TestCourtVerdictLosingResolutionReportsStoredDecision(t *testing.T) {
	cfg := testConfig()
	cfg.Courts.VerdictThreshold = 1
	svc := New(cfg, preemptingStore{store.NewMemoryStore()}, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	courtCase, err := svc.OpenCourtCase(context.Background(), OpenCourtCaseInput{Title: "Double signing", Subject: governor(7), BaseReports: cfg.Courts.LiveReportThreshold})
	if err != nil {
		t.Fatalf("open case: %v", err)
	}
	if courtCase.Status != store.CaseLive {
		t.Fatalf("expected live case, got %s", courtCase.Status)
	}

	response := mustRun(t, svc, governor(1), "court.case.verdict", map[string]any{"caseId": courtCase.ID, "verdict": "not_guilty"})
	if response["status"] != store.CaseResolved {
		t.Fatalf("expected resolved case, got %v", response)
	}
	if response["decision"] != store.VerdictGuilty {
		t.Fatalf("expected stored guilty decision, got %v", response["decision"])
	}

	stored, err := svc.CourtCase(context.Background(), courtCase.ID)
	if err != nil {
		t.Fatalf("read case: %v", err)
	}
	if stored.Decision != store.VerdictGuilty {
		t.Fatalf("expected guilty decision to stand, got %q", stored.Decision)
	}
}
