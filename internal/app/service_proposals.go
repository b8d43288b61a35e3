package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"vortex/api/internal/era"
	"vortex/api/internal/quorum"
	"vortex/api/internal/readmodel"
	"vortex/api/internal/store"
	"vortex/api/internal/util"
)

const (
	defaultChamberID = "general"
	maxTitleLength   = 200
)

type proposalCreatePayload struct {
	Title             string `json:"title"`
	Summary           string `json:"summary,omitempty"`
	ChamberID         string `json:"chamberId,omitempty"`
	FormationEligible *bool  `json:"formationEligible,omitempty"`
	TeamSlots         int    `json:"teamSlots,omitempty"`
	Milestones        int    `json:"milestones,omitempty"`
	Body              string `json:"body,omitempty"`
}

func (p *proposalCreatePayload) validate() error {
	p.Title = strings.TrimSpace(p.Title)
	p.ChamberID = strings.TrimSpace(p.ChamberID)
	if p.Title == "" {
		return invalidCommand("title is required")
	}
	if len(p.Title) > maxTitleLength {
		return invalidCommand(fmt.Sprintf("title must be at most %d characters", maxTitleLength))
	}
	if p.TeamSlots < 0 || p.Milestones < 0 {
		return invalidCommand("teamSlots and milestones must not be negative")
	}
	return nil
}

func (p *proposalCreatePayload) execute(ctx context.Context, s *Service, actor string) (any, error) {
	chamberID := firstNonBlank(p.ChamberID, defaultChamberID)
	if _, err := s.store.GetChamber(ctx, chamberID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusBadRequest, codeChamberNotFound, "Chamber not found", map[string]any{"chamberId": chamberID})
		}
		return nil, err
	}
	now := s.now()
	proposal := store.Proposal{
		ID:            util.NewID("prop"),
		Stage:         store.StagePool,
		AuthorAddress: actor,
		ChamberID:     chamberID,
		Title:         p.Title,
		Summary:       strings.TrimSpace(p.Summary),
		Payload: store.ProposalPayload{
			FormationEligible: p.FormationEligible,
			TeamSlots:         p.TeamSlots,
			Milestones:        p.Milestones,
			Body:              p.Body,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateProposal(ctx, proposal); err != nil {
		return nil, fmt.Errorf("create proposal: %w", err)
	}
	s.logger.Info("proposal created", "proposal_id", proposal.ID, "author", actor, "chamber_id", chamberID)
	s.project(ctx, proposal.ID)
	return map[string]any{
		"ok":         true,
		"type":       "proposal.create",
		"proposalId": proposal.ID,
		"stage":      proposal.Stage,
		"chamberId":  chamberID,
	}, nil
}

type poolVotePayload struct {
	ProposalID string `json:"proposalId"`
	Direction  string `json:"direction"`
}

func (p *poolVotePayload) validate() error {
	p.ProposalID = strings.TrimSpace(p.ProposalID)
	if p.ProposalID == "" {
		return invalidCommand("proposalId is required")
	}
	if p.Direction != "up" && p.Direction != "down" {
		return invalidCommand("direction must be up or down")
	}
	return nil
}

type PoolCountsView struct {
	Upvotes   int `json:"upvotes"`
	Downvotes int `json:"downvotes"`
}

func (p *poolVotePayload) execute(ctx context.Context, s *Service, actor string) (any, error) {
	proposal, err := s.getProposal(ctx, p.ProposalID)
	if err != nil {
		return nil, err
	}
	if proposal.Stage != store.StagePool {
		return nil, stageMismatch(proposal.Stage, store.StagePool)
	}
	current, err := s.currentEra(ctx)
	if err != nil {
		return nil, err
	}
	existing, err := s.store.HasPoolVote(ctx, proposal.ID, actor)
	if err != nil {
		return nil, fmt.Errorf("read pool vote: %w", err)
	}
	if !existing {
		if err := s.enforceQuota(ctx, current, actor, era.KindPoolVotes); err != nil {
			return nil, err
		}
	}

	direction := 1
	if p.Direction == "down" {
		direction = -1
	}
	created, err := s.store.UpsertPoolVote(ctx, proposal.ID, actor, direction)
	if err != nil {
		return nil, fmt.Errorf("cast pool vote: %w", err)
	}
	if created {
		if err := s.recordActivity(ctx, current, actor, era.KindPoolVotes); err != nil {
			return nil, err
		}
	}

	counts, err := s.store.PoolVoteCounts(ctx, proposal.ID)
	if err != nil {
		return nil, fmt.Errorf("count pool votes: %w", err)
	}
	evaluation := s.evaluatePool(current.Active, counts)
	advanced := false
	if evaluation.ShouldAdvance {
		advanced, err = s.transition(ctx, proposal.ID, store.StagePool, store.StageVote)
		if err != nil {
			return nil, err
		}
	}
	s.project(ctx, proposal.ID)

	return map[string]any{
		"ok":         true,
		"type":       "pool.vote",
		"proposalId": proposal.ID,
		"direction":  p.Direction,
		"counts":     PoolCountsView{Upvotes: counts.Upvotes, Downvotes: counts.Downvotes},
		"quorum":     evaluation,
		"advanced":   advanced,
	}, nil
}

type chamberVotePayload struct {
	ProposalID string `json:"proposalId"`
	Choice     string `json:"choice"`
	Score      *int   `json:"score,omitempty"`
}

func (p *chamberVotePayload) validate() error {
	p.ProposalID = strings.TrimSpace(p.ProposalID)
	if p.ProposalID == "" {
		return invalidCommand("proposalId is required")
	}
	switch p.Choice {
	case store.ChoiceYes, store.ChoiceNo, store.ChoiceAbstain:
	default:
		return invalidCommand("choice must be yes, no or abstain")
	}
	if p.Score != nil {
		if p.Choice != store.ChoiceYes {
			return domainError(http.StatusBadRequest, codeScoreRequiresYes, "score is only accepted with a yes vote", nil)
		}
		if *p.Score < 1 || *p.Score > 10 {
			return invalidCommand("score must be between 1 and 10")
		}
	}
	return nil
}

type ChamberCountsView struct {
	Yes     int `json:"yes"`
	No      int `json:"no"`
	Abstain int `json:"abstain"`
}

func (p *chamberVotePayload) execute(ctx context.Context, s *Service, actor string) (any, error) {
	proposal, err := s.getProposal(ctx, p.ProposalID)
	if err != nil {
		return nil, err
	}
	if proposal.Stage != store.StageVote {
		return nil, stageMismatch(proposal.Stage, store.StageVote)
	}
	current, err := s.currentEra(ctx)
	if err != nil {
		return nil, err
	}
	existing, err := s.store.HasChamberVote(ctx, proposal.ID, actor)
	if err != nil {
		return nil, fmt.Errorf("read chamber vote: %w", err)
	}
	if !existing {
		if err := s.enforceQuota(ctx, current, actor, era.KindChamberVotes); err != nil {
			return nil, err
		}
	}

	created, err := s.store.UpsertChamberVote(ctx, store.ChamberVote{
		ProposalID:   proposal.ID,
		VoterAddress: actor,
		Choice:       p.Choice,
		Score:        p.Score,
	})
	if errors.Is(err, store.ErrScoreWithoutYes) {
		return nil, domainError(http.StatusBadRequest, codeScoreRequiresYes, "score is only accepted with a yes vote", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("cast chamber vote: %w", err)
	}
	if created {
		if err := s.recordActivity(ctx, current, actor, era.KindChamberVotes); err != nil {
			return nil, err
		}
	}

	counts, err := s.store.ChamberVoteCounts(ctx, proposal.ID)
	if err != nil {
		return nil, fmt.Errorf("count chamber votes: %w", err)
	}
	evaluation := s.evaluateChamber(current.Active, counts)

	advanced := false
	var award *store.CmAward
	if evaluation.ShouldAdvance {
		award, err = s.awardCm(ctx, proposal, counts)
		if err != nil {
			return nil, err
		}
		if proposal.Payload.FormationEnabled() {
			advanced, err = s.transition(ctx, proposal.ID, store.StageVote, store.StageBuild)
			if err != nil {
				return nil, err
			}
			if advanced {
				if err := s.seedFormation(ctx, proposal); err != nil {
					return nil, err
				}
			}
		}
	}
	s.project(ctx, proposal.ID)

	response := map[string]any{
		"ok":         true,
		"type":       "chamber.vote",
		"proposalId": proposal.ID,
		"choice":     p.Choice,
		"counts":     ChamberCountsView{Yes: counts.Yes, No: counts.No, Abstain: counts.Abstain},
		"quorum":     evaluation,
		"advanced":   advanced,
	}
	if p.Score != nil {
		response["score"] = *p.Score
	}
	if award != nil {
		response["cmAward"] = newCmAwardView(*award)
	}
	return response, nil
}

func (s *Service) evaluatePool(active int, counts store.PoolCounts) quorum.PoolResult {
	return quorum.EvaluatePool(quorum.PoolInputs{
		AttentionQuorum: s.cfg.Quorum.PoolAttention,
		ActiveGovernors: active,
		UpvoteFloor:     quorum.UpvoteFloor(active, s.cfg.Quorum.PoolUpvoteFloorFraction),
	}, quorum.PoolCounts{Upvotes: counts.Upvotes, Downvotes: counts.Downvotes})
}

func (s *Service) evaluateChamber(active int, counts store.ChamberCounts) quorum.ChamberResult {
	return quorum.EvaluateChamber(quorum.ChamberInputs{
		QuorumFraction:  s.cfg.Quorum.ChamberQuorum,
		ActiveGovernors: active,
		PassingFraction: s.cfg.Quorum.ChamberPassing,
	}, quorum.ChamberCounts{Yes: counts.Yes, No: counts.No, Abstain: counts.Abstain})
}

// transition applies a compare-and-set stage change. Only the writer that
// wins the race observes true.
func (s *Service) transition(ctx context.Context, proposalID, from, to string) (bool, error) {
	ok, err := s.store.TransitionProposalStage(ctx, proposalID, from, to)
	if err != nil {
		return false, fmt.Errorf("transition proposal %s: %w", proposalID, err)
	}
	if ok {
		s.metrics.StageTransition(from, to)
		s.logger.Info("proposal advanced", "proposal_id", proposalID, "from", from, "to", to)
	}
	return ok, nil
}

func (s *Service) seedFormation(ctx context.Context, proposal store.Proposal) error {
	now := s.now()
	_, err := s.store.SeedFormationProject(ctx, store.FormationProject{
		ProposalID:      proposal.ID,
		TeamSlotsTotal:  proposal.Payload.TeamSlots,
		MilestonesTotal: proposal.Payload.Milestones,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return fmt.Errorf("seed formation project: %w", err)
	}
	return nil
}

// project refreshes the read model for one proposal. Failures are logged
// and never surface to the caller.
func (s *Service) project(ctx context.Context, proposalID string) {
	if s.readModel == nil {
		return
	}
	doc, err := s.proposalDoc(ctx, proposalID)
	if err != nil {
		s.logger.Warn("project proposal", "proposal_id", proposalID, "error", err)
		return
	}
	s.readModel.Upsert(doc)
}

func (s *Service) proposalDoc(ctx context.Context, proposalID string) (readmodel.ProposalDoc, error) {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return readmodel.ProposalDoc{}, err
	}
	pool, err := s.store.PoolVoteCounts(ctx, proposalID)
	if err != nil {
		return readmodel.ProposalDoc{}, err
	}
	chamber, err := s.store.ChamberVoteCounts(ctx, proposalID)
	if err != nil {
		return readmodel.ProposalDoc{}, err
	}
	return readmodel.DocFromProposal(proposal).WithPool(pool).WithChamber(chamber), nil
}

// Reindex pushes every proposal with current counts into the read model,
// in one batch when the index supports it.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	if s.readModel == nil {
		return 0, nil
	}
	proposals, err := s.store.ListProposals(ctx, "")
	if err != nil {
		return 0, err
	}
	docs := make([]readmodel.ProposalDoc, 0, len(proposals))
	for _, proposal := range proposals {
		doc, err := s.proposalDoc(ctx, proposal.ID)
		if err != nil {
			return 0, err
		}
		docs = append(docs, doc)
	}
	if bulk, ok := s.readModel.(interface {
		Reindex(docs []readmodel.ProposalDoc) error
	}); ok {
		if err := bulk.Reindex(docs); err != nil {
			return 0, fmt.Errorf("reindex proposals: %w", err)
		}
		return len(docs), nil
	}
	for _, doc := range docs {
		s.readModel.Upsert(doc)
	}
	return len(docs), nil
}

type ProposalView struct {
	ID                string    `json:"id"`
	Stage             string    `json:"stage"`
	Author            string    `json:"author"`
	ChamberID         string    `json:"chamberId"`
	Title             string    `json:"title"`
	Summary           string    `json:"summary"`
	Body              string    `json:"body,omitempty"`
	FormationEligible bool      `json:"formationEligible"`
	TeamSlots         int       `json:"teamSlots"`
	Milestones        int       `json:"milestones"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func newProposalView(p store.Proposal) ProposalView {
	return ProposalView{
		ID:                p.ID,
		Stage:             p.Stage,
		Author:            p.AuthorAddress,
		ChamberID:         p.ChamberID,
		Title:             p.Title,
		Summary:           p.Summary,
		Body:              p.Payload.Body,
		FormationEligible: p.Payload.FormationEnabled(),
		TeamSlots:         p.Payload.TeamSlots,
		Milestones:        p.Payload.Milestones,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

type ProposalListInput struct {
	Stage     string
	Query     string
	ChamberID string
	Limit     int
	Offset    int
}

// ListProposals serves search through the read model and plain listings
// straight from the store.
func (s *Service) ListProposals(ctx context.Context, input ProposalListInput) (map[string]any, error) {
	switch input.Stage {
	case "", store.StagePool, store.StageVote, store.StageBuild:
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "stage must be pool, vote or build", nil)
	}
	if strings.TrimSpace(input.Query) != "" && s.readModel != nil {
		resp := s.readModel.Search(ctx, readmodel.Query{
			Text:      input.Query,
			Stage:     input.Stage,
			ChamberID: input.ChamberID,
			Limit:     input.Limit,
			Offset:    input.Offset,
		})
		return map[string]any{"items": resp.Results, "total": resp.Total, "query": resp.Query, "source": resp.Source}, nil
	}

	proposals, err := s.store.ListProposals(ctx, input.Stage)
	if err != nil {
		return nil, err
	}
	query := strings.ToLower(strings.TrimSpace(input.Query))
	items := make([]ProposalView, 0, len(proposals))
	for _, proposal := range proposals {
		if input.ChamberID != "" && proposal.ChamberID != input.ChamberID {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(proposal.Title+" "+proposal.Summary), query) {
			continue
		}
		items = append(items, newProposalView(proposal))
	}
	total := len(items)
	start, end := pageBounds(total, input.Limit, input.Offset)
	return map[string]any{"items": items[start:end], "total": total, "query": input.Query, "source": readmodel.SourceStore}, nil
}

func pageBounds(total, limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 || offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return offset, end
}

func (s *Service) GetProposal(ctx context.Context, id string) (ProposalView, error) {
	proposal, err := s.getProposal(ctx, id)
	if err != nil {
		return ProposalView{}, err
	}
	return newProposalView(proposal), nil
}

type PoolPage struct {
	ProposalID             string            `json:"proposalId"`
	Stage                  string            `json:"stage"`
	Counts                 PoolCountsView    `json:"counts"`
	ActiveGovernors        int               `json:"activeGovernors"`
	AttentionQuorum        float64           `json:"attentionQuorum"`
	UpvoteFloorFraction    float64           `json:"upvoteFloorFraction"`
	Quorum                 quorum.PoolResult `json:"quorum"`
	ViewerVoted            *bool             `json:"viewerVoted,omitempty"`
	EngagedOfActivePercent int               `json:"engagedOfActivePercent"`
}

func (s *Service) PoolPage(ctx context.Context, id, viewer string) (PoolPage, error) {
	proposal, err := s.getProposal(ctx, id)
	if err != nil {
		return PoolPage{}, err
	}
	current, err := s.currentEra(ctx)
	if err != nil {
		return PoolPage{}, err
	}
	counts, err := s.store.PoolVoteCounts(ctx, id)
	if err != nil {
		return PoolPage{}, err
	}
	evaluation := s.evaluatePool(current.Active, counts)
	page := PoolPage{
		ProposalID:             proposal.ID,
		Stage:                  proposal.Stage,
		Counts:                 PoolCountsView{Upvotes: counts.Upvotes, Downvotes: counts.Downvotes},
		ActiveGovernors:        current.Active,
		AttentionQuorum:        s.cfg.Quorum.PoolAttention,
		UpvoteFloorFraction:    s.cfg.Quorum.PoolUpvoteFloorFraction,
		Quorum:                 evaluation,
		EngagedOfActivePercent: percentOf(evaluation.Engaged, current.Active),
	}
	if viewer != "" {
		voted, err := s.store.HasPoolVote(ctx, id, viewer)
		if err != nil {
			return PoolPage{}, err
		}
		page.ViewerVoted = &voted
	}
	return page, nil
}

type ChamberPage struct {
	ProposalID      string               `json:"proposalId"`
	Stage           string               `json:"stage"`
	ChamberID       string               `json:"chamberId"`
	Counts          ChamberCountsView    `json:"counts"`
	ActiveGovernors int                  `json:"activeGovernors"`
	QuorumFraction  float64              `json:"quorumFraction"`
	PassingFraction float64              `json:"passingFraction"`
	Quorum          quorum.ChamberResult `json:"quorum"`
	AverageScore    *float64             `json:"averageScore"`
	CmAward         *CmAwardView         `json:"cmAward"`
	ViewerVoted     *bool                `json:"viewerVoted,omitempty"`
}

func (s *Service) ChamberPage(ctx context.Context, id, viewer string) (ChamberPage, error) {
	proposal, err := s.getProposal(ctx, id)
	if err != nil {
		return ChamberPage{}, err
	}
	current, err := s.currentEra(ctx)
	if err != nil {
		return ChamberPage{}, err
	}
	counts, err := s.store.ChamberVoteCounts(ctx, id)
	if err != nil {
		return ChamberPage{}, err
	}
	page := ChamberPage{
		ProposalID:      proposal.ID,
		Stage:           proposal.Stage,
		ChamberID:       proposal.ChamberID,
		Counts:          ChamberCountsView{Yes: counts.Yes, No: counts.No, Abstain: counts.Abstain},
		ActiveGovernors: current.Active,
		QuorumFraction:  s.cfg.Quorum.ChamberQuorum,
		PassingFraction: s.cfg.Quorum.ChamberPassing,
		Quorum:          s.evaluateChamber(current.Active, counts),
	}
	if counts.ScoreCount > 0 {
		avg := float64(counts.ScoreSum) / float64(counts.ScoreCount)
		page.AverageScore = &avg
	}
	award, err := s.store.GetCmAward(ctx, id)
	if err != nil {
		return ChamberPage{}, err
	}
	if award != nil {
		view := newCmAwardView(*award)
		page.CmAward = &view
	}
	if viewer != "" {
		voted, err := s.store.HasChamberVote(ctx, id, viewer)
		if err != nil {
			return ChamberPage{}, err
		}
		page.ViewerVoted = &voted
	}
	return page, nil
}

func percentOf(part, whole int) int {
	if whole <= 0 {
		return 0
	}
	return part * 100 / whole
}
