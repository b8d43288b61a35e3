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
	"vortex/api/internal/store"
)

const defaultFormationRole = "contributor"

type formationJoinPayload struct {
	ProposalID string `json:"proposalId"`
	Role       string `json:"role,omitempty"`
}

func (p *formationJoinPayload) validate() error {
	p.ProposalID = strings.TrimSpace(p.ProposalID)
	p.Role = strings.TrimSpace(p.Role)
	if p.ProposalID == "" {
		return invalidCommand("proposalId is required")
	}
	if len(p.Role) > 80 {
		return invalidCommand("role must be at most 80 characters")
	}
	return nil
}

// formationProject loads the project of a proposal that reached build.
func (s *Service) formationProject(ctx context.Context, proposalID string) (store.Proposal, store.FormationProject, error) {
	proposal, err := s.getProposal(ctx, proposalID)
	if err != nil {
		return store.Proposal{}, store.FormationProject{}, err
	}
	if proposal.Stage != store.StageBuild {
		return store.Proposal{}, store.FormationProject{}, stageMismatch(proposal.Stage, store.StageBuild)
	}
	project, err := s.store.GetFormationProject(ctx, proposalID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Proposal{}, store.FormationProject{}, domainError(http.StatusConflict, codeFormationNotStarted, "Formation has not started for this proposal", nil)
	}
	if err != nil {
		return store.Proposal{}, store.FormationProject{}, err
	}
	return proposal, project, nil
}

func teamFull(project store.FormationProject) *DomainError {
	return domainError(http.StatusConflict, codeTeamFull, "Formation team is full", map[string]any{
		"teamSlotsTotal": project.TeamSlotsTotal,
		"teamFilled":     project.TeamFilled,
	})
}

func (p *formationJoinPayload) execute(ctx context.Context, s *Service, actor string) (any, error) {
	_, project, err := s.formationProject(ctx, p.ProposalID)
	if err != nil {
		return nil, err
	}
	member, err := s.store.IsFormationMember(ctx, p.ProposalID, actor)
	if err != nil {
		return nil, fmt.Errorf("read formation member: %w", err)
	}
	if member {
		return joinResponse(p.ProposalID, false, project), nil
	}
	if project.TeamFilled >= project.TeamSlotsTotal {
		return nil, teamFull(project)
	}
	current, err := s.currentEra(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.enforceQuota(ctx, current, actor, era.KindFormationActions); err != nil {
		return nil, err
	}

	joined, err := s.store.JoinFormationProject(ctx, store.FormationMember{
		ProposalID:    p.ProposalID,
		MemberAddress: actor,
		Role:          firstNonBlank(p.Role, defaultFormationRole),
		JoinedAt:      s.now(),
	})
	if errors.Is(err, store.ErrTeamFull) {
		return nil, teamFull(project)
	}
	if err != nil {
		return nil, fmt.Errorf("join formation: %w", err)
	}
	if joined {
		if err := s.recordActivity(ctx, current, actor, era.KindFormationActions); err != nil {
			return nil, err
		}
	}
	project, err = s.store.GetFormationProject(ctx, p.ProposalID)
	if err != nil {
		return nil, err
	}
	return joinResponse(p.ProposalID, joined, project), nil
}

func joinResponse(proposalID string, joined bool, project store.FormationProject) map[string]any {
	return map[string]any{
		"ok":             true,
		"type":           "formation.join",
		"proposalId":     proposalID,
		"joined":         joined,
		"teamSlotsTotal": project.TeamSlotsTotal,
		"teamFilled":     project.TeamFilled,
	}
}

type milestoneRef struct {
	ProposalID     string `json:"proposalId"`
	MilestoneIndex int    `json:"milestoneIndex"`
}

func (m *milestoneRef) validateRef() error {
	m.ProposalID = strings.TrimSpace(m.ProposalID)
	if m.ProposalID == "" {
		return invalidCommand("proposalId is required")
	}
	return nil
}

// loadMilestone checks range and team membership before returning the
// addressed milestone.
func (s *Service) loadMilestone(ctx context.Context, ref milestoneRef, actor string) (store.FormationMilestone, error) {
	proposal, project, err := s.formationProject(ctx, ref.ProposalID)
	if err != nil {
		return store.FormationMilestone{}, err
	}
	if ref.MilestoneIndex < 1 || ref.MilestoneIndex > project.MilestonesTotal {
		return store.FormationMilestone{}, domainError(http.StatusBadRequest, codeMilestoneOutOfRange, "Milestone index is out of range", map[string]any{
			"milestoneIndex":  ref.MilestoneIndex,
			"milestonesTotal": project.MilestonesTotal,
		})
	}
	if proposal.AuthorAddress != actor {
		member, err := s.store.IsFormationMember(ctx, ref.ProposalID, actor)
		if err != nil {
			return store.FormationMilestone{}, fmt.Errorf("read formation member: %w", err)
		}
		if !member {
			return store.FormationMilestone{}, domainError(http.StatusForbidden, codeNotFormationMember, "Only the proposer or team members can manage milestones", nil)
		}
	}
	milestone, err := s.store.GetFormationMilestone(ctx, ref.ProposalID, ref.MilestoneIndex)
	if err != nil {
		return store.FormationMilestone{}, fmt.Errorf("read milestone: %w", err)
	}
	return milestone, nil
}

func milestoneAlreadyUnlocked(index int) *DomainError {
	return domainError(http.StatusConflict, codeMilestoneAlreadyUnlocked, "Milestone is already unlocked", map[string]any{"milestoneIndex": index})
}

func milestoneResponse(commandType string, milestone store.FormationMilestone, changed bool) map[string]any {
	return map[string]any{
		"ok":             true,
		"type":           commandType,
		"proposalId":     milestone.ProposalID,
		"milestoneIndex": milestone.Index,
		"status":         milestone.Status,
		"changed":        changed,
	}
}

type milestoneSubmitPayload struct {
	milestoneRef
	Note string `json:"note,omitempty"`
}

func (p *milestoneSubmitPayload) validate() error {
	p.Note = strings.TrimSpace(p.Note)
	if len(p.Note) > 2000 {
		return invalidCommand("note must be at most 2000 characters")
	}
	return p.validateRef()
}

func (p *milestoneSubmitPayload) execute(ctx context.Context, s *Service, actor string) (any, error) {
	milestone, err := s.loadMilestone(ctx, p.milestoneRef, actor)
	if err != nil {
		return nil, err
	}
	switch milestone.Status {
	case store.MilestoneUnlocked:
		return nil, milestoneAlreadyUnlocked(p.MilestoneIndex)
	case store.MilestoneSubmitted:
		return milestoneResponse("formation.milestone.submit", milestone, false), nil
	}

	current, err := s.currentEra(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.enforceQuota(ctx, current, actor, era.KindFormationActions); err != nil {
		return nil, err
	}
	submitted, err := s.store.SubmitFormationMilestone(ctx, p.ProposalID, p.MilestoneIndex, actor, p.Note)
	if err != nil {
		return nil, fmt.Errorf("submit milestone: %w", err)
	}
	if submitted {
		if err := s.recordActivity(ctx, current, actor, era.KindFormationActions); err != nil {
			return nil, err
		}
	}
	milestone, err = s.store.GetFormationMilestone(ctx, p.ProposalID, p.MilestoneIndex)
	if err != nil {
		return nil, err
	}
	if milestone.Status == store.MilestoneUnlocked {
		return nil, milestoneAlreadyUnlocked(p.MilestoneIndex)
	}
	return milestoneResponse("formation.milestone.submit", milestone, submitted), nil
}

type milestoneUnlockPayload struct {
	milestoneRef
}

func (p *milestoneUnlockPayload) validate() error {
	return p.validateRef()
}

func (p *milestoneUnlockPayload) execute(ctx context.Context, s *Service, actor string) (any, error) {
	milestone, err := s.loadMilestone(ctx, p.milestoneRef, actor)
	if err != nil {
		return nil, err
	}
	switch milestone.Status {
	case store.MilestoneUnlocked:
		return nil, milestoneAlreadyUnlocked(p.MilestoneIndex)
	case store.MilestonePending:
		return nil, domainError(http.StatusConflict, codeMilestoneNotSubmitted, "Milestone has not been submitted", map[string]any{"milestoneIndex": p.MilestoneIndex})
	}

	current, err := s.currentEra(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.enforceQuota(ctx, current, actor, era.KindFormationActions); err != nil {
		return nil, err
	}
	unlocked, err := s.store.UnlockFormationMilestone(ctx, p.ProposalID, p.MilestoneIndex)
	if err != nil {
		return nil, fmt.Errorf("unlock milestone: %w", err)
	}
	if !unlocked {
		return nil, milestoneAlreadyUnlocked(p.MilestoneIndex)
	}
	if err := s.recordActivity(ctx, current, actor, era.KindFormationActions); err != nil {
		return nil, err
	}
	s.logger.Info("milestone unlocked", "proposal_id", p.ProposalID, "milestone", p.MilestoneIndex)

	milestone, err = s.store.GetFormationMilestone(ctx, p.ProposalID, p.MilestoneIndex)
	if err != nil {
		return nil, err
	}
	project, err := s.store.GetFormationProject(ctx, p.ProposalID)
	if err != nil {
		return nil, err
	}
	response := milestoneResponse("formation.milestone.requestUnlock", milestone, true)
	response["milestonesCompleted"] = project.MilestonesCompleted
	response["milestonesTotal"] = project.MilestonesTotal
	return response, nil
}

type FormationMemberView struct {
	Address  string    `json:"address"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

type FormationMilestoneView struct {
	Index       int        `json:"index"`
	Status      string     `json:"status"`
	Note        string     `json:"note,omitempty"`
	SubmittedBy string     `json:"submittedBy,omitempty"`
	SubmittedAt *time.Time `json:"submittedAt,omitempty"`
	UnlockedAt  *time.Time `json:"unlockedAt,omitempty"`
}

type FormationPage struct {
	ProposalID          string                   `json:"proposalId"`
	TeamSlotsTotal      int                      `json:"teamSlotsTotal"`
	TeamFilled          int                      `json:"teamFilled"`
	MilestonesTotal     int                      `json:"milestonesTotal"`
	MilestonesCompleted int                      `json:"milestonesCompleted"`
	Members             []FormationMemberView    `json:"members"`
	Milestones          []FormationMilestoneView `json:"milestones"`
}

func (s *Service) FormationPage(ctx context.Context, proposalID string) (FormationPage, error) {
	_, project, err := s.formationProject(ctx, proposalID)
	if err != nil {
		return FormationPage{}, err
	}
	members, err := s.store.ListFormationMembers(ctx, proposalID)
	if err != nil {
		return FormationPage{}, err
	}
	milestones, err := s.store.ListFormationMilestones(ctx, proposalID)
	if err != nil {
		return FormationPage{}, err
	}
	page := FormationPage{
		ProposalID:          proposalID,
		TeamSlotsTotal:      project.TeamSlotsTotal,
		TeamFilled:          project.TeamFilled,
		MilestonesTotal:     project.MilestonesTotal,
		MilestonesCompleted: project.MilestonesCompleted,
		Members:             make([]FormationMemberView, 0, len(members)),
		Milestones:          make([]FormationMilestoneView, 0, len(milestones)),
	}
	for _, member := range members {
		page.Members = append(page.Members, FormationMemberView{Address: member.MemberAddress, Role: member.Role, JoinedAt: member.JoinedAt})
	}
	for _, milestone := range milestones {
		page.Milestones = append(page.Milestones, FormationMilestoneView{
			Index:       milestone.Index,
			Status:      milestone.Status,
			Note:        milestone.Note,
			SubmittedBy: milestone.SubmittedBy,
			SubmittedAt: milestone.SubmittedAt,
			UnlockedAt:  milestone.UnlockedAt,
		})
	}
	return page, nil
}
