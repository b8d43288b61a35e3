package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"vortex/api/internal/cm"
	"vortex/api/internal/store"
)

type CmAwardView struct {
	ProposalID               string    `json:"proposalId"`
	Proposer                 string    `json:"proposer"`
	ChamberID                string    `json:"chamberId"`
	AvgScore                 int       `json:"avgScore"`
	LCM                      int       `json:"lcm"`
	ChamberMultiplierTimes10 int       `json:"chamberMultiplierTimes10"`
	MCM                      int       `json:"mcm"`
	AwardedAt                time.Time `json:"awardedAt"`
}

func newCmAwardView(award store.CmAward) CmAwardView {
	return CmAwardView{
		ProposalID:               award.ProposalID,
		Proposer:                 award.ProposerAddress,
		ChamberID:                award.ChamberID,
		AvgScore:                 award.AvgScore,
		LCM:                      award.LCMPoints,
		ChamberMultiplierTimes10: award.ChamberMultiplierTimes10,
		MCM:                      award.MCMPoints,
		AwardedAt:                award.AwardedAt,
	}
}

// awardCm writes the proposal's award once. It returns nil when no yes vote
// carried a score.
func (s *Service) awardCm(ctx context.Context, proposal store.Proposal, counts store.ChamberCounts) (*store.CmAward, error) {
	multiplier := cm.DefaultMultiplierTimes10
	chamber, err := s.store.GetChamber(ctx, proposal.ChamberID)
	switch {
	case err == nil:
		multiplier = chamber.MultiplierTimes10
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, fmt.Errorf("read chamber %s: %w", proposal.ChamberID, err)
	}

	points, ok := cm.Compute(counts.ScoreSum, counts.ScoreCount, multiplier)
	if !ok {
		return nil, nil
	}
	created, err := s.store.InsertCmAward(ctx, store.CmAward{
		ProposalID:               proposal.ID,
		ProposerAddress:          proposal.AuthorAddress,
		ChamberID:                proposal.ChamberID,
		AvgScore:                 points.AvgScore,
		LCMPoints:                points.LCM,
		ChamberMultiplierTimes10: points.ChamberMultiplierTimes10,
		MCMPoints:                points.MCM,
		AwardedAt:                s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("award cm: %w", err)
	}
	if created {
		s.metrics.CmAward()
		s.logger.Info("cm awarded", "proposal_id", proposal.ID, "proposer", proposal.AuthorAddress, "lcm", points.LCM, "mcm", points.MCM)
	}
	return s.store.GetCmAward(ctx, proposal.ID)
}

type CmChamberView struct {
	ChamberID string `json:"chamberId"`
	Awards    int    `json:"awards"`
	LCM       int    `json:"lcm"`
	MCM       int    `json:"mcm"`
}

type CmSummary struct {
	Address  string          `json:"address"`
	ACM      int             `json:"acm"`
	Chambers []CmChamberView `json:"chambers"`
}

func (s *Service) CmSummary(ctx context.Context, address string) (CmSummary, error) {
	acm, err := s.store.SumACM(ctx, address)
	if err != nil {
		return CmSummary{}, err
	}
	totals, err := s.store.CmTotalsByChamber(ctx, address)
	if err != nil {
		return CmSummary{}, err
	}
	chambers := make([]CmChamberView, 0, len(totals))
	for _, total := range totals {
		chambers = append(chambers, CmChamberView{ChamberID: total.ChamberID, Awards: total.Awards, LCM: total.LCM, MCM: total.MCM})
	}
	return CmSummary{Address: address, ACM: acm, Chambers: chambers}, nil
}

type ChamberView struct {
	ID                string  `json:"id"`
	Title             string  `json:"title"`
	Multiplier        float64 `json:"multiplier"`
	MultiplierTimes10 int     `json:"multiplierTimes10"`
	Awards            int     `json:"awards"`
	LCM               int     `json:"lcm"`
	MCM               int     `json:"mcm"`
}

func (s *Service) ListChambers(ctx context.Context) ([]ChamberView, error) {
	chambers, err := s.store.ListChambers(ctx)
	if err != nil {
		return nil, err
	}
	totals, err := s.store.CmTotalsByChamber(ctx, "")
	if err != nil {
		return nil, err
	}
	byChamber := make(map[string]store.CmChamberTotals, len(totals))
	for _, total := range totals {
		byChamber[total.ChamberID] = total
	}
	views := make([]ChamberView, 0, len(chambers))
	for _, chamber := range chambers {
		total := byChamber[chamber.ID]
		views = append(views, ChamberView{
			ID:                chamber.ID,
			Title:             chamber.Title,
			Multiplier:        float64(chamber.MultiplierTimes10) / 10,
			MultiplierTimes10: chamber.MultiplierTimes10,
			Awards:            total.Awards,
			LCM:               total.LCM,
			MCM:               total.MCM,
		})
	}
	return views, nil
}
