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

func (s *Service) getCourtCase(ctx context.Context, id string) (store.CourtCase, error) {
	courtCase, err := s.store.GetCourtCase(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.CourtCase{}, domainError(http.StatusNotFound, codeCourtCaseMissing, "Court case not found", map[string]any{"caseId": id})
	}
	return courtCase, err
}

type courtReportPayload struct {
	CaseID string `json:"caseId"`
}

func (p *courtReportPayload) validate() error {
	p.CaseID = strings.TrimSpace(p.CaseID)
	if p.CaseID == "" {
		return invalidCommand("caseId is required")
	}
	return nil
}

func (p *courtReportPayload) execute(ctx context.Context, s *Service, actor string) (any, error) {
	courtCase, err := s.getCourtCase(ctx, p.CaseID)
	if err != nil {
		return nil, err
	}
	if courtCase.Status == store.CaseResolved {
		return nil, domainError(http.StatusConflict, codeCaseClosed, "Court case is already resolved", map[string]any{"caseId": p.CaseID})
	}

	reported, err := s.store.HasCourtReport(ctx, p.CaseID, actor)
	if err != nil {
		return nil, fmt.Errorf("read court report: %w", err)
	}
	created := false
	if !reported {
		current, err := s.currentEra(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.enforceQuota(ctx, current, actor, era.KindCourtActions); err != nil {
			return nil, err
		}
		created, err = s.store.InsertCourtReport(ctx, p.CaseID, actor)
		if err != nil {
			return nil, fmt.Errorf("insert court report: %w", err)
		}
		if created {
			if err := s.recordActivity(ctx, current, actor, era.KindCourtActions); err != nil {
				return nil, err
			}
		}
	}

	reports, err := s.store.CountCourtReports(ctx, p.CaseID)
	if err != nil {
		return nil, fmt.Errorf("count court reports: %w", err)
	}
	total := courtCase.BaseReports + reports
	status := courtCase.Status
	if status == store.CaseOpen && total >= s.cfg.Courts.LiveReportThreshold {
		moved, err := s.store.TransitionCourtCase(ctx, p.CaseID, store.CaseOpen, store.CaseLive, "")
		if err != nil {
			return nil, fmt.Errorf("open court case for verdicts: %w", err)
		}
		if moved {
			s.logger.Info("court case live", "case_id", p.CaseID, "reports", total)
		}
		status = store.CaseLive
	}
	return map[string]any{
		"ok":       true,
		"type":     "court.case.report",
		"caseId":   p.CaseID,
		"reported": created,
		"reports":  total,
		"status":   status,
	}, nil
}

type courtVerdictPayload struct {
	CaseID  string `json:"caseId"`
	Verdict string `json:"verdict"`
}

func (p *courtVerdictPayload) validate() error {
	p.CaseID = strings.TrimSpace(p.CaseID)
	p.Verdict = strings.TrimSpace(p.Verdict)
	if p.CaseID == "" {
		return invalidCommand("caseId is required")
	}
	if p.Verdict != store.VerdictGuilty && p.Verdict != store.VerdictNotGuilty {
		return invalidCommand("verdict must be guilty or not_guilty")
	}
	return nil
}

func (p *courtVerdictPayload) execute(ctx context.Context, s *Service, actor string) (any, error) {
	courtCase, err := s.getCourtCase(ctx, p.CaseID)
	if err != nil {
		return nil, err
	}
	if courtCase.Status != store.CaseLive {
		return nil, domainError(http.StatusConflict, codeCaseNotLive, "Court case is not accepting verdicts", map[string]any{
			"caseId": p.CaseID,
			"status": courtCase.Status,
		})
	}

	voted, err := s.store.HasCourtVerdict(ctx, p.CaseID, actor)
	if err != nil {
		return nil, fmt.Errorf("read court verdict: %w", err)
	}
	current, err := s.currentEra(ctx)
	if err != nil {
		return nil, err
	}
	if !voted {
		if err := s.enforceQuota(ctx, current, actor, era.KindCourtActions); err != nil {
			return nil, err
		}
	}
	created, err := s.store.UpsertCourtVerdict(ctx, p.CaseID, actor, p.Verdict)
	if err != nil {
		return nil, fmt.Errorf("record court verdict: %w", err)
	}
	if created {
		if err := s.recordActivity(ctx, current, actor, era.KindCourtActions); err != nil {
			return nil, err
		}
	}

	tally, err := s.store.CourtVerdictTally(ctx, p.CaseID)
	if err != nil {
		return nil, fmt.Errorf("tally court verdicts: %w", err)
	}
	status := courtCase.Status
	decision := ""
	if tally.Total() >= s.cfg.Courts.VerdictThreshold {
		decision = decide(tally)
		resolved, err := s.store.TransitionCourtCase(ctx, p.CaseID, store.CaseLive, store.CaseResolved, decision)
		if err != nil {
			return nil, fmt.Errorf("resolve court case: %w", err)
		}
		if resolved {
			s.logger.Info("court case resolved", "case_id", p.CaseID, "decision", decision, "guilty", tally.Guilty, "not_guilty", tally.NotGuilty)
			status = store.CaseResolved
		} else {
			// Another verdict resolved the case first; its decision stands.
			stored, err := s.getCourtCase(ctx, p.CaseID)
			if err != nil {
				return nil, err
			}
			status = stored.Status
			decision = stored.Decision
		}
	}
	return map[string]any{
		"ok":       true,
		"type":     "court.case.verdict",
		"caseId":   p.CaseID,
		"verdict":  p.Verdict,
		"tally":    newTallyView(tally),
		"status":   status,
		"decision": decision,
	}, nil
}

// decide resolves ties in favour of the subject.
func decide(tally store.VerdictTally) string {
	if tally.Guilty > tally.NotGuilty {
		return store.VerdictGuilty
	}
	return store.VerdictNotGuilty
}

type TallyView struct {
	Guilty    int `json:"guilty"`
	NotGuilty int `json:"notGuilty"`
	Total     int `json:"total"`
}

func newTallyView(tally store.VerdictTally) TallyView {
	return TallyView{Guilty: tally.Guilty, NotGuilty: tally.NotGuilty, Total: tally.Total()}
}

type CourtCaseView struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Subject          string    `json:"subject"`
	Status           string    `json:"status"`
	Reports          int       `json:"reports"`
	LiveThreshold    int       `json:"liveThreshold"`
	Verdicts         TallyView `json:"verdicts"`
	VerdictThreshold int       `json:"verdictThreshold"`
	Decision         string    `json:"decision,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func (s *Service) CourtCase(ctx context.Context, id string) (CourtCaseView, error) {
	courtCase, err := s.getCourtCase(ctx, id)
	if err != nil {
		return CourtCaseView{}, err
	}
	reports, err := s.store.CountCourtReports(ctx, id)
	if err != nil {
		return CourtCaseView{}, err
	}
	tally, err := s.store.CourtVerdictTally(ctx, id)
	if err != nil {
		return CourtCaseView{}, err
	}
	return CourtCaseView{
		ID:               courtCase.ID,
		Title:            courtCase.Title,
		Subject:          courtCase.SubjectAddress,
		Status:           courtCase.Status,
		Reports:          courtCase.BaseReports + reports,
		LiveThreshold:    s.cfg.Courts.LiveReportThreshold,
		Verdicts:         newTallyView(tally),
		VerdictThreshold: s.cfg.Courts.VerdictThreshold,
		Decision:         courtCase.Decision,
		CreatedAt:        courtCase.CreatedAt,
		UpdatedAt:        courtCase.UpdatedAt,
	}, nil
}
