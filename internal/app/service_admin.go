package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"vortex/api/internal/store"
	"vortex/api/internal/util"
)

type OpenCourtCaseInput struct {
	Title       string `json:"title"`
	Subject     string `json:"subject"`
	BaseReports int    `json:"baseReports"`
}

func (s *Service) OpenCourtCase(ctx context.Context, input OpenCourtCaseInput) (CourtCaseView, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return CourtCaseView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if input.BaseReports < 0 {
		return CourtCaseView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "baseReports must not be negative", nil)
	}
	now := s.now()
	courtCase := store.CourtCase{
		ID:             util.NewID("case"),
		Title:          title,
		SubjectAddress: util.NormalizeAddress(input.Subject),
		Status:         store.CaseOpen,
		BaseReports:    input.BaseReports,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if courtCase.BaseReports >= s.cfg.Courts.LiveReportThreshold {
		courtCase.Status = store.CaseLive
	}
	if err := s.store.CreateCourtCase(ctx, courtCase); err != nil {
		return CourtCaseView{}, err
	}
	s.logger.Info("court case opened", "case_id", courtCase.ID, "subject", courtCase.SubjectAddress, "status", courtCase.Status)
	return s.CourtCase(ctx, courtCase.ID)
}

type AdminStateView struct {
	WritesFrozen bool      `json:"writesFrozen"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (s *Service) SetWritesFrozen(ctx context.Context, frozen bool) (AdminStateView, error) {
	if err := s.store.SetWritesFrozen(ctx, frozen); err != nil {
		return AdminStateView{}, err
	}
	s.logger.Warn("writes freeze changed", "frozen", frozen)
	state, err := s.store.GetAdminState(ctx)
	if err != nil {
		return AdminStateView{}, err
	}
	return AdminStateView{WritesFrozen: state.WritesFrozen, UpdatedAt: state.UpdatedAt}, nil
}

type ActionLockInput struct {
	Address     string    `json:"address"`
	LockedUntil time.Time `json:"lockedUntil"`
	Reason      string    `json:"reason"`
	// Clear removes any lock on the address instead of setting one.
	Clear bool `json:"clear"`
}

type ActionLockView struct {
	Address     string     `json:"address"`
	Locked      bool       `json:"locked"`
	LockedUntil *time.Time `json:"lockedUntil,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

func (s *Service) SetActionLock(ctx context.Context, input ActionLockInput) (ActionLockView, error) {
	address := util.NormalizeAddress(input.Address)
	if address == "" {
		return ActionLockView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "address is required", nil)
	}
	if input.Clear {
		if err := s.store.ClearActionLock(ctx, address); err != nil {
			return ActionLockView{}, err
		}
		s.logger.Info("action lock cleared", "address", address)
		return ActionLockView{Address: address}, nil
	}
	if !input.LockedUntil.After(s.now()) {
		return ActionLockView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "lockedUntil must be in the future", nil)
	}
	lock := store.ActionLock{
		Address:     address,
		LockedUntil: input.LockedUntil.UTC(),
		Reason:      strings.TrimSpace(input.Reason),
		CreatedAt:   s.now(),
	}
	if err := s.store.SetActionLock(ctx, lock); err != nil {
		return ActionLockView{}, err
	}
	s.logger.Info("action lock set", "address", address, "until", lock.LockedUntil, "reason", lock.Reason)
	return ActionLockView{Address: address, Locked: true, LockedUntil: &lock.LockedUntil, Reason: lock.Reason}, nil
}
