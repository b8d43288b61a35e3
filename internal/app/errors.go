package app

import (
	"fmt"
	"net/http"
)

// Machine-readable codes for domain failures.
const (
	codeInvalidCommand           = "invalid_command"
	codeProposalNotFound         = "proposal_not_found"
	codeChamberNotFound          = "chamber_not_found"
	codeStageMismatch            = "stage_mismatch"
	codeScoreRequiresYes         = "score_requires_yes"
	codeEraQuotaExceeded         = "era_quota_exceeded"
	codeRateLimited              = "rate_limited"
	codeWritesFrozen             = "writes_frozen"
	codeActionLocked             = "action_locked"
	codeIdempotencyConflict      = "idempotency_conflict"
	codeTeamFull                 = "team_full"
	codeFormationNotStarted      = "formation_not_started"
	codeNotFormationMember       = "not_formation_member"
	codeMilestoneOutOfRange      = "milestone_out_of_range"
	codeMilestoneAlreadyUnlocked = "milestone_already_unlocked"
	codeMilestoneNotSubmitted    = "milestone_not_submitted"
	codeCourtCaseMissing         = "court_case_missing"
	codeCaseNotLive              = "case_not_live"
	codeCaseClosed               = "case_closed"
	codeLoginDisabled            = "login_disabled"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func invalidCommand(message string) *DomainError {
	return domainError(http.StatusBadRequest, codeInvalidCommand, message, nil)
}

func stageMismatch(stage, expected string) *DomainError {
	return domainError(http.StatusConflict, codeStageMismatch,
		fmt.Sprintf("Proposal is not in %s stage", expected),
		map[string]any{"stage": stage, "expected": expected})
}
