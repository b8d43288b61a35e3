package app

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"golang.org/x/crypto/blake2b"

	"vortex/api/internal/rbac"
	"vortex/api/internal/store"
	"vortex/api/internal/util"
)

const minIdempotencyKeyLength = 8

// Command is the body of POST /api/command.
type Command struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// CommandContext describes who sent a command and from where.
type CommandContext struct {
	Address   string
	Role      string
	IP        string
	HeaderKey string
}

type commandPayload interface {
	validate() error
	execute(ctx context.Context, s *Service, actor string) (any, error)
}

var commandFactories = map[string]func() commandPayload{
	"proposal.create":                   func() commandPayload { return &proposalCreatePayload{} },
	"pool.vote":                         func() commandPayload { return &poolVotePayload{} },
	"chamber.vote":                      func() commandPayload { return &chamberVotePayload{} },
	"formation.join":                    func() commandPayload { return &formationJoinPayload{} },
	"formation.milestone.submit":        func() commandPayload { return &milestoneSubmitPayload{} },
	"formation.milestone.requestUnlock": func() commandPayload { return &milestoneUnlockPayload{} },
	"court.case.report":                 func() commandPayload { return &courtReportPayload{} },
	"court.case.verdict":                func() commandPayload { return &courtVerdictPayload{} },
}

// ExecuteCommand runs one write command through the admission pipeline and
// returns the JSON response. Replays of an idempotency key return the stored
// response without running the command again.
func (s *Service) ExecuteCommand(ctx context.Context, caller CommandContext, cmd Command) (json.RawMessage, error) {
	response, err := s.executeCommand(ctx, caller, cmd)

	label := cmd.Type
	if _, ok := commandFactories[label]; !ok {
		label = "unknown"
	}
	outcome := "ok"
	if err != nil {
		var domainErr *DomainError
		if errors.As(err, &domainErr) {
			outcome = domainErr.Code
			s.logger.Info("command rejected", "type", label, "address", caller.Address, "code", domainErr.Code)
		} else {
			outcome = "error"
			s.logger.Error("command failed", "type", label, "address", caller.Address, "error", err)
		}
	}
	s.metrics.Command(label, outcome)
	return response, err
}

func (s *Service) executeCommand(ctx context.Context, caller CommandContext, cmd Command) (json.RawMessage, error) {
	factory, ok := commandFactories[cmd.Type]
	if !ok {
		return nil, invalidCommand(fmt.Sprintf("Unknown command type %q", cmd.Type))
	}
	payload := factory()
	if len(bytes.TrimSpace(cmd.Payload)) == 0 {
		return nil, invalidCommand("payload is required")
	}
	if err := json.Unmarshal(cmd.Payload, payload); err != nil {
		return nil, invalidCommand(fmt.Sprintf("payload is not valid for %s", cmd.Type))
	}
	if err := payload.validate(); err != nil {
		return nil, err
	}
	key := firstNonBlank(caller.HeaderKey, cmd.IdempotencyKey)
	if key != "" && len(key) < minIdempotencyKeyLength {
		return nil, invalidCommand(fmt.Sprintf("idempotencyKey must be at least %d characters", minIdempotencyKeyLength))
	}

	address := util.NormalizeAddress(caller.Address)
	if address == "" {
		return nil, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Not authenticated", nil)
	}
	if !s.Can(caller.Role, rbac.ActionCommand) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if err := s.checkEligibility(ctx, address); err != nil {
		return nil, err
	}
	if err := s.checkWriteControls(ctx, address); err != nil {
		return nil, err
	}
	if err := s.checkRateLimits(ctx, caller.IP, address); err != nil {
		return nil, err
	}

	if key == "" {
		return s.runCommand(ctx, payload, address)
	}
	fingerprint, err := commandFingerprint(cmd.Type, payload)
	if err != nil {
		return nil, err
	}
	flightKey := key + "\x00" + address + "\x00" + fingerprint
	result, err, _ := s.flight.Do(flightKey, func() (any, error) {
		return s.runIdempotent(ctx, key, address, cmd.Type, fingerprint, payload)
	})
	if err != nil {
		return nil, err
	}
	return result.(json.RawMessage), nil
}

func (s *Service) runIdempotent(ctx context.Context, key, address, commandType, fingerprint string, payload commandPayload) (json.RawMessage, error) {
	existing, err := s.store.GetIdempotency(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read idempotency key: %w", err)
	}
	if existing != nil {
		if existing.Address != address || existing.Fingerprint != fingerprint {
			return nil, domainError(http.StatusConflict, codeIdempotencyConflict, "Idempotency key conflict", nil)
		}
		return json.RawMessage(existing.Response), nil
	}

	response, err := s.runCommand(ctx, payload, address)
	if err != nil {
		return nil, err
	}
	record := store.IdempotencyRecord{
		Key:         key,
		Address:     address,
		CommandType: commandType,
		Fingerprint: fingerprint,
		Response:    response,
		CreatedAt:   s.now(),
	}
	if err := s.store.SaveIdempotency(ctx, record); err != nil {
		s.logger.Error("store idempotency response", "key", key, "error", err)
	}
	return response, nil
}

func (s *Service) runCommand(ctx context.Context, payload commandPayload, address string) (json.RawMessage, error) {
	result, err := payload.execute(ctx, s, address)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode command response: %w", err)
	}
	return raw, nil
}

// commandFingerprint hashes the decoded command so formatting differences
// in the request body do not change it.
func commandFingerprint(commandType string, payload commandPayload) (string, error) {
	canonical, err := json.Marshal(struct {
		Type    string         `json:"type"`
		Payload commandPayload `json:"payload"`
	}{commandType, payload})
	if err != nil {
		return "", fmt.Errorf("encode command fingerprint: %w", err)
	}
	sum := blake2b.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func (s *Service) checkEligibility(ctx context.Context, address string) error {
	result, err := s.gate.Check(ctx, address)
	if err != nil {
		return err
	}
	if !result.Eligible {
		reason := firstNonBlank(result.Reason, "not_eligible")
		return domainError(http.StatusForbidden, reason, "Address is not eligible to govern", map[string]any{"gate": result})
	}
	return nil
}

func (s *Service) checkWriteControls(ctx context.Context, address string) error {
	state, err := s.store.GetAdminState(ctx)
	if err != nil {
		return fmt.Errorf("read admin state: %w", err)
	}
	if state.WritesFrozen {
		return domainError(http.StatusServiceUnavailable, codeWritesFrozen, "Writes are temporarily frozen", nil)
	}
	lock, err := s.store.GetActionLock(ctx, address)
	if err != nil {
		return fmt.Errorf("read action lock: %w", err)
	}
	if lock != nil && lock.LockedUntil.After(s.now()) {
		return domainError(http.StatusForbidden, codeActionLocked, "Address is locked from taking actions", map[string]any{
			"lockedUntil": lock.LockedUntil,
			"reason":      lock.Reason,
		})
	}
	return nil
}

func (s *Service) checkRateLimits(ctx context.Context, ip, address string) error {
	type bucket struct {
		scope string
		key   string
		limit int
	}
	buckets := []bucket{{scope: "address", key: "addr:" + address, limit: s.cfg.RateLimit.PerAddress}}
	if ip != "" {
		buckets = append([]bucket{{scope: "ip", key: "ip:" + ip, limit: s.cfg.RateLimit.PerIP}}, buckets...)
	}
	now := s.now()
	for _, b := range buckets {
		decision, err := s.limiter.Allow(ctx, b.key, b.limit, s.cfg.RateLimit.Window)
		if err != nil {
			s.logger.Warn("rate limiter unavailable", "scope", b.scope, "error", err)
			continue
		}
		if !decision.Allowed {
			return domainError(http.StatusTooManyRequests, codeRateLimited, "Too many requests", map[string]any{
				"scope":             b.scope,
				"limit":             decision.Limit,
				"remaining":         decision.Remaining,
				"resetAt":           decision.ResetAt,
				"retryAfterSeconds": retryAfterSeconds(decision.RetryAfter(now)),
			})
		}
	}
	return nil
}

func retryAfterSeconds(wait time.Duration) int {
	if wait <= 0 {
		return 0
	}
	return int(math.Ceil(wait.Seconds()))
}
