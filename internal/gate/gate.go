// Package gate decides whether an address may issue write commands.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"vortex/api/internal/config"
	"vortex/api/internal/store"
	"vortex/api/internal/util"
)

const (
	ReasonNotInValidatorSet = "not_in_validator_set"
	ReasonRPCError          = "rpc_error"
)

type Result struct {
	Eligible  bool      `json:"eligible"`
	Reason    string    `json:"reason,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Oracle answers whether an address is currently an active human node.
type Oracle interface {
	IsActiveHumanNode(ctx context.Context, address string) (bool, error)
}

type Cache interface {
	GetEligibility(ctx context.Context, address string) (*store.EligibilityRecord, error)
	SaveEligibility(ctx context.Context, record store.EligibilityRecord) error
}

type Gate struct {
	bypass bool
	allow  map[string]struct{}
	ttl    time.Duration
	cache  Cache
	oracle Oracle
	logger *slog.Logger
	now    func() time.Time
}

// New builds a gate. A nil oracle makes every uncached lookup fail with
// rpc_error.
func New(cfg config.GateConfig, cache Cache, oracle Oracle, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	allow := make(map[string]struct{}, len(cfg.EligibleAddresses))
	for _, address := range cfg.EligibleAddresses {
		if trimmed := strings.TrimSpace(address); trimmed != "" {
			allow[strings.ToLower(trimmed)] = struct{}{}
		}
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Gate{
		bypass: cfg.Bypass,
		allow:  allow,
		ttl:    ttl,
		cache:  cache,
		oracle: oracle,
		logger: logger,
		now:    time.Now,
	}
}

func (g *Gate) Check(ctx context.Context, address string) (Result, error) {
	now := g.now().UTC()
	expiresAt := now.Add(g.ttl)
	if g.bypass {
		return Result{Eligible: true, ExpiresAt: expiresAt}, nil
	}
	if _, ok := g.allow[strings.ToLower(strings.TrimSpace(address))]; ok {
		return Result{Eligible: true, ExpiresAt: expiresAt}, nil
	}

	key := util.NormalizeAddress(address)
	if g.cache != nil {
		cached, err := g.cache.GetEligibility(ctx, key)
		if err != nil {
			return Result{}, fmt.Errorf("read eligibility cache: %w", err)
		}
		if cached != nil && cached.ExpiresAt.After(now) {
			result := Result{Eligible: cached.Eligible, ExpiresAt: cached.ExpiresAt}
			if !cached.Eligible {
				result.Reason = cached.Reason
				if result.Reason == "" {
					result.Reason = ReasonNotInValidatorSet
				}
			}
			return result, nil
		}
	}

	if g.oracle == nil {
		return Result{Reason: ReasonRPCError, ExpiresAt: expiresAt}, nil
	}
	eligible, err := g.oracle.IsActiveHumanNode(ctx, strings.TrimSpace(address))
	if err != nil {
		g.logger.Warn("eligibility oracle failed", "address", key, "error", err)
		return Result{Reason: ReasonRPCError, ExpiresAt: expiresAt}, nil
	}

	result := Result{Eligible: eligible, ExpiresAt: expiresAt}
	if !eligible {
		result.Reason = ReasonNotInValidatorSet
	}
	if g.cache != nil {
		record := store.EligibilityRecord{
			Address:   key,
			Eligible:  eligible,
			Reason:    result.Reason,
			CheckedAt: now,
			ExpiresAt: expiresAt,
		}
		if err := g.cache.SaveEligibility(ctx, record); err != nil {
			g.logger.Warn("eligibility cache write failed", "address", key, "error", err)
		}
	}
	return result, nil
}
