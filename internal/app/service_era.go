package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"vortex/api/internal/era"
)

// eraContext is the clock reading a command works against.
type eraContext struct {
	Era       int
	StartedAt time.Time
	Active    int
}

func (s *Service) currentEra(ctx context.Context) (eraContext, error) {
	clock, err := s.store.GetClock(ctx)
	if err != nil {
		return eraContext{}, fmt.Errorf("read clock: %w", err)
	}
	active, err := s.activeGovernors(ctx, clock.CurrentEra)
	if err != nil {
		return eraContext{}, err
	}
	return eraContext{Era: clock.CurrentEra, StartedAt: clock.UpdatedAt, Active: active}, nil
}

// activeGovernors reads the era snapshot, falling back to the configured
// constant when none has been written.
func (s *Service) activeGovernors(ctx context.Context, eraNumber int) (int, error) {
	snapshot, err := s.store.GetEraSnapshot(ctx, eraNumber)
	if err != nil {
		return 0, fmt.Errorf("read era snapshot: %w", err)
	}
	if snapshot == nil {
		return s.cfg.Era.FallbackActiveGovernors, nil
	}
	return snapshot.ActiveGovernors, nil
}

// enforceQuota rejects an action that would count once the address has
// used its per-era limit for kind.
func (s *Service) enforceQuota(ctx context.Context, current eraContext, address string, kind era.Kind) error {
	limit := s.cfg.Era.Quotas.Limit(kind)
	if limit == nil {
		return nil
	}
	counters, err := s.store.GetEraActivity(ctx, current.Era, address)
	if err != nil {
		return fmt.Errorf("read era activity: %w", err)
	}
	used := counters.Get(kind)
	if used < *limit {
		return nil
	}
	s.metrics.QuotaRejection(string(kind))
	s.logger.Warn("era quota exceeded", "address", address, "kind", kind, "limit", *limit, "era", current.Era)
	resetAt := current.StartedAt.Add(s.cfg.Era.Length)
	return domainError(http.StatusTooManyRequests, codeEraQuotaExceeded, "Era quota exceeded", map[string]any{
		"kind":              kind,
		"limit":             *limit,
		"used":              used,
		"era":               current.Era,
		"resetAt":           resetAt,
		"retryAfterSeconds": retryAfterSeconds(resetAt.Sub(s.now())),
	})
}

func (s *Service) recordActivity(ctx context.Context, current eraContext, address string, kind era.Kind) error {
	if err := s.store.IncrementEraActivity(ctx, current.Era, address, era.Delta(kind)); err != nil {
		return fmt.Errorf("record era activity: %w", err)
	}
	return nil
}

type ClockView struct {
	CurrentEra         int       `json:"currentEra"`
	UpdatedAt          time.Time `json:"updatedAt"`
	EraLengthSeconds   int64     `json:"eraLengthSeconds"`
	NextEraAt          time.Time `json:"nextEraAt"`
	ActiveGovernors    int       `json:"activeGovernors"`
	DynamicGovernorSet bool      `json:"dynamicActiveGovernors"`
}

func (s *Service) Clock(ctx context.Context) (ClockView, error) {
	current, err := s.currentEra(ctx)
	if err != nil {
		return ClockView{}, err
	}
	return ClockView{
		CurrentEra:         current.Era,
		UpdatedAt:          current.StartedAt,
		EraLengthSeconds:   int64(s.cfg.Era.Length / time.Second),
		NextEraAt:          current.StartedAt.Add(s.cfg.Era.Length),
		ActiveGovernors:    current.Active,
		DynamicGovernorSet: s.cfg.Era.DynamicActiveGovernors,
	}, nil
}

type RollupResult struct {
	era.Rollup
	Statuses     []era.UserStatus   `json:"statuses"`
	StatusCounts map[era.Status]int `json:"statusCounts"`
	Created      bool               `json:"created"`
}

// RollupEra freezes an era's statuses. A second call returns the stored
// rollup; status counts are always derived from the stored statuses. With
// dynamic sizing the next era's snapshot follows the frozen rollup.
func (s *Service) RollupEra(ctx context.Context, eraNumber int) (RollupResult, error) {
	if eraNumber < 0 {
		return RollupResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "era must not be negative", nil)
	}
	created := false
	rollup, err := s.store.GetEraRollup(ctx, eraNumber)
	if err != nil {
		return RollupResult{}, fmt.Errorf("read era rollup: %w", err)
	}
	if rollup == nil {
		activity, err := s.store.ListEraActivity(ctx, eraNumber)
		if err != nil {
			return RollupResult{}, fmt.Errorf("list era activity: %w", err)
		}
		computed, statuses := era.Compute(eraNumber, s.cfg.Era.Requirements, activity, s.now())
		created, err = s.store.InsertEraRollup(ctx, computed, statuses)
		if err != nil {
			return RollupResult{}, fmt.Errorf("write era rollup: %w", err)
		}
		if created {
			rollup = &computed
		} else if rollup, err = s.store.GetEraRollup(ctx, eraNumber); err != nil {
			return RollupResult{}, fmt.Errorf("read era rollup: %w", err)
		}
	}

	statuses, err := s.store.ListEraUserStatuses(ctx, eraNumber)
	if err != nil {
		return RollupResult{}, fmt.Errorf("list era statuses: %w", err)
	}
	if statuses == nil {
		statuses = []era.UserStatus{}
	}
	if s.cfg.Era.DynamicActiveGovernors {
		if err := s.store.SetEraSnapshot(ctx, eraNumber+1, rollup.ActiveGovernorsNextEra); err != nil {
			return RollupResult{}, fmt.Errorf("set next era snapshot: %w", err)
		}
	}
	if created {
		s.metrics.EraRollup()
		s.logger.Info("era rolled up", "era", eraNumber, "governors", len(statuses), "active_next_era", rollup.ActiveGovernorsNextEra)
		if err := s.archive.ArchiveRollup(ctx, *rollup, statuses); err != nil {
			s.logger.Warn("archive era rollup", "era", eraNumber, "error", err)
		}
	}
	return RollupResult{
		Rollup:       *rollup,
		Statuses:     statuses,
		StatusCounts: era.CountStatuses(statuses),
		Created:      created,
	}, nil
}

type TickOptions struct {
	ForceAdvance bool `json:"forceAdvance"`
	// SkipRollup disables the rollup of the era being ticked.
	SkipRollup bool `json:"-"`
}

type TickResult struct {
	OK       bool          `json:"ok"`
	Due      bool          `json:"due"`
	Advanced bool          `json:"advanced"`
	FromEra  int           `json:"fromEra"`
	ToEra    int           `json:"toEra"`
	Rollup   *RollupResult `json:"rollup"`
}

// Tick rolls up the current era and advances the clock when the era has
// run its length or the caller forces it.
func (s *Service) Tick(ctx context.Context, opts TickOptions) (TickResult, error) {
	clock, err := s.store.GetClock(ctx)
	if err != nil {
		return TickResult{}, fmt.Errorf("read clock: %w", err)
	}
	if err := s.store.EnsureEraSnapshot(ctx, clock.CurrentEra, s.cfg.Era.FallbackActiveGovernors); err != nil {
		return TickResult{}, fmt.Errorf("seed era snapshot: %w", err)
	}

	now := s.now()
	due := opts.ForceAdvance || now.Sub(clock.UpdatedAt) >= s.cfg.Era.Length
	result := TickResult{OK: true, Due: due, FromEra: clock.CurrentEra, ToEra: clock.CurrentEra}

	if !opts.SkipRollup {
		rollup, err := s.RollupEra(ctx, clock.CurrentEra)
		if err != nil {
			return TickResult{}, err
		}
		result.Rollup = &rollup
	}

	if due {
		next, advanced, err := s.store.AdvanceEra(ctx, clock.CurrentEra, now)
		if err != nil {
			return TickResult{}, fmt.Errorf("advance era: %w", err)
		}
		result.Advanced = advanced
		result.ToEra = next.CurrentEra
		if err := s.store.EnsureEraSnapshot(ctx, next.CurrentEra, s.cfg.Era.FallbackActiveGovernors); err != nil {
			return TickResult{}, fmt.Errorf("seed era snapshot: %w", err)
		}
		if advanced {
			s.logger.Info("era advanced", "from", clock.CurrentEra, "to", next.CurrentEra)
		}
	}
	return result, nil
}

type QuotaView struct {
	Limit     *int `json:"limit"`
	Used      int  `json:"used"`
	Remaining *int `json:"remaining"`
}

type MyGovernance struct {
	Address         string                 `json:"address"`
	Era             int                    `json:"era"`
	ActiveGovernors int                    `json:"activeGovernors"`
	Activity        era.Counters           `json:"activity"`
	Requirements    era.Counters           `json:"requirements"`
	RequiredTotal   int                    `json:"requiredTotal"`
	CompletedTotal  int                    `json:"completedTotal"`
	Status          era.Status             `json:"status"`
	Quotas          map[era.Kind]QuotaView `json:"quotas"`
	LastStatus      *era.UserStatus        `json:"lastStatus"`
	ACM             int                    `json:"acm"`
}

func (s *Service) MyGovernance(ctx context.Context, address string) (MyGovernance, error) {
	current, err := s.currentEra(ctx)
	if err != nil {
		return MyGovernance{}, err
	}
	activity, err := s.store.GetEraActivity(ctx, current.Era, address)
	if err != nil {
		return MyGovernance{}, fmt.Errorf("read era activity: %w", err)
	}
	var last *era.UserStatus
	if current.Era > 0 {
		last, err = s.store.GetEraUserStatus(ctx, current.Era-1, address)
		if err != nil {
			return MyGovernance{}, fmt.Errorf("read last era status: %w", err)
		}
	}
	acm, err := s.store.SumACM(ctx, address)
	if err != nil {
		return MyGovernance{}, fmt.Errorf("sum acm: %w", err)
	}

	quotas := make(map[era.Kind]QuotaView, len(era.Kinds))
	for _, kind := range era.Kinds {
		view := QuotaView{Limit: s.cfg.Era.Quotas.Limit(kind), Used: activity.Get(kind)}
		if view.Limit != nil {
			remaining := *view.Limit - view.Used
			if remaining < 0 {
				remaining = 0
			}
			view.Remaining = &remaining
		}
		quotas[kind] = view
	}

	requirements := s.cfg.Era.Requirements
	return MyGovernance{
		Address:         address,
		Era:             current.Era,
		ActiveGovernors: current.Active,
		Activity:        activity,
		Requirements:    requirements,
		RequiredTotal:   requirements.Total(),
		CompletedTotal:  activity.Total(),
		Status:          era.Classify(activity.Total(), requirements.Total()),
		Quotas:          quotas,
		LastStatus:      last,
		ACM:             acm,
	}, nil
}
