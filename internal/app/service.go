package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"vortex/api/internal/archive"
	"vortex/api/internal/auth"
	"vortex/api/internal/cm"
	"vortex/api/internal/config"
	"vortex/api/internal/gate"
	"vortex/api/internal/metrics"
	"vortex/api/internal/ratelimit"
	"vortex/api/internal/rbac"
	"vortex/api/internal/readmodel"
	"vortex/api/internal/store"
	"vortex/api/internal/util"
)

// Session is an authenticated caller.
type Session struct {
	Token     string
	Address   string
	Role      string
	JTI       string
	ExpiresAt time.Time
}

type eligibilityGate interface {
	Check(ctx context.Context, address string) (gate.Result, error)
}

type proposalIndex interface {
	Search(ctx context.Context, q readmodel.Query) readmodel.Response
	Upsert(doc readmodel.ProposalDoc)
}

// Options carries the optional collaborators of a Service. Zero values fall
// back to in-process implementations.
type Options struct {
	Gate      eligibilityGate
	Limiter   ratelimit.Limiter
	ReadModel proposalIndex
	Archive   archive.Archiver
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type Service struct {
	cfg       config.Config
	store     store.Store
	gate      eligibilityGate
	limiter   ratelimit.Limiter
	readModel proposalIndex
	archive   archive.Archiver
	metrics   *metrics.Metrics
	logger    *slog.Logger
	flight    singleflight.Group
	now       func() time.Time
}

func New(cfg config.Config, dataStore store.Store, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:       cfg,
		store:     dataStore,
		gate:      opts.Gate,
		limiter:   opts.Limiter,
		readModel: opts.ReadModel,
		archive:   opts.Archive,
		metrics:   opts.Metrics,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if s.gate == nil {
		s.gate = gate.New(cfg.Gate, dataStore, nil, logger)
	}
	if s.limiter == nil {
		s.limiter = ratelimit.NewMemoryLimiter()
	}
	if s.archive == nil {
		s.archive = archive.Noop{}
	}
	return s
}

// Bootstrap seeds the genesis chambers and the snapshot of the current era.
func (s *Service) Bootstrap(ctx context.Context) error {
	chambers := make([]store.Chamber, 0, len(s.cfg.Chambers))
	for _, chamber := range s.cfg.Chambers {
		chambers = append(chambers, store.Chamber{
			ID:                chamber.ID,
			Title:             chamber.Title,
			MultiplierTimes10: cm.MultiplierTimes10(chamber.Multiplier),
		})
	}
	if err := s.store.EnsureChambers(ctx, chambers); err != nil {
		return fmt.Errorf("seed chambers: %w", err)
	}
	clock, err := s.store.GetClock(ctx)
	if err != nil {
		return fmt.Errorf("read clock: %w", err)
	}
	if err := s.store.EnsureEraSnapshot(ctx, clock.CurrentEra, s.cfg.Era.FallbackActiveGovernors); err != nil {
		return fmt.Errorf("seed era snapshot: %w", err)
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) roleFor(address string) string {
	if s.cfg.IsAdmin(address) {
		return string(rbac.RoleAdmin)
	}
	return string(rbac.RoleGovernor)
}

// Login issues a session for address. Wallet signatures are not verified,
// so it is only available with dev login enabled.
func (s *Service) Login(_ context.Context, address string) (Session, error) {
	if !s.cfg.DevLogin {
		return Session{}, domainError(http.StatusForbidden, codeLoginDisabled, "Login is disabled", nil)
	}
	address = util.NormalizeAddress(address)
	if address == "" {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "address is required", nil)
	}
	token, claims, err := auth.IssueSession([]byte(s.cfg.SessionSecret), address, s.roleFor(address), s.cfg.SessionTTL)
	if err != nil {
		return Session{}, err
	}
	s.logger.Info("session issued", "address", claims.Sub, "role", claims.Role)
	return Session{
		Token:     token,
		Address:   claims.Sub,
		Role:      claims.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0).UTC(),
	}, nil
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.SessionSecret), token)
	if err != nil {
		return Session{}, err
	}
	role := string(rbac.Normalize(claims.Role))
	// Admin membership follows configuration, not the token.
	if s.cfg.IsAdmin(claims.Sub) {
		role = string(rbac.RoleAdmin)
	} else if role == string(rbac.RoleAdmin) {
		role = string(rbac.RoleGovernor)
	}
	return Session{
		Token:     token,
		Address:   claims.Sub,
		Role:      role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0).UTC(),
	}, nil
}

func (s *Service) getProposal(ctx context.Context, id string) (store.Proposal, error) {
	proposal, err := s.store.GetProposal(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Proposal{}, domainError(http.StatusNotFound, codeProposalNotFound, "Proposal not found", map[string]any{"proposalId": id})
	}
	return proposal, err
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
