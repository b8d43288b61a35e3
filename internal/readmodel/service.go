package readmodel

import (
	"context"
	"log/slog"
	"sync"

	"vortex/api/internal/store"
)

const (
	SourceIndex = "index"
	SourceStore = "store"
)

type ProposalLister interface {
	ListProposals(ctx context.Context, stage string) ([]store.Proposal, error)
}

// Service tries the index first and falls back to scanning the store.
type Service struct {
	meili    *Meili
	fallback ProposalLister
	logger   *slog.Logger
	pending  sync.WaitGroup
}

// NewService creates the facade. meili may be nil when no index is configured.
func NewService(meili *Meili, fallback ProposalLister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{meili: meili, fallback: fallback, logger: logger}
}

func (s *Service) available() bool {
	return s != nil && s.meili != nil && s.meili.Healthy()
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.available() {
		docs, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(docs), Total: total, Query: q.Text, Source: SourceIndex}
		}
		s.logger.Warn("index search failed, falling back to store", "error", err)
	}

	proposals, err := s.fallback.ListProposals(ctx, q.Stage)
	if err != nil {
		s.logger.Error("store search failed", "error", err)
		return Response{Results: []ProposalDoc{}, Query: q.Text, Source: SourceStore}
	}
	matched := make([]ProposalDoc, 0, len(proposals))
	for _, proposal := range proposals {
		if matches(proposal, q) {
			matched = append(matched, DocFromProposal(proposal))
		}
	}
	total := len(matched)
	start := q.Offset
	if start < 0 || start > total {
		start = total
	}
	end := start + normalizeLimit(q.Limit)
	if end > total {
		end = total
	}
	return Response{Results: matched[start:end], Total: total, Query: q.Text, Source: SourceStore}
}

// Upsert pushes doc to the index without blocking the caller.
func (s *Service) Upsert(doc ProposalDoc) {
	if !s.available() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.meili.Index([]ProposalDoc{doc}); err != nil {
			s.logger.Warn("index proposal", "proposal_id", doc.ID, "error", err)
		}
	}()
}

// Reindex replaces index contents for docs. It is a no-op without an index.
func (s *Service) Reindex(docs []ProposalDoc) error {
	if !s.available() {
		return nil
	}
	return s.meili.Index(docs)
}

// Close waits for in-flight index writes and stops the health loop.
func (s *Service) Close() {
	s.pending.Wait()
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(docs []ProposalDoc) []ProposalDoc {
	if docs == nil {
		return []ProposalDoc{}
	}
	return docs
}
