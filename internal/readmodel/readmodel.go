// Package readmodel projects proposals into a search index. The canonical
// store stays authoritative; the index may lag or be missing entirely.
package readmodel

import (
	"strings"

	"vortex/api/internal/store"
)

// ProposalDoc is the indexed shape of a proposal.
type ProposalDoc struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Summary   string `json:"summary"`
	Stage     string `json:"stage"`
	ChamberID string `json:"chamberId"`
	Author    string `json:"author"`
	Upvotes   int    `json:"upvotes"`
	Downvotes int    `json:"downvotes"`
	Yes       int    `json:"yes"`
	No        int    `json:"no"`
	Abstain   int    `json:"abstain"`
	UpdatedAt int64  `json:"updatedAt"`
}

type Query struct {
	Text      string
	Stage     string
	ChamberID string
	Limit     int
	Offset    int
}

type Response struct {
	Results []ProposalDoc `json:"results"`
	Total   int           `json:"total"`
	Query   string        `json:"query"`
	Source  string        `json:"source"`
}

// DocFromProposal builds a document without vote counts.
func DocFromProposal(p store.Proposal) ProposalDoc {
	return ProposalDoc{
		ID:        p.ID,
		Title:     p.Title,
		Summary:   p.Summary,
		Stage:     p.Stage,
		ChamberID: p.ChamberID,
		Author:    p.AuthorAddress,
		UpdatedAt: p.UpdatedAt.UTC().UnixMilli(),
	}
}

func (d ProposalDoc) WithPool(counts store.PoolCounts) ProposalDoc {
	d.Upvotes = counts.Upvotes
	d.Downvotes = counts.Downvotes
	return d
}

func (d ProposalDoc) WithChamber(counts store.ChamberCounts) ProposalDoc {
	d.Yes = counts.Yes
	d.No = counts.No
	d.Abstain = counts.Abstain
	return d
}

func matches(p store.Proposal, q Query) bool {
	if q.ChamberID != "" && p.ChamberID != q.ChamberID {
		return false
	}
	text := strings.ToLower(strings.TrimSpace(q.Text))
	if text == "" {
		return true
	}
	return strings.Contains(strings.ToLower(p.Title), text) ||
		strings.Contains(strings.ToLower(p.Summary), text)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
