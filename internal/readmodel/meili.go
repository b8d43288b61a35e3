package readmodel

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxProposals = "vortex_proposals"

var errUnhealthy = errors.New("meilisearch unhealthy")

// Meili keeps the proposal index in Meilisearch and tracks its reachability.
type Meili struct {
	client  meili.ServiceManager
	logger  *slog.Logger
	healthy atomic.Bool
	done    chan struct{}
	stopped chan struct{}
}

// NewMeili connects and configures the index. An unreachable server is not
// an error; the health loop picks it up once it comes back.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	return newMeili(url, apiKey, logger, 10*time.Second)
}

func newMeili(url, apiKey string, logger *slog.Logger, interval time.Duration) *Meili {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Meili{
		client:  meili.New(url, meili.WithAPIKey(apiKey)),
		logger:  logger.With("component", "readmodel"),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.logger.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop(interval)
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxProposals,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("create index (may already exist)", "index", idxProposals, "error", err)
	}

	index := m.client.Index(idxProposals)
	filterable := []interface{}{"stage", "chamberId", "author"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", "index", idxProposals, "error", err)
	}
	searchable := []string{"title", "summary"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", "index", idxProposals, "error", err)
	}
}

func (m *Meili) healthLoop(interval time.Duration) {
	defer close(m.stopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the health loop and waits for it to exit.
func (m *Meili) Close() {
	close(m.done)
	<-m.stopped
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q Query) ([]ProposalDoc, int, error) {
	if !m.healthy.Load() {
		return nil, 0, errUnhealthy
	}

	request := &meili.SearchRequest{
		IndexUID: idxProposals,
		Query:    q.Text,
		Limit:    int64(normalizeLimit(q.Limit)),
		Offset:   int64(q.Offset),
	}
	var filters []string
	if q.Stage != "" {
		filters = append(filters, fmt.Sprintf("stage = %q", q.Stage))
	}
	if q.ChamberID != "" {
		filters = append(filters, fmt.Sprintf("chamberId = %q", q.ChamberID))
	}
	if len(filters) > 0 {
		request.Filter = filters
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{request},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var docs []ProposalDoc
	total := 0
	for _, result := range resp.Results {
		total += int(result.EstimatedTotalHits)
		for _, hit := range result.Hits {
			doc, err := hitToDoc(hit)
			if err != nil {
				m.logger.Warn("skip malformed hit", "error", err)
				continue
			}
			docs = append(docs, doc)
		}
	}
	return docs, total, nil
}

func hitToDoc(hit meili.Hit) (ProposalDoc, error) {
	raw, err := json.Marshal(hit)
	if err != nil {
		return ProposalDoc{}, err
	}
	var doc ProposalDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ProposalDoc{}, err
	}
	return doc, nil
}

func (m *Meili) Index(docs []ProposalDoc) error {
	if len(docs) == 0 {
		return nil
	}
	_, err := m.client.Index(idxProposals).AddDocuments(docs, nil)
	return err
}

func (m *Meili) Delete(id string) error {
	_, err := m.client.Index(idxProposals).DeleteDocument(id, nil)
	return err
}
