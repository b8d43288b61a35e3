package readmodel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"vortex/api/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type fakeMeili struct {
	mu        sync.Mutex
	healthy   bool
	documents [][]ProposalDoc
	searches  []map[string]any
	hits      []ProposalDoc
}

func (f *fakeMeili) handler() http.Handler {
	task := `{"taskUid":1,"indexUid":"vortex_proposals","status":"enqueued","type":"documentAdditionOrUpdate","enqueuedAt":"2026-01-01T00:00:00Z"}`
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("Connection", "close")
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/health":
			if !f.healthy {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = io.WriteString(w, `{"message":"down","code":"unavailable","type":"system","link":""}`)
				return
			}
			_, _ = io.WriteString(w, `{"status":"available"}`)
		case r.URL.Path == "/multi-search":
			var body struct {
				Queries []map[string]any `json:"queries"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.searches = append(f.searches, body.Queries...)
			hits, _ := json.Marshal(f.hits)
			_, _ = io.WriteString(w, `{"results":[{"indexUid":"vortex_proposals","hits":`+string(hits)+
				`,"estimatedTotalHits":`+itoa(len(f.hits))+`,"limit":20,"offset":0,"processingTimeMs":1,"query":""}]}`)
		case strings.HasSuffix(r.URL.Path, "/documents") && r.Method == http.MethodPost:
			var docs []ProposalDoc
			_ = json.NewDecoder(r.Body).Decode(&docs)
			f.documents = append(f.documents, docs)
			w.WriteHeader(http.StatusAccepted)
			_, _ = io.WriteString(w, task)
		default:
			w.WriteHeader(http.StatusAccepted)
			_, _ = io.WriteString(w, task)
		}
	})
}

func itoa(n int) string {
	raw, _ := json.Marshal(n)
	return string(raw)
}

func seedProposals(t *testing.T) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for _, p := range []store.Proposal{
		{ID: "p1", Stage: store.StagePool, ChamberID: "general", Title: "Treasury reform", Summary: "Rework grants", AuthorAddress: "hmA", CreatedAt: now, UpdatedAt: now},
		{ID: "p2", Stage: store.StageVote, ChamberID: "design", Title: "Brand refresh", Summary: "New treasury colours", AuthorAddress: "hmB", CreatedAt: now, UpdatedAt: now.Add(time.Hour)},
		{ID: "p3", Stage: store.StagePool, ChamberID: "design", Title: "Icon set", AuthorAddress: "hmC", CreatedAt: now, UpdatedAt: now.Add(2 * time.Hour)},
	} {
		require.NoError(t, st.CreateProposal(ctx, p))
	}
	return st
}

func TestSearchFallsBackToStore(t *testing.T) {
	svc := NewService(nil, seedProposals(t), nil)
	defer svc.Close()

	resp := svc.Search(context.Background(), Query{Text: "TREASURY"})
	assert.Equal(t, SourceStore, resp.Source)
	assert.Equal(t, 2, resp.Total)

	resp = svc.Search(context.Background(), Query{Text: "treasury", Stage: store.StageVote})
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "p2", resp.Results[0].ID)

	resp = svc.Search(context.Background(), Query{ChamberID: "design", Limit: 1, Offset: 1})
	assert.Equal(t, 2, resp.Total)
	require.Len(t, resp.Results, 1)

	resp = svc.Search(context.Background(), Query{Offset: 50})
	assert.Empty(t, resp.Results)
	assert.NotNil(t, resp.Results)
}

func TestUnhealthyIndexUsesStore(t *testing.T) {
	fake := &fakeMeili{healthy: false}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	m := newMeili(server.URL, "key", nil, time.Hour)
	svc := NewService(m, seedProposals(t), nil)
	defer svc.Close()

	assert.False(t, m.Healthy())
	svc.Upsert(ProposalDoc{ID: "ignored"})
	resp := svc.Search(context.Background(), Query{Text: "icon"})
	assert.Equal(t, SourceStore, resp.Source)
	assert.Equal(t, 1, resp.Total)
}

func TestHealthyIndexServesSearchAndUpserts(t *testing.T) {
	fake := &fakeMeili{
		healthy: true,
		hits:    []ProposalDoc{{ID: "p9", Title: "Indexed", Stage: store.StagePool, Upvotes: 4}},
	}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	m := newMeili(server.URL, "key", nil, time.Hour)
	svc := NewService(m, seedProposals(t), nil)

	require.True(t, m.Healthy())
	resp := svc.Search(context.Background(), Query{Text: "indexed", Stage: store.StagePool})
	assert.Equal(t, SourceIndex, resp.Source)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, 4, resp.Results[0].Upvotes)

	svc.Upsert(ProposalDoc{ID: "p1", Title: "Treasury reform"})
	svc.Close()

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.documents, 1)
	assert.Equal(t, "p1", fake.documents[0][0].ID)
	require.Len(t, fake.searches, 1)
	assert.Equal(t, "indexed", fake.searches[0]["q"])
}
