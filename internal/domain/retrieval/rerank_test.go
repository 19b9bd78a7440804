package retrieval

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinrag/clinrag/internal/platform/store"
)

type mockRerankProvider struct {
	calls  atomic.Int64
	err    error
	scores map[string]float64 // by content
}

func (m *mockRerankProvider) Score(_ context.Context, _ string, docs []string) ([]float64, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	out := make([]float64, len(docs))
	for i, d := range docs {
		out[i] = m.scores[d]
	}
	return out, nil
}

func testReranker(st *mockStore, prov *mockRerankProvider) *Reranker {
	engine := testEngine(st)
	// a typed nil inside the interface would defeat the nil check
	if prov == nil {
		return NewReranker(engine, nil, 100, time.Minute, time.Second, zerolog.Nop())
	}
	return NewReranker(engine, prov, 100, time.Minute, time.Second, zerolog.Nop())
}

func TestRerank_OrdersByProviderScore(t *testing.T) {
	st := &mockStore{
		sparse: []store.ScoredChunk{scored("a", 3), scored("b", 2), scored("c", 1)},
	}
	prov := &mockRerankProvider{scores: map[string]float64{
		"content a": 0.1,
		"content b": 0.9,
		"content c": 0.5,
	}}
	r := testReranker(st, prov)

	results, err := r.Rerank(context.Background(), "findings", 50, 3, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"b", "c", "a"}
	for i, w := range want {
		if results[i].ID != w {
			t.Errorf("rank %d = %s, want %s", i, results[i].ID, w)
		}
	}
}

func TestRerank_CacheHitSkipsProvider(t *testing.T) {
	st := &mockStore{
		sparse: []store.ScoredChunk{scored("a", 3), scored("b", 2)},
	}
	prov := &mockRerankProvider{scores: map[string]float64{
		"content a": 0.2,
		"content b": 0.8,
	}}
	r := testReranker(st, prov)

	first, err := r.Rerank(context.Background(), "findings", 50, 2, nil)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := r.Rerank(context.Background(), "findings", 50, 2, nil)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}

	if prov.calls.Load() != 1 {
		t.Errorf("provider calls = %d, want 1 (second served from cache)", prov.calls.Load())
	}

	stats := r.Stats()
	if stats.Misses != 1 || stats.Hits != 1 {
		t.Errorf("hits=%d misses=%d, want 1/1", stats.Hits, stats.Misses)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("hit_rate = %f", stats.HitRate)
	}

	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("cached ordering differs at %d: %s vs %s", i, first[i].ID, second[i].ID)
		}
	}
}

func TestRerank_DifferentQueryMissesCache(t *testing.T) {
	st := &mockStore{
		sparse: []store.ScoredChunk{scored("a", 3)},
	}
	prov := &mockRerankProvider{scores: map[string]float64{"content a": 0.5}}
	r := testReranker(st, prov)

	r.Rerank(context.Background(), "first findings", 50, 1, nil)
	r.Rerank(context.Background(), "other findings", 50, 1, nil)

	if prov.calls.Load() != 2 {
		t.Errorf("provider calls = %d, want 2", prov.calls.Load())
	}
	if stats := r.Stats(); stats.Misses != 2 || stats.Hits != 0 {
		t.Errorf("hits=%d misses=%d, want 0/2", stats.Hits, stats.Misses)
	}
}

func TestRerank_ProviderFailureDegradesToHybridOrder(t *testing.T) {
	st := &mockStore{
		sparse: []store.ScoredChunk{scored("a", 3), scored("b", 2), scored("c", 1)},
	}
	prov := &mockRerankProvider{err: errors.New("model unreachable")}
	r := testReranker(st, prov)

	results, err := r.Rerank(context.Background(), "findings", 50, 3, nil)
	if err != nil {
		t.Fatalf("degradation must not surface an error, got %v", err)
	}
	// hybrid order preserved: a, b, c by sparse score
	want := []string{"a", "b", "c"}
	for i, w := range want {
		if results[i].ID != w {
			t.Errorf("rank %d = %s, want %s", i, results[i].ID, w)
		}
	}
	if stats := r.Stats(); stats.Degraded != 1 {
		t.Errorf("degraded = %d, want 1", stats.Degraded)
	}
}

func TestRerank_NoProviderConfigured(t *testing.T) {
	st := &mockStore{
		sparse: []store.ScoredChunk{scored("a", 3)},
	}
	r := testReranker(st, nil)

	results, err := r.Rerank(context.Background(), "findings", 50, 1, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].ID != "a" {
		t.Errorf("unexpected results: %+v", results)
	}
	if stats := r.Stats(); stats.Degraded != 1 {
		t.Errorf("degraded = %d, want 1", stats.Degraded)
	}
}

func TestRerank_TruncatesToKReturn(t *testing.T) {
	st := &mockStore{
		sparse: []store.ScoredChunk{scored("a", 4), scored("b", 3), scored("c", 2), scored("d", 1)},
	}
	prov := &mockRerankProvider{scores: map[string]float64{
		"content a": 0.4, "content b": 0.3, "content c": 0.2, "content d": 0.1,
	}}
	r := testReranker(st, prov)

	results, err := r.Rerank(context.Background(), "findings", 50, 2, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("expected 2 results, got %d", len(results))
	}
}

func TestRerank_EmptyCandidates(t *testing.T) {
	st := &mockStore{}
	prov := &mockRerankProvider{}
	r := testReranker(st, prov)

	results, err := r.Rerank(context.Background(), "findings", 50, 5, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
	if prov.calls.Load() != 0 {
		t.Error("provider must not be called with no candidates")
	}
}

func TestRerank_SourcePayloads(t *testing.T) {
	st := &mockStore{
		sparse: []store.ScoredChunk{scored("r-1", 3), scored("r-2", 2)},
	}
	prov := &mockRerankProvider{scores: map[string]float64{"content r-1": 0.9, "content r-2": 0.8}}
	r := testReranker(st, prov)

	results, err := r.Rerank(context.Background(), "findings", 50, 2, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sources, err := r.SourcePayloads(context.Background(), results)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sources) != 2 {
		t.Errorf("expected 2 source payloads, got %d", len(sources))
	}
	if sources["r-1"] == "" {
		t.Error("missing payload for r-1")
	}
}

func TestFingerprint_OrderIndependent(t *testing.T) {
	a := []store.ScoredChunk{scored("x", 1), scored("y", 2)}
	b := []store.ScoredChunk{scored("y", 2), scored("x", 1)}
	if fingerprint("q", a) != fingerprint("q", b) {
		t.Error("fingerprint must not depend on candidate order")
	}
	if fingerprint("q", a) == fingerprint("other", a) {
		t.Error("fingerprint must depend on the query")
	}
	c := []store.ScoredChunk{scored("x", 1)}
	if fingerprint("q", a) == fingerprint("q", c) {
		t.Error("fingerprint must depend on the candidate set")
	}
}
