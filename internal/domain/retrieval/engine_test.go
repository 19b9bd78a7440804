package retrieval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinrag/clinrag/internal/platform/store"
)

// =========== Mocks ===========

type mockStore struct {
	mu     sync.Mutex
	dense  []store.ScoredChunk
	sparse []store.ScoredChunk
	scan   []store.Chunk

	denseErr  error
	sparseErr error

	lastDenseFilter  store.Filter
	lastSparseFilter store.Filter
	lastDenseK       int
	lastScanFilter   store.Filter
	lastScanAnyOf    map[string][]string
	lastScanOrderBy  string
	lastScanK        int
}

func (m *mockStore) UpsertBatch(context.Context, store.Batch) error { return nil }

func (m *mockStore) DenseSearch(_ context.Context, _ []float32, k int, filter store.Filter) ([]store.ScoredChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastDenseFilter = filter
	m.lastDenseK = k
	if m.denseErr != nil {
		return nil, m.denseErr
	}
	return m.dense, nil
}

func (m *mockStore) SparseSearch(_ context.Context, _ string, k int, filter store.Filter, _ bool) ([]store.ScoredChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSparseFilter = filter
	if m.sparseErr != nil {
		return nil, m.sparseErr
	}
	return m.sparse, nil
}

func (m *mockStore) FilteredScan(_ context.Context, filter store.Filter, anyOf map[string][]string, orderBy string, k int) ([]store.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastScanFilter = filter
	m.lastScanAnyOf = anyOf
	m.lastScanOrderBy = orderBy
	m.lastScanK = k
	return m.scan, nil
}

func (m *mockStore) ResourceJSON(_ context.Context, ids []string) (map[string]string, error) {
	out := map[string]string{}
	for _, id := range ids {
		out[id] = `{"resourceType":"Observation","id":"` + id + `"}`
	}
	return out, nil
}

func (m *mockStore) Stats(context.Context) (*store.Stats, error) {
	return &store.Stats{ChunkCount: 42}, nil
}

type mockEmbedder struct {
	err error
}

func (m *mockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	return []float32{1, 0, 0, 0}, nil
}

func (m *mockEmbedder) Dimension() int { return 4 }

func scored(id string, score float64) store.ScoredChunk {
	return store.ScoredChunk{
		Chunk: store.Chunk{ID: id, Content: "content " + id, Metadata: store.Metadata{store.MetaResourceID: id}},
		Score: score,
	}
}

func testEngine(st *mockStore) *Engine {
	return NewEngine(st, &mockEmbedder{}, EngineConfig{
		KRetrieve:       50,
		DefaultWeights:  Weights{Sparse: 0.5, Dense: 0.5},
		ProviderTimeout: time.Second,
	}, zerolog.Nop())
}

// =========== Dense / Sparse ===========

func TestDense_TruncatesToK(t *testing.T) {
	st := &mockStore{}
	for i := 0; i < 60; i++ {
		st.dense = append(st.dense, scored(string(rune('a'+i%26))+string(rune('0'+i%10)), 1-float64(i)/100))
	}
	e := testEngine(st)

	results, err := e.Dense(context.Background(), "cholesterol panel", 5, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 5 {
		t.Errorf("expected 5 results, got %d", len(results))
	}
	if st.lastDenseK != 50 {
		t.Errorf("k_retrieve = %d, want 50", st.lastDenseK)
	}
}

func TestDense_EmbeddingFailureSurfaces(t *testing.T) {
	st := &mockStore{}
	e := NewEngine(st, &mockEmbedder{err: errors.New("model offline")}, EngineConfig{
		KRetrieve:       50,
		ProviderTimeout: time.Second,
	}, zerolog.Nop())

	if _, err := e.Dense(context.Background(), "query", 5, nil); err == nil {
		t.Fatal("expected embedding failure to surface")
	}
}

// =========== Auto type detection ===========

func TestDense_AutoDetectsResourceType(t *testing.T) {
	st := &mockStore{}
	e := testEngine(st)

	if _, err := e.Dense(context.Background(), "diagnosis of hypertension", 5, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.lastDenseFilter[store.MetaResourceType] != "Condition" {
		t.Errorf("expected Condition filter, got %v", st.lastDenseFilter)
	}
}

func TestDense_NoDetectionWithExplicitFilter(t *testing.T) {
	st := &mockStore{}
	e := testEngine(st)

	filter := store.Filter{store.MetaResourceType: "Observation"}
	if _, err := e.Dense(context.Background(), "diagnosis of hypertension", 5, filter); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.lastDenseFilter[store.MetaResourceType] != "Observation" {
		t.Errorf("explicit filter must win, got %v", st.lastDenseFilter)
	}
}

func TestDense_NoDetectionWithoutKeyword(t *testing.T) {
	st := &mockStore{}
	e := testEngine(st)

	// "cholesterol panel" has "cholesterol" which maps to Observation —
	// use a neutral query instead
	if _, err := e.Dense(context.Background(), "recent findings for the patient", 5, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := st.lastDenseFilter[store.MetaResourceType]; ok {
		t.Errorf("no filter expected, got %v", st.lastDenseFilter)
	}
}

// =========== Hybrid fusion ===========

func TestHybrid_FusionAndWeights(t *testing.T) {
	st := &mockStore{
		sparse: []store.ScoredChunk{scored("s1", 4), scored("both", 2)},
		dense:  []store.ScoredChunk{scored("both", 0.9), scored("d2", 0.8)},
	}
	e := testEngine(st)

	results, err := e.Hybrid(context.Background(), "some findings", 10, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 merged results, got %d", len(results))
	}

	// sparse norms: s1=1.0, both=0.5; dense norms (n=2): both=1.0, d2=0.5
	// combined: both = 0.5*0.5 + 0.5*1.0 = 0.75; s1 = 0.5; d2 = 0.25
	if results[0].ID != "both" {
		t.Errorf("rank 0 = %s, want both", results[0].ID)
	}
	if results[1].ID != "s1" || results[2].ID != "d2" {
		t.Errorf("order = %s, %s", results[1].ID, results[2].ID)
	}
	if results[0].Score != 0.75 {
		t.Errorf("combined score = %f, want 0.75", results[0].Score)
	}
}

func TestHybrid_Deterministic(t *testing.T) {
	st := &mockStore{
		sparse: []store.ScoredChunk{scored("a", 3), scored("b", 3), scored("c", 1)},
		dense:  []store.ScoredChunk{scored("c", 0.9), scored("a", 0.8), scored("b", 0.7)},
	}
	e := testEngine(st)

	var first []string
	for run := 0; run < 5; run++ {
		results, err := e.Hybrid(context.Background(), "findings", 10, nil, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ids := make([]string, len(results))
		for i, r := range results {
			ids[i] = r.ID
		}
		if run == 0 {
			first = ids
			continue
		}
		for i := range ids {
			if ids[i] != first[i] {
				t.Fatalf("run %d differs at %d: %v vs %v", run, i, ids, first)
			}
		}
	}
}

func TestHybrid_TieBreakBySparseThenID(t *testing.T) {
	// two chunks with equal sparse scores and no dense results, so both the
	// combined and the sparse-normalized scores tie exactly
	st := &mockStore{
		sparse: []store.ScoredChunk{scored("x", 2), scored("y", 2)},
		dense:  []store.ScoredChunk{},
	}
	e := testEngine(st)

	results, err := e.Hybrid(context.Background(), "findings", 10, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// equal combined and equal sparse norm: chunk_id ascending
	if results[0].ID != "x" || results[1].ID != "y" {
		t.Errorf("tie-break order = %s, %s; want x, y", results[0].ID, results[1].ID)
	}
}

func TestHybrid_EmptySparseReturnsDenseOnly(t *testing.T) {
	st := &mockStore{
		dense: []store.ScoredChunk{scored("d1", 0.9), scored("d2", 0.8)},
	}
	e := testEngine(st)

	results, err := e.Hybrid(context.Background(), "zzqy xk", 10, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected dense-only results, got %d", len(results))
	}
	if results[0].ID != "d1" {
		t.Errorf("rank 0 = %s", results[0].ID)
	}
	// dense-only: top rank normalizes to 1.0, weighted by 0.5
	if results[0].Score != 0.5 {
		t.Errorf("score = %f, want 0.5", results[0].Score)
	}
}

func TestHybrid_CustomWeights(t *testing.T) {
	st := &mockStore{
		sparse: []store.ScoredChunk{scored("s", 5)},
		dense:  []store.ScoredChunk{scored("d", 0.9)},
	}
	e := testEngine(st)

	results, err := e.Hybrid(context.Background(), "findings", 10, nil, &Weights{Sparse: 1, Dense: 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].ID != "s" || results[0].Score != 1.0 {
		t.Errorf("sparse-only weighting: got %s score %f", results[0].ID, results[0].Score)
	}
	// the dense-only chunk contributes nothing under weight 0
	if results[1].ID != "d" || results[1].Score != 0 {
		t.Errorf("dense chunk: got %s score %f", results[1].ID, results[1].Score)
	}
}

func TestHybrid_SparseErrorSurfaces(t *testing.T) {
	st := &mockStore{sparseErr: errors.New("index corrupted")}
	e := testEngine(st)
	if _, err := e.Hybrid(context.Background(), "findings", 10, nil, nil); err == nil {
		t.Fatal("expected store failure to surface")
	}
}

// =========== Timeline ===========

func TestTimeline_FilterAndOrdering(t *testing.T) {
	st := &mockStore{
		scan: []store.Chunk{
			{ID: "c1", Metadata: store.Metadata{store.MetaPatientID: "p-1", store.MetaEffectiveDate: "2024-02-01"}},
			{ID: "c2", Metadata: store.Metadata{store.MetaPatientID: "p-1", store.MetaEffectiveDate: "2024-01-01"}},
		},
	}
	e := testEngine(st)

	chunks, err := e.Timeline(context.Background(), "p-1", 20, []string{"Condition", "Observation"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if st.lastScanFilter[store.MetaPatientID] != "p-1" {
		t.Errorf("filter = %v", st.lastScanFilter)
	}
	if st.lastScanOrderBy != store.MetaEffectiveDate {
		t.Errorf("order by = %s", st.lastScanOrderBy)
	}
	if st.lastScanK != 20 {
		t.Errorf("k = %d", st.lastScanK)
	}
	types := st.lastScanAnyOf[store.MetaResourceType]
	if len(types) != 2 || types[0] != "Condition" {
		t.Errorf("resource types = %v", types)
	}
}

func TestTimeline_RequiresPatientID(t *testing.T) {
	e := testEngine(&mockStore{})
	if _, err := e.Timeline(context.Background(), "", 10, nil); err == nil {
		t.Fatal("expected error for missing patient_id")
	}
}
