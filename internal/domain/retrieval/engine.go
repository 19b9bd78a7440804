// Package retrieval implements the multi-strategy retrieval engine:
// dense ANN search, sparse full-text search, weighted hybrid fusion,
// patient-scoped timelines, and a cached two-stage rerank flow.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinrag/clinrag/internal/platform/provider"
	"github.com/clinrag/clinrag/internal/platform/store"
)

// Weights are the hybrid fusion weights.
type Weights struct {
	Sparse float64 `json:"sparse"`
	Dense  float64 `json:"dense"`
}

// EngineConfig bounds retrieval behavior.
type EngineConfig struct {
	KRetrieve       int
	DefaultWeights  Weights
	ProviderTimeout time.Duration
}

// Engine answers retrieval queries against the chunk store.
type Engine struct {
	store    store.Store
	embedder provider.Embedder
	cfg      EngineConfig
	logger   zerolog.Logger
}

func NewEngine(st store.Store, embedder provider.Embedder, cfg EngineConfig, logger zerolog.Logger) *Engine {
	return &Engine{
		store:    st,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.With().Str("component", "retrieval").Logger(),
	}
}

// Dense embeds the query and returns the top k chunks by cosine
// similarity. When the caller passes no resource_type filter, a type
// detected from query keywords is applied automatically.
func (e *Engine) Dense(ctx context.Context, query string, k int, filter store.Filter) ([]store.ScoredChunk, error) {
	filter = e.withDetectedType(query, filter)

	vec, err := e.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	kRetrieve := k
	if kRetrieve < e.cfg.KRetrieve {
		kRetrieve = e.cfg.KRetrieve
	}
	results, err := e.store.DenseSearch(ctx, vec, kRetrieve, filter)
	if err != nil {
		return nil, err
	}
	return truncate(results, k), nil
}

// Sparse runs full-text ranking of the query. Phrase mode helps
// code-like queries ("E11.9") match exactly.
func (e *Engine) Sparse(ctx context.Context, query string, k int, filter store.Filter, phrase bool) ([]store.ScoredChunk, error) {
	kRetrieve := k
	if kRetrieve < e.cfg.KRetrieve {
		kRetrieve = e.cfg.KRetrieve
	}
	results, err := e.store.SparseSearch(ctx, query, kRetrieve, filter, phrase)
	if err != nil {
		return nil, err
	}
	return truncate(results, k), nil
}

// fused carries the per-side normalized scores through hybrid fusion so
// ties can break deterministically.
type fused struct {
	chunk      store.Chunk
	sparseNorm float64
	denseNorm  float64
	combined   float64
}

// Hybrid runs dense and sparse retrieval concurrently, normalizes each
// side to [0,1], and merges by chunk id with the given weights.
//
// Sparse scores divide by the max sparse score in the set; dense scores
// are assigned by rank (1 - i/n), which is robust to similarity scale
// drift. A chunk present on only one side contributes zero on the other.
func (e *Engine) Hybrid(ctx context.Context, query string, k int, filter store.Filter, w *Weights) ([]store.ScoredChunk, error) {
	if w == nil {
		w = &e.cfg.DefaultWeights
	}
	filter = e.withDetectedType(query, filter)

	type sideResult struct {
		chunks []store.ScoredChunk
		err    error
	}
	denseCh := make(chan sideResult, 1)
	sparseCh := make(chan sideResult, 1)

	go func() {
		vec, err := e.embedQuery(ctx, query)
		if err != nil {
			denseCh <- sideResult{err: err}
			return
		}
		chunks, err := e.store.DenseSearch(ctx, vec, e.cfg.KRetrieve, filter)
		denseCh <- sideResult{chunks: chunks, err: err}
	}()
	go func() {
		chunks, err := e.store.SparseSearch(ctx, query, e.cfg.KRetrieve, filter, false)
		sparseCh <- sideResult{chunks: chunks, err: err}
	}()

	dense := <-denseCh
	sparse := <-sparseCh
	if dense.err != nil {
		return nil, fmt.Errorf("hybrid dense side: %w", dense.err)
	}
	if sparse.err != nil {
		return nil, fmt.Errorf("hybrid sparse side: %w", sparse.err)
	}

	merged := map[string]*fused{}

	var sparseMax float64
	for _, sc := range sparse.chunks {
		if sc.Score > sparseMax {
			sparseMax = sc.Score
		}
	}
	for _, sc := range sparse.chunks {
		f := &fused{chunk: sc.Chunk}
		if sparseMax > 0 {
			f.sparseNorm = sc.Score / sparseMax
		}
		merged[sc.ID] = f
	}

	n := len(dense.chunks)
	for i, sc := range dense.chunks {
		norm := 1 - float64(i)/float64(n)
		if f, ok := merged[sc.ID]; ok {
			f.denseNorm = norm
		} else {
			merged[sc.ID] = &fused{chunk: sc.Chunk, denseNorm: norm}
		}
	}

	out := make([]fused, 0, len(merged))
	for _, f := range merged {
		f.combined = w.Sparse*f.sparseNorm + w.Dense*f.denseNorm
		out = append(out, *f)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].combined != out[j].combined {
			return out[i].combined > out[j].combined
		}
		if out[i].sparseNorm != out[j].sparseNorm {
			return out[i].sparseNorm > out[j].sparseNorm
		}
		return out[i].chunk.ID < out[j].chunk.ID
	})

	results := make([]store.ScoredChunk, 0, len(out))
	for _, f := range out {
		results = append(results, store.ScoredChunk{Chunk: f.chunk, Score: f.combined})
	}
	return truncate(results, k), nil
}

// Timeline returns the patient's chunks in reverse chronological order.
// Patient identity is an equality predicate; no similarity scoring.
func (e *Engine) Timeline(ctx context.Context, patientID string, k int, resourceTypes []string) ([]store.Chunk, error) {
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}
	filter := store.Filter{store.MetaPatientID: patientID}
	var anyOf map[string][]string
	if len(resourceTypes) > 0 {
		anyOf = map[string][]string{store.MetaResourceType: resourceTypes}
	}
	return e.store.FilteredScan(ctx, filter, anyOf, store.MetaEffectiveDate, k)
}

func (e *Engine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
	defer cancel()
	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return vec, nil
}

// withDetectedType adds an automatic resource_type filter from query
// keywords. Detection is disabled when the caller filters on
// resource_type explicitly.
func (e *Engine) withDetectedType(query string, filter store.Filter) store.Filter {
	if _, ok := filter[store.MetaResourceType]; ok {
		return filter
	}
	detected := DetectResourceType(query)
	if detected == "" {
		return filter
	}
	out := store.Filter{store.MetaResourceType: detected}
	for k, v := range filter {
		out[k] = v
	}
	e.logger.Debug().Str("resource_type", detected).Msg("auto-detected resource type filter")
	return out
}

func truncate(results []store.ScoredChunk, k int) []store.ScoredChunk {
	if len(results) > k {
		return results[:k]
	}
	return results
}
