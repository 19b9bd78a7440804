package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/clinrag/clinrag/internal/platform/provider"
	"github.com/clinrag/clinrag/internal/platform/store"
)

var errNoRerankProvider = errors.New("no rerank provider configured")

// CacheStats is the observable state of the rerank score cache.
type CacheStats struct {
	Entries  int     `json:"entries"`
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	HitRate  float64 `json:"hit_rate"`
	Degraded int64   `json:"degraded"`
}

// Reranker is the two-stage retrieve-then-rerank orchestrator. Scores
// are cached under a fingerprint of (query, sorted candidate ids); this
// key is sound because chunks are never mutated in place — re-ingest
// overwrites a chunk id with identical content. Any future in-place
// mutation of chunk content must add a store version to the fingerprint.
type Reranker struct {
	engine   *Engine
	provider provider.Reranker
	cache    *expirable.LRU[string, map[string]float64]
	timeout  time.Duration
	logger   zerolog.Logger

	hits     atomic.Int64
	misses   atomic.Int64
	degraded atomic.Int64
}

func NewReranker(engine *Engine, prov provider.Reranker, maxEntries int, ttl time.Duration, timeout time.Duration, logger zerolog.Logger) *Reranker {
	return &Reranker{
		engine:   engine,
		provider: prov,
		cache:    expirable.NewLRU[string, map[string]float64](maxEntries, nil, ttl),
		timeout:  timeout,
		logger:   logger.With().Str("component", "rerank").Logger(),
	}
}

// Rerank retrieves kRetrieve hybrid candidates, scores them with the
// cross-encoder (or the cache), and returns the top kReturn. A provider
// failure degrades to the hybrid order instead of failing the call.
func (r *Reranker) Rerank(ctx context.Context, query string, kRetrieve, kReturn int, filter store.Filter) ([]store.ScoredChunk, error) {
	candidates, err := r.engine.Hybrid(ctx, query, kRetrieve, filter, nil)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return candidates, nil
	}

	fp := fingerprint(query, candidates)

	scores, ok := r.cache.Get(fp)
	if ok {
		r.hits.Add(1)
	} else {
		r.misses.Add(1)
		scores, err = r.scoreCandidates(ctx, query, candidates)
		if err != nil {
			r.degraded.Add(1)
			r.logger.Warn().Err(err).Msg("rerank provider failed, degrading to hybrid order")
			return truncate(candidates, kReturn), nil
		}
		r.cache.Add(fp, scores)
	}

	// stable sort keeps the hybrid order as the tie-break
	reranked := make([]store.ScoredChunk, len(candidates))
	copy(reranked, candidates)
	for i := range reranked {
		reranked[i].Score = scores[reranked[i].ID]
	}
	sort.SliceStable(reranked, func(i, j int) bool {
		return reranked[i].Score > reranked[j].Score
	})
	return truncate(reranked, kReturn), nil
}

// SourcePayloads returns the stored resource payloads behind the given
// results, keyed by resource id.
func (r *Reranker) SourcePayloads(ctx context.Context, results []store.ScoredChunk) (map[string]string, error) {
	seen := map[string]bool{}
	var ids []string
	for _, sc := range results {
		id, _ := sc.Metadata[store.MetaResourceID].(string)
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return map[string]string{}, nil
	}
	return r.engine.store.ResourceJSON(ctx, ids)
}

// Stats reports cache utilization and degradations.
func (r *Reranker) Stats() CacheStats {
	hits := r.hits.Load()
	misses := r.misses.Load()
	stats := CacheStats{
		Entries:  r.cache.Len(),
		Hits:     hits,
		Misses:   misses,
		Degraded: r.degraded.Load(),
	}
	if hits+misses > 0 {
		stats.HitRate = float64(hits) / float64(hits+misses)
	}
	return stats
}

func (r *Reranker) scoreCandidates(ctx context.Context, query string, candidates []store.ScoredChunk) (map[string]float64, error) {
	if r.provider == nil {
		return nil, errNoRerankProvider
	}
	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Content
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	scores, err := r.provider.Score(ctx, query, docs)
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(candidates))
	for i, c := range candidates {
		out[c.ID] = scores[i]
	}
	return out, nil
}

// fingerprint hashes the query together with the sorted candidate ids.
func fingerprint(query string, candidates []store.ScoredChunk) string {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	sort.Strings(ids)

	h := sha256.New()
	h.Write([]byte(query))
	for _, id := range ids {
		h.Write([]byte{0})
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))
}
