package graph

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Embedder produces vectors for recall scoring.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorCache stores memory vectors so recall does not re-embed unchanged
// content. Implementations are keyed by (group, memory).
type VectorCache interface {
	Get(ctx context.Context, groupID, memoryID string) ([]float32, bool)
	Put(ctx context.Context, groupID, memoryID string, vec []float32)
}

// IndexHit is one nearest-neighbor match from an external vector index.
type IndexHit struct {
	MemoryID string
	Score    float64
}

// VectorIndex is a shared nearest-neighbor index over memory vectors,
// scoped by group.
type VectorIndex interface {
	Search(ctx context.Context, groupID string, vector []float32, topK int) ([]IndexHit, error)
}

// RecallResult is one ranked hit.
type RecallResult struct {
	Memory Memory  `json:"memory"`
	Score  float64 `json:"score"`
}

// Recaller ranks a group's memories against a query. With an embedder the
// score is strength times cosine similarity; without one it falls back to
// keyword overlap so recall still works when the embedding service is down.
type Recaller struct {
	graph    *Graph
	embedder Embedder
	cache    VectorCache
	index    VectorIndex
	logger   *zap.Logger

	now func() time.Time
}

// RecallerOption configures optional recall collaborators.
type RecallerOption func(*Recaller)

// WithIndex attaches an external vector index, consulted before scoring
// candidates locally.
func WithIndex(idx VectorIndex) RecallerOption {
	return func(r *Recaller) { r.index = idx }
}

// WithClock overrides the recaller clock.
func WithClock(now func() time.Time) RecallerOption {
	return func(r *Recaller) { r.now = now }
}

// NewRecaller creates a recaller. embedder and cache may be nil.
func NewRecaller(g *Graph, embedder Embedder, cache VectorCache, logger *zap.Logger, opts ...RecallerOption) *Recaller {
	r := &Recaller{graph: g, embedder: embedder, cache: cache, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Recall returns the top matches for query within one group, strongest and
// most similar first. Every returned memory is reinforced: recalling is
// itself an access. A group with no memories yields an empty result, not an
// error.
func (r *Recaller) Recall(ctx context.Context, groupID, query string, limit int) ([]RecallResult, error) {
	if limit <= 0 {
		limit = 5
	}
	candidates := r.graph.MemoriesForGroup(groupID)
	if len(candidates) == 0 {
		return []RecallResult{}, nil
	}

	var results []RecallResult
	var err error
	if r.embedder != nil {
		results, err = r.rankByVector(ctx, groupID, query, candidates)
		if err != nil {
			r.logger.Warn("vector recall failed, falling back to keyword match",
				zap.String("group_id", groupID),
				zap.Error(err))
			results = nil
		}
	}
	if results == nil {
		results = rankByKeywords(query, candidates)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}

	now := r.now()
	for _, res := range results {
		if err := r.graph.Reinforce(groupID, res.Memory.ID, now); err != nil {
			r.logger.Warn("reinforce on recall failed",
				zap.String("memory_id", res.Memory.ID),
				zap.Error(err))
		}
	}
	return results, nil
}

func (r *Recaller) rankByVector(ctx context.Context, groupID, query string, candidates []Memory) ([]RecallResult, error) {
	queryVecs, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(queryVecs) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors, want 1", len(queryVecs))
	}
	queryVec := queryVecs[0]

	if r.index != nil {
		if results, ok := r.rankByIndex(ctx, groupID, queryVec, candidates); ok {
			return results, nil
		}
	}

	vecs := make(map[string][]float32, len(candidates))
	var missing []Memory
	for _, m := range candidates {
		if r.cache != nil {
			if v, ok := r.cache.Get(ctx, groupID, m.ID); ok {
				vecs[m.ID] = v
				continue
			}
		}
		missing = append(missing, m)
	}

	if len(missing) > 0 {
		texts := make([]string, len(missing))
		for i, m := range missing {
			texts[i] = m.Content
		}
		embedded, err := r.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed memories: %w", err)
		}
		if len(embedded) != len(missing) {
			return nil, fmt.Errorf("embed memories: got %d vectors, want %d", len(embedded), len(missing))
		}
		for i, m := range missing {
			vecs[m.ID] = embedded[i]
			if r.cache != nil {
				r.cache.Put(ctx, groupID, m.ID, embedded[i])
			}
		}
	}

	results := make([]RecallResult, 0, len(candidates))
	for _, m := range candidates {
		sim := cosine(queryVec, vecs[m.ID])
		if sim <= 0 {
			continue
		}
		results = append(results, RecallResult{Memory: m, Score: m.Strength * sim})
	}
	return results, nil
}

// rankByIndex resolves index hits against live memories. The index can lag
// behind commits, so an empty or failed search falls through to local
// scoring instead of returning nothing.
func (r *Recaller) rankByIndex(ctx context.Context, groupID string, queryVec []float32, candidates []Memory) ([]RecallResult, bool) {
	hits, err := r.index.Search(ctx, groupID, queryVec, len(candidates))
	if err != nil {
		r.logger.Warn("vector index search failed, scoring locally",
			zap.String("group_id", groupID),
			zap.Error(err))
		return nil, false
	}
	if len(hits) == 0 {
		return nil, false
	}

	byID := make(map[string]Memory, len(candidates))
	for _, m := range candidates {
		byID[m.ID] = m
	}
	results := make([]RecallResult, 0, len(hits))
	for _, h := range hits {
		m, ok := byID[h.MemoryID]
		if !ok || h.Score <= 0 {
			continue
		}
		results = append(results, RecallResult{Memory: m, Score: m.Strength * h.Score})
	}
	if len(results) == 0 {
		return nil, false
	}
	return results, true
}

// rankByKeywords scores by the fraction of query tokens appearing in the
// memory content, weighted by strength. Substring containment also counts so
// unsegmented CJK queries still match.
func rankByKeywords(query string, candidates []Memory) []RecallResult {
	tokens := strings.Fields(strings.ToLower(query))
	results := make([]RecallResult, 0, len(candidates))
	for _, m := range candidates {
		content := strings.ToLower(m.Content)
		var overlap float64
		switch {
		case len(tokens) > 0:
			hits := 0
			for _, tok := range tokens {
				if strings.Contains(content, tok) {
					hits++
				}
			}
			overlap = float64(hits) / float64(len(tokens))
		case query != "" && strings.Contains(content, strings.ToLower(query)):
			overlap = 1
		}
		if overlap > 0 {
			results = append(results, RecallResult{Memory: m, Score: m.Strength * overlap})
		}
	}
	return results
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
