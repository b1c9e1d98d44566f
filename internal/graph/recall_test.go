package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

// stubEmbedder maps exact texts to fixed vectors.
type stubEmbedder struct {
	vectors map[string][]float32
	calls   int
	fail    bool
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.calls++
	if s.fail {
		return nil, errors.New("embedding service down")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := s.vectors[t]
		if !ok {
			v = []float32{0, 0, 1}
		}
		out[i] = v
	}
	return out, nil
}

type mapCache struct {
	data map[string][]float32
}

func newMapCache() *mapCache { return &mapCache{data: make(map[string][]float32)} }

func (c *mapCache) Get(_ context.Context, groupID, memoryID string) ([]float32, bool) {
	v, ok := c.data[groupID+":"+memoryID]
	return v, ok
}

func (c *mapCache) Put(_ context.Context, groupID, memoryID string, vec []float32) {
	c.data[groupID+":"+memoryID] = vec
}

func TestRecallEmptyGroupReturnsEmptyNotError(t *testing.T) {
	g := testGraph()
	r := NewRecaller(g, nil, nil, zap.NewNop())

	got, err := r.Recall(context.Background(), "nobody", "公园", 5)
	if err != nil {
		t.Fatalf("recall on empty group: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("results = %d, want 0", len(got))
	}
}

func TestRecallRanksByStrengthTimesSimilarity(t *testing.T) {
	g := testGraph()
	now := time.Now()
	c := g.AddConcept("g1", "活动", now)
	similar, _ := g.AddMemory("g1", c.ID, "picnic in the park", Facets{}, true, now)
	distant, _ := g.AddMemory("g1", c.ID, "tax filing deadline", Facets{}, true, now)

	emb := &stubEmbedder{vectors: map[string][]float32{
		"park plans":          {1, 0, 0},
		"picnic in the park":  {0.9, 0.1, 0},
		"tax filing deadline": {0, 1, 0},
	}}
	r := NewRecaller(g, emb, newMapCache(), zap.NewNop())

	got, err := r.Recall(context.Background(), "g1", "park plans", 5)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("results = %d, want 1 (orthogonal candidate filtered)", len(got))
	}
	if got[0].Memory.ID != similar.ID {
		t.Errorf("top result = %s, want %s", got[0].Memory.ID, similar.ID)
	}
	if _, ok := g.GetMemory("g1", distant.ID); !ok {
		t.Error("non-matching memory disappeared")
	}
}

func TestRecallPrefersStrongerMemoryAtEqualSimilarity(t *testing.T) {
	g := testGraph()
	now := time.Now()
	c := g.AddConcept("g1", "活动", now)
	old, _ := g.AddMemory("g1", c.ID, "old park visit", Facets{}, true, now)
	fresh, _ := g.AddMemory("g1", c.ID, "new park visit", Facets{}, true, now.Add(200*time.Hour))

	// Decay weakens the older memory only; both embed identically.
	g.DecaySweep(now.Add(200 * time.Hour))

	vec := []float32{1, 0, 0}
	emb := &stubEmbedder{vectors: map[string][]float32{
		"park":           vec,
		"old park visit": vec,
		"new park visit": vec,
	}}
	r := NewRecaller(g, emb, newMapCache(), zap.NewNop())

	got, err := r.Recall(context.Background(), "g1", "park", 5)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("results = %d, want 2", len(got))
	}
	if got[0].Memory.ID != fresh.ID || got[1].Memory.ID != old.ID {
		t.Errorf("order = [%s %s], want fresh before decayed", got[0].Memory.ID, got[1].Memory.ID)
	}
}

func TestRecallReinforcesReturnedMemories(t *testing.T) {
	g := testGraph()
	now := time.Now()
	c := g.AddConcept("g1", "公园", now)
	m, _ := g.AddMemory("g1", c.ID, "去公园野餐", Facets{}, true, now)
	g.DecaySweep(now.Add(100 * time.Hour))
	before, _ := g.GetMemory("g1", m.ID)

	r := NewRecaller(g, nil, nil, zap.NewNop())
	got, err := r.Recall(context.Background(), "g1", "公园", 5)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("results = %d, want 1", len(got))
	}

	after, _ := g.GetMemory("g1", m.ID)
	if after.Strength <= before.Strength {
		t.Errorf("strength %v did not increase from %v after recall", after.Strength, before.Strength)
	}
	if after.AccessCount != before.AccessCount+1 {
		t.Errorf("access count = %d, want %d", after.AccessCount, before.AccessCount+1)
	}
}

func TestRecallReinforcesAtInjectedClockTime(t *testing.T) {
	g := testGraph()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := g.AddConcept("g1", "公园", created)
	m, _ := g.AddMemory("g1", c.ID, "去公园野餐", Facets{}, true, created)

	recallAt := created.Add(36 * time.Hour)
	r := NewRecaller(g, nil, nil, zap.NewNop(), WithClock(func() time.Time { return recallAt }))
	if _, err := r.Recall(context.Background(), "g1", "公园", 5); err != nil {
		t.Fatalf("recall: %v", err)
	}

	after, _ := g.GetMemory("g1", m.ID)
	if !after.LastAccessed.Equal(recallAt) {
		t.Errorf("last accessed = %v, want the injected clock time %v", after.LastAccessed, recallAt)
	}
}

func TestRecallFallsBackToKeywordsWhenEmbedderFails(t *testing.T) {
	g := testGraph()
	now := time.Now()
	c := g.AddConcept("g1", "公园", now)
	m, _ := g.AddMemory("g1", c.ID, "周末去公园野餐", Facets{}, true, now)

	r := NewRecaller(g, &stubEmbedder{fail: true}, nil, zap.NewNop())
	got, err := r.Recall(context.Background(), "g1", "公园", 5)
	if err != nil {
		t.Fatalf("recall with failing embedder: %v", err)
	}
	if len(got) != 1 || got[0].Memory.ID != m.ID {
		t.Fatalf("fallback did not match by substring, results = %d", len(got))
	}
}

// stubIndex returns scripted hits, or an error.
type stubIndex struct {
	hits []IndexHit
	err  error
}

func (s *stubIndex) Search(context.Context, string, []float32, int) ([]IndexHit, error) {
	return s.hits, s.err
}

func TestRecallUsesIndexHitsWhenAvailable(t *testing.T) {
	g := testGraph()
	now := time.Now()
	c := g.AddConcept("g1", "活动", now)
	park, _ := g.AddMemory("g1", c.ID, "picnic in the park", Facets{}, true, now)
	tax, _ := g.AddMemory("g1", c.ID, "tax filing deadline", Facets{}, true, now)

	emb := &stubEmbedder{vectors: map[string][]float32{"park": {1, 0, 0}}}
	idx := &stubIndex{hits: []IndexHit{
		{MemoryID: park.ID, Score: 0.9},
		{MemoryID: tax.ID, Score: -0.2},
		{MemoryID: "gone", Score: 0.8},
	}}
	r := NewRecaller(g, emb, newMapCache(), zap.NewNop(), WithIndex(idx))

	got, err := r.Recall(context.Background(), "g1", "park", 5)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(got) != 1 || got[0].Memory.ID != park.ID {
		t.Fatalf("results = %+v, want single hit for %s", got, park.ID)
	}
	// Only the query is embedded; candidate vectors come from the index.
	if emb.calls != 1 {
		t.Errorf("embed calls = %d, want 1", emb.calls)
	}
}

func TestRecallScoresLocallyWhenIndexFails(t *testing.T) {
	g := testGraph()
	now := time.Now()
	c := g.AddConcept("g1", "活动", now)
	m, _ := g.AddMemory("g1", c.ID, "picnic in the park", Facets{}, true, now)

	emb := &stubEmbedder{vectors: map[string][]float32{
		"park":               {1, 0, 0},
		"picnic in the park": {1, 0, 0},
	}}
	idx := &stubIndex{err: errors.New("index unavailable")}
	r := NewRecaller(g, emb, newMapCache(), zap.NewNop(), WithIndex(idx))

	got, err := r.Recall(context.Background(), "g1", "park", 5)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(got) != 1 || got[0].Memory.ID != m.ID {
		t.Fatalf("results = %+v, want local scoring hit", got)
	}
}

func TestRecallReusesCachedVectors(t *testing.T) {
	g := testGraph()
	now := time.Now()
	c := g.AddConcept("g1", "公园", now)
	g.AddMemory("g1", c.ID, "picnic in the park", Facets{}, true, now)

	emb := &stubEmbedder{vectors: map[string][]float32{
		"park":               {1, 0, 0},
		"picnic in the park": {1, 0, 0},
	}}
	r := NewRecaller(g, emb, newMapCache(), zap.NewNop())

	ctx := context.Background()
	if _, err := r.Recall(ctx, "g1", "park", 5); err != nil {
		t.Fatalf("first recall: %v", err)
	}
	callsAfterFirst := emb.calls
	if _, err := r.Recall(ctx, "g1", "park", 5); err != nil {
		t.Fatalf("second recall: %v", err)
	}

	// The second recall embeds only the query; the memory vector comes from
	// the cache.
	if emb.calls != callsAfterFirst+1 {
		t.Errorf("embed calls after second recall = %d, want %d", emb.calls, callsAfterFirst+1)
	}
}
