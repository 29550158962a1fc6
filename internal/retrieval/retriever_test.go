package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/carebridge/careline/internal/knowledge"
	"github.com/carebridge/careline/internal/pipeline"
)

type fakeEmbedder struct {
	calls int
	fails int
	err   error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string, _ string) ([][]float32, error) {
	f.calls++
	if f.fails > 0 {
		f.fails--
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

type fakeIndex struct {
	calls int
	fails int
	err   error
	hits  []knowledge.Hit
}

func (f *fakeIndex) Search(context.Context, []float32, int, knowledge.Filters) ([]knowledge.Hit, error) {
	f.calls++
	if f.fails > 0 {
		f.fails--
		return nil, f.err
	}
	return f.hits, nil
}

func (f *fakeIndex) Upsert(context.Context, []knowledge.Chunk, [][]float32) error {
	return nil
}

func hit(chunkID, sourceID string, tier int, score float64) knowledge.Hit {
	return knowledge.Hit{
		Chunk: knowledge.Chunk{
			ChunkID:       chunkID,
			SourceID:      sourceID,
			Title:         sourceID,
			AuthorityTier: tier,
			Passage:       "passage " + chunkID,
		},
		Score: score,
	}
}

func newTestRetriever(t *testing.T, index knowledge.Index, opts Options) *Retriever {
	t.Helper()
	if opts.Embedder == nil {
		opts.Embedder = &fakeEmbedder{}
	}
	opts.Index = index
	r, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.sleep = func(time.Duration) {}
	return r
}

func TestRetrieve_DedupeKeepsHighestPerSource(t *testing.T) {
	t.Parallel()

	index := &fakeIndex{hits: []knowledge.Hit{
		hit("a#0", "a", 1, 0.5),
		hit("a#1", "a", 1, 0.8),
		hit("b#0", "b", 1, 0.6),
	}}
	r := newTestRetriever(t, index, Options{})

	result, err := r.Retrieve(context.Background(), pipeline.CanonicalQuery{Text: "q"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(result.Citations) != 2 {
		t.Fatalf("citations = %d, want 2 after dedupe", len(result.Citations))
	}
	if result.Citations[0].ChunkID != "a#1" {
		t.Fatalf("strongest chunk per source should win, got %q", result.Citations[0].ChunkID)
	}
}

func TestRetrieve_TierBonusReranks(t *testing.T) {
	t.Parallel()

	// Tier 3 with the higher raw score loses to tier 1 after weighting:
	// 0.80*0.75 = 0.60 < 0.70*1.0.
	index := &fakeIndex{hits: []knowledge.Hit{
		hit("low-tier#0", "low-tier", 3, 0.80),
		hit("high-tier#0", "high-tier", 1, 0.70),
	}}
	r := newTestRetriever(t, index, Options{})

	result, err := r.Retrieve(context.Background(), pipeline.CanonicalQuery{Text: "q"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if result.Citations[0].SourceID != "high-tier" {
		t.Fatalf("tier bonus not applied, order: %v", result.Citations)
	}
	// Raw scores are preserved on the citation.
	if result.Citations[1].Score != 0.80 {
		t.Fatalf("citation score should stay raw similarity, got %v", result.Citations[1].Score)
	}
}

func TestRetrieve_FiltersAndTruncates(t *testing.T) {
	t.Parallel()

	index := &fakeIndex{hits: []knowledge.Hit{
		hit("s1#0", "s1", 1, 0.9),
		hit("s2#0", "s2", 1, 0.8),
		hit("s3#0", "s3", 1, 0.7),
		hit("s4#0", "s4", 4, 0.95), // tier above the allowed set
		hit("s5#0", "s5", 1, 0.1),  // below min similarity
	}}
	r := newTestRetriever(t, index, Options{KFinal: 2})

	result, err := r.Retrieve(context.Background(), pipeline.CanonicalQuery{Text: "q"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(result.Citations) != 2 {
		t.Fatalf("citations = %d, want kFinal=2", len(result.Citations))
	}
	for _, c := range result.Citations {
		if c.AuthorityTier > 3 {
			t.Fatalf("tier filter leaked %v", c)
		}
		if c.Score < 0.2 {
			t.Fatalf("similarity floor leaked %v", c)
		}
	}
}

func TestRetrieve_EmptyBelowThreshold(t *testing.T) {
	t.Parallel()

	index := &fakeIndex{hits: []knowledge.Hit{
		hit("s1#0", "s1", 1, 0.05),
	}}
	r := newTestRetriever(t, index, Options{})

	result, err := r.Retrieve(context.Background(), pipeline.CanonicalQuery{Text: "q"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !result.Empty {
		t.Fatalf("expected Empty result, got %+v", result)
	}
	if len(result.Citations) != 0 {
		t.Fatalf("no citations expected, got %v", result.Citations)
	}
}

func TestRetrieve_EmbedderRetryOnce(t *testing.T) {
	t.Parallel()

	embedder := &fakeEmbedder{fails: 1, err: errors.New("ollama down")}
	index := &fakeIndex{hits: []knowledge.Hit{hit("s1#0", "s1", 1, 0.9)}}
	r := newTestRetriever(t, index, Options{Embedder: embedder})

	if _, err := r.Retrieve(context.Background(), pipeline.CanonicalQuery{Text: "q"}); err != nil {
		t.Fatalf("single transient failure should be retried: %v", err)
	}
	if embedder.calls != 2 {
		t.Fatalf("embedder calls = %d, want 2", embedder.calls)
	}
}

func TestRetrieve_EmbedderUnavailable(t *testing.T) {
	t.Parallel()

	embedder := &fakeEmbedder{fails: 2, err: errors.New("ollama down")}
	r := newTestRetriever(t, &fakeIndex{}, Options{Embedder: embedder})

	_, err := r.Retrieve(context.Background(), pipeline.CanonicalQuery{Text: "q"})
	var perr *pipeline.Error
	if !errors.As(err, &perr) || perr.Code != pipeline.CodeEmbeddingUnavailable {
		t.Fatalf("got %v, want %s", err, pipeline.CodeEmbeddingUnavailable)
	}
	if embedder.calls != 2 {
		t.Fatalf("embedder calls = %d, want exactly one retry", embedder.calls)
	}
}

func TestRetrieve_IndexUnavailable(t *testing.T) {
	t.Parallel()

	index := &fakeIndex{fails: 2, err: errors.New("qdrant down")}
	r := newTestRetriever(t, index, Options{})

	_, err := r.Retrieve(context.Background(), pipeline.CanonicalQuery{Text: "q"})
	var perr *pipeline.Error
	if !errors.As(err, &perr) || perr.Code != pipeline.CodeIndexUnavailable {
		t.Fatalf("got %v, want %s", err, pipeline.CodeIndexUnavailable)
	}
	if index.calls != 2 {
		t.Fatalf("index calls = %d, want exactly one retry", index.calls)
	}
}

func TestRetrieve_CacheHitIdentity(t *testing.T) {
	t.Parallel()

	index := &fakeIndex{hits: []knowledge.Hit{
		hit("s1#0", "s1", 1, 0.9),
		hit("s2#0", "s2", 2, 0.8),
	}}
	r := newTestRetriever(t, index, Options{CacheTTL: time.Hour})

	query := pipeline.CanonicalQuery{Text: "what is a headache"}
	first, err := r.Retrieve(context.Background(), query)
	if err != nil {
		t.Fatalf("first Retrieve: %v", err)
	}
	second, err := r.Retrieve(context.Background(), query)
	if err != nil {
		t.Fatalf("second Retrieve: %v", err)
	}

	if !second.CacheHit {
		t.Fatalf("second identical query should hit the cache")
	}
	if first.CacheHit {
		t.Fatalf("first query cannot be a cache hit")
	}
	if index.calls != 1 {
		t.Fatalf("index calls = %d, want 1", index.calls)
	}
	if len(first.Citations) != len(second.Citations) {
		t.Fatalf("cached result differs: %v vs %v", first.Citations, second.Citations)
	}
	for i := range first.Citations {
		if first.Citations[i] != second.Citations[i] {
			t.Fatalf("cached citation %d differs: %v vs %v", i, first.Citations[i], second.Citations[i])
		}
	}
}

func TestResultCache_TTLExpiry(t *testing.T) {
	t.Parallel()

	cache := newResultCache(time.Minute, 4)
	now := time.Now()
	cache.now = func() time.Time { return now }

	cache.put("k", pipeline.RetrievalResult{Citations: []pipeline.Citation{{ChunkID: "c"}}})
	if _, ok := cache.get("k"); !ok {
		t.Fatalf("fresh entry should hit")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := cache.get("k"); ok {
		t.Fatalf("expired entry should miss")
	}
}

func TestResultCache_CapacityEviction(t *testing.T) {
	t.Parallel()

	cache := newResultCache(time.Hour, 2)
	cache.put("a", pipeline.RetrievalResult{})
	cache.put("b", pipeline.RetrievalResult{})
	cache.put("c", pipeline.RetrievalResult{})

	if _, ok := cache.get("a"); ok {
		t.Fatalf("oldest entry should have been evicted")
	}
	if _, ok := cache.get("c"); !ok {
		t.Fatalf("newest entry should survive")
	}
}

func TestBuildQueryText_EntityEnrichment(t *testing.T) {
	t.Parallel()

	query := pipeline.CanonicalQuery{
		Text: "can i take this",
		Entities: []pipeline.Entity{
			{Kind: pipeline.EntityKindMedication, Value: "ibuprofen", Confidence: 0.9},
			{Kind: pipeline.EntityKindSymptom, Value: "headache", Confidence: 0.8},
		},
	}
	got := buildQueryText(query)
	want := "can i take this | ibuprofen | headache"
	if got != want {
		t.Fatalf("buildQueryText = %q, want %q", got, want)
	}
}
