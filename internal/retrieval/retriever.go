// Package retrieval turns a canonical query into an ordered, deduped list
// of citations from the knowledge index.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/carebridge/careline/internal/embedding"
	"github.com/carebridge/careline/internal/knowledge"
	"github.com/carebridge/careline/internal/pipeline"
)

// maxQueryEntities bounds how many extracted entities enrich the embedded
// query text.
const maxQueryEntities = 5

// retryBaseDelay is the backoff before the single retry against the
// embedder or index.
const retryBaseDelay = 150 * time.Millisecond

// tierBonus weights similarity by source authority during re-ranking.
// Unlisted tiers are excluded upstream by the tier filter.
var tierBonus = map[int]float64{
	1: 1.0,
	2: 0.9,
	3: 0.75,
}

type Retriever struct {
	log      *slog.Logger
	embedder embedding.Service
	index    knowledge.Index
	cache    *resultCache

	kRaw          int
	kFinal        int
	minSimilarity float64
	allowedTiers  []int
	modelVersion  string

	sleep func(time.Duration)
}

type Options struct {
	Logger   *slog.Logger
	Embedder embedding.Service
	Index    knowledge.Index

	// KRaw is the pre-dedupe k-NN count. Defaults to 20.
	KRaw int
	// KFinal is the post-dedupe citation count. Defaults to 5.
	KFinal int
	// MinSimilarity discards weaker hits. Defaults to 0.2.
	MinSimilarity float64
	// AllowedTiers restricts authority tiers. Defaults to [1,2,3].
	AllowedTiers []int

	// ModelVersion participates in the cache key so re-embedding the corpus
	// invalidates cached results.
	ModelVersion string

	// CacheTTL bounds cached results. Zero disables the cache.
	CacheTTL time.Duration
	// CacheCapacity bounds the entry count. Defaults to 512.
	CacheCapacity int
}

func New(opts Options) (*Retriever, error) {
	if opts.Embedder == nil {
		return nil, fmt.Errorf("retrieval: missing embedder")
	}
	if opts.Index == nil {
		return nil, fmt.Errorf("retrieval: missing index")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	kRaw := opts.KRaw
	if kRaw <= 0 {
		kRaw = 20
	}
	kFinal := opts.KFinal
	if kFinal <= 0 {
		kFinal = 5
	}
	minSim := opts.MinSimilarity
	if minSim <= 0 {
		minSim = 0.2
	}
	tiers := opts.AllowedTiers
	if len(tiers) == 0 {
		tiers = []int{1, 2, 3}
	}
	return &Retriever{
		log:           logger,
		embedder:      opts.Embedder,
		index:         opts.Index,
		cache:         newResultCache(opts.CacheTTL, opts.CacheCapacity),
		kRaw:          kRaw,
		kFinal:        kFinal,
		minSimilarity: minSim,
		allowedTiers:  tiers,
		modelVersion:  strings.TrimSpace(opts.ModelVersion),
		sleep: func(d time.Duration) {
			time.Sleep(d)
		},
	}, nil
}

// Retrieve embeds the query, searches the index, and returns the deduped,
// re-ranked citation list. An empty result is a valid outcome, not an
// error; only embedder or index unavailability fails the stage.
func (r *Retriever) Retrieve(ctx context.Context, query pipeline.CanonicalQuery) (pipeline.RetrievalResult, error) {
	text := buildQueryText(query)
	filters := knowledge.Filters{
		MaxTier:  maxAllowedTier(r.allowedTiers),
		Locale:   query.Locale,
		MinScore: r.minSimilarity,
	}

	key := r.cacheKey(text, filters)
	if cached, ok := r.cache.get(key); ok {
		cached.CacheHit = true
		r.log.Debug("retrieval cache hit", "citations", len(cached.Citations))
		return cached, nil
	}

	vector, err := r.embedWithRetry(ctx, text)
	if err != nil {
		return pipeline.RetrievalResult{}, pipeline.WrapError(pipeline.CodeEmbeddingUnavailable, err, "query embedding failed")
	}

	hits, err := r.searchWithRetry(ctx, vector, filters)
	if err != nil {
		return pipeline.RetrievalResult{}, pipeline.WrapError(pipeline.CodeIndexUnavailable, err, "index search failed")
	}

	result := r.rank(hits)
	r.cache.put(key, result)
	r.log.Debug("retrieval complete",
		"raw_hits", len(hits),
		"citations", len(result.Citations),
		"empty", result.Empty)
	return result, nil
}

// buildQueryText enriches the canonical text with the strongest extracted
// entities so domain terms anchor the embedding.
func buildQueryText(query pipeline.CanonicalQuery) string {
	parts := []string{query.Text}
	entities := append([]pipeline.Entity(nil), query.Entities...)
	sort.SliceStable(entities, func(i, j int) bool {
		return entities[i].Confidence > entities[j].Confidence
	})
	for i, e := range entities {
		if i >= maxQueryEntities {
			break
		}
		parts = append(parts, e.Value)
	}
	return strings.Join(parts, " | ")
}

func (r *Retriever) cacheKey(text string, filters knowledge.Filters) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|tier<=%d|locale=%s|min=%.3f|embed=%s",
		strings.ToLower(strings.TrimSpace(text)),
		filters.MaxTier, strings.ToLower(filters.Locale), filters.MinScore, r.modelVersion)
	return hex.EncodeToString(h.Sum(nil))
}

func (r *Retriever) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	vectors, err := r.embedder.Embed(ctx, []string{text}, r.modelVersion)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		r.log.Warn("embedding attempt failed; retrying once", "error", err)
		r.sleep(jitter(retryBaseDelay))
		vectors, err = r.embedder.Embed(ctx, []string{text}, r.modelVersion)
	}
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one input", len(vectors))
	}
	return vectors[0], nil
}

func (r *Retriever) searchWithRetry(ctx context.Context, vector []float32, filters knowledge.Filters) ([]knowledge.Hit, error) {
	hits, err := r.index.Search(ctx, vector, r.kRaw, filters)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		r.log.Warn("index search failed; retrying once", "error", err)
		r.sleep(jitter(retryBaseDelay))
		hits, err = r.index.Search(ctx, vector, r.kRaw, filters)
	}
	return hits, err
}

// rank dedupes by source, applies the authority-tier bonus, and truncates
// to the final citation count.
func (r *Retriever) rank(hits []knowledge.Hit) pipeline.RetrievalResult {
	allowed := make(map[int]bool, len(r.allowedTiers))
	for _, t := range r.allowedTiers {
		allowed[t] = true
	}

	// Keep the strongest hit per source document.
	bestBySource := make(map[string]knowledge.Hit)
	for _, hit := range hits {
		if hit.Score < r.minSimilarity {
			continue
		}
		if !allowed[hit.Chunk.AuthorityTier] {
			continue
		}
		prev, seen := bestBySource[hit.Chunk.SourceID]
		if !seen || hit.Score > prev.Score {
			bestBySource[hit.Chunk.SourceID] = hit
		}
	}

	ranked := make([]knowledge.Hit, 0, len(bestBySource))
	for _, hit := range bestBySource {
		ranked = append(ranked, hit)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		si := ranked[i].Score * bonusForTier(ranked[i].Chunk.AuthorityTier)
		sj := ranked[j].Score * bonusForTier(ranked[j].Chunk.AuthorityTier)
		if si != sj {
			return si > sj
		}
		// Deterministic order for equal weighted scores.
		return ranked[i].Chunk.ChunkID < ranked[j].Chunk.ChunkID
	})
	if len(ranked) > r.kFinal {
		ranked = ranked[:r.kFinal]
	}

	result := pipeline.RetrievalResult{Empty: len(ranked) == 0}
	for _, hit := range ranked {
		result.Citations = append(result.Citations, pipeline.Citation{
			SourceID:      hit.Chunk.SourceID,
			Title:         hit.Chunk.Title,
			AuthorityTier: hit.Chunk.AuthorityTier,
			URL:           hit.Chunk.URL,
			Passage:       hit.Chunk.Passage,
			ChunkID:       hit.Chunk.ChunkID,
			Score:         hit.Score,
		})
	}
	return result
}

func bonusForTier(tier int) float64 {
	if b, ok := tierBonus[tier]; ok {
		return b
	}
	return 0.5
}

func maxAllowedTier(tiers []int) int {
	max := 0
	for _, t := range tiers {
		if t > max {
			max = t
		}
	}
	return max
}

func jitter(base time.Duration) time.Duration {
	return base + time.Duration(rand.Int63n(int64(base)))
}
