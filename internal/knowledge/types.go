// Package knowledge owns the medical document corpus: the on-disk document
// format, chunking, and the vector index the retriever searches.
package knowledge

import "context"

// Document is one corpus source file after parsing.
type Document struct {
	SourceID string `json:"source_id"`
	Title    string `json:"title"`
	URL      string `json:"url,omitempty"`

	// AuthorityTier ranks medical reliability: 1 = peer-reviewed primary,
	// 5 = generic web. Assignment is operator-controlled via frontmatter.
	AuthorityTier int `json:"authority_tier"`

	Locale string   `json:"locale,omitempty"`
	Tags   []string `json:"tags,omitempty"`
	Body   string   `json:"body"`
}

// Chunk is one searchable unit of a document.
type Chunk struct {
	ChunkID  string `json:"chunk_id"`
	SourceID string `json:"source_id"`
	Title    string `json:"title"`
	URL      string `json:"url,omitempty"`

	AuthorityTier int    `json:"authority_tier"`
	Locale        string `json:"locale,omitempty"`
	Passage       string `json:"passage"`
}

// Hit is one k-NN result.
type Hit struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// Filters restricts a search. Zero values disable the corresponding filter.
type Filters struct {
	// MaxTier keeps only sources with authority_tier <= MaxTier.
	MaxTier int
	// Locale keeps only chunks tagged with this locale (chunks without a
	// locale are locale-neutral and always pass).
	Locale string
	// MinScore discards hits below this similarity.
	MinScore float64
}

// Index is the vector store searched on the request path. Index updates are
// an offline batch job; the request path only reads.
type Index interface {
	Search(ctx context.Context, vector []float32, k int, filters Filters) ([]Hit, error)
	Upsert(ctx context.Context, chunks []Chunk, vectors [][]float32) error
}
