package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/carebridge/careline/internal/embedding"
)

// embedBatchSize bounds one embedding call during index builds.
const embedBatchSize = 32

type BuildOptions struct {
	Logger *slog.Logger

	CorpusRoot   string
	ModelVersion string
}

type BuildReport struct {
	Documents int
	Chunks    int
}

// BuildIndex parses the corpus, chunks every document, embeds the passages,
// and upserts them into the index. This is the offline batch job; the
// request path never mutates the index.
func BuildIndex(ctx context.Context, index Index, embedder embedding.Service, opts BuildOptions) (BuildReport, error) {
	if index == nil {
		return BuildReport{}, errors.New("nil index")
	}
	if embedder == nil {
		return BuildReport{}, errors.New("nil embedder")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	docs, err := LoadCorpus(opts.CorpusRoot)
	if err != nil {
		return BuildReport{}, err
	}

	var chunks []Chunk
	for _, doc := range docs {
		chunks = append(chunks, ChunkDocument(doc)...)
	}
	if len(chunks) == 0 {
		return BuildReport{}, errors.New("corpus produced no chunks")
	}

	if q, ok := index.(*QdrantIndex); ok {
		probe, err := embedder.Embed(ctx, []string{chunks[0].Passage}, opts.ModelVersion)
		if err != nil {
			return BuildReport{}, fmt.Errorf("probe embedding failed: %w", err)
		}
		if err := q.EnsureCollection(ctx, len(probe[0])); err != nil {
			return BuildReport{}, err
		}
	}

	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Passage
		}
		vectors, err := embedder.Embed(ctx, texts, opts.ModelVersion)
		if err != nil {
			return BuildReport{}, fmt.Errorf("embedding batch %d failed: %w", start/embedBatchSize, err)
		}
		if err := index.Upsert(ctx, batch, vectors); err != nil {
			return BuildReport{}, err
		}
		logger.Info("indexed chunk batch", "from", start, "to", end, "total", len(chunks))
	}

	return BuildReport{Documents: len(docs), Chunks: len(chunks)}, nil
}
