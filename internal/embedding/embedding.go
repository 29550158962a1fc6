// Package embedding produces vector representations of text for retrieval.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

// Service turns text chunks and queries into vectors. Implementations must
// return one vector per input, in input order.
type Service interface {
	Embed(ctx context.Context, texts []string, modelVersion string) ([][]float32, error)
}

// OllamaService embeds via a local Ollama server.
type OllamaService struct {
	client *api.Client
	model  string
}

func NewOllamaService(baseURL, model string) (*OllamaService, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("missing embedding model")
	}
	raw := strings.TrimSpace(baseURL)
	if raw == "" {
		raw = "http://localhost:11434"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama base url: %w", err)
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}
	return &OllamaService{client: api.NewClient(u, httpClient), model: model}, nil
}

func (s *OllamaService) Embed(ctx context.Context, texts []string, modelVersion string) ([][]float32, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("embedding service not initialized")
	}
	if len(texts) == 0 {
		return nil, errors.New("no texts to embed")
	}

	// modelVersion participates in cache keys upstream; the call itself is
	// pinned to the configured model.
	resp, err := s.client.Embed(ctx, &api.EmbedRequest{
		Model: s.model,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("embed failed: %w", err)
	}
	if resp == nil || len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed returned %d vectors for %d inputs", lenEmbeddings(resp), len(texts))
	}

	out := make([][]float32, len(resp.Embeddings))
	for i, v := range resp.Embeddings {
		out[i] = append([]float32(nil), v...)
	}
	return out, nil
}

func lenEmbeddings(resp *api.EmbedResponse) int {
	if resp == nil {
		return 0
	}
	return len(resp.Embeddings)
}
