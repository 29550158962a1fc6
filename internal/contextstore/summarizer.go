package contextstore

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/carebridge/careline/internal/gateway"
)

// fallbackSummaryLimit bounds the verbatim copy stored when summarization
// fails.
const fallbackSummaryLimit = 280

const summarizerTimeout = 8 * time.Second

const summarizerPrompt = `Summarize the following exchange from a health-information chat in one or two sentences. Keep symptoms, medications, and decisions; drop pleasantries. Output only the summary.`

// Summarizer compresses one exchange into a stored turn summary.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// ModelSummarizer is the gateway-backed summarizer. Callers fall back to
// TruncateSummary when it fails; a lost summary never fails the request.
type ModelSummarizer struct {
	gw         *gateway.Gateway
	providerID string
	model      string
}

func NewModelSummarizer(gw *gateway.Gateway, providerID, model string) *ModelSummarizer {
	return &ModelSummarizer{gw: gw, providerID: providerID, model: model}
}

func (m *ModelSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	result, err := m.gw.Generate(ctx, gateway.GenerateRequest{
		ProviderID: m.providerID,
		Model:      m.model,
		Blocks: []gateway.PromptBlock{
			{Role: gateway.BlockRoleSystem, Text: summarizerPrompt},
			{Role: gateway.BlockRoleUser, Text: text},
		},
		Temperature: 0,
		MaxTokens:   150,
		Timeout:     summarizerTimeout,
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(result.Text)
	if summary == "" {
		return TruncateSummary(text), nil
	}
	return summary, nil
}

// TruncateSummary is the degradation path: a verbatim prefix cut at a rune
// boundary.
func TruncateSummary(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= fallbackSummaryLimit {
		return text
	}
	runes := []rune(text)
	return string(runes[:fallbackSummaryLimit-1]) + "…"
}
