package gateway

import (
	"context"
	"errors"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 2048

type anthropicTransport struct {
	client anthropic.Client
}

func newAnthropicTransport(baseURL, apiKey string) *anthropicTransport {
	opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &anthropicTransport{client: anthropic.NewClient(opts...)}
}

func (t *anthropicTransport) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if t == nil {
		return GenerateResult{}, errors.New("nil transport")
	}

	system, user := FoldBlocks(req.Blocks)
	if strings.TrimSpace(user) == "" {
		return GenerateResult{}, errors.New("empty prompt")
	}

	maxTokens := int64(anthropicDefaultMaxTokens)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens:   maxTokens,
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(user))},
		Temperature: anthropic.Float(req.Temperature),
	}
	if strings.TrimSpace(system) != "" {
		params.System = []anthropic.TextBlockParam{{Text: strings.TrimSpace(system)}}
	}

	resp, err := t.client.Messages.New(ctx, params)
	if err != nil {
		return GenerateResult{}, err
	}
	if resp == nil {
		return GenerateResult{}, errors.New("empty message")
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	return GenerateResult{
		Text:         sb.String(),
		FinishReason: string(resp.StopReason),
	}, nil
}
