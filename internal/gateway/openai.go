package gateway

import (
	"context"
	"errors"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
)

type openAITransport struct {
	client openai.Client
}

func newOpenAITransport(baseURL, apiKey string) *openAITransport {
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &openAITransport{client: openai.NewClient(opts...)}
}

func (t *openAITransport) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if t == nil {
		return GenerateResult{}, errors.New("nil transport")
	}

	system, user := FoldBlocks(req.Blocks)
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if strings.TrimSpace(system) != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	if strings.TrimSpace(user) == "" {
		return GenerateResult{}, errors.New("empty prompt")
	}
	messages = append(messages, openai.UserMessage(user))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(strings.TrimSpace(req.Model)),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := t.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return GenerateResult{}, err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return GenerateResult{}, errors.New("empty completion")
	}
	choice := resp.Choices[0]
	return GenerateResult{
		Text:         choice.Message.Content,
		FinishReason: string(choice.FinishReason),
	}, nil
}
