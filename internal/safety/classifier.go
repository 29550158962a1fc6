package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/carebridge/careline/internal/gateway"
	"github.com/carebridge/careline/internal/pipeline"
)

const classifierTimeout = 5 * time.Second

const classifierSystemPrompt = `You are a safety triage classifier for a healthcare assistant.
Classify the user text for self-harm, violence, or acute medical risk.
Respond with a single JSON object and nothing else:
{"level":"none|elevated|crisis","spans":["matched phrase", ...],"score":0.0}
Score is your confidence in the assigned level between 0 and 1.`

// ModelClassifier asks a routed model for a safety judgement. It is uplift
// over the lexical matcher, never a replacement for it.
type ModelClassifier struct {
	gw         *gateway.Gateway
	providerID string
	model      string
}

func NewModelClassifier(gw *gateway.Gateway, providerID, model string) *ModelClassifier {
	return &ModelClassifier{gw: gw, providerID: providerID, model: model}
}

type classifierEnvelope struct {
	Level string   `json:"level"`
	Spans []string `json:"spans"`
	Score float64  `json:"score"`
}

func (c *ModelClassifier) Classify(ctx context.Context, text string) (pipeline.SafetyVerdict, error) {
	if c == nil || c.gw == nil {
		return pipeline.SafetyVerdict{}, fmt.Errorf("safety classifier not configured")
	}
	result, err := c.gw.Generate(ctx, gateway.GenerateRequest{
		ProviderID: c.providerID,
		Model:      c.model,
		Blocks: []gateway.PromptBlock{
			{Role: gateway.BlockRoleSystem, Text: classifierSystemPrompt},
			{Role: gateway.BlockRoleUser, Text: text},
		},
		Temperature: 0,
		MaxTokens:   256,
		Timeout:     classifierTimeout,
	})
	if err != nil {
		return pipeline.SafetyVerdict{}, err
	}

	var env classifierEnvelope
	if err := json.Unmarshal([]byte(extractJSONObject(result.Text)), &env); err != nil {
		return pipeline.SafetyVerdict{}, fmt.Errorf("classifier returned non-JSON output: %w", err)
	}

	level := strings.TrimSpace(strings.ToLower(env.Level))
	switch level {
	case pipeline.SafetyLevelNone, pipeline.SafetyLevelElevated, pipeline.SafetyLevelCrisis:
	default:
		return pipeline.SafetyVerdict{}, fmt.Errorf("classifier returned unknown level %q", env.Level)
	}

	verdict := pipeline.SafetyVerdict{Level: level}
	if level != pipeline.SafetyLevelNone {
		score := env.Score
		if score <= 0 || score > 1 {
			score = 0.5
		}
		span := strings.Join(env.Spans, "; ")
		if span == "" {
			span = "model_judgement"
		}
		verdict.Triggers = append(verdict.Triggers, pipeline.SafetyTrigger{
			Kind:  TriggerClassifier,
			Span:  span,
			Score: score,
		})
	}
	return verdict, nil
}

// extractJSONObject tolerates code fences and prose around the object, which
// smaller models emit despite instructions.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
