// Package media adapts audio and image payloads into text for the input
// analyzer. Both adapters are optional; when absent the analyzer degrades
// per its modality policy.
package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
)

const (
	transcribeModel = openai.AudioModelWhisper1
	visionModel     = openai.ChatModelGPT4oMini

	callTimeout = 20 * time.Second
)

const visionPrompt = "Describe this image for a healthcare assistant. Note any visible symptoms, medication packaging, or medical documents. Be factual; do not diagnose."

// Client wraps the multimodal endpoints of one OpenAI-compatible provider.
type Client struct {
	api openai.Client
}

func NewClient(apiKey, baseURL string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing api key")
	}
	opts := []ooption.RequestOption{
		ooption.WithAPIKey(apiKey),
		ooption.WithHTTPClient(&http.Client{Timeout: callTimeout}),
	}
	if u := strings.TrimSpace(baseURL); u != "" {
		opts = append(opts, ooption.WithBaseURL(u))
	}
	return &Client{api: openai.NewClient(opts...)}, nil
}

// Transcribe converts an audio payload to text via Whisper.
func (c *Client) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if c == nil {
		return "", errors.New("nil media client")
	}
	if len(audio) == 0 {
		return "", errors.New("empty audio payload")
	}

	resp, err := c.api.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model: transcribeModel,
		File:  openai.File(bytes.NewReader(audio), "audio.wav", "audio/wav"),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// Describe produces a factual description of an image payload.
func (c *Client) Describe(ctx context.Context, image []byte) (string, error) {
	if c == nil {
		return "", errors.New("nil media client")
	}
	if len(image) == 0 {
		return "", errors.New("empty image payload")
	}

	dataURL := "data:" + sniffImageMIME(image) + ";base64," + base64.StdEncoding.EncodeToString(image)
	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: visionModel,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(visionPrompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
			}),
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty vision response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func sniffImageMIME(image []byte) string {
	mime := http.DetectContentType(image)
	if strings.HasPrefix(mime, "image/") {
		return mime
	}
	return "image/png"
}
