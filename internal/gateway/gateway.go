// Package gateway adapts the configured model providers behind a uniform
// generate call. It owns provider health tracking, per-provider token
// buckets, and timeout handling; it knows nothing about prompts beyond the
// block structure handed to it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/carebridge/careline/internal/config"
)

// Prompt block roles. Blocks keep their order; adapters fold system blocks
// into the provider's system slot and the rest into the user turn.
const (
	BlockRoleSystem = "system"
	BlockRoleUser   = "user"
)

type PromptBlock struct {
	// Role is "system" or "user".
	Role string
	// Name labels the block ("context", "evidence", "query", ...). Adapters
	// emit it as a section header so the model sees the block structure.
	Name string
	Text string
}

type GenerateRequest struct {
	ProviderID string
	Model      string

	Blocks      []PromptBlock
	Temperature float64
	MaxTokens   int

	// Timeout bounds this single call. Zero means the caller's context
	// deadline alone applies.
	Timeout time.Duration
}

type GenerateResult struct {
	Text         string
	FinishReason string

	// SelfConfidence is set only when the provider reports one. Most do
	// not; the reasoner falls back to the envelope's confidence field.
	SelfConfidence *float64
}

// Transport is one provider's wire adapter.
type Transport interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}

// ErrProviderUnhealthy is returned without issuing a call when the provider
// is inside its failure cool-down window.
var ErrProviderUnhealthy = errors.New("provider unhealthy")

const (
	healthFailureThreshold = 3
	healthCooldown         = 30 * time.Second

	// defaultRatePerSecond and defaultBurst bound calls toward one provider.
	// The bucket delays a request at most one refill interval; it never
	// blocks unrelated providers.
	defaultRatePerSecond = 5
	defaultBurst         = 10
)

type providerState struct {
	transport Transport
	limiter   *rate.Limiter

	mu               sync.Mutex
	consecutiveFails int
	unhealthyUntil   time.Time
}

// Gateway is the uniform model-invocation surface shared by the reasoner,
// the safety classifier, and the turn summarizer.
type Gateway struct {
	log       *slog.Logger
	providers map[string]*providerState
}

type Options struct {
	Logger *slog.Logger

	// Transports maps provider id to a wire adapter. Use BuildTransports to
	// construct them from config + secrets, or inject fakes in tests.
	Transports map[string]Transport
}

func New(opts Options) (*Gateway, error) {
	if len(opts.Transports) == 0 {
		return nil, errors.New("missing transports")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	providers := make(map[string]*providerState, len(opts.Transports))
	for id, tr := range opts.Transports {
		id = strings.TrimSpace(id)
		if id == "" || tr == nil {
			return nil, errors.New("invalid transport entry")
		}
		providers[id] = &providerState{
			transport: tr,
			limiter:   rate.NewLimiter(rate.Limit(defaultRatePerSecond), defaultBurst),
		}
	}
	return &Gateway{log: logger, providers: providers}, nil
}

// APIKeySource resolves provider API keys. *secrets.Store satisfies it.
type APIKeySource interface {
	ProviderAPIKey(providerID string) (string, bool, error)
}

// BuildTransports constructs wire adapters for every configured provider
// that has an API key. Providers without a key are skipped (logged); the
// router treats them as unavailable.
func BuildTransports(cfg *config.Config, keys APIKeySource, logger *slog.Logger) (map[string]Transport, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if keys == nil {
		return nil, errors.New("nil key source")
	}

	out := make(map[string]Transport, len(cfg.Providers))
	for _, p := range cfg.Providers {
		id := strings.TrimSpace(p.ID)
		key, ok, err := keys.ProviderAPIKey(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			if logger != nil {
				logger.Warn("provider has no api key; skipping", "provider", id)
			}
			continue
		}
		tr, err := newTransport(p.Type, p.BaseURL, key)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", id, err)
		}
		out[id] = tr
	}
	if len(out) == 0 {
		return nil, errors.New("no provider has an api key")
	}
	return out, nil
}

func newTransport(providerType, baseURL, apiKey string) (Transport, error) {
	providerType = strings.ToLower(strings.TrimSpace(providerType))
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing provider api key")
	}
	switch providerType {
	case "openai", "openai_compatible":
		return newOpenAITransport(baseURL, apiKey), nil
	case "anthropic":
		return newAnthropicTransport(baseURL, apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", providerType)
	}
}

// Healthy reports whether the provider exists and is outside its failure
// cool-down window.
func (g *Gateway) Healthy(providerID string) bool {
	if g == nil {
		return false
	}
	ps := g.providers[strings.TrimSpace(providerID)]
	if ps == nil {
		return false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return time.Now().After(ps.unhealthyUntil)
}

// Generate issues one model call. It waits on the provider's token bucket,
// applies the per-call timeout, and updates health state from the outcome.
func (g *Gateway) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if g == nil {
		return GenerateResult{}, errors.New("nil gateway")
	}
	id := strings.TrimSpace(req.ProviderID)
	ps := g.providers[id]
	if ps == nil {
		return GenerateResult{}, fmt.Errorf("unknown provider %q", id)
	}
	if strings.TrimSpace(req.Model) == "" {
		return GenerateResult{}, errors.New("missing model")
	}

	ps.mu.Lock()
	blocked := time.Now().Before(ps.unhealthyUntil)
	ps.mu.Unlock()
	if blocked {
		return GenerateResult{}, ErrProviderUnhealthy
	}

	if err := ps.limiter.Wait(ctx); err != nil {
		return GenerateResult{}, err
	}

	callCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := ps.transport.Generate(callCtx, req)
	if err != nil {
		// A cancelled caller context is not a provider failure.
		if ctx.Err() == nil {
			g.markFailure(ps, id, err)
		}
		return GenerateResult{}, err
	}
	g.markSuccess(ps)
	g.log.Debug("model call completed",
		"provider", id,
		"model", req.Model,
		"finish_reason", res.FinishReason,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (g *Gateway) markFailure(ps *providerState, id string, err error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.consecutiveFails++
	if ps.consecutiveFails >= healthFailureThreshold {
		ps.unhealthyUntil = time.Now().Add(healthCooldown)
		ps.consecutiveFails = 0
		g.log.Warn("provider marked unhealthy", "provider", id, "error", err, "cooldown", healthCooldown)
	}
}

func (g *Gateway) markSuccess(ps *providerState) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.consecutiveFails = 0
	ps.unhealthyUntil = time.Time{}
}

// FoldBlocks renders prompt blocks into (system, user) strings for adapters
// that accept a single system slot and a single user turn.
func FoldBlocks(blocks []PromptBlock) (system string, user string) {
	var sys, usr strings.Builder
	for _, b := range blocks {
		text := strings.TrimSpace(b.Text)
		if text == "" {
			continue
		}
		dst := &usr
		if strings.TrimSpace(b.Role) == BlockRoleSystem {
			dst = &sys
		}
		if dst.Len() > 0 {
			dst.WriteString("\n\n")
		}
		if name := strings.TrimSpace(b.Name); name != "" {
			dst.WriteString("## " + name + "\n")
		}
		dst.WriteString(text)
	}
	return sys.String(), usr.String()
}
