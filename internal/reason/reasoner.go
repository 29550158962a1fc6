package reason

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/carebridge/careline/internal/gateway"
	"github.com/carebridge/careline/internal/pipeline"
)

const defaultTemperature = 0.3

// retryBaseDelay is the backoff before the single transport retry against a
// routing row.
const retryBaseDelay = 150 * time.Millisecond

// maxAnswerTokens bounds the reasoning call.
const maxAnswerTokens = 1500

// emptyRetrievalConfidenceCap limits confidence when no citation backed the
// answer.
const emptyRetrievalConfidenceCap = 0.4

// Confidence blend weights.
const (
	citationWeight     = 0.4
	selfReportWeight   = 0.4
	completenessWeight = 0.2
)

const systemPrompt = `You are a careful healthcare information assistant.
You provide general health information grounded in the supplied evidence.
Forbidden actions: never diagnose a condition, never prescribe or dose a
medication, never discourage someone from seeking professional care.
Cite evidence by chunk_id. If the evidence does not cover the question,
say so plainly instead of speculating.

Respond with a single JSON object and nothing else:
{
  "reasoning_steps": [{"thought": "...", "referenced_chunk_ids": ["..."]}],
  "answer": "...",
  "citations_used": ["chunk_id", ...],
  "confidence": 0.0,
  "disclaimer_included": false
}`

const strictReminder = `

REMINDER: your previous reply was not a parseable JSON object. Output ONLY
the JSON object described above. No prose, no code fences, no commentary.`

// ModelCaller issues one generation. Satisfied by *gateway.Gateway.
type ModelCaller interface {
	Generate(ctx context.Context, req gateway.GenerateRequest) (gateway.GenerateResult, error)
}

type Reasoner struct {
	log         *slog.Logger
	caller      ModelCaller
	router      *Router
	temperature float64
	callTimeout time.Duration

	sleep func(time.Duration)
}

type ReasonerOptions struct {
	Logger *slog.Logger
	Caller ModelCaller
	Router *Router

	// Temperature defaults to 0.3.
	Temperature float64

	// CallTimeout bounds each model call. Zero leaves the caller's
	// deadline in charge.
	CallTimeout time.Duration
}

func NewReasoner(opts ReasonerOptions) (*Reasoner, error) {
	if opts.Caller == nil {
		return nil, errors.New("reason: missing model caller")
	}
	if opts.Router == nil {
		return nil, errors.New("reason: missing router")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	temp := opts.Temperature
	if temp <= 0 {
		temp = defaultTemperature
	}
	return &Reasoner{
		log:         logger,
		caller:      opts.Caller,
		router:      opts.Router,
		temperature: temp,
		callTimeout: opts.CallTimeout,
		sleep: func(d time.Duration) {
			time.Sleep(d)
		},
	}, nil
}

// envelope is the machine-parseable model output contract.
type envelope struct {
	ReasoningSteps []struct {
		Thought            string   `json:"thought"`
		ReferencedChunkIDs []string `json:"referenced_chunk_ids"`
	} `json:"reasoning_steps"`
	Answer             string   `json:"answer"`
	CitationsUsed      []string `json:"citations_used"`
	Confidence         float64  `json:"confidence"`
	DisclaimerIncluded bool     `json:"disclaimer_included"`
}

// Reason routes, prompts, and parses one reasoning call, walking the
// class's routing rows until one answers. A parse failure gets exactly one
// retry with a stricter reminder before the request fails.
func (r *Reasoner) Reason(ctx context.Context, query pipeline.CanonicalQuery, snapshot pipeline.ContextSnapshot, retrieval pipeline.RetrievalResult, verdict pipeline.SafetyVerdict) (pipeline.ReasoningTrace, error) {
	class := r.router.Classify(query, verdict, retrieval)
	routes, err := r.router.Candidates(class)
	if err != nil {
		return pipeline.ReasoningTrace{}, err
	}

	blocks := buildPromptBlocks(query, snapshot, retrieval)

	var lastErr error
	for _, route := range routes {
		r.log.Info("model routed", "class", class, "provider", route.ProviderID, "model", route.Model)

		env, selfConf, err := r.callWithRecovery(ctx, route.ProviderID, route.Model, blocks)
		if err == nil {
			return buildTrace(env, selfConf, retrieval, route.ProviderID+"/"+route.Model), nil
		}

		var perr *pipeline.Error
		if errors.As(err, &perr) && perr.Code == pipeline.CodeMalformedModelOutput {
			// Schema failures are model behavior, not transport; the
			// strict-reminder retry already spent the budget.
			return pipeline.ReasoningTrace{}, err
		}
		if ctx.Err() != nil {
			return pipeline.ReasoningTrace{}, classifyCallError(ctx, err)
		}
		lastErr = err
		r.log.Warn("provider call failed; walking fallback routing row",
			"provider", route.ProviderID, "error", err)
	}
	return pipeline.ReasoningTrace{}, classifyCallError(ctx, lastErr)
}

// callWithRecovery runs one routing row. A transient transport failure gets
// a single retry after a jittered backoff; an unparseable envelope gets a
// single strict-reminder retry. Anything past that abandons the row.
func (r *Reasoner) callWithRecovery(ctx context.Context, providerID, model string, blocks []gateway.PromptBlock) (envelope, *float64, error) {
	env, selfConf, err := r.callOnce(ctx, providerID, model, blocks, false)

	var parseErr *envelopeParseError
	if err != nil && !errors.As(err, &parseErr) {
		if ctx.Err() != nil || errors.Is(err, gateway.ErrProviderUnhealthy) {
			return envelope{}, nil, err
		}
		r.log.Warn("model call failed; retrying once", "provider", providerID, "error", err)
		r.sleep(jitter(retryBaseDelay))
		env, selfConf, err = r.callOnce(ctx, providerID, model, blocks, false)
	}

	if err != nil && errors.As(err, &parseErr) {
		r.log.Warn("model envelope unparseable; retrying with strict reminder", "error", err)
		env, selfConf, err = r.callOnce(ctx, providerID, model, blocks, true)
		if err != nil && errors.As(err, &parseErr) {
			return envelope{}, nil, pipeline.WrapError(pipeline.CodeMalformedModelOutput,
				err, "model output failed schema parse twice")
		}
	}
	return env, selfConf, err
}

func buildTrace(env envelope, selfConf *float64, retrieval pipeline.RetrievalResult, modelID string) pipeline.ReasoningTrace {
	trace := pipeline.ReasoningTrace{
		DraftAnswer:        env.Answer,
		CitationsUsed:      env.CitationsUsed,
		DisclaimerEmbedded: env.DisclaimerIncluded,
		ModelUsed:          modelID,
	}
	for _, step := range env.ReasoningSteps {
		trace.Steps = append(trace.Steps, pipeline.ReasoningStep{
			Thought:            step.Thought,
			ReferencedChunkIDs: step.ReferencedChunkIDs,
		})
	}
	trace.Confidence = deriveConfidence(env, selfConf, retrieval)
	return trace
}

func jitter(base time.Duration) time.Duration {
	return base + time.Duration(rand.Int63n(int64(base)))
}

type envelopeParseError struct {
	cause error
}

func (e *envelopeParseError) Error() string { return "envelope parse: " + e.cause.Error() }
func (e *envelopeParseError) Unwrap() error { return e.cause }

func (r *Reasoner) callOnce(ctx context.Context, providerID, model string, blocks []gateway.PromptBlock, strict bool) (envelope, *float64, error) {
	callBlocks := blocks
	if strict {
		callBlocks = append([]gateway.PromptBlock(nil), blocks...)
		callBlocks[0].Text += strictReminder
	}

	result, err := r.caller.Generate(ctx, gateway.GenerateRequest{
		ProviderID:  providerID,
		Model:       model,
		Blocks:      callBlocks,
		Temperature: r.temperature,
		MaxTokens:   maxAnswerTokens,
		Timeout:     r.callTimeout,
	})
	if err != nil {
		return envelope{}, nil, err
	}

	env, err := parseEnvelope(result.Text)
	if err != nil {
		return envelope{}, nil, &envelopeParseError{cause: err}
	}
	return env, result.SelfConfidence, nil
}

func parseEnvelope(text string) (envelope, error) {
	raw := extractJSONObject(text)
	var env envelope
	dec := json.NewDecoder(strings.NewReader(raw))
	if err := dec.Decode(&env); err != nil {
		return envelope{}, err
	}
	if strings.TrimSpace(env.Answer) == "" {
		return envelope{}, errors.New("envelope missing answer")
	}
	if env.Confidence < 0 || env.Confidence > 1 {
		return envelope{}, fmt.Errorf("envelope confidence %v out of range", env.Confidence)
	}
	return env, nil
}

// extractJSONObject tolerates code fences and prose around the object.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

func classifyCallError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return pipeline.WrapError(pipeline.CodeDeadlineExceeded, err, "request deadline expired during reasoning")
	case errors.Is(err, context.DeadlineExceeded):
		return pipeline.WrapError(pipeline.CodeUpstreamTimeout, err, "model call timed out")
	case errors.Is(err, gateway.ErrProviderUnhealthy):
		return pipeline.WrapError(pipeline.CodeNoModelAvailable, err, "routed provider became unhealthy")
	default:
		return pipeline.WrapError(pipeline.CodeUpstreamTimeout, err, "model call failed")
	}
}

// deriveConfidence blends the mean citation score, the model's
// self-reported confidence, and schema completeness. Empty retrieval caps
// the result: an answer with no evidence is never presented as confident.
func deriveConfidence(env envelope, selfConf *float64, retrieval pipeline.RetrievalResult) float64 {
	self := env.Confidence
	if selfConf != nil {
		self = *selfConf
	}

	completeness := schemaCompleteness(env)
	conf := citationWeight*meanScore(retrieval.Citations) +
		selfReportWeight*self +
		completenessWeight*completeness

	if retrieval.Empty && conf > emptyRetrievalConfidenceCap {
		conf = emptyRetrievalConfidenceCap
	}
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}

func schemaCompleteness(env envelope) float64 {
	fields := 0
	if len(env.ReasoningSteps) > 0 {
		fields++
	}
	if strings.TrimSpace(env.Answer) != "" {
		fields++
	}
	if len(env.CitationsUsed) > 0 {
		fields++
	}
	return float64(fields) / 3
}

func buildPromptBlocks(query pipeline.CanonicalQuery, snapshot pipeline.ContextSnapshot, retrieval pipeline.RetrievalResult) []gateway.PromptBlock {
	blocks := []gateway.PromptBlock{
		{Role: gateway.BlockRoleSystem, Text: systemPrompt},
	}

	if ctxText := renderContext(snapshot); ctxText != "" {
		blocks = append(blocks, gateway.PromptBlock{
			Role: gateway.BlockRoleUser, Name: "Session Context", Text: ctxText,
		})
	}

	blocks = append(blocks, gateway.PromptBlock{
		Role: gateway.BlockRoleUser, Name: "Evidence", Text: renderEvidence(retrieval),
	})

	blocks = append(blocks, gateway.PromptBlock{
		Role: gateway.BlockRoleUser, Name: "Query", Text: renderQuery(query),
	})

	blocks = append(blocks, gateway.PromptBlock{
		Role: gateway.BlockRoleUser, Name: "Output Contract",
		Text: "Answer the query using only the evidence above. Output the JSON envelope exactly as specified in the system instructions.",
	})
	return blocks
}

func renderContext(snapshot pipeline.ContextSnapshot) string {
	var b strings.Builder
	if len(snapshot.UserProfile) > 0 {
		b.WriteString("User profile:\n")
		for _, k := range sortedKeys(snapshot.UserProfile) {
			fmt.Fprintf(&b, "- %s: %s\n", k, snapshot.UserProfile[k])
		}
	}
	if len(snapshot.RecentTurns) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Recent turns (oldest first):\n")
		for _, t := range snapshot.RecentTurns {
			fmt.Fprintf(&b, "- [%s] %s\n", t.Role, t.TextSummary)
		}
	}
	return strings.TrimSpace(b.String())
}

func renderEvidence(retrieval pipeline.RetrievalResult) string {
	if len(retrieval.Citations) == 0 {
		return "No evidence passages were retrieved for this query. State clearly that you lack grounded sources for specifics."
	}
	var b strings.Builder
	for i, c := range retrieval.Citations {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] chunk_id=%s source=%q tier=%d\n%s",
			i+1, c.ChunkID, c.Title, c.AuthorityTier, c.Passage)
	}
	return b.String()
}

func renderQuery(query pipeline.CanonicalQuery) string {
	var b strings.Builder
	b.WriteString(query.Text)
	fmt.Fprintf(&b, "\n\nintent=%s urgency=%.1f", query.Intent, query.Urgency)
	if len(query.Entities) > 0 {
		b.WriteString("\nentities:")
		for _, e := range query.Entities {
			fmt.Fprintf(&b, " %s(%s)", e.Value, e.Kind)
		}
	}
	if aux := strings.TrimSpace(query.AuxContext); aux != "" {
		b.WriteString("\n\nAdditional context: " + aux)
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
