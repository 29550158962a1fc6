package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Stage interfaces. Concrete implementations live in their own packages;
// wiring happens in the command.
type (
	InputAnalyzer interface {
		Analyze(ctx context.Context, input UserInput) (CanonicalQuery, error)
	}

	ContextStore interface {
		Read(ctx context.Context, userID, sessionID string) (ContextSnapshot, error)
		Append(ctx context.Context, userID, sessionID string, turns []Turn, safetyState string) error
	}

	SafetyScreener interface {
		Screen(ctx context.Context, query CanonicalQuery, snapshot ContextSnapshot) SafetyVerdict
	}

	Retriever interface {
		Retrieve(ctx context.Context, query CanonicalQuery) (RetrievalResult, error)
	}

	Reasoner interface {
		Reason(ctx context.Context, query CanonicalQuery, snapshot ContextSnapshot, retrieval RetrievalResult, verdict SafetyVerdict) (ReasoningTrace, error)
	}

	ResponseValidator interface {
		Validate(ctx context.Context, query CanonicalQuery, verdict SafetyVerdict, retrieval RetrievalResult, trace ReasoningTrace) ValidatedResponse
	}

	// Summarizer compresses an exchange for context storage. Optional;
	// failure degrades to verbatim truncation.
	Summarizer interface {
		Summarize(ctx context.Context, text string) (string, error)
	}

	// StageRecorder appends one row per executed stage. Optional; a lost
	// row never fails the request.
	StageRecorder interface {
		RecordStage(ctx context.Context, requestID, stage, status, errorCode string, durationMs int64) error
	}
)

const defaultDeadline = 30 * time.Second

// crisisNotice is the safety_notice value on a short-circuited response.
const crisisNotice = "crisis short-circuit"

const crisisResponseText = `It sounds like you may be going through something really difficult right now. You deserve support, and you don't have to face this alone.

Please reach out to one of these resources now:

%s

If you are in immediate danger, call your local emergency number right away.`

// turnSummaryLimit bounds the verbatim fallback stored when summarization
// is unavailable.
const turnSummaryLimit = 280

// Orchestrator runs the fixed stage sequence for each request. It owns
// request ids, the deadline, latency accounting, and the stage-call log;
// stages own their domain logic.
type Orchestrator struct {
	log       *slog.Logger
	analyzer  InputAnalyzer
	store     ContextStore
	screener  SafetyScreener
	retriever Retriever
	reasoner  Reasoner
	validator ResponseValidator

	summarizer Summarizer
	stages     StageRecorder

	// crisisResources renders the formatted resource list for a locale.
	crisisResources func(locale string) string

	deadline time.Duration
}

type OrchestratorOptions struct {
	Logger    *slog.Logger
	Analyzer  InputAnalyzer
	Store     ContextStore
	Screener  SafetyScreener
	Retriever Retriever
	Reasoner  Reasoner
	Validator ResponseValidator

	// Summarizer is optional; absence means verbatim truncation.
	Summarizer Summarizer

	// Stages is optional; absence disables the stage-call log.
	Stages StageRecorder

	// CrisisResources renders the resource list for a locale. Required.
	CrisisResources func(locale string) string

	// Deadline is the per-request budget. Defaults to 30s.
	Deadline time.Duration
}

func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	switch {
	case opts.Analyzer == nil:
		return nil, errors.New("pipeline: missing analyzer")
	case opts.Store == nil:
		return nil, errors.New("pipeline: missing context store")
	case opts.Screener == nil:
		return nil, errors.New("pipeline: missing safety screener")
	case opts.Retriever == nil:
		return nil, errors.New("pipeline: missing retriever")
	case opts.Reasoner == nil:
		return nil, errors.New("pipeline: missing reasoner")
	case opts.Validator == nil:
		return nil, errors.New("pipeline: missing validator")
	case opts.CrisisResources == nil:
		return nil, errors.New("pipeline: missing crisis resources")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = defaultDeadline
	}
	return &Orchestrator{
		log:             logger,
		analyzer:        opts.Analyzer,
		store:           opts.Store,
		screener:        opts.Screener,
		retriever:       opts.Retriever,
		reasoner:        opts.Reasoner,
		validator:       opts.Validator,
		summarizer:      opts.Summarizer,
		stages:          opts.Stages,
		crisisResources: opts.CrisisResources,
		deadline:        deadline,
	}, nil
}

// Process runs one request through the full stage sequence. Exactly one of
// (response, error) is meaningful; a safety substitution or crisis
// short-circuit is a successful response, never an error.
func (o *Orchestrator) Process(ctx context.Context, input UserInput) (AgentResponse, error) {
	pc := ProcessingContext{
		RequestID: uuid.NewString(),
		StartedAt: time.Now(),
		Input:     input,
	}
	log := o.log.With("request_id", pc.RequestID)

	if err := validateEnvelope(input); err != nil {
		o.record(pc.RequestID, StageReceived, StatusForError(err), errorCode(err), 0)
		return AgentResponse{}, o.tag(err, pc.RequestID)
	}
	o.record(pc.RequestID, StageReceived, "ok", "", 0)

	ctx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	// 1. Analyze.
	err := o.runStage(ctx, pc.RequestID, StageAnalyzed, func(ctx context.Context) error {
		var err error
		pc.Query, err = o.analyzer.Analyze(ctx, input)
		return err
	})
	if err != nil {
		return AgentResponse{}, o.tag(err, pc.RequestID)
	}

	// 2. Read session context. A read failure degrades to the empty
	// snapshot; memory loss is not worth failing the request.
	snapshot, err := o.store.Read(ctx, input.UserID, input.SessionID)
	if err != nil {
		log.Warn("context read failed; proceeding with empty snapshot", "error", err)
		snapshot = ContextSnapshot{}
	}
	pc.Snapshot = snapshot

	// 3. Safety pre-pass.
	_ = o.runStage(ctx, pc.RequestID, StageScreened, func(ctx context.Context) error {
		pc.PreVerdict = o.screener.Screen(ctx, pc.Query, pc.Snapshot)
		return nil
	})

	if pc.PreVerdict.Level == SafetyLevelCrisis {
		log.Info("crisis short-circuit", "triggers", len(pc.PreVerdict.Triggers))
		// Retrieval and reasoning are skipped; the static crisis table is
		// the synthesized draft, and validation still runs so the response
		// carries the mandatory disclaimer.
		pc.Reasoning = ReasoningTrace{
			DraftAnswer: fmt.Sprintf(crisisResponseText, o.crisisResources(pc.Query.Locale)),
			Confidence:  1.0,
		}
		var validated ValidatedResponse
		_ = o.runStage(ctx, pc.RequestID, StageValidated, func(ctx context.Context) error {
			validated = o.validator.Validate(ctx, pc.Query, pc.PreVerdict, pc.Retrieval, pc.Reasoning)
			return nil
		})
		pc.Response = AgentResponse{
			RequestID:    pc.RequestID,
			Text:         validated.Text,
			Disclaimer:   validated.Disclaimer,
			SafetyNotice: crisisNotice,
			Confidence:   validated.Confidence,
		}
		o.finish(ctx, &pc, log)
		return pc.Response, nil
	}

	// 4. Retrieve.
	err = o.runStage(ctx, pc.RequestID, StageRetrieved, func(ctx context.Context) error {
		var err error
		pc.Retrieval, err = o.retriever.Retrieve(ctx, pc.Query)
		return err
	})
	if err != nil {
		return AgentResponse{}, o.tag(err, pc.RequestID)
	}

	// 5. Reason (routing happens inside).
	err = o.runStage(ctx, pc.RequestID, StageReasoned, func(ctx context.Context) error {
		var err error
		pc.Reasoning, err = o.reasoner.Reason(ctx, pc.Query, pc.Snapshot, pc.Retrieval, pc.PreVerdict)
		return err
	})
	if err != nil {
		return AgentResponse{}, o.tag(err, pc.RequestID)
	}

	// 6. Validate (substitution is success).
	var validated ValidatedResponse
	_ = o.runStage(ctx, pc.RequestID, StageValidated, func(ctx context.Context) error {
		validated = o.validator.Validate(ctx, pc.Query, pc.PreVerdict, pc.Retrieval, pc.Reasoning)
		return nil
	})

	pc.Response = AgentResponse{
		RequestID:    pc.RequestID,
		Text:         validated.Text,
		Citations:    validated.Citations,
		Disclaimer:   validated.Disclaimer,
		SafetyNotice: validated.SafetyNotice,
		Confidence:   validated.Confidence,
		ModelUsed:    pc.Reasoning.ModelUsed,
	}
	o.finish(ctx, &pc, log)
	return pc.Response, nil
}

// finish persists the exchange and stamps latency. Runs only on the
// success paths; a failed request appends nothing.
func (o *Orchestrator) finish(ctx context.Context, pc *ProcessingContext, log *slog.Logger) {
	turns := []Turn{
		{Role: "user", TextSummary: truncateSummary(pc.Query.Text), Timestamp: time.Now()},
		{Role: "agent", TextSummary: o.summarizeExchange(ctx, pc), Timestamp: time.Now()},
	}
	err := o.runStage(ctx, pc.RequestID, StageStored, func(ctx context.Context) error {
		return o.store.Append(ctx, pc.Input.UserID, pc.Input.SessionID, turns, pc.PreVerdict.Level)
	})
	if err != nil {
		// The response still goes out; only session memory is lost.
		log.Warn("context append failed", "error", err)
	}

	pc.Response.LatencyMs = time.Since(pc.StartedAt).Milliseconds()
	o.record(pc.RequestID, StageEmitted, "ok", "", pc.Response.LatencyMs)
	log.Info("request completed",
		"latency_ms", pc.Response.LatencyMs,
		"model", pc.Response.ModelUsed,
		"confidence", pc.Response.Confidence,
		"safety_notice", pc.Response.SafetyNotice,
	)
}

func (o *Orchestrator) summarizeExchange(ctx context.Context, pc *ProcessingContext) string {
	text := "User: " + pc.Query.Text + "\nAssistant: " + pc.Response.Text
	if o.summarizer != nil {
		summary, err := o.summarizer.Summarize(ctx, text)
		if err == nil && strings.TrimSpace(summary) != "" {
			return summary
		}
		if err != nil {
			o.log.Warn("turn summarization failed; storing truncated copy", "error", err)
		}
	}
	return truncateSummary(pc.Response.Text)
}

// runStage times one stage, records its row, and maps a deadline expiry to
// the request-level code.
func (o *Orchestrator) runStage(ctx context.Context, requestID, stage string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start).Milliseconds()

	if err != nil && ctx.Err() == context.DeadlineExceeded {
		var perr *Error
		if !errors.As(err, &perr) || perr.Code != CodeDeadlineExceeded {
			err = WrapError(CodeDeadlineExceeded, err, "request deadline expired during %s", stage)
		}
	}

	o.record(requestID, stage, StatusForError(err), errorCode(err), duration)
	return err
}

func (o *Orchestrator) record(requestID, stage, status, code string, durationMs int64) {
	if o.stages == nil {
		return
	}
	// Log writes get their own short budget so a stuck log cannot hold a
	// finished request.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.stages.RecordStage(ctx, requestID, stage, status, code, durationMs); err != nil {
		o.log.Warn("stage log write failed", "stage", stage, "error", err)
	}
}

// tag stamps the request id onto a pipeline error, wrapping anything else
// as INTERNAL.
func (o *Orchestrator) tag(err error, requestID string) error {
	var perr *Error
	if !errors.As(err, &perr) {
		perr = WrapError(CodeInternal, err, "unexpected stage failure")
	}
	perr.RequestID = requestID
	o.log.Error("request failed", "request_id", requestID, "code", perr.Code, "error", err)
	return perr
}

func validateEnvelope(input UserInput) error {
	if strings.TrimSpace(input.UserID) == "" {
		return NewError(CodeInternal, "missing user_id")
	}
	if strings.TrimSpace(input.SessionID) == "" {
		return NewError(CodeInternal, "missing session_id")
	}
	switch input.Modality {
	case ModalityText, ModalityAudio, ModalityImage:
		return nil
	default:
		return NewError(CodeInternal, "unknown modality "+input.Modality)
	}
}

// StatusForError is the stage-log status for a stage outcome.
func StatusForError(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func errorCode(err error) string {
	if err == nil {
		return ""
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	return CodeInternal
}

func truncateSummary(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= turnSummaryLimit {
		return text
	}
	runes := []rune(text)
	return string(runes[:turnSummaryLimit-1]) + "…"
}
