package pipeline

import (
	"strings"
	"time"
)

// Input modalities accepted by the pipeline.
const (
	ModalityText  = "text"
	ModalityAudio = "audio"
	ModalityImage = "image"
)

// UserInput is the raw request handed over by the transport layer.
// It is consumed exactly once by the input analyzer.
type UserInput struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`

	// Modality is one of: "text" | "audio" | "image".
	Modality string `json:"modality"`

	// Text carries the payload for text inputs.
	Text string `json:"text,omitempty"`
	// Payload carries the raw bytes for audio/image inputs.
	Payload []byte `json:"payload,omitempty"`

	DeclaredLocale string    `json:"declared_locale,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Entity kinds extracted from user queries.
const (
	EntityKindSymptom     = "symptom"
	EntityKindMedication  = "medication"
	EntityKindCondition   = "condition"
	EntityKindDemographic = "demographic"
	EntityKindOther       = "other"
)

type Entity struct {
	Kind       string  `json:"kind"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Query intents.
const (
	IntentInfo           = "info"
	IntentSupport        = "support"
	IntentCrisisCheck    = "crisis_check"
	IntentAdministrative = "administrative"
	IntentOther          = "other"
)

// CanonicalQuery is the normalized form of a user input. It is immutable
// after the input analyzer produces it.
type CanonicalQuery struct {
	Text     string   `json:"text"`
	Entities []Entity `json:"entities,omitempty"`

	// Urgency is in [0,10].
	Urgency float64 `json:"urgency"`
	Intent  string  `json:"intent"`
	Locale  string  `json:"locale,omitempty"`

	// SourceModality records the original input modality ("text" when the
	// payload arrived as text).
	SourceModality string `json:"source_modality,omitempty"`

	// AuxContext carries side text such as a vision description of an
	// image input. It is prompt context, not part of the query text.
	AuxContext string `json:"aux_context,omitempty"`
}

// Turn is one summarized user/agent exchange retained per session.
type Turn struct {
	Role        string    `json:"role"`
	TextSummary string    `json:"text_summary"`
	Timestamp   time.Time `json:"ts"`
}

// ContextSnapshot is a point-in-time read of the per-session context.
type ContextSnapshot struct {
	UserProfile     map[string]string `json:"user_profile,omitempty"`
	RecentTurns     []Turn            `json:"recent_turns,omitempty"`
	LastSafetyState string            `json:"last_safety_state,omitempty"`
}

// Safety levels and recommended actions.
const (
	SafetyLevelNone     = "none"
	SafetyLevelElevated = "elevated"
	SafetyLevelCrisis   = "crisis"

	SafetyActionProceed              = "proceed"
	SafetyActionProceedWithResources = "proceed_with_resources"
	SafetyActionShortCircuit         = "short_circuit"
)

type SafetyTrigger struct {
	Kind  string  `json:"kind"`
	Span  string  `json:"span"`
	Score float64 `json:"score"`
}

type SafetyVerdict struct {
	Level             string          `json:"level"`
	Triggers          []SafetyTrigger `json:"triggers,omitempty"`
	RecommendedAction string          `json:"recommended_action"`
}

// MaxSafetyLevel returns the more severe of two safety levels.
func MaxSafetyLevel(a, b string) string {
	if safetyRank(a) >= safetyRank(b) {
		return a
	}
	return b
}

func safetyRank(level string) int {
	switch strings.TrimSpace(level) {
	case SafetyLevelCrisis:
		return 2
	case SafetyLevelElevated:
		return 1
	default:
		return 0
	}
}

// Citation references a single retrieved chunk.
//
// AuthorityTier ranks the source's medical reliability: 1 = peer-reviewed
// primary, 5 = generic web. Citations attached to a response must have
// tier <= 3.
type Citation struct {
	SourceID      string  `json:"source_id"`
	Title         string  `json:"title"`
	AuthorityTier int     `json:"authority_tier"`
	URL           string  `json:"url,omitempty"`
	Passage       string  `json:"passage"`
	ChunkID       string  `json:"chunk_id"`
	Score         float64 `json:"score"`
}

// RetrievalResult is the ordered, deduped citation list for one request.
type RetrievalResult struct {
	Citations []Citation `json:"citations,omitempty"`

	// Empty is set when no hit cleared the minimum similarity threshold.
	// The reasoner must then answer with the no-citations disclaimer
	// variant or decline.
	Empty bool `json:"empty"`

	// CacheHit is observational only (latency); results are identical
	// either way.
	CacheHit bool `json:"cache_hit,omitempty"`
}

type ReasoningStep struct {
	Thought            string   `json:"thought"`
	ReferencedChunkIDs []string `json:"referenced_chunk_ids,omitempty"`
}

// ReasoningTrace is the parsed model envelope plus derived confidence.
type ReasoningTrace struct {
	Steps              []ReasoningStep `json:"steps,omitempty"`
	DraftAnswer        string          `json:"draft_answer"`
	CitationsUsed      []string        `json:"citations_used,omitempty"`
	Confidence         float64         `json:"confidence"`
	DisclaimerEmbedded bool            `json:"disclaimer_embedded"`

	// ModelUsed is the wire id "<provider_id>/<model_name>" that produced
	// the draft.
	ModelUsed string `json:"model_used,omitempty"`
}

// ValidatedResponse is the post-pass outcome over a reasoning draft.
// Latency and model fields are owned by the orchestrator.
type ValidatedResponse struct {
	Text       string     `json:"text"`
	Citations  []Citation `json:"citations,omitempty"`
	Disclaimer string     `json:"disclaimer,omitempty"`

	// SafetyNotice is set when the draft was substituted.
	SafetyNotice string `json:"safety_notice,omitempty"`

	// Confidence is the (possibly capped) final confidence.
	Confidence float64 `json:"confidence"`
}

// AgentResponse is the only value that leaves the pipeline.
type AgentResponse struct {
	RequestID    string     `json:"request_id"`
	Text         string     `json:"text"`
	Citations    []Citation `json:"citations,omitempty"`
	Disclaimer   string     `json:"disclaimer,omitempty"`
	SafetyNotice string     `json:"safety_notice,omitempty"`
	Confidence   float64    `json:"confidence"`
	ModelUsed    string     `json:"model_used,omitempty"`
	LatencyMs    int64      `json:"latency_ms"`
}

// Pipeline stages in execution order. Recorded in the stage-call log.
const (
	StageReceived  = "received"
	StageAnalyzed  = "analyzed"
	StageScreened  = "screened"
	StageRetrieved = "retrieved"
	StageReasoned  = "reasoned"
	StageValidated = "validated"
	StageStored    = "stored"
	StageEmitted   = "emitted"
)

// ProcessingContext is the append-only aggregate passed between stages.
// Each stage writes exactly one field; no stage reads a field written by a
// later stage.
type ProcessingContext struct {
	RequestID string
	StartedAt time.Time

	Input      UserInput
	Query      CanonicalQuery
	Snapshot   ContextSnapshot
	PreVerdict SafetyVerdict
	Retrieval  RetrievalResult
	Reasoning  ReasoningTrace
	Response   AgentResponse
}
