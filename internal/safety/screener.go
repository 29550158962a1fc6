// Package safety screens queries and draft answers for crisis signals and
// disallowed content. The deterministic lexical matcher is the floor; a
// model classifier is optional uplift, and its absence is never
// user-visible.
package safety

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/carebridge/careline/internal/pipeline"
)

// obfuscationWeight discounts matches that only fire after obfuscation
// recovery relative to a direct match.
const obfuscationWeight = 0.8

type lexiconEntry struct {
	phrase string
	kind   string
	level  string
	score  float64
}

// Trigger kinds.
const (
	TriggerSelfHarm   = "self_harm"
	TriggerViolence   = "violence"
	TriggerDisallowed = "disallowed_content"
	TriggerAcuteRisk  = "acute_risk"
	TriggerClassifier = "classifier"
)

var safetyLexicon = []lexiconEntry{
	{phrase: "kill myself", kind: TriggerSelfHarm, level: pipeline.SafetyLevelCrisis, score: 1.0},
	{phrase: "end my life", kind: TriggerSelfHarm, level: pipeline.SafetyLevelCrisis, score: 1.0},
	{phrase: "want to die", kind: TriggerSelfHarm, level: pipeline.SafetyLevelCrisis, score: 0.95},
	{phrase: "suicide", kind: TriggerSelfHarm, level: pipeline.SafetyLevelCrisis, score: 0.9},
	{phrase: "suicidal", kind: TriggerSelfHarm, level: pipeline.SafetyLevelCrisis, score: 0.9},
	{phrase: "hurt myself", kind: TriggerSelfHarm, level: pipeline.SafetyLevelCrisis, score: 0.85},
	{phrase: "harm myself", kind: TriggerSelfHarm, level: pipeline.SafetyLevelCrisis, score: 0.85},
	{phrase: "kill him", kind: TriggerViolence, level: pipeline.SafetyLevelCrisis, score: 0.85},
	{phrase: "kill her", kind: TriggerViolence, level: pipeline.SafetyLevelCrisis, score: 0.85},
	{phrase: "kill them", kind: TriggerViolence, level: pipeline.SafetyLevelCrisis, score: 0.85},

	{phrase: "overdose", kind: TriggerAcuteRisk, level: pipeline.SafetyLevelElevated, score: 0.7},
	{phrase: "self harm", kind: TriggerSelfHarm, level: pipeline.SafetyLevelElevated, score: 0.7},
	{phrase: "cutting myself", kind: TriggerSelfHarm, level: pipeline.SafetyLevelElevated, score: 0.75},
	{phrase: "no reason to live", kind: TriggerSelfHarm, level: pipeline.SafetyLevelElevated, score: 0.7},
	{phrase: "hopeless", kind: TriggerSelfHarm, level: pipeline.SafetyLevelElevated, score: 0.5},
	{phrase: "stop taking my medication", kind: TriggerAcuteRisk, level: pipeline.SafetyLevelElevated, score: 0.6},

	{phrase: "lethal dose", kind: TriggerDisallowed, level: pipeline.SafetyLevelCrisis, score: 0.9},
	{phrase: "how to make", kind: TriggerDisallowed, level: pipeline.SafetyLevelElevated, score: 0.4},
}

// Classifier is the optional model-assisted detector. A failure degrades to
// the deterministic verdict.
type Classifier interface {
	Classify(ctx context.Context, text string) (pipeline.SafetyVerdict, error)
}

type Screener struct {
	log        *slog.Logger
	classifier Classifier
	resources  *ResourceTable
}

type Options struct {
	Logger *slog.Logger

	// Classifier is optional model uplift.
	Classifier Classifier

	// Resources is the crisis-resource table used for short-circuit
	// responses. When nil the built-in defaults apply.
	Resources *ResourceTable
}

func New(opts Options) *Screener {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	resources := opts.Resources
	if resources == nil {
		resources = DefaultResources()
	}
	return &Screener{log: logger, classifier: opts.Classifier, resources: resources}
}

func (s *Screener) Resources() *ResourceTable {
	if s == nil {
		return DefaultResources()
	}
	return s.resources
}

// Screen runs the pre-pass over a canonical query. The final level is the
// maximum of the deterministic matcher and the classifier; triggers are the
// union.
func (s *Screener) Screen(ctx context.Context, query pipeline.CanonicalQuery, snapshot pipeline.ContextSnapshot) pipeline.SafetyVerdict {
	verdict := s.screenText(ctx, query.Text)

	// A prior crisis state keeps the session at least elevated.
	if snapshot.LastSafetyState == pipeline.SafetyLevelCrisis && verdict.Level == pipeline.SafetyLevelNone {
		verdict.Level = pipeline.SafetyLevelElevated
		verdict.Triggers = append(verdict.Triggers, pipeline.SafetyTrigger{
			Kind:  TriggerAcuteRisk,
			Span:  "prior_crisis_state",
			Score: 0.5,
		})
	}

	verdict.RecommendedAction = actionForLevel(verdict.Level)
	return verdict
}

// ScreenDraft runs the post-pass over a generated draft answer.
func (s *Screener) ScreenDraft(ctx context.Context, draft string) pipeline.SafetyVerdict {
	verdict := s.screenText(ctx, draft)
	verdict.RecommendedAction = actionForLevel(verdict.Level)
	return verdict
}

func (s *Screener) screenText(ctx context.Context, text string) pipeline.SafetyVerdict {
	verdict := matchLexicon(text)

	if s.classifier != nil {
		fromModel, err := s.classifier.Classify(ctx, text)
		if err != nil {
			s.log.Warn("safety classifier unavailable; deterministic matcher decides alone", "error", err)
		} else {
			verdict.Level = pipeline.MaxSafetyLevel(verdict.Level, fromModel.Level)
			verdict.Triggers = append(verdict.Triggers, fromModel.Triggers...)
		}
	}
	return verdict
}

// matchLexicon runs the deterministic detector: direct matches on the raw
// lowercased text at full score, then obfuscation-recovered matches at the
// discounted weight.
func matchLexicon(text string) pipeline.SafetyVerdict {
	lower := strings.ToLower(text)
	normalized := NormalizeForMatching(text)

	verdict := pipeline.SafetyVerdict{Level: pipeline.SafetyLevelNone}
	for _, entry := range safetyLexicon {
		direct := strings.Contains(lower, entry.phrase)
		recovered := !direct && matchesObfuscated(normalized, entry.phrase)
		if !direct && !recovered {
			continue
		}

		score := entry.score
		if recovered {
			score *= obfuscationWeight
		}
		verdict.Triggers = append(verdict.Triggers, pipeline.SafetyTrigger{
			Kind:  entry.kind,
			Span:  entry.phrase,
			Score: score,
		})
		verdict.Level = pipeline.MaxSafetyLevel(verdict.Level, entry.level)
	}
	return verdict
}

func actionForLevel(level string) string {
	switch level {
	case pipeline.SafetyLevelCrisis:
		return pipeline.SafetyActionShortCircuit
	case pipeline.SafetyLevelElevated:
		return pipeline.SafetyActionProceedWithResources
	default:
		return pipeline.SafetyActionProceed
	}
}
