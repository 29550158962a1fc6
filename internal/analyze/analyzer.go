// Package analyze normalizes raw user inputs into canonical queries: markup
// stripping, length limits, modality handling, entity extraction, urgency
// scoring, and intent classification.
package analyze

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/carebridge/careline/internal/pipeline"
)

// Transcriber converts audio payloads to text. Optional; absence degrades.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// VisionDescriber produces a textual description of an image payload.
// Optional; absence degrades.
type VisionDescriber interface {
	Describe(ctx context.Context, image []byte) (string, error)
}

// EntityExtractor pulls medical entities out of normalized text.
// Extraction failure is non-fatal: the analyzer continues with an empty
// entity list.
type EntityExtractor interface {
	Extract(ctx context.Context, text string) ([]pipeline.Entity, error)
}

// minEntityConfidence drops low-confidence extractions.
const minEntityConfidence = 0.3

// transcriptionUnavailableText stands in for the query text when an audio
// payload cannot be transcribed. The pipeline proceeds and the response
// asks the user to resend as text.
const transcriptionUnavailableText = "The voice message could not be transcribed. Please resend as text."

// defaultDisallowedPatterns reject payloads with embedded control
// characters or script markup before any further processing. Operators can
// replace the set via Options.DisallowedPatterns.
var defaultDisallowedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`),
	regexp.MustCompile(`(?is)<\s*script\b`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?is)on(?:load|click|error)\s*=`),
}

// CompilePatterns compiles an operator-supplied disallowed-pattern list.
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("disallowed_patterns[%d]: %w", i, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// markupPattern strips transport-level tags from text inputs.
var markupPattern = regexp.MustCompile(`<[^>]*>`)

var whitespacePattern = regexp.MustCompile(`\s+`)

type Analyzer struct {
	log *slog.Logger

	maxInputChars int
	disallowed    []*regexp.Regexp
	transcriber   Transcriber
	vision        VisionDescriber
	extractor     EntityExtractor
}

type Options struct {
	Logger *slog.Logger

	// MaxInputChars bounds text inputs. <= 0 falls back to 4000.
	MaxInputChars int

	// DisallowedPatterns replaces the built-in rejection set when non-nil.
	// Compile operator strings with CompilePatterns.
	DisallowedPatterns []*regexp.Regexp

	// Transcriber and Vision are optional modality capabilities.
	Transcriber Transcriber
	Vision      VisionDescriber

	// Extractor is optional; when nil the built-in lexicon extractor is used.
	Extractor EntityExtractor
}

func New(opts Options) *Analyzer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	maxChars := opts.MaxInputChars
	if maxChars <= 0 {
		maxChars = 4000
	}
	extractor := opts.Extractor
	if extractor == nil {
		extractor = NewLexiconExtractor()
	}
	disallowed := opts.DisallowedPatterns
	if disallowed == nil {
		disallowed = defaultDisallowedPatterns
	}
	return &Analyzer{
		log:           logger,
		maxInputChars: maxChars,
		disallowed:    disallowed,
		transcriber:   opts.Transcriber,
		vision:        opts.Vision,
		extractor:     extractor,
	}
}

// Analyze converts a UserInput into a CanonicalQuery.
//
// Fatal failures: INPUT_TOO_LARGE, DISALLOWED_CONTENT. Transcription,
// vision, and entity-extraction failures degrade (logged, never
// user-visible as errors).
func (a *Analyzer) Analyze(ctx context.Context, input pipeline.UserInput) (pipeline.CanonicalQuery, error) {
	if a == nil {
		return pipeline.CanonicalQuery{}, errors.New("nil analyzer")
	}

	modality := strings.TrimSpace(input.Modality)
	if modality == "" {
		modality = pipeline.ModalityText
	}

	var text, auxContext string
	switch modality {
	case pipeline.ModalityText:
		text = input.Text

	case pipeline.ModalityAudio:
		transcript, err := a.transcribe(ctx, input.Payload)
		if err != nil {
			a.log.Warn("transcription unavailable; degrading", "error", err)
			transcript = transcriptionUnavailableText
		}
		text = transcript

	case pipeline.ModalityImage:
		description, err := a.describe(ctx, input.Payload)
		if err != nil {
			a.log.Warn("vision description unavailable; degrading", "error", err)
			description = ""
		}
		text = input.Text
		auxContext = description
		if strings.TrimSpace(text) == "" {
			text = description
		}

	default:
		return pipeline.CanonicalQuery{}, pipeline.NewError(pipeline.CodeDisallowedContent, "unsupported input modality")
	}

	if len([]rune(text)) > a.maxInputChars {
		return pipeline.CanonicalQuery{}, pipeline.NewError(pipeline.CodeInputTooLarge, "input exceeds maximum length")
	}
	for _, pattern := range a.disallowed {
		if pattern.MatchString(text) {
			return pipeline.CanonicalQuery{}, pipeline.NewError(pipeline.CodeDisallowedContent, "input contains disallowed content")
		}
	}

	canonical := CanonicalizeText(text)
	if canonical == "" {
		return pipeline.CanonicalQuery{}, pipeline.NewError(pipeline.CodeDisallowedContent, "empty input")
	}

	entities := a.extractEntities(ctx, canonical)
	urgency := scoreUrgency(canonical, entities)

	return pipeline.CanonicalQuery{
		Text:           canonical,
		Entities:       entities,
		Urgency:        urgency,
		Intent:         classifyIntent(canonical, urgency),
		Locale:         strings.TrimSpace(input.DeclaredLocale),
		SourceModality: modality,
		AuxContext:     strings.TrimSpace(auxContext),
	}, nil
}

func (a *Analyzer) transcribe(ctx context.Context, audio []byte) (string, error) {
	if a.transcriber == nil {
		return "", errors.New("no transcription capability configured")
	}
	if len(audio) == 0 {
		return "", errors.New("empty audio payload")
	}
	transcript, err := a.transcriber.Transcribe(ctx, audio)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(transcript) == "" {
		return "", errors.New("empty transcript")
	}
	return transcript, nil
}

func (a *Analyzer) describe(ctx context.Context, image []byte) (string, error) {
	if a.vision == nil {
		return "", errors.New("no vision capability configured")
	}
	if len(image) == 0 {
		return "", errors.New("empty image payload")
	}
	return a.vision.Describe(ctx, image)
}

func (a *Analyzer) extractEntities(ctx context.Context, text string) []pipeline.Entity {
	entities, err := a.extractor.Extract(ctx, text)
	if err != nil {
		a.log.Warn("entity extraction unavailable; continuing with empty entity list", "error", err)
		return nil
	}
	out := make([]pipeline.Entity, 0, len(entities))
	for _, e := range entities {
		if e.Confidence < minEntityConfidence {
			continue
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// CanonicalizeText strips markup and collapses whitespace. It is idempotent:
// canonicalizing already-canonical text is a no-op, so analyzing an
// analyzer's own output reproduces the same query.
func CanonicalizeText(text string) string {
	stripped := markupPattern.ReplaceAllString(text, " ")
	collapsed := whitespacePattern.ReplaceAllString(stripped, " ")
	return strings.TrimSpace(collapsed)
}
