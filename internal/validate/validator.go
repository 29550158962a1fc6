// Package validate runs the post-pass over a generated draft: residual
// safety screening, citation coverage, and mandatory disclaimer injection.
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/carebridge/careline/internal/config"
	"github.com/carebridge/careline/internal/pipeline"
	"github.com/carebridge/careline/internal/safety"
)

// lowConfidenceCap applies when the draft referenced chunk ids that were
// never retrieved.
const lowConfidenceCap = 0.3

const unknownCitationWarning = "Note: parts of this answer could not be verified against our sources."

const safeFallbackText = `I'm not able to share that response. If you are going through a difficult moment, please reach out to one of these resources — you don't have to handle this alone:

%s

If you are in immediate danger, contact your local emergency number right away.`

// Substitution reasons recorded in safety_notice.
const (
	NoticeUnsafeDraft = "draft_replaced_unsafe_content"
)

// supportNote introduces the resource list appended when the pre-screen
// recommended proceeding with resources.
const supportNote = "If things feel heavy right now, these services can help:"

type Validator struct {
	log            *slog.Logger
	screener       *safety.Screener
	disclaimer     string
	healthcareMode bool
}

type Options struct {
	Logger   *slog.Logger
	Screener *safety.Screener

	// Disclaimer is the operator-configured medical disclaimer.
	Disclaimer string

	// HealthcareMode makes the disclaimer mandatory on every response.
	HealthcareMode bool
}

func New(opts Options) *Validator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	screener := opts.Screener
	if screener == nil {
		screener = safety.New(safety.Options{Logger: logger})
	}
	return &Validator{
		log:            logger,
		screener:       screener,
		disclaimer:     strings.TrimSpace(opts.Disclaimer),
		healthcareMode: opts.HealthcareMode,
	}
}

// Validate runs the three checks in order: residual safety, citation
// coverage, disclaimer. A substitution is a successful outcome, not an
// error. The pre-verdict steers two paths: a short-circuited draft is the
// static crisis table and passes straight to disclaimer injection, and a
// proceed-with-resources verdict appends the locale's resource list to the
// clean draft.
func (v *Validator) Validate(ctx context.Context, query pipeline.CanonicalQuery, pre pipeline.SafetyVerdict, retrieval pipeline.RetrievalResult, trace pipeline.ReasoningTrace) pipeline.ValidatedResponse {
	out := pipeline.ValidatedResponse{Confidence: trace.Confidence}

	if pre.RecommendedAction == pipeline.SafetyActionShortCircuit {
		// The crisis template already quotes crisis resources; screening
		// it against the lexicon would flag its own helpline labels.
		out.Text = trace.DraftAnswer
		out.Disclaimer = v.effectiveDisclaimer(false)
		return out
	}

	residual := v.screener.ScreenDraft(ctx, trace.DraftAnswer)
	if residualUnsafe(residual) {
		v.log.Warn("draft failed residual safety screen; substituting safe fallback",
			"level", residual.Level, "triggers", len(residual.Triggers))
		resources := v.screener.Resources().ForLocale(query.Locale)
		out.Text = fmt.Sprintf(safeFallbackText, safety.FormatResources(resources))
		out.SafetyNotice = NoticeUnsafeDraft
		out.Disclaimer = v.effectiveDisclaimer(false)
		return out
	}

	text, citations, unknownIDs := v.checkCoverage(retrieval, trace)
	out.Text = text
	out.Citations = citations
	if len(unknownIDs) > 0 {
		v.log.Warn("draft referenced unknown chunk ids; marking low confidence",
			"unknown_ids", strings.Join(unknownIDs, ","))
		if out.Confidence > lowConfidenceCap {
			out.Confidence = lowConfidenceCap
		}
	}

	if pre.RecommendedAction == pipeline.SafetyActionProceedWithResources {
		resources := v.screener.Resources().ForLocale(query.Locale)
		out.Text = strings.TrimRight(out.Text, "\n") + "\n\n" + supportNote + "\n" +
			safety.FormatResources(resources)
	}

	out.Disclaimer = v.effectiveDisclaimer(trace.DisclaimerEmbedded)
	return out
}

// residualUnsafe fires on a crisis verdict or any disallowed-content
// trigger, regardless of level.
func residualUnsafe(verdict pipeline.SafetyVerdict) bool {
	if verdict.Level == pipeline.SafetyLevelCrisis {
		return true
	}
	for _, t := range verdict.Triggers {
		if t.Kind == safety.TriggerDisallowed {
			return true
		}
	}
	return false
}

// checkCoverage keeps only retrieved citations the draft actually used and
// surfaces chunk ids the draft invented.
func (v *Validator) checkCoverage(retrieval pipeline.RetrievalResult, trace pipeline.ReasoningTrace) (string, []pipeline.Citation, []string) {
	known := make(map[string]pipeline.Citation, len(retrieval.Citations))
	for _, c := range retrieval.Citations {
		known[c.ChunkID] = c
	}

	var kept []pipeline.Citation
	var unknown []string
	seen := make(map[string]bool)
	for _, id := range trace.CitationsUsed {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if c, ok := known[id]; ok {
			kept = append(kept, c)
		} else {
			unknown = append(unknown, id)
		}
	}

	text := trace.DraftAnswer
	if len(unknown) > 0 {
		text = strings.TrimRight(text, "\n") + "\n\n" + unknownCitationWarning
	}
	return text, kept, unknown
}

func (v *Validator) effectiveDisclaimer(embedded bool) string {
	if embedded {
		return ""
	}
	if !v.healthcareMode {
		return ""
	}
	if v.disclaimer != "" {
		return v.disclaimer
	}
	return config.DefaultDisclaimer
}
