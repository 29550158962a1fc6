package analyze

import (
	"context"
	"sort"
	"strings"

	"github.com/carebridge/careline/internal/pipeline"
)

// lexiconTerm is one row of the built-in medical term table.
type lexiconTerm struct {
	term       string
	kind       string
	confidence float64

	// acute marks symptoms that raise urgency on their own.
	acute bool
}

// The built-in lexicon is intentionally small: it covers the common terms
// the pipeline must recognize without an external extractor. Deployments
// with a terminology service plug in their own EntityExtractor.
var lexicon = []lexiconTerm{
	{term: "chest pain", kind: pipeline.EntityKindSymptom, confidence: 0.9, acute: true},
	{term: "shortness of breath", kind: pipeline.EntityKindSymptom, confidence: 0.9, acute: true},
	{term: "difficulty breathing", kind: pipeline.EntityKindSymptom, confidence: 0.85, acute: true},
	{term: "severe bleeding", kind: pipeline.EntityKindSymptom, confidence: 0.9, acute: true},
	{term: "unconscious", kind: pipeline.EntityKindSymptom, confidence: 0.85, acute: true},
	{term: "seizure", kind: pipeline.EntityKindSymptom, confidence: 0.85, acute: true},
	{term: "stroke", kind: pipeline.EntityKindCondition, confidence: 0.8, acute: true},
	{term: "heart attack", kind: pipeline.EntityKindCondition, confidence: 0.85, acute: true},
	{term: "overdose", kind: pipeline.EntityKindCondition, confidence: 0.85, acute: true},
	{term: "allergic reaction", kind: pipeline.EntityKindCondition, confidence: 0.8, acute: true},

	{term: "headache", kind: pipeline.EntityKindSymptom, confidence: 0.8},
	{term: "migraine", kind: pipeline.EntityKindCondition, confidence: 0.8},
	{term: "fever", kind: pipeline.EntityKindSymptom, confidence: 0.8},
	{term: "nausea", kind: pipeline.EntityKindSymptom, confidence: 0.75},
	{term: "fatigue", kind: pipeline.EntityKindSymptom, confidence: 0.7},
	{term: "dizziness", kind: pipeline.EntityKindSymptom, confidence: 0.75},
	{term: "cough", kind: pipeline.EntityKindSymptom, confidence: 0.75},
	{term: "rash", kind: pipeline.EntityKindSymptom, confidence: 0.75},
	{term: "insomnia", kind: pipeline.EntityKindCondition, confidence: 0.75},
	{term: "anxiety", kind: pipeline.EntityKindCondition, confidence: 0.7},
	{term: "depression", kind: pipeline.EntityKindCondition, confidence: 0.7},
	{term: "diabetes", kind: pipeline.EntityKindCondition, confidence: 0.85},
	{term: "asthma", kind: pipeline.EntityKindCondition, confidence: 0.85},
	{term: "hypertension", kind: pipeline.EntityKindCondition, confidence: 0.85},
	{term: "high blood pressure", kind: pipeline.EntityKindCondition, confidence: 0.8},

	{term: "acetaminophen", kind: pipeline.EntityKindMedication, confidence: 0.9},
	{term: "tylenol", kind: pipeline.EntityKindMedication, confidence: 0.85},
	{term: "ibuprofen", kind: pipeline.EntityKindMedication, confidence: 0.9},
	{term: "aspirin", kind: pipeline.EntityKindMedication, confidence: 0.9},
	{term: "insulin", kind: pipeline.EntityKindMedication, confidence: 0.9},
	{term: "antibiotic", kind: pipeline.EntityKindMedication, confidence: 0.7},
	{term: "metformin", kind: pipeline.EntityKindMedication, confidence: 0.9},
	{term: "lisinopril", kind: pipeline.EntityKindMedication, confidence: 0.9},

	{term: "pregnant", kind: pipeline.EntityKindDemographic, confidence: 0.8},
	{term: "pregnancy", kind: pipeline.EntityKindDemographic, confidence: 0.8},
	{term: "infant", kind: pipeline.EntityKindDemographic, confidence: 0.75},
	{term: "toddler", kind: pipeline.EntityKindDemographic, confidence: 0.75},
	{term: "elderly", kind: pipeline.EntityKindDemographic, confidence: 0.7},
	{term: "adult", kind: pipeline.EntityKindDemographic, confidence: 0.5},
	{term: "child", kind: pipeline.EntityKindDemographic, confidence: 0.6},
}

// LexiconExtractor is the built-in EntityExtractor backed by the static
// term table above.
type LexiconExtractor struct{}

func NewLexiconExtractor() *LexiconExtractor {
	return &LexiconExtractor{}
}

func (e *LexiconExtractor) Extract(ctx context.Context, text string) ([]pipeline.Entity, error) {
	lower := strings.ToLower(text)

	var out []pipeline.Entity
	seen := make(map[string]struct{})
	for _, row := range lexicon {
		if !containsTerm(lower, row.term) {
			continue
		}
		if _, dup := seen[row.term]; dup {
			continue
		}
		seen[row.term] = struct{}{}
		out = append(out, pipeline.Entity{
			Kind:       row.kind,
			Value:      row.term,
			Confidence: row.confidence,
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out, nil
}

// containsTerm matches on word boundaries so "rash" does not fire inside
// "crash".
func containsTerm(lower, term string) bool {
	idx := 0
	for {
		pos := strings.Index(lower[idx:], term)
		if pos < 0 {
			return false
		}
		start := idx + pos
		end := start + len(term)
		beforeOK := start == 0 || !isWordChar(lower[start-1])
		afterOK := end == len(lower) || !isWordChar(lower[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
		if idx >= len(lower) {
			return false
		}
	}
}

func isWordChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

// IsAcuteEntity reports whether the entity maps to a lexicon term flagged
// acute. Urgency scoring and model routing both treat these as
// crisis-adjacent.
func IsAcuteEntity(e pipeline.Entity) bool {
	for _, row := range lexicon {
		if row.term == e.Value {
			return row.acute
		}
	}
	return false
}
