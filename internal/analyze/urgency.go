package analyze

import (
	"strings"

	"github.com/carebridge/careline/internal/pipeline"
)

// Urgency weights. The score is a weighted sum clamped to [0,10]: crisis
// keyword hits dominate, acute symptom entities and first-person distress
// markers add on top.
const (
	crisisKeywordWeight  = 4.0
	acuteSymptomWeight   = 2.5
	distressMarkerWeight = 1.5
)

var crisisKeywords = []string{
	"suicide",
	"kill myself",
	"end my life",
	"hurt myself",
	"self harm",
	"want to die",
	"overdose on purpose",
	"emergency",
	"call 911",
	"can't breathe",
	"cannot breathe",
}

var distressMarkers = []string{
	"please help",
	"help me",
	"i can't take",
	"i cannot take",
	"i'm scared",
	"i am scared",
	"right now",
	"getting worse",
	"unbearable",
}

func scoreUrgency(text string, entities []pipeline.Entity) float64 {
	lower := strings.ToLower(text)

	score := 0.0
	for _, kw := range crisisKeywords {
		if strings.Contains(lower, kw) {
			score += crisisKeywordWeight
		}
	}
	for _, e := range entities {
		if IsAcuteEntity(e) {
			score += acuteSymptomWeight
		}
	}
	for _, marker := range distressMarkers {
		if strings.Contains(lower, marker) {
			score += distressMarkerWeight
		}
	}

	if score > 10 {
		return 10
	}
	return score
}

var intentMarkers = map[string][]string{
	pipeline.IntentSupport: {
		"i feel", "i'm feeling", "i am feeling", "worried", "anxious",
		"scared", "lonely", "stressed", "overwhelmed",
	},
	pipeline.IntentCrisisCheck: {
		"suicide", "kill myself", "end my life", "hurt myself",
		"self harm", "want to die",
	},
	pipeline.IntentAdministrative: {
		"appointment", "schedule", "reschedule", "insurance", "billing",
		"prescription refill", "refill", "records", "referral",
	},
	pipeline.IntentInfo: {
		"what is", "what are", "how much", "how many", "how often",
		"dose", "dosage", "side effect", "symptom", "treatment",
		"should i", "is it safe", "can i take",
	},
}

// classifyIntent is a keyword heuristic. A crisis-level urgency forces the
// crisis-check intent; otherwise the intent with the most marker hits wins
// and ties break toward info.
func classifyIntent(text string, urgency float64) string {
	lower := strings.ToLower(text)

	counts := make(map[string]int, len(intentMarkers))
	for intent, markers := range intentMarkers {
		for _, m := range markers {
			if strings.Contains(lower, m) {
				counts[intent]++
			}
		}
	}
	if counts[pipeline.IntentCrisisCheck] > 0 || urgency >= 8 {
		return pipeline.IntentCrisisCheck
	}

	best := pipeline.IntentInfo
	bestCount := counts[pipeline.IntentInfo]
	for _, intent := range []string{pipeline.IntentSupport, pipeline.IntentAdministrative} {
		if counts[intent] > bestCount {
			best = intent
			bestCount = counts[intent]
		}
	}
	if bestCount == 0 {
		return pipeline.IntentOther
	}
	return best
}
