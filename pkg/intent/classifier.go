package intent

import (
	"regexp"
	"sort"
	"strings"
)

// fallbackThreshold is the confidence below which classification falls
// back to general_question with ranked suggestions.
const fallbackThreshold = 0.6

// conversationalPatterns short-circuit the domain tables. Greetings and
// open questions go straight to general_question at fixed confidence.
var conversationalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*(hola|hello|hi|hey|buenas|buenos d[ií]as|buenas tardes|buenas noches)\b`),
	regexp.MustCompile(`^\s*(gracias|thanks|thank you)\b`),
	regexp.MustCompile(`\b(qu[eé] es|what is|what are)\b`),
	regexp.MustCompile(`\b(expl[ií]ca(me)?|explain|c[oó]mo funciona|how does)\b`),
	regexp.MustCompile(`^\s*(ayuda|help)\b`),
}

// intentPatterns maps each domain intent to its pattern set. Patterns
// match lowercased input; Spanish and English phrasings are both covered.
var intentPatterns = map[Intent][]*regexp.Regexp{
	IntentCreateBacklogItem: {
		regexp.MustCompile(`\bcrea(r)?\b.*\b(historia|tarea|item)`),
		regexp.MustCompile(`\b(nueva|a[ñn]ade|agrega)\b.*\b(historia|tarea)`),
		regexp.MustCompile(`\b(create|add|new)\b.*\b(story|stories|task|item)`),
		regexp.MustCompile(`\bhistorias?\b.*\bpara\b`),
	},
	IntentEditBacklogItem: {
		regexp.MustCompile(`\b(edita|modifica|actualiza|cambia)\b.*\b(historia|tarea|item|descripci[oó]n)`),
		regexp.MustCompile(`\b(edit|update|modify|change)\b.*\b(story|task|item|description)`),
	},
	IntentDeleteBacklogItem: {
		regexp.MustCompile(`\b(elimina|borra|quita)\b.*\b(historia|tarea|item)`),
		regexp.MustCompile(`\b(delete|remove|drop)\b.*\b(story|task|item)`),
	},
	IntentPrioritizeBacklog: {
		regexp.MustCompile(`\bprioriza(r)?\b`),
		regexp.MustCompile(`\b(ordena|reordena)\b.*\bbacklog\b`),
		regexp.MustCompile(`\b(prioritize|reorder|rank)\b`),
		regexp.MustCompile(`\bprioridad(es)?\b.*\bbacklog\b`),
	},
	IntentPlanSprint: {
		regexp.MustCompile(`\b(planifica(r)?|plan(ea)?)\b.*\bsprint\b`),
		regexp.MustCompile(`\bcrea(r)?\b.*\bsprint\b`),
		regexp.MustCompile(`\bsprint planning\b`),
	},
	IntentAnalyzeSprint: {
		regexp.MustCompile(`\banaliza(r)?\b.*\bsprint\b`),
		regexp.MustCompile(`\b(analyze|analyse|review)\b.*\bsprint\b`),
		regexp.MustCompile(`\b(c[oó]mo va|estado del?)\b.*\bsprint\b`),
		regexp.MustCompile(`\b(velocidad|velocity|burndown)\b`),
	},
}

// intentExamples gives one canonical phrasing per intent for suggestions.
var intentExamples = map[Intent]string{
	IntentCreateBacklogItem: "crea una historia para el login",
	IntentEditBacklogItem:   "actualiza la historia del registro",
	IntentDeleteBacklogItem: "elimina la historia duplicada",
	IntentPrioritizeBacklog: "prioriza el backlog del producto",
	IntentPlanSprint:        "planifica el próximo sprint",
	IntentAnalyzeSprint:     "analiza el sprint actual",
}

// Classifier scores text against the static pattern tables.
type Classifier struct{}

// NewClassifier creates a classifier. It carries no state; the type exists
// so callers can depend on an instance rather than package functions.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify maps text to an intent with a confidence score and extracted
// entities. Empty input yields clarification_needed at confidence zero.
func (c *Classifier) Classify(text string) Classification {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Classification{
			Intent:     IntentClarificationNeeded,
			Confidence: 0,
		}
	}

	lower := strings.ToLower(trimmed)

	for _, p := range conversationalPatterns {
		if p.MatchString(lower) {
			return Classification{
				Intent:         IntentGeneralQuestion,
				Confidence:     0.9,
				MatchedPattern: p.String(),
				Entities:       ExtractEntities(trimmed),
			}
		}
	}

	type scored struct {
		intent  Intent
		score   float64
		pattern string
	}
	var results []scored
	for in, patterns := range intentPatterns {
		matches := 0
		first := ""
		for _, p := range patterns {
			if p.MatchString(lower) {
				matches++
				if first == "" {
					first = p.String()
				}
			}
		}
		results = append(results, scored{
			intent:  in,
			score:   float64(matches) / float64(len(patterns)),
			pattern: first,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].intent < results[j].intent
	})

	best := results[0]
	entities := ExtractEntities(trimmed)

	if best.score > 0 {
		confidence := 0.7 + 0.3*best.score
		if confidence > 0.95 {
			confidence = 0.95
		}
		if confidence >= fallbackThreshold {
			return Classification{
				Intent:         best.intent,
				Confidence:     confidence,
				MatchedPattern: best.pattern,
				Entities:       entities,
			}
		}
	}

	// Nothing matched well enough. Answer as a general question and rank
	// the closest intents so the caller can offer alternatives.
	suggestions := make([]Suggestion, 0, 3)
	for _, r := range results[:3] {
		suggestions = append(suggestions, Suggestion{
			Intent:  r.intent,
			Example: intentExamples[r.intent],
			Score:   r.score,
		})
	}

	return Classification{
		Intent:      IntentGeneralQuestion,
		Confidence:  0.5,
		Entities:    entities,
		Suggestions: suggestions,
	}
}
