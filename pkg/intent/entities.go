package intent

import (
	"regexp"
	"strconv"
	"strings"
)

const maxKeywords = 5

var countPattern = regexp.MustCompile(`\b(\d+)\b`)

// priorityKeywords maps priority phrasings to the normalized tier.
var priorityKeywords = map[string]string{
	"alta":     "high",
	"urgente":  "high",
	"crítica":  "high",
	"critica":  "high",
	"high":     "high",
	"urgent":   "high",
	"critical": "high",
	"media":    "medium",
	"normal":   "medium",
	"medium":   "medium",
	"baja":     "low",
	"low":      "low",
	"menor":    "low",
}

// technologyAllowlist is the fixed set of domain and technology terms the
// extractor recognizes. Matching is whole-word against lowercased text.
var technologyAllowlist = []string{
	"login", "registro", "signup", "auth", "autenticación", "autenticacion",
	"api", "frontend", "backend", "database", "base de datos",
	"checkout", "pago", "payment", "carrito",
	"mobile", "móvil", "movil", "web",
	"búsqueda", "busqueda", "search", "notificaciones", "notifications",
	"dashboard", "reporte", "report",
}

// stopwords excludes common Spanish and English words from the keyword pass.
var stopwords = map[string]struct{}{
	"para": {}, "como": {}, "cómo": {}, "este": {}, "esta": {}, "estos": {},
	"estas": {}, "sobre": {}, "desde": {}, "hasta": {}, "donde": {},
	"cuando": {}, "quiero": {}, "necesito": {}, "hacer": {}, "tiene": {},
	"tienen": {}, "puede": {}, "puedes": {}, "nueva": {}, "nuevo": {},
	"crear": {}, "añade": {}, "agrega": {},
	"about": {}, "after": {}, "before": {}, "could": {}, "should": {},
	"would": {}, "there": {}, "their": {}, "these": {}, "those": {},
	"where": {}, "which": {}, "please": {}, "create": {}, "update": {},
	"delete": {},
}

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// ExtractEntities runs the deterministic extraction pass over text.
func ExtractEntities(text string) Entities {
	lower := strings.ToLower(text)
	var e Entities

	if m := countPattern.FindStringSubmatch(lower); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			e.Count = n
		}
	}

	words := wordPattern.FindAllString(lower, -1)
	for _, w := range words {
		if tier, ok := priorityKeywords[w]; ok {
			e.Priority = tier
			break
		}
	}

	for _, tech := range technologyAllowlist {
		if containsWord(lower, words, tech) {
			e.Technologies = append(e.Technologies, tech)
		}
	}

	seen := make(map[string]struct{})
	for _, w := range words {
		if len(e.Keywords) >= maxKeywords {
			break
		}
		if len([]rune(w)) <= 4 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		e.Keywords = append(e.Keywords, w)
	}

	return e
}

// containsWord reports whether term appears in the text. Multi-word terms
// are matched as substrings of the lowercased text, single words against
// the token list.
func containsWord(lower string, words []string, term string) bool {
	if strings.Contains(term, " ") {
		return strings.Contains(lower, term)
	}
	for _, w := range words {
		if w == term {
			return true
		}
	}
	return false
}
