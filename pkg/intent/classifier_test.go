package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGreetingShortCircuits(t *testing.T) {
	c := NewClassifier()

	result := c.Classify("hola")
	assert.Equal(t, IntentGeneralQuestion, result.Intent)
	assert.Equal(t, 0.9, result.Confidence)

	// Conversational patterns win even when domain words appear later.
	result = c.Classify("hola, qué es un sprint?")
	assert.Equal(t, IntentGeneralQuestion, result.Intent)
	assert.Equal(t, 0.9, result.Confidence)
}

func TestDomainClassification(t *testing.T) {
	c := NewClassifier()

	cases := []struct {
		text string
		want Intent
	}{
		{"crea una historia para el login", IntentCreateBacklogItem},
		{"create a new story for checkout", IntentCreateBacklogItem},
		{"actualiza la historia del registro", IntentEditBacklogItem},
		{"elimina la tarea duplicada", IntentDeleteBacklogItem},
		{"prioriza el backlog", IntentPrioritizeBacklog},
		{"planifica el próximo sprint", IntentPlanSprint},
		{"analiza el sprint actual", IntentAnalyzeSprint},
		{"cómo va el sprint?", IntentAnalyzeSprint},
	}
	for _, tc := range cases {
		result := c.Classify(tc.text)
		assert.Equal(t, tc.want, result.Intent, "text: %q", tc.text)
		assert.GreaterOrEqual(t, result.Confidence, 0.6, "text: %q", tc.text)
		assert.LessOrEqual(t, result.Confidence, 0.95, "text: %q", tc.text)
		assert.NotEmpty(t, result.MatchedPattern, "text: %q", tc.text)
	}
}

func TestLowConfidenceFallsBackWithSuggestions(t *testing.T) {
	c := NewClassifier()

	result := c.Classify("lorem ipsum dolor sit amet")
	assert.Equal(t, IntentGeneralQuestion, result.Intent)
	assert.Less(t, result.Confidence, 0.6)
	assert.Len(t, result.Suggestions, 3)
	for _, s := range result.Suggestions {
		assert.NotEmpty(t, s.Example)
	}
}

func TestEmptyInputNeedsClarification(t *testing.T) {
	c := NewClassifier()

	for _, text := range []string{"", "   ", "\n\t"} {
		result := c.Classify(text)
		assert.Equal(t, IntentClarificationNeeded, result.Intent)
		assert.Zero(t, result.Confidence)
	}
}

func TestExtractEntities(t *testing.T) {
	e := ExtractEntities("crea 3 historias urgentes para el login y el checkout")
	assert.Equal(t, 3, e.Count)
	assert.Contains(t, e.Technologies, "login")
	assert.Contains(t, e.Technologies, "checkout")
	assert.Contains(t, e.Keywords, "historias")

	e = ExtractEntities("prioridad alta para la búsqueda")
	assert.Equal(t, "high", e.Priority)
	assert.Contains(t, e.Technologies, "búsqueda")
}

func TestKeywordsCappedAtFive(t *testing.T) {
	e := ExtractEntities("microservicio autenticacion pasarela inventario facturacion logistica monitoreo")
	assert.Len(t, e.Keywords, 5)
}
