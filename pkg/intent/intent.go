// Package intent classifies free-text requests into a closed intent set.
// Classification is a pure function of the text and static pattern tables.
// There is no learning and no external call, so results are deterministic
// and safe to evaluate on the authorization path.
package intent

// Intent is the closed-set classification of what a request asks for.
type Intent string

const (
	IntentCreateBacklogItem   Intent = "create_backlog_item"
	IntentEditBacklogItem     Intent = "edit_backlog_item"
	IntentDeleteBacklogItem   Intent = "delete_backlog_item"
	IntentPrioritizeBacklog   Intent = "prioritize_backlog"
	IntentPlanSprint          Intent = "plan_sprint"
	IntentAnalyzeSprint       Intent = "analyze_sprint"
	IntentGeneralQuestion     Intent = "general_question"
	IntentClarificationNeeded Intent = "clarification_needed"
)

// DomainIntents lists the intents that require a worker and a delegation.
// general_question and clarification_needed are handled without either.
func DomainIntents() []Intent {
	return []Intent{
		IntentCreateBacklogItem,
		IntentEditBacklogItem,
		IntentDeleteBacklogItem,
		IntentPrioritizeBacklog,
		IntentPlanSprint,
		IntentAnalyzeSprint,
	}
}

// Entities holds the deterministic extraction results for a request.
type Entities struct {
	// Count is the first numeric quantity in the text ("3 historias"), 0 if none.
	Count int `json:"count,omitempty"`

	// Priority is high, medium or low when a priority keyword appears.
	Priority string `json:"priority,omitempty"`

	// Technologies are matches against a fixed domain keyword allowlist.
	Technologies []string `json:"technologies,omitempty"`

	// Keywords are up to five significant words from the text.
	Keywords []string `json:"keywords,omitempty"`
}

// Suggestion pairs a candidate intent with an example phrasing, used when
// classification confidence is too low to act.
type Suggestion struct {
	Intent  Intent  `json:"intent"`
	Example string  `json:"example"`
	Score   float64 `json:"score"`
}

// Classification is the full classifier output for one request.
type Classification struct {
	Intent         Intent       `json:"intent"`
	Confidence     float64      `json:"confidence"`
	MatchedPattern string       `json:"matched_pattern,omitempty"`
	Entities       Entities     `json:"entities"`
	Suggestions    []Suggestion `json:"suggestions,omitempty"`
}
