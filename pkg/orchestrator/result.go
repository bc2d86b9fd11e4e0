package orchestrator

import (
	"github.com/sprintloop/sprintloop/pkg/delegation"
	"github.com/sprintloop/sprintloop/pkg/intent"
	"github.com/sprintloop/sprintloop/pkg/selector"
)

// Status is the terminal outcome of one orchestration. Callers branch on
// this discriminator, never on message text.
type Status string

const (
	StatusSuccess            Status = "success"
	StatusNeedsClarification Status = "needs_clarification"
	StatusNoAgentAvailable   Status = "no_agent_available"
	StatusDenied             Status = "denied"
	StatusError              Status = "error"
)

// Request is one orchestration input.
type Request struct {
	Principal string
	Text      string

	// Roles the caller authenticated for the principal. The operator role
	// unlocks the selection bypass.
	Roles []string

	// ProductID scopes the request to one product for authorization and
	// context assembly. Empty means unscoped.
	ProductID string

	SessionID string
}

// Metrics summarizes the cost of one orchestration.
type Metrics struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
	LatencyMs        int64   `json:"latency_ms"`
}

// Result is the terminal output of one orchestration.
type Result struct {
	// TraceID correlates log lines, bus events and the audit action of
	// one orchestration.
	TraceID string `json:"trace_id"`

	Status     Status        `json:"status"`
	Intent     intent.Intent `json:"intent"`
	Confidence float64       `json:"confidence"`

	WorkerID   string `json:"worker_id,omitempty"`
	WorkerName string `json:"worker_name,omitempty"`

	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`

	// Suggestions carry ranked alternatives on needs_clarification.
	Suggestions []intent.Suggestion `json:"suggestions,omitempty"`

	// DenialReason is set on denied results.
	DenialReason delegation.Reason `json:"denial_reason,omitempty"`

	// Remedy carries the suggested worker and prefilled delegation request
	// on no_agent_available results.
	Remedy *selector.Suggestion `json:"remedy,omitempty"`

	ContextSummary string  `json:"context_summary,omitempty"`
	Metrics        Metrics `json:"metrics"`

	ActionID string `json:"action_id,omitempty"`

	SessionID string `json:"session_id,omitempty"`
	TurnCount int    `json:"turn_count,omitempty"`
}
