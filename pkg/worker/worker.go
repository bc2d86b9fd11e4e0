// Package worker defines the execution boundary between the orchestrator
// and the AI workers. Workers are a closed variant set keyed by category;
// every variant implements the same Execute contract, so adding a worker
// category never touches the selector.
package worker

import (
	"context"

	"github.com/sprintloop/sprintloop/pkg/intent"
)

// Category identifies a worker variant.
type Category string

const (
	// CategoryProductOwner handles backlog item creation and refinement.
	CategoryProductOwner Category = "product_owner"

	// CategoryScrumMaster handles sprint planning and analysis.
	CategoryScrumMaster Category = "scrum_master"

	// CategoryAnalyst handles prioritization and reporting.
	CategoryAnalyst Category = "analyst"

	// CategoryUniversal handles any domain intent. Universal workers are
	// preferred during selection when available.
	CategoryUniversal Category = "universal"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryProductOwner, CategoryScrumMaster, CategoryAnalyst, CategoryUniversal:
		return true
	}
	return false
}

// Request is the input to a worker execution.
type Request struct {
	Principal string
	Intent    intent.Intent
	Entities  intent.Entities
	Input     string

	// Context is the assembled domain snapshot from the context provider.
	Context map[string]any

	SessionID string
}

// Usage reports the token consumption of one execution.
type Usage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Response is the worker execution output.
type Response struct {
	Message string
	Data    map[string]any
	Usage   Usage
}

// Executor is implemented by every worker variant. Execute must honor
// context cancellation; the orchestrator treats a returned error as an
// execution failure, not an authorization one.
type Executor interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
}
