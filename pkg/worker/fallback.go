package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/sprintloop/sprintloop/pkg/intent"
)

// FallbackLabel prefixes every fallback message so callers and humans can
// tell a canned response from real worker output.
const FallbackLabel = "[fallback]"

// FallbackExecutor produces deterministic canned responses. The
// orchestrator substitutes it for a failed worker outside production so
// the pipeline stays usable when the provider is down.
type FallbackExecutor struct{}

// NewFallbackExecutor creates the fallback executor.
func NewFallbackExecutor() *FallbackExecutor {
	return &FallbackExecutor{}
}

func (f *FallbackExecutor) Execute(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s This is a canned response for intent %q.", FallbackLabel, req.Intent)
	switch req.Intent {
	case intent.IntentCreateBacklogItem:
		b.WriteString(" A draft backlog item was outlined from your request")
		if len(req.Entities.Keywords) > 0 {
			fmt.Fprintf(&b, " covering: %s", strings.Join(req.Entities.Keywords, ", "))
		}
		b.WriteString(".")
	case intent.IntentAnalyzeSprint:
		b.WriteString(" No live sprint data was available.")
	default:
		b.WriteString(" The assigned worker was unavailable.")
	}

	return &Response{
		Message: b.String(),
		Data: map[string]any{
			"fallback": true,
			"intent":   string(req.Intent),
		},
		Usage: Usage{Model: "fallback"},
	}, nil
}
