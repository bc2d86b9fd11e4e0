package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sprintloop/sprintloop/pkg/cache"
	"github.com/sprintloop/sprintloop/pkg/intent"
)

// ContextProvider is the external collaborator that assembles read-only
// domain snapshots. Implementations talk to the product store; the
// orchestrator only sees the result through the cache.
type ContextProvider interface {
	BuildContext(ctx context.Context, kind, id string, params map[string]string) (map[string]any, error)
}

// buildContext fetches the domain snapshot for a request, consulting the
// cache first. Cache staleness only costs latency; authorization never
// reads from here.
func (o *Orchestrator) buildContext(ctx context.Context, in intent.Intent, productID string) (map[string]any, error) {
	if o.provider == nil || productID == "" {
		return map[string]any{}, nil
	}

	kind := contextKind(in)
	params := map[string]string{"intent": string(in)}
	key := cache.Key(kind, productID, params)

	if cached, ok := o.cache.Get(key); ok {
		if snapshot, valid := cached.(map[string]any); valid {
			return snapshot, nil
		}
	}

	snapshot, err := o.provider.BuildContext(ctx, kind, productID, params)
	if err != nil {
		return nil, err
	}
	o.cache.Set(key, snapshot)
	return snapshot, nil
}

// InvalidateProductContext drops every cached snapshot derived from a
// product so the next request refetches it. Call after backlog or sprint
// data changes outside the pipeline.
func (o *Orchestrator) InvalidateProductContext(productID string) int {
	return o.cache.InvalidateProduct(productID)
}

func contextKind(in intent.Intent) string {
	switch in {
	case intent.IntentPlanSprint, intent.IntentAnalyzeSprint:
		return "sprint"
	default:
		return "product"
	}
}

// summarizeContext renders a short human-readable digest of the snapshot
// for the RESPOND payload.
func summarizeContext(snapshot map[string]any) string {
	if len(snapshot) == 0 {
		return ""
	}
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, snapshot[k]))
	}
	return strings.Join(parts, ", ")
}
