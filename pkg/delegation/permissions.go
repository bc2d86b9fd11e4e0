package delegation

import "github.com/sprintloop/sprintloop/pkg/intent"

// Permission keys a principal can delegate to a worker.
const (
	PermCreateBacklogItems = "canCreateBacklogItems"
	PermEditBacklogItems   = "canEditBacklogItems"
	PermDeleteBacklogItems = "canDeleteBacklogItems"
	PermPrioritizeBacklog  = "canPrioritizeBacklog"
	PermPlanSprints        = "canPlanSprints"
	PermAnalyzeSprints     = "canAnalyzeSprints"
)

// AllPermissions lists every known permission key, used for the operator
// bypass delegation and for validation.
func AllPermissions() []string {
	return []string{
		PermCreateBacklogItems,
		PermEditBacklogItems,
		PermDeleteBacklogItems,
		PermPrioritizeBacklog,
		PermPlanSprints,
		PermAnalyzeSprints,
	}
}

// requiredPermission maps a domain intent to the permission key a
// delegation must grant before a worker may act on it.
var requiredPermission = map[intent.Intent]string{
	intent.IntentCreateBacklogItem: PermCreateBacklogItems,
	intent.IntentEditBacklogItem:   PermEditBacklogItems,
	intent.IntentDeleteBacklogItem: PermDeleteBacklogItems,
	intent.IntentPrioritizeBacklog: PermPrioritizeBacklog,
	intent.IntentPlanSprint:        PermPlanSprints,
	intent.IntentAnalyzeSprint:     PermAnalyzeSprints,
}

// RequiredPermission returns the permission key for an intent. The second
// return is false for intents that need no delegation at all.
func RequiredPermission(in intent.Intent) (string, bool) {
	key, ok := requiredPermission[in]
	return key, ok
}

// capabilityFlag identifies which of the coarse create/edit/delete flags
// gates an intent, beyond the fine-grained permission key.
type capabilityFlag int

const (
	flagNone capabilityFlag = iota
	flagCreate
	flagEdit
	flagDelete
)

var intentFlags = map[intent.Intent]capabilityFlag{
	intent.IntentCreateBacklogItem: flagCreate,
	intent.IntentEditBacklogItem:   flagEdit,
	intent.IntentDeleteBacklogItem: flagDelete,
	intent.IntentPrioritizeBacklog: flagEdit,
	intent.IntentPlanSprint:        flagCreate,
	intent.IntentAnalyzeSprint:     flagNone,
}
