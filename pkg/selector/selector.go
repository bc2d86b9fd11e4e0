// Package selector matches a classified intent to a capable, authorized
// worker. Routing tables are static; authorization is delegated to the
// delegation engine so selection never invents permissions, except for
// the audited operator bypass.
package selector

import (
	"errors"
	"fmt"

	"github.com/sprintloop/sprintloop/pkg/delegation"
	sperr "github.com/sprintloop/sprintloop/pkg/errors"
	"github.com/sprintloop/sprintloop/pkg/intent"
	"github.com/sprintloop/sprintloop/pkg/logging"
	"github.com/sprintloop/sprintloop/pkg/storage"
	"github.com/sprintloop/sprintloop/pkg/worker"
)

// RoleOperator is the elevated role that triggers the selection bypass.
const RoleOperator = "operator"

// requiredCategory maps each domain intent to the worker category that
// owns it. Universal workers can take any of them.
var requiredCategory = map[intent.Intent]worker.Category{
	intent.IntentCreateBacklogItem: worker.CategoryProductOwner,
	intent.IntentEditBacklogItem:   worker.CategoryProductOwner,
	intent.IntentDeleteBacklogItem: worker.CategoryProductOwner,
	intent.IntentPrioritizeBacklog: worker.CategoryAnalyst,
	intent.IntentPlanSprint:        worker.CategoryScrumMaster,
	intent.IntentAnalyzeSprint:     worker.CategoryScrumMaster,
}

// Store is the persistence surface the selector reads workers from.
type Store interface {
	ListActiveWorkers(category string, includeUniversal bool) ([]*storage.Worker, error)
	GetActiveDelegation(principal, workerID string) (*storage.Delegation, error)
}

// Selection is a successful worker match.
type Selection struct {
	Worker     *storage.Worker
	Delegation *storage.Delegation

	// Bypass marks the operator shortcut. The delegation is synthetic and
	// not persisted; the action audit trail still records the execution.
	Bypass bool
}

// Suggestion pairs a candidate worker with a prefilled delegation request
// the principal can submit to unblock themselves.
type Suggestion struct {
	Worker       *storage.Worker
	Instructions delegation.CreateRequest
	Message      string
}

// Selector resolves intents to workers.
type Selector struct {
	store  Store
	engine *delegation.Engine
	logger *logging.Logger
}

// New creates a selector.
func New(store Store, engine *delegation.Engine, logger *logging.Logger) *Selector {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Selector{store: store, engine: engine, logger: logger}
}

// Select finds the first capable worker the principal has delegated the
// required permissions to. Universal workers are tried first. Returns
// nil with no error when no worker qualifies.
func (s *Selector) Select(principal string, in intent.Intent, roles []string) (*Selection, error) {
	category, ok := requiredCategory[in]
	if !ok {
		return nil, sperr.New(sperr.ErrCodeInvalidInput,
			fmt.Sprintf("intent %s does not route to a worker", in))
	}

	candidates, err := s.store.ListActiveWorkers(string(category), true)
	if err != nil {
		return nil, sperr.Wrap(err, sperr.ErrCodeStorageRead, "list workers")
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	if hasRole(roles, RoleOperator) {
		for _, w := range candidates {
			if !w.Universal {
				continue
			}
			s.logger.Warn(logging.CategorySelector, "operator_bypass", "operator bypass engaged", map[string]any{
				"principal": principal,
				"worker_id": w.ID,
				"intent":    string(in),
			})
			return &Selection{
				Worker:     w,
				Delegation: syntheticOperatorDelegation(principal, w.ID),
				Bypass:     true,
			}, nil
		}
	}

	permKey, _ := delegation.RequiredPermission(in)
	for _, w := range candidates {
		if !s.CanExecuteIntent(w, in) {
			continue
		}
		d, err := s.store.GetActiveDelegation(principal, w.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, sperr.Wrap(err, sperr.ErrCodeStorageRead, "load delegation")
		}
		if !s.engine.IsValid(d) {
			continue
		}
		if permKey != "" && !d.HasPermission(permKey) {
			continue
		}
		return &Selection{Worker: w, Delegation: d}, nil
	}

	return nil, nil
}

// CanExecuteIntent reports whether the worker advertises the capability
// an intent requires. Universal workers can execute everything.
func (s *Selector) CanExecuteIntent(w *storage.Worker, in intent.Intent) bool {
	if w.Universal {
		return true
	}
	capability, ok := delegation.RequiredPermission(in)
	if !ok {
		return false
	}
	return w.HasCapability(capability)
}

// SuggestWorker proposes a candidate worker together with a prefilled
// delegation request. Called only when Select found no qualified worker,
// so a denial always ships with its remedy.
func (s *Selector) SuggestWorker(principal string, in intent.Intent) (*Suggestion, error) {
	category, ok := requiredCategory[in]
	if !ok {
		return nil, nil
	}

	candidates, err := s.store.ListActiveWorkers(string(category), true)
	if err != nil {
		return nil, sperr.Wrap(err, sperr.ErrCodeStorageRead, "list workers")
	}

	permKey, _ := delegation.RequiredPermission(in)
	for _, w := range candidates {
		if !s.CanExecuteIntent(w, in) {
			continue
		}
		req := delegation.CreateRequest{
			Principal:   principal,
			WorkerID:    w.ID,
			Permissions: []string{permKey},
			AllProducts: true,
		}
		switch in {
		case intent.IntentCreateBacklogItem, intent.IntentPlanSprint:
			req.CanCreate = true
		case intent.IntentEditBacklogItem, intent.IntentPrioritizeBacklog:
			req.CanEdit = true
		case intent.IntentDeleteBacklogItem:
			req.CanDelete = true
		}
		return &Suggestion{
			Worker:       w,
			Instructions: req,
			Message: fmt.Sprintf(
				"No active delegation covers this request. Delegate %s to worker %q to proceed.",
				permKey, w.Name),
		}, nil
	}

	return nil, nil
}

// syntheticOperatorDelegation fabricates a maximal-scope delegation for
// the operator bypass. It is never persisted.
func syntheticOperatorDelegation(principal, workerID string) *storage.Delegation {
	return &storage.Delegation{
		ID:                "operator-bypass",
		Principal:         principal,
		WorkerID:          workerID,
		Status:            storage.DelegationStatusActive,
		Permissions:       delegation.AllPermissions(),
		AllProducts:       true,
		CanCreate:         true,
		CanEdit:           true,
		CanDelete:         true,
		MaxActionsPerHour: int(^uint(0) >> 1),
		MaxActionsPerDay:  int(^uint(0) >> 1),
		MaxSpendPerDay:    1e9,
	}
}

func hasRole(roles []string, want string) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}
