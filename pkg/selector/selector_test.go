package selector

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprintloop/sprintloop/pkg/config"
	"github.com/sprintloop/sprintloop/pkg/delegation"
	"github.com/sprintloop/sprintloop/pkg/intent"
	"github.com/sprintloop/sprintloop/pkg/logging"
	"github.com/sprintloop/sprintloop/pkg/storage"
)

func newTestSelector(t *testing.T) (*Selector, *delegation.Engine, *storage.Store) {
	t.Helper()

	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.SaveWorker(&storage.Worker{
		ID:           "w-po",
		Name:         "Product Owner",
		Category:     "product_owner",
		Status:       storage.WorkerStatusActive,
		Capabilities: []string{delegation.PermCreateBacklogItems, delegation.PermEditBacklogItems},
	}))
	require.NoError(t, store.SaveWorker(&storage.Worker{
		ID:        "w-uni",
		Name:      "Unified Assistant",
		Category:  "universal",
		Status:    storage.WorkerStatusActive,
		Universal: true,
	}))

	engine := delegation.NewEngine(store, logging.Discard(), config.Default().Delegation)
	return New(store, engine, logging.Discard()), engine, store
}

func grant(t *testing.T, engine *delegation.Engine, principal, workerID string, perms []string) {
	t.Helper()
	_, err := engine.Create(delegation.CreateRequest{
		Principal:   principal,
		WorkerID:    workerID,
		Permissions: perms,
		AllProducts: true,
		CanCreate:   true,
		CanEdit:     true,
	})
	require.NoError(t, err)
}

func TestSelectPrefersUniversalWorker(t *testing.T) {
	s, engine, _ := newTestSelector(t)

	grant(t, engine, "alice", "w-po", []string{delegation.PermCreateBacklogItems})
	grant(t, engine, "alice", "w-uni", []string{delegation.PermCreateBacklogItems})

	sel, err := s.Select("alice", intent.IntentCreateBacklogItem, nil)
	require.NoError(t, err)
	require.NotNil(t, sel)
	assert.Equal(t, "w-uni", sel.Worker.ID)
	assert.False(t, sel.Bypass)
}

func TestSelectFallsBackToCategoryWorker(t *testing.T) {
	s, engine, _ := newTestSelector(t)

	// Only the product owner worker holds a delegation.
	grant(t, engine, "alice", "w-po", []string{delegation.PermCreateBacklogItems})

	sel, err := s.Select("alice", intent.IntentCreateBacklogItem, nil)
	require.NoError(t, err)
	require.NotNil(t, sel)
	assert.Equal(t, "w-po", sel.Worker.ID)
	assert.Equal(t, "alice", sel.Delegation.Principal)
}

func TestSelectReturnsNilWithoutDelegation(t *testing.T) {
	s, _, _ := newTestSelector(t)

	sel, err := s.Select("alice", intent.IntentCreateBacklogItem, nil)
	require.NoError(t, err)
	assert.Nil(t, sel)
}

func TestSelectSkipsInsufficientPermissions(t *testing.T) {
	s, engine, _ := newTestSelector(t)

	grant(t, engine, "alice", "w-po", []string{delegation.PermEditBacklogItems})

	sel, err := s.Select("alice", intent.IntentCreateBacklogItem, nil)
	require.NoError(t, err)
	assert.Nil(t, sel)
}

func TestOperatorBypass(t *testing.T) {
	s, _, _ := newTestSelector(t)

	sel, err := s.Select("root", intent.IntentCreateBacklogItem, []string{RoleOperator})
	require.NoError(t, err)
	require.NotNil(t, sel)
	assert.True(t, sel.Bypass)
	assert.Equal(t, "w-uni", sel.Worker.ID)
	assert.True(t, sel.Delegation.AllProducts)
	assert.ElementsMatch(t, delegation.AllPermissions(), sel.Delegation.Permissions)
}

func TestCanExecuteIntent(t *testing.T) {
	s, _, store := newTestSelector(t)

	po, err := store.GetWorker("w-po")
	require.NoError(t, err)
	uni, err := store.GetWorker("w-uni")
	require.NoError(t, err)

	assert.True(t, s.CanExecuteIntent(po, intent.IntentCreateBacklogItem))
	assert.False(t, s.CanExecuteIntent(po, intent.IntentDeleteBacklogItem))
	assert.True(t, s.CanExecuteIntent(uni, intent.IntentDeleteBacklogItem))
}

func TestSuggestWorkerOnlyWithoutSufficientDelegation(t *testing.T) {
	s, engine, _ := newTestSelector(t)

	suggestion, err := s.SuggestWorker("alice", intent.IntentCreateBacklogItem)
	require.NoError(t, err)
	require.NotNil(t, suggestion)
	assert.Equal(t, "alice", suggestion.Instructions.Principal)
	assert.Contains(t, suggestion.Instructions.Permissions, delegation.PermCreateBacklogItems)
	assert.True(t, suggestion.Instructions.CanCreate)
	assert.NotEmpty(t, suggestion.Message)

	// The instructions are machine-actionable: submitting them yields a
	// delegation that makes selection succeed and the suggestion path moot.
	_, err = engine.Create(suggestion.Instructions)
	require.NoError(t, err)

	sel, err := s.Select("alice", intent.IntentCreateBacklogItem, nil)
	require.NoError(t, err)
	assert.NotNil(t, sel)
}
