package delegation

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprintloop/sprintloop/pkg/config"
	sperr "github.com/sprintloop/sprintloop/pkg/errors"
	"github.com/sprintloop/sprintloop/pkg/intent"
	"github.com/sprintloop/sprintloop/pkg/logging"
	"github.com/sprintloop/sprintloop/pkg/storage"
)

func newTestEngine(t *testing.T) (*Engine, *storage.Store) {
	t.Helper()

	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.SaveWorker(&storage.Worker{
		ID:       "w-po",
		Name:     "Product Owner",
		Category: "product_owner",
		Status:   storage.WorkerStatusActive,
		Capabilities: []string{
			PermCreateBacklogItems, PermEditBacklogItems,
		},
	}))

	return NewEngine(store, logging.Discard(), config.Default().Delegation), store
}

func fullGrant(principal string) CreateRequest {
	return CreateRequest{
		Principal:   principal,
		WorkerID:    "w-po",
		Permissions: AllPermissions(),
		AllProducts: true,
		CanCreate:   true,
		CanEdit:     true,
		CanDelete:   true,
	}
}

func recordAction(t *testing.T, store *storage.Store, delegationID string, cost float64, at time.Time) {
	t.Helper()
	a := &storage.Action{
		ID:           ulid.Make().String(),
		Principal:    "alice",
		WorkerID:     "w-po",
		DelegationID: delegationID,
		Category:     "creation",
		Intent:       string(intent.IntentCreateBacklogItem),
		Input:        "crea una historia",
		CreatedAt:    at,
	}
	require.NoError(t, store.CreateAction(a))
	a.Status = storage.ActionStatusCompleted
	a.Cost = cost
	require.NoError(t, store.FinalizeAction(a))
}

func TestCreateAppliesDefaults(t *testing.T) {
	engine, _ := newTestEngine(t)

	d, err := engine.Create(CreateRequest{
		Principal:   "alice",
		WorkerID:    "w-po",
		Permissions: []string{PermCreateBacklogItems},
		CanCreate:   true,
	})
	require.NoError(t, err)

	assert.Equal(t, config.DefaultActionsPerHour, d.MaxActionsPerHour)
	assert.Equal(t, config.DefaultActionsPerDay, d.MaxActionsPerDay)
	assert.Equal(t, config.DefaultSpendPerDay, d.MaxSpendPerDay)
	assert.True(t, d.AllProducts)

	history, err := engine.History(d.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "created", history[0].Event)
	assert.Equal(t, "alice", history[0].Actor)
}

func TestCreateRejectsBadWorker(t *testing.T) {
	engine, store := newTestEngine(t)

	_, err := engine.Create(CreateRequest{
		Principal:   "alice",
		WorkerID:    "missing",
		Permissions: []string{PermCreateBacklogItems},
	})
	assert.True(t, sperr.IsCode(err, sperr.ErrCodeWorkerNotFound))

	require.NoError(t, store.SaveWorker(&storage.Worker{
		ID: "w-off", Name: "Off", Category: "analyst", Status: storage.WorkerStatusDeprecated,
	}))
	_, err = engine.Create(CreateRequest{
		Principal:   "alice",
		WorkerID:    "w-off",
		Permissions: []string{PermCreateBacklogItems},
	})
	assert.True(t, sperr.IsCode(err, sperr.ErrCodeWorkerInactive))
}

func TestCreateRejectsDuplicateActivePair(t *testing.T) {
	engine, _ := newTestEngine(t)

	first, err := engine.Create(fullGrant("alice"))
	require.NoError(t, err)

	_, err = engine.Create(fullGrant("alice"))
	assert.True(t, sperr.IsCode(err, sperr.ErrCodeDelegationExists))

	// After revoking, the pair can be re-delegated.
	require.NoError(t, engine.Revoke(first.ID, "alice", "rotating grant"))
	_, err = engine.Create(fullGrant("alice"))
	assert.NoError(t, err)
}

func TestLifecycleOpsRejectUnknownDelegation(t *testing.T) {
	engine, _ := newTestEngine(t)

	err := engine.Revoke("ghost", "alice", "cleanup")
	assert.True(t, sperr.IsCode(err, sperr.ErrCodeDelegationNotFound))

	err = engine.Suspend("ghost", "alice", "pause")
	assert.True(t, sperr.IsCode(err, sperr.ErrCodeDelegationNotFound))

	_, err = engine.UpdateScope("ghost", "alice", "tighten", ScopeUpdate{})
	assert.True(t, sperr.IsCode(err, sperr.ErrCodeDelegationNotFound))
}

func TestCanPerformActionWithoutDelegation(t *testing.T) {
	engine, _ := newTestEngine(t)

	decision, err := engine.CanPerformAction("alice", "w-po", intent.IntentCreateBacklogItem, "")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonNoActiveDelegation, decision.Reason)
}

func TestCanPerformActionCheckOrder(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Create(CreateRequest{
		Principal:     "alice",
		WorkerID:      "w-po",
		Permissions:   []string{PermCreateBacklogItems},
		ScopeProducts: []string{"prod-1"},
		CanCreate:     false,
	})
	require.NoError(t, err)

	// Permission missing for an undelegated intent.
	decision, err := engine.CanPerformAction("alice", "w-po", intent.IntentDeleteBacklogItem, "prod-1")
	require.NoError(t, err)
	assert.Equal(t, ReasonMissingPermission, decision.Reason)

	// Scope violation for a product outside the grant.
	decision, err = engine.CanPerformAction("alice", "w-po", intent.IntentCreateBacklogItem, "prod-2")
	require.NoError(t, err)
	assert.Equal(t, ReasonOutOfScope, decision.Reason)

	// Permission granted but the create flag is off.
	decision, err = engine.CanPerformAction("alice", "w-po", intent.IntentCreateBacklogItem, "prod-1")
	require.NoError(t, err)
	assert.Equal(t, ReasonCapabilityDisabled, decision.Reason)
}

func TestHourlyQuotaBoundary(t *testing.T) {
	engine, store := newTestEngine(t)

	req := fullGrant("alice")
	req.MaxActionsPerHour = 2
	d, err := engine.Create(req)
	require.NoError(t, err)

	// One action used: still under the ceiling.
	recordAction(t, store, d.ID, 0.01, time.Now().Add(-10*time.Minute))
	decision, err := engine.CanPerformAction("alice", "w-po", intent.IntentCreateBacklogItem, "")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	// At the ceiling: denied. Actions older than an hour do not count.
	recordAction(t, store, d.ID, 0.01, time.Now().Add(-5*time.Minute))
	recordAction(t, store, d.ID, 0.01, time.Now().Add(-2*time.Hour))
	decision, err = engine.CanPerformAction("alice", "w-po", intent.IntentCreateBacklogItem, "")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonHourlyLimitReached, decision.Reason)
}

func TestSpendLimit(t *testing.T) {
	engine, store := newTestEngine(t)

	req := fullGrant("alice")
	req.MaxSpendPerDay = 0.05
	d, err := engine.Create(req)
	require.NoError(t, err)

	recordAction(t, store, d.ID, 0.06, time.Now())
	decision, err := engine.CanPerformAction("alice", "w-po", intent.IntentCreateBacklogItem, "")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonSpendLimitReached, decision.Reason)
}

func TestRevokeIsTerminal(t *testing.T) {
	engine, store := newTestEngine(t)

	d, err := engine.Create(fullGrant("alice"))
	require.NoError(t, err)
	require.NoError(t, engine.Revoke(d.ID, "alice", "offboarding"))

	got, err := store.GetDelegation(d.ID)
	require.NoError(t, err)
	assert.False(t, engine.IsValid(got))

	err = engine.Reactivate(d.ID, "alice", "changed my mind")
	assert.True(t, sperr.IsCode(err, sperr.ErrCodeIllegalTransition))

	err = engine.Revoke(d.ID, "alice", "again")
	assert.True(t, sperr.IsCode(err, sperr.ErrCodeIllegalTransition))
}

func TestSuspendReactivateCycle(t *testing.T) {
	engine, _ := newTestEngine(t)

	d, err := engine.Create(fullGrant("alice"))
	require.NoError(t, err)

	require.NoError(t, engine.Suspend(d.ID, "ops", "unusual volume"))
	decision, err := engine.CanPerformAction("alice", "w-po", intent.IntentCreateBacklogItem, "")
	require.NoError(t, err)
	assert.Equal(t, ReasonNoActiveDelegation, decision.Reason)

	require.NoError(t, engine.Reactivate(d.ID, "ops", "reviewed"))
	decision, err = engine.CanPerformAction("alice", "w-po", intent.IntentCreateBacklogItem, "")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	history, err := engine.History(d.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "created", history[0].Event)
	assert.Equal(t, "suspended", history[1].Event)
	assert.Equal(t, "reactivated", history[2].Event)
}

func TestUpdateScope(t *testing.T) {
	engine, _ := newTestEngine(t)

	d, err := engine.Create(fullGrant("alice"))
	require.NoError(t, err)

	off := false
	hourly := 5
	updated, err := engine.UpdateScope(d.ID, "alice", "tighter grant", ScopeUpdate{
		ScopeProducts:     []string{"prod-1"},
		AllProducts:       &off,
		CanDelete:         &off,
		MaxActionsPerHour: &hourly,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"prod-1"}, updated.ScopeProducts)
	assert.False(t, updated.AllProducts)
	assert.False(t, updated.CanDelete)
	assert.Equal(t, 5, updated.MaxActionsPerHour)
	assert.True(t, updated.CanCreate)

	history, err := engine.History(d.ID)
	require.NoError(t, err)
	assert.Equal(t, "scope_updated", history[len(history)-1].Event)
}

func TestExpiredWindowDenied(t *testing.T) {
	engine, _ := newTestEngine(t)

	past := time.Now().Add(-time.Minute)
	req := fullGrant("alice")
	req.ValidUntil = &past
	_, err := engine.Create(req)
	require.NoError(t, err)

	decision, err := engine.CanPerformAction("alice", "w-po", intent.IntentCreateBacklogItem, "")
	require.NoError(t, err)
	assert.Equal(t, ReasonNoActiveDelegation, decision.Reason)

	count, err := engine.ExpireOldDelegations()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Sweep is idempotent.
	count, err = engine.ExpireOldDelegations()
	require.NoError(t, err)
	assert.Zero(t, count)
}
