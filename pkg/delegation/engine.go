// Package delegation implements the authorization engine. A delegation is
// a scoped, time-boxed, quota-limited grant of permissions from a principal
// to a worker. Quota checks read live counts from the durable action log;
// the only race-free invariant, one active delegation per pair, lives in a
// storage uniqueness constraint.
package delegation

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sprintloop/sprintloop/pkg/config"
	sperr "github.com/sprintloop/sprintloop/pkg/errors"
	"github.com/sprintloop/sprintloop/pkg/intent"
	"github.com/sprintloop/sprintloop/pkg/logging"
	"github.com/sprintloop/sprintloop/pkg/storage"
)

// Reason is a machine-readable denial code. The first failing check in
// CanPerformAction determines which one the caller sees.
type Reason string

const (
	ReasonNoActiveDelegation Reason = "no_active_delegation"
	ReasonHourlyLimitReached Reason = "hourly_limit_reached"
	ReasonDailyLimitReached  Reason = "daily_limit_reached"
	ReasonSpendLimitReached  Reason = "spend_limit_reached"
	ReasonMissingPermission  Reason = "missing_permission"
	ReasonOutOfScope         Reason = "out_of_scope"
	ReasonCapabilityDisabled Reason = "capability_disabled"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed    bool
	Reason     Reason
	Detail     string
	Delegation *storage.Delegation
}

// Store is the persistence surface the engine depends on.
type Store interface {
	GetWorker(workerID string) (*storage.Worker, error)
	CreateDelegation(d *storage.Delegation, entry *storage.DelegationHistoryEntry) error
	GetDelegation(delegationID string) (*storage.Delegation, error)
	GetActiveDelegation(principal, workerID string) (*storage.Delegation, error)
	UpdateDelegationStatus(delegationID, status string, entry *storage.DelegationHistoryEntry) error
	UpdateDelegationScope(d *storage.Delegation, entry *storage.DelegationHistoryEntry) error
	IncrementDelegationUsage(delegationID string) error
	ExpireDelegations(now time.Time) (int, error)
	CountActionsSince(delegationID string, since time.Time) (int, error)
	SumActionCostSince(delegationID string, since time.Time) (float64, error)
	GetDelegationHistory(delegationID string) ([]*storage.DelegationHistoryEntry, error)
}

// Engine evaluates and mutates delegations.
type Engine struct {
	store    Store
	logger   *logging.Logger
	defaults config.DelegationConfig

	now func() time.Time
}

// NewEngine creates an engine with the given quota defaults.
func NewEngine(store Store, logger *logging.Logger, defaults config.DelegationConfig) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{
		store:    store,
		logger:   logger,
		defaults: defaults,
		now:      time.Now,
	}
}

// CreateRequest carries the caller-supplied fields for a new delegation.
// Zero quota fields fall back to the engine defaults.
type CreateRequest struct {
	Principal     string
	WorkerID      string
	Permissions   []string
	ScopeProducts []string
	AllProducts   bool
	CanCreate     bool
	CanEdit       bool
	CanDelete     bool

	MaxActionsPerHour int
	MaxActionsPerDay  int
	MaxSpendPerDay    float64

	ValidUntil *time.Time

	Actor  string
	Reason string
}

// Create persists a new delegation for the pair. Rejects when the worker
// is missing or not active, or when an active delegation already exists.
func (e *Engine) Create(req CreateRequest) (*storage.Delegation, error) {
	if req.Principal == "" || req.WorkerID == "" {
		return nil, sperr.New(sperr.ErrCodeInvalidInput, "principal and worker are required")
	}
	if len(req.Permissions) == 0 {
		return nil, sperr.New(sperr.ErrCodeInvalidInput, "at least one permission is required")
	}

	w, err := e.store.GetWorker(req.WorkerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, sperr.New(sperr.ErrCodeWorkerNotFound, "worker does not exist").
				WithContext("worker_id", req.WorkerID)
		}
		return nil, sperr.Wrap(err, sperr.ErrCodeStorageRead, "load worker")
	}
	if !w.IsActive() {
		return nil, sperr.New(sperr.ErrCodeWorkerInactive, "worker cannot receive delegations").
			WithContext("worker_id", req.WorkerID).
			WithContext("status", w.Status)
	}

	now := e.now()
	d := &storage.Delegation{
		ID:                ulid.Make().String(),
		Principal:         req.Principal,
		WorkerID:          req.WorkerID,
		Status:            storage.DelegationStatusActive,
		Permissions:       req.Permissions,
		ScopeProducts:     req.ScopeProducts,
		AllProducts:       req.AllProducts || len(req.ScopeProducts) == 0,
		CanCreate:         req.CanCreate,
		CanEdit:           req.CanEdit,
		CanDelete:         req.CanDelete,
		MaxActionsPerHour: req.MaxActionsPerHour,
		MaxActionsPerDay:  req.MaxActionsPerDay,
		MaxSpendPerDay:    req.MaxSpendPerDay,
		ValidFrom:         now,
		ValidUntil:        req.ValidUntil,
	}
	if d.MaxActionsPerHour <= 0 {
		d.MaxActionsPerHour = e.defaults.MaxActionsPerHour
	}
	if d.MaxActionsPerDay <= 0 {
		d.MaxActionsPerDay = e.defaults.MaxActionsPerDay
	}
	if d.MaxSpendPerDay <= 0 {
		d.MaxSpendPerDay = e.defaults.MaxSpendPerDay
	}

	entry := &storage.DelegationHistoryEntry{
		DelegationID: d.ID,
		Event:        "created",
		Actor:        actorOr(req.Actor, req.Principal),
		Reason:       req.Reason,
	}
	if err := e.store.CreateDelegation(d, entry); err != nil {
		if errors.Is(err, storage.ErrDuplicateActiveDelegation) {
			return nil, sperr.New(sperr.ErrCodeDelegationExists,
				"an active delegation already exists for this principal and worker").
				WithContext("principal", req.Principal).
				WithContext("worker_id", req.WorkerID).
				WithRemediation("revoke the existing delegation first, or update its scope")
		}
		return nil, sperr.Wrap(err, sperr.ErrCodeStorageWrite, "create delegation")
	}

	e.logger.Info(logging.CategoryDelegation, "delegation_created", "delegation created", map[string]any{
		"delegation_id": d.ID,
		"principal":     d.Principal,
		"worker_id":     d.WorkerID,
	})
	return d, nil
}

// IsValid reports whether the delegation is active and inside its
// validity window at the engine's current time.
func (e *Engine) IsValid(d *storage.Delegation) bool {
	if d == nil || d.Status != storage.DelegationStatusActive {
		return false
	}
	now := e.now()
	if now.Before(d.ValidFrom) {
		return false
	}
	if d.ValidUntil != nil && !now.Before(*d.ValidUntil) {
		return false
	}
	return true
}

// CanPerformAction runs the full authorization chain for one request.
// Checks run in a fixed order and the first failure decides the reason:
// active delegation, quotas, permission, scope, capability flag.
func (e *Engine) CanPerformAction(principal, workerID string, in intent.Intent, productID string) (*Decision, error) {
	d, err := e.store.GetActiveDelegation(principal, workerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return e.deny(nil, ReasonNoActiveDelegation, "no active delegation for this worker"), nil
		}
		return nil, sperr.Wrap(err, sperr.ErrCodeStorageRead, "load delegation")
	}
	if !e.IsValid(d) {
		return e.deny(d, ReasonNoActiveDelegation, "delegation outside its validity window"), nil
	}

	if decision, err := e.checkLimits(d); err != nil {
		return nil, err
	} else if decision != nil {
		return decision, nil
	}

	permKey, needed := RequiredPermission(in)
	if needed && !d.HasPermission(permKey) {
		return e.deny(d, ReasonMissingPermission, fmt.Sprintf("delegation does not grant %s", permKey)), nil
	}

	if productID != "" && !d.InScope(productID) {
		return e.deny(d, ReasonOutOfScope, fmt.Sprintf("product %s is outside the delegated scope", productID)), nil
	}

	switch intentFlags[in] {
	case flagCreate:
		if !d.CanCreate {
			return e.deny(d, ReasonCapabilityDisabled, "creation is disabled on this delegation"), nil
		}
	case flagEdit:
		if !d.CanEdit {
			return e.deny(d, ReasonCapabilityDisabled, "editing is disabled on this delegation"), nil
		}
	case flagDelete:
		if !d.CanDelete {
			return e.deny(d, ReasonCapabilityDisabled, "deletion is disabled on this delegation"), nil
		}
	}

	return &Decision{Allowed: true, Delegation: d}, nil
}

// checkLimits evaluates the quota envelope. The hourly quota uses a
// sliding one-hour window; the daily quota and spend use a fixed window
// starting at local midnight. Counts come from the durable action log,
// never the cache.
func (e *Engine) checkLimits(d *storage.Delegation) (*Decision, error) {
	now := e.now()

	hourly, err := e.store.CountActionsSince(d.ID, now.Add(-time.Hour))
	if err != nil {
		return nil, sperr.Wrap(err, sperr.ErrCodeStorageRead, "count hourly actions")
	}
	if hourly >= d.MaxActionsPerHour {
		return e.deny(d, ReasonHourlyLimitReached,
			fmt.Sprintf("%d of %d actions used this hour", hourly, d.MaxActionsPerHour)), nil
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	daily, err := e.store.CountActionsSince(d.ID, dayStart)
	if err != nil {
		return nil, sperr.Wrap(err, sperr.ErrCodeStorageRead, "count daily actions")
	}
	if daily >= d.MaxActionsPerDay {
		return e.deny(d, ReasonDailyLimitReached,
			fmt.Sprintf("%d of %d actions used today", daily, d.MaxActionsPerDay)), nil
	}

	spend, err := e.store.SumActionCostSince(d.ID, dayStart)
	if err != nil {
		return nil, sperr.Wrap(err, sperr.ErrCodeStorageRead, "sum daily spend")
	}
	if spend >= d.MaxSpendPerDay {
		return e.deny(d, ReasonSpendLimitReached,
			fmt.Sprintf("$%.4f of $%.2f spent today", spend, d.MaxSpendPerDay)), nil
	}

	return nil, nil
}

// Suspend moves an active delegation to suspended.
func (e *Engine) Suspend(delegationID, actor, reason string) error {
	return e.transition(delegationID, storage.DelegationStatusSuspended, "suspended", actor, reason,
		storage.DelegationStatusActive)
}

// Reactivate moves a suspended delegation back to active.
func (e *Engine) Reactivate(delegationID, actor, reason string) error {
	return e.transition(delegationID, storage.DelegationStatusActive, "reactivated", actor, reason,
		storage.DelegationStatusSuspended)
}

// Revoke terminates a delegation. Revoked is terminal.
func (e *Engine) Revoke(delegationID, actor, reason string) error {
	return e.transition(delegationID, storage.DelegationStatusRevoked, "revoked", actor, reason,
		storage.DelegationStatusActive, storage.DelegationStatusSuspended)
}

func (e *Engine) transition(delegationID, target, event, actor, reason string, legalFrom ...string) error {
	d, err := e.store.GetDelegation(delegationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return sperr.New(sperr.ErrCodeDelegationNotFound, "delegation does not exist").
				WithContext("delegation_id", delegationID)
		}
		return sperr.Wrap(err, sperr.ErrCodeStorageRead, "load delegation")
	}

	legal := false
	for _, from := range legalFrom {
		if d.Status == from {
			legal = true
			break
		}
	}
	if !legal {
		return sperr.New(sperr.ErrCodeIllegalTransition,
			fmt.Sprintf("cannot move delegation from %s to %s", d.Status, target)).
			WithContext("delegation_id", delegationID)
	}

	entry := &storage.DelegationHistoryEntry{
		DelegationID: delegationID,
		Event:        event,
		Actor:        actor,
		Reason:       reason,
		PriorStatus:  d.Status,
	}
	if err := e.store.UpdateDelegationStatus(delegationID, target, entry); err != nil {
		return sperr.Wrap(err, sperr.ErrCodeStorageWrite, "update delegation status")
	}

	e.logger.Info(logging.CategoryDelegation, "delegation_"+event, "delegation "+event, map[string]any{
		"delegation_id": delegationID,
		"actor":         actor,
		"prior_status":  d.Status,
	})
	return nil
}

// ScopeUpdate carries the mutable scope fields for UpdateScope. Nil
// pointers leave the current value untouched.
type ScopeUpdate struct {
	Permissions   []string
	ScopeProducts []string
	AllProducts   *bool
	CanCreate     *bool
	CanEdit       *bool
	CanDelete     *bool

	MaxActionsPerHour *int
	MaxActionsPerDay  *int
	MaxSpendPerDay    *float64
}

// UpdateScope adjusts scope, permissions or quotas on a live delegation
// and appends a history entry. Only active or suspended delegations can
// be reshaped.
func (e *Engine) UpdateScope(delegationID, actor, reason string, update ScopeUpdate) (*storage.Delegation, error) {
	d, err := e.store.GetDelegation(delegationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, sperr.New(sperr.ErrCodeDelegationNotFound, "delegation does not exist").
				WithContext("delegation_id", delegationID)
		}
		return nil, sperr.Wrap(err, sperr.ErrCodeStorageRead, "load delegation")
	}
	if d.Status != storage.DelegationStatusActive && d.Status != storage.DelegationStatusSuspended {
		return nil, sperr.New(sperr.ErrCodeIllegalTransition,
			fmt.Sprintf("cannot update scope of a %s delegation", d.Status))
	}

	if update.Permissions != nil {
		d.Permissions = update.Permissions
	}
	if update.ScopeProducts != nil {
		d.ScopeProducts = update.ScopeProducts
	}
	if update.AllProducts != nil {
		d.AllProducts = *update.AllProducts
	}
	if update.CanCreate != nil {
		d.CanCreate = *update.CanCreate
	}
	if update.CanEdit != nil {
		d.CanEdit = *update.CanEdit
	}
	if update.CanDelete != nil {
		d.CanDelete = *update.CanDelete
	}
	if update.MaxActionsPerHour != nil {
		d.MaxActionsPerHour = *update.MaxActionsPerHour
	}
	if update.MaxActionsPerDay != nil {
		d.MaxActionsPerDay = *update.MaxActionsPerDay
	}
	if update.MaxSpendPerDay != nil {
		d.MaxSpendPerDay = *update.MaxSpendPerDay
	}

	entry := &storage.DelegationHistoryEntry{
		DelegationID: delegationID,
		Event:        "scope_updated",
		Actor:        actor,
		Reason:       reason,
		PriorStatus:  d.Status,
	}
	if err := e.store.UpdateDelegationScope(d, entry); err != nil {
		return nil, sperr.Wrap(err, sperr.ErrCodeStorageWrite, "update delegation scope")
	}
	return d, nil
}

// RecordUsage bumps the delegation's lifetime usage counter after a
// successful action.
func (e *Engine) RecordUsage(delegationID string) error {
	if err := e.store.IncrementDelegationUsage(delegationID); err != nil {
		return sperr.Wrap(err, sperr.ErrCodeStorageWrite, "increment delegation usage")
	}
	return nil
}

// ExpireOldDelegations sweeps active delegations past their valid_until
// into expired. Idempotent; meant to run on a schedule.
func (e *Engine) ExpireOldDelegations() (int, error) {
	count, err := e.store.ExpireDelegations(e.now())
	if err != nil {
		return 0, sperr.Wrap(err, sperr.ErrCodeStorageWrite, "expire delegations")
	}
	if count > 0 {
		e.logger.Info(logging.CategoryDelegation, "delegations_expired", "expired stale delegations", map[string]any{
			"count": count,
		})
	}
	return count, nil
}

// History returns the append-only change log for a delegation.
func (e *Engine) History(delegationID string) ([]*storage.DelegationHistoryEntry, error) {
	entries, err := e.store.GetDelegationHistory(delegationID)
	if err != nil {
		return nil, sperr.Wrap(err, sperr.ErrCodeStorageRead, "load delegation history")
	}
	return entries, nil
}

func (e *Engine) deny(d *storage.Delegation, reason Reason, detail string) *Decision {
	fields := map[string]any{"reason": string(reason), "detail": detail}
	if d != nil {
		fields["delegation_id"] = d.ID
		fields["principal"] = d.Principal
	}
	e.logger.Info(logging.CategoryDelegation, "action_denied", "authorization denied", fields)
	return &Decision{Allowed: false, Reason: reason, Detail: detail, Delegation: d}
}

func actorOr(actor, fallback string) string {
	if actor != "" {
		return actor
	}
	return fallback
}
