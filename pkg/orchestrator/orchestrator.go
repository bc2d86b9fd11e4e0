// Package orchestrator coordinates the request pipeline: classify the
// text, select an authorized worker, assemble context, execute, and
// finalize an audit action. Every request ends in exactly one terminal
// status.
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/sprintloop/sprintloop/pkg/cache"
	"github.com/sprintloop/sprintloop/pkg/cost"
	"github.com/sprintloop/sprintloop/pkg/delegation"
	sperr "github.com/sprintloop/sprintloop/pkg/errors"
	"github.com/sprintloop/sprintloop/pkg/intent"
	"github.com/sprintloop/sprintloop/pkg/logging"
	"github.com/sprintloop/sprintloop/pkg/selector"
	"github.com/sprintloop/sprintloop/pkg/session"
	"github.com/sprintloop/sprintloop/pkg/storage"
	"github.com/sprintloop/sprintloop/pkg/worker"
)

// ActionStore is the audit surface the orchestrator writes to.
type ActionStore interface {
	CreateAction(a *storage.Action) error
	FinalizeAction(a *storage.Action) error
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Selector *selector.Selector
	Engine   *delegation.Engine
	Registry *worker.Registry
	Store    ActionStore
	Cache    *cache.Cache
	Provider ContextProvider
	Pricing  *cost.Calculator
	Sessions *session.Manager
	Logger   *logging.Logger

	// Production disables the labeled fallback on worker failures.
	Production bool

	// ExecuteTimeout bounds one worker execution. Zero means no bound
	// beyond the caller's context.
	ExecuteTimeout time.Duration
}

// Orchestrator runs the request pipeline.
type Orchestrator struct {
	classifier *intent.Classifier
	selector   *selector.Selector
	engine     *delegation.Engine
	registry   *worker.Registry
	store      ActionStore
	cache      *cache.Cache
	provider   ContextProvider
	pricing    *cost.Calculator
	sessions   *session.Manager
	logger     *logging.Logger
	fallback   worker.Executor
	production bool
	timeout    time.Duration

	now func() time.Time
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	c := opts.Cache
	if c == nil {
		c = cache.New(cache.DefaultTTL)
	}
	pricing := opts.Pricing
	if pricing == nil {
		pricing = cost.NewCalculator()
	}
	return &Orchestrator{
		classifier: intent.NewClassifier(),
		selector:   opts.Selector,
		engine:     opts.Engine,
		registry:   opts.Registry,
		store:      opts.Store,
		cache:      c,
		provider:   opts.Provider,
		pricing:    pricing,
		sessions:   opts.Sessions,
		logger:     logger,
		fallback:   worker.NewFallbackExecutor(),
		production: opts.Production,
		timeout:    opts.ExecuteTimeout,
		now:        time.Now,
	}
}

// Execute runs the full pipeline for one request and always returns a
// Result with a terminal status. The error return is reserved for
// infrastructure failures where no trustworthy result exists.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Result, error) {
	start := o.now()
	traceID := uuid.NewString()

	result, err := o.run(ctx, req)
	if err != nil {
		requestsTotal.WithLabelValues(string(StatusError)).Inc()
		o.logger.Error(logging.CategoryOrchestrator, "request_failed", "pipeline failed", map[string]any{
			"trace_id":  traceID,
			"principal": req.Principal,
			"error":     err.Error(),
		})
		return nil, err
	}

	result.TraceID = traceID
	result.Metrics.LatencyMs = o.now().Sub(start).Milliseconds()
	requestsTotal.WithLabelValues(string(result.Status)).Inc()
	requestDuration.Observe(o.now().Sub(start).Seconds())

	o.logger.Info(logging.CategoryOrchestrator, "request_finished", "pipeline finished", map[string]any{
		"trace_id":   traceID,
		"principal":  req.Principal,
		"status":     string(result.Status),
		"intent":     string(result.Intent),
		"worker_id":  result.WorkerID,
		"action_id":  result.ActionID,
		"latency_ms": result.Metrics.LatencyMs,
	})
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request) (*Result, error) {
	if req.Principal == "" {
		return nil, sperr.New(sperr.ErrCodeInvalidInput, "principal is required")
	}

	// CLASSIFY
	cls := o.classifier.Classify(req.Text)

	if cls.Intent == intent.IntentClarificationNeeded {
		return &Result{
			Status:     StatusNeedsClarification,
			Intent:     cls.Intent,
			Confidence: cls.Confidence,
			Message:    "Please describe what you need, for example: crea una historia para el login.",
		}, nil
	}

	if cls.Intent == intent.IntentGeneralQuestion {
		if cls.Confidence < 0.6 {
			return &Result{
				Status:      StatusNeedsClarification,
				Intent:      cls.Intent,
				Confidence:  cls.Confidence,
				Message:     "I could not map that to a concrete request. Did you mean one of these?",
				Suggestions: cls.Suggestions,
			}, nil
		}
		// Conversational requests are answered directly. No worker is
		// selected and no action is recorded.
		return &Result{
			Status:     StatusSuccess,
			Intent:     cls.Intent,
			Confidence: cls.Confidence,
			Message:    "Hola! I can create and refine backlog items, plan sprints, and analyze progress. Tell me what you need.",
		}, nil
	}

	// SELECT_WORKER
	sel, err := o.selector.Select(req.Principal, cls.Intent, req.Roles)
	if err != nil {
		return nil, err
	}
	if sel == nil {
		remedy, err := o.selector.SuggestWorker(req.Principal, cls.Intent)
		if err != nil {
			return nil, err
		}
		msg := "No worker is authorized for this request."
		if remedy != nil {
			msg = remedy.Message
		}
		return &Result{
			Status:     StatusNoAgentAvailable,
			Intent:     cls.Intent,
			Confidence: cls.Confidence,
			Message:    msg,
			Remedy:     remedy,
		}, nil
	}

	// Authorization. The bypass carries a synthetic maximal delegation,
	// so quota and scope checks only run for real grants.
	if !sel.Bypass {
		decision, err := o.engine.CanPerformAction(req.Principal, sel.Worker.ID, cls.Intent, req.ProductID)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			denialsTotal.WithLabelValues(string(decision.Reason)).Inc()
			return &Result{
				Status:       StatusDenied,
				Intent:       cls.Intent,
				Confidence:   cls.Confidence,
				WorkerID:     sel.Worker.ID,
				WorkerName:   sel.Worker.Name,
				Message:      decision.Detail,
				DenialReason: decision.Reason,
			}, nil
		}
		sel.Delegation = decision.Delegation
	}

	// BUILD_CONTEXT
	snapshot, err := o.buildContext(ctx, cls.Intent, req.ProductID)
	if err != nil {
		o.logger.Warn(logging.CategoryOrchestrator, "context_failed", "context provider failed, continuing without context", map[string]any{
			"principal": req.Principal,
			"error":     err.Error(),
		})
		snapshot = map[string]any{}
	}

	// EXECUTE
	return o.executeWorker(ctx, req, cls, sel, snapshot)
}

func (o *Orchestrator) executeWorker(ctx context.Context, req Request, cls intent.Classification, sel *selector.Selection, snapshot map[string]any) (*Result, error) {
	action := &storage.Action{
		ID:         ulid.Make().String(),
		Principal:  req.Principal,
		WorkerID:   sel.Worker.ID,
		SessionID:  req.SessionID,
		Category:   actionCategory(cls.Intent),
		Intent:     string(cls.Intent),
		Confidence: cls.Confidence,
		Input:      req.Text,
		CreatedAt:  o.now(),
	}
	if !sel.Bypass && sel.Delegation != nil {
		action.DelegationID = sel.Delegation.ID
	}
	if err := o.store.CreateAction(action); err != nil {
		return nil, sperr.Wrap(err, sperr.ErrCodeStorageWrite, "create action")
	}

	execCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	workerReq := &worker.Request{
		Principal: req.Principal,
		Intent:    cls.Intent,
		Entities:  cls.Entities,
		Input:     req.Text,
		Context:   snapshot,
		SessionID: req.SessionID,
	}

	started := o.now()
	resp, execErr := o.invoke(execCtx, sel.Worker, workerReq)
	action.LatencyMs = o.now().Sub(started).Milliseconds()

	usedFallback := false
	if execErr != nil {
		if o.production {
			action.Status = storage.ActionStatusFailed
			action.Error = execErr.Error()
			if err := o.store.FinalizeAction(action); err != nil {
				return nil, sperr.Wrap(err, sperr.ErrCodeStorageWrite, "finalize action")
			}
			return &Result{
				Status:     StatusError,
				Intent:     cls.Intent,
				Confidence: cls.Confidence,
				WorkerID:   sel.Worker.ID,
				WorkerName: sel.Worker.Name,
				Message:    "worker execution failed",
				ActionID:   action.ID,
				Metrics:    Metrics{LatencyMs: action.LatencyMs},
			}, nil
		}

		// Outside production a provider outage degrades to a canned,
		// clearly labeled response. The action still records the failure.
		fallbackResponses.Inc()
		o.logger.Warn(logging.CategoryOrchestrator, "fallback_substituted", "worker failed, fallback response substituted", map[string]any{
			"worker_id": sel.Worker.ID,
			"error":     execErr.Error(),
		})
		var fbErr error
		resp, fbErr = o.fallback.Execute(ctx, workerReq)
		if fbErr != nil || resp == nil {
			action.Status = storage.ActionStatusFailed
			action.Error = execErr.Error()
			if ferr := o.store.FinalizeAction(action); ferr != nil {
				return nil, sperr.Wrap(ferr, sperr.ErrCodeStorageWrite, "finalize action")
			}
			return nil, execErr
		}
		action.Error = execErr.Error()
		usedFallback = true
	}

	actionCost, err := o.pricing.CalculateCostFromTokens(resp.Usage.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	if err != nil {
		actionCost = 0
	}

	action.Status = storage.ActionStatusCompleted
	if usedFallback && execErr != nil {
		action.Status = storage.ActionStatusFailed
	}
	action.RawOutput = resp.Message
	action.PromptTokens = resp.Usage.PromptTokens
	action.CompletionTokens = resp.Usage.CompletionTokens
	action.Cost = actionCost

	data := resp.Data
	if data == nil {
		data = map[string]any{}
	}
	if sel.Bypass {
		data["operator_bypass"] = true
	}
	if parsed, err := json.Marshal(data); err == nil {
		action.ParsedOutput = string(parsed)
	}

	if err := o.store.FinalizeAction(action); err != nil {
		return nil, sperr.Wrap(err, sperr.ErrCodeStorageWrite, "finalize action")
	}
	actionCostMetric(actionCost)

	if !sel.Bypass && sel.Delegation != nil {
		if err := o.engine.RecordUsage(sel.Delegation.ID); err != nil {
			o.logger.Warn(logging.CategoryOrchestrator, "usage_record_failed", "could not bump delegation usage", map[string]any{
				"delegation_id": sel.Delegation.ID,
				"error":         err.Error(),
			})
		}
	}

	// RESPOND
	return &Result{
		Status:         StatusSuccess,
		Intent:         cls.Intent,
		Confidence:     cls.Confidence,
		WorkerID:       sel.Worker.ID,
		WorkerName:     sel.Worker.Name,
		Message:        resp.Message,
		Data:           data,
		ContextSummary: summarizeContext(snapshot),
		ActionID:       action.ID,
		Metrics: Metrics{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			Cost:             actionCost,
			LatencyMs:        action.LatencyMs,
		},
	}, nil
}

func (o *Orchestrator) invoke(ctx context.Context, w *storage.Worker, req *worker.Request) (*worker.Response, error) {
	exec, err := o.registry.Get(worker.Category(w.Category))
	if err != nil {
		return nil, err
	}
	resp, err := exec.Execute(ctx, req)
	if err != nil {
		return nil, sperr.Wrap(err, sperr.ErrCodeWorkerExecution, "worker execution").
			WithContext("worker_id", w.ID).
			WithRetryable(true)
	}
	return resp, nil
}

// Chat wraps Execute with session continuity. A missing sessionID opens a
// new session before the pipeline runs, so even the first turn's audit
// action links back to the session.
func (o *Orchestrator) Chat(ctx context.Context, req Request) (*Result, error) {
	if o.sessions == nil {
		return nil, sperr.New(sperr.ErrCodeInternal, "session manager not configured")
	}

	var sess *storage.Session
	if req.SessionID != "" {
		resolved, err := o.sessions.Resolve(req.SessionID, req.Principal)
		if err != nil {
			return nil, err
		}
		sess = resolved
	} else {
		opened, err := o.sessions.Start(req.Principal, "assistant")
		if err != nil {
			return nil, err
		}
		sess = opened
		req.SessionID = sess.ID
	}
	if err := o.sessions.AppendTurn(sess.ID, req.Principal, session.RoleUser, req.Text, ""); err != nil {
		return nil, err
	}

	result, err := o.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := o.sessions.AppendTurn(sess.ID, req.Principal, session.RoleAssistant, result.Message, result.ActionID); err != nil {
		return nil, err
	}

	turns, err := o.sessions.History(sess.ID, req.Principal, 0)
	if err != nil {
		return nil, err
	}
	result.SessionID = sess.ID
	result.TurnCount = len(turns)
	return result, nil
}

// Suggestions lists what the principal can ask for, marking which intents
// already have an authorized worker behind them.
func (o *Orchestrator) Suggestions(principal string) ([]Capability, error) {
	out := make([]Capability, 0, len(intent.DomainIntents()))
	for _, in := range intent.DomainIntents() {
		sel, err := o.selector.Select(principal, in, nil)
		if err != nil {
			return nil, err
		}
		c := Capability{Intent: in, Ready: sel != nil}
		if sel != nil {
			c.WorkerID = sel.Worker.ID
			c.WorkerName = sel.Worker.Name
		} else {
			remedy, err := o.selector.SuggestWorker(principal, in)
			if err != nil {
				return nil, err
			}
			c.Remedy = remedy
		}
		out = append(out, c)
	}
	return out, nil
}

// Capability describes one intent the system can serve for a principal.
type Capability struct {
	Intent     intent.Intent        `json:"intent"`
	Ready      bool                 `json:"ready"`
	WorkerID   string               `json:"worker_id,omitempty"`
	WorkerName string               `json:"worker_name,omitempty"`
	Remedy     *selector.Suggestion `json:"remedy,omitempty"`
}

func actionCategory(in intent.Intent) string {
	switch in {
	case intent.IntentCreateBacklogItem, intent.IntentPlanSprint:
		return "creation"
	case intent.IntentEditBacklogItem, intent.IntentPrioritizeBacklog:
		return "modification"
	case intent.IntentDeleteBacklogItem:
		return "deletion"
	case intent.IntentAnalyzeSprint:
		return "analysis"
	default:
		return "conversation"
	}
}

func actionCostMetric(c float64) {
	if c > 0 {
		actionCost.Add(c)
	}
}
