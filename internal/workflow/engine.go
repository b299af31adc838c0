// Package workflow implements the saga state machine: it starts workflow
// instances, issues one step command at a time on the event bus, and advances,
// suspends, resumes, completes or fails instances as step outcomes arrive.
package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/sagaflow/internal/eventbus"
	"github.com/pitabwire/sagaflow/internal/observability"
	"github.com/pitabwire/sagaflow/model"
)

const (
	tracerName   = "github.com/pitabwire/sagaflow/internal/workflow"
	engineSource = "workflow_engine"

	// DefaultRetentionTTL is how long completed and failed instances stay
	// queryable in memory.
	DefaultRetentionTTL = 24 * time.Hour
	// DefaultRetentionCapacity bounds each terminal-instance cache.
	DefaultRetentionCapacity = 10000
)

// Step signal outcomes reported to the Recorder.
const (
	SignalApplied = "applied"
	SignalIgnored = "ignored"
)

// StepSource supplies the ordered steps of a workflow type. Unknown types
// yield no steps.
type StepSource interface {
	Steps(workflowType string) []model.Step
}

// Recorder receives engine activity for metrics.
type Recorder interface {
	RecordWorkflowStart(workflowType string)
	RecordWorkflowTransition(workflowType string, to model.WorkflowStatus)
	RecordWorkflowDuration(workflowType string, status model.WorkflowStatus, d time.Duration)
	RecordStepSignal(signal, outcome string)
	RecordStoreError(op string)
	SetLiveWorkflows(running, suspended int)
}

type noopRecorder struct{}

func (noopRecorder) RecordWorkflowStart(string)                                       {}
func (noopRecorder) RecordWorkflowTransition(string, model.WorkflowStatus)            {}
func (noopRecorder) RecordWorkflowDuration(string, model.WorkflowStatus, time.Duration) {}
func (noopRecorder) RecordStepSignal(string, string)                                  {}
func (noopRecorder) RecordStoreError(string)                                          {}
func (noopRecorder) SetLiveWorkflows(int, int)                                        {}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the write-through store. Defaults to an in-memory store that
// forgets terminal instances on the same schedule as WithRetention.
func WithStore(s WorkflowStore) Option {
	return func(e *Engine) {
		if s != nil {
			e.store = s
		}
	}
}

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.metrics = r
		}
	}
}

// WithTracer overrides the tracer used for engine operation spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithRetention sets how long, and how many, completed and failed instances
// are kept for inspection.
func WithRetention(ttl time.Duration, capacity int) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.retentionTTL = ttl
		}
		if capacity > 0 {
			e.retentionCap = capacity
		}
	}
}

// entry owns one live instance. mu serialises every mutation of inst.
type entry struct {
	mu    sync.Mutex
	inst  model.WorkflowInstance
	steps []model.Step
}

// Engine drives workflow instances through their steps.
//
// Live instances sit in exactly one of the active (RUNNING) or suspended
// (SUSPENDED) maps. Lock order is entry.mu before Engine.mu; moving an entry
// between maps happens in one critical section of Engine.mu, so no reader
// ever sees it in both or neither.
type Engine struct {
	bus     eventbus.Publisher
	steps   StepSource
	store   WorkflowStore
	clock   clock.Clock
	logger  *zap.Logger
	metrics Recorder
	tracer  trace.Tracer

	mu        sync.RWMutex
	active    map[string]*entry
	suspended map[string]*entry

	retentionTTL time.Duration
	retentionCap int
	completed    *ttlcache.Cache[string, model.WorkflowInstance]
	failed       *ttlcache.Cache[string, model.WorkflowInstance]

	subMu sync.Mutex
	subs  map[string]string // subscription ID -> pattern
}

// NewEngine creates an engine that publishes on bus and looks steps up in
// steps. Call Register to start consuming step outcomes.
func NewEngine(bus eventbus.Publisher, steps StepSource, opts ...Option) *Engine {
	e := &Engine{
		bus:          bus,
		steps:        steps,
		clock:        clock.New(),
		logger:       zap.NewNop(),
		metrics:      noopRecorder{},
		tracer:       otel.Tracer(tracerName),
		active:       make(map[string]*entry),
		suspended:    make(map[string]*entry),
		retentionTTL: DefaultRetentionTTL,
		retentionCap: DefaultRetentionCapacity,
		subs:         make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = NewMemoryWorkflowStore(WithMemoryRetention(e.retentionTTL, e.retentionCap))
	}
	e.completed = newRetentionCache(e.retentionTTL, e.retentionCap)
	e.failed = newRetentionCache(e.retentionTTL, e.retentionCap)
	return e
}

func newRetentionCache(ttl time.Duration, capacity int) *ttlcache.Cache[string, model.WorkflowInstance] {
	return ttlcache.New(
		ttlcache.WithTTL[string, model.WorkflowInstance](ttl),
		ttlcache.WithCapacity[string, model.WorkflowInstance](uint64(capacity)),
	)
}

// Register subscribes the engine to step outcome events.
func (e *Engine) Register(sub eventbus.Subscriber) error {
	handlers := map[string]eventbus.HandlerFunc{
		model.EventStepCompleted: e.HandleStepCompleted,
		model.EventStepFailed:    e.HandleStepFailed,
	}
	for _, pattern := range []string{model.EventStepCompleted, model.EventStepFailed} {
		id, err := sub.Subscribe(pattern, handlers[pattern])
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", pattern, err)
		}
		e.subMu.Lock()
		e.subs[id] = pattern
		e.subMu.Unlock()
	}
	return nil
}

// Unregister removes the subscriptions made by Register.
func (e *Engine) Unregister(sub eventbus.Subscriber) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for id, pattern := range e.subs {
		sub.Unsubscribe(pattern, id)
		delete(e.subs, id)
	}
}

// StartWorkflow creates a RUNNING instance at step 0, publishes
// workflow.started and issues the first step command. An empty workflowID is
// replaced with a generated one. An unknown workflowType starts a workflow
// with no steps, which completes on its first completion signal. Starting
// the ID of a finished workflow begins a fresh run with an empty history.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID, workflowType, tenantID string, data map[string]any) (_ string, err error) {
	if workflowID == "" {
		workflowID = uuid.NewString()
	}
	ctx, span := e.startSpan(ctx, "workflow.start", workflowID,
		observability.AttrWorkflowType.String(workflowType),
		observability.AttrTenantID.String(tenantID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	steps := e.steps.Steps(workflowType)
	now := e.now()
	ent := &entry{
		steps: steps,
		inst: model.WorkflowInstance{
			WorkflowID:   workflowID,
			WorkflowType: workflowType,
			TenantID:     tenantID,
			Data:         copyMap(data),
			Status:       model.StatusRunning,
			CurrentStep:  0,
			StepsCount:   len(steps),
			StartedAt:    now,
			UpdatedAt:    now,
		},
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	e.mu.Lock()
	if _, live := e.active[workflowID]; live {
		e.mu.Unlock()
		return "", model.NewConflictError(fmt.Sprintf("workflow %q is already running", workflowID))
	}
	if _, live := e.suspended[workflowID]; live {
		e.mu.Unlock()
		return "", model.NewConflictError(fmt.Sprintf("workflow %q is suspended", workflowID))
	}
	e.active[workflowID] = ent
	running, suspended := len(e.active), len(e.suspended)
	e.mu.Unlock()

	e.completed.Delete(workflowID)
	e.failed.Delete(workflowID)
	if err := e.store.ClearEvents(ctx, workflowID); err != nil {
		e.metrics.RecordStoreError("clear_events")
		e.logger.Error("workflow store clear failed",
			zap.String("workflow_id", workflowID),
			zap.Error(err),
		)
	}

	e.metrics.RecordWorkflowStart(workflowType)
	e.metrics.SetLiveWorkflows(running, suspended)
	if len(steps) == 0 {
		e.logger.Warn("starting workflow with no steps",
			zap.String("workflow_id", workflowID),
			zap.String("workflow_type", workflowType),
		)
	}

	e.persist(ctx, ent.inst)
	e.emit(ctx, ent.inst, model.EventWorkflowStarted, map[string]any{
		"workflow_id":   workflowID,
		"workflow_type": workflowType,
		"tenant_id":     tenantID,
		"steps_count":   len(steps),
	})
	if len(steps) > 0 {
		e.issueCommand(ctx, ent)
	}

	e.logger.Info("workflow started", instanceFields(ent.inst)...)
	return workflowID, nil
}

// SuspendWorkflow pauses a RUNNING workflow. The step in flight is not
// cancelled; its outcome is ignored while the workflow is suspended. An empty
// reason records DefaultSuspendReason.
func (e *Engine) SuspendWorkflow(ctx context.Context, workflowID, reason string) (err error) {
	ctx, span := e.startSpan(ctx, "workflow.suspend", workflowID)
	defer func() { observability.EndSpanWithError(span, err) }()

	if reason == "" {
		reason = model.DefaultSuspendReason
	}

	ent := e.acquire(workflowID)
	if ent == nil {
		if inst, ok := e.finished(ctx, workflowID); ok {
			return model.NewInvalidStateTransitionError(workflowID, inst.Status, model.StatusSuspended)
		}
		return model.NewWorkflowNotFoundError(workflowID)
	}
	defer ent.mu.Unlock()

	if ent.inst.Status != model.StatusRunning {
		return model.NewInvalidStateTransitionError(workflowID, ent.inst.Status, model.StatusSuspended)
	}

	now := e.now()
	ent.inst.Status = model.StatusSuspended
	ent.inst.SuspendedAt = &now
	ent.inst.SuspendReason = reason
	ent.inst.UpdatedAt = now
	e.relocate(ent)

	e.persist(ctx, ent.inst)
	e.emit(ctx, ent.inst, model.EventWorkflowSuspended, map[string]any{
		"workflow_id":  workflowID,
		"reason":       reason,
		"current_step": ent.inst.CurrentStep,
		"suspended_at": formatTimestamp(now),
	})

	e.logger.Info("workflow suspended", append(instanceFields(ent.inst), zap.String("reason", reason))...)
	return nil
}

// ResumeWorkflow continues a SUSPENDED workflow at the step it paused on and
// re-issues that step's command.
func (e *Engine) ResumeWorkflow(ctx context.Context, workflowID string) (err error) {
	ctx, span := e.startSpan(ctx, "workflow.resume", workflowID)
	defer func() { observability.EndSpanWithError(span, err) }()

	ent := e.acquire(workflowID)
	if ent == nil {
		return model.NewWorkflowNotFoundError(workflowID)
	}
	defer ent.mu.Unlock()

	if ent.inst.Status != model.StatusSuspended {
		return model.NewWorkflowNotFoundError(workflowID)
	}

	now := e.now()
	var paused time.Duration
	if ent.inst.SuspendedAt != nil {
		paused = now.Sub(*ent.inst.SuspendedAt)
	}
	ent.inst.Status = model.StatusRunning
	ent.inst.ResumedAt = &now
	ent.inst.UpdatedAt = now
	e.relocate(ent)

	e.persist(ctx, ent.inst)
	e.emit(ctx, ent.inst, model.EventWorkflowResumed, map[string]any{
		"workflow_id":              workflowID,
		"resumed_at":               formatTimestamp(now),
		"current_step":             ent.inst.CurrentStep,
		"suspend_duration_seconds": paused.Seconds(),
	})
	if ent.inst.CurrentStep < len(ent.steps) {
		e.issueCommand(ctx, ent)
	}

	e.logger.Info("workflow resumed", append(instanceFields(ent.inst), zap.Duration("suspended_for", paused))...)
	return nil
}

// HandleStepCompleted advances a RUNNING workflow by one step, completing it
// after the last one. Signals for unknown, suspended or terminal workflows
// are dropped without error.
func (e *Engine) HandleStepCompleted(ctx context.Context, event model.Event) (err error) {
	workflowID := event.String("workflow_id")
	ctx, span := e.startSpan(ctx, "workflow.step_completed", workflowID)
	defer func() { observability.EndSpanWithError(span, err) }()

	ent := e.acquire(workflowID)
	if ent == nil {
		e.ignore(model.EventStepCompleted, event, "unknown workflow")
		return nil
	}
	defer ent.mu.Unlock()

	if ent.inst.Status != model.StatusRunning {
		e.ignore(model.EventStepCompleted, event, "workflow "+string(ent.inst.Status))
		return nil
	}

	e.metrics.RecordStepSignal(model.EventStepCompleted, SignalApplied)
	now := e.now()
	finished := ent.inst.CurrentStep
	ent.inst.CurrentStep++
	ent.inst.UpdatedAt = now

	e.audit(ctx, ent.inst, model.EventStepCompleted, finished, map[string]any{
		"step_name": event.String("step_name"),
		"result":    event.Data["result"],
	})

	if ent.inst.CurrentStep < len(ent.steps) {
		e.persist(ctx, ent.inst)
		e.issueCommand(ctx, ent)
		e.logger.Debug("workflow advanced", instanceFields(ent.inst)...)
		return nil
	}

	ent.inst.Status = model.StatusCompleted
	ent.inst.CompletedAt = &now
	e.relocate(ent)

	duration := now.Sub(ent.inst.StartedAt)
	e.metrics.RecordWorkflowDuration(ent.inst.WorkflowType, model.StatusCompleted, duration)
	e.persist(ctx, ent.inst)
	e.emit(ctx, ent.inst, model.EventWorkflowCompleted, map[string]any{
		"workflow_id":      workflowID,
		"completed_at":     formatTimestamp(now),
		"duration_seconds": duration.Seconds(),
		"steps_executed":   len(ent.steps),
	})

	e.logger.Info("workflow completed", append(instanceFields(ent.inst), zap.Duration("duration", duration))...)
	return nil
}

// HandleStepFailed fails a RUNNING or SUSPENDED workflow. Signals for unknown
// or terminal workflows are dropped without error.
func (e *Engine) HandleStepFailed(ctx context.Context, event model.Event) (err error) {
	workflowID := event.String("workflow_id")
	ctx, span := e.startSpan(ctx, "workflow.step_failed", workflowID)
	defer func() { observability.EndSpanWithError(span, err) }()

	ent := e.acquire(workflowID)
	if ent == nil {
		e.ignore(model.EventStepFailed, event, "unknown workflow")
		return nil
	}
	defer ent.mu.Unlock()

	if ent.inst.Status.Terminal() {
		e.ignore(model.EventStepFailed, event, "workflow "+string(ent.inst.Status))
		return nil
	}

	e.metrics.RecordStepSignal(model.EventStepFailed, SignalApplied)
	now := e.now()
	reason := stepError(event)
	ent.inst.Status = model.StatusFailed
	ent.inst.Error = reason
	ent.inst.FailedAt = &now
	ent.inst.UpdatedAt = now

	e.audit(ctx, ent.inst, model.EventStepFailed, ent.inst.CurrentStep, map[string]any{
		"step_name": event.String("step_name"),
		"error":     reason,
	})
	e.relocate(ent)

	e.metrics.RecordWorkflowDuration(ent.inst.WorkflowType, model.StatusFailed, now.Sub(ent.inst.StartedAt))
	e.persist(ctx, ent.inst)
	e.emit(ctx, ent.inst, model.EventWorkflowFailed, map[string]any{
		"workflow_id": workflowID,
		"failed_step": ent.inst.CurrentStep,
		"error":       reason,
		"failed_at":   formatTimestamp(now),
	})

	e.logger.Warn("workflow failed", append(instanceFields(ent.inst), zap.String("error", reason))...)
	return nil
}

// GetWorkflowStatus returns a snapshot of an instance. It looks in the active
// set, then the suspended set, then the retained terminal instances, and
// finally asks the store for a terminal record.
func (e *Engine) GetWorkflowStatus(ctx context.Context, workflowID string) (model.WorkflowInstance, bool) {
	e.mu.RLock()
	ent, ok := e.active[workflowID]
	if !ok {
		ent, ok = e.suspended[workflowID]
	}
	e.mu.RUnlock()

	if ok {
		ent.mu.Lock()
		inst := ent.inst.Clone()
		ent.mu.Unlock()
		return inst, true
	}
	return e.finished(ctx, workflowID)
}

// ListWorkflows returns snapshots of live and retained instances matching
// filter, oldest first.
func (e *Engine) ListWorkflows(filter model.WorkflowFilters) []model.WorkflowInstance {
	e.mu.RLock()
	live := make([]*entry, 0, len(e.active)+len(e.suspended))
	for _, ent := range e.active {
		live = append(live, ent)
	}
	for _, ent := range e.suspended {
		live = append(live, ent)
	}
	e.mu.RUnlock()

	seen := make(map[string]bool, len(live))
	var out []model.WorkflowInstance
	for _, ent := range live {
		ent.mu.Lock()
		inst := ent.inst.Clone()
		ent.mu.Unlock()
		seen[inst.WorkflowID] = true
		if filter.Matches(inst) {
			out = append(out, inst)
		}
	}

	for _, cache := range []*ttlcache.Cache[string, model.WorkflowInstance]{e.completed, e.failed} {
		for id, item := range cache.Items() {
			if seen[id] || item.IsExpired() {
				continue
			}
			seen[id] = true
			if inst := item.Value(); filter.Matches(inst) {
				out = append(out, inst.Clone())
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].WorkflowID < out[j].WorkflowID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// History returns the audit trail recorded for a workflow.
func (e *Engine) History(ctx context.Context, workflowID string) ([]model.WorkflowEvent, error) {
	events, err := e.store.Events(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", workflowID, err)
	}
	if len(events) == 0 {
		if _, ok := e.GetWorkflowStatus(ctx, workflowID); !ok {
			return nil, model.NewWorkflowNotFoundError(workflowID)
		}
	}
	return events, nil
}

// Counts reports the number of instances per status currently held in memory.
func (e *Engine) Counts() map[model.WorkflowStatus]int {
	e.mu.RLock()
	counts := map[model.WorkflowStatus]int{
		model.StatusRunning:   len(e.active),
		model.StatusSuspended: len(e.suspended),
	}
	e.mu.RUnlock()

	e.completed.DeleteExpired()
	e.failed.DeleteExpired()
	counts[model.StatusCompleted] = e.completed.Len()
	counts[model.StatusFailed] = e.failed.Len()
	return counts
}

// --- internals ---

// acquire returns the live entry for workflowID with its mutex held, or nil.
// The entry is re-checked after locking so a caller never mutates an
// instance that moved to a terminal cache while it waited.
func (e *Engine) acquire(workflowID string) *entry {
	if workflowID == "" {
		return nil
	}
	for {
		e.mu.RLock()
		ent, ok := e.active[workflowID]
		if !ok {
			ent, ok = e.suspended[workflowID]
		}
		e.mu.RUnlock()
		if !ok {
			return nil
		}

		ent.mu.Lock()
		e.mu.RLock()
		current := e.active[workflowID] == ent || e.suspended[workflowID] == ent
		e.mu.RUnlock()
		if current {
			return ent
		}
		ent.mu.Unlock()
	}
}

// relocate files ent under the collection matching its status. Terminal
// instances are added to their retention cache before they leave the live
// maps. Caller holds ent.mu.
func (e *Engine) relocate(ent *entry) {
	inst := ent.inst
	id := inst.WorkflowID

	switch inst.Status {
	case model.StatusCompleted:
		e.completed.DeleteExpired()
		e.completed.Set(id, inst.Clone(), ttlcache.DefaultTTL)
	case model.StatusFailed:
		e.failed.DeleteExpired()
		e.failed.Set(id, inst.Clone(), ttlcache.DefaultTTL)
	}

	e.mu.Lock()
	delete(e.active, id)
	delete(e.suspended, id)
	switch inst.Status {
	case model.StatusRunning:
		e.active[id] = ent
	case model.StatusSuspended:
		e.suspended[id] = ent
	}
	running, suspended := len(e.active), len(e.suspended)
	e.mu.Unlock()

	e.metrics.RecordWorkflowTransition(inst.WorkflowType, inst.Status)
	e.metrics.SetLiveWorkflows(running, suspended)
}

// finished looks a workflow up among the retained terminal instances, then
// in the store. Only COMPLETED or FAILED records are returned.
func (e *Engine) finished(ctx context.Context, workflowID string) (model.WorkflowInstance, bool) {
	if inst, ok := e.retained(workflowID); ok {
		return inst, true
	}
	inst, err := e.store.Load(ctx, workflowID)
	if err != nil || !inst.Status.Terminal() {
		return model.WorkflowInstance{}, false
	}
	return inst, true
}

func (e *Engine) retained(workflowID string) (model.WorkflowInstance, bool) {
	if item := e.completed.Get(workflowID, ttlcache.WithDisableTouchOnHit[string, model.WorkflowInstance]()); item != nil {
		return item.Value().Clone(), true
	}
	if item := e.failed.Get(workflowID, ttlcache.WithDisableTouchOnHit[string, model.WorkflowInstance]()); item != nil {
		return item.Value().Clone(), true
	}
	return model.WorkflowInstance{}, false
}

// issueCommand publishes the command for the instance's current step.
// Caller holds ent.mu.
func (e *Engine) issueCommand(ctx context.Context, ent *entry) {
	inst := ent.inst
	step := ent.steps[inst.CurrentStep]
	e.publish(ctx, inst, model.CommandType(step.Type), map[string]any{
		"workflow_id":   inst.WorkflowID,
		"step_index":    inst.CurrentStep,
		"step_name":     step.Name,
		"step_config":   copyMap(step.Config),
		"workflow_data": copyMap(inst.Data),
	})
}

// emit publishes a lifecycle event and records it in the audit trail.
func (e *Engine) emit(ctx context.Context, inst model.WorkflowInstance, eventType string, data map[string]any) {
	e.publish(ctx, inst, eventType, data)
	e.audit(ctx, inst, eventType, inst.CurrentStep, data)
}

func (e *Engine) publish(ctx context.Context, inst model.WorkflowInstance, eventType string, data map[string]any) {
	_, err := e.bus.Publish(ctx, eventType, data,
		eventbus.WithSource(engineSource),
		eventbus.WithTenant(inst.TenantID),
		eventbus.WithCorrelationID(inst.WorkflowID),
	)
	if err != nil {
		e.logger.Error("publish failed",
			zap.String("workflow_id", inst.WorkflowID),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}

func (e *Engine) audit(ctx context.Context, inst model.WorkflowInstance, eventType string, stepIndex int, data map[string]any) {
	err := e.store.AppendEvent(ctx, model.WorkflowEvent{
		ID:         uuid.NewString(),
		WorkflowID: inst.WorkflowID,
		TenantID:   inst.TenantID,
		Event:      eventType,
		Status:     inst.Status,
		StepIndex:  stepIndex,
		Data:       copyMap(data),
		Timestamp:  inst.UpdatedAt,
	})
	if err != nil {
		e.metrics.RecordStoreError("append_event")
		e.logger.Error("workflow store append failed",
			zap.String("workflow_id", inst.WorkflowID),
			zap.String("event", eventType),
			zap.Error(err),
		)
	}
}

func (e *Engine) persist(ctx context.Context, inst model.WorkflowInstance) {
	if err := e.store.Save(ctx, inst.Clone()); err != nil {
		e.metrics.RecordStoreError("save")
		e.logger.Error("workflow store save failed",
			zap.String("workflow_id", inst.WorkflowID),
			zap.String("status", string(inst.Status)),
			zap.Error(err),
		)
	}
}

func (e *Engine) ignore(signal string, event model.Event, why string) {
	e.metrics.RecordStepSignal(signal, SignalIgnored)
	e.logger.Debug("step signal ignored",
		zap.String("signal", signal),
		zap.String("event_id", event.ID),
		zap.String("workflow_id", event.String("workflow_id")),
		zap.String("reason", why),
	)
}

func (e *Engine) startSpan(ctx context.Context, name, workflowID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, observability.AttrWorkflowID.String(workflowID))
	return e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}

func instanceFields(inst model.WorkflowInstance) []zap.Field {
	return []zap.Field{
		zap.String("workflow_id", inst.WorkflowID),
		zap.String("workflow_type", inst.WorkflowType),
		zap.String("tenant_id", inst.TenantID),
		zap.String("status", string(inst.Status)),
		zap.Int("current_step", inst.CurrentStep),
	}
}

// stepError extracts the failure description from an event.step.failed
// payload.
func stepError(event model.Event) string {
	switch v := event.Data["error"].(type) {
	case string:
		if v != "" {
			return v
		}
	case nil:
	default:
		return fmt.Sprint(v)
	}
	return "step failed"
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
