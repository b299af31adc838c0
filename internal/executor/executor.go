// Package executor is a reference step executor. It consumes
// command.step.<type> events, runs the StepFunc registered for the step type
// with exponential backoff, and reports the outcome back on the bus as
// event.step.completed or event.step.failed.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/sagaflow/internal/eventbus"
	"github.com/pitabwire/sagaflow/internal/observability"
	"github.com/pitabwire/sagaflow/model"
)

const (
	tracerName     = "github.com/pitabwire/sagaflow/internal/executor"
	executorSource = "step_executor"
)

// ErrClosed is returned for commands handled after Close.
var ErrClosed = errors.New("executor: closed")

// Step outcomes reported to the Recorder.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Command is a decoded command.step.<type> event.
type Command struct {
	EventID      string
	WorkflowID   string
	TenantID     string
	StepType     string
	StepIndex    int
	StepName     string
	Config       map[string]any
	WorkflowData map[string]any
}

// StepFunc performs one step. Returning an error wrapped with
// backoff.Permanent stops retrying immediately.
type StepFunc func(ctx context.Context, cmd Command) (map[string]any, error)

// RetryPolicy controls how a failing StepFunc is retried.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration
	MaxRetries      uint64
}

// DefaultRetryPolicy retries a step up to three times over at most 30s.
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	Multiplier:      2,
	MaxElapsedTime:  30 * time.Second,
	MaxRetries:      3,
}

// Recorder receives executor activity for metrics.
type Recorder interface {
	RecordStepExecution(stepType, outcome string, attempts int, d time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) RecordStepExecution(string, string, int, time.Duration) {}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(l *zap.Logger) Option {
	return func(x *Executor) {
		if l != nil {
			x.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r Recorder) Option {
	return func(x *Executor) {
		if r != nil {
			x.metrics = r
		}
	}
}

// WithTracer overrides the tracer used for step spans.
func WithTracer(t trace.Tracer) Option {
	return func(x *Executor) {
		if t != nil {
			x.tracer = t
		}
	}
}

// WithClock sets the clock used to measure elapsed retry time.
func WithClock(c clock.Clock) Option {
	return func(x *Executor) {
		if c != nil {
			x.clock = c
		}
	}
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(x *Executor) { x.policy = p }
}

// WithMaxConcurrency bounds the number of steps running at once. Zero or
// less means unbounded.
func WithMaxConcurrency(n int) Option {
	return func(x *Executor) {
		if n > 0 {
			x.sem = make(chan struct{}, n)
		}
	}
}

// Executor runs step commands off the bus. Steps run on their own
// goroutines so a slow or retrying step never holds up the dispatch loop.
type Executor struct {
	bus     eventbus.Publisher
	logger  *zap.Logger
	metrics Recorder
	tracer  trace.Tracer
	clock   clock.Clock
	policy  RetryPolicy
	sem     chan struct{}

	mu    sync.RWMutex
	steps map[string]StepFunc
	subID string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an executor that publishes outcomes on bus.
func New(bus eventbus.Publisher, opts ...Option) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	x := &Executor{
		bus:     bus,
		logger:  zap.NewNop(),
		metrics: noopRecorder{},
		tracer:  otel.Tracer(tracerName),
		clock:   clock.New(),
		policy:  DefaultRetryPolicy,
		steps:   make(map[string]StepFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Handle registers fn for stepType, replacing any previous registration.
func (x *Executor) Handle(stepType string, fn StepFunc) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.steps[stepType] = fn
}

// StepTypes returns the registered step types, sorted.
func (x *Executor) StepTypes() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	types := make([]string, 0, len(x.steps))
	for t := range x.steps {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Register subscribes the executor to every step command.
func (x *Executor) Register(sub eventbus.Subscriber) error {
	id, err := sub.Subscribe(model.PatternStepCommands, eventbus.HandlerFunc(x.HandleCommand))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", model.PatternStepCommands, err)
	}
	x.mu.Lock()
	x.subID = id
	x.mu.Unlock()
	return nil
}

// Unregister removes the subscription made by Register.
func (x *Executor) Unregister(sub eventbus.Subscriber) {
	x.mu.Lock()
	id := x.subID
	x.subID = ""
	x.mu.Unlock()
	if id != "" {
		sub.Unsubscribe(model.PatternStepCommands, id)
	}
}

// HandleCommand starts the step named by a command event. Step types with
// no registered StepFunc are left for other executors.
func (x *Executor) HandleCommand(ctx context.Context, event model.Event) error {
	cmd, err := DecodeCommand(event)
	if err != nil {
		return err
	}

	// The closed check and wg.Add share x.mu with Close, so no step is
	// added once Close has started waiting.
	x.mu.RLock()
	fn, ok := x.steps[cmd.StepType]
	closed := x.ctx.Err() != nil
	if ok && !closed {
		x.wg.Add(1)
	}
	x.mu.RUnlock()
	if !ok {
		x.logger.Debug("no step func registered",
			zap.String("step_type", cmd.StepType),
			zap.String("workflow_id", cmd.WorkflowID),
		)
		return nil
	}
	if closed {
		return ErrClosed
	}

	// Keep the dispatch span as parent while detaching from the handler's
	// lifetime.
	runCtx := trace.ContextWithSpan(x.ctx, trace.SpanFromContext(ctx))

	go func() {
		defer x.wg.Done()
		x.run(runCtx, cmd, fn)
	}()
	return nil
}

// Wait blocks until every started step has reported its outcome, or ctx is
// done.
func (x *Executor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		x.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels running steps and waits for them to return. Commands
// handled after Close get ErrClosed.
func (x *Executor) Close(ctx context.Context) error {
	x.mu.Lock()
	x.cancel()
	x.mu.Unlock()
	return x.Wait(ctx)
}

func (x *Executor) run(ctx context.Context, cmd Command, fn StepFunc) {
	if x.sem != nil {
		select {
		case x.sem <- struct{}{}:
			defer func() { <-x.sem }()
		case <-ctx.Done():
			x.metrics.RecordStepExecution(cmd.StepType, OutcomeCancelled, 0, 0)
			return
		}
	}

	ctx, span := x.tracer.Start(ctx, "executor.step", trace.WithAttributes(
		observability.AttrWorkflowID.String(cmd.WorkflowID),
		observability.AttrTenantID.String(cmd.TenantID),
		observability.AttrStepType.String(cmd.StepType),
		attribute.Int("sagaflow.step_index", cmd.StepIndex),
	))

	start := x.clock.Now()
	attempts := 0
	var result map[string]any
	op := func() error {
		attempts++
		var err error
		result, err = invoke(ctx, fn, cmd)
		return err
	}
	notify := func(err error, wait time.Duration) {
		x.logger.Warn("step attempt failed, retrying",
			zap.String("workflow_id", cmd.WorkflowID),
			zap.String("step_type", cmd.StepType),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(op, x.backOff(ctx), notify)
	elapsed := x.clock.Since(start)
	span.SetAttributes(attribute.Int("sagaflow.attempts", attempts))
	observability.EndSpanWithError(span, err)

	if ctx.Err() != nil {
		x.metrics.RecordStepExecution(cmd.StepType, OutcomeCancelled, attempts, elapsed)
		x.logger.Info("step cancelled",
			zap.String("workflow_id", cmd.WorkflowID),
			zap.String("step_type", cmd.StepType),
		)
		return
	}

	if err != nil {
		x.metrics.RecordStepExecution(cmd.StepType, OutcomeFailed, attempts, elapsed)
		x.logger.Error("step failed",
			zap.String("workflow_id", cmd.WorkflowID),
			zap.String("step_type", cmd.StepType),
			zap.Int("step_index", cmd.StepIndex),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		x.publish(ctx, cmd, model.EventStepFailed, map[string]any{
			"workflow_id": cmd.WorkflowID,
			"step_index":  cmd.StepIndex,
			"step_name":   cmd.StepName,
			"error":       err.Error(),
		})
		return
	}

	x.metrics.RecordStepExecution(cmd.StepType, OutcomeCompleted, attempts, elapsed)
	x.logger.Debug("step completed",
		zap.String("workflow_id", cmd.WorkflowID),
		zap.String("step_type", cmd.StepType),
		zap.Int("step_index", cmd.StepIndex),
		zap.Int("attempts", attempts),
	)
	x.publish(ctx, cmd, model.EventStepCompleted, map[string]any{
		"workflow_id": cmd.WorkflowID,
		"step_index":  cmd.StepIndex,
		"step_name":   cmd.StepName,
		"result":      result,
	})
}

func (x *Executor) backOff(ctx context.Context) backoff.BackOffContext {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     x.policy.InitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          x.policy.Multiplier,
		MaxInterval:         x.policy.MaxInterval,
		MaxElapsedTime:      x.policy.MaxElapsedTime,
		Stop:                backoff.Stop,
		Clock:               x.clock,
	}
	b.Reset()

	var bo backoff.BackOff = b
	if x.policy.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(bo, x.policy.MaxRetries)
	}
	return backoff.WithContext(bo, ctx)
}

func (x *Executor) publish(ctx context.Context, cmd Command, eventType string, data map[string]any) {
	_, err := x.bus.Publish(ctx, eventType, data,
		eventbus.WithSource(executorSource),
		eventbus.WithTenant(cmd.TenantID),
		eventbus.WithCorrelationID(cmd.WorkflowID),
	)
	if err != nil {
		x.logger.Error("publish step outcome failed",
			zap.String("workflow_id", cmd.WorkflowID),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}

// invoke runs fn, turning a panic into a permanent error.
func invoke(ctx context.Context, fn StepFunc, cmd Command) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = backoff.Permanent(fmt.Errorf("step panicked: %v", r))
		}
	}()
	return fn(ctx, cmd)
}

// DecodeCommand reads a command.step.<type> event.
func DecodeCommand(event model.Event) (Command, error) {
	if !strings.HasPrefix(event.Type, model.CommandStepPrefix) {
		return Command{}, fmt.Errorf("executor: %q is not a step command", event.Type)
	}
	cmd := Command{
		EventID:    event.ID,
		WorkflowID: event.String("workflow_id"),
		TenantID:   event.TenantID,
		StepType:   strings.TrimPrefix(event.Type, model.CommandStepPrefix),
		StepName:   event.String("step_name"),
	}
	if cmd.WorkflowID == "" {
		return Command{}, errors.New("executor: command has no workflow_id")
	}
	cmd.StepIndex, _ = event.Int("step_index")
	cmd.Config, _ = event.Data["step_config"].(map[string]any)
	cmd.WorkflowData, _ = event.Data["workflow_data"].(map[string]any)
	return cmd, nil
}

// Passthrough completes immediately, echoing the step name and config.
func Passthrough(_ context.Context, cmd Command) (map[string]any, error) {
	return map[string]any{
		"step":   cmd.StepName,
		"config": cmd.Config,
	}, nil
}
