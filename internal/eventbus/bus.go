// Package eventbus provides an in-process publish/subscribe dispatcher with
// dot-delimited pattern routing and a single ordered dispatch loop per bus.
//
// Events are dequeued strictly in publish order. For each event every
// matching handler runs concurrently, and the loop waits for the whole batch
// before it moves on, so in-flight work is bounded to one event's fan-out.
// Handler failures are logged and isolated; the publisher never sees them.
package eventbus

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/sagaflow/model"
)

const tracerName = "github.com/pitabwire/sagaflow/internal/eventbus"

// Observer receives bus activity for metrics. Implementations must be safe
// for concurrent use.
type Observer interface {
	EventPublished(eventType string)
	EventDispatched(eventType string, handlers int, duration time.Duration)
	HandlerFailed(eventType string)
	QueueDepth(depth int)
}

type noopObserver struct{}

func (noopObserver) EventPublished(string)                      {}
func (noopObserver) EventDispatched(string, int, time.Duration) {}
func (noopObserver) HandlerFailed(string)                       {}
func (noopObserver) QueueDepth(int)                             {}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for handler failures and dispatch tracing.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithObserver registers a metrics observer.
func WithObserver(o Observer) Option {
	return func(b *Bus) {
		if o != nil {
			b.observer = o
		}
	}
}

// WithTracer overrides the tracer used for dispatch spans.
func WithTracer(t trace.Tracer) Option {
	return func(b *Bus) {
		if t != nil {
			b.tracer = t
		}
	}
}

type subscription struct {
	id      string
	pattern Pattern
	handler Handler
}

// registry indexes subscriptions: exact patterns by type, wildcard patterns
// in subscribe order.
type registry struct {
	exact    map[string][]*subscription
	wildcard []*subscription
}

func newRegistry() registry {
	return registry{exact: make(map[string][]*subscription)}
}

func (r *registry) add(s *subscription) {
	if s.pattern.Kind() == PatternExact {
		r.exact[s.pattern.String()] = append(r.exact[s.pattern.String()], s)
		return
	}
	r.wildcard = append(r.wildcard, s)
}

func (r *registry) remove(pattern, id string) bool {
	match := func(s *subscription) bool {
		return s.id == id && s.pattern.String() == pattern
	}
	if subs, ok := r.exact[pattern]; ok {
		n := len(subs)
		subs = slices.DeleteFunc(subs, match)
		if len(subs) == 0 {
			delete(r.exact, pattern)
		} else {
			r.exact[pattern] = subs
		}
		if len(subs) != n {
			return true
		}
	}
	n := len(r.wildcard)
	r.wildcard = slices.DeleteFunc(r.wildcard, match)
	return len(r.wildcard) != n
}

func (r *registry) collect(eventType string, out []*subscription) []*subscription {
	out = append(out, r.exact[eventType]...)
	for _, s := range r.wildcard {
		if s.pattern.Matches(eventType) {
			out = append(out, s)
		}
	}
	return out
}

func (r *registry) count(counts map[string]int) int {
	total := 0
	for pattern, subs := range r.exact {
		counts[pattern] += len(subs)
		total += len(subs)
	}
	for _, s := range r.wildcard {
		counts[s.pattern.String()]++
		total++
	}
	return total
}

// queued pairs an event with the publisher's span so dispatch can link back.
type queued struct {
	event model.Event
	link  trace.SpanContext
}

// Bus is an in-process event dispatcher. Construct one with New at process
// start and pass it to every component that publishes or subscribes.
type Bus struct {
	logger   *zap.Logger
	observer Observer
	tracer   trace.Tracer

	subMu     sync.RWMutex
	asyncSubs registry
	syncSubs  registry

	mu      sync.Mutex
	queue   []queued
	running bool
	idle    chan struct{}

	published  atomic.Uint64
	dispatched atomic.Uint64
	failures   atomic.Uint64
}

// New creates an idle bus. The dispatch loop starts on the first Publish.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:    zap.NewNop(),
		observer:  noopObserver{},
		tracer:    otel.Tracer(tracerName),
		asyncSubs: newRegistry(),
		syncSubs:  newRegistry(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish enqueues an event and returns its ID without waiting for
// delivery. The only error is an empty event type. Data is copied; handlers
// must treat the delivered map as read-only.
func (b *Bus) Publish(ctx context.Context, eventType string, data map[string]any, opts ...PublishOption) (string, error) {
	if strings.TrimSpace(eventType) == "" {
		return "", fmt.Errorf("eventbus: event type is required")
	}

	payload := make(map[string]any, len(data))
	for k, v := range data {
		payload[k] = v
	}

	e := model.Event{
		ID:        ulid.Make().String(),
		Type:      eventType,
		Data:      payload,
		Priority:  model.PriorityDefault,
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&e)
	}

	b.mu.Lock()
	e.PublishedAt = time.Now().UTC()
	b.queue = append(b.queue, queued{event: e, link: trace.SpanContextFromContext(ctx)})
	b.observer.QueueDepth(len(b.queue))
	if !b.running {
		b.running = true
		b.idle = make(chan struct{})
		go b.loop()
	}
	b.mu.Unlock()

	b.published.Add(1)
	b.observer.EventPublished(eventType)
	return e.ID, nil
}

// Subscribe registers handler for every event whose type matches pattern
// and returns the subscription ID. Duplicate subscriptions are allowed and
// fire independently.
func (b *Bus) Subscribe(pattern string, handler Handler, opts ...SubscribeOption) (string, error) {
	p, err := ParsePattern(pattern)
	if err != nil {
		return "", err
	}
	if handler == nil {
		return "", fmt.Errorf("eventbus: handler is required")
	}

	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	s := &subscription{id: uuid.NewString(), pattern: p, handler: handler}

	b.subMu.Lock()
	if o.sync {
		b.syncSubs.add(s)
	} else {
		b.asyncSubs.add(s)
	}
	b.subMu.Unlock()

	b.logger.Debug("subscribed",
		zap.String("pattern", pattern),
		zap.Stringer("kind", p.Kind()),
		zap.String("subscription_id", s.id),
	)
	return s.id, nil
}

// Unsubscribe removes a registration and reports whether one was found.
// Deliveries already dequeued still run.
func (b *Bus) Unsubscribe(pattern, subscriptionID string) bool {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	if b.asyncSubs.remove(pattern, subscriptionID) {
		return true
	}
	return b.syncSubs.remove(pattern, subscriptionID)
}

// Stats is a point-in-time view of the bus.
type Stats struct {
	RegisteredPatterns []string       `json:"registered_patterns"`
	Subscriptions      map[string]int `json:"subscriptions"`
	AsyncSubscriptions int            `json:"async_subscriptions"`
	SyncSubscriptions  int            `json:"sync_subscriptions"`
	QueueDepth         int            `json:"queue_depth"`
	Running            bool           `json:"running"`
	Published          uint64         `json:"published"`
	Dispatched         uint64         `json:"dispatched"`
	HandlerFailures    uint64         `json:"handler_failures"`
}

// Stats returns registration counts, queue depth and loop state.
func (b *Bus) Stats() Stats {
	s := Stats{Subscriptions: make(map[string]int)}

	b.subMu.RLock()
	s.AsyncSubscriptions = b.asyncSubs.count(s.Subscriptions)
	s.SyncSubscriptions = b.syncSubs.count(s.Subscriptions)
	b.subMu.RUnlock()

	s.RegisteredPatterns = make([]string, 0, len(s.Subscriptions))
	for p := range s.Subscriptions {
		s.RegisteredPatterns = append(s.RegisteredPatterns, p)
	}
	sort.Strings(s.RegisteredPatterns)

	b.mu.Lock()
	s.QueueDepth = len(b.queue)
	s.Running = b.running
	b.mu.Unlock()

	s.Published = b.published.Load()
	s.Dispatched = b.dispatched.Load()
	s.HandlerFailures = b.failures.Load()
	return s
}

// Flush blocks until the queue is drained and the dispatch loop is idle, or
// ctx is done. Calling it from inside a handler deadlocks until ctx expires.
func (b *Bus) Flush(ctx context.Context) error {
	for {
		b.mu.Lock()
		if !b.running {
			b.mu.Unlock()
			return nil
		}
		idle := b.idle
		b.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// loop drains the queue in FIFO order and exits when it is empty.
func (b *Bus) loop() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.running = false
			close(b.idle)
			b.mu.Unlock()
			return
		}
		next := b.queue[0]
		b.queue[0] = queued{}
		b.queue = b.queue[1:]
		b.observer.QueueDepth(len(b.queue))
		b.mu.Unlock()

		b.dispatch(next)
	}
}

func (b *Bus) matching(eventType string) []*subscription {
	b.subMu.RLock()
	defer b.subMu.RUnlock()

	var out []*subscription
	out = b.asyncSubs.collect(eventType, out)
	out = b.syncSubs.collect(eventType, out)
	return out
}

// dispatch fans one event out to all matching handlers and waits for them.
func (b *Bus) dispatch(q queued) {
	e := q.event
	subs := b.matching(e.Type)

	opts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("event.id", e.ID),
			attribute.String("event.type", e.Type),
			attribute.String("event.tenant_id", e.TenantID),
			attribute.Int("event.handlers", len(subs)),
		),
	}
	if q.link.IsValid() {
		opts = append(opts, trace.WithLinks(trace.Link{SpanContext: q.link}))
	}
	ctx, span := b.tracer.Start(context.Background(), "eventbus.dispatch", opts...)
	defer span.End()

	start := time.Now()
	if len(subs) == 0 {
		b.logger.Debug("no subscribers for event",
			zap.String("event_id", e.ID),
			zap.String("event_type", e.Type),
		)
	}

	var failed atomic.Int32
	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *subscription) {
			defer wg.Done()
			if err := b.invoke(ctx, s, e); err != nil {
				failed.Add(1)
				b.failures.Add(1)
				b.observer.HandlerFailed(e.Type)
				span.RecordError(err)
				b.logger.Error("event handler failed",
					zap.String("event_id", e.ID),
					zap.String("event_type", e.Type),
					zap.String("tenant_id", e.TenantID),
					zap.String("subscription_id", s.id),
					zap.String("pattern", s.pattern.String()),
					zap.Error(err),
				)
			}
		}(s)
	}
	wg.Wait()

	if n := failed.Load(); n > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d handler(s) failed", n))
	}
	b.dispatched.Add(1)
	b.observer.EventDispatched(e.Type, len(subs), time.Since(start))
}

// invoke runs one handler, converting errors and panics into
// HandlerExecutionError.
func (b *Bus) invoke(ctx context.Context, s *subscription, e model.Event) (err error) {
	wrap := func(cause error) error {
		return &model.HandlerExecutionError{
			EventID:        e.ID,
			EventType:      e.Type,
			SubscriptionID: s.id,
			Pattern:        s.pattern.String(),
			Cause:          cause,
		}
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = wrap(fmt.Errorf("panic: %v", rec))
		}
	}()

	if herr := s.handler.Handle(ctx, e); herr != nil {
		return wrap(herr)
	}
	return nil
}
