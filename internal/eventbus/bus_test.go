package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	"github.com/pitabwire/sagaflow/model"
)

// --- Test helpers ---

func flush(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Flush(ctx))
}

// recorder collects delivered events in arrival order.
type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Handle(_ context.Context, e model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type countingObserver struct {
	published  atomic.Int64
	dispatched atomic.Int64
	failed     atomic.Int64
}

func (o *countingObserver) EventPublished(string)                      { o.published.Add(1) }
func (o *countingObserver) EventDispatched(string, int, time.Duration) { o.dispatched.Add(1) }
func (o *countingObserver) HandlerFailed(string)                       { o.failed.Add(1) }
func (o *countingObserver) QueueDepth(int)                             {}

// --- Publish ---

func TestBus_Publish_returnsIDAndPopulatesEvent(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := New()
	rec := &recorder{}
	_, err := b.Subscribe("order.created", rec)
	require.NoError(t, err)

	id, err := b.Publish(context.Background(), "order.created",
		map[string]any{"order_id": "o-1"},
		WithSource("orders"),
		WithCorrelationID("corr-1"),
		WithTenant("tenant-1"),
		WithPriority(2),
	)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	flush(t, b)

	require.Equal(t, 1, rec.len())
	got := rec.events[0]
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "order.created", got.Type)
	assert.Equal(t, "orders", got.Source)
	assert.Equal(t, "corr-1", got.CorrelationID)
	assert.Equal(t, "tenant-1", got.TenantID)
	assert.Equal(t, 2, got.Priority)
	assert.Equal(t, "o-1", got.Data["order_id"])
	assert.False(t, got.Timestamp.IsZero())
	assert.False(t, got.PublishedAt.Before(got.Timestamp))
}

func TestBus_Publish_defaultsAndClampsPriority(t *testing.T) {
	b := New()
	rec := &recorder{}
	_, err := b.Subscribe("*", rec)
	require.NoError(t, err)

	_, _ = b.Publish(context.Background(), "a", nil)
	_, _ = b.Publish(context.Background(), "b", nil, WithPriority(99))
	flush(t, b)

	require.Equal(t, 2, rec.len())
	assert.Equal(t, model.PriorityDefault, rec.events[0].Priority)
	assert.Equal(t, model.PriorityLowest, rec.events[1].Priority)
}

func TestBus_Publish_emptyType(t *testing.T) {
	b := New()
	_, err := b.Publish(context.Background(), "", nil)
	require.Error(t, err)
	assert.Equal(t, uint64(0), b.Stats().Published)
}

func TestBus_Publish_copiesData(t *testing.T) {
	b := New()
	rec := &recorder{}
	_, _ = b.Subscribe("x", rec)

	data := map[string]any{"k": "before"}
	_, _ = b.Publish(context.Background(), "x", data)
	data["k"] = "after"
	flush(t, b)

	require.Equal(t, 1, rec.len())
	assert.Equal(t, "before", rec.events[0].Data["k"])
}

func TestBus_Publish_uniqueIDs(t *testing.T) {
	b := New()
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id, err := b.Publish(context.Background(), "tick", nil)
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	flush(t, b)
}

// --- Ordering ---

func TestBus_dispatchesInPublishOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := New()
	rec := &recorder{}
	_, _ = b.Subscribe("*", rec)

	var want []string
	for i := 0; i < 200; i++ {
		typ := fmt.Sprintf("seq.%03d", i)
		want = append(want, typ)
		_, err := b.Publish(context.Background(), typ, nil)
		require.NoError(t, err)
	}
	flush(t, b)

	assert.Equal(t, want, rec.types())
}

func TestBus_waitsForBatchBeforeNextEvent(t *testing.T) {
	b := New()
	release := make(chan struct{})
	started := make(chan struct{})
	rec := &recorder{}

	_, _ = b.Subscribe("first", HandlerFunc(func(context.Context, model.Event) error {
		close(started)
		<-release
		return nil
	}))
	_, _ = b.Subscribe("second", rec)

	_, _ = b.Publish(context.Background(), "first", nil)
	_, _ = b.Publish(context.Background(), "second", nil)

	<-started
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rec.len(), "second event dispatched while first batch still running")
	assert.Equal(t, 1, b.Stats().QueueDepth)

	close(release)
	flush(t, b)
	assert.Equal(t, 1, rec.len())
}

func TestBus_invokesMatchingHandlersConcurrently(t *testing.T) {
	b := New()

	// Each handler waits for all siblings to arrive; only possible if they run
	// at the same time.
	const n = 4
	var arrived sync.WaitGroup
	arrived.Add(n)
	var done atomic.Int32

	for i := 0; i < n; i++ {
		_, _ = b.Subscribe("fanout", HandlerFunc(func(context.Context, model.Event) error {
			arrived.Done()
			ch := make(chan struct{})
			go func() { arrived.Wait(); close(ch) }()
			select {
			case <-ch:
				done.Add(1)
				return nil
			case <-time.After(2 * time.Second):
				return errors.New("siblings never arrived")
			}
		}))
	}

	_, _ = b.Publish(context.Background(), "fanout", nil)
	flush(t, b)
	assert.Equal(t, int32(n), done.Load())
	assert.Equal(t, uint64(0), b.Stats().HandlerFailures)
}

// --- Routing ---

func TestBus_routesExactWildcardAndAll(t *testing.T) {
	b := New()
	exact, prefix, all := &recorder{}, &recorder{}, &recorder{}
	_, _ = b.Subscribe("device.health.changed", exact)
	_, _ = b.Subscribe("device.*", prefix)
	_, _ = b.Subscribe("*", all)

	for _, typ := range []string{"device.health.changed", "device.online", "devices.online", "device", "other"} {
		_, _ = b.Publish(context.Background(), typ, nil)
	}
	flush(t, b)

	assert.Equal(t, []string{"device.health.changed"}, exact.types())
	assert.Equal(t, []string{"device.health.changed", "device.online"}, prefix.types())
	assert.Equal(t, 5, all.len())
}

func TestBus_duplicateSubscriptionsFireIndependently(t *testing.T) {
	b := New()
	rec := &recorder{}
	id1, _ := b.Subscribe("dup", rec)
	id2, _ := b.Subscribe("dup", rec)
	require.NotEqual(t, id1, id2)

	_, _ = b.Publish(context.Background(), "dup", nil)
	flush(t, b)
	assert.Equal(t, 2, rec.len())
}

func TestBus_syncAndAsyncShareDeliveryContract(t *testing.T) {
	b := New()
	asyncRec, syncRec := &recorder{}, &recorder{}
	_, _ = b.Subscribe("workflow.*", asyncRec)
	_, _ = b.Subscribe("workflow.*", syncRec, Sync())

	_, _ = b.Publish(context.Background(), "workflow.started", nil)
	flush(t, b)

	assert.Equal(t, 1, asyncRec.len())
	assert.Equal(t, 1, syncRec.len())
	stats := b.Stats()
	assert.Equal(t, 1, stats.AsyncSubscriptions)
	assert.Equal(t, 1, stats.SyncSubscriptions)
}

// --- Subscribe / Unsubscribe ---

func TestBus_Subscribe_validation(t *testing.T) {
	b := New()
	_, err := b.Subscribe("", &recorder{})
	assert.Error(t, err)
	_, err = b.Subscribe("x", nil)
	assert.Error(t, err)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	rec := &recorder{}
	exactID, _ := b.Subscribe("order.created", rec)
	wildID, _ := b.Subscribe("order.*", rec)
	syncID, _ := b.Subscribe("order.created", rec, Sync())

	assert.False(t, b.Unsubscribe("never.registered", exactID))
	assert.False(t, b.Unsubscribe("order.*", exactID), "id under wrong pattern")
	assert.True(t, b.Unsubscribe("order.created", exactID))
	assert.False(t, b.Unsubscribe("order.created", exactID), "second removal")
	assert.True(t, b.Unsubscribe("order.*", wildID))
	assert.True(t, b.Unsubscribe("order.created", syncID))

	_, _ = b.Publish(context.Background(), "order.created", nil)
	flush(t, b)
	assert.Equal(t, 0, rec.len())
	assert.Empty(t, b.Stats().RegisteredPatterns)
}

func TestBus_Unsubscribe_doesNotRetractInFlight(t *testing.T) {
	b := New()
	release := make(chan struct{})
	started := make(chan struct{})
	var delivered atomic.Int32

	var id string
	id, _ = b.Subscribe("slow", HandlerFunc(func(context.Context, model.Event) error {
		close(started)
		<-release
		delivered.Add(1)
		return nil
	}))

	_, _ = b.Publish(context.Background(), "slow", nil)
	<-started
	assert.True(t, b.Unsubscribe("slow", id))
	close(release)
	flush(t, b)

	assert.Equal(t, int32(1), delivered.Load())
}

// --- Failure isolation ---

func TestBus_handlerFailuresAreIsolated(t *testing.T) {
	defer goleak.VerifyNone(t)

	obs := &countingObserver{}
	b := New(WithObserver(obs))
	rec := &recorder{}

	_, _ = b.Subscribe("job.*", HandlerFunc(func(context.Context, model.Event) error {
		return errors.New("handler exploded")
	}))
	_, _ = b.Subscribe("job.*", HandlerFunc(func(context.Context, model.Event) error {
		panic("handler panicked")
	}))
	_, _ = b.Subscribe("job.*", rec)

	_, _ = b.Publish(context.Background(), "job.one", nil)
	_, _ = b.Publish(context.Background(), "job.two", nil)
	flush(t, b)

	assert.Equal(t, []string{"job.one", "job.two"}, rec.types())
	stats := b.Stats()
	assert.Equal(t, uint64(4), stats.HandlerFailures)
	assert.Equal(t, uint64(2), stats.Dispatched)
	assert.Equal(t, int64(4), obs.failed.Load())
	assert.Equal(t, int64(2), obs.published.Load())
	assert.Equal(t, int64(2), obs.dispatched.Load())
}

func TestBus_invoke_wrapsInHandlerExecutionError(t *testing.T) {
	b := New()
	p, _ := ParsePattern("x.*")
	cause := errors.New("bad input")
	s := &subscription{id: "sub-1", pattern: p, handler: HandlerFunc(func(context.Context, model.Event) error {
		return cause
	})}

	err := b.invoke(context.Background(), s, model.Event{ID: "evt-1", Type: "x.y"})
	var hee *model.HandlerExecutionError
	require.ErrorAs(t, err, &hee)
	assert.Equal(t, "sub-1", hee.SubscriptionID)
	assert.Equal(t, "x.*", hee.Pattern)
	assert.Equal(t, "evt-1", hee.EventID)
	assert.ErrorIs(t, err, cause)

	s.handler = HandlerFunc(func(context.Context, model.Event) error { panic("kaboom") })
	err = b.invoke(context.Background(), s, model.Event{ID: "evt-2", Type: "x.y"})
	require.ErrorAs(t, err, &hee)
	assert.Contains(t, hee.Error(), "kaboom")
}

// --- Loop lifecycle ---

func TestBus_loopIdlesAndRestarts(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := New()
	rec := &recorder{}
	_, _ = b.Subscribe("*", rec)

	assert.False(t, b.Stats().Running)
	_, _ = b.Publish(context.Background(), "one", nil)
	flush(t, b)
	assert.False(t, b.Stats().Running)

	_, _ = b.Publish(context.Background(), "two", nil)
	flush(t, b)
	assert.Equal(t, []string{"one", "two"}, rec.types())
	assert.Equal(t, 0, b.Stats().QueueDepth)
}

func TestBus_concurrentPublishersShareOneLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := New()
	var inFlight, maxInFlight atomic.Int32
	var delivered atomic.Int32
	_, _ = b.Subscribe("*", HandlerFunc(func(context.Context, model.Event) error {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		delivered.Add(1)
		return nil
	}))

	const publishers, perPublisher = 16, 25
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				_, _ = b.Publish(context.Background(), "load", nil)
			}
		}()
	}
	wg.Wait()
	flush(t, b)

	assert.Equal(t, int32(publishers*perPublisher), delivered.Load())
	// One subscriber and one loop: never more than a single delivery at once.
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestBus_Flush_respectsContext(t *testing.T) {
	b := New()
	release := make(chan struct{})
	_, _ = b.Subscribe("block", HandlerFunc(func(context.Context, model.Event) error {
		<-release
		return nil
	}))
	_, _ = b.Publish(context.Background(), "block", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Flush(ctx), context.DeadlineExceeded)

	close(release)
	flush(t, b)
}

// --- Stats ---

func TestBus_Stats(t *testing.T) {
	b := New()
	_, _ = b.Subscribe("workflow.*", &recorder{})
	_, _ = b.Subscribe("workflow.*", &recorder{})
	_, _ = b.Subscribe("event.step.completed", &recorder{}, Sync())

	stats := b.Stats()
	assert.Equal(t, []string{"event.step.completed", "workflow.*"}, stats.RegisteredPatterns)
	assert.Equal(t, 2, stats.Subscriptions["workflow.*"])
	assert.Equal(t, 1, stats.Subscriptions["event.step.completed"])
	assert.Equal(t, 0, stats.QueueDepth)
	assert.False(t, stats.Running)
}

// --- Tracing ---

func TestBus_dispatchSpanLinksPublisher(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	tracer := tp.Tracer("test")

	b := New(WithTracer(tracer))
	_, _ = b.Subscribe("traced", HandlerFunc(func(context.Context, model.Event) error {
		return errors.New("fails")
	}))

	ctx, parent := tracer.Start(context.Background(), "publisher")
	_, _ = b.Publish(ctx, "traced", nil)
	parent.End()
	flush(t, b)

	var dispatch *tracetest.SpanStub
	spans := exporter.GetSpans()
	for i := range spans {
		if spans[i].Name == "eventbus.dispatch" {
			dispatch = &spans[i]
		}
	}
	require.NotNil(t, dispatch, "dispatch span not recorded")
	require.Len(t, dispatch.Links, 1)
	assert.Equal(t, parent.SpanContext().TraceID(), dispatch.Links[0].SpanContext.TraceID())
	assert.NotEmpty(t, dispatch.Events, "handler error should be recorded on span")
}
