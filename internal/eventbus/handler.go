package eventbus

import (
	"context"

	"github.com/pitabwire/sagaflow/model"
)

// Handler receives events routed to a subscription. Handle runs on its own
// goroutine; a returned error or panic is logged by the bus and goes no
// further.
type Handler interface {
	Handle(ctx context.Context, event model.Event) error
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(ctx context.Context, event model.Event) error

// Handle calls f(ctx, event).
func (f HandlerFunc) Handle(ctx context.Context, event model.Event) error {
	return f(ctx, event)
}

// Publisher is the publishing half of the bus. Components that only emit
// events depend on this rather than on *Bus.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data map[string]any, opts ...PublishOption) (string, error)
}

// Subscriber is the subscribing half of the bus.
type Subscriber interface {
	Subscribe(pattern string, handler Handler, opts ...SubscribeOption) (string, error)
	Unsubscribe(pattern, subscriptionID string) bool
}

// PublishOption customises a single published event.
type PublishOption func(*model.Event)

// WithSource sets the free-text origin label.
func WithSource(source string) PublishOption {
	return func(e *model.Event) { e.Source = source }
}

// WithCorrelationID relates the event to a causally linked chain.
func WithCorrelationID(id string) PublishOption {
	return func(e *model.Event) { e.CorrelationID = id }
}

// WithPriority records the event's priority (1 most urgent, 10 least).
// Out-of-range values are clamped. Dispatch order is unaffected.
func WithPriority(p int) PublishOption {
	return func(e *model.Event) { e.Priority = model.ClampPriority(p) }
}

// WithTenant sets the partitioning key.
func WithTenant(tenantID string) PublishOption {
	return func(e *model.Event) { e.TenantID = tenantID }
}

type subscribeOptions struct {
	sync bool
}

// SubscribeOption customises a subscription.
type SubscribeOption func(*subscribeOptions)

// Sync files the subscription in the synchronous registry. Delivery is the
// same as for async subscriptions: every matching handler of an event runs
// concurrently.
func Sync() SubscribeOption {
	return func(o *subscribeOptions) { o.sync = true }
}
