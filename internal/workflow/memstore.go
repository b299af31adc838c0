package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/pitabwire/sagaflow/model"
)

// MemoryWorkflowStore is an in-memory WorkflowStore. It is the default when
// no durable store is configured.
type MemoryWorkflowStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance // key: workflow ID
	events    map[string][]model.WorkflowEvent  // key: workflow ID

	// terminal tracks completed and failed IDs when retention is on. Its
	// evictions drop the snapshot and audit trail.
	terminal *ttlcache.Cache[string, struct{}]
}

// MemoryStoreOption configures a MemoryWorkflowStore.
type MemoryStoreOption func(*MemoryWorkflowStore)

// WithMemoryRetention forgets completed and failed instances, with their
// history, once ttl has passed or more than capacity of them are held.
// Running and suspended instances are never dropped.
func WithMemoryRetention(ttl time.Duration, capacity int) MemoryStoreOption {
	return func(s *MemoryWorkflowStore) {
		if ttl <= 0 || capacity <= 0 {
			return
		}
		s.terminal = ttlcache.New(
			ttlcache.WithTTL[string, struct{}](ttl),
			ttlcache.WithCapacity[string, struct{}](uint64(capacity)),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		)
		s.terminal.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, struct{}]) {
			if reason == ttlcache.EvictionReasonDeleted {
				return
			}
			s.forget(item.Key())
		})
	}
}

// NewMemoryWorkflowStore creates a new in-memory workflow store. Without
// WithMemoryRetention it keeps everything it is given.
func NewMemoryWorkflowStore(opts ...MemoryStoreOption) *MemoryWorkflowStore {
	s := &MemoryWorkflowStore{
		instances: make(map[string]model.WorkflowInstance),
		events:    make(map[string][]model.WorkflowEvent),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save upserts an instance snapshot.
func (s *MemoryWorkflowStore) Save(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	s.instances[inst.WorkflowID] = inst.Clone()
	s.mu.Unlock()

	// The cache is touched outside s.mu: its eviction hook takes the lock.
	if s.terminal != nil {
		if inst.Status.Terminal() {
			s.terminal.DeleteExpired()
			s.terminal.Set(inst.WorkflowID, struct{}{}, ttlcache.DefaultTTL)
		} else {
			s.terminal.Delete(inst.WorkflowID)
		}
	}
	return nil
}

// Load retrieves an instance by ID.
func (s *MemoryWorkflowStore) Load(_ context.Context, workflowID string) (model.WorkflowInstance, error) {
	s.expire()

	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[workflowID]
	if !exists {
		return model.WorkflowInstance{}, model.NewWorkflowNotFoundError(workflowID)
	}
	return inst.Clone(), nil
}

// AppendEvent adds an entry to the workflow's audit trail.
func (s *MemoryWorkflowStore) AppendEvent(_ context.Context, event model.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[event.WorkflowID] = append(s.events[event.WorkflowID], event)
	return nil
}

// Events returns a copy of the workflow's audit trail.
func (s *MemoryWorkflowStore) Events(_ context.Context, workflowID string) ([]model.WorkflowEvent, error) {
	s.expire()

	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[workflowID]
	result := make([]model.WorkflowEvent, len(events))
	copy(result, events)
	return result, nil
}

// ClearEvents drops the workflow's audit trail.
func (s *MemoryWorkflowStore) ClearEvents(_ context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.events, workflowID)
	return nil
}

// Len returns the number of stored instances.
func (s *MemoryWorkflowStore) Len() int {
	s.expire()

	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

func (s *MemoryWorkflowStore) expire() {
	if s.terminal != nil {
		s.terminal.DeleteExpired()
	}
}

// forget drops a terminal instance and its history. A snapshot that was
// restarted in the meantime is left alone.
func (s *MemoryWorkflowStore) forget(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[workflowID]
	if !ok || !inst.Status.Terminal() {
		return
	}
	delete(s.instances, workflowID)
	delete(s.events, workflowID)
}
