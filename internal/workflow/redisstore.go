package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/sagaflow/model"
)

const defaultRedisKeyPrefix = "sagaflow:"

// RedisWorkflowStore keeps instance snapshots as JSON strings and audit
// trails as lists. Terminal instances expire after the configured TTL.
type RedisWorkflowStore struct {
	rdb         redis.UniversalClient
	prefix      string
	terminalTTL time.Duration
}

// RedisStoreOption configures a RedisWorkflowStore.
type RedisStoreOption func(*RedisWorkflowStore)

// WithKeyPrefix namespaces every key written by the store.
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisWorkflowStore) { s.prefix = prefix }
}

// WithTerminalTTL expires completed and failed instances, and their history,
// after ttl. Zero keeps them forever.
func WithTerminalTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisWorkflowStore) { s.terminalTTL = ttl }
}

// NewRedisWorkflowStore creates a Redis-backed workflow store.
func NewRedisWorkflowStore(rdb redis.UniversalClient, opts ...RedisStoreOption) *RedisWorkflowStore {
	s := &RedisWorkflowStore{rdb: rdb, prefix: defaultRedisKeyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisWorkflowStore) instanceKey(workflowID string) string {
	return fmt.Sprintf("%vinstance:%v", s.prefix, workflowID)
}

func (s *RedisWorkflowStore) historyKey(workflowID string) string {
	return fmt.Sprintf("%vhistory:%v", s.prefix, workflowID)
}

// Save upserts an instance snapshot.
func (s *RedisWorkflowStore) Save(ctx context.Context, inst model.WorkflowInstance) error {
	payload, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal workflow instance: %w", err)
	}

	var ttl time.Duration
	if inst.Status.Terminal() {
		ttl = s.terminalTTL
	}

	p := s.rdb.TxPipeline()
	p.Set(ctx, s.instanceKey(inst.WorkflowID), payload, ttl)
	if ttl > 0 {
		p.Expire(ctx, s.historyKey(inst.WorkflowID), ttl)
	}
	if _, err := p.Exec(ctx); err != nil {
		return fmt.Errorf("save workflow instance: %w", err)
	}
	return nil
}

// Load retrieves an instance by ID.
func (s *RedisWorkflowStore) Load(ctx context.Context, workflowID string) (model.WorkflowInstance, error) {
	raw, err := s.rdb.Get(ctx, s.instanceKey(workflowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.WorkflowInstance{}, model.NewWorkflowNotFoundError(workflowID)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("get workflow instance: %w", err)
	}

	var inst model.WorkflowInstance
	if err := json.Unmarshal(raw, &inst); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("unmarshal workflow instance: %w", err)
	}
	return inst, nil
}

// AppendEvent adds an entry to the workflow audit trail.
func (s *RedisWorkflowStore) AppendEvent(ctx context.Context, event model.WorkflowEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal workflow event: %w", err)
	}
	if err := s.rdb.RPush(ctx, s.historyKey(event.WorkflowID), payload).Err(); err != nil {
		return fmt.Errorf("append workflow event: %w", err)
	}
	return nil
}

// Events retrieves a workflow's audit trail in append order.
func (s *RedisWorkflowStore) Events(ctx context.Context, workflowID string) ([]model.WorkflowEvent, error) {
	raws, err := s.rdb.LRange(ctx, s.historyKey(workflowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read workflow events: %w", err)
	}

	events := make([]model.WorkflowEvent, 0, len(raws))
	for _, raw := range raws {
		var evt model.WorkflowEvent
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			return nil, fmt.Errorf("unmarshal workflow event: %w", err)
		}
		events = append(events, evt)
	}
	return events, nil
}

// ClearEvents deletes a workflow's audit trail.
func (s *RedisWorkflowStore) ClearEvents(ctx context.Context, workflowID string) error {
	if err := s.rdb.Del(ctx, s.historyKey(workflowID)).Err(); err != nil {
		return fmt.Errorf("delete workflow events: %w", err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisWorkflowStore) HealthCheck(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisWorkflowStore) Close() error {
	return s.rdb.Close()
}
