// internal/results/backend.go
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskqueue-workers/internal/broker"

	"github.com/redis/go-redis/v9"
)

// State is the lifecycle state of a task, as recorded in the result backend.
type State string

const (
	StatePending State = "PENDING"
	StateStarted State = "STARTED"
	StateRetry   State = "RETRY"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
)

const resultKeyPrefix = "tq:result:"

// ErrNotFound is returned when no result is stored for a task id (never
// stored, or already expired).
var ErrNotFound = errors.New("result not found")

// TaskResult is the stored outcome of a task execution.
type TaskResult struct {
	TaskID    string          `json:"taskId"`
	Task      string          `json:"task"`
	State     State           `json:"state"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Backend stores task results in Redis under the result-backend URL, each
// entry expiring after result_expires seconds. Expiry 0 keeps results
// forever.
type Backend struct {
	client     *redis.Client
	serializer broker.Serializer
	expires    time.Duration
}

// New builds a result backend. resultExpires is in seconds, per the
// queue.result_expires setting.
func New(client *redis.Client, serializerName string, resultExpires int) (*Backend, error) {
	serializer, err := broker.SerializerByName(serializerName)
	if err != nil {
		return nil, fmt.Errorf("result serializer: %w", err)
	}
	if resultExpires < 0 {
		return nil, fmt.Errorf("result expiry must be >= 0, got %d", resultExpires)
	}
	return &Backend{
		client:     client,
		serializer: serializer,
		expires:    time.Duration(resultExpires) * time.Second,
	}, nil
}

// SetState records a task's state transition. result may be nil; taskErr is
// recorded for RETRY and FAILURE states.
func (b *Backend) SetState(ctx context.Context, taskID, task string, state State, result interface{}, taskErr error) error {
	entry := TaskResult{
		TaskID:    taskID,
		Task:      task,
		State:     state,
		UpdatedAt: time.Now().UTC(),
	}

	if result != nil {
		encoded, err := b.serializer.Marshal(result)
		if err != nil {
			return fmt.Errorf("serialize result for %s: %w", taskID, err)
		}
		entry.Result = encoded
	}
	if taskErr != nil {
		entry.Error = taskErr.Error()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode result entry: %w", err)
	}

	if err := b.client.Set(ctx, resultKeyPrefix+taskID, data, b.expires).Err(); err != nil {
		return fmt.Errorf("store result for %s: %w", taskID, err)
	}
	return nil
}

// Get fetches the stored result for a task id.
func (b *Backend) Get(ctx context.Context, taskID string) (*TaskResult, error) {
	data, err := b.client.Get(ctx, resultKeyPrefix+taskID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch result for %s: %w", taskID, err)
	}

	var entry TaskResult
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("decode result for %s: %w", taskID, err)
	}
	return &entry, nil
}

// Forget removes a stored result before its expiry.
func (b *Backend) Forget(ctx context.Context, taskID string) error {
	return b.client.Del(ctx, resultKeyPrefix+taskID).Err()
}
