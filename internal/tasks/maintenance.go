// internal/tasks/maintenance.go
package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"taskqueue-workers/internal/broker"
	"taskqueue-workers/internal/worker"
)

// RegisterMaintenance binds the built-in housekeeping tasks. They are the
// targets of the default beat schedule and double as connectivity probes.
func RegisterMaintenance(reg *worker.Registry, b *broker.Broker) {
	reg.Register("maintenance.ping", func(ctx context.Context, body json.RawMessage) (interface{}, error) {
		return map[string]string{"reply": "pong"}, nil
	})

	reg.Register("maintenance.purge_dead_letters", func(ctx context.Context, body json.RawMessage) (interface{}, error) {
		var input struct {
			Queue string `json:"queue"`
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &input); err != nil {
				return nil, fmt.Errorf("parse input: %w", err)
			}
		}
		if input.Queue == "" {
			input.Queue = b.Router().DefaultQueue()
		}

		purged, err := b.PurgeDeadLetters(ctx, input.Queue)
		if err != nil {
			return nil, fmt.Errorf("purge dead letters for %s: %w", input.Queue, err)
		}
		return map[string]interface{}{"queue": input.Queue, "purged": purged}, nil
	})
}
