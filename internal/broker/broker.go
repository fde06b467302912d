// internal/broker/broker.go
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskqueue-workers/internal/common/config"
	"taskqueue-workers/internal/common/logger"
	"taskqueue-workers/internal/common/metrics"

	"github.com/redis/go-redis/v9"
)

const (
	queueKeyPrefix      = "tq:queue:"
	processingKeyPrefix = "tq:processing:"
	deadKeyPrefix       = "tq:dead:"
	consumerKeyPrefix   = "tq:consumer:"

	// poll interval for multi-queue reserve in late-ack mode, where a single
	// blocking pop cannot watch several lists at once
	reservePollInterval = 100 * time.Millisecond

	// ConsumerTTL is how long a consumer's liveness key survives without a
	// heartbeat. A processing list whose liveness key has expired is treated
	// as belonging to a crashed consumer and may be reclaimed.
	ConsumerTTL = 30 * time.Second
)

// ErrNoMessage is returned by Reserve when no message arrived within the
// timeout.
var ErrNoMessage = errors.New("no message available")

// Broker is the Redis-list task transport. Enqueue publishes to the queue the
// routing table selects; Reserve honors task_acks_late by parking reserved
// messages in a per-consumer processing list until they are acked.
type Broker struct {
	client     *redis.Client
	serializer Serializer
	accept     *AcceptSet
	router     *Router
	acksLate   bool
	location   *time.Location
	logger     logger.Logger
}

// New builds a Broker from the queue settings. timezone is the effective
// timezone for enqueue timestamps (UTC under enable_utc).
func New(client *redis.Client, qcfg config.QueueConfig, timezone string, log logger.Logger) (*Broker, error) {
	serializer, err := SerializerByName(qcfg.TaskSerializer)
	if err != nil {
		return nil, fmt.Errorf("task serializer: %w", err)
	}
	accept, err := NewAcceptSet(qcfg.AcceptContent)
	if err != nil {
		return nil, fmt.Errorf("accept_content: %w", err)
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}

	return &Broker{
		client:     client,
		serializer: serializer,
		accept:     accept,
		router:     NewRouter(qcfg.TaskRoutes, qcfg.DefaultQueue),
		acksLate:   qcfg.TaskAcksLate,
		location:   loc,
		logger:     log.WithFields(map[string]interface{}{"component": "broker"}),
	}, nil
}

// Router exposes the routing table, for callers that only need resolution.
func (b *Broker) Router() *Router {
	return b.router
}

// Enqueue serializes a payload and publishes it to the queue routed for the
// task name.
func (b *Broker) Enqueue(ctx context.Context, task string, payload interface{}) (*Message, error) {
	return b.enqueue(ctx, task, payload, nil)
}

// EnqueueDelayed publishes a task that must not run before eta. Workers park
// the message and return it to its queue until the ETA has passed.
func (b *Broker) EnqueueDelayed(ctx context.Context, task string, payload interface{}, eta time.Time) (*Message, error) {
	return b.enqueue(ctx, task, payload, &eta)
}

func (b *Broker) enqueue(ctx context.Context, task string, payload interface{}, eta *time.Time) (*Message, error) {
	body, err := b.serializer.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serialize payload for %s: %w", task, err)
	}

	queue, priority := b.router.Route(task)
	msg := NewMessage(task, queue, body, b.serializer.ContentType(), b.location)
	msg.Priority = priority
	if eta != nil {
		t := eta.In(b.location)
		msg.ETA = &t
	}

	if err := b.EnqueueMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// EnqueueMessage publishes an already-built envelope to its queue.
func (b *Broker) EnqueueMessage(ctx context.Context, msg *Message) error {
	raw, err := msg.encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if err := b.client.LPush(ctx, queueKeyPrefix+msg.Queue, raw).Err(); err != nil {
		return fmt.Errorf("enqueue to %s: %w", msg.Queue, err)
	}

	metrics.TasksEnqueued.WithLabelValues(msg.Queue, msg.Task).Inc()
	b.logger.Debug("task enqueued", map[string]interface{}{
		"taskId": msg.ID,
		"task":   msg.Task,
		"queue":  msg.Queue,
	})
	return nil
}

// Reserve pops the next message from the given queues, in order. With
// task_acks_late the message is moved into the consumer's processing list and
// survives a crash until Ack; otherwise the pop is the ack. Returns
// ErrNoMessage when the timeout elapses.
func (b *Broker) Reserve(ctx context.Context, queues []string, consumer string, timeout time.Duration) (*Message, error) {
	if b.acksLate {
		return b.reserveLateAck(ctx, queues, consumer, timeout)
	}
	return b.reserveEarlyAck(ctx, queues, timeout)
}

func (b *Broker) reserveEarlyAck(ctx context.Context, queues []string, timeout time.Duration) (*Message, error) {
	keys := make([]string, len(queues))
	for i, q := range queues {
		keys[i] = queueKeyPrefix + q
	}

	res, err := b.client.BRPop(ctx, timeout, keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoMessage
		}
		return nil, fmt.Errorf("brpop: %w", err)
	}
	// res[0] is the popped key, res[1] the value
	queue := res[0][len(queueKeyPrefix):]
	return b.decodeReserved(ctx, res[1], queue, "")
}

func (b *Broker) reserveLateAck(ctx context.Context, queues []string, consumer string, timeout time.Duration) (*Message, error) {
	deadline := time.Now().Add(timeout)
	processing := processingKeyPrefix + consumer

	for {
		for _, q := range queues {
			raw, err := b.client.RPopLPush(ctx, queueKeyPrefix+q, processing).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				return nil, fmt.Errorf("rpoplpush %s: %w", q, err)
			}
			return b.decodeReserved(ctx, raw, q, consumer)
		}

		if time.Now().After(deadline) {
			return nil, ErrNoMessage
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(reservePollInterval):
		}
	}
}

// decodeReserved validates and decodes a popped wire message. Messages that
// fail envelope validation or carry a non-accepted content type go straight
// to the dead-letter list of their source queue.
func (b *Broker) decodeReserved(ctx context.Context, raw, queue, consumer string) (*Message, error) {
	if err := ValidateEnvelope(raw); err != nil {
		b.quarantine(ctx, raw, queue, consumer)
		return nil, fmt.Errorf("invalid envelope from %s: %w", queue, err)
	}

	msg, err := decodeMessage(raw)
	if err != nil {
		b.quarantine(ctx, raw, queue, consumer)
		return nil, fmt.Errorf("decode envelope from %s: %w", queue, err)
	}

	if !b.accept.Accepts(msg.ContentType) {
		b.quarantine(ctx, raw, queue, consumer)
		return nil, fmt.Errorf("content type %q from %s is not in accept_content", msg.ContentType, queue)
	}

	return msg, nil
}

func (b *Broker) quarantine(ctx context.Context, raw, queue, consumer string) {
	if consumer != "" {
		b.client.LRem(ctx, processingKeyPrefix+consumer, 1, raw)
	}
	if err := b.client.LPush(ctx, deadKeyPrefix+queue, raw).Err(); err != nil {
		b.logger.Error("failed to quarantine message", map[string]interface{}{
			"queue": queue,
			"error": err.Error(),
		})
	}
	metrics.TasksDeadLettered.WithLabelValues(queue, "unknown").Inc()
}

// Ack marks a reserved message as done. A no-op in early-ack mode.
func (b *Broker) Ack(ctx context.Context, consumer string, msg *Message) error {
	if !b.acksLate {
		return nil
	}
	if err := b.client.LRem(ctx, processingKeyPrefix+consumer, 1, msg.raw).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", msg.ID, err)
	}
	return nil
}

// Requeue puts a failed message back on its queue with the retry counter
// advanced.
func (b *Broker) Requeue(ctx context.Context, consumer string, msg *Message) error {
	if b.acksLate {
		if err := b.client.LRem(ctx, processingKeyPrefix+consumer, 1, msg.raw).Err(); err != nil {
			return fmt.Errorf("requeue lrem %s: %w", msg.ID, err)
		}
	}

	msg.Retries++
	metrics.TasksRetried.WithLabelValues(msg.Task).Inc()
	return b.EnqueueMessage(ctx, msg)
}

// DeadLetter moves a message that exhausted its retries to the dead-letter
// list of its queue.
func (b *Broker) DeadLetter(ctx context.Context, consumer string, msg *Message) error {
	if b.acksLate {
		if err := b.client.LRem(ctx, processingKeyPrefix+consumer, 1, msg.raw).Err(); err != nil {
			return fmt.Errorf("dead-letter lrem %s: %w", msg.ID, err)
		}
	}

	raw, err := msg.encode()
	if err != nil {
		return fmt.Errorf("encode for dead-letter: %w", err)
	}
	if err := b.client.LPush(ctx, deadKeyPrefix+msg.Queue, raw).Err(); err != nil {
		return fmt.Errorf("dead-letter %s: %w", msg.ID, err)
	}

	metrics.TasksDeadLettered.WithLabelValues(msg.Queue, msg.Task).Inc()
	b.logger.Warn("task dead-lettered", map[string]interface{}{
		"taskId":  msg.ID,
		"task":    msg.Task,
		"queue":   msg.Queue,
		"retries": msg.Retries,
	})
	return nil
}

// RegisterConsumer marks a consumer as alive for ConsumerTTL. Workers call it
// at startup and keep refreshing it while they run; a consumer whose key has
// expired is considered crashed.
func (b *Broker) RegisterConsumer(ctx context.Context, consumer string) error {
	if err := b.client.Set(ctx, consumerKeyPrefix+consumer, "1", ConsumerTTL).Err(); err != nil {
		return fmt.Errorf("register consumer %s: %w", consumer, err)
	}
	return nil
}

// DeregisterConsumer drops a consumer's liveness key on clean shutdown.
func (b *Broker) DeregisterConsumer(ctx context.Context, consumer string) error {
	return b.client.Del(ctx, consumerKeyPrefix+consumer).Err()
}

// RecoverStale scans all processing lists and returns the messages of
// consumers without a live liveness key to their queues. This is what makes
// task_acks_late survive a crash: a dead worker's reserved messages are
// reclaimed by whichever worker starts next, not only by a restart under the
// same consumer id.
func (b *Broker) RecoverStale(ctx context.Context) (int, error) {
	total := 0
	iter := b.client.Scan(ctx, 0, processingKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		consumer := iter.Val()[len(processingKeyPrefix):]

		alive, err := b.client.Exists(ctx, consumerKeyPrefix+consumer).Result()
		if err != nil {
			return total, fmt.Errorf("check consumer %s: %w", consumer, err)
		}
		if alive > 0 {
			continue
		}

		n, err := b.RecoverProcessing(ctx, consumer)
		total += n
		if err != nil {
			return total, err
		}
		if n > 0 {
			b.logger.Warn("reclaimed crashed consumer's messages", map[string]interface{}{
				"consumer": consumer,
				"count":    n,
			})
		}
	}
	if err := iter.Err(); err != nil {
		return total, fmt.Errorf("scan processing lists: %w", err)
	}
	return total, nil
}

// RecoverProcessing returns messages stranded in a consumer's processing list
// to their queues. Run at worker startup so a crashed predecessor's reserved
// work is not lost (the guarantee task_acks_late buys).
func (b *Broker) RecoverProcessing(ctx context.Context, consumer string) (int, error) {
	processing := processingKeyPrefix + consumer
	recovered := 0

	for {
		raw, err := b.client.RPop(ctx, processing).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return recovered, nil
			}
			return recovered, fmt.Errorf("recover rpop: %w", err)
		}

		msg, err := decodeMessage(raw)
		if err != nil {
			b.quarantine(ctx, raw, b.router.DefaultQueue(), "")
			continue
		}
		if err := b.client.LPush(ctx, queueKeyPrefix+msg.Queue, raw).Err(); err != nil {
			return recovered, fmt.Errorf("recover lpush: %w", err)
		}
		recovered++
	}
}

// QueueLength returns the number of pending messages on a queue.
func (b *Broker) QueueLength(ctx context.Context, queue string) (int64, error) {
	return b.client.LLen(ctx, queueKeyPrefix+queue).Result()
}

// DeadLetterLength returns the number of dead-lettered messages for a queue.
func (b *Broker) DeadLetterLength(ctx context.Context, queue string) (int64, error) {
	return b.client.LLen(ctx, deadKeyPrefix+queue).Result()
}

// PurgeDeadLetters drops the dead-letter list of a queue and returns how many
// messages were discarded.
func (b *Broker) PurgeDeadLetters(ctx context.Context, queue string) (int64, error) {
	n, err := b.client.LLen(ctx, deadKeyPrefix+queue).Result()
	if err != nil {
		return 0, err
	}
	if err := b.client.Del(ctx, deadKeyPrefix+queue).Err(); err != nil {
		return 0, err
	}
	return n, nil
}
