// internal/worker/pool.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"taskqueue-workers/internal/broker"
	"taskqueue-workers/internal/common/config"
	taskerrors "taskqueue-workers/internal/common/errors"
	"taskqueue-workers/internal/common/logger"
	"taskqueue-workers/internal/common/metrics"
	"taskqueue-workers/internal/common/observability"
	"taskqueue-workers/internal/results"

	"github.com/google/uuid"
)

const (
	reserveTimeout    = 2 * time.Second
	heartbeatInterval = broker.ConsumerTTL / 3

	// Longest a worker slot holds a delayed message before cycling it back to
	// its queue. Bounds how long a not-yet-due message can occupy a slot.
	etaParkInterval = 5 * time.Second
)

// Pool consumes queues and executes registered task handlers. A single
// fetcher reserves messages into a buffer of concurrency x
// worker_prefetch_multiplier slots; concurrency goroutines drain it. With
// task_acks_late, prefetched messages sit in the broker's processing list and
// are recovered if the process dies.
type Pool struct {
	broker   *broker.Broker
	results  *results.Backend
	registry *Registry
	obs      *observability.Observability
	alerter  Alerter

	consumer    string
	queues      []string
	concurrency int
	prefetch    int
	taskTimeout time.Duration
	maxRetries  int

	logger logger.Logger
}

// NewPool wires a pool from the worker and queue settings. alerter may be
// nil.
func NewPool(
	b *broker.Broker,
	res *results.Backend,
	registry *Registry,
	obs *observability.Observability,
	alerter Alerter,
	wcfg config.WorkerConfig,
	prefetchMultiplier int,
	log logger.Logger,
) *Pool {
	consumer := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	return &Pool{
		broker:      b,
		results:     res,
		registry:    registry,
		obs:         obs,
		alerter:     alerter,
		consumer:    consumer,
		queues:      wcfg.Queues,
		concurrency: wcfg.Concurrency,
		prefetch:    prefetchMultiplier,
		taskTimeout: config.GetDuration(wcfg.TaskTimeout),
		maxRetries:  wcfg.MaxRetries,
		logger:      log.WithFields(map[string]interface{}{"consumer": consumer}),
	}
}

// Consumer returns the pool's consumer id (names its processing list).
func (p *Pool) Consumer() string {
	return p.consumer
}

// Run consumes until ctx is cancelled, then waits for in-flight tasks.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.broker.RegisterConsumer(ctx, p.consumer); err != nil {
		return err
	}
	defer func() {
		if err := p.broker.DeregisterConsumer(context.Background(), p.consumer); err != nil {
			p.logger.WithError(err).Warn("consumer deregistration failed", nil)
		}
	}()

	recovered, err := p.broker.RecoverProcessing(ctx, p.consumer)
	if err != nil {
		return fmt.Errorf("recover processing list: %w", err)
	}
	if recovered > 0 {
		p.logger.Warn("recovered stranded messages", map[string]interface{}{"count": recovered})
	}

	// Reclaim the reserved work of consumers that died without acking.
	if _, err := p.broker.RecoverStale(ctx); err != nil {
		p.logger.WithError(err).Warn("stale consumer recovery failed", nil)
	}

	go p.heartbeat(ctx)

	p.logger.Info("worker pool starting", map[string]interface{}{
		"queues":      p.queues,
		"concurrency": p.concurrency,
		"prefetch":    p.concurrency * p.prefetch,
		"tasks":       p.registry.Tasks(),
	})

	buffer := make(chan *broker.Message, p.concurrency*p.prefetch)

	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range buffer {
				p.runTask(ctx, msg)
			}
		}()
	}

	for {
		if ctx.Err() != nil {
			break
		}

		msg, err := p.broker.Reserve(ctx, p.queues, p.consumer, reserveTimeout)
		if err != nil {
			if errors.Is(err, broker.ErrNoMessage) || errors.Is(err, context.Canceled) {
				continue
			}
			// Quarantined or broker trouble; log and keep consuming.
			p.logger.WithError(err).Warn("reserve failed", nil)
			continue
		}

		select {
		case buffer <- msg:
		case <-ctx.Done():
			// Not executed; put it back for the next run.
			if reqErr := p.broker.Requeue(context.Background(), p.consumer, msg); reqErr != nil {
				p.logger.WithError(reqErr).Error("failed to return message on shutdown", map[string]interface{}{
					"taskId": msg.ID,
				})
			}
		}
	}

	close(buffer)
	wg.Wait()
	p.logger.Info("worker pool stopped", nil)
	return nil
}

// heartbeat keeps the consumer's liveness key fresh so RecoverStale on other
// workers does not reclaim this pool's processing list.
func (p *Pool) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.broker.RegisterConsumer(ctx, p.consumer); err != nil {
				p.logger.WithError(err).Warn("consumer heartbeat failed", nil)
			}
		}
	}
}

func (p *Pool) runTask(ctx context.Context, msg *broker.Message) {
	// Messages with a future ETA are parked: the slot holds them until the
	// ETA passes (or etaParkInterval elapses) and then returns them to their
	// queue, rather than spinning them through reserve immediately.
	if msg.ETA != nil && msg.ETA.After(time.Now()) {
		if err := p.broker.Ack(ctx, p.consumer, msg); err != nil {
			// Still in the processing list; recovered on the next restart.
			p.logger.WithError(err).Error("ack failed for delayed task", map[string]interface{}{
				"taskId": msg.ID,
			})
			return
		}

		delay := time.Until(*msg.ETA)
		if delay > etaParkInterval {
			delay = etaParkInterval
		}
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}

		// Background context so a shutdown mid-park cannot lose the message.
		if err := p.broker.EnqueueMessage(context.Background(), msg); err != nil {
			p.logger.WithError(err).Error("failed to return delayed task to queue", map[string]interface{}{
				"taskId": msg.ID,
			})
		}
		return
	}

	log := p.logger.WithFields(map[string]interface{}{
		"taskId": msg.ID,
		"task":   msg.Task,
		"queue":  msg.Queue,
	})

	handler, ok := p.registry.Get(msg.Task)
	if !ok {
		log.Error("no handler registered", nil)
		_ = p.results.SetState(ctx, msg.ID, msg.Task, results.StateFailure, nil,
			taskerrors.NewUnknownTaskError(msg.Task))
		if err := p.broker.DeadLetter(ctx, p.consumer, msg); err != nil {
			log.WithError(err).Error("dead-letter failed", nil)
		}
		metrics.TasksFailed.WithLabelValues(msg.Task, string(taskerrors.ErrCodeUnknownTask)).Inc()
		return
	}

	_ = p.results.SetState(ctx, msg.ID, msg.Task, results.StateStarted, nil, nil)
	metrics.TasksActive.WithLabelValues(msg.Queue).Inc()
	defer metrics.TasksActive.WithLabelValues(msg.Queue).Dec()

	taskCtx, cancel := context.WithTimeout(ctx, p.taskTimeout)
	start := time.Now()
	output, err := handler(taskCtx, msg.Body)
	cancel()
	elapsed := time.Since(start)

	metrics.TaskDuration.WithLabelValues(msg.Task).Observe(elapsed.Seconds())

	if err == nil {
		if ackErr := p.broker.Ack(ctx, p.consumer, msg); ackErr != nil {
			log.WithError(ackErr).Error("ack failed", nil)
		}
		if resErr := p.results.SetState(ctx, msg.ID, msg.Task, results.StateSuccess, output, nil); resErr != nil {
			log.WithError(resErr).Warn("result store failed", nil)
		}
		metrics.TasksCompleted.WithLabelValues(msg.Task).Inc()
		p.obs.RecordTaskProcessed(ctx, msg.Task, "success")
		p.obs.RecordTaskDuration(ctx, msg.Task, elapsed, "success")
		log.Info("task completed", map[string]interface{}{"durationMs": elapsed.Milliseconds()})
		return
	}

	errorCode := taskerrors.ErrCodeTaskFailed
	if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
		errorCode = taskerrors.ErrCodeTaskTimeout
	}
	metrics.TasksFailed.WithLabelValues(msg.Task, string(errorCode)).Inc()
	p.obs.RecordTaskProcessed(ctx, msg.Task, "failure")
	p.obs.RecordTaskDuration(ctx, msg.Task, elapsed, "failure")

	maxRetries := msg.MaxRetries
	if maxRetries == 0 {
		maxRetries = p.maxRetries
	}

	if msg.Retries < maxRetries && taskerrors.IsRetryableErrorCode(errorCode) {
		log.WithError(err).Warn("task failed, requeueing", map[string]interface{}{
			"attempt":    msg.Retries + 1,
			"maxRetries": maxRetries,
		})
		_ = p.results.SetState(ctx, msg.ID, msg.Task, results.StateRetry, nil, err)
		if reqErr := p.broker.Requeue(ctx, p.consumer, msg); reqErr != nil {
			log.WithError(reqErr).Error("requeue failed", nil)
		}
		return
	}

	log.WithError(err).Error("task failed permanently", map[string]interface{}{
		"retries": msg.Retries,
	})
	_ = p.results.SetState(ctx, msg.ID, msg.Task, results.StateFailure, nil, err)
	if dlErr := p.broker.DeadLetter(ctx, p.consumer, msg); dlErr != nil {
		log.WithError(dlErr).Error("dead-letter failed", nil)
	}
	if p.alerter != nil {
		p.alerter.TaskDeadLettered(ctx, msg, err)
	}
}
