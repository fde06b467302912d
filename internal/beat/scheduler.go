// internal/beat/scheduler.go
package beat

import (
	"context"
	"fmt"
	"time"

	"taskqueue-workers/internal/broker"
	"taskqueue-workers/internal/common/logger"
	"taskqueue-workers/internal/common/metrics"
)

// Scheduler is the database-backed periodic-task trigger: every tick it loads
// due entries from the store and publishes them through the broker. The
// beat.scheduler setting names this implementation ("database").
type Scheduler struct {
	store    Store
	broker   *broker.Broker
	interval time.Duration
	location *time.Location
	logger   logger.Logger
}

// NewScheduler builds a scheduler. timezone is the effective queue timezone;
// all schedule arithmetic happens in it.
func NewScheduler(store Store, b *broker.Broker, interval time.Duration, timezone string, log logger.Logger) (*Scheduler, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	return &Scheduler{
		store:    store,
		broker:   b,
		interval: interval,
		location: loc,
		logger:   log.WithFields(map[string]interface{}{"component": "beat"}),
	}, nil
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("beat scheduler starting", map[string]interface{}{
		"interval": s.interval.String(),
		"timezone": s.location.String(),
	})

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("beat scheduler stopped", nil)
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.WithError(err).Error("tick failed", nil)
			}
		}
	}
}

// Tick dispatches every due entry once. Exposed for tests and one-shot runs.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := time.Now().In(s.location)

	entries, err := s.store.DueEntries(ctx, now)
	if err != nil {
		return fmt.Errorf("load due entries: %w", err)
	}

	for _, entry := range entries {
		if err := entry.Validate(); err != nil {
			s.logger.WithError(err).Error("skipping invalid entry", map[string]interface{}{
				"entry": entry.Name,
			})
			continue
		}

		if err := s.dispatch(ctx, entry, now); err != nil {
			s.logger.WithError(err).Error("dispatch failed", map[string]interface{}{
				"entry": entry.Name,
			})
			continue
		}

		// Marked after a successful enqueue: a failed dispatch is retried
		// next tick rather than silently skipped an interval.
		if err := s.store.MarkRun(ctx, entry.Name, now); err != nil {
			s.logger.WithError(err).Error("mark run failed", map[string]interface{}{
				"entry": entry.Name,
			})
		}
	}
	return nil
}

func (s *Scheduler) dispatch(ctx context.Context, entry Entry, now time.Time) error {
	queue := entry.Queue
	if queue == "" {
		queue, _ = s.broker.Router().Route(entry.Task)
	}

	msg := broker.NewMessage(entry.Task, queue, entry.Payload, "application/json", s.location)
	if err := s.broker.EnqueueMessage(ctx, msg); err != nil {
		return err
	}

	metrics.BeatEntriesDispatched.WithLabelValues(entry.Name).Inc()
	s.logger.Debug("entry dispatched", map[string]interface{}{
		"entry":  entry.Name,
		"task":   entry.Task,
		"queue":  queue,
		"taskId": msg.ID,
	})
	return nil
}
