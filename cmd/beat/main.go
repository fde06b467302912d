// cmd/beat/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"taskqueue-workers/internal/beat"
	"taskqueue-workers/internal/broker"
	"taskqueue-workers/internal/common/config"
	"taskqueue-workers/internal/common/database"
	"taskqueue-workers/internal/common/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("starting beat",
		zap.String("scheduler", cfg.Beat.Scheduler),
		zap.String("timezone", cfg.EffectiveTimezone()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := database.NewPostgres(cfg.Database.Postgres)
	if err != nil {
		zapLog.Fatal("postgres setup failed", zap.Error(err))
	}
	defer pg.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := pg.Ping(pingCtx); err != nil {
		cancel()
		zapLog.Fatal("postgres unreachable", zap.Error(err))
	}
	cancel()
	zapLog.Info("postgres connected")

	brokerRedis, err := database.NewRedisFromURL(cfg.Queue.BrokerURL)
	if err != nil {
		zapLog.Fatal("broker setup failed", zap.Error(err))
	}
	defer brokerRedis.Close()

	if err := brokerRedis.Ping(ctx); err != nil {
		zapLog.Fatal("broker unreachable", zap.Error(err))
	}
	zapLog.Info("broker connected")

	b, err := broker.New(brokerRedis.GetClient(), cfg.Queue, cfg.EffectiveTimezone(), log)
	if err != nil {
		zapLog.Fatal("broker setup failed", zap.Error(err))
	}

	store := beat.NewPostgresStore(pg.GetDB())
	scheduler, err := beat.NewScheduler(store, b, config.GetDuration(cfg.Beat.IntervalMS), cfg.EffectiveTimezone(), log)
	if err != nil {
		zapLog.Fatal("scheduler setup failed", zap.Error(err))
	}

	if err := scheduler.Run(ctx); err != nil {
		zapLog.Fatal("scheduler failed", zap.Error(err))
	}

	zapLog.Info("shutdown complete")
}
