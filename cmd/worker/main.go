// cmd/worker/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"taskqueue-workers/internal/broker"
	commonaws "taskqueue-workers/internal/common/aws"
	"taskqueue-workers/internal/common/config"
	"taskqueue-workers/internal/common/database"
	"taskqueue-workers/internal/common/logger"
	"taskqueue-workers/internal/common/observability"
	"taskqueue-workers/internal/results"
	"taskqueue-workers/internal/tasks"
	"taskqueue-workers/internal/worker"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("starting worker",
		zap.String("brokerUrl", cfg.Queue.BrokerURL),
		zap.Strings("queues", cfg.Worker.Queues),
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Int("prefetchMultiplier", cfg.Queue.WorkerPrefetchMultiplier),
		zap.Bool("acksLate", cfg.Queue.TaskAcksLate),
	)

	obs := observability.New("taskqueue-worker")
	defer obs.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Broker connection with retry ---
	var brokerRedis *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		brokerRedis, err = database.NewRedisFromURL(cfg.Queue.BrokerURL)
		if err != nil {
			return err
		}
		return brokerRedis.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "broker connection")
	if err != nil {
		zapLog.Fatal("broker connection failed after retries", zap.Error(err))
	}
	defer brokerRedis.Close()
	zapLog.Info("broker connected")

	// --- Result backend connection with retry ---
	var resultRedis *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		resultRedis, err = database.NewRedisFromURL(cfg.Queue.ResultBackend)
		if err != nil {
			return err
		}
		return resultRedis.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "result backend connection")
	if err != nil {
		zapLog.Fatal("result backend connection failed after retries", zap.Error(err))
	}
	defer resultRedis.Close()
	zapLog.Info("result backend connected")

	b, err := broker.New(brokerRedis.GetClient(), cfg.Queue, cfg.EffectiveTimezone(), log)
	if err != nil {
		zapLog.Fatal("broker setup failed", zap.Error(err))
	}

	backend, err := results.New(resultRedis.GetClient(), cfg.Queue.ResultSerializer, cfg.Queue.ResultExpires)
	if err != nil {
		zapLog.Fatal("result backend setup failed", zap.Error(err))
	}

	// --- Optional dead-letter alerting ---
	var alerter worker.Alerter
	if cfg.Alerts.SNS.Enabled && cfg.Alerts.SNS.TopicARN != "" {
		snsClient, err := commonaws.NewSNSClient(ctx, cfg.Alerts.SNS.Region)
		if err != nil {
			zapLog.Warn("SNS client setup failed, dead-letter alerts disabled", zap.Error(err))
		} else {
			alerter = worker.NewSNSAlerter(snsClient, cfg.Alerts.SNS.TopicARN, log)
			zapLog.Info("dead-letter alerts enabled", zap.String("topicArn", cfg.Alerts.SNS.TopicARN))
		}
	}

	registry := worker.NewRegistry()
	tasks.RegisterMaintenance(registry, b)

	pool := worker.NewPool(b, backend, registry, obs, alerter, cfg.Worker, cfg.Queue.WorkerPrefetchMultiplier, log)

	// --- Metrics endpoint ---
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		zapLog.Info("metrics listening", zap.String("address", cfg.Metrics.ListenAddress))
		if err := http.ListenAndServe(cfg.Metrics.ListenAddress, mux); err != nil {
			zapLog.Error("metrics server stopped", zap.Error(err))
		}
	}()

	if err := pool.Run(ctx); err != nil {
		zapLog.Fatal("worker pool failed", zap.Error(err))
	}

	zapLog.Info("shutdown complete")
}
