// cmd/worker-manager/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"workspace-notifications/internal/common/aws"
	"workspace-notifications/internal/common/config"
	"workspace-notifications/internal/common/database"
	"workspace-notifications/internal/common/logger"
	"workspace-notifications/internal/common/observability"
	"workspace-notifications/internal/notification/counter"
	"workspace-notifications/internal/notification/dispatch"
	"workspace-notifications/internal/notification/feed"
	"workspace-notifications/internal/notification/preferences"
	"workspace-notifications/internal/notification/service"
	"workspace-notifications/internal/notification/store"

	cw "workspace-notifications/internal/workers/notification/compose"
	pw "workspace-notifications/internal/workers/notification/purge"
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
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	zapLog := logger.New("info", "console")
	defer zapLog.Sync()

	// Wrap zap logger with our logger interface
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting worker manager...")

	cfg, err := config.Load()
	if err != nil {
		zapLog.Fatal("config load failed", zap.Error(err))
	}

	obs := observability.New("worker-manager")
	defer obs.Shutdown()

	ctx := context.Background()

	// --- Init Zeebe Client with retry ---
	var zeebeClient zbc.Client
	err = retryWithBackoff(func() error {
		var err error
		zeebeClient, err = zbc.NewClient(&zbc.ClientConfig{
			GatewayAddress:         cfg.Camunda.BrokerAddress,
			UsePlaintextConnection: true,
		})
		return err
	}, 10, 2*time.Second, zapLog, "Zeebe client initialization")

	if err != nil {
		zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
	}
	zapLog.Info("Zeebe client connected successfully")

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		// Test the connection with context
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")

	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry ---
	var redis *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		redis, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		// Test the connection with context
		return redis.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")

	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer redis.Close()
	zapLog.Info("Redis connected successfully")

	// --- Init AWS delivery clients ---
	sesClient, err := aws.NewSESClient(ctx, cfg.Notifications.AWS.Region)
	if err != nil {
		zapLog.Fatal("ses client failed", zap.Error(err))
	}
	snsClient, err := aws.NewSNSClient(ctx, cfg.Notifications.AWS.Region)
	if err != nil {
		zapLog.Fatal("sns client failed", zap.Error(err))
	}
	zapLog.Info("AWS delivery clients initialized")

	// --- Wire the notification service ---
	recordTTL := time.Duration(cfg.Cache.RecordTTLMinutes) * time.Minute
	prefTTL := time.Duration(cfg.Cache.PreferenceTTLMinutes) * time.Minute
	lockTTL := time.Duration(cfg.Cache.CounterLockSeconds) * time.Second

	prefs := preferences.NewStore(pg.DB, redis.Client, prefTTL, log)
	dualStore := store.NewDualStore(pg.DB, redis.Client, recordTTL, cfg.Cache.FeedLength, log)
	counters := counter.NewManager(pg.DB, redis.Client, recordTTL, lockTTL, log)

	dispatcher := dispatch.NewDispatcher(
		&dispatch.Config{
			EmailEnabled: cfg.Notifications.Email.Enabled,
			PushEnabled:  cfg.Notifications.Push.Enabled,
			FromEmail:    cfg.Notifications.Email.FromEmail,
		},
		sesClient, snsClient, dispatch.NewSQLDirectory(pg.DB), log,
	)

	reader := feed.NewReader(pg.DB, redis.Client, dualStore, counters, log)
	svc := service.New(prefs, dualStore, counters, dispatcher, reader, log)

	zapLog.Info("Notification service wired")

	// --- Register Workers ---
	if cfg.Workers[cw.TaskType].Enabled {
		composeCfg := cw.LoadConfig()
		if t := cfg.Workers[cw.TaskType].Timeout; t > 0 {
			composeCfg.Timeout = time.Duration(t) * time.Millisecond
		}
		handler := cw.NewHandler(composeCfg, svc, log)
		startWorker(zeebeClient, cw.TaskType, cfg.Workers[cw.TaskType], handler.Handle, zapLog)
	}

	if cfg.Workers[pw.TaskType].Enabled {
		purgeCfg := pw.LoadConfig()
		if cfg.Retention.DaysOld > 0 {
			purgeCfg.DefaultDaysOld = cfg.Retention.DaysOld
		}
		if t := cfg.Workers[pw.TaskType].Timeout; t > 0 {
			purgeCfg.Timeout = time.Duration(t) * time.Millisecond
		}
		handler := pw.NewHandler(purgeCfg, svc, log)
		startWorker(zeebeClient, pw.TaskType, cfg.Workers[pw.TaskType], handler.Handle, zapLog)
	}

	zapLog.Info("All workers registered successfully")

	// --- Health & Metrics Server ---
	go func() {
		http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "healthy",
				"time":   time.Now().Format(time.RFC3339),
			})
		})
		http.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			status := "ready"
			code := http.StatusOK
			if err := pg.Ping(r.Context()); err != nil {
				status = "not ready"
				code = http.StatusServiceUnavailable
			}
			w.WriteHeader(code)
			json.NewEncoder(w).Encode(map[string]string{
				"status": status,
				"time":   time.Now().Format(time.RFC3339),
			})
		})
		http.Handle("/metrics", promhttp.Handler())
		zapLog.Info("Health/Metrics server listening on :8080")
		if err := http.ListenAndServe(":8080", nil); err != nil {
			zapLog.Error("Health/Metrics server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, stopping workers...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_ = shutdownCtx

	if err := zeebeClient.Close(); err != nil {
		zapLog.Error("Error closing Zeebe client", zap.Error(err))
	}

	zapLog.Info("Worker manager stopped gracefully")
}

func startWorker(client zbc.Client, taskType string, wcfg config.WorkerConfig, handlerFunc func(worker.JobClient, entities.Job), log *zap.Logger) {
	if !wcfg.Enabled {
		log.Info("worker disabled", zap.String("taskType", taskType))
		return
	}

	client.NewJobWorker().
		JobType(taskType).
		Handler(handlerFunc).
		MaxJobsActive(wcfg.MaxJobsActive).
		Timeout(time.Duration(wcfg.Timeout) * time.Millisecond).
		Open()

	log.Info("worker started",
		zap.String("taskType", taskType),
		zap.Int("maxJobsActive", wcfg.MaxJobsActive),
		zap.Int("timeout_ms", wcfg.Timeout),
	)
}
