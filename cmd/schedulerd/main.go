package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ErlanBelekov/scheduling-core/config"
	"github.com/ErlanBelekov/scheduling-core/internal/completion"
	"github.com/ErlanBelekov/scheduling-core/internal/health"
	"github.com/ErlanBelekov/scheduling-core/internal/instanceid"
	ctxlog "github.com/ErlanBelekov/scheduling-core/internal/log"
	"github.com/ErlanBelekov/scheduling-core/internal/metrics"
	"github.com/ErlanBelekov/scheduling-core/internal/queue/pgqueue"
	"github.com/ErlanBelekov/scheduling-core/internal/recovery"
	"github.com/ErlanBelekov/scheduling-core/internal/registry"
	"github.com/ErlanBelekov/scheduling-core/internal/scheduleengine"
	"github.com/ErlanBelekov/scheduling-core/internal/store/memory"
	"github.com/ErlanBelekov/scheduling-core/internal/store/postgres"
	"github.com/ErlanBelekov/scheduling-core/internal/taskengine"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())
	inst := instanceid.New()
	logger = logger.With("instance_id", inst.ID())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		stop()
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	logger.Info("db connected")
	metrics.Register()
	checker := health.NewChecker(pool, logger, prometheus.DefaultRegisterer)

	scheduleStore := postgres.NewScheduleStore(pool, logger)
	persistedTasks := postgres.NewTaskStore(pool)
	ephemeralTasks := memory.NewTaskStore()
	reg := registry.New()

	q := pgqueue.New(pool, logger, pgqueue.Config{
		WorkerPollInterval: cfg.QueueWorkerPollInterval(),
		WorkerConcurrency:  cfg.QueueWorkerConcurrency,
		HeartbeatTimeout:   cfg.QueueHeartbeatTimeout(),
		ReaperInterval:     cfg.QueueReaperInterval(),
	})
	q.Start(ctx)

	engine := scheduleengine.New(scheduleStore, q, logger, cfg.MinRecalculationInterval(), cfg.MaxTimeout())
	taskEngine := taskengine.New(
		persistedTasks, ephemeralTasks, reg, logger, inst.ID(),
		cfg.PollingInterval(), cfg.DefaultTimeout(), cfg.StuckTaskTimeout(),
	)

	var resub recovery.Resubscriber
	var pollRouter *completion.PollRouter
	switch cfg.CompletionRouterMode {
	case "push":
		pushRouter := completion.NewPushRouter(scheduleStore, q, engine, logger)
		engine.SetOnFired(pushRouter.Subscribe)
		resub = pushRouter
	case "poll":
		pollRouter = completion.NewPollRouter(scheduleStore, q, engine, logger, cfg.CompletionCheckInterval())
	}

	coordinator := recovery.New(scheduleStore, persistedTasks, q, resub, logger, inst.ID())
	if err := coordinator.Recover(ctx); err != nil {
		stop()
		log.Fatalf("recovery: %v", err)
	}
	logger.Info("recovery complete")

	if pollRouter != nil {
		pollRouter.Start(ctx)
		defer pollRouter.Stop()
	}

	engine.Start(ctx)
	taskEngine.Start(ctx)

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down")

	engine.Stop()
	taskEngine.Stop(30 * time.Second)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}

	logger.Info("scheduler shut down")
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
