package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odyssey-erp/odyssey-pay/internal/app"
	jobmetrics "github.com/odyssey-erp/odyssey-pay/internal/jobs"
	"github.com/odyssey-erp/odyssey-pay/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	registry := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(registry)
	lockoutJob := jobs.NewLockoutNoticeJob(jobs.LogSender{Logger: logger}, logger, metrics)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSecurityLockout, Handler: lockoutJob.Handle},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	var metricsServer *http.Server
	if cfg.JobsMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.JobsMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("jobs metrics server", slog.Any("error", err))
			}
		}()
	}

	logger.Info("notification worker starting", slog.String("redis", cfg.RedisAddr))
	runErr := worker.Run(ctx)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("jobs metrics shutdown", slog.Any("error", err))
		}
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("worker run", slog.Any("error", runErr))
		os.Exit(1)
	}
}
