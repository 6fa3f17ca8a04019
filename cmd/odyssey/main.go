package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-pay/internal/app"
	"github.com/odyssey-erp/odyssey-pay/internal/auth"
	"github.com/odyssey-erp/odyssey-pay/internal/health"
	"github.com/odyssey-erp/odyssey-pay/internal/lifecycle"
	"github.com/odyssey-erp/odyssey-pay/internal/observability"
	"github.com/odyssey-erp/odyssey-pay/internal/payments"
	"github.com/odyssey-erp/odyssey-pay/internal/supervisor"
	"github.com/odyssey-erp/odyssey-pay/jobs"
)

// killGrace is added to the drain timeout before the supervisor kills a
// worker that has not exited.
const killGrace = 5 * time.Second

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	secret, generated, err := app.ResolveTokenSecret(cfg)
	if err != nil {
		logger.Error("resolve token secret", slog.Any("error", err))
		os.Exit(1)
	}
	if generated {
		logger.Warn("TOKEN_SECRET not set, generated a random key; issued tokens stop verifying after restart")
	}

	_, isWorker := app.WorkerIndex()
	if workers := cfg.WorkerCount(); workers > 1 && !isWorker {
		err = runSupervisor(ctx, cfg, logger, secret, workers)
	} else {
		err = runWorker(ctx, cfg, logger, secret)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("exit", slog.Any("error", err))
		os.Exit(1)
	}
}

func runSupervisor(ctx context.Context, cfg *app.Config, logger *slog.Logger, secret string, workers int) error {
	if err := prepareStore(ctx, cfg); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.AppAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.AppAddr, err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return errors.New("listener is not TCP")
	}
	file, err := tcpLn.File()
	_ = ln.Close()
	if err != nil {
		return fmt.Errorf("listener file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	sup, err := supervisor.New(supervisor.Config{
		Workers: workers,
		Spawner: supervisor.ExecSpawner{
			Path: exe,
			Args: os.Args[1:],
			Env: []string{
				"TOKEN_SECRET=" + secret,
				app.ListenerFDEnv + "=3",
			},
			IndexEnv: app.WorkerIndexEnv,
			Files:    []*os.File{file},
		},
		Logger:      logger,
		KillTimeout: cfg.DrainTimeout + killGrace,
	})
	if err != nil {
		return err
	}
	logger.Info("supervisor starting", slog.String("addr", cfg.AppAddr), slog.Int("workers", workers))
	return sup.Run(ctx)
}

func runWorker(ctx context.Context, cfg *app.Config, logger *slog.Logger, secret string) error {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	issuer, err := auth.NewTokenIssuer([]byte(secret), cfg.TokenTTL)
	if err != nil {
		_ = store.Close()
		return err
	}
	metrics := observability.NewMetrics()

	var (
		notifier   auth.LockoutNotifier
		jobHandler *jobs.Handler
		jobClient  *jobs.Client
		inspector  *asynq.Inspector
	)
	if cfg.NotifyLockouts {
		redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
		jobClient = jobs.NewClient(redisOpts)
		notifier = jobs.NewNotifier(jobClient)
		inspector = asynq.NewInspector(redisOpts)
		jobHandler = jobs.NewHandler(inspector, logger)
	}

	authService := auth.NewService(store, issuer, auth.ServiceConfig{
		Hasher:       auth.NewBcryptHasher(cfg.BcryptCost),
		Policy:       auth.NewLockoutPolicy(cfg.LockoutThreshold, cfg.LockoutWindow),
		Logger:       logger,
		Notifier:     notifier,
		Metrics:      metrics,
		StoreTimeout: cfg.StoreTimeout,
	})
	monitor := health.NewMonitor(store, cfg.HealthProbeTimeout, health.WithLogger(logger))

	var paymentsHandler *payments.Handler
	if cfg.PaymentGatewayURL != "" {
		paymentsHandler = payments.NewHandler(logger, payments.NewClient(cfg.PaymentGatewayURL, cfg.AppRequestTimeout))
	}

	server := &http.Server{
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: cfg.AppReadTimeout,
		WriteTimeout:      cfg.AppWriteTimeout,
	}
	coordinator := lifecycle.New(server, cfg.DrainTimeout, logger)
	coordinator.OnDrain(func() { metrics.SetDraining(true) })
	coordinator.OnClose("store", store.Close)
	if jobClient != nil {
		coordinator.OnClose("jobs client", jobClient.Close)
		coordinator.OnClose("jobs inspector", inspector.Close)
	}

	server.Handler = app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		AuthHandler:     auth.NewHandler(logger, authService),
		TokenVerifier:   issuer,
		PaymentsHandler: paymentsHandler,
		JobHandler:      jobHandler,
		Health:          monitor.Handler(),
		Drain:           coordinator.Middleware,
		Metrics:         metrics,
	})

	ln, err := listen(cfg)
	if err != nil {
		_ = coordinator.Shutdown(context.Background())
		return err
	}
	logger.Info("starting http server",
		slog.String("addr", ln.Addr().String()),
		slog.String("store", cfg.StoreDriver),
	)
	return coordinator.Run(ctx, func() error { return server.Serve(ln) })
}

// listen adopts the socket inherited from the supervisor, or binds one.
func listen(cfg *app.Config) (net.Listener, error) {
	fd, ok := app.InheritedListenerFD()
	if !ok {
		return net.Listen("tcp", cfg.AppAddr)
	}
	file := os.NewFile(fd, "listener")
	if file == nil {
		return nil, fmt.Errorf("inherited listener fd %d is invalid", fd)
	}
	defer func() {
		_ = file.Close()
	}()
	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("adopt inherited listener: %w", err)
	}
	return ln, nil
}
