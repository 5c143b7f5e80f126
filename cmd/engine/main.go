package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/xela07ax/intel-pipeline/internal/app"
	"github.com/xela07ax/intel-pipeline/internal/infra"
	"github.com/xela07ax/intel-pipeline/internal/scheduler"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("engine")

	// Контекст живет до SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Инфраструктура и пул
	rt, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to start runtime", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)

	// 3. Планировщик: единственный источник плановых запусков
	if cfg.Scheduler.Enabled {
		sched := scheduler.New(scheduler.Config{
			MaxJitter:  cfg.Scheduler.MaxJitter,
			RunOnStart: cfg.Scheduler.RunOnStart,
			MaxSleep:   cfg.Scheduler.MaxSleep,
		}, rt.Registry.All(), rt.Pool, logger)
		g.Go(func() error { return sched.Run(gctx) })
	} else {
		logger.Warn("scheduler disabled, only manual triggers will run")
	}

	// 4. Метрики
	metricsSrv := rt.MetricsServer()
	g.Go(func() error {
		logger.Info("metrics server started", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("engine component failed", zap.Error(err))
	}

	// 5. Graceful Shutdown: дожидаемся активных запусков
	logger.Info("engine stopping, waiting for in-flight jobs", zap.Duration("timeout", cfg.Pool.JobTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pool.JobTimeout)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown incomplete", zap.Error(err))
		return
	}
	logger.Info("engine exited properly")
}
