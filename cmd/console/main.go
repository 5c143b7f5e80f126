package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xela07ax/intel-pipeline/internal/aggregator"
	"github.com/xela07ax/intel-pipeline/internal/app"
	"github.com/xela07ax/intel-pipeline/internal/broadcast"
	"github.com/xela07ax/intel-pipeline/internal/console/handler"
	"github.com/xela07ax/intel-pipeline/internal/console/server"
	"github.com/xela07ax/intel-pipeline/internal/console/service"
	"github.com/xela07ax/intel-pipeline/internal/domain"
	"github.com/xela07ax/intel-pipeline/internal/infra"
	"github.com/xela07ax/intel-pipeline/internal/infra/auth"
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
	logger = logger.Named("console")

	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("auth public key is required", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Инфраструктура и пул (для ручных триггеров)
	rt, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to start runtime", zap.Error(err))
	}

	// 3. Метрики и SSE
	agg := aggregator.New(aggregator.Config{
		Debounce:     cfg.Aggregator.DebounceInterval,
		RecentLimit:  cfg.Aggregator.RecentLimit,
		QueryTimeout: cfg.Aggregator.QueryTimeout,
	}, rt.Registry, rt.Executions, rt.States, rt.Queue, logger)

	hub := broadcast.NewHub(broadcast.Config{
		Interval:     cfg.Broadcast.Interval,
		RetryHint:    cfg.Broadcast.RetryHint,
		WriteTimeout: cfg.Broadcast.WriteTimeout,
	}, agg, rt.Metrics, logger)

	refresh := func() {
		agg.Invalidate()
		hub.Kick()
	}
	rt.Pool.OnFinalize(func(string, domain.ExecStatus) { refresh() })

	// 4. Сервис, хендлеры, роутер
	svc := service.NewAgentService(rt.Registry, rt.States, rt.Pool, rt.Limiter, rt.Executions, rt.Audits, logger)
	svc.OnMutation(func(string) { refresh() })

	cs := server.NewConsoleServer(
		logger,
		auth.NewBaseValidator(pubKey),
		handler.NewAgentHandler(svc, logger),
		hub,
		rt.Metrics,
		cfg.Server.CORSOrigins,
	)

	// WriteTimeout не задан: SSE-поток ставит дедлайн на каждый кадр сам
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           cs,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	// Смена статуса из другого процесса (или другой реплики админки) → немедленный пуш
	g.Go(func() error {
		rt.States.Listen(gctx, logger.Named("state-listener"),
			func(context.Context) error { refresh(); return nil },
			func(agentID string, status domain.AgentStatus) {
				logger.Debug("agent state signal", zap.String("agent_id", agentID), zap.String("status", string(status)))
				refresh()
			})
		return nil
	})
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		// SSE-соединения держат запрос открытым: Shutdown их не дождется, закрываем принудительно
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("console component failed", zap.Error(err))
	}

	// 5. Graceful Shutdown
	logger.Info("console stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pool.JobTimeout+5*time.Second)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.Error("console shutdown incomplete", zap.Error(err))
		return
	}
	logger.Info("console exited properly")
}
