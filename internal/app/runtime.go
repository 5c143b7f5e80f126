// Package app собирает общие для cmd/engine и cmd/console зависимости:
// Redis, хранилища, пул исполнения с юнитами пайплайна и метрики.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/intel-pipeline/internal/connectors"
	"github.com/xela07ax/intel-pipeline/internal/domain"
	"github.com/xela07ax/intel-pipeline/internal/engine"
	"github.com/xela07ax/intel-pipeline/internal/infra"
	"github.com/xela07ax/intel-pipeline/internal/itemlog"
	"github.com/xela07ax/intel-pipeline/internal/pipeline"
	"github.com/xela07ax/intel-pipeline/internal/ratelimit"
	"github.com/xela07ax/intel-pipeline/internal/registry"
	"github.com/xela07ax/intel-pipeline/internal/repository/memory"
	"github.com/xela07ax/intel-pipeline/internal/repository/postgres"
	"github.com/xela07ax/intel-pipeline/internal/statestore"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// ExecutionStore — журнал запусков во всех ролях: запись из пула, чтение из админки и агрегатора.
type ExecutionStore interface {
	engine.ExecutionLog
	Recent(ctx context.Context, agentID string, limit int) ([]domain.ExecutionRecord, error)
	Summary(ctx context.Context, since time.Time, recentLimit int) (domain.LogSummary, error)
}

type AuditStore interface {
	Record(ctx context.Context, a domain.AdminActionAudit) error
	List(ctx context.Context, agentID string, limit int) ([]domain.AdminActionAudit, error)
}

type Runtime struct {
	Cfg      *infra.Config
	Logger   *zap.Logger
	Registry *registry.Registry
	Metrics  *prometheus.Registry

	Redis   *redis.Client
	States  *statestore.Store
	Limiter *ratelimit.Limiter
	Queue   *pipeline.PendingQueue

	Executions ExecutionStore
	Audits     AuditStore
	Items      *itemlog.Writer
	Pool       *engine.Pool

	db    *pgxpool.Pool
	conns []*grpc.ClientConn
}

// New поднимает инфраструктуру и пул. При ошибке все уже открытое закрывается.
func New(ctx context.Context, cfg *infra.Config, logger *zap.Logger) (_ *Runtime, err error) {
	rt := &Runtime{
		Cfg:      cfg,
		Logger:   logger,
		Registry: registry.Default(),
		Metrics:  prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			rt.closeConns()
		}
	}()

	rt.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// 1. Redis: состояние агентов, допуск, лимиты, очередь
	rt.Redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err := pingRedis(ctx, rt.Redis, logger); err != nil {
		return nil, err
	}
	rt.States = statestore.New(rt.Redis)
	created, err := rt.States.Bootstrap(ctx, rt.Registry.IDs())
	if err != nil {
		return nil, fmt.Errorf("app: bootstrap agent state: %w", err)
	}
	logger.Info("agent state bootstrapped", zap.Int("created", created), zap.Int("agents", len(rt.Registry.IDs())))

	rt.Limiter = ratelimit.New(rt.Redis, ratelimit.FromConfig(cfg.RateLimit), rt.Metrics)
	rt.Queue = pipeline.NewPendingQueue(rt.Redis, cfg.Pipeline.PendingCapacity)

	// 2. Хранилища: Postgres или in-memory для локального запуска
	items, err := rt.openStores(ctx)
	if err != nil {
		return nil, err
	}
	rt.Items = itemlog.NewWriter(itemlog.Config{
		BufferSize:    cfg.ItemLog.BufferSize,
		BatchSize:     cfg.ItemLog.BatchSize,
		FlushInterval: cfg.ItemLog.FlushInterval,
	}, items, rt.Metrics, logger)

	// 3. Коллабораторы
	fetcher, model, err := rt.openConnectors()
	if err != nil {
		return nil, err
	}

	// 4. Пул и юниты пайплайна
	metrics := engine.NewMetrics(rt.Metrics)
	ops := engine.NewOps(engine.OpsConfig{
		OperationTimeout: cfg.Pool.OperationTimeout,
		Attempts:         cfg.Pool.FetchAttempts,
		BaseDelay:        cfg.Pool.RetryBaseDelay,
		MaxDelay:         cfg.Pool.RetryMaxDelay,
		RPS:              cfg.Pool.OutboundRPS,
		Burst:            cfg.Pool.OutboundBurst,
		CBMaxRequests:    cfg.Pool.CBMaxRequests,
		CBInterval:       cfg.Pool.CBInterval,
		CBTimeout:        cfg.Pool.CBTimeout,
		CBMaxFailures:    cfg.Pool.CBMaxFailures,
	}, rt.Limiter, metrics, logger)

	units := map[domain.AgentCategory]engine.Unit{
		domain.CategoryCollector: pipeline.NewCollector(fetcher, ops, rt.Queue, logger),
		domain.CategoryAnalyzer: pipeline.NewAnalyzer(pipeline.AnalyzerConfig{
			BatchSize:          cfg.Pipeline.AnalyzerBatch,
			ValidationAttempts: cfg.Pool.ValidationAttempts,
		}, model, ops, rt.Queue, rt.Items, logger),
	}

	concurrency := make(map[domain.AgentCategory]int, len(cfg.Pool.Concurrency))
	for cat, n := range cfg.Pool.Concurrency {
		concurrency[domain.AgentCategory(cat)] = n
	}
	rt.Pool = engine.NewPool(
		engine.PoolConfig{
			Concurrency:      concurrency,
			JobTimeout:       cfg.Pool.JobTimeout,
			FinalizeAttempts: cfg.Pool.FinalizeAttempts,
			FinalizeDelay:    cfg.Pool.FinalizeDelay,
		},
		rt.Registry,
		engine.NewRedisAdmitter(rt.Redis, cfg.Pool.JobTimeout+cfg.Pool.LockSlack, cfg.Pool.IdempotencyTTL),
		rt.Executions,
		units,
		metrics,
		logger,
	)

	rt.Items.Start()
	return rt, nil
}

func (rt *Runtime) openStores(ctx context.Context) (itemlog.Storage, error) {
	if rt.Cfg.Database.URL == "" {
		rt.Logger.Warn("database.url is empty, using in-memory execution log (data is lost on restart)")
		rt.Executions = memory.NewExecutionRepo()
		rt.Audits = memory.NewAuditRepo()
		return memory.NewItemRepo(), nil
	}

	db, err := postgres.Connect(ctx, rt.Cfg.Database)
	if err != nil {
		return nil, err
	}
	rt.db = db
	if err := postgres.Migrate(ctx, db); err != nil {
		return nil, err
	}
	rt.Executions = postgres.NewExecutionRepo(db)
	rt.Audits = postgres.NewAuditRepo(db)
	return postgres.NewItemRepo(db), nil
}

func (rt *Runtime) openConnectors() (connectors.Fetcher, connectors.Analyzer, error) {
	cc := rt.Cfg.Connectors
	if cc.Mock {
		rt.Logger.Warn("using mock connectors")
		return connectors.NewMockFetcher(), connectors.NewMockAnalyzer(), nil
	}

	fetchConn, err := connectors.Dial(cc.FetcherAddr, cc.ServiceToken)
	if err != nil {
		return nil, nil, fmt.Errorf("app: dial fetcher %s: %w", cc.FetcherAddr, err)
	}
	rt.conns = append(rt.conns, fetchConn)

	modelConn, err := connectors.Dial(cc.AnalyzerAddr, cc.ServiceToken)
	if err != nil {
		return nil, nil, fmt.Errorf("app: dial analyzer %s: %w", cc.AnalyzerAddr, err)
	}
	rt.conns = append(rt.conns, modelConn)

	return connectors.NewGRPCClient(fetchConn), connectors.NewGRPCClient(modelConn), nil
}

// MetricsServer — отдельный listener для Prometheus.
func (rt *Runtime) MetricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.Metrics, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              rt.Cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Shutdown останавливает пул (дожидаясь активных запусков в пределах ctx),
// сливает буфер исходов и закрывает соединения.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	var errs []error
	if err := rt.Pool.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pool: %w", err))
	}
	rt.Items.Stop()
	rt.closeConns()
	return errors.Join(errs...)
}

func (rt *Runtime) closeConns() {
	for _, c := range rt.conns {
		_ = c.Close()
	}
	rt.conns = nil
	if rt.db != nil {
		rt.db.Close()
		rt.db = nil
	}
	if rt.Redis != nil {
		_ = rt.Redis.Close()
		rt.Redis = nil
	}
}

func pingRedis(ctx context.Context, rdb *redis.Client, logger *zap.Logger) error {
	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("redis unreachable, retrying", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	).Do(func() error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		return fmt.Errorf("app: redis unreachable: %w", err)
	}
	return nil
}
