package itemlog

/*
Writer — асинхронная запись исходов по элементам (ItemOutcome).

- Non-blocking: Log не ждет базу, анализатор не тормозит на записи.
- Batching: пачка пишется по таймеру или при достижении BatchSize.
- Drain: Stop закрывает канал и дожидается финального flush, ничего не теряется при штатной остановке.
- Load Shedding: при переполнении буфера исход логируется и отбрасывается.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xela07ax/intel-pipeline/internal/domain"
	"go.uber.org/zap"
)

// Storage определяет, куда физически пишутся исходы
type Storage interface {
	WriteBatch(ctx context.Context, outcomes []domain.ItemOutcome) error
}

type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

type Writer struct {
	cfg    Config
	ch     chan domain.ItemOutcome
	repo   Storage
	logger *zap.Logger
	wg     sync.WaitGroup

	mu       sync.RWMutex // Защищает закрытие канала от конкурентных Log
	isClosed int32

	bufferFill prometheus.Gauge
	dropped    prometheus.Counter
}

func NewWriter(cfg Config, repo Storage, reg prometheus.Registerer, logger *zap.Logger) *Writer {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Writer{
		cfg:    cfg,
		ch:     make(chan domain.ItemOutcome, cfg.BufferSize),
		repo:   repo,
		logger: logger.With(zap.String("mod", "itemlog")),
		bufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_itemlog_buffer_utilization",
			Help: "Current number of item outcomes waiting to be written.",
		}),
		dropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pipeline_itemlog_dropped_total",
			Help: "Item outcomes dropped because the buffer was full or the writer stopped.",
		}),
	}
}

func (w *Writer) Start() {
	w.wg.Add(1)
	go w.worker()
}

// Stop запирает вход и ждет, пока воркер все допишет.
func (w *Writer) Stop() {
	w.mu.Lock()
	if atomic.SwapInt32(&w.isClosed, 1) == 1 {
		w.mu.Unlock()
		return
	}
	w.logger.Info("stopping item log: closing channel and flushing buffer...")
	close(w.ch)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("item log stopped gracefully")
}

// Log ставит исход в очередь, не блокируя вызывающего.
func (w *Writer) Log(o domain.ItemOutcome) {
	if o.At.IsZero() {
		o.At = time.Now().UTC()
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	if atomic.LoadInt32(&w.isClosed) == 1 {
		w.dropped.Inc()
		w.logger.Warn("item outcome dropped: writer is stopping", zap.String("item_id", o.ItemID))
		return
	}

	select {
	case w.ch <- o:
		w.bufferFill.Set(float64(len(w.ch)))
	default:
		w.dropped.Inc()
		w.logger.Error("itemlog_buffer_overflow",
			zap.String("agent_id", o.AgentID),
			zap.String("job_id", o.ExecutionID),
			zap.String("item_id", o.ItemID),
		)
	}
}

func (w *Writer) worker() {
	defer w.wg.Done()

	batch := make([]domain.ItemOutcome, 0, w.cfg.BatchSize)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст может быть уже закрыт
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.repo.WriteBatch(ctx, batch); err != nil {
			w.logger.Error("item log flush failed", zap.Int("batch", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		w.bufferFill.Set(float64(len(w.ch)))
	}

	for {
		select {
		case o, ok := <-w.ch:
			if !ok {
				// Канал закрыт в Stop: остатки уже вычитаны, финальный сброс
				flush()
				return
			}
			batch = append(batch, o)
			if len(batch) >= w.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
