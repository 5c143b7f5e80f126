package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xela07ax/intel-pipeline/internal/domain"
	"go.uber.org/zap"
)

type SnapshotSource interface {
	Snapshot(ctx context.Context) (domain.MetricSnapshot, error)
}

type Config struct {
	Interval     time.Duration
	RetryHint    time.Duration // Подсказка EventSource для переподключения
	WriteTimeout time.Duration // Дедлайн записи одного кадра
}

// Hub рассылает снимки метрик SSE-клиентам.
// Каждому клиенту положен один слот "последний кадр": медленный клиент пропускает
// промежуточные снимки, но никогда не получает более старый, чем уже видел.
type Hub struct {
	cfg    Config
	src    SnapshotSource
	logger *zap.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}

	kick    chan struct{}
	clients prometheus.Gauge
}

func NewHub(cfg Config, src SnapshotSource, reg prometheus.Registerer, logger *zap.Logger) *Hub {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.RetryHint <= 0 {
		cfg.RetryHint = 3 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Hub{
		cfg:    cfg,
		src:    src,
		logger: logger.With(zap.String("mod", "sse")),
		subs:   make(map[*subscriber]struct{}),
		kick:   make(chan struct{}, 1),
		clients: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_sse_clients",
			Help: "Number of connected metric stream clients.",
		}),
	}
}

// Run публикует снимок по таймеру и по Kick до отмены ctx.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-h.kick:
		}
		h.publish(ctx)
	}
}

// Kick просит внеочередную публикацию. Не блокирует, повторы схлопываются.
func (h *Hub) Kick() {
	select {
	case h.kick <- struct{}{}:
	default:
	}
}

// Clients — число подключенных клиентов.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) publish(ctx context.Context) {
	if h.Clients() == 0 {
		return
	}
	f, err := h.frame(ctx)
	if err != nil {
		h.logger.Warn("snapshot unavailable, skipping broadcast", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		s.offer(f)
	}
}

func (h *Hub) frame(ctx context.Context) (frame, error) {
	snap, err := h.src.Snapshot(ctx)
	if err != nil {
		return frame{}, err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return frame{}, fmt.Errorf("encode snapshot: %w", err)
	}
	return frame{at: snap.GeneratedAt, data: data}, nil
}

func (h *Hub) subscribe() *subscriber {
	s := &subscriber{notify: make(chan struct{}, 1)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	h.clients.Inc()
	return s
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
	h.clients.Dec()
}

// ServeHTTP держит SSE-поток: retry-подсказка, сразу текущий снимок, затем event: snapshot.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub := h.subscribe()
	defer h.unsubscribe(sub)

	if err := h.write(rc, w, fmt.Sprintf("retry: %d\n\n", h.cfg.RetryHint.Milliseconds())); err != nil {
		return
	}

	// Новый клиент не ждет следующего тика
	if f, err := h.frame(r.Context()); err == nil {
		sub.offer(f)
	} else {
		h.logger.Warn("initial snapshot unavailable", zap.Error(err))
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.notify:
		}
		f, ok := sub.take()
		if !ok {
			continue
		}
		if err := h.write(rc, w, "event: snapshot\ndata: "+string(f.data)+"\n\n"); err != nil {
			h.logger.Debug("client gone", zap.Error(err))
			return
		}
	}
}

func (h *Hub) write(rc *http.ResponseController, w http.ResponseWriter, chunk string) error {
	if err := rc.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := w.Write([]byte(chunk)); err != nil {
		return err
	}
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

type frame struct {
	at   time.Time
	data []byte
}

type subscriber struct {
	mu     sync.Mutex
	latest *frame
	sent   time.Time // GeneratedAt последнего отданного кадра
	notify chan struct{}
}

// offer кладет кадр в слот, если он новее и отданного, и ожидающего.
func (s *subscriber) offer(f frame) {
	s.mu.Lock()
	if !f.at.After(s.sent) || (s.latest != nil && !f.at.After(s.latest.at)) {
		s.mu.Unlock()
		return
	}
	s.latest = &f
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) take() (frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return frame{}, false
	}
	f := *s.latest
	s.latest = nil
	s.sent = f.at
	return f, true
}
