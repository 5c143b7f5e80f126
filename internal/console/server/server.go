package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xela07ax/intel-pipeline/internal/console/handler"
	"github.com/xela07ax/intel-pipeline/internal/infra/auth"
	"go.uber.org/zap"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка RS256-токенов
	authValidator auth.TokenValidator

	agentHandler *handler.AgentHandler // /agents
	events       http.Handler          // /events (SSE)
	gatherer     prometheus.Gatherer   // /metrics, может быть nil
	origins      []string              // CORS для админки с другого origin; пусто — выключено
}

// NewConsoleServer собирает роутер админки со всеми зависимостями
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	agentH *handler.AgentHandler,
	events http.Handler,
	gatherer prometheus.Gatherer,
	origins []string,
) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		authValidator: validator,
		agentHandler:  agentH,
		events:        events,
		gatherer:      gatherer,
		origins:       origins,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(s.logger))
	r.Use(middleware.Recoverer)
	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders: []string{"Retry-After"},
			MaxAge:         300,
		}))
	}

	// --- 2. Публичные роуты ---
	r.Group(func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		if s.gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
	})

	// --- 3. Защищенный периметр (RS256 + scope admin) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", s.agentHandler.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/logs", s.agentHandler.Logs)
				r.Get("/audit", s.agentHandler.Audit)
				r.Post("/pause", s.agentHandler.Pause)
				r.Post("/resume", s.agentHandler.Resume)
				r.Post("/trigger", s.agentHandler.Trigger)
			})
		})

		// Поток метрик: долгое соединение, без таймаутов роутера
		r.Method(http.MethodGet, "/events", s.events)
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// accessLog пишет access-лог через zap.
func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
