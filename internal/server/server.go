package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"fxwatch/internal/alerting"
	"fxwatch/internal/alerts"
	"fxwatch/internal/conversion"
	"fxwatch/internal/currency"
	"fxwatch/internal/fetcher"
	"fxwatch/internal/subscribers"
)

// Evaluator runs an alert evaluation pass on demand.
type Evaluator interface {
	EvaluateAll(ctx context.Context) ([]alerts.Notification, error)
}

// Options wire the HTTP query surface to the engine.
type Options struct {
	Addr        string
	Rates       fetcher.RateSource
	Supported   currency.Set
	Converter   *conversion.Converter
	Alerts      *alerts.Registry
	Evaluator   Evaluator
	Subscribers *subscribers.Registry
	Dispatcher  alerting.Dispatcher
	Gatherer    prometheus.Gatherer
	// Location buckets dashboard daily totals.
	Location *time.Location
	Now      func() time.Time
}

// Server serves the JSON API.
type Server struct {
	opts   Options
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
}

// New creates the HTTP server.
func New(opts Options, logger zerolog.Logger) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Evaluator == nil {
		opts.Evaluator = opts.Alerts
	}
	s := &Server{
		opts:   opts,
		router: chi.NewRouter(),
		log:    logger.With().Str("component", "server").Logger(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	if s.opts.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	s.router.Post("/subscribe", s.handleSubscribe)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/rate/{from}/{to}", s.handleRate)
		r.Post("/convert", s.handleConvert)
		r.Get("/history", s.handleHistory)
		r.Get("/dashboard", s.handleDashboard)
		r.Get("/test-sms/{phone}", s.handleTestSMS)

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.handleListAlerts)
			r.Post("/", s.handleRegisterAlert)
			r.Post("/evaluate", s.handleEvaluate)
		})
	})
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.opts.Addr).Msg("starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
