package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/liamcoop/gamification/engine"
	"github.com/liamcoop/gamification/executionlog"
	"github.com/liamcoop/gamification/internal/logger"
	"github.com/liamcoop/gamification/rules"
	"github.com/liamcoop/gamification/schema"
)

const slowRequestThreshold = 2 * time.Second

// Options wires the server to the rest of the system
type Options struct {
	Registry *rules.Registry
	Catalog  *schema.Catalog
	Engine   *engine.Engine
	Log      executionlog.Log
	// Location is the time zone month windows are computed in
	Location *time.Location
	Clock    func() time.Time
	// Ready reports whether backing stores are reachable; nil means always
	Ready   func(ctx context.Context) error
	Metrics http.Handler
}

type Server struct {
	registry *rules.Registry
	catalog  *schema.Catalog
	engine   *engine.Engine
	log      executionlog.Log
	location *time.Location
	clock    func() time.Time
	ready    func(ctx context.Context) error
	metrics  http.Handler
	router   *chi.Mux
}

func NewServer(opts Options) *Server {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	s := &Server{
		registry: opts.Registry,
		catalog:  opts.Catalog,
		engine:   opts.Engine,
		log:      opts.Log,
		location: opts.Location,
		clock:    opts.Clock,
		ready:    opts.Ready,
		metrics:  opts.Metrics,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	// Domain event ingestion
	r.Post("/api/v1/events", s.handleProcessEvent)

	// Rule management
	r.Route("/api/v1/rules", func(r chi.Router) {
		r.Get("/", s.handleListRules)
		r.Post("/", s.handleCreateRule)

		r.Route("/{ruleId}", func(r chi.Router) {
			r.Get("/", s.handleGetRule)
			r.Put("/", s.handleUpdateRule)
			r.Delete("/", s.handleDeleteRule)
			r.Post("/toggle", s.handleToggleRule)
			r.Get("/stats", s.handleRuleStats)
		})
	})

	// Audit
	r.Route("/api/v1/executions", func(r chi.Router) {
		r.Get("/", s.handleListExecutions)
		r.Get("/unresolved", s.handleListUnresolved)
		r.Get("/{recordId}", s.handleGetExecution)
	})

	// Source entity catalog
	r.Get("/api/v1/schemas", s.handleListSchemas)
	r.Get("/api/v1/schemas/{source}", s.handleGetSchema)

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs each request through the structured logger and feeds
// the HTTP error counters.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		}

		logger.RecordHTTPStatus(status)
		switch {
		case status >= 500:
			logger.Logger.Error("request failed", attrs...)
		case status >= 400:
			logger.Debug("request rejected", attrs...)
		default:
			logger.Debug("request", attrs...)
		}

		if elapsed > slowRequestThreshold {
			logger.RecordSlowRequest()
			logger.Warn("slow request", attrs...)
		}
	})
}
