// Package api is the HTTP management surface of the queue engine: queue
// and member administration, statistics, the live event feed, and the
// Prometheus scrape endpoint.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/flowpbx/flowqueue/internal/api/middleware"
	"github.com/flowpbx/flowqueue/internal/config"
	"github.com/flowpbx/flowqueue/internal/events"
	"github.com/flowpbx/flowqueue/internal/queue"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	engine  *queue.Engine
	bus     *events.Bus
	cfg     *config.Config
	logger  *slog.Logger
	metrics http.Handler

	jwtSecret []byte
	adminHash string

	// reload re-reads the queue definition file; wired by main.
	reload func() error

	apiLimiter  *middleware.IPRateLimiter
	authLimiter *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted. adminHash
// is the Argon2id hash the login endpoint verifies against; metrics is
// the Prometheus scrape handler.
func NewServer(
	engine *queue.Engine,
	bus *events.Bus,
	cfg *config.Config,
	logger *slog.Logger,
	jwtSecret []byte,
	adminHash string,
	reload func() error,
	metrics http.Handler,
) *Server {
	apiLogger := logger.With("subsystem", "api")
	s := &Server{
		router:      chi.NewRouter(),
		engine:      engine,
		bus:         bus,
		cfg:         cfg,
		logger:      apiLogger,
		metrics:     metrics,
		jwtSecret:   jwtSecret,
		adminHash:   adminHash,
		reload:      reload,
		apiLimiter:  middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig(), apiLogger),
		authLimiter: middleware.NewIPRateLimiter(middleware.AuthRateLimitConfig(), apiLogger),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiters' background cleanup.
func (s *Server) Close() {
	s.apiLimiter.Stop()
	s.authLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders(s.cfg.TLSEnabled()))
	r.Use(middleware.CORS(middleware.ParseCORSOrigins(s.cfg.CORSOrigins)))

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	// API routes under /api/v1.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.apiLimiter))

		// Unauthenticated routes.
		r.Get("/health", s.handleHealth)
		r.With(middleware.RateLimit(s.authLimiter)).
			Post("/auth/login", s.handleLogin)

		// Protected management routes.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin(s.jwtSecret))

			r.Route("/queues", func(r chi.Router) {
				r.Get("/", s.handleListQueues)
				r.Post("/reload", s.handleReload)
				r.Route("/{name}", func(r chi.Router) {
					r.Get("/", s.handleGetQueue)
					r.Delete("/", s.handleRemoveQueue)
					r.Post("/reset-stats", s.handleResetStats)
					r.Post("/summary", s.handleSummarize)
					r.Post("/log", s.handleCustomLog)

					r.Route("/members", func(r chi.Router) {
						r.Post("/", s.handleAddMember)
						r.Post("/remove", s.handleRemoveMember)
						r.Post("/pause", s.handlePauseMember)
						r.Post("/penalty", s.handleSetPenalty)
						r.Post("/ringinuse", s.handleSetRingInUse)
					})
				})
			})

			// Pause/unpause an interface across every queue.
			r.Post("/members/pause", s.handlePauseEverywhere)

			r.Get("/rules", s.handleListRules)
			r.Get("/events/ws", s.handleEventsWS)
		})
	})

	s.logger.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
