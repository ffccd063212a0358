// Package api exposes the experiment and funnel services over JSON/HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/sells-group/variant-optimizer/internal/experiment"
	"github.com/sells-group/variant-optimizer/internal/funnel"
)

// OwnerHeader carries the caller's owner id.
const OwnerHeader = "X-Owner-ID"

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config tunes the HTTP layer.
type Config struct {
	RequestTimeout time.Duration
	// RateLimit is requests per second across all clients; 0 disables it.
	RateLimit   float64
	RateBurst   int
	CORSOrigins []string
}

// Server routes requests to the services.
type Server struct {
	experiments *experiment.Service
	funnels     *funnel.Service
	health      Pinger
	cfg         Config
	limiter     *rate.Limiter
}

// NewServer creates a Server.
func NewServer(experiments *experiment.Service, funnels *funnel.Service, health Pinger, cfg Config) *Server {
	s := &Server{experiments: experiments, funnels: funnels, health: health, cfg: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(burst, 1))
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", OwnerHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Use(s.deadline)

		r.Route("/experiments", func(r chi.Router) {
			r.Post("/", s.handleCreateExperiment)
			r.Get("/", s.handleListExperiments)
			r.Get("/{id}", s.handleGetExperiment)
			r.Patch("/{id}/status", s.handleSetStatus)
			r.Post("/{id}/allocate", s.handleAllocate)
			r.Post("/{id}/convert", s.handleConvert)
			r.Get("/{id}/insights", s.handleExperimentInsights)
			r.Get("/{id}/variants", s.handleVariants)
		})

		r.Route("/funnels", func(r chi.Router) {
			r.Post("/", s.handleCreateFunnel)
			r.Get("/{id}", s.handleGetFunnel)
			r.Post("/{id}/sessions", s.handleStartSession)
			r.Get("/{id}/insights", s.handleFunnelInsights)
		})

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Post("/next", s.handleNextStep)
			r.Post("/complete", s.handleCompleteStep)
			r.Post("/convert", s.handleFunnelConversion)
			r.Post("/exit", s.handleExit)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
