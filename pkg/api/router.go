// Package api provides HTTP API server components.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/goclaw/memlayer/config"
	"github.com/goclaw/memlayer/pkg/api/handlers"
	"github.com/goclaw/memlayer/pkg/api/middleware"
	"github.com/goclaw/memlayer/pkg/api/response"
	"github.com/goclaw/memlayer/pkg/logger"
)

// Handlers holds all HTTP handlers.
type Handlers struct {
	// Memory handles the entry, query and maintenance endpoints
	Memory *handlers.MemoryHandler

	// Stream serves websocket retrieval and change events
	Stream *handlers.StreamHandler

	// Health handles health check endpoints
	Health *handlers.HealthHandler

	// Metrics is the optional metrics recorder
	Metrics middleware.MetricsRecorder
}

// NewRouter creates a new chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, handlers *Handlers) chi.Router {
	r := chi.NewRouter()

	// Register global middleware
	r.Use(middleware.RequestID())
	r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))

	// Add metrics middleware if provided
	if handlers.Metrics != nil {
		r.Use(middleware.Metrics(handlers.Metrics))
	}

	r.Use(middleware.CORS(&cfg.Server.CORS))
	r.Use(middleware.Timeout(cfg.Server.HTTP.RequestTimeout))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "route not found", middleware.GetRequestID(r.Context()))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, response.ErrCodeMethodNotAllowed, "method not allowed", middleware.GetRequestID(r.Context()))
	})

	var limiter *middleware.RateLimiter
	if cfg.Server.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(cfg.Server.RateLimit)
	}

	RegisterRoutes(r, cfg, handlers, limiter)

	return r
}

// RegisterRoutes registers all API routes. The versioned API sits behind
// authentication and rate limiting; health probes do not.
func RegisterRoutes(r chi.Router, cfg *config.Config, handlers *Handlers, limiter *middleware.RateLimiter) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(&cfg.Server.Auth))
		if limiter != nil {
			r.Use(middleware.RateLimit(limiter))
		}

		r.Route("/memory", func(r chi.Router) {
			if handlers.Memory != nil {
				handlers.Memory.Routes(r)
			}
			if handlers.Stream != nil && cfg.Server.WebSocket.Enabled {
				r.Get("/stream", handlers.Stream.ServeHTTP)
			}
		})
	})

	// Health check routes (not versioned)
	if handlers.Health != nil {
		r.Get("/health", handlers.Health.Health)
		r.Get("/ready", handlers.Health.Ready)
		r.Get("/status", handlers.Health.Status)
	}
}
