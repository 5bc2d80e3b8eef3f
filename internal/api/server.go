package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Read surface
	router.Get("/users/{id}/risk", handler.GetRiskRecord)

	router.Get("/loyalty/tiers", handler.ListTiers)
	router.Get("/loyalty/{userId}", handler.GetLoyaltyAccount)
	router.Get("/loyalty/{userId}/transactions", handler.ListPointsTransactions)
	router.Post("/loyalty/{userId}/quote", handler.QuotePrice)

	router.Get("/search/trending", handler.TrendingSearches)
	router.Post("/search/trending", handler.RecordSearch)

	// Operator surface
	router.Route("/admin", func(r chi.Router) {
		r.Use(OperatorMiddleware(deps.Auth))

		r.Post("/users/{id}/risk/assess", handler.AssessUserRisk)
		r.Post("/trust-score/migrate", handler.RunMigration)

		r.Get("/scoring/weights", handler.GetWeights)
		r.Put("/scoring/weights", handler.UpdateWeights)
		r.Get("/scoring/rules", handler.ListSuspectRules)
		r.Put("/scoring/rules", handler.ReplaceSuspectRules)

		r.Post("/loyalty/{userId}/earn", handler.EarnPoints)
		r.Post("/loyalty/{userId}/spend", handler.SpendPoints)

		r.Get("/audit", handler.ListAuditEntries)

		r.Put("/users/{id}", handler.PutUser)
		r.Put("/orders/{id}", handler.PutOrder)
		r.Patch("/orders/{id}/status", handler.UpdateOrderStatus)
		r.Put("/reports/{id}", handler.PutReport)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
