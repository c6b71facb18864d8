// Package core provides the API chassis for the greeting service. It builds a
// chi router that serves both standard HTTP (local runner) and Lambda
// function URLs, and applies the cross-cutting middleware (recovery, request
// ids, logging, CORS, metrics, admin authentication) before requests reach
// the domain handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"birthdaygreeter/internal/config"
)

// MetricsCollector records API telemetry.
type MetricsCollector interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// Server holds the router and the dependencies of the middleware chain.
// Handlers are attached through V1RouteRegistrars so that core does not
// import handler packages.
type Server struct {
	Logger            *slog.Logger
	Validator         *Validator
	Metrics           MetricsCollector
	HealthProbes      []HealthProbe
	V1RouteRegistrars []func(chi.Router)

	requestTimeout time.Duration
	corsOrigins    []string
	adminKey       *adminKeyVerifier

	router *chi.Mux
}

// NewServer builds a Server from configuration. It fails fast when the admin
// key hash is set but is not a bcrypt hash.
func NewServer(cfg *config.Config, logger *slog.Logger, metrics MetricsCollector) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	s := &Server{
		Logger:         logger,
		Validator:      NewValidator(),
		Metrics:        metrics,
		requestTimeout: cfg.Server.RequestTimeout,
		corsOrigins:    cfg.Security.CorsAllowedOrigins,
		router:         chi.NewRouter(),
	}

	if hash := cfg.Security.AdminAPIKeyHash.Unmask(); hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("ADMIN_API_KEY_HASH is not a bcrypt hash: %w", err)
		}
		s.adminKey = newAdminKeyVerifier(hash)
	}

	return s, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases server-held resources. The database pool belongs to the
// caller, which closes it after the HTTP listener has drained.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}
