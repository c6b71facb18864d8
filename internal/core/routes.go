package core

import (
	"time"

	"github.com/go-chi/chi/v5"
)

// defaultRequestTimeout applies when no request timeout is configured.
const defaultRequestTimeout = 29 * time.Second

var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
}

// MountRoutes registers the middleware chain, the public health check and
// the authenticated /v1 group.
//
// Order:
//  1. Recoverer
//  2. ContextTimeout
//  3. RequestID
//  4. SecurityHeaders
//  5. RequestLogger
//  6. CORS
//  7. Metrics
//
// AdminAuth runs inside /v1 only.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.timeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(NewCORSMiddleware(s.allowedOrigins()))
	s.router.Use(s.MetricsMiddleware)

	s.router.Get("/health", s.HandleHealth)
	s.router.Route("/v1", s.mountV1)
}

// mountV1 applies admin authentication and attaches the handler routes
// supplied by the entry point.
func (s *Server) mountV1(r chi.Router) {
	r.Use(s.AdminAuth)
	for _, registrar := range s.V1RouteRegistrars {
		registrar(r)
	}
}

func (s *Server) timeout() time.Duration {
	if s.requestTimeout > 0 {
		return s.requestTimeout
	}
	return defaultRequestTimeout
}

func (s *Server) allowedOrigins() []string {
	if len(s.corsOrigins) > 0 {
		return s.corsOrigins
	}
	return []string{"*"}
}
